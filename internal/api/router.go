package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/lookbook/internal/api/handler"
	"github.com/timmy/lookbook/internal/api/middleware"
	"github.com/timmy/lookbook/internal/config"
	"github.com/timmy/lookbook/internal/jobs"
	"github.com/timmy/lookbook/internal/service"
	"github.com/timmy/lookbook/internal/storage"
)

// Dependencies are the collaborators the HTTP layer calls into.
type Dependencies struct {
	DB      handler.Pinger
	Queue   handler.JobSubmitter
	Tracker jobs.Tracker
	Search  *service.SearchService
	History *service.HistoryService
	Index   handler.IndexStatter
	Storage storage.ObjectStorage
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = int64(cfg.Ingest.MaxUploadMB) << 20

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.Server.CORS))

	healthHandler := handler.NewHealthHandler(deps.DB)
	uploadHandler := handler.NewUploadHandler(deps.Queue, deps.Tracker, int64(cfg.Ingest.MaxUploadMB)<<20)
	searchHandler := handler.NewSearchHandler(deps.Search, deps.History, deps.Index)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		// Ingestion
		v1.POST("/uploads", uploadHandler.Upload)
		v1.GET("/uploads/:job_id", uploadHandler.Status)

		// Retrieval
		v1.POST("/search", searchHandler.Search)
		v1.GET("/history", searchHandler.History)
		v1.GET("/index/stats", searchHandler.IndexStats)
	}

	// Object URLs that are plain paths are served by this process.
	if prefix := strings.TrimSuffix(cfg.Storage.PublicURL, "/"); strings.HasPrefix(prefix, "/") {
		imageHandler := handler.NewImageHandler(deps.Storage)
		r.GET(prefix+"/*key", imageHandler.Get)
	}

	return r
}
