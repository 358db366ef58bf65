package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/lookbook/internal/api"
	"github.com/timmy/lookbook/internal/config"
	"github.com/timmy/lookbook/internal/jobs"
	"github.com/timmy/lookbook/internal/logger"
	"github.com/timmy/lookbook/internal/repository"
	"github.com/timmy/lookbook/internal/service"
	"github.com/timmy/lookbook/internal/storage"
	"github.com/timmy/lookbook/internal/vectorindex"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(&logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: "lookbook-api",
		File:        cfg.Logging.File,
		FileOnly:    cfg.Logging.FileOnly,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		Compress:    cfg.Logging.Compress,
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	ctx := context.Background()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	uploadRepo := repository.NewUploadRepository(db)

	objectStorage, err := storage.NewStorage(ctx, &cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}

	index, err := vectorindex.NewManager(cfg.Index.Dir, cfg.Index.Dimension)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize embedding index")
	}

	embedder, err := service.NewEmbedder(&cfg.Embedding, cfg.Index.Dimension)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize embedder")
	}
	if !cfg.Embedding.Enabled() {
		appLogger.Warn("No embedding API key configured, uploads will not be searchable")
	}

	var classifier service.Classifier = service.StaticClassifier{}
	if cfg.Classifier.Enabled {
		classifier = service.NewClassifier(service.ClassifierConfig{
			Model:   cfg.Classifier.Model,
			APIKey:  cfg.Classifier.APIKey,
			BaseURL: cfg.Classifier.BaseURL,
			Timeout: cfg.Classifier.Timeout,
		})
	}

	tracker, closeTracker, err := newTracker(ctx, &cfg.Jobs)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize job tracker")
	}
	defer closeTracker()

	ingestService := service.NewIngestService(uploadRepo, objectStorage, classifier, embedder, index,
		&service.IngestConfig{AllowedExtensions: cfg.Ingest.AllowedExtensions})
	queue := jobs.NewQueue(ctx, tracker, ingestService.Handle, jobs.QueueConfig{
		Workers: cfg.Jobs.Workers,
		Size:    cfg.Jobs.QueueSize,
	})

	router := api.SetupRouter(cfg, api.Dependencies{
		DB:      uploadRepo,
		Queue:   queue,
		Tracker: tracker,
		Search:  service.NewSearchService(embedder, index, objectStorage, &service.SearchConfig{DefaultTopK: cfg.Search.DefaultTopK}),
		History: service.NewHistoryService(uploadRepo, objectStorage),
		Index:   index,
		Storage: objectStorage,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":      cfg.Server.Port,
			"mode":      cfg.Server.Mode,
			"workers":   cfg.Jobs.Workers,
			"jobs":      cfg.Jobs.Backend,
			"storage":   cfg.Storage.Type,
			"dimension": cfg.Index.Dimension,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	// Running and queued batches finish before exit.
	queue.Close()
	appLogger.Info("Server exited")
}

func newTracker(ctx context.Context, cfg *config.JobsConfig) (jobs.Tracker, func(), error) {
	if cfg.Backend != "redis" {
		return jobs.NewMemoryTracker(cfg.Retention), func() {}, nil
	}
	t, err := jobs.NewRedisTracker(ctx, jobs.RedisTrackerConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		Retention: cfg.Retention,
	})
	if err != nil {
		return nil, nil, err
	}
	return t, func() {
		if err := t.Close(); err != nil {
			logger.Warn("Failed to close redis tracker: %v", err)
		}
	}, nil
}
