package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/lookbook/internal/api/middleware"
	"github.com/timmy/lookbook/internal/service"
	"github.com/timmy/lookbook/internal/vectorindex"
)

// IndexStatter reports per-user index statistics.
type IndexStatter interface {
	Stats(ctx context.Context, username string) (vectorindex.Stats, error)
}

// SearchHandler handles search, history and index endpoints.
type SearchHandler struct {
	searchService  *service.SearchService
	historyService *service.HistoryService
	index          IndexStatter
}

// NewSearchHandler creates a new search handler.
// Parameters:
//   - searchService: search service instance.
//   - historyService: upload history service.
//   - index: per-user index statistics source.
// Returns:
//   - *SearchHandler: initialized handler.
func NewSearchHandler(searchService *service.SearchService, historyService *service.HistoryService, index IndexStatter) *SearchHandler {
	return &SearchHandler{
		searchService:  searchService,
		historyService: historyService,
		index:          index,
	}
}

// Search handles POST /api/v1/search.
func (h *SearchHandler) Search(c *gin.Context) {
	var req service.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	result, err := h.searchService.Search(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrEmptyQuery) || errors.Is(err, vectorindex.ErrInvalidUsername) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("Search failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Search failed: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// History handles GET /api/v1/history?username=&limit=&offset=.
func (h *SearchHandler) History(c *gin.Context) {
	username := strings.TrimSpace(c.Query("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	page, err := h.historyService.List(c.Request.Context(), username, limit, offset)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to list history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list history"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// IndexStats handles GET /api/v1/index/stats?username=.
func (h *SearchHandler) IndexStats(c *gin.Context) {
	username := strings.TrimSpace(c.Query("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	stats, err := h.index.Stats(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, vectorindex.ErrInvalidUsername) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("Failed to read index stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read index stats: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
