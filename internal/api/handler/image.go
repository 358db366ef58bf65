package handler

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/lookbook/internal/api/middleware"
	"github.com/timmy/lookbook/internal/storage"
)

// ImageHandler serves stored images by object key.
type ImageHandler struct {
	storage storage.ObjectStorage
}

// NewImageHandler creates a new image handler
func NewImageHandler(objectStorage storage.ObjectStorage) *ImageHandler {
	return &ImageHandler{storage: objectStorage}
}

// Get handles GET <public prefix>/*key.
func (h *ImageHandler) Get(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return
	}

	rc, err := h.storage.Download(c.Request.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return
	}
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to read image")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read image"})
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", "public, max-age=86400")
	c.DataFromReader(http.StatusOK, -1, storage.ContentType(path.Ext(key)), rc, nil)
}
