package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/lookbook/internal/api/middleware"
	"github.com/timmy/lookbook/internal/domain"
	"github.com/timmy/lookbook/internal/jobs"
)

// JobSubmitter schedules ingestion batches.
type JobSubmitter interface {
	Submit(ctx context.Context, spec jobs.Spec) (string, error)
}

// UploadHandler accepts image batches and reports their progress.
type UploadHandler struct {
	queue        JobSubmitter
	tracker      jobs.Tracker
	maxFileBytes int64
}

// NewUploadHandler creates a new upload handler.
// Parameters:
//   - queue: job queue receiving batches.
//   - tracker: job snapshot store polled by clients.
//   - maxFileBytes: per-file size limit; zero or less disables the limit.
// Returns:
//   - *UploadHandler: initialized handler.
func NewUploadHandler(queue JobSubmitter, tracker jobs.Tracker, maxFileBytes int64) *UploadHandler {
	return &UploadHandler{queue: queue, tracker: tracker, maxFileBytes: maxFileBytes}
}

// Upload handles POST /api/v1/uploads.
// The multipart form carries a username field and one or more files under "images".
// Returns 202 with the job id; processing happens in the background.
func (h *UploadHandler) Upload(c *gin.Context) {
	username := strings.TrimSpace(c.PostForm("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form: " + err.Error()})
		return
	}
	headers := form.File["images"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one file is required in field 'images'"})
		return
	}

	files := make([]domain.ImageFile, 0, len(headers))
	for _, fh := range headers {
		data, err := h.readFile(fh)
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		files = append(files, domain.ImageFile{Filename: fh.Filename, Data: data})
	}

	jobID, err := h.queue.Submit(c.Request.Context(), jobs.Spec{Username: username, Files: files})
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) || errors.Is(err, jobs.ErrQueueClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Ingestion is busy, retry later", "job_id": jobID})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("Failed to submit upload job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"total":  len(files),
	})
}

func (h *UploadHandler) readFile(fh *multipart.FileHeader) ([]byte, error) {
	if h.maxFileBytes > 0 && fh.Size > h.maxFileBytes {
		return nil, fmt.Errorf("file %q exceeds %d bytes", fh.Filename, h.maxFileBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", fh.Filename, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Status handles GET /api/v1/uploads/:job_id.
func (h *UploadHandler) Status(c *gin.Context) {
	snap, err := h.tracker.Get(c.Request.Context(), c.Param("job_id"))
	if errors.Is(err, jobs.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to read job status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read job status"})
		return
	}
	c.JSON(http.StatusOK, snap.Status())
}
