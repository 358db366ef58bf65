package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/lookbook/internal/domain"
	"github.com/timmy/lookbook/internal/fingerprint"
	"github.com/timmy/lookbook/internal/jobs"
	"github.com/timmy/lookbook/internal/logger"
	"github.com/timmy/lookbook/internal/repository"
	"github.com/timmy/lookbook/internal/storage"
	"github.com/timmy/lookbook/internal/vectorindex"
	_ "golang.org/x/image/webp"
)

// UploadStore is the part of the relational store the pipeline needs.
type UploadStore interface {
	FindByHash(ctx context.Context, username, md5Hash string) (*domain.Upload, error)
	Create(ctx context.Context, upload *domain.Upload) error
	Ping(ctx context.Context) error
}

// IngestService runs the per-item ingestion pipeline of a batch.
type IngestService struct {
	uploads    UploadStore
	storage    storage.ObjectStorage
	classifier Classifier
	embedder   Embedder
	index      *vectorindex.Manager
	allowed    map[string]bool
	now        func() time.Time

	progressAttempts int
	progressBackoff  time.Duration
}

// IngestConfig holds configuration for the ingest service
type IngestConfig struct {
	AllowedExtensions []string
}

// NewIngestService creates a new ingest service.
// Parameters:
//   - uploads: relational store of upload records.
//   - objectStorage: image byte storage.
//   - classifier: attribute classifier.
//   - embedder: image embedding model.
//   - index: per-user embedding index.
//   - cfg: accepted file extensions.
// Returns:
//   - *IngestService: ready-to-use service.
func NewIngestService(
	uploads UploadStore,
	objectStorage storage.ObjectStorage,
	classifier Classifier,
	embedder Embedder,
	index *vectorindex.Manager,
	cfg *IngestConfig,
) *IngestService {
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &IngestService{
		uploads:    uploads,
		storage:    objectStorage,
		classifier: classifier,
		embedder:   embedder,
		index:      index,
		allowed:    allowed,
		now:        time.Now,

		progressAttempts: 3,
		progressBackoff:  200 * time.Millisecond,
	}
}

// Handle adapts Process to the job queue.
func (s *IngestService) Handle(ctx context.Context, job jobs.Job, progress jobs.ProgressFunc) error {
	return s.Process(ctx, job.Username, job.Files, progress)
}

// Process ingests files in order and publishes the results after every item.
// Parameters:
//   - ctx: job context.
//   - username: owner of the batch.
//   - files: submitted files in submission order.
//   - progress: receives the processed count and the results so far.
// Returns:
//   - error: non-nil only when the batch could not run at all. Per-item failures are
//     reported as error results; a progress update that cannot be published is logged
//     and the next one carries the full results.
func (s *IngestService) Process(ctx context.Context, username string, files []domain.ImageFile, progress jobs.ProgressFunc) error {
	start := time.Now()
	ctx = logger.SetUsername(ctx, username)

	if err := s.uploads.Ping(ctx); err != nil {
		return fmt.Errorf("relational store unavailable: %w", err)
	}

	results := make([]domain.ItemResult, 0, len(files))
	for i, file := range files {
		itemCtx := logger.WithField(ctx, logger.FieldFilename, file.Filename)
		result := s.safeProcessItem(itemCtx, username, file)
		results = append(results, result)

		logger.With(logger.Fields{logger.FieldStatus: string(result.Status)}).
			Debug(itemCtx, "Processed item %d/%d", i+1, len(files))

		if err := s.publish(ctx, progress, i+1, results); err != nil {
			logger.FromContext(ctx).WithError(err).Warnf("Progress %d/%d not published, continuing", i+1, len(files))
		}
	}

	logger.With(logger.Fields{logger.FieldCount: len(files)}).WithDuration(start).Info(ctx, "Batch ingested")
	return nil
}

// publish retries a failed progress update with a linear backoff.
func (s *IngestService) publish(ctx context.Context, progress jobs.ProgressFunc, current int, results []domain.ItemResult) error {
	var err error
	for attempt := 1; attempt <= s.progressAttempts; attempt++ {
		if err = progress(ctx, current, results); err == nil {
			return nil
		}
		if attempt == s.progressAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.progressBackoff):
		}
	}
	return err
}

func (s *IngestService) safeProcessItem(ctx context.Context, username string, file domain.ImageFile) (result domain.ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).WithField("stack", string(debug.Stack())).Errorf("Item panicked: %v", r)
			result = errorResult(file.Filename, "internal error while processing image")
		}
	}()
	return s.processItem(ctx, username, file)
}

func (s *IngestService) processItem(ctx context.Context, username string, file domain.ImageFile) domain.ItemResult {
	if len(file.Data) == 0 {
		return errorResult(file.Filename, "empty file")
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Filename), "."))
	if !s.allowed[ext] {
		return errorResult(file.Filename, fmt.Sprintf("file type %q is not allowed", ext))
	}

	hash := fingerprint.Sum(file.Data)

	existing, err := s.uploads.FindByHash(ctx, username, hash)
	switch {
	case err == nil:
		return s.duplicateResult(file.Filename, existing)
	case !errors.Is(err, repository.ErrNotFound):
		logger.FromContext(ctx).WithError(err).Error("Failed to check for duplicate")
		return errorResult(file.Filename, "failed to check for duplicate")
	}

	now := s.now()
	key := storage.NewKey(username, file.Filename, now)
	if err := s.storage.Upload(ctx, key, bytes.NewReader(file.Data), int64(len(file.Data)), storage.ContentType(ext)); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to store image")
		return errorResult(file.Filename, "failed to store image")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(file.Data))
	if err != nil {
		s.removeObject(ctx, key)
		return errorResult(file.Filename, "not a valid image")
	}

	attrs := s.classifier.Classify(ctx, file.Data, format).Normalize()

	upload := &domain.Upload{
		ID:         uuid.NewString(),
		Username:   username,
		MD5Hash:    hash,
		ImagePath:  key,
		StorageKey: key,
		Filename:   file.Filename,
		Format:     format,
		Width:      cfg.Width,
		Height:     cfg.Height,
		FileSize:   int64(len(file.Data)),
		Position:   attrs.Position,
		Style:      attrs.Style,
		Color:      attrs.Color,
		UploadedAt: now,
	}
	if err := s.uploads.Create(ctx, upload); err != nil {
		s.removeObject(ctx, key)
		if errors.Is(err, repository.ErrDuplicate) {
			// Same content committed by a concurrent batch of this user.
			if winner, findErr := s.uploads.FindByHash(ctx, username, hash); findErr == nil {
				return s.duplicateResult(file.Filename, winner)
			}
			return domain.ItemResult{Filename: file.Filename, Status: domain.ItemStatusDuplicate}
		}
		logger.FromContext(ctx).WithError(err).Error("Failed to save upload record")
		return errorResult(file.Filename, "failed to save upload record")
	}

	result := domain.ItemResult{
		Filename: file.Filename,
		Status:   domain.ItemStatusSuccess,
		ImageURL: s.storage.GetURL(key),
		Position: attrs.Position,
		Style:    attrs.Style,
		Color:    attrs.Color,
	}
	if msg := s.indexImage(ctx, username, upload, file.Data); msg != "" {
		result.Message = msg
	}
	return result
}

// indexImage embeds and indexes an accepted image. Failures never reject the item;
// a non-empty return value is attached to the result as a note.
func (s *IngestService) indexImage(ctx context.Context, username string, upload *domain.Upload, data []byte) string {
	vec, err := s.embedder.EmbedImage(ctx, data)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to embed image, it will not be searchable")
		return "stored but not indexed"
	}
	if vec == nil {
		logger.CtxWarn(ctx, "Embedder returned no vector, image will not be searchable")
		return "stored but not indexed"
	}

	if _, err := s.index.Insert(ctx, username, upload.ImagePath, vec, upload.Style, upload.Color); err != nil {
		if vectorindex.IsDimensionMismatch(err) {
			logger.FromContext(ctx).WithError(err).Error("Embedding dimension does not match the index, check embedding and index configuration")
		} else {
			logger.FromContext(ctx).WithError(err).Error("Failed to index image")
		}
		return "stored but not indexed"
	}
	return ""
}

func (s *IngestService) duplicateResult(filename string, existing *domain.Upload) domain.ItemResult {
	return domain.ItemResult{
		Filename: filename,
		Status:   domain.ItemStatusDuplicate,
		Message:  "image already uploaded",
		ImageURL: s.storage.GetURL(existing.StorageKey),
		Position: existing.Position,
		Style:    existing.Style,
		Color:    existing.Color,
	}
}

func (s *IngestService) removeObject(ctx context.Context, key string) {
	if err := s.storage.Delete(ctx, key); err != nil {
		logger.FromContext(ctx).WithField("storage_key", key).WithError(err).Error("Failed to roll back stored image")
	}
}

func errorResult(filename, message string) domain.ItemResult {
	return domain.ItemResult{Filename: filename, Status: domain.ItemStatusError, Message: message}
}
