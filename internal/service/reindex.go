package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/timmy/lookbook/internal/domain"
	"github.com/timmy/lookbook/internal/logger"
	"github.com/timmy/lookbook/internal/storage"
	"github.com/timmy/lookbook/internal/vectorindex"
)

// UploadCatalog enumerates upload records for maintenance passes.
type UploadCatalog interface {
	ListUsernames(ctx context.Context) ([]string, error)
	ListAllByUsername(ctx context.Context, username string) ([]domain.Upload, error)
}

// ReindexStats summarizes a reindex pass over one user.
type ReindexStats struct {
	Username string
	Total    int
	Indexed  int
	Skipped  int
	Failed   int
}

// ReindexService brings the embedding index back in line with the relational store.
type ReindexService struct {
	uploads  UploadCatalog
	storage  storage.ObjectStorage
	embedder Embedder
	index    *vectorindex.Manager
}

// NewReindexService creates a new reindex service.
func NewReindexService(uploads UploadCatalog, objectStorage storage.ObjectStorage, embedder Embedder, index *vectorindex.Manager) *ReindexService {
	return &ReindexService{uploads: uploads, storage: objectStorage, embedder: embedder, index: index}
}

// Usernames lists every user owning uploads.
func (s *ReindexService) Usernames(ctx context.Context) ([]string, error) {
	return s.uploads.ListUsernames(ctx)
}

// ReindexUser embeds the stored images of username that are missing from its index.
// With rebuild set, the index is replaced by entries built from every upload record,
// which is the only way to drop entries from an index.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - username: index owner.
//   - rebuild: replace the index instead of filling gaps.
//   - onItem: optional callback invoked after every upload record.
// Returns:
//   - ReindexStats: per-record outcome counts.
//   - error: non-nil if the records cannot be listed or the index cannot be written.
func (s *ReindexService) ReindexUser(ctx context.Context, username string, rebuild bool, onItem func()) (ReindexStats, error) {
	start := time.Now()
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldComponent: "reindex", logger.FieldUsername: username})
	stats := ReindexStats{Username: username}

	uploads, err := s.uploads.ListAllByUsername(ctx, username)
	if err != nil {
		return stats, err
	}
	stats.Total = len(uploads)

	var store *vectorindex.Store
	if !rebuild {
		if store, err = s.index.Load(ctx, username); err != nil {
			return stats, fmt.Errorf("failed to load index (rerun with rebuild): %w", err)
		}
	}

	var entries []vectorindex.Entry
	for i := range uploads {
		u := &uploads[i]
		if onItem != nil {
			onItem()
		}
		if store != nil {
			if _, ok := store.Lookup(u.ImagePath); ok {
				stats.Skipped++
				continue
			}
		}

		vec, err := s.embedStored(ctx, u)
		if err != nil || vec == nil {
			logger.FromContext(ctx).WithField("storage_key", u.StorageKey).WithError(err).Warn("Skipping upload that could not be embedded")
			stats.Failed++
			continue
		}

		if rebuild {
			entries = append(entries, vectorindex.Entry{Path: u.ImagePath, Vector: vec, Style: u.Style, Color: u.Color})
			continue
		}
		if _, err := s.index.Insert(ctx, username, u.ImagePath, vec, u.Style, u.Color); err != nil {
			return stats, fmt.Errorf("failed to index %s: %w", u.ImagePath, err)
		}
		stats.Indexed++
	}

	if rebuild {
		n, err := s.index.Rebuild(ctx, username, entries)
		if err != nil {
			return stats, fmt.Errorf("failed to rebuild index: %w", err)
		}
		stats.Indexed = n
	}

	logger.With(logger.Fields{
		"indexed": stats.Indexed,
		"skipped": stats.Skipped,
		"failed":  stats.Failed,
	}).WithDuration(start).Info(ctx, "Reindex finished")
	return stats, nil
}

func (s *ReindexService) embedStored(ctx context.Context, u *domain.Upload) ([]float32, error) {
	rc, err := s.storage.Download(ctx, u.StorageKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", u.StorageKey, err)
	}
	return s.embedder.EmbedImage(ctx, data)
}
