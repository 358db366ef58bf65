package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/lookbook/internal/domain"
	"github.com/timmy/lookbook/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// UploadLister lists a user's upload records, newest first.
type UploadLister interface {
	ListByUsername(ctx context.Context, username string, limit, offset int) ([]domain.Upload, int64, error)
}

// HistoryItem is one past upload as shown to its owner.
type HistoryItem struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	URL        string    `json:"url"`
	Path       string    `json:"path"`
	Position   string    `json:"position"`
	Style      string    `json:"style"`
	Color      string    `json:"color"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// HistoryPage is a page of a user's uploads.
type HistoryPage struct {
	Items  []HistoryItem `json:"items"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// HistoryService lists what a user has uploaded.
type HistoryService struct {
	uploads UploadLister
	storage storage.ObjectStorage
}

// NewHistoryService creates a new history service.
func NewHistoryService(uploads UploadLister, objectStorage storage.ObjectStorage) *HistoryService {
	return &HistoryService{uploads: uploads, storage: objectStorage}
}

// List returns one page of the uploads of username. A non-positive limit uses the default page size.
func (s *HistoryService) List(ctx context.Context, username string, limit, offset int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	uploads, total, err := s.uploads.ListByUsername(ctx, username, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	page := &HistoryPage{Items: make([]HistoryItem, 0, len(uploads)), Total: total, Limit: limit, Offset: offset}
	for _, u := range uploads {
		page.Items = append(page.Items, HistoryItem{
			ID:         u.ID,
			Filename:   u.Filename,
			URL:        s.storage.GetURL(u.StorageKey),
			Path:       u.ImagePath,
			Position:   u.Position,
			Style:      u.Style,
			Color:      u.Color,
			Width:      u.Width,
			Height:     u.Height,
			UploadedAt: u.UploadedAt,
		})
	}
	return page, nil
}
