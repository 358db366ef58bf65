package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/lookbook/internal/domain"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no upload matches a lookup.
	ErrNotFound = errors.New("upload not found")

	// ErrDuplicate is returned when an upload with the same (username, md5_hash) already exists.
	ErrDuplicate = errors.New("upload already exists")
)

// UploadRepository handles upload record operations.
type UploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository creates a new UploadRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *UploadRepository: repository instance bound to db.
func NewUploadRepository(db *gorm.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// FindByHash returns the upload of username whose content hash is md5Hash.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - username: owner of the upload.
//   - md5Hash: content fingerprint.
// Returns:
//   - *domain.Upload: the existing record.
//   - error: ErrNotFound when the user has no such content.
func (r *UploadRepository) FindByHash(ctx context.Context, username, md5Hash string) (*domain.Upload, error) {
	var upload domain.Upload
	err := r.db.WithContext(ctx).
		Where("username = ? AND md5_hash = ?", username, md5Hash).
		First(&upload).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find upload by hash: %w", err)
	}
	return &upload, nil
}

// Create inserts a new upload record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - upload: record to persist.
// Returns:
//   - error: ErrDuplicate when (username, md5_hash) is taken, other errors on failure.
func (r *UploadRepository) Create(ctx context.Context, upload *domain.Upload) error {
	err := r.db.WithContext(ctx).Create(upload).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

// ListByUsername returns the uploads of username, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - username: owner of the uploads.
//   - limit: max records to return.
//   - offset: records to skip.
// Returns:
//   - []domain.Upload: page of uploads.
//   - int64: total uploads of the user.
//   - error: non-nil if the query fails.
func (r *UploadRepository) ListByUsername(ctx context.Context, username string, limit, offset int) ([]domain.Upload, int64, error) {
	var total int64
	base := r.db.WithContext(ctx).Model(&domain.Upload{}).Where("username = ?", username)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count uploads: %w", err)
	}

	var uploads []domain.Upload
	err := r.db.WithContext(ctx).
		Where("username = ?", username).
		Order("uploaded_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&uploads).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list uploads: %w", err)
	}
	return uploads, total, nil
}

// ListAllByUsername returns every upload of username in upload order.
func (r *UploadRepository) ListAllByUsername(ctx context.Context, username string) ([]domain.Upload, error) {
	var uploads []domain.Upload
	err := r.db.WithContext(ctx).
		Where("username = ?", username).
		Order("uploaded_at ASC").Order("id ASC").
		Find(&uploads).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	return uploads, nil
}

// ListUsernames returns every username that owns at least one upload.
func (r *UploadRepository) ListUsernames(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).
		Model(&domain.Upload{}).
		Distinct("username").
		Order("username").
		Pluck("username", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list usernames: %w", err)
	}
	return names, nil
}

// Ping checks that the relational store is reachable.
func (r *UploadRepository) Ping(ctx context.Context) error {
	return Ping(ctx, r.db)
}
