package storage

import (
	"context"
	"fmt"

	"github.com/timmy/lookbook/internal/config"
)

// NewStorage creates an ObjectStorage instance based on the configuration.
// Parameters:
//   - ctx: used to make sure remote buckets exist.
//   - cfg: storage configuration.
// Returns:
//   - ObjectStorage: initialized storage implementation.
//   - error: non-nil if the storage cannot be created.
func NewStorage(ctx context.Context, cfg *config.StorageConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "local", "":
		return NewLocalStorage(&LocalConfig{Dir: cfg.LocalDir, PublicURL: cfg.PublicURL})
	case "s3":
		s, err := NewS3Storage(&S3Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			PublicURL: cfg.PublicURL,
		})
		if err != nil {
			return nil, err
		}
		return s, s.EnsureBucket(ctx)
	case "minio":
		s, err := NewMinIOStorage(&MinIOConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
			PublicURL: cfg.PublicURL,
		})
		if err != nil {
			return nil, err
		}
		return s, s.EnsureBucket(ctx)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
