package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// LocalStorage implements ObjectStorage on a directory, served by the API under PublicURL.
type LocalStorage struct {
	fs        afero.Fs
	publicURL string
}

// LocalConfig holds configuration for directory-backed storage.
type LocalConfig struct {
	Dir       string
	PublicURL string // URL prefix the API serves objects under, e.g. /images
}

// NewLocalStorage creates storage rooted at cfg.Dir on the OS filesystem.
func NewLocalStorage(cfg *LocalConfig) (*LocalStorage, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("local storage dir is required")
	}
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return NewLocalStorageFs(afero.NewBasePathFs(osFs, cfg.Dir), cfg.PublicURL), nil
}

// NewLocalStorageFs creates storage on an arbitrary afero filesystem.
func NewLocalStorageFs(fsys afero.Fs, publicURL string) *LocalStorage {
	return &LocalStorage{fs: fsys, publicURL: strings.TrimSuffix(publicURL, "/")}
}

func cleanKey(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return clean, nil
}

// Upload writes the object, creating parent directories as needed.
func (s *LocalStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	name, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create object dir: %w", err)
	}
	f, err := s.fs.Create(name)
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		_ = s.fs.Remove(name)
		return fmt.Errorf("failed to upload object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(name)
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// Download opens the object for reading.
func (s *LocalStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download object: %w", err)
	}
	return f, nil
}

// GetURL returns the API path serving the object.
func (s *LocalStorage) GetURL(key string) string {
	return s.publicURL + "/" + strings.TrimPrefix(key, "/")
}

// Delete removes the object. Deleting a missing object is not an error.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	name, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Exists checks if an object exists.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	name, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(s.fs, name)
	if err != nil {
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return ok, nil
}
