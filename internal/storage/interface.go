package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"strings"
	"time"
	"unicode"
)

// ErrNotFound is returned by Download for a key that does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStorage defines the interface for object storage operations
type ObjectStorage interface {
	// Upload uploads an object to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download downloads an object from storage
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL for accessing an object
	GetURL(key string) string

	// Delete deletes an object from storage
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)
}

// NewKey derives the object key of a new upload:
// <username>/<yyyymmddhhmmss>_<8 hex random>_<sanitized filename>.
// The random part keeps two uploads of the same filename in one second apart.
func NewKey(username, filename string, now time.Time) string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return sanitize(username) + "/" + now.UTC().Format("20060102150405") + "_" +
		hex.EncodeToString(suffix[:]) + "_" + sanitize(path.Base(strings.ReplaceAll(filename, "\\", "/")))
}

// sanitize keeps letters, digits, dot, dash and underscore; everything else becomes '_'.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// ContentType maps an image format or extension to its MIME type.
func ContentType(format string) string {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
