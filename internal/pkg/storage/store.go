// Package storage persists finished artifacts to a local directory or an
// S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ManuelReschke/pixelcore/internal/pkg/config"
)

var ErrInvalidKey = errors.New("invalid object key")

// Store persists a local file under an object key.
type Store interface {
	Name() string
	// Put copies or moves localPath to key. The caller still owns localPath
	// and may remove whatever is left of it afterwards.
	Put(ctx context.Context, localPath, key string) (*Stored, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Stored describes a persisted artifact.
type Stored struct {
	Key         string        `json:"key"`
	Location    string        `json:"location"`
	Size        int64         `json:"size"`
	ContentType string        `json:"content_type"`
	Duration    time.Duration `json:"duration"`
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, appEnv string) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.LocalDir)
	case "s3":
		if cfg.S3 == nil {
			return nil, errors.New("s3 storage selected without S3 configuration")
		}
		return NewS3Store(ctx, cfg.S3, appEnv)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// ObjectKey builds the key for an artifact of a processing run:
// YYYY/MM/<run>/<name>.
func ObjectKey(at time.Time, runID, name string) string {
	return fmt.Sprintf("%04d/%02d/%s/%s", at.Year(), int(at.Month()), runID, name)
}

// cleanKey rejects keys that are empty, absolute or escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// contentType returns the MIME type based on file extension
func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".avif":
		return "image/avif"
	case ".bmp":
		return "image/bmp"
	case ".tiff", ".tif":
		return "image/tiff"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
