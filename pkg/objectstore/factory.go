package objectstore

import (
	"context"
	"fmt"
)

// Backend identifies the configured storage backend.
type Backend string

const (
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
	BackendMemory Backend = "memory"
)

// GCSConfig holds connection settings for the GCS backend.
type GCSConfig struct {
	Bucket string
}

// Config selects and configures the storage backend.
type Config struct {
	Backend Backend
	S3      S3Config
	GCS     GCSConfig
}

// New creates the configured object store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 bucket is required for s3 storage")
		}
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		return newGCS(ctx, cfg.GCS)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
