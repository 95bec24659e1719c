//go:build gcp

package objectstore

import (
	"context"
	"fmt"
)

func newGCS(ctx context.Context, cfg GCSConfig) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required for gcs storage")
	}
	return NewGCSStore(ctx, cfg)
}
