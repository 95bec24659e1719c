//go:build !gcp

package objectstore

import (
	"context"
	"fmt"
)

func newGCS(ctx context.Context, cfg GCSConfig) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
