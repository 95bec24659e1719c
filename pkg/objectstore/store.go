// Package objectstore is the gateway to the bucket that holds export
// bundles. Uploads and pre-signed download URLs are the only operations
// the pipeline needs; removal is split into a narrow interface used by
// retention cleanup.
package objectstore

import (
	"context"
	"time"
)

// Store uploads objects and mints short-lived download URLs for them.
type Store interface {
	// Put writes data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Presign returns a URL granting read access to key for ttl.
	// Every call mints a fresh URL.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Remover deletes objects. Only retention cleanup holds this; the
// request pipeline never removes what it uploaded.
type Remover interface {
	Remove(ctx context.Context, key string) error
}
