// Package idempotency provides a distributed at-most-once gate used to
// deduplicate webhook deliveries and inbound calls before task dispatch.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Guard claims idempotency keys with a TTL. Claim must be an atomic
// set-if-absent against the shared store; there is no read-then-write
// race window.
type Guard interface {
	// Claim returns true if the key was claimed by this caller, false if
	// it was already claimed within its TTL. On false the caller must
	// treat the operation as an idempotent success, not an error.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Releaser is optionally implemented by guards that can drop a claim,
// so a caller whose downstream work failed can let the sender retry.
type Releaser interface {
	Release(ctx context.Context, key string) error
}

// DeriveKey derives an idempotency key for an inbound delivery.
// Priority: a provider-supplied delivery id, else a content hash of the
// raw body. ok is false when neither is available; callers proceeding on
// ok=false run unguarded and must accept possible duplicates.
func DeriveKey(deliveryID string, body []byte) (key string, ok bool) {
	if deliveryID != "" {
		return "idemp:" + deliveryID, true
	}
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		return "idemp:" + hex.EncodeToString(sum[:]), true
	}
	return "", false
}

// TopicKey builds the per-source-topic dedup key used for commerce
// platform webhooks: idemp:{shop}:{topic}:{sha256(body)}.
func TopicKey(shop, topic string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("idemp:%s:%s:%s", shop, topic, hex.EncodeToString(sum[:]))
}
