// Package housekeeping enforces retention: expired export bundles are
// removed from the bucket and their records marked, and completed
// requests past retention are marked expired. Nothing is hard-deleted
// from the database.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/contracts"
	"github.com/gdprhub/hublite/pkg/objectstore"
	"github.com/gdprhub/hublite/pkg/store"
)

// Janitor runs the retention sweeps.
type Janitor struct {
	bundles  *store.BundleStore
	requests *store.RequestStore
	remover  objectstore.Remover
	audit    audit.Logger
	logger   *slog.Logger
	clock    func() time.Time
}

func NewJanitor(bundles *store.BundleStore, requests *store.RequestStore, remover objectstore.Remover, auditLog audit.Logger, logger *slog.Logger) *Janitor {
	return &Janitor{
		bundles:  bundles,
		requests: requests,
		remover:  remover,
		audit:    auditLog,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (j *Janitor) WithClock(clock func() time.Time) *Janitor {
	j.clock = clock
	return j
}

// CleanExpiredBundles removes stored objects for bundles past their
// expiry and marks the records. The object is removed before the record
// is marked, so a crash between the two re-runs the removal, which is
// idempotent at the bucket.
func (j *Janitor) CleanExpiredBundles(ctx context.Context) (int, error) {
	now := j.clock()
	expired, err := j.bundles.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for _, b := range expired {
		if j.remover != nil {
			if err := j.remover.Remove(ctx, b.StorageKey); err != nil {
				j.logger.Error("bundle object removal failed", "bundle_id", b.ID, "key", b.StorageKey, "error", err)
				continue
			}
		}
		if err := j.bundles.MarkExpired(ctx, b.ID); err != nil {
			return cleaned, err
		}
		_ = j.audit.Record(ctx, audit.EventSystem, "bundle_expired", "bundle/"+b.ID, map[string]any{
			"storage_key": b.StorageKey,
		})
		cleaned++
	}
	return cleaned, nil
}

// ExpireRequests marks completed requests past retention as expired.
func (j *Janitor) ExpireRequests(ctx context.Context) (int, error) {
	cutoff := j.clock().Add(-contracts.BundleRetention)
	stale, err := j.requests.ListRetentionExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, r := range stale {
		if err := j.requests.MarkExpired(ctx, r.ID); err != nil {
			return expired, err
		}
		_ = j.audit.Record(ctx, audit.EventSystem, "request_expired", "request/"+r.ID, nil)
		expired++
	}
	return expired, nil
}

// Run executes both sweeps on the given interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := j.CleanExpiredBundles(ctx); err != nil {
				j.logger.Error("bundle cleanup failed", "error", err)
			} else if n > 0 {
				j.logger.Info("expired bundles cleaned", "count", n)
			}
			if n, err := j.ExpireRequests(ctx); err != nil {
				j.logger.Error("request expiry failed", "error", err)
			} else if n > 0 {
				j.logger.Info("requests expired", "count", n)
			}
		}
	}
}
