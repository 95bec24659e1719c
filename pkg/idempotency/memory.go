package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is an in-process Guard for tests and single-node
// deployments without Redis. Entries self-expire.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	clock   func() time.Time
}

// NewMemoryGuard creates an in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		entries: make(map[string]time.Time),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *MemoryGuard) WithClock(clock func() time.Time) *MemoryGuard {
	g.clock = clock
	return g
}

// Claim is set-if-absent under a single lock.
func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if expiry, exists := g.entries[key]; exists && now.Before(expiry) {
		return false, nil
	}
	g.entries[key] = now.Add(ttl)

	// Opportunistic cleanup of expired entries
	for k, exp := range g.entries {
		if !now.Before(exp) {
			delete(g.entries, k)
		}
	}
	return true, nil
}

// Release drops a claim.
func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
	return nil
}
