package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard implements Guard on Redis SET NX EX, which is atomic on the
// server side and safe across processes.
type RedisGuard struct {
	client *redis.Client
}

// NewRedisGuard creates a guard backed by Redis.
func NewRedisGuard(addr, password string, db int) *RedisGuard {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisGuard{client: rdb}
}

// NewRedisGuardFromClient wraps an existing client.
func NewRedisGuardFromClient(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

// Claim performs SET key 1 NX EX ttl.
func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim %s: %w", key, err)
	}
	return ok, nil
}

// Release gives back a claim so a failed delivery can be retried by the
// sender instead of being swallowed as a duplicate.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("idempotency release %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
