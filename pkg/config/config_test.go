package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.WebhookDedupTTL)
	assert.Equal(t, 10*time.Minute, cfg.InboundDedupTTL)
	assert.Equal(t, 15*time.Minute, cfg.PresignTTL)
	assert.Equal(t, "s3", cfg.StorageBackend)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("WEBHOOK_DEDUP_TTL", "1h")
	t.Setenv("WORKERS", "8")
	t.Setenv("WEBHOOK_RPS", "2.5")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, time.Hour, cfg.WebhookDedupTTL)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 2.5, cfg.WebhookRPS)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WORKERS", "many")
	t.Setenv("POLL_INTERVAL", "soon")

	cfg := Load()

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, time.Second, cfg.PollInterval)
}
