// Package config loads server and worker configuration from the
// environment. No globals: the loaded struct is passed at construction
// time to every component that needs it.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabasePath is the SQLite database file shared by the API server
	// and the worker.
	DatabasePath string

	// RedisAddr backs the idempotency guard. Empty disables Redis and
	// falls back to the in-process guard (single-node deployments only).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ShopifySecret is the webhook HMAC shared secret for the shopify
	// source.
	ShopifySecret string

	// WebhookDedupTTL is the per-source-topic dedup window.
	WebhookDedupTTL time.Duration
	// InboundDedupTTL is the dedup window for header-keyed inbound calls.
	InboundDedupTTL time.Duration

	// Object storage. Backend is "s3" or "gcs".
	StorageBackend string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string // optional, for R2/MinIO
	// Static S3 credentials for providers without an ambient chain;
	// empty uses the default AWS chain.
	S3AccessKey string
	S3SecretKey string
	GCSBucket   string

	// PresignTTL bounds the validity of generated download URLs.
	PresignTTL time.Duration
	// DownloadTokenTTL bounds download-token validity.
	DownloadTokenTTL time.Duration

	// JWTSecret signs and verifies operator API tokens (HS256).
	JWTSecret string

	// WebhookRPS / WebhookBurst bound inbound webhook traffic per remote.
	WebhookRPS   float64
	WebhookBurst int

	// ConnectorManifest points at the YAML manifest describing connected
	// data sources. Empty runs the worker with no connectors.
	ConnectorManifest string

	// Workers is the worker pool size; PollInterval is the queue poll cadence.
	Workers      int
	PollInterval time.Duration
	// SweepInterval is the SLA tracker and housekeeping cadence.
	SweepInterval time.Duration

	// OTLPEndpoint enables metric export when non-empty.
	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		Port:         envOr("PORT", "8080"),
		LogLevel:     envOr("LOG_LEVEL", "INFO"),
		DatabasePath: envOr("DATABASE_PATH", "data/hublite.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		ShopifySecret: envOr("SHOPIFY_API_SECRET", "dev_secret"),

		WebhookDedupTTL: envDuration("WEBHOOK_DEDUP_TTL", 24*time.Hour),
		InboundDedupTTL: envDuration("INBOUND_DEDUP_TTL", 10*time.Minute),

		StorageBackend: envOr("STORAGE_BACKEND", "s3"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       envOr("S3_REGION", "auto"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretKey:    os.Getenv("S3_SECRET_ACCESS_KEY"),
		GCSBucket:      os.Getenv("GCS_BUCKET"),

		PresignTTL:       envDuration("PRESIGN_TTL", 15*time.Minute),
		DownloadTokenTTL: envDuration("DOWNLOAD_TOKEN_TTL", 24*time.Hour),

		JWTSecret: os.Getenv("JWT_SECRET"),

		WebhookRPS:   envFloat("WEBHOOK_RPS", 5),
		WebhookBurst: envInt("WEBHOOK_BURST", 10),

		ConnectorManifest: os.Getenv("CONNECTOR_MANIFEST"),

		Workers:       envInt("WORKERS", 4),
		PollInterval:  envDuration("POLL_INTERVAL", time.Second),
		SweepInterval: envDuration("SWEEP_INTERVAL", 5*time.Minute),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
