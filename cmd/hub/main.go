// Command hub runs the API server: webhook ingress, operator API and
// download redemption. Pipeline jobs enqueued here are executed by the
// hub-worker process against the same database.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdprhub/hublite/pkg/api"
	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/config"
	"github.com/gdprhub/hublite/pkg/download"
	"github.com/gdprhub/hublite/pkg/idempotency"
	"github.com/gdprhub/hublite/pkg/notify"
	"github.com/gdprhub/hublite/pkg/objectstore"
	"github.com/gdprhub/hublite/pkg/observability"
	"github.com/gdprhub/hublite/pkg/pipeline"
	"github.com/gdprhub/hublite/pkg/queue"
	"github.com/gdprhub/hublite/pkg/store"
	"github.com/gdprhub/hublite/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hub:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)

	metrics, err := observability.New(ctx, observability.Config{
		ServiceName:  "hub",
		Environment:  os.Getenv("ENVIRONMENT"),
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	requests, err := store.NewRequestStore(db)
	if err != nil {
		return fmt.Errorf("request store: %w", err)
	}
	bundles, err := store.NewBundleStore(db)
	if err != nil {
		return fmt.Errorf("bundle store: %w", err)
	}
	tokens, err := store.NewTokenStore(db)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	breaches, err := store.NewBreachStore(db)
	if err != nil {
		return fmt.Errorf("breach store: %w", err)
	}
	jobs, err := queue.NewStore(db)
	if err != nil {
		return fmt.Errorf("job store: %w", err)
	}

	var guard idempotency.Guard
	if cfg.RedisAddr != "" {
		guard = idempotency.NewRedisGuard(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		logger.Info("idempotency guard: redis", "addr", cfg.RedisAddr)
	} else {
		guard = idempotency.NewMemoryGuard()
		logger.Warn("idempotency guard: in-process, webhook dedup is per-node")
	}

	objects, err := objectstore.New(ctx, objectstore.Config{
		Backend: objectstore.Backend(cfg.StorageBackend),
		S3: objectstore.S3Config{
			Bucket: cfg.S3Bucket, Region: cfg.S3Region, Endpoint: cfg.S3Endpoint,
			AccessKeyID: cfg.S3AccessKey, SecretAccessKey: cfg.S3SecretKey,
		},
		GCS:     objectstore.GCSConfig{Bucket: cfg.GCSBucket},
	})
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	auditLog := audit.NewLogger()
	notifier := notify.NewLogNotifier(logger)
	downloads := download.NewService(tokens, objects, auditLog, cfg.DownloadTokenTTL, cfg.PresignTTL)

	// The dispatcher here only enqueues; the worker process claims and
	// runs the jobs.
	dispatcher := queue.NewDispatcher(jobs, logger).WithMetrics(metrics)
	pipe := pipeline.New(requests, bundles, objects, downloads, dispatcher, nil, notifier, auditLog, logger)

	secrets := map[string]string{"shopify": cfg.ShopifySecret}
	webhooks := webhook.NewHandler(webhook.NewVerifier(secrets), guard, requests, pipe, auditLog, logger,
		cfg.WebhookDedupTTL, cfg.InboundDedupTTL).WithMetrics(metrics)

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, operator API is disabled")
	}
	server := api.NewServer(
		requests, breaches, bundles, jobs, downloads, webhooks,
		api.NewJWTValidator(cfg.JWTSecret),
		api.NewRateLimiter(cfg.WebhookRPS, cfg.WebhookBurst),
		auditLog, logger,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
