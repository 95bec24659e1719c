// Command hub-worker runs the fulfillment workers, the deadline tracker
// and retention housekeeping. It shares the SQLite database with the
// hub API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/config"
	"github.com/gdprhub/hublite/pkg/connector"
	"github.com/gdprhub/hublite/pkg/download"
	"github.com/gdprhub/hublite/pkg/housekeeping"
	"github.com/gdprhub/hublite/pkg/notify"
	"github.com/gdprhub/hublite/pkg/objectstore"
	"github.com/gdprhub/hublite/pkg/observability"
	"github.com/gdprhub/hublite/pkg/pipeline"
	"github.com/gdprhub/hublite/pkg/queue"
	"github.com/gdprhub/hublite/pkg/sla"
	"github.com/gdprhub/hublite/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hub-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)

	metrics, err := observability.New(ctx, observability.Config{
		ServiceName:  "hub-worker",
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

	var connectors []pipeline.Connector
	if cfg.ConnectorManifest != "" {
		manifest, err := connector.LoadManifest(cfg.ConnectorManifest)
		if err != nil {
			return fmt.Errorf("connector manifest: %w", err)
		}
		set, err := connector.OpenSet(manifest)
		if err != nil {
			return fmt.Errorf("open connectors: %w", err)
		}
		defer set.Close()
		for _, c := range set.Connectors {
			connectors = append(connectors, c)
		}
		logger.Info("connectors loaded", "count", len(connectors))
	} else {
		logger.Warn("CONNECTOR_MANIFEST not set, discovery will find no sources")
	}

	auditLog := audit.NewLogger()
	notifier := notify.NewLogNotifier(logger)
	downloads := download.NewService(tokens, objects, auditLog, cfg.DownloadTokenTTL, cfg.PresignTTL)

	dispatcher := queue.NewDispatcher(jobs, logger).WithMetrics(metrics)
	pipeline.New(requests, bundles, objects, downloads, dispatcher, connectors, notifier, auditLog, logger)

	tracker := sla.NewTracker(breaches, requests, notifier, auditLog, logger).WithMetrics(metrics)
	janitor := housekeeping.NewJanitor(bundles, requests, removerFor(objects), auditLog, logger)

	logger.Info("worker starting",
		"workers", cfg.Workers,
		"poll_interval", cfg.PollInterval,
		"sweep_interval", cfg.SweepInterval)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx, cfg.Workers, cfg.PollInterval)
	}()
	go func() {
		defer wg.Done()
		tracker.Run(ctx, cfg.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		janitor.Run(ctx, cfg.SweepInterval)
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}

// removerFor returns the store's remover when the backend supports
// deletion. Housekeeping still expires records without one.
func removerFor(s objectstore.Store) objectstore.Remover {
	if r, ok := s.(objectstore.Remover); ok {
		return r
	}
	return nil
}
