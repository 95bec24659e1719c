// Package observability provides OpenTelemetry metrics and structured
// logging for the hub. Metrics follow the RED pattern over pipeline
// jobs, webhook deliveries and deadline sweeps, exported over OTLP
// gRPC when an endpoint is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"; empty disables export
	Insecure       bool
}

// Provider manages the meter provider and the hub's instruments.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	jobCounter     metric.Int64Counter
	webhookCounter metric.Int64Counter
	sweepCounter   metric.Int64Counter
}

// New creates a provider. Without an OTLP endpoint all instruments are
// no-ops, so call sites never branch on whether metrics are on.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		logger: slog.Default().With("component", "observability"),
	}

	if cfg.OTLPEndpoint == "" {
		p.meter = noop.NewMeterProvider().Meter("gdprhub.hublite")
		return p.initInstruments()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(30*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter("gdprhub.hublite",
		metric.WithInstrumentationVersion(cfg.ServiceVersion))

	return p.initInstruments()
}

func (p *Provider) initInstruments() (*Provider, error) {
	var err error
	p.jobCounter, err = p.meter.Int64Counter("hub.jobs.processed",
		metric.WithDescription("Pipeline jobs processed, by job name and outcome"))
	if err != nil {
		return nil, err
	}
	p.webhookCounter, err = p.meter.Int64Counter("hub.webhooks.received",
		metric.WithDescription("Webhook deliveries received, by outcome"))
	if err != nil {
		return nil, err
	}
	p.sweepCounter, err = p.meter.Int64Counter("hub.sweeps.actions",
		metric.WithDescription("Deadline sweep actions taken, by action"))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// JobProcessed records one processed queue job. Satisfies the queue's
// metrics sink.
func (p *Provider) JobProcessed(ctx context.Context, name, outcome string) {
	p.jobCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("job", name),
			attribute.String("outcome", outcome),
		))
}

// WebhookReceived records one webhook delivery.
func (p *Provider) WebhookReceived(ctx context.Context, source, outcome string) {
	p.webhookCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("outcome", outcome),
		))
}

// SweepAction records one deadline sweep action.
func (p *Provider) SweepAction(ctx context.Context, action string) {
	p.sweepCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// NewLogger builds the process-wide structured logger.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
