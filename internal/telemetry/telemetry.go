// Package telemetry wires OpenTelemetry metrics for the lease engine.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/clipvote/api"

// Config configures the metric exporter.
type Config struct {
	Enabled      bool
	OTLPEndpoint string
	Insecure     bool
	ServiceName  string
	Environment  string
}

// Setup installs a global OTLP meter provider when enabled and returns its
// shutdown function. When disabled the global no-op provider stays in place.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	logger := slog.Default().With("component", "telemetry")
	if !cfg.Enabled {
		logger.InfoContext(ctx, "metrics export disabled")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(provider)

	logger.InfoContext(ctx, "metrics export enabled", "endpoint", cfg.OTLPEndpoint, "insecure", cfg.Insecure)
	return provider.Shutdown, nil
}

// Metrics are the engine's counters. A nil *Metrics records nothing.
type Metrics struct {
	claims        metric.Int64Counter
	submissions   metric.Int64Counter
	finalizations metric.Int64Counter
	expired       metric.Int64Counter
	rateLimited   metric.Int64Counter
}

// NewMetrics creates the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider())
}

// NewMetricsFrom creates the counters on provider.
func NewMetricsFrom(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.claims, err = meter.Int64Counter("clipvote.leases.claimed",
		metric.WithDescription("Tasks leased to contributors"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.submissions, err = meter.Int64Counter("clipvote.submissions",
		metric.WithDescription("Accepted submissions"),
		metric.WithUnit("{submission}"),
	); err != nil {
		return nil, err
	}
	if m.finalizations, err = meter.Int64Counter("clipvote.tasks.finalized",
		metric.WithDescription("Tasks reaching a terminal status"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.expired, err = meter.Int64Counter("clipvote.leases.expired",
		metric.WithDescription("Leases expired by the sweep"),
		metric.WithUnit("{lease}"),
	); err != nil {
		return nil, err
	}
	if m.rateLimited, err = meter.Int64Counter("clipvote.ratelimit.denied",
		metric.WithDescription("Requests denied by the rate limiter"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Claimed counts n leased tasks; kind is "bundle" or "single".
func (m *Metrics) Claimed(ctx context.Context, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.claims.Add(ctx, int64(n), metric.WithAttributes(attribute.String("claim.kind", kind)))
}

// Submitted counts one accepted submission.
func (m *Metrics) Submitted(ctx context.Context, taskType string, golden bool) {
	if m == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task.type", taskType),
		attribute.Bool("task.golden", golden),
	))
}

// Finalized counts one task reaching status.
func (m *Metrics) Finalized(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.finalizations.Add(ctx, 1, metric.WithAttributes(attribute.String("task.status", status)))
}

// Expired counts n expired leases.
func (m *Metrics) Expired(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.expired.Add(ctx, int64(n))
}

// RateLimited counts one denied request for bucket.
func (m *Metrics) RateLimited(ctx context.Context, bucket string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("ratelimit.bucket", bucket)))
}
