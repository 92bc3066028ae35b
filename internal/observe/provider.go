package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Telemetry owns the SDK providers installed by [Setup].
type Telemetry struct {
	meters  *sdkmetric.MeterProvider
	tracers *sdktrace.TracerProvider
}

// SetupOption configures [Setup].
type SetupOption func(*setupConfig)

type setupConfig struct {
	name     string
	exporter sdktrace.SpanExporter
	sampler  sdktrace.Sampler
}

// WithServiceName overrides the reported service name. Default: keyscribe.
func WithServiceName(name string) SetupOption {
	return func(c *setupConfig) { c.name = name }
}

// WithSpanExporter batches finished spans to exp. Without one, spans are
// still created (trace IDs show up in logs) but never leave the process.
func WithSpanExporter(exp sdktrace.SpanExporter) SetupOption {
	return func(c *setupConfig) { c.exporter = exp }
}

// WithSampler replaces the default parent-based always-on sampler.
func WithSampler(s sdktrace.Sampler) SetupOption {
	return func(c *setupConfig) { c.sampler = s }
}

// Setup installs global meter and tracer providers. Metrics are bridged to
// the default Prometheus registry, which the diagnostics endpoint serves.
func Setup(ctx context.Context, version string, opts ...SetupOption) (*Telemetry, error) {
	cfg := setupConfig{
		name:    "keyscribe",
		sampler: sdktrace.ParentBased(sdktrace.AlwaysSample()),
	}
	for _, o := range opts {
		o(&cfg)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.name),
			semconv.ServiceVersion(version),
		),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	t := &Telemetry{
		meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exp),
		),
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler),
	}
	if cfg.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.exporter))
	}
	t.tracers = sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracers)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return t, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracers.Shutdown(ctx), t.meters.Shutdown(ctx))
}
