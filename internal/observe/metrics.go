// Package observe provides application-wide observability primitives for
// keyscribe: OpenTelemetry metrics, tracing helpers, and HTTP middleware for
// the diagnostics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Setup] so the diagnostics server can
// expose them on /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all keyscribe metrics.
const meterName = "github.com/MrWong99/keyscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Histograms ---

	// DecodeDuration tracks the latency of one decode pass. Use with
	// attribute.String("pass", "partial"|"final").
	DecodeDuration metric.Float64Histogram

	// StopWait tracks the time between a stop request and the terminal
	// result of the session. Use with attribute.String("engine", ...).
	StopWait metric.Float64Histogram

	// --- Counters ---

	// Sessions counts started sessions. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("mode", ...)
	Sessions metric.Int64Counter

	// Results counts delivered results. Use with attribute:
	//   attribute.String("kind", "partial"|"final"|"failure")
	Results metric.Int64Counter

	// Failures counts terminal failures. Use with attribute:
	//   attribute.String("kind", "timeout"|"backend"|"format"|"cancelled")
	Failures metric.Int64Counter

	// EngineRebuilds counts transcription engine rebuilds. Use with
	// attribute.String("engine", ...).
	EngineRebuilds metric.Int64Counter

	// TapReenabled counts keyboard tap recoveries. Use with
	// attribute.String("reason", ...).
	TapReenabled metric.Int64Counter

	// BreakerTransitions counts recognizer circuit breaker state changes.
	// Use with attribute.String("recognizer", ...), attribute.String("state", ...).
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open dictation sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- Diagnostics endpoint ---

	// ProbeDuration tracks how long a health probe or metrics scrape took.
	// Use with attributes:
	//   attribute.String("route", ...), attribute.Int("code", ...)
	ProbeDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// decode passes and stop latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("keyscribe.decode.duration",
		metric.WithDescription("Latency of a single transcription decode pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StopWait, err = m.Float64Histogram("keyscribe.stop.wait",
		metric.WithDescription("Time from stop request to terminal result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Sessions, err = m.Int64Counter("keyscribe.sessions",
		metric.WithDescription("Total dictation sessions started by engine and trigger mode."),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("keyscribe.results",
		metric.WithDescription("Total transcription results by kind."),
	); err != nil {
		return nil, err
	}
	if met.Failures, err = m.Int64Counter("keyscribe.failures",
		metric.WithDescription("Total terminal failures by failure kind."),
	); err != nil {
		return nil, err
	}
	if met.EngineRebuilds, err = m.Int64Counter("keyscribe.engine.rebuilds",
		metric.WithDescription("Total transcription engine rebuilds by engine kind."),
	); err != nil {
		return nil, err
	}
	if met.TapReenabled, err = m.Int64Counter("keyscribe.tap.reenabled",
		metric.WithDescription("Total keyboard tap re-enables after an OS disable notice."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("keyscribe.recognizer.breaker_transitions",
		metric.WithDescription("Recognizer circuit breaker transitions by target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("keyscribe.active_sessions",
		metric.WithDescription("Number of open dictation sessions."),
	); err != nil {
		return nil, err
	}

	if met.ProbeDuration, err = m.Float64Histogram("keyscribe.diagnostics.duration",
		metric.WithDescription("Diagnostics endpoint latency by route and status code."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordDecode records the duration of one decode pass.
func (m *Metrics) RecordDecode(ctx context.Context, pass string, d time.Duration) {
	m.DecodeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("pass", pass)),
	)
}

// RecordResult increments the result counter for kind.
func (m *Metrics) RecordResult(ctx context.Context, kind string) {
	m.Results.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFailure increments both the result counter (kind "failure") and the
// failure counter for failureKind.
func (m *Metrics) RecordFailure(ctx context.Context, failureKind string) {
	m.RecordResult(ctx, "failure")
	m.Failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", failureKind)))
}

// RecordSessionStart increments the session counter and the active gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context, engine, mode string) {
	m.Sessions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("mode", mode),
		),
	)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd decrements the active gauge and records how long the stop
// took to reach a terminal result.
func (m *Metrics) RecordSessionEnd(ctx context.Context, engine string, stopWait time.Duration) {
	m.ActiveSessions.Add(ctx, -1)
	m.StopWait.Record(ctx, stopWait.Seconds(),
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}

// RecordRebuild increments the engine rebuild counter.
func (m *Metrics) RecordRebuild(ctx context.Context, engine string) {
	m.EngineRebuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordTapReenabled increments the tap recovery counter.
func (m *Metrics) RecordTapReenabled(ctx context.Context, reason string) {
	m.TapReenabled.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition counts a recognizer breaker moving into state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, recognizer, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("recognizer", recognizer),
		attribute.String("state", state),
	))
}
