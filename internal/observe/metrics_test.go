package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the int64 sum data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: data point with %s=%s not found", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordDecode(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDecode(ctx, "partial", 120*time.Millisecond)
	m.RecordDecode(ctx, "partial", 80*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "keyscribe.decode.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestRecordResultAndFailure(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordResult(ctx, "partial")
	m.RecordResult(ctx, "partial")
	m.RecordResult(ctx, "final")
	m.RecordFailure(ctx, "timeout")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "keyscribe.results", "kind", "partial"); got != 2 {
		t.Errorf("partial results = %d, want 2", got)
	}
	if got := sumFor(t, rm, "keyscribe.results", "kind", "failure"); got != 1 {
		t.Errorf("failure results = %d, want 1", got)
	}
	if got := sumFor(t, rm, "keyscribe.failures", "kind", "timeout"); got != 1 {
		t.Errorf("timeout failures = %d, want 1", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStart(ctx, "local", "toggle")
	m.RecordSessionStart(ctx, "local", "toggle")
	m.RecordSessionEnd(ctx, "local", 300*time.Millisecond)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "keyscribe.sessions", "mode", "toggle"); got != 2 {
		t.Errorf("sessions = %d, want 2", got)
	}

	met := findMetric(rm, "keyscribe.active_sessions")
	if met == nil {
		t.Fatal("active_sessions not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}

	if findMetric(rm, "keyscribe.stop.wait") == nil {
		t.Error("stop.wait not recorded")
	}
}

func TestRebuildAndTapCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRebuild(ctx, "system_service")
	m.RecordTapReenabled(ctx, "timeout")
	m.RecordTapReenabled(ctx, "timeout")
	m.RecordBreakerTransition(ctx, "deepgram", "open")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "keyscribe.engine.rebuilds", "engine", "system_service"); got != 1 {
		t.Errorf("rebuilds = %d, want 1", got)
	}
	if got := sumFor(t, rm, "keyscribe.tap.reenabled", "reason", "timeout"); got != 2 {
		t.Errorf("tap re-enables = %d, want 2", got)
	}
	if got := sumFor(t, rm, "keyscribe.recognizer.breaker_transitions", "state", "open"); got != 1 {
		t.Errorf("breaker transitions = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
