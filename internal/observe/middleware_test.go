package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func diagnosticsServer(t *testing.T) (http.Handler, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {})
	return Instrument(m, mux), reader
}

func TestInstrument_RecordsRouteAndCode(t *testing.T) {
	useTestTracer(t)
	h, reader := diagnosticsServer(t)

	for _, path := range []string{"/readyz", "/healthz", "/wp-admin", "/.env"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "keyscribe.diagnostics.duration")
	if met == nil {
		t.Fatal("keyscribe.diagnostics.duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])

	type key struct {
		route string
		code  int64
	}
	got := map[key]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		code, _ := dp.Attributes.Value("code")
		got[key{route.AsString(), code.AsInt64()}] = dp.Count
	}
	want := map[key]uint64{
		{"GET /readyz", 503}: 1,
		{"GET /healthz", 200}: 1,
		{"unmatched", 404}:    2,
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("count[%v] = %d, want %d (all: %v)", k, got[k], n, got)
		}
	}
}

func TestInstrument_JoinsIncomingTrace(t *testing.T) {
	exp := useTestTracer(t)
	h, _ := diagnosticsServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(TraceHeader); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("%s = %q", TraceHeader, got)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "diagnostics /healthz" {
		t.Fatalf("spans = %v", spans)
	}
	if !spans[0].Parent.IsRemote() {
		t.Error("span did not join the remote parent")
	}
}

func TestInstrument_NewTraceWithoutHeader(t *testing.T) {
	useTestTracer(t)
	h, _ := diagnosticsServer(t)

	a, b := httptest.NewRecorder(), httptest.NewRecorder()
	h.ServeHTTP(a, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	h.ServeHTTP(b, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	ida, idb := a.Header().Get(TraceHeader), b.Header().Get(TraceHeader)
	if len(ida) != 32 || ida == idb {
		t.Errorf("trace ids = %q, %q; want distinct fresh ids", ida, idb)
	}
}
