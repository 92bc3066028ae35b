package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the trace ID of a diagnostics request back to the
// caller.
const TraceHeader = "X-Trace-ID"

type codeRecorder struct {
	http.ResponseWriter
	code int
}

func (r *codeRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps the diagnostics handler. Each probe or scrape runs in a
// server span that joins an incoming W3C trace, is timed into
// [Metrics.ProbeDuration] under its matched route, and is logged at debug
// level.
func Instrument(m *Metrics, next http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "diagnostics "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		traceID := TraceID(ctx)
		w.Header().Set(TraceHeader, traceID)

		r = r.WithContext(ctx)
		rec := &codeRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		// ServeMux fills in the pattern it matched; unmatched paths share
		// one label so scanners cannot blow up the cardinality.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		m.ProbeDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("route", route),
				attribute.Int("code", rec.code),
			),
		)
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.code), semconv.HTTPRoute(route))

		slog.DebugContext(ctx, "diagnostics request",
			"trace_id", traceID,
			"route", route,
			"code", rec.code,
			"elapsed", elapsed,
		)
	})
}
