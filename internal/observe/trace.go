package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/keyscribe"

// Tracer returns the keyscribe tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSession opens the span that covers one dictation from the start
// intent to its terminal result. Everything the session does (engine
// configuration, decode passes, recognizer requests) nests under it.
func StartSession(ctx context.Context, id uint64, mode string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session",
		trace.WithAttributes(
			attribute.Int64("session.id", int64(id)),
			attribute.String("session.mode", mode),
		),
	)
}

// FailSpan records err on span and marks it failed with desc.
func FailSpan(span trace.Span, err error, desc string) {
	if err != nil {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, desc)
}

// TraceID returns the trace ID of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger, tagged with trace_id when ctx carries a
// span so a session's log lines can be joined with its trace.
func Logger(ctx context.Context) *slog.Logger {
	if id := TraceID(ctx); id != "" {
		return slog.Default().With("trace_id", id)
	}
	return slog.Default()
}
