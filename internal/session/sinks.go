package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/keyscribe/pkg/provider/stt"
)

// LogSink logs every result. Partials are logged at debug level.
type LogSink struct {
	log *slog.Logger
}

var _ ResultSink = (*LogSink)(nil)

// NewLogSink returns a sink logging to l, or to the default logger when l is
// nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{log: l}
}

// Partial implements [ResultSink].
func (s *LogSink) Partial(ctx context.Context, info Info, text string) {
	s.log.DebugContext(ctx, "partial transcript", "session", info.ID, "text", text)
}

// Final implements [ResultSink].
func (s *LogSink) Final(ctx context.Context, t Transcript) {
	s.log.InfoContext(ctx, "final transcript", "session", t.ID, "duration", t.Duration, "text", t.Text)
}

// Failure implements [ResultSink].
func (s *LogSink) Failure(ctx context.Context, info Info, r stt.Result) {
	s.log.WarnContext(ctx, "transcription failed", "session", info.ID, "kind", r.Failure.String(), "err", r.Err)
}

// WriterSink writes each non-empty final transcript as one line to w. The
// daemon uses it with stdout so the text can be piped into other tools.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

var _ ResultSink = (*WriterSink)(nil)

// NewWriterSink returns a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Partial implements [ResultSink].
func (s *WriterSink) Partial(context.Context, Info, string) {}

// Final implements [ResultSink].
func (s *WriterSink) Final(_ context.Context, t Transcript) {
	if t.Text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.w, t.Text); err != nil {
		slog.Warn("session: write transcript", "err", err)
	}
}

// Failure implements [ResultSink].
func (s *WriterSink) Failure(context.Context, Info, stt.Result) {}
