package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/keyscribe/internal/session"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
)

// writeTimeout bounds a single insert from the session goroutine.
const writeTimeout = 2 * time.Second

// Sink stores session results. Partials are not stored.
type Sink struct {
	store Store
	log   *slog.Logger
}

var _ session.ResultSink = (*Sink)(nil)

// NewSink returns a sink writing to store.
func NewSink(store Store) *Sink {
	return &Sink{store: store, log: slog.Default()}
}

// Partial implements [session.ResultSink].
func (s *Sink) Partial(context.Context, session.Info, string) {}

// Final implements [session.ResultSink].
func (s *Sink) Final(ctx context.Context, t session.Transcript) {
	s.add(ctx, Record{
		SessionID: t.ID,
		StartedAt: t.StartedAt,
		Duration:  t.Duration,
		Engine:    t.Engine.String(),
		Language:  t.Language,
		Status:    StatusFinal,
		RawText:   t.Raw,
		Text:      t.Text,
	})
}

// Failure implements [session.ResultSink].
func (s *Sink) Failure(ctx context.Context, info session.Info, r stt.Result) {
	rec := Record{
		SessionID: info.ID,
		StartedAt: info.StartedAt,
		Engine:    info.Engine.String(),
		Language:  info.Language,
		Status:    StatusFailure,
		Error:     r.Failure.String(),
	}
	if r.Err != nil {
		rec.Error += ": " + r.Err.Error()
	}
	s.add(ctx, rec)
}

func (s *Sink) add(ctx context.Context, r Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if _, err := s.store.Add(ctx, r); err != nil {
		s.log.Error("history: store session", "session", r.SessionID, "err", err)
	}
}
