// Package session turns trigger intents into dictation sessions.
//
// A [Coordinator] owns at most one session at a time. On StartSession it
// configures the transcription engine for the current settings, starts the
// engine and the audio capture, and pumps captured chunks into the engine.
// Results are fanned out to the registered [ResultSink] values as they
// arrive. On StopSession it stops the capture, asks the engine to finish, and
// waits for the terminal result, which is post-processed before delivery.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/keyscribe/internal/observe"
	"github.com/MrWong99/keyscribe/internal/trigger"
	"github.com/MrWong99/keyscribe/pkg/audio"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
)

// ErrCaptureFailed wraps a capture start error reported to sinks.
var ErrCaptureFailed = errors.New("session: audio capture failed")

// EngineProvider returns an engine ready for cfg. It is satisfied by
// *transcription.Coordinator.
type EngineProvider interface {
	Configure(ctx context.Context, cfg stt.Config) (stt.Engine, error)
}

// Processor rewrites final transcript text before delivery.
type Processor interface {
	Process(text string) string
}

// Settings are the per-session knobs read at every session start.
type Settings struct {
	STT stt.Config

	// MinSessionDuration drops finals of sessions shorter than this.
	MinSessionDuration time.Duration

	// Mode is the trigger mode, used as a metric label.
	Mode string
}

// Info identifies one session.
type Info struct {
	ID        uint64
	StartedAt time.Time
	Engine    stt.EngineKind
	Language  string
}

// Transcript is a delivered final.
type Transcript struct {
	Info

	// Duration is the time from start to the stop request.
	Duration time.Duration

	// Raw is the engine's text; Text is Raw after post-processing.
	Raw  string
	Text string
}

// ResultSink receives session output. Methods are called from the
// coordinator's result goroutine and should return quickly.
type ResultSink interface {
	Partial(ctx context.Context, info Info, text string)
	Final(ctx context.Context, t Transcript)
	Failure(ctx context.Context, info Info, r stt.Result)
}

// Config holds the dependencies of a [Coordinator].
type Config struct {
	Engines EngineProvider
	Capture audio.Capture

	// Settings returns the current settings. Required.
	Settings func() Settings

	// Processor is optional.
	Processor Processor

	Sinks []ResultSink

	// Trigger is reset when a session fails to start so that intents keep
	// alternating. Optional.
	Trigger *trigger.Controller

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

type active struct {
	info      Info
	engine    stt.Engine
	span      trace.Span
	ctx       context.Context
	minDur    time.Duration
	pumpDone  chan struct{}
	resDone   chan struct{}
	stoppedAt atomic.Int64
}

// Coordinator runs dictation sessions. Handle is safe for concurrent use but
// intents are processed one at a time.
type Coordinator struct {
	cfg    Config
	log    *slog.Logger
	nextID atomic.Uint64

	mu  sync.Mutex
	cur *active
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{cfg: cfg, log: slog.Default()}
}

// Active reports whether a session is open.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Handle executes one intent. StopSession blocks until the terminal result
// has been delivered or ctx ends.
func (c *Coordinator) Handle(ctx context.Context, intent trigger.Intent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch intent {
	case trigger.StartSession:
		return c.startLocked(ctx)
	case trigger.StopSession:
		return c.stopLocked(ctx)
	default:
		return fmt.Errorf("session: unknown intent %d", int(intent))
	}
}

// Close stops an open session.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.Handle(ctx, trigger.StopSession)
}

func (c *Coordinator) startLocked(ctx context.Context) error {
	if c.cur != nil {
		c.log.Warn("session: start ignored, session already open", "session", c.cur.info.ID)
		return nil
	}

	set := c.cfg.Settings()
	info := Info{
		ID:        c.nextID.Add(1),
		StartedAt: c.cfg.Now(),
		Engine:    set.STT.Engine.Kind,
		Language:  set.STT.Language,
	}

	sctx, span := observe.StartSession(ctx, info.ID, set.Mode)

	engine, err := c.cfg.Engines.Configure(sctx, set.STT)
	if err != nil {
		c.startFailed(sctx, span, info, stt.FailureResult(stt.FailureBackend, err))
		return fmt.Errorf("session: configure engine: %w", err)
	}
	info.Engine = engine.Kind()
	span.SetAttributes(attribute.String("session.engine", info.Engine.String()))

	results, err := engine.Start(sctx)
	if err != nil {
		c.startFailed(sctx, span, info, stt.FailureResult(stt.FailureBackend, err))
		return fmt.Errorf("session: start engine: %w", err)
	}

	chunks, err := c.cfg.Capture.Start(sctx)
	if err != nil {
		// The engine session is open; stop it and discard its terminal.
		_ = engine.Stop()
		go audio.Drain(results)
		err = fmt.Errorf("%w: %w", ErrCaptureFailed, err)
		c.startFailed(sctx, span, info, stt.FailureResult(stt.FailureBackend, err))
		return fmt.Errorf("session: start capture: %w", err)
	}

	s := &active{
		info:     info,
		engine:   engine,
		span:     span,
		ctx:      sctx,
		minDur:   set.MinSessionDuration,
		pumpDone: make(chan struct{}),
		resDone:  make(chan struct{}),
	}
	c.cur = s
	c.cfg.Metrics.RecordSessionStart(sctx, info.Engine.String(), set.Mode)
	observe.Logger(sctx).Info("session started", "session", info.ID, "engine", info.Engine.String(), "language", info.Language)

	go c.pump(s, chunks)
	go c.results(s, results)
	return nil
}

func (c *Coordinator) startFailed(ctx context.Context, span trace.Span, info Info, r stt.Result) {
	observe.Logger(ctx).Error("session start failed", "session", info.ID, "err", r.Err)
	observe.FailSpan(span, r.Err, "start failed")
	span.End()
	c.cfg.Metrics.RecordFailure(ctx, r.Failure.String())
	for _, sink := range c.cfg.Sinks {
		sink.Failure(ctx, info, r)
	}
	if c.cfg.Trigger != nil {
		c.cfg.Trigger.Reset()
	}
}

func (c *Coordinator) stopLocked(ctx context.Context) error {
	s := c.cur
	if s == nil {
		return nil
	}
	c.cur = nil

	stopAt := c.cfg.Now()
	s.stoppedAt.Store(stopAt.UnixNano())

	if err := c.cfg.Capture.Stop(); err != nil {
		c.log.Warn("session: stop capture", "session", s.info.ID, "err", err)
	}
	select {
	case <-s.pumpDone:
	case <-ctx.Done():
	}
	if err := s.engine.Stop(); err != nil {
		c.log.Warn("session: stop engine", "session", s.info.ID, "err", err)
	}

	select {
	case <-s.resDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.cfg.Metrics.RecordSessionEnd(s.ctx, s.info.Engine.String(), c.cfg.Now().Sub(stopAt))
	return nil
}

// pump feeds captured audio into the engine until the capture channel closes.
func (c *Coordinator) pump(s *active, chunks <-chan audio.Chunk) {
	defer close(s.pumpDone)
	var feedErrs int
	for chunk := range chunks {
		if err := s.engine.Feed(chunk); err != nil {
			feedErrs++
			if feedErrs == 1 {
				c.log.Warn("session: feed audio", "session", s.info.ID, "err", err)
			}
		}
	}
	if s.stoppedAt.Load() == 0 {
		c.log.Warn("session: audio capture ended before stop", "session", s.info.ID)
	}
}

// results fans results out until the terminal one.
func (c *Coordinator) results(s *active, results <-chan stt.Result) {
	defer close(s.resDone)
	defer s.span.End()
	ctx := s.ctx
	for r := range results {
		switch r.Kind {
		case stt.Partial:
			c.cfg.Metrics.RecordResult(ctx, "partial")
			for _, sink := range c.cfg.Sinks {
				sink.Partial(ctx, s.info, r.Text)
			}
		case stt.Final:
			c.deliverFinal(ctx, s, r.Text)
		case stt.Failure:
			c.cfg.Metrics.RecordFailure(ctx, r.Failure.String())
			observe.FailSpan(s.span, r.Err, r.Failure.String())
			observe.Logger(ctx).Warn("session failed", "session", s.info.ID, "kind", r.Failure.String(), "err", r.Err)
			for _, sink := range c.cfg.Sinks {
				sink.Failure(ctx, s.info, r)
			}
		}
	}
}

func (c *Coordinator) deliverFinal(ctx context.Context, s *active, raw string) {
	c.cfg.Metrics.RecordResult(ctx, "final")

	end := c.cfg.Now()
	if ns := s.stoppedAt.Load(); ns != 0 {
		end = time.Unix(0, ns)
	}
	dur := end.Sub(s.info.StartedAt)
	if s.minDur > 0 && dur < s.minDur {
		observe.Logger(ctx).Info("session shorter than minimum, final dropped",
			"session", s.info.ID, "duration", dur, "min", s.minDur)
		return
	}

	text := raw
	if c.cfg.Processor != nil && text != "" {
		text = c.cfg.Processor.Process(text)
	}
	t := Transcript{Info: s.info, Duration: dur, Raw: raw, Text: text}
	observe.Logger(ctx).Info("session finished", "session", s.info.ID, "duration", dur, "chars", len(text))
	for _, sink := range c.cfg.Sinks {
		sink.Final(ctx, t)
	}
}
