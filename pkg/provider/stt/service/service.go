// Package service provides the system-service transcription engine.
//
// The [Engine] streams audio into an asynchronous [Recognizer] and performs a
// graceful stop: on Stop it signals end-of-audio without cancelling, then
// waits up to [DefaultStopTimeout] for the recognizer's final result. If the
// recognizer stays silent the request is cancelled and the session ends with
// a Timeout failure. No text is ever fabricated for a timed-out session.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/keyscribe/pkg/audio"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
)

// DefaultStopTimeout bounds the wait for a final result after Stop.
const DefaultStopTimeout = 2 * time.Second

var (
	// ErrStopTimeout is wrapped by Timeout failures.
	ErrStopTimeout = errors.New("service: no final result before stop timeout")

	// ErrEventsClosed is wrapped by the Backend failure reported when a
	// request ends without a final result.
	ErrEventsClosed = errors.New("service: recognizer ended without a final result")

	// ErrSuperseded is wrapped by the Cancelled failure of a request that was
	// still open when the next Start arrived.
	ErrSuperseded = errors.New("service: request superseded by a new session")
)

// Compile-time assertion that Engine satisfies stt.Engine.
var _ stt.Engine = (*Engine)(nil)

type state int

const (
	stateIdle state = iota
	stateListening
	stateAwaitingFinal
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateListening:
		return "listening"
	case stateAwaitingFinal:
		return "awaiting_final"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithStopTimeout overrides [DefaultStopTimeout].
func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stopTimeout = d
		}
	}
}

// WithLanguage sets the recognition language. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		if lang != "" {
			e.cfg.Language = lang
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

type session struct {
	req     Request
	stream  *stt.Stream
	cancel  context.CancelFunc
	unwatch func() bool
	timer   *time.Timer
	done    chan struct{}
}

// Engine is the system-service engine. It implements stt.Engine.
type Engine struct {
	rec         Recognizer
	cfg         RecognizerConfig
	stopTimeout time.Duration
	log         *slog.Logger

	stopping atomic.Bool

	mu      sync.Mutex
	state   state
	cur     *session
	conv    audio.FormatConverter
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Engine over rec. If rec implements io.Closer it is closed
// by Close.
func New(rec Recognizer, opts ...Option) *Engine {
	e := &Engine{
		rec:         rec,
		cfg:         RecognizerConfig{Language: "en", SampleRate: audio.SpeechFormat.SampleRate},
		stopTimeout: DefaultStopTimeout,
		log:         slog.Default(),
		conv:        audio.FormatConverter{Target: audio.SpeechFormat},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Kind returns stt.SystemService.
func (e *Engine) Kind() stt.EngineKind { return stt.SystemService }

// Start begins a new recognition request. A request still open from the
// previous session is cancelled and ends with a Cancelled failure.
// Cancelling ctx abandons the session the same way.
func (e *Engine) Start(ctx context.Context) (<-chan stt.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, stt.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("service: context already cancelled: %w", err)
	}
	if s := e.cur; s != nil {
		e.log.Warn("discarding stale recognition request", "state", e.state.String())
		s.req.Cancel()
		e.finishLocked(s, stt.FailureResult(stt.FailureCancelled, ErrSuperseded))
	}
	e.stopping.Store(false)

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := e.rec.Begin(rctx, e.cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("service: begin recognition: %w", err)
	}

	s := &session{
		req:    req,
		stream: stt.NewStream(stt.DefaultStreamBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.unwatch = context.AfterFunc(ctx, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.cur == s {
			s.req.Cancel()
			e.finishLocked(s, stt.FailureResult(stt.FailureCancelled, ctx.Err()))
		}
	})
	e.cur = s
	e.state = stateListening
	e.started = true

	e.wg.Add(1)
	go e.watch(rctx, s)
	return s.stream.C(), nil
}

// Feed converts chunk to 16 kHz mono and appends it to the request. Audio
// arriving after Stop is ignored.
func (e *Engine) Feed(chunk audio.Chunk) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return stt.ErrClosed
	}
	s := e.cur
	if s == nil {
		started := e.started
		e.mu.Unlock()
		if !started {
			return stt.ErrNotStarted
		}
		return nil
	}
	if e.stopping.Load() {
		e.mu.Unlock()
		return nil
	}
	conv := e.conv.Convert(chunk)
	if conv.Samples == nil && len(chunk.Samples) > 0 {
		err := fmt.Errorf("service: unsupported audio format %s with %d samples", chunk.Format(), len(chunk.Samples))
		s.req.Cancel()
		e.finishLocked(s, stt.FailureResult(stt.FailureFormat, err))
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	if len(conv.Samples) == 0 {
		return nil
	}
	if err := s.req.Append(conv.Samples); err != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		// Stop may have ended the audio while Append was in flight; the
		// request is still converging on its final.
		if e.cur != s || e.stopping.Load() {
			e.log.Debug("dropping append error after stop", "err", err)
			return nil
		}
		s.req.Cancel()
		e.finishLocked(s, stt.FailureResult(stt.FailureBackend, fmt.Errorf("service: append audio: %w", err)))
		return err
	}
	return nil
}

// Stop signals end-of-audio and starts the bounded wait for the final
// result. Repeated calls have no effect.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.cur
	if s == nil || !e.stopping.CompareAndSwap(false, true) {
		return nil
	}
	e.state = stateAwaitingFinal
	if err := s.req.EndAudio(); err != nil {
		s.req.Cancel()
		e.finishLocked(s, stt.FailureResult(stt.FailureBackend, fmt.Errorf("service: end audio: %w", err)))
		return nil
	}
	s.timer = time.AfterFunc(e.stopTimeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.cur != s {
			return
		}
		e.log.Warn("recognizer did not deliver a final result in time", "timeout", e.stopTimeout)
		s.req.Cancel()
		e.finishLocked(s, stt.FailureResult(stt.FailureTimeout, ErrStopTimeout))
	})
	return nil
}

// Close stops any open session, waits for its terminal result (bounded by
// the stop timeout) and closes the recognizer if it is closable.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	s := e.cur
	e.mu.Unlock()

	if s != nil {
		_ = e.Stop()
		<-s.done
	}
	e.wg.Wait()

	if c, ok := e.rec.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// State returns the current lifecycle state name. Intended for diagnostics
// and tests.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.String()
}

// watch turns recognizer events into results until the session ends.
func (e *Engine) watch(ctx context.Context, s *session) {
	defer e.wg.Done()
	events := s.req.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				e.fail(s, ErrEventsClosed)
				return
			}
			if e.handle(s, ev) {
				return
			}
		}
	}
}

// handle applies one event and reports whether the session ended.
func (e *Engine) handle(s *session, ev RecognitionEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != s {
		return true
	}
	switch ev.Kind {
	case EventPartial:
		if ev.Text != "" {
			s.stream.Partial(ev.Text)
		}
		return false
	case EventFinal:
		e.finishLocked(s, stt.FinalResult(ev.Text))
	case EventError:
		if errors.Is(ev.Err, stt.ErrNoSpeech) {
			e.finishLocked(s, stt.FinalResult(""))
		} else {
			e.finishLocked(s, stt.FailureResult(stt.FailureBackend, fmt.Errorf("service: recognizer: %w", ev.Err)))
		}
	default:
		e.log.Debug("ignoring unknown recognition event", "kind", ev.Kind)
		return false
	}
	return true
}

func (e *Engine) fail(s *session, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != s {
		return
	}
	s.req.Cancel()
	e.finishLocked(s, stt.FailureResult(stt.FailureBackend, err))
}

// finishLocked delivers the terminal result and releases the request.
func (e *Engine) finishLocked(s *session, r stt.Result) {
	s.stream.Finish(r)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.unwatch()
	s.cancel()
	close(s.done)
	e.cur = nil
	e.state = stateTerminated
}
