package whisper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/keyscribe/pkg/audio"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
)

// MinDecodeDuration is how much audio must be buffered before the first
// partial decode. A pass is started only when the buffer is strictly longer.
const MinDecodeDuration = time.Second

// defaultCloseTimeout bounds how long Close waits for an open session's
// final pass before abandoning it.
const defaultCloseTimeout = 10 * time.Second

const tracerName = "github.com/MrWong99/keyscribe/pkg/provider/stt/whisper"

// Compile-time assertion that Engine satisfies stt.Engine.
var _ stt.Engine = (*Engine)(nil)

// state is the lifecycle of the current session.
type state int

const (
	stateIdle state = iota
	stateListening
	stateDecoding
	stateFinalizePending
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateListening:
		return "listening"
	case stateDecoding:
		return "decoding"
	case stateFinalizePending:
		return "finalize_pending"
	default:
		return "unknown"
	}
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the language passed to the decoder (e.g. "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		if lang != "" {
			e.language = lang
		}
	}
}

// WithMinDecodeDuration overrides [MinDecodeDuration].
func WithMinDecodeDuration(d time.Duration) Option {
	return func(e *Engine) { e.minDecode = d }
}

// WithCloseTimeout overrides how long Close waits for a final pass.
func WithCloseTimeout(d time.Duration) Option {
	return func(e *Engine) { e.closeTimeout = d }
}

// WithDecodeObserver registers fn to be called after every decode pass with
// the pass kind ("partial" or "final") and its duration.
func WithDecodeObserver(fn func(ctx context.Context, pass string, d time.Duration)) Option {
	return func(e *Engine) { e.observe = fn }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// session is one Start..terminal interval. Decode goroutines hold a pointer
// to the session they belong to and drop their output once it is no longer
// current.
type session struct {
	stream   *stt.Stream
	ctx      context.Context
	cancel   context.CancelFunc
	unwatch  func() bool
	done     chan struct{}
	buf      []float32
	state    state
	decoding bool // a decode goroutine is running; guarded by Engine.mu
}

// Engine is the local streaming engine. It implements stt.Engine.
type Engine struct {
	dec          Decoder
	language     string
	minDecode    time.Duration
	closeTimeout time.Duration
	observe      func(context.Context, string, time.Duration)
	log          *slog.Logger
	tracer       trace.Tracer

	mu      sync.Mutex
	cur     *session
	conv    audio.FormatConverter
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Engine over dec. The engine owns dec and closes it in Close.
func New(dec Decoder, opts ...Option) *Engine {
	e := &Engine{
		dec:          dec,
		language:     defaultLanguage,
		minDecode:    MinDecodeDuration,
		closeTimeout: defaultCloseTimeout,
		log:          slog.Default(),
		tracer:       otel.Tracer(tracerName),
		conv:         audio.FormatConverter{Target: audio.SpeechFormat},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Kind returns stt.Local.
func (e *Engine) Kind() stt.EngineKind { return stt.Local }

// Start clears the buffer and opens a new session. Cancelling ctx abandons
// the session with a Cancelled failure.
func (e *Engine) Start(ctx context.Context) (<-chan stt.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, stt.ErrClosed
	}
	if e.cur != nil {
		return nil, stt.ErrSessionActive
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		stream: stt.NewStream(stt.DefaultStreamBuffer),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  stateListening,
	}
	s.unwatch = context.AfterFunc(ctx, func() {
		e.abort(s, stt.FailureCancelled, ctx.Err())
	})
	e.cur = s
	e.started = true
	return s.stream.C(), nil
}

// Feed converts chunk to 16 kHz mono and appends it to the session buffer.
// Once more than the minimum duration is buffered and no decode is in
// flight, a partial pass over the whole buffer starts in the background.
func (e *Engine) Feed(chunk audio.Chunk) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return stt.ErrClosed
	}
	s := e.cur
	if s == nil {
		if !e.started {
			return stt.ErrNotStarted
		}
		return nil
	}
	if s.state == stateFinalizePending {
		return nil
	}

	conv := e.conv.Convert(chunk)
	if conv.Samples == nil && len(chunk.Samples) > 0 {
		err := fmt.Errorf("whisper: unsupported audio format %s with %d samples", chunk.Format(), len(chunk.Samples))
		s.stream.Finish(stt.FailureResult(stt.FailureFormat, err))
		e.endLocked(s)
		return err
	}
	s.buf = append(s.buf, conv.Samples...)

	if s.state == stateListening && e.bufferedLocked(s) > e.minDecode && !s.decoding {
		s.decoding = true
		s.state = stateDecoding
		e.launchLocked(s, false)
	}
	return nil
}

// Stop requests the end of the session. A decode in flight is allowed to
// finish and is followed immediately by the final pass.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.cur
	if s == nil {
		return nil
	}
	switch s.state {
	case stateListening:
		if len(s.buf) == 0 {
			s.stream.Finish(stt.FinalResult(""))
			e.endLocked(s)
			return nil
		}
		s.state = stateFinalizePending
		s.decoding = true
		e.launchLocked(s, true)
	case stateDecoding:
		s.state = stateFinalizePending
	}
	return nil
}

// Close finalizes an open session (bounded by the close timeout), waits for
// background decodes and closes the decoder.
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
		t := time.NewTimer(e.closeTimeout)
		select {
		case <-s.done:
		case <-t.C:
			e.abort(s, stt.FailureCancelled, stt.ErrClosed)
		}
		t.Stop()
	}

	e.wg.Wait()
	return e.dec.Close()
}

// State returns the current lifecycle state name. Intended for diagnostics
// and tests.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return stateIdle.String()
	}
	return e.cur.state.String()
}

func (e *Engine) bufferedLocked(s *session) time.Duration {
	return time.Duration(len(s.buf)) * time.Second / time.Duration(audio.SpeechFormat.SampleRate)
}

// launchLocked starts a decode pass over everything buffered so far. The
// three-index slice keeps later appends from touching the snapshot.
func (e *Engine) launchLocked(s *session, final bool) {
	snapshot := s.buf[:len(s.buf):len(s.buf)]
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		text, err := e.decode(s.ctx, snapshot, final)
		e.complete(s, final, text, err)
	}()
}

func (e *Engine) decode(ctx context.Context, samples []float32, final bool) (string, error) {
	pass := "partial"
	if final {
		pass = "final"
	}
	if computeRMS(samples) < silenceRMS {
		return "", nil
	}

	ctx, span := e.tracer.Start(ctx, "whisper.decode", trace.WithAttributes(
		attribute.String("pass", pass),
		attribute.Int("samples", len(samples)),
	))
	defer span.End()

	start := time.Now()
	text, err := e.dec.Decode(ctx, samples, e.language)
	if e.observe != nil {
		e.observe(ctx, pass, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return text, err
}

// complete handles the end of a decode pass.
func (e *Engine) complete(s *session, final bool, text string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur != s {
		return
	}

	if final {
		if err != nil {
			s.stream.Finish(stt.FailureResult(stt.FailureBackend, fmt.Errorf("whisper: final decode: %w", err)))
		} else {
			s.stream.Finish(stt.FinalResult(text))
		}
		e.endLocked(s)
		return
	}

	switch s.state {
	case stateDecoding:
		s.decoding = false
		s.state = stateListening
		if err != nil {
			e.log.Warn("whisper partial decode failed", "err", err)
			return
		}
		if text != "" {
			s.stream.Partial(text)
		}
	case stateFinalizePending:
		e.launchLocked(s, true)
	}
}

// abort ends s with a failure if it is still current.
func (e *Engine) abort(s *session, kind stt.FailureKind, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != s {
		return
	}
	s.stream.Finish(stt.FailureResult(kind, err))
	e.endLocked(s)
}

// endLocked releases s and returns the engine to idle.
func (e *Engine) endLocked(s *session) {
	s.state = stateIdle
	s.cancel()
	s.unwatch()
	s.buf = nil
	close(s.done)
	e.cur = nil
}
