// Package app wires all keyscribe subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the keyboard and intent loops, ApplyConfig applies
// hot-reloaded configuration, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithTap, WithCapture, WithEngineFactory, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/keyscribe/internal/config"
	"github.com/MrWong99/keyscribe/internal/health"
	"github.com/MrWong99/keyscribe/internal/history"
	"github.com/MrWong99/keyscribe/internal/observe"
	"github.com/MrWong99/keyscribe/internal/resilience"
	"github.com/MrWong99/keyscribe/internal/session"
	"github.com/MrWong99/keyscribe/internal/transcript"
	"github.com/MrWong99/keyscribe/internal/transcription"
	"github.com/MrWong99/keyscribe/internal/trigger"
	"github.com/MrWong99/keyscribe/pkg/audio"
	"github.com/MrWong99/keyscribe/pkg/audio/wavrec"
	"github.com/MrWong99/keyscribe/pkg/keyboard"
	"github.com/MrWong99/keyscribe/pkg/keyboard/evdev"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
	"github.com/MrWong99/keyscribe/pkg/provider/stt/service"
	"github.com/MrWong99/keyscribe/pkg/provider/stt/whisper"
)

// intentBuffer is the capacity of the queue between the keyboard goroutine
// and the session worker.
const intentBuffer = 8

// ErrNoRecognizers is returned by the system-service engine factory when no
// configured recognizer could be created.
var ErrNoRecognizers = errors.New("app: no usable recognizer")

// App owns all subsystem lifetimes.
type App struct {
	mu  sync.Mutex
	cfg *config.Config

	level   *slog.LevelVar
	reg     *config.Registry
	metrics *observe.Metrics
	output  io.Writer

	tap     keyboard.Tap
	capture audio.Capture
	factory transcription.Factory

	// Desktop output, used when the output section enables it.
	clipboard session.Clipboard
	keys      session.Keystroker
	notify    session.NotifyFunc

	// Subsystems, initialised in New and torn down in Shutdown.
	machine     *keyboard.StateMachine
	trigger     *trigger.Controller
	source      *keyboard.Source
	substituter *transcript.Substituter
	engines     *transcription.Coordinator
	sessions    *session.Coordinator
	history     history.Store
	server      *http.Server

	intents       chan trigger.Intent
	sourceRunning atomic.Bool

	// stopPending records a StopSession that did not fit in intents. It is
	// delivered once the queue has drained; wake nudges the intent worker.
	stopPending atomic.Bool
	wake        chan struct{}

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTap injects the keyboard driver instead of opening an evdev device.
func WithTap(t keyboard.Tap) Option {
	return func(a *App) { a.tap = t }
}

// WithCapture injects the audio capture instead of creating one from the
// registry.
func WithCapture(c audio.Capture) Option {
	return func(a *App) { a.capture = c }
}

// WithEngineFactory replaces the factory that builds transcription engines.
func WithEngineFactory(f transcription.Factory) Option {
	return func(a *App) { a.factory = f }
}

// WithRegistry sets the registry used to create recognizers and captures.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithOutput sets where final transcripts are written. Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.output = w }
}

// WithDesktop replaces the clipboard, the paste keystroker and the
// notification function. Nil arguments keep the system implementations.
func WithDesktop(clip session.Clipboard, keys session.Keystroker, notify session.NotifyFunc) Option {
	return func(a *App) {
		if clip != nil {
			a.clipboard = clip
		}
		if keys != nil {
			a.keys = keys
		}
		if notify != nil {
			a.notify = notify
		}
	}
}

// WithLevelVar lets ApplyConfig change the log level of the handler that
// owns v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. New performs all
// initialisation synchronously; the keyboard tap is not enabled until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		output:    os.Stdout,
		intents:   make(chan trigger.Intent, intentBuffer),
		wake:      make(chan struct{}, 1),
		clipboard: session.SystemClipboard(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.factory == nil {
		a.factory = a.buildEngine
	}

	binding, err := cfg.KeyBinding()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	mode, err := cfg.TriggerMode()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 1. Hotkey ────────────────────────────────────────────────────────
	a.machine = keyboard.NewStateMachine(binding)
	a.trigger = trigger.New(mode)
	if err := a.initTap(); err != nil {
		return nil, fmt.Errorf("app: init keyboard: %w", err)
	}
	a.source = keyboard.NewSource(a.tap, a.onKey,
		keyboard.WithReenableHook(func(ctx context.Context, reason keyboard.DisableReason) {
			a.metrics.RecordTapReenabled(ctx, string(reason))
		}),
	)

	// ── 2. Audio capture ─────────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}
	if dir := cfg.Audio.RecordDir; dir != "" {
		a.capture = wavrec.New(a.capture, dir)
	}

	// ── 3. Transcription engine coordinator ──────────────────────────────
	a.engines = transcription.New(a.factory,
		transcription.WithRebuildHook(func(ctx context.Context, kind stt.EngineKind) {
			a.metrics.RecordRebuild(ctx, kind.String())
		}),
	)
	a.closers = append(a.closers, a.engines.Close)

	// ── 4. Post-processing ───────────────────────────────────────────────
	a.substituter = transcript.NewSubstituter(dictionary(cfg))

	// ── 5. Sinks ─────────────────────────────────────────────────────────
	sinks := []session.ResultSink{
		session.NewLogSink(slog.Default()),
		session.NewWriterSink(a.output),
	}
	if cfg.History.Path != "" {
		store, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("app: open history: %w", err)
		}
		a.history = store
		a.closers = append(a.closers, store.Close)
		sinks = append(sinks, history.NewSink(store))
	}
	if out := cfg.Output; out.Clipboard || out.Paste {
		var keys session.Keystroker
		if out.Paste {
			keys = a.keys
			if keys == nil {
				keys = session.VirtualKeyboard()
			}
		}
		sinks = append(sinks, session.NewClipboardSink(a.clipboard, keys))
	}
	if cfg.Output.Notify {
		sinks = append(sinks, session.NewNotifySink(a.notify))
	}

	// ── 6. Session coordinator ───────────────────────────────────────────
	a.sessions = session.New(session.Config{
		Engines:   a.engines,
		Capture:   a.capture,
		Settings:  a.settings,
		Processor: a.substituter,
		Sinks:     sinks,
		Trigger:   a.trigger,
		Metrics:   a.metrics,
	})

	// ── 7. Diagnostics endpoint ──────────────────────────────────────────
	if addr := cfg.Diagnostics.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           observe.Instrument(a.metrics, a.diagnosticsMux()),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTap opens the configured evdev device unless a tap was injected.
func (a *App) initTap() error {
	if a.tap != nil {
		return nil
	}
	device := a.cfg.Hotkey.Device
	if device == "" {
		found, err := evdev.FindKeyboard()
		if err != nil {
			return err
		}
		device = found
	}
	slog.Info("using keyboard device", "device", device)
	a.tap = evdev.New(device)
	return nil
}

// initCapture creates the capture from the registry unless one was injected.
func (a *App) initCapture() error {
	if a.capture != nil {
		return nil
	}
	if a.reg == nil {
		return errors.New("no capture injected and no registry configured")
	}
	c, err := a.reg.CreateCapture(a.cfg.Audio)
	if err != nil {
		return err
	}
	a.capture = c
	return nil
}

// diagnosticsMux serves the health probes and the Prometheus endpoint.
func (a *App) diagnosticsMux() *http.ServeMux {
	checkers := []health.Checker{
		{Name: "keyboard", Check: func(context.Context) error {
			if !a.sourceRunning.Load() {
				return errors.New("keyboard tap not running")
			}
			return nil
		}},
		{Name: "engine", Check: func(context.Context) error {
			if _, _, ok := a.engines.Current(); !ok {
				return errors.New("no transcription engine configured")
			}
			return nil
		}},
	}
	if a.history != nil {
		checkers = append(checkers, health.Checker{Name: "history", Check: a.history.Ping, Optional: true})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	health.RegisterMetrics(mux)
	return mux
}

// ─── Engine factory ──────────────────────────────────────────────────────────

// buildEngine is the default [transcription.Factory]. Local engines use a
// whisper.cpp model file or a whisper-server URL. System-service engines
// run a fresh recognizer failover chain, since the engine owns and closes it.
func (a *App) buildEngine(_ context.Context, target stt.Config) (stt.Engine, error) {
	switch target.Engine.Kind {
	case stt.Local:
		dec, err := newDecoder(target.Engine.ModelRef)
		if err != nil {
			return nil, err
		}
		return whisper.New(dec,
			whisper.WithLanguage(target.Language),
			whisper.WithDecodeObserver(a.metrics.RecordDecode),
		), nil

	case stt.SystemService:
		cfg := a.snapshot()
		rec, err := a.buildRecognizers(cfg)
		if err != nil {
			return nil, err
		}
		return service.New(rec,
			service.WithStopTimeout(cfg.Transcription.StopTimeout),
			service.WithLanguage(target.Language),
		), nil

	default:
		return nil, fmt.Errorf("unknown engine kind %q", target.Engine.Kind)
	}
}

// newDecoder picks the whisper decoder for a model reference.
func newDecoder(ref string) (whisper.Decoder, error) {
	if transcription.IsServerModel(ref) {
		d, err := whisper.NewServerDecoder(ref)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	d, err := whisper.NewNativeDecoder(ref)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// buildRecognizers creates every configured recognizer and chains them in
// order. Entries that fail to build are skipped with a warning.
func (a *App) buildRecognizers(cfg *config.Config) (service.Recognizer, error) {
	if a.reg == nil {
		return nil, ErrNoRecognizers
	}
	breaker := resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, _, to resilience.State) {
			if a.metrics != nil {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			}
		},
	}
	var chain *resilience.RecognizerChain
	for _, entry := range cfg.Transcription.Recognizers {
		rec, err := a.reg.CreateRecognizer(withKeywords(entry, cfg.Dictionary.Terms))
		if err != nil {
			slog.Warn("skipping recognizer", "name", entry.Name, "err", err)
			continue
		}
		if chain == nil {
			chain = resilience.NewRecognizerChain(rec, entry.Name, breaker)
			continue
		}
		chain.Add(entry.Name, rec)
	}
	if chain == nil {
		return nil, ErrNoRecognizers
	}
	return chain, nil
}

// withKeywords adds the dictionary terms as "keywords" to entry.Options
// unless the entry sets its own.
func withKeywords(entry config.ProviderEntry, terms []string) config.ProviderEntry {
	if len(terms) == 0 {
		return entry
	}
	if _, ok := entry.Options["keywords"]; ok {
		return entry
	}
	opts := maps.Clone(entry.Options)
	if opts == nil {
		opts = make(map[string]any, 1)
	}
	kw := make([]any, len(terms))
	for i, t := range terms {
		kw[i] = t
	}
	opts["keywords"] = kw
	entry.Options = opts
	return entry
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run enables the keyboard tap and processes intents until ctx is cancelled
// or a subsystem fails. The engine for the current config is built in the
// background so that the first session starts quickly.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.sourceRunning.Store(true)
		defer a.sourceRunning.Store(false)
		return a.source.Run(gctx)
	})

	g.Go(func() error {
		a.runIntents(gctx)
		return nil
	})

	g.Go(func() error {
		if _, err := a.engines.Configure(gctx, a.settings().STT); err != nil && gctx.Err() == nil {
			slog.Warn("engine warm-up failed; retrying at the next session", "err", err)
		}
		return nil
	})

	if a.server != nil {
		g.Go(func() error {
			slog.Info("diagnostics listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	slog.Info("app running", "binding", a.machine.Binding().Name, "mode", a.trigger.Mode())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// onKey runs on the keyboard goroutine and never blocks. When the intent
// queue is full a StartSession is dropped and the trigger reset, while a
// StopSession is parked in stopPending so the open session still ends.
func (a *App) onKey(ev keyboard.KeyEvent) {
	sig, ok := a.machine.OnEvent(ev)
	if !ok {
		return
	}
	intent, ok := a.trigger.OnSignal(sig)
	if !ok {
		return
	}
	select {
	case a.intents <- intent:
		return
	default:
	}
	if intent == trigger.StopSession {
		slog.Warn("intent queue full; deferring stop until it drains")
		a.stopPending.Store(true)
		select {
		case a.wake <- struct{}{}:
		default:
		}
		return
	}
	slog.Warn("intent queue full; dropping intent", "intent", intent)
	a.trigger.Reset()
}

// runIntents hands intents to the session coordinator one at a time.
// Sessions outlive ctx so that Shutdown can still stop an open session
// gracefully.
func (a *App) runIntents(ctx context.Context) {
	sctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-a.intents:
			a.handleIntent(sctx, intent)
		case <-a.wake:
		}
		if len(a.intents) == 0 && a.stopPending.Swap(false) {
			a.handleIntent(sctx, trigger.StopSession)
		}
	}
}

func (a *App) handleIntent(ctx context.Context, intent trigger.Intent) {
	if err := a.sessions.Handle(ctx, intent); err != nil {
		slog.Warn("session intent failed", "intent", intent, "err", err)
	}
}

// settings snapshots the per-session knobs from the current config.
func (a *App) settings() session.Settings {
	cfg := a.snapshot()
	target, err := cfg.STT()
	if err != nil {
		slog.Error("invalid transcription config", "err", err)
	}
	return session.Settings{
		STT:                target,
		MinSessionDuration: cfg.Transcription.MinSessionDuration,
		Mode:               a.trigger.Mode().String(),
	}
}

func (a *App) snapshot() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func dictionary(cfg *config.Config) transcript.Dictionary {
	return transcript.Dictionary{
		Replacements: cfg.Dictionary.Replacements,
		Terms:        cfg.Dictionary.Terms,
		Threshold:    cfg.Dictionary.PhoneticThreshold,
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is the onChange callback of [config.Watcher]. Changes that need a
// restart are logged and otherwise ignored; the rest of new is kept so that
// later sessions see it.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.BindingChanged {
		if b, err := new.KeyBinding(); err == nil {
			a.machine.SetBinding(b)
			slog.Info("hotkey binding changed", "binding", b.Name)
		}
	}
	if d.ModeChanged {
		if m, err := new.TriggerMode(); err == nil {
			a.trigger.SetMode(m)
			slog.Info("trigger mode changed", "mode", m)
		}
	}
	if d.DictionaryChanged {
		a.substituter.Update(dictionary(new))
		slog.Info("dictionary reloaded",
			"replacements", len(new.Dictionary.Replacements),
			"terms", len(new.Dictionary.Terms),
		)
	}
	// Engine kind, model and language are compared by the coordinator at the
	// next session start. The recognizer chain, its stop timeout and its
	// keywords are invisible to that comparison, so the engine is marked
	// stale instead.
	svc := new.Transcription.Engine == stt.SystemService.String()
	timeoutChanged := old.Transcription.StopTimeout != new.Transcription.StopTimeout
	if d.RecognizersChanged || (svc && (timeoutChanged || d.DictionaryChanged)) {
		a.engines.Invalidate()
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops an open session, delivering its final if it arrives before
// ctx ends, then closes all subsystems in order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.sessions.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("app shut down")
	})
	return errors.Join(errs...)
}
