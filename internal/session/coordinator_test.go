package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/keyscribe/internal/observe"
	"github.com/MrWong99/keyscribe/internal/session"
	"github.com/MrWong99/keyscribe/internal/trigger"
	"github.com/MrWong99/keyscribe/pkg/audio"
	audiomock "github.com/MrWong99/keyscribe/pkg/audio/mock"
	"github.com/MrWong99/keyscribe/pkg/keyboard"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/keyscribe/pkg/provider/stt/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type recordingSink struct {
	mu       sync.Mutex
	partials []string
	finals   []session.Transcript
	failures []stt.Result
}

func (s *recordingSink) Partial(_ context.Context, _ session.Info, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partials = append(s.partials, text)
}

func (s *recordingSink) Final(_ context.Context, t session.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, t)
}

func (s *recordingSink) Failure(_ context.Context, _ session.Info, r stt.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, r)
}

type fixedEngines struct {
	eng  stt.Engine
	err  error
	seen []stt.Config
}

func (f *fixedEngines) Configure(_ context.Context, cfg stt.Config) (stt.Engine, error) {
	f.seen = append(f.seen, cfg)
	return f.eng, f.err
}

type upper struct{}

func (upper) Process(text string) string { return strings.ToUpper(text) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func chunks(n int) []audio.Chunk {
	out := make([]audio.Chunk, n)
	for i := range out {
		out[i] = audio.Chunk{Samples: make([]float32, 160), SampleRate: 16000, Channels: 1}
	}
	return out
}

func waitFed(t *testing.T, eng *sttmock.Engine, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for eng.FedCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("fed %d chunks, want %d", eng.FedCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

type fixture struct {
	coord   *session.Coordinator
	engine  *sttmock.Engine
	engines *fixedEngines
	capture *audiomock.Capture
	sink    *recordingSink
	clock   *clock
	trig    *trigger.Controller
	reader  *sdkmetric.ManualReader
}

func newFixture(t *testing.T, minDur time.Duration) *fixture {
	t.Helper()
	m, reader := testMetrics(t)
	f := &fixture{
		engine:  &sttmock.Engine{EngineKind: stt.Local},
		capture: &audiomock.Capture{Chunks: chunks(3)},
		sink:    &recordingSink{},
		clock:   &clock{now: time.Unix(1_700_000_000, 0)},
		trig:    trigger.New(trigger.PressAndHold),
		reader:  reader,
	}
	f.engines = &fixedEngines{eng: f.engine}
	f.coord = session.New(session.Config{
		Engines: f.engines,
		Capture: f.capture,
		Settings: func() session.Settings {
			return session.Settings{
				STT:                stt.Config{Engine: stt.EngineSpec{Kind: stt.Local, ModelRef: "m"}, Language: "en"},
				MinSessionDuration: minDur,
				Mode:               "press_and_hold",
			}
		},
		Processor: upper{},
		Sinks:     []session.ResultSink{f.sink},
		Trigger:   f.trig,
		Metrics:   m,
		Now:       f.clock.Now,
	})
	return f
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestCoordinator_StartStopDeliversFinal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.engine.Results = []stt.Result{stt.PartialResult("hel"), stt.FinalResult("hello")}
	ctx := context.Background()

	if err := f.coord.Handle(ctx, trigger.StartSession); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !f.coord.Active() {
		t.Fatal("Active() = false after start")
	}
	waitFed(t, f.engine, 3)
	f.clock.Advance(2 * time.Second)
	if err := f.coord.Handle(ctx, trigger.StopSession); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.coord.Active() {
		t.Error("Active() = true after stop")
	}

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.partials) != 1 || f.sink.partials[0] != "hel" {
		t.Errorf("partials = %v", f.sink.partials)
	}
	if len(f.sink.finals) != 1 {
		t.Fatalf("finals = %v, want 1", f.sink.finals)
	}
	got := f.sink.finals[0]
	if got.Raw != "hello" || got.Text != "HELLO" {
		t.Errorf("final raw=%q text=%q", got.Raw, got.Text)
	}
	if got.Duration != 2*time.Second {
		t.Errorf("duration = %v, want 2s", got.Duration)
	}
	if got.Engine != stt.Local || got.Language != "en" {
		t.Errorf("info = %+v", got.Info)
	}
	if starts, stops := f.capture.Counts(); starts != 1 || stops != 1 {
		t.Errorf("capture starts=%d stops=%d", starts, stops)
	}
	if n := counter(t, f.reader, "keyscribe.sessions"); n != 1 {
		t.Errorf("keyscribe.sessions = %d, want 1", n)
	}
	if n := counter(t, f.reader, "keyscribe.active_sessions"); n != 0 {
		t.Errorf("keyscribe.active_sessions = %d, want 0", n)
	}
}

func TestCoordinator_ShortSessionDropsFinal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.engine.Results = []stt.Result{stt.FinalResult("oops")}
	ctx := context.Background()

	_ = f.coord.Handle(ctx, trigger.StartSession)
	f.clock.Advance(300 * time.Millisecond)
	_ = f.coord.Handle(ctx, trigger.StopSession)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.finals) != 0 {
		t.Errorf("finals = %v, want none for a short session", f.sink.finals)
	}
}

func TestCoordinator_EngineFailureReachesSinks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.engine.Results = []stt.Result{stt.FailureResult(stt.FailureTimeout, errors.New("slow"))}
	ctx := context.Background()

	_ = f.coord.Handle(ctx, trigger.StartSession)
	_ = f.coord.Handle(ctx, trigger.StopSession)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.failures) != 1 || f.sink.failures[0].Failure != stt.FailureTimeout {
		t.Errorf("failures = %v", f.sink.failures)
	}
	if n := counter(t, f.reader, "keyscribe.failures"); n != 1 {
		t.Errorf("keyscribe.failures = %d, want 1", n)
	}
}

func TestCoordinator_StartFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(*fixture)
		wantEngine bool
	}{
		{
			name:  "configure",
			setup: func(f *fixture) { f.engines.err = errors.New("no backend") },
		},
		{
			name:       "engine start",
			setup:      func(f *fixture) { f.engine.StartErr = errors.New("busy") },
			wantEngine: true,
		},
		{
			name:       "capture",
			setup:      func(f *fixture) { f.capture.StartErr = errors.New("no device") },
			wantEngine: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, 0)
			tc.setup(f)
			if _, ok := f.trig.OnSignal(keyboard.Pressed); !ok {
				t.Fatal("trigger did not open")
			}

			if err := f.coord.Handle(context.Background(), trigger.StartSession); err == nil {
				t.Fatal("expected start error")
			}
			if f.coord.Active() {
				t.Error("Active() = true after failed start")
			}
			if f.trig.IsOpen() {
				t.Error("trigger not reset after failed start")
			}
			f.sink.mu.Lock()
			failures := len(f.sink.failures)
			f.sink.mu.Unlock()
			if failures != 1 {
				t.Errorf("failures delivered = %d, want 1", failures)
			}
			if tc.wantEngine && f.engine.StartCalls != 1 {
				t.Errorf("engine StartCalls = %d", f.engine.StartCalls)
			}
		})
	}
}

func TestCoordinator_CaptureFailureStopsEngine(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	f.capture.StartErr = errors.New("no device")
	err := f.coord.Handle(context.Background(), trigger.StartSession)
	if !errors.Is(err, session.ErrCaptureFailed) {
		t.Fatalf("err = %v, want ErrCaptureFailed", err)
	}
	if f.engine.StopCalls != 1 {
		t.Errorf("engine StopCalls = %d, want 1", f.engine.StopCalls)
	}

	// The engine session was released; a retry can start.
	f.capture.StartErr = nil
	if err := f.coord.Handle(context.Background(), trigger.StartSession); err != nil {
		t.Fatalf("retry start: %v", err)
	}
	_ = f.coord.Close(context.Background())
}

func TestCoordinator_RedundantIntents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()

	if err := f.coord.Handle(ctx, trigger.StopSession); err != nil {
		t.Errorf("stop while idle: %v", err)
	}
	_ = f.coord.Handle(ctx, trigger.StartSession)
	if err := f.coord.Handle(ctx, trigger.StartSession); err != nil {
		t.Errorf("start while active: %v", err)
	}
	if f.engine.StartCalls != 1 {
		t.Errorf("engine StartCalls = %d, want 1", f.engine.StartCalls)
	}
	_ = f.coord.Handle(ctx, trigger.StopSession)
	if len(f.engines.seen) != 1 {
		t.Errorf("Configure calls = %d, want 1", len(f.engines.seen))
	}
}

func TestCoordinator_EmptyFinalSkipsProcessor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()
	_ = f.coord.Handle(ctx, trigger.StartSession)
	_ = f.coord.Handle(ctx, trigger.StopSession)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.finals) != 1 || f.sink.finals[0].Text != "" {
		t.Errorf("finals = %+v, want one empty final", f.sink.finals)
	}
}
