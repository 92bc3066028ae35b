// Package portaudio implements [audio.Capture] on top of the PortAudio
// library, reading the microphone in-process instead of through a
// subprocess. It needs libportaudio at build and run time.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/keyscribe/pkg/audio"
)

// ErrAlreadyRunning is returned by Start while a capture is active.
var ErrAlreadyRunning = errors.New("portaudio: capture already running")

// ErrNoDevice is returned when no input device matches the configured name.
var ErrNoDevice = errors.New("portaudio: no matching input device")

// Option is a functional option for [Capture].
type Option func(*Capture)

// WithDevice selects the first input device whose name contains name
// (case-insensitive). Default: the host's default input device.
func WithDevice(name string) Option {
	return func(c *Capture) { c.device = name }
}

// WithFormat sets the requested sample rate and channel count. Default:
// 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(c *Capture) {
		if f.Valid() {
			c.format = f
		}
	}
}

// WithChunkDuration sets how much audio each delivered chunk holds.
// Default: 100 ms.
func WithChunkDuration(d time.Duration) Option {
	return func(c *Capture) {
		if d > 0 {
			c.chunk = d
		}
	}
}

// Capture streams microphone audio through a blocking PortAudio stream.
type Capture struct {
	device string
	format audio.Format
	chunk  time.Duration

	mu  sync.Mutex
	run *run
}

type run struct {
	stream *portaudio.Stream
	stop   chan struct{}
	done   chan struct{}
}

// New returns a Capture with the given options applied.
func New(opts ...Option) *Capture {
	c := &Capture{
		format: audio.SpeechFormat,
		chunk:  100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start initialises PortAudio, opens the input stream and returns a channel
// of captured chunks.
func (c *Capture) Start(ctx context.Context) (<-chan audio.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return nil, ErrAlreadyRunning
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	buf := make([]float32, framesPerChunk(c.format, c.chunk)*c.format.Channels)
	stream, err := c.open(buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}

	r := &run{stream: stream, stop: make(chan struct{}), done: make(chan struct{})}
	c.run = r

	out := make(chan audio.Chunk, 16)
	go c.pump(ctx, r, buf, out)
	return out, nil
}

func (c *Capture) open(buf []float32) (*portaudio.Stream, error) {
	frames := len(buf) / c.format.Channels
	if c.device == "" {
		s, err := portaudio.OpenDefaultStream(c.format.Channels, 0, float64(c.format.SampleRate), frames, buf)
		if err != nil {
			return nil, fmt.Errorf("portaudio: open default stream: %w", err)
		}
		return s, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	dev := findInput(devices, c.device)
	if dev == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoDevice, c.device)
	}
	p := portaudio.LowLatencyParameters(dev, nil)
	p.Input.Channels = c.format.Channels
	p.SampleRate = float64(c.format.SampleRate)
	p.FramesPerBuffer = frames
	s, err := portaudio.OpenStream(p, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open %q: %w", dev.Name, err)
	}
	return s, nil
}

// pump reads one buffer at a time until stopped. Read blocks for at most one
// chunk, which bounds how long Stop waits.
func (c *Capture) pump(ctx context.Context, r *run, buf []float32, out chan<- audio.Chunk) {
	defer close(r.done)
	defer close(out)
	defer func() {
		_ = r.stream.Stop()
		_ = r.stream.Close()
		_ = portaudio.Terminate()
	}()

	var elapsed time.Duration
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := r.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("portaudio: input overflowed")
			} else {
				slog.Warn("portaudio capture read failed", "err", err)
				return
			}
		}
		chunk := audio.Chunk{
			Samples:    append([]float32(nil), buf...),
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			Timestamp:  elapsed,
		}
		elapsed += chunk.Duration()
		select {
		case out <- chunk:
		case <-r.stop:
			return
		}
	}
}

// Stop ends the active capture and waits for the chunk channel to close.
func (c *Capture) Stop() error {
	c.mu.Lock()
	r := c.run
	c.run = nil
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	close(r.stop)
	<-r.done
	return nil
}

func framesPerChunk(f audio.Format, d time.Duration) int {
	return max(1, int(d*time.Duration(f.SampleRate)/time.Second))
}

// findInput returns the first device with input channels whose name contains
// name, ignoring case.
func findInput(devices []*portaudio.DeviceInfo, name string) *portaudio.DeviceInfo {
	name = strings.ToLower(name)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), name) {
			return d
		}
	}
	return nil
}

// Ensure Capture implements audio.Capture at compile time.
var _ audio.Capture = (*Capture)(nil)
