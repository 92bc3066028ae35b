// Package ffmpeg implements [audio.Capture] by running an ffmpeg subprocess
// that records from a system input device and writes raw s16le PCM to
// stdout.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/keyscribe/pkg/audio"
)

// ErrAlreadyRunning is returned by Start while a capture is active.
var ErrAlreadyRunning = errors.New("ffmpeg: capture already running")

const (
	startupGrace = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// Option is a functional option for [Capture].
type Option func(*Capture)

// WithCommand sets the ffmpeg binary. Default: "ffmpeg".
func WithCommand(cmd string) Option {
	return func(c *Capture) { c.command = cmd }
}

// WithInput sets the ffmpeg input format and device, e.g. ("pulse",
// "default") or ("alsa", "hw:0").
func WithInput(format, device string) Option {
	return func(c *Capture) {
		if format != "" {
			c.inputFormat = format
		}
		if device != "" {
			c.inputDevice = device
		}
	}
}

// WithFormat sets the sample rate and channel count ffmpeg is asked to
// produce. Default: 16 kHz mono, which lets engines skip conversion.
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

// Capture streams microphone audio through ffmpeg.
type Capture struct {
	command     string
	inputFormat string
	inputDevice string
	format      audio.Format
	chunk       time.Duration

	mu  sync.Mutex
	run *run
}

// run is one active ffmpeg process.
type run struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	waitErr chan error
	done    chan struct{}
}

// New returns a Capture with the given options applied.
func New(opts ...Option) *Capture {
	c := &Capture{
		command:     "ffmpeg",
		inputFormat: "pulse",
		inputDevice: "default",
		format:      audio.SpeechFormat,
		chunk:       100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Capture) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.inputFormat,
		"-i", c.inputDevice,
		"-ac", strconv.Itoa(c.format.Channels),
		"-ar", strconv.Itoa(c.format.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// Start launches ffmpeg and returns a channel of captured chunks. If ffmpeg
// exits within the startup grace period the error (with its stderr) is
// returned instead.
func (c *Capture) Start(ctx context.Context) (<-chan audio.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return nil, ErrAlreadyRunning
	}

	cmd := exec.CommandContext(ctx, c.command, c.args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: exited before capture started: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("ffmpeg: exited before capture started")
	case <-time.After(startupGrace):
	}

	r := &run{
		cmd:     cmd,
		stdout:  stdout,
		stderr:  &stderr,
		waitErr: waitErr,
		done:    make(chan struct{}),
	}
	c.run = r

	out := make(chan audio.Chunk, 16)
	go c.pump(r, out)
	return out, nil
}

// pump reads fixed-size PCM blocks and converts them to chunks. A short
// final read is delivered as a smaller chunk.
func (c *Capture) pump(r *run, out chan<- audio.Chunk) {
	defer close(r.done)
	defer close(out)

	frameBytes := 2 * c.format.Channels
	frames := int(c.chunk * time.Duration(c.format.SampleRate) / time.Second)
	buf := make([]byte, frames*frameBytes)
	var elapsed time.Duration

	for {
		n, err := io.ReadFull(r.stdout, buf)
		n -= n % frameBytes
		if n > 0 {
			chunk := audio.Chunk{
				Samples:    audio.PCM16ToFloat32(buf[:n]),
				SampleRate: c.format.SampleRate,
				Channels:   c.format.Channels,
				Timestamp:  elapsed,
			}
			elapsed += chunk.Duration()
			out <- chunk
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				slog.Warn("ffmpeg capture read failed", "err", err)
			}
			return
		}
	}
}

// Stop interrupts ffmpeg, waits for it to exit (killing it after a grace
// period) and waits for the chunk channel to close. The caller must keep
// draining the chunk channel until it is closed.
func (c *Capture) Stop() error {
	c.mu.Lock()
	r := c.run
	c.run = nil
	c.mu.Unlock()
	if r == nil {
		return nil
	}

	if r.cmd.Process != nil {
		_ = r.cmd.Process.Signal(os.Interrupt)
	}

	var stopErr error
	select {
	case err, ok := <-r.waitErr:
		if ok {
			stopErr = normalizeStopErr(err)
		}
	case <-time.After(stopGrace):
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		if err, ok := <-r.waitErr; ok {
			stopErr = normalizeStopErr(err)
		}
	}

	<-r.done

	if stopErr != nil && r.stderr.Len() > 0 {
		stopErr = fmt.Errorf("%w: %s", stopErr, strings.TrimSpace(r.stderr.String()))
	}
	if stopErr != nil {
		return fmt.Errorf("ffmpeg: stop: %w", stopErr)
	}
	return nil
}

// normalizeStopErr treats a non-zero exit after SIGINT as a clean stop.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// Ensure Capture implements audio.Capture at compile time.
var _ audio.Capture = (*Capture)(nil)
