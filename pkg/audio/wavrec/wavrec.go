// Package wavrec wraps an [audio.Capture] and records every capture run to a
// 16-bit PCM WAV file. The chunks are passed through unchanged.
package wavrec

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/keyscribe/pkg/audio"
)

const bitDepth = 16

// wavFormatPCM is the WAVE_FORMAT_PCM format tag.
const wavFormatPCM = 1

// Option is a functional option for [Recorder].
type Option func(*Recorder)

// WithClock overrides the clock used to name the files.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithOnSaved registers a callback invoked with the path of every finished
// recording.
func WithOnSaved(fn func(path string)) Option {
	return func(r *Recorder) { r.onSaved = fn }
}

// Recorder is an [audio.Capture] that tees the wrapped capture into WAV files
// under a directory, one file per Start/Stop cycle.
type Recorder struct {
	inner   audio.Capture
	dir     string
	now     func() time.Time
	onSaved func(string)

	mu   sync.Mutex
	done chan struct{}
}

// New wraps inner. dir is created on first use.
func New(inner audio.Capture, dir string, opts ...Option) *Recorder {
	r := &Recorder{inner: inner, dir: dir, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start starts the wrapped capture and returns a channel carrying the same
// chunks. The file is created with the first chunk, so a run without audio
// leaves nothing behind.
func (r *Recorder) Start(ctx context.Context) (<-chan audio.Chunk, error) {
	in, err := r.inner.Start(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan audio.Chunk, cap(in))
	done := make(chan struct{})

	r.mu.Lock()
	r.done = done
	r.mu.Unlock()

	path := filepath.Join(r.dir, "keyscribe-"+r.now().Format("20060102-150405.000")+".wav")
	go r.tee(path, in, out, done)
	return out, nil
}

// Stop stops the wrapped capture and waits until the file is finalised.
func (r *Recorder) Stop() error {
	err := r.inner.Stop()
	r.mu.Lock()
	done := r.done
	r.done = nil
	r.mu.Unlock()
	if done != nil {
		<-done
	}
	return err
}

func (r *Recorder) tee(path string, in <-chan audio.Chunk, out chan<- audio.Chunk, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	var (
		f      *os.File
		enc    *wav.Encoder
		format audio.Format
		failed bool
	)
	for chunk := range in {
		if !failed && len(chunk.Samples) > 0 {
			if enc == nil {
				var err error
				f, enc, err = r.create(path, chunk.Format())
				if err != nil {
					slog.Warn("wavrec: create recording", "path", path, "err", err)
					failed = true
				}
				format = chunk.Format()
			}
			if enc != nil && chunk.Format() == format {
				if err := enc.Write(intBuffer(chunk)); err != nil {
					slog.Warn("wavrec: write recording", "path", path, "err", err)
					failed = true
				}
			}
		}
		out <- chunk
	}

	if enc == nil {
		return
	}
	err := enc.Close()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		slog.Warn("wavrec: finalise recording", "path", path, "err", err)
		return
	}
	slog.Debug("wavrec: recording saved", "path", path)
	if r.onSaved != nil {
		r.onSaved(path)
	}
}

func (r *Recorder) create(path string, format audio.Format) (*os.File, *wav.Encoder, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, wav.NewEncoder(f, format.SampleRate, bitDepth, format.Channels, wavFormatPCM), nil
}

// intBuffer scales float samples to 16-bit integers.
func intBuffer(chunk audio.Chunk) *goaudio.IntBuffer {
	data := make([]int, len(chunk.Samples))
	for i, s := range chunk.Samples {
		s = max(-1, min(1, s))
		data[i] = int(math.Round(float64(s) * math.MaxInt16))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: chunk.Channels, SampleRate: chunk.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
}

// Read decodes a recording back into a chunk. Useful for replaying a session
// through an engine.
func Read(path string) (audio.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.Chunk{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return audio.Chunk{}, fmt.Errorf("wavrec: %s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("wavrec: decode %s: %w", path, err)
	}
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / math.MaxInt16
	}
	return audio.Chunk{
		Samples:    samples,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

// Ensure Recorder implements audio.Capture at compile time.
var _ audio.Capture = (*Recorder)(nil)
