// This file contains the NativeDecoder backed by the whisper.cpp CGO
// bindings.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeDecoder satisfies Decoder.
var _ Decoder = (*NativeDecoder)(nil)

// NativeDecoder implements Decoder using whisper.cpp Go bindings (CGO). The
// model is loaded once; every Decode call creates a fresh context from it,
// since a whisper context is not reusable across independent buffers.
type NativeDecoder struct {
	mu    sync.Mutex
	model whisperlib.Model
}

// NewNativeDecoder loads the whisper.cpp model at modelPath. The caller must
// call Close when the decoder is no longer needed.
func NewNativeDecoder(modelPath string) (*NativeDecoder, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	return &NativeDecoder{model: model}, nil
}

// Decode runs whisper.cpp inference over samples and returns the segment
// texts joined by single spaces. whisper.cpp cannot be interrupted mid-pass,
// so ctx is only checked before the pass and between segments.
func (d *NativeDecoder) Decode(ctx context.Context, samples []float32, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.Lock()
	model := d.model
	d.mu.Unlock()
	if model == nil {
		return "", errors.New("whisper: decoder closed")
	}

	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			slog.Warn("whisper: failed to set language, using default", "language", language, "err", err)
		}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the whisper model. Calling Close more than once is safe.
func (d *NativeDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model == nil {
		return nil
	}
	err := d.model.Close()
	d.model = nil
	return err
}
