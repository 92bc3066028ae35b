package whisper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/keyscribe/pkg/provider/stt"
	"github.com/MrWong99/keyscribe/pkg/provider/stt/service"
)

var errRequestEnded = errors.New("whisper: request ended")

// Recognizer adapts a [Decoder] to service.Recognizer. Audio is buffered and
// decoded once when EndAudio is called, so there are no partials. It serves
// as a fallback behind a streaming service such as Deepgram.
type Recognizer struct {
	dec Decoder
}

// Compile-time assertion that Recognizer satisfies service.Recognizer.
var _ service.Recognizer = (*Recognizer)(nil)

// NewRecognizer returns a Recognizer over dec. The recognizer owns dec.
func NewRecognizer(dec Decoder) *Recognizer {
	return &Recognizer{dec: dec}
}

// Begin opens a buffering request.
func (r *Recognizer) Begin(ctx context.Context, cfg service.RecognizerConfig) (service.Request, error) {
	lang := cfg.Language
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	rctx, cancel := context.WithCancel(ctx)
	return &batchRequest{
		ctx:      rctx,
		cancel:   cancel,
		dec:      r.dec,
		language: lang,
		events:   make(chan service.RecognitionEvent, 1),
	}, nil
}

// Close closes the decoder.
func (r *Recognizer) Close() error { return r.dec.Close() }

type batchRequest struct {
	ctx      context.Context
	cancel   context.CancelFunc
	dec      Decoder
	language string
	events   chan service.RecognitionEvent

	mu        sync.Mutex
	buf       []float32
	ended     bool
	cancelled bool
	closeOnce sync.Once
}

func (q *batchRequest) Append(samples []float32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ended || q.cancelled {
		return errRequestEnded
	}
	q.buf = append(q.buf, samples...)
	return nil
}

func (q *batchRequest) EndAudio() error {
	q.mu.Lock()
	if q.ended || q.cancelled {
		q.mu.Unlock()
		return errRequestEnded
	}
	q.ended = true
	samples := q.buf
	q.buf = nil
	q.mu.Unlock()

	go func() {
		defer q.closeEvents()
		ev := q.recognize(samples)
		select {
		case q.events <- ev:
		case <-q.ctx.Done():
		}
	}()
	return nil
}

func (q *batchRequest) recognize(samples []float32) service.RecognitionEvent {
	if computeRMS(samples) < silenceRMS {
		return service.RecognitionEvent{Kind: service.EventError, Err: stt.ErrNoSpeech}
	}
	text, err := q.dec.Decode(q.ctx, samples, q.language)
	switch {
	case err != nil:
		return service.RecognitionEvent{Kind: service.EventError, Err: fmt.Errorf("whisper: decode: %w", err)}
	case text == "":
		return service.RecognitionEvent{Kind: service.EventError, Err: stt.ErrNoSpeech}
	default:
		return service.RecognitionEvent{Kind: service.EventFinal, Text: text}
	}
}

func (q *batchRequest) Cancel() {
	q.mu.Lock()
	ended := q.ended
	q.cancelled = true
	q.buf = nil
	q.mu.Unlock()
	q.cancel()
	if !ended {
		q.closeEvents()
	}
}

func (q *batchRequest) Events() <-chan service.RecognitionEvent { return q.events }

func (q *batchRequest) closeEvents() {
	q.closeOnce.Do(func() { close(q.events) })
}
