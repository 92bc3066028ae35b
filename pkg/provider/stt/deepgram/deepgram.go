// Package deepgram provides a Deepgram-backed recognizer using the Deepgram
// streaming WebSocket API. It implements the service.Recognizer interface, so
// it is driven by the system-service engine's graceful stop.
//
// Audio is streamed as linear16 PCM. Interim results become partial events
// carrying the finalized segments so far plus the current hypothesis.
// EndAudio sends a CloseStream message; Deepgram then flushes its last
// results and answers with a Metadata message, at which point the joined
// final segments are delivered as the request's final event.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/keyscribe/pkg/audio"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
	"github.com/MrWong99/keyscribe/pkg/provider/stt/service"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	closeStreamMsg = `{"type":"CloseStream"}`
)

// errRequestClosed is returned by Append after the request ended.
var errRequestClosed = errors.New("deepgram: request is closed")

// Option is a functional option for configuring the Deepgram Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithLanguage sets the default BCP-47 language code, used when the
// RecognizerConfig leaves it empty.
func WithLanguage(language string) Option {
	return func(r *Recognizer) {
		r.language = language
	}
}

// WithEndpoint overrides the streaming endpoint (useful for tests).
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) {
		r.endpoint = endpoint
	}
}

// WithKeywords boosts recognition of the given terms (e.g. dictionary
// entries). Each keyword is sent with the given boost.
func WithKeywords(boost float64, keywords ...string) Option {
	return func(r *Recognizer) {
		r.keywordBoost = boost
		r.keywords = append(r.keywords, keywords...)
	}
}

// Recognizer implements service.Recognizer backed by the Deepgram streaming API.
type Recognizer struct {
	apiKey       string
	model        string
	language     string
	endpoint     string
	keywords     []string
	keywordBoost float64
}

// Compile-time assertion that Recognizer satisfies service.Recognizer.
var _ service.Recognizer = (*Recognizer)(nil)

// New creates a new Deepgram Recognizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	r := &Recognizer{
		apiKey:       apiKey,
		model:        defaultModel,
		language:     defaultLanguage,
		endpoint:     deepgramEndpoint,
		keywordBoost: 1,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Begin opens a streaming recognition request. The connection lives until
// ctx is cancelled, Cancel is called, or Deepgram closes it.
func (r *Recognizer) Begin(ctx context.Context, cfg service.RecognizerConfig) (service.Request, error) {
	wsURL, err := r.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	rctx, cancel := context.WithCancel(ctx)
	req := &request{
		conn:     conn,
		cancel:   cancel,
		audio:    make(chan []byte, 256),
		endAudio: make(chan struct{}),
		events:   make(chan service.RecognitionEvent, 64),
		done:     make(chan struct{}),
	}

	req.wg.Add(2)
	go req.readLoop(rctx)
	go req.writeLoop(rctx)
	return req, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (r *Recognizer) buildURL(cfg service.RecognizerConfig) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = r.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = audio.SpeechFormat.SampleRate
	}

	q := u.Query()
	q.Set("model", r.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")

	for _, kw := range r.keywords {
		// Deepgram keyword format: word:boost (e.g., "Kubernetes:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw, r.keywordBoost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- request ----

// deepgramResponse is the JSON structure returned by Deepgram.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// request is a live Deepgram streaming request. It implements service.Request.
type request struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	audio  chan []byte
	events chan service.RecognitionEvent

	endAudio chan struct{}
	endOnce  sync.Once

	done       chan struct{}
	cancelOnce sync.Once
	wg         sync.WaitGroup

	mu     sync.Mutex
	finals []string
	ending bool
}

// Append queues samples for delivery to Deepgram as linear16 PCM.
func (q *request) Append(samples []float32) error {
	select {
	case <-q.done:
		return errRequestClosed
	case <-q.endAudio:
		return errRequestClosed
	default:
	}
	select {
	case q.audio <- audio.Float32ToPCM16(samples):
		return nil
	case <-q.done:
		return errRequestClosed
	}
}

// EndAudio asks the write loop to flush queued audio and send CloseStream.
func (q *request) EndAudio() error {
	select {
	case <-q.done:
		return errRequestClosed
	default:
	}
	q.endOnce.Do(func() {
		q.mu.Lock()
		q.ending = true
		q.mu.Unlock()
		close(q.endAudio)
	})
	return nil
}

// Cancel abandons the request and closes the connection.
func (q *request) Cancel() {
	q.cancelOnce.Do(func() {
		close(q.done)
		q.cancel()
		_ = q.conn.CloseNow()
	})
}

// Events returns the channel of recognition events.
func (q *request) Events() <-chan service.RecognitionEvent { return q.events }

// writeLoop reads from the audio channel and sends binary messages to
// Deepgram. After EndAudio it drains what is queued and sends CloseStream.
func (q *request) writeLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case chunk := <-q.audio:
			if err := q.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-q.endAudio:
			for {
				select {
				case chunk := <-q.audio:
					if err := q.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					if err := q.conn.Write(ctx, websocket.MessageText, []byte(closeStreamMsg)); err != nil {
						slog.Debug("deepgram: send CloseStream failed", "err", err)
					}
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and turns them into
// recognition events. It closes the events channel when the request ends.
func (q *request) readLoop(ctx context.Context) {
	defer q.wg.Done()
	defer close(q.events)

	for {
		_, msg, err := q.conn.Read(ctx)
		if err != nil {
			q.mu.Lock()
			ending := q.ending
			q.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			select {
			case <-q.done:
				return
			default:
			}
			if ending && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				q.emit(ctx, q.terminal())
				return
			}
			q.emit(ctx, service.RecognitionEvent{Kind: service.EventError, Err: fmt.Errorf("deepgram: read: %w", err)})
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		switch resp.Type {
		case "Results":
			if ev, ok := q.result(resp); ok {
				q.emit(ctx, ev)
			}
		case "Metadata":
			q.mu.Lock()
			ending := q.ending
			q.mu.Unlock()
			if ending {
				q.emit(ctx, q.terminal())
				_ = q.conn.Close(websocket.StatusNormalClosure, "stream finished")
				return
			}
		}
	}
}

// result folds a Results message into the accumulated finals and returns the
// partial event to publish.
func (q *request) result(resp deepgramResponse) (service.RecognitionEvent, bool) {
	if len(resp.Channel.Alternatives) == 0 {
		return service.RecognitionEvent{}, false
	}
	text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)

	q.mu.Lock()
	defer q.mu.Unlock()
	if resp.IsFinal {
		if text == "" {
			return service.RecognitionEvent{}, false
		}
		q.finals = append(q.finals, text)
		return service.RecognitionEvent{Kind: service.EventPartial, Text: strings.Join(q.finals, " ")}, true
	}
	if text == "" {
		return service.RecognitionEvent{}, false
	}
	parts := append(q.finals[:len(q.finals):len(q.finals)], text)
	return service.RecognitionEvent{Kind: service.EventPartial, Text: strings.Join(parts, " ")}, true
}

// terminal returns the final event, or a no-speech error when Deepgram
// produced no final segment.
func (q *request) terminal() service.RecognitionEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.finals) == 0 {
		return service.RecognitionEvent{Kind: service.EventError, Err: fmt.Errorf("deepgram: %w", stt.ErrNoSpeech)}
	}
	return service.RecognitionEvent{Kind: service.EventFinal, Text: strings.Join(q.finals, " ")}
}

func (q *request) emit(ctx context.Context, ev service.RecognitionEvent) {
	select {
	case q.events <- ev:
	case <-q.done:
	case <-ctx.Done():
	}
}
