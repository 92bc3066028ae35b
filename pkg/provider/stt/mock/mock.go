// Package mock provides test doubles for the stt package and its engines.
//
// Use Engine to script the results a session produces and inspect which
// audio chunks were fed. Use Decoder to control the local engine's decode
// passes (including blocking them with a gate). Use Recognizer to drive the
// system-service engine with hand-crafted recognition events.
//
// Example:
//
//	eng := &mock.Engine{Results: []stt.Result{stt.PartialResult("he"), stt.FinalResult("hello")}}
//	ch, _ := eng.Start(ctx)
//	eng.Stop() // publishes the scripted results and closes ch
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/keyscribe/pkg/audio"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
	"github.com/MrWong99/keyscribe/pkg/provider/stt/service"
)

// Engine is a mock implementation of stt.Engine.
type Engine struct {
	mu sync.Mutex

	// EngineKind is returned by Kind.
	EngineKind stt.EngineKind

	// Results are published, in order, when Stop is called. A Final("") is
	// appended when the script has no terminal result.
	Results []stt.Result

	// StartErr and FeedErr, if non-nil, are returned by Start and Feed.
	StartErr error
	FeedErr  error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	StartCalls int
	StopCalls  int
	CloseCalls int
	Fed        []audio.Chunk

	stream *stt.Stream
}

// Kind returns EngineKind.
func (e *Engine) Kind() stt.EngineKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.EngineKind
}

// Start opens a new result stream.
func (e *Engine) Start(_ context.Context) (<-chan stt.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StartCalls++
	if e.StartErr != nil {
		return nil, e.StartErr
	}
	if e.stream != nil && !e.stream.Finished() {
		return nil, stt.ErrSessionActive
	}
	e.stream = stt.NewStream(len(e.Results) + 2)
	return e.stream.C(), nil
}

// Feed records chunk and returns FeedErr.
func (e *Engine) Feed(chunk audio.Chunk) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream == nil {
		return stt.ErrNotStarted
	}
	e.Fed = append(e.Fed, chunk)
	return e.FeedErr
}

// Stop publishes Results and finishes the stream.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StopCalls++
	if e.stream == nil || e.stream.Finished() {
		return nil
	}
	for _, r := range e.Results {
		if r.Terminal() {
			e.stream.Finish(r)
			return nil
		}
		e.stream.Partial(r.Text)
	}
	e.stream.Finish(stt.FinalResult(""))
	return nil
}

// Close finishes an open stream with a Cancelled failure and returns
// CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCalls++
	if e.stream != nil {
		e.stream.Finish(stt.FailureResult(stt.FailureCancelled, stt.ErrClosed))
	}
	return e.CloseErr
}

// Closed reports whether Close was called at least once. Thread-safe.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CloseCalls > 0
}

// FedCount returns the number of chunks fed. Thread-safe.
func (e *Engine) FedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Fed)
}

var _ stt.Engine = (*Engine)(nil)

// Response is one scripted Decoder answer.
type Response struct {
	Text string
	Err  error
}

// Decoder is a mock of the local engine's decoder.
//
// Each Decode consumes the next entry of Responses; once the script is
// exhausted the last entry repeats (an empty script returns ""). When Gate is
// non-nil every Decode blocks until it receives from Gate or ctx is done.
type Decoder struct {
	mu sync.Mutex

	Responses []Response
	Gate      chan struct{}

	// Started, if non-nil, receives the sample count of every Decode as it
	// begins. Sends are non-blocking.
	Started chan int

	// --- Call records ---

	Calls      []int
	Languages  []string
	CloseCalls int
}

// Decode records the call and returns the next scripted response.
func (d *Decoder) Decode(ctx context.Context, samples []float32, language string) (string, error) {
	d.mu.Lock()
	d.Calls = append(d.Calls, len(samples))
	d.Languages = append(d.Languages, language)
	idx := len(d.Calls) - 1
	gate := d.Gate
	started := d.Started
	var resp Response
	if n := len(d.Responses); n > 0 {
		resp = d.Responses[min(idx, n-1)]
	}
	d.mu.Unlock()

	if started != nil {
		select {
		case started <- len(samples):
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return resp.Text, resp.Err
}

// Close records the call.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	return nil
}

// CallCount returns the number of Decode calls. Thread-safe.
func (d *Decoder) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Calls)
}

// CallSizes returns a copy of the sample counts passed to Decode.
func (d *Decoder) CallSizes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.Calls))
	copy(out, d.Calls)
	return out
}

// Recognizer is a mock implementation of service.Recognizer. Every Begin
// creates a new Request that the test drives through Emit and CloseEvents.
type Recognizer struct {
	mu sync.Mutex

	// BeginErr, if non-nil, is returned by Begin.
	BeginErr error

	// EndAudioErr and AppendErr are copied into every new Request.
	EndAudioErr error
	AppendErr   error

	// Configs records the config of every Begin call.
	Configs []service.RecognizerConfig

	// Requests records every request created, in order.
	Requests []*Request

	// Begun, if non-nil, receives every new Request. Sends are non-blocking.
	Begun chan *Request

	// AppendEntered and AppendRelease, if non-nil, are copied into every new
	// Request: Append signals on AppendEntered, then waits for AppendRelease
	// before doing anything else.
	AppendEntered chan struct{}
	AppendRelease chan struct{}

	CloseCalls int
}

// Begin records the call and returns a new Request.
func (r *Recognizer) Begin(_ context.Context, cfg service.RecognizerConfig) (service.Request, error) {
	r.mu.Lock()
	r.Configs = append(r.Configs, cfg)
	if r.BeginErr != nil {
		err := r.BeginErr
		r.mu.Unlock()
		return nil, err
	}
	req := &Request{
		events:      make(chan service.RecognitionEvent, 16),
		EndAudioErr:   r.EndAudioErr,
		AppendErr:     r.AppendErr,
		appendEntered: r.AppendEntered,
		appendRelease: r.AppendRelease,
	}
	r.Requests = append(r.Requests, req)
	begun := r.Begun
	r.mu.Unlock()

	if begun != nil {
		select {
		case begun <- req:
		default:
		}
	}
	return req, nil
}

// Last returns the most recent request, or nil.
func (r *Recognizer) Last() *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Requests) == 0 {
		return nil
	}
	return r.Requests[len(r.Requests)-1]
}

// Close records the call.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCalls++
	return nil
}

var _ service.Recognizer = (*Recognizer)(nil)

var (
	// ErrRequestCancelled is returned by Append after Cancel.
	ErrRequestCancelled = errors.New("mock request: cancelled")

	// ErrAudioEnded is returned by Append after EndAudio.
	ErrAudioEnded = errors.New("mock request: audio already ended")
)

// Request is a mock implementation of service.Request.
type Request struct {
	mu sync.Mutex

	EndAudioErr error
	AppendErr   error

	Appended      int
	EndAudioCalls int
	CancelCalls   int

	events chan service.RecognitionEvent
	closed bool

	appendEntered chan struct{}
	appendRelease chan struct{}
}

// Append records the sample count.
func (q *Request) Append(samples []float32) error {
	if q.appendEntered != nil {
		q.appendEntered <- struct{}{}
	}
	if q.appendRelease != nil {
		<-q.appendRelease
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.CancelCalls > 0 {
		return ErrRequestCancelled
	}
	if q.EndAudioCalls > 0 {
		return ErrAudioEnded
	}
	if q.AppendErr != nil {
		return q.AppendErr
	}
	q.Appended += len(samples)
	return nil
}

// EndAudio records the call and returns EndAudioErr.
func (q *Request) EndAudio() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.EndAudioCalls++
	return q.EndAudioErr
}

// Cancel records the call.
func (q *Request) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.CancelCalls++
}

// Events returns the event channel.
func (q *Request) Events() <-chan service.RecognitionEvent { return q.events }

// Emit sends ev to the engine. It is a no-op after CloseEvents.
func (q *Request) Emit(ev service.RecognitionEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events <- ev
}

// CloseEvents closes the event channel once.
func (q *Request) CloseEvents() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
}

// Counts returns the Append sample total and the EndAudio and Cancel call
// counts. Thread-safe.
func (q *Request) Counts() (appended, endAudio, cancel int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Appended, q.EndAudioCalls, q.CancelCalls
}
