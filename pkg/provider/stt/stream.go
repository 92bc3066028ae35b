package stt

import "sync"

// DefaultStreamBuffer is the result channel capacity engines use.
const DefaultStreamBuffer = 32

// Stream is the producer side of one session's result channel. It enforces
// the channel contract: partials never block and are dropped when the
// consumer lags, exactly one terminal result is delivered, and nothing
// follows it.
//
// One slot of the buffer is reserved for the terminal result, so Finish never
// blocks even if the consumer has stopped reading.
type Stream struct {
	mu       sync.Mutex
	ch       chan Result
	finished bool
}

// NewStream returns a Stream with the given buffer capacity (minimum 2).
func NewStream(buf int) *Stream {
	if buf < 2 {
		buf = 2
	}
	return &Stream{ch: make(chan Result, buf)}
}

// C returns the consumer side.
func (s *Stream) C() <-chan Result { return s.ch }

// Partial publishes an interim transcript. It reports false when the stream
// is already finished or the consumer is too far behind.
func (s *Stream) Partial(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || len(s.ch) >= cap(s.ch)-1 {
		return false
	}
	s.ch <- PartialResult(text)
	return true
}

// Finish publishes the terminal result and closes the channel. Only the first
// call has an effect; it reports whether this call delivered the result.
func (s *Stream) Finish(r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	s.ch <- r
	close(s.ch)
	return true
}

// Finished reports whether a terminal result was delivered.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
