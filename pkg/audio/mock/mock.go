// Package mock provides an in-memory [audio.Capture] for unit tests.
//
// The mock is safe for concurrent use. It records every call so tests can
// assert on call counts, and exposes exported fields that control return
// values.
//
// Typical usage:
//
//	cap := &mock.Capture{Chunks: []audio.Chunk{c1, c2}}
//	ch, _ := cap.Start(ctx)   // delivers c1, c2 then waits for Stop
//	...
//	cap.Stop()                 // closes ch
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/keyscribe/pkg/audio"
)

// ErrAlreadyRunning is returned by Start while a capture is active.
var ErrAlreadyRunning = errors.New("mock capture: already running")

// Capture is a mock implementation of [audio.Capture].
type Capture struct {
	mu sync.Mutex

	// Chunks are delivered, in order, on every Start.
	Chunks []audio.Chunk

	// CloseAfterChunks closes the channel right after the scripted chunks
	// instead of waiting for Stop, simulating a device that ends on its own.
	CloseAfterChunks bool

	// StartErr is returned by Start when non-nil.
	StartErr error

	// StopErr is returned by Stop when non-nil.
	StopErr error

	// StartCalls and StopCalls count invocations.
	StartCalls int
	StopCalls  int

	stop chan struct{}
	done chan struct{}
}

// Start delivers the scripted chunks on a new channel.
func (c *Capture) Start(ctx context.Context) (<-chan audio.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls++
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	if c.stop != nil {
		return nil, ErrAlreadyRunning
	}

	out := make(chan audio.Chunk, len(c.Chunks))
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop, c.done = stop, done
	chunks := append([]audio.Chunk(nil), c.Chunks...)
	closeEarly := c.CloseAfterChunks

	go func() {
		defer close(done)
		defer close(out)
		for _, ch := range chunks {
			select {
			case out <- ch:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if closeEarly {
			return
		}
		select {
		case <-stop:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Stop ends the active capture and waits for its channel to close.
func (c *Capture) Stop() error {
	c.mu.Lock()
	c.StopCalls++
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	err := c.StopErr
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return err
}

// Counts returns StartCalls and StopCalls. Thread-safe.
func (c *Capture) Counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.StartCalls, c.StopCalls
}

// Ensure Capture implements audio.Capture at compile time.
var _ audio.Capture = (*Capture)(nil)
