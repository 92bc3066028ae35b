package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/keyscribe/pkg/provider/stt/service"
)

// ErrAllFailed is returned when every recognizer in a [RecognizerChain]
// failed to begin or has an open breaker.
var ErrAllFailed = errors.New("all recognizers failed")

// Compile-time assertion that RecognizerChain satisfies service.Recognizer.
var _ service.Recognizer = (*RecognizerChain)(nil)

type chainEntry struct {
	name    string
	rec     service.Recognizer
	breaker *CircuitBreaker
}

// RecognizerChain is a service.Recognizer that begins each request on the
// first recognizer whose breaker admits the call. Only Begin is protected:
// once a request is open it stays on the recognizer that accepted it.
type RecognizerChain struct {
	entries []chainEntry
	cfg     CircuitBreakerConfig
}

// NewRecognizerChain creates a chain with primary as the preferred entry.
// cfg is the template for every entry's breaker; its Name is replaced by
// the entry name.
func NewRecognizerChain(primary service.Recognizer, primaryName string, cfg CircuitBreakerConfig) *RecognizerChain {
	c := &RecognizerChain{cfg: cfg}
	c.Add(primaryName, primary)
	return c
}

// Add appends a fallback recognizer. Fallbacks are tried in the order they
// are added. Add must not be called concurrently with Begin.
func (c *RecognizerChain) Add(name string, rec service.Recognizer) {
	bc := c.cfg
	bc.Name = name
	c.entries = append(c.entries, chainEntry{name: name, rec: rec, breaker: NewCircuitBreaker(bc)})
}

// Begin opens a request on the first healthy recognizer.
func (c *RecognizerChain) Begin(ctx context.Context, cfg service.RecognizerConfig) (service.Request, error) {
	var lastErr error
	for i := range c.entries {
		e := &c.entries[i]
		var req service.Request
		err := e.breaker.Execute(func() error {
			var err error
			req, err = e.rec.Begin(ctx, cfg)
			return err
		})
		if err == nil {
			return req, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping recognizer (circuit open)", "recognizer", e.name)
		} else {
			slog.Warn("recognizer failed to begin, trying next", "recognizer", e.name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// States returns each entry's breaker state keyed by name.
func (c *RecognizerChain) States() map[string]State {
	out := make(map[string]State, len(c.entries))
	for _, e := range c.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Close closes every recognizer that implements io.Closer.
func (c *RecognizerChain) Close() error {
	var errs []error
	for _, e := range c.entries {
		if cl, ok := e.rec.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", e.name, err))
			}
		}
	}
	return errors.Join(errs...)
}
