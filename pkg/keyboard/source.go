package keyboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTapClosed is returned by [Source.Run] when the tap's event channel is
// closed while the context is still live.
var ErrTapClosed = errors.New("keyboard: tap event channel closed")

// DisableReason explains why the OS stopped delivering events.
type DisableReason string

const (
	// DisabledByTimeout means the OS judged the event handler too slow.
	DisabledByTimeout DisableReason = "timeout"

	// DisabledByUserInput means the OS disabled the tap in response to user
	// action (for example a secure input field).
	DisabledByUserInput DisableReason = "user_input"

	// DisabledByOverrun means the driver dropped events because its buffer
	// overflowed; modifier state must be resynchronised.
	DisabledByOverrun DisableReason = "overrun"
)

// TapEvent is one item delivered by a [Tap]: either a raw key event or a
// notice that the tap was disabled.
type TapEvent struct {
	Event    KeyEvent
	Disabled bool
	Reason   DisableReason
}

// Tap is a platform keyboard driver.
//
// Enable starts (or restarts) event delivery and may be called again after a
// disabled notice. Events returns the same channel for the lifetime of the
// tap. Close stops the driver and closes the events channel.
type Tap interface {
	Enable() error
	Events() <-chan TapEvent
	Close() error
}

// Handler receives raw key events on the source goroutine. It must return
// quickly: a slow handler is exactly what makes the OS disable the tap.
type Handler func(KeyEvent)

// Option is a functional option for [Source].
type Option func(*Source)

// WithLogger sets the logger used for recovery messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// WithReenableHook registers fn to be called after every successful
// re-enable. The app uses it to count recoveries.
func WithReenableHook(fn func(ctx context.Context, reason DisableReason)) Option {
	return func(s *Source) { s.onReenable = fn }
}

// WithRetryBackoff sets the delay between failed re-enable attempts.
// Default: 100 ms.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Source) { s.backoff = d }
}

// Source owns a [Tap] and pumps its events through a [Handler]. When the tap
// is disabled the source re-enables it immediately so the hotkey never goes
// silently dead.
type Source struct {
	tap        Tap
	handler    Handler
	log        *slog.Logger
	onReenable func(context.Context, DisableReason)
	backoff    time.Duration
}

// NewSource creates a Source. The tap is not enabled until [Source.Run].
func NewSource(tap Tap, h Handler, opts ...Option) *Source {
	s := &Source{
		tap:     tap,
		handler: h,
		log:     slog.Default(),
		backoff: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run enables the tap and delivers events until ctx is cancelled or the tap
// closes its channel. The tap is closed before Run returns. A context
// cancellation is not reported as an error.
func (s *Source) Run(ctx context.Context) error {
	defer s.tap.Close()

	if err := s.tap.Enable(); err != nil {
		return fmt.Errorf("keyboard: enable tap: %w", err)
	}

	events := s.tap.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrTapClosed
			}
			if ev.Disabled {
				if !s.reenable(ctx, ev.Reason) {
					return nil
				}
				continue
			}
			s.handler(ev.Event)
		}
	}
}

// reenable retries Enable until it succeeds or ctx ends. It reports whether
// the tap is running again.
func (s *Source) reenable(ctx context.Context, reason DisableReason) bool {
	s.log.Warn("keyboard tap disabled, re-enabling", "reason", string(reason))
	for attempt := 1; ; attempt++ {
		err := s.tap.Enable()
		if err == nil {
			if s.onReenable != nil {
				s.onReenable(ctx, reason)
			}
			return true
		}
		s.log.Warn("keyboard tap re-enable failed", "attempt", attempt, "err", err)

		t := time.NewTimer(s.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
