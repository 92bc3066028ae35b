// Package trigger maps key signals to session intents under a trigger
// policy.
//
// In [PressAndHold] mode a session lives exactly as long as the key is held.
// In [Toggle] mode each press flips the session, and presses arriving within
// [GuardInterval] of the previous flip are ignored so that key bounce or an
// impatient double tap cannot start and immediately stop a session.
package trigger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/keyscribe/pkg/keyboard"
)

// GuardInterval is how long a Toggle transition suppresses further presses.
const GuardInterval = 300 * time.Millisecond

// Mode is a trigger policy.
type Mode int

const (
	// PressAndHold starts on press and stops on release.
	PressAndHold Mode = iota

	// Toggle starts on one press and stops on the next.
	Toggle
)

// String returns the config spelling of the mode.
func (m Mode) String() string {
	switch m {
	case PressAndHold:
		return "press_and_hold"
	case Toggle:
		return "toggle"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the config spelling of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "press_and_hold", "hold", "":
		return PressAndHold, nil
	case "toggle":
		return Toggle, nil
	default:
		return 0, fmt.Errorf("trigger: unknown mode %q", s)
	}
}

// Intent is what the controller asks the session layer to do.
type Intent int

const (
	// StartSession opens a dictation session.
	StartSession Intent = iota + 1

	// StopSession closes the open session.
	StopSession
)

// String returns "start" or "stop".
func (i Intent) String() string {
	switch i {
	case StartSession:
		return "start"
	case StopSession:
		return "stop"
	default:
		return "unknown"
	}
}

// AfterFunc schedules f after d. It matches the shape of [time.AfterFunc]
// so tests can drive the guard window by hand.
type AfterFunc func(d time.Duration, f func()) *time.Timer

// Option is a functional option for [Controller].
type Option func(*Controller)

// WithAfterFunc overrides the scheduler used to clear the guard flag.
func WithAfterFunc(fn AfterFunc) Option {
	return func(c *Controller) { c.afterFunc = fn }
}

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller turns [keyboard.Signal] values into [Intent] values. Intents
// strictly alternate Start, Stop, Start, ... starting with Start.
//
// All methods are safe for concurrent use. The guard timer fires on its own
// goroutine.
type Controller struct {
	mu            sync.Mutex
	mode          Mode
	pendingMode   *Mode
	open          bool
	transitioning bool
	generation    uint64

	afterFunc AfterFunc
	log       *slog.Logger
}

// New returns a Controller in the closed state.
func New(mode Mode, opts ...Option) *Controller {
	c := &Controller{
		mode:      mode,
		afterFunc: time.AfterFunc,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Mode returns the active mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// IsOpen reports whether a session is currently open from the controller's
// point of view.
func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// SetMode switches the trigger policy. While a session is open the change is
// deferred until it closes.
func (c *Controller) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m == c.mode {
		c.pendingMode = nil
		return
	}
	if c.open {
		c.log.Warn("trigger mode change deferred until session ends", "mode", m.String())
		c.pendingMode = &m
		return
	}
	c.mode = m
	c.transitioning = false
}

// OnSignal feeds one key signal and returns the resulting intent, if any.
func (c *Controller) OnSignal(sig keyboard.Signal) (Intent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case PressAndHold:
		switch {
		case sig == keyboard.Pressed && !c.open:
			c.open = true
			return StartSession, true
		case sig == keyboard.Released && c.open:
			c.closeLocked()
			return StopSession, true
		}
		return 0, false

	case Toggle:
		if sig != keyboard.Pressed || c.transitioning {
			return 0, false
		}
		var intent Intent
		if c.open {
			c.closeLocked()
			intent = StopSession
		} else {
			c.open = true
			intent = StartSession
		}
		c.armGuardLocked()
		return intent, true
	}
	return 0, false
}

// Reset forces the closed state and clears the guard. The session layer
// calls it when a start fails so the next press starts again.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.transitioning = false
	c.generation++
}

func (c *Controller) closeLocked() {
	c.open = false
	if c.pendingMode != nil {
		c.mode = *c.pendingMode
		c.pendingMode = nil
	}
}

// armGuardLocked sets the transitioning flag and schedules its release. A
// generation counter keeps a stale timer from clearing a newer guard.
func (c *Controller) armGuardLocked() {
	c.transitioning = true
	c.generation++
	gen := c.generation
	c.afterFunc(GuardInterval, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation == gen {
			c.transitioning = false
		}
	})
}
