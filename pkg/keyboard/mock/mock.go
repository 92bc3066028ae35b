// Package mock provides a scripted [keyboard.Tap] for tests.
//
// Push raw events with Key/Flags/Disable; the source under test receives them
// on Events(). EnableErrs lets a test make the first N Enable calls fail.
package mock

import (
	"sync"

	"github.com/MrWong99/keyscribe/pkg/keyboard"
)

// Tap is a mock implementation of keyboard.Tap.
type Tap struct {
	mu sync.Mutex

	ch     chan keyboard.TapEvent
	closed bool

	// EnableErrs is consumed front to back: each Enable call pops one entry
	// and returns it. Once empty, Enable returns nil.
	EnableErrs []error

	// EnableCalls is the number of times Enable was called.
	EnableCalls int

	// CloseCalls is the number of times Close was called.
	CloseCalls int
}

// NewTap returns a Tap whose event channel holds up to buf undelivered events.
func NewTap(buf int) *Tap {
	return &Tap{ch: make(chan keyboard.TapEvent, buf)}
}

// Enable records the call and returns the next scripted error.
func (t *Tap) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EnableCalls++
	if len(t.EnableErrs) > 0 {
		err := t.EnableErrs[0]
		t.EnableErrs = t.EnableErrs[1:]
		return err
	}
	return nil
}

// SetEnableErrs replaces the scripted Enable errors. Thread-safe.
func (t *Tap) SetEnableErrs(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EnableErrs = errs
}

// Events returns the scripted event channel.
func (t *Tap) Events() <-chan keyboard.TapEvent { return t.ch }

// Close records the call and closes the event channel once.
func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CloseCalls++
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
	return nil
}

// Send delivers a raw key event.
func (t *Tap) Send(ev keyboard.KeyEvent) {
	t.ch <- keyboard.TapEvent{Event: ev}
}

// Flags delivers a FlagsChanged event for code with the given bitmask.
func (t *Tap) Flags(code keyboard.Code, f keyboard.Flags) {
	t.Send(keyboard.KeyEvent{Kind: keyboard.FlagsChanged, Code: code, Flags: f})
}

// Disable delivers a tap-disabled notice.
func (t *Tap) Disable(reason keyboard.DisableReason) {
	t.ch <- keyboard.TapEvent{Disabled: true, Reason: reason}
}

// EnableCount returns EnableCalls. Thread-safe.
func (t *Tap) EnableCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.EnableCalls
}

// Ensure Tap implements keyboard.Tap at compile time.
var _ keyboard.Tap = (*Tap)(nil)
