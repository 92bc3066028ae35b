//go:build !linux

package evdev

import (
	"errors"

	"github.com/MrWong99/keyscribe/pkg/keyboard"
)

// ErrNoKeyboard is returned by [FindKeyboard] when no keyboard device node is
// visible.
var ErrNoKeyboard = errors.New("evdev: no keyboard device found")

var errUnsupported = errors.New("evdev: only supported on linux")

// FindKeyboard always fails off Linux.
func FindKeyboard() (string, error) { return "", errUnsupported }

// Tap is unavailable off Linux; Enable always fails.
type Tap struct {
	ch chan keyboard.TapEvent
}

// New returns a tap whose Enable reports that evdev is unsupported.
func New(string) *Tap { return &Tap{ch: make(chan keyboard.TapEvent)} }

func (t *Tap) Enable() error { return errUnsupported }

func (t *Tap) Events() <-chan keyboard.TapEvent { return t.ch }

func (t *Tap) Close() error { return nil }

var _ keyboard.Tap = (*Tap)(nil)
