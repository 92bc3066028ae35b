// Package keyboard turns a raw, noisy stream of low-level keyboard events into
// a clean press/release signal for one configured physical key.
//
// Three layers live here:
//
//   - [KeyEvent] and [Flags]: the platform-neutral event model. A [Tap]
//     driver (see the evdev sub-package) produces these from the OS.
//   - [StateMachine]: consumes events for a single [KeyBinding] and emits
//     [Pressed] / [Released] exactly once per physical transition, even for
//     keys that share an aggregate modifier bit with their twin on the other
//     side of the keyboard.
//   - [Source]: owns the tap lifecycle, pumps events through a handler on the
//     event goroutine and re-enables the tap when the OS disables it.
package keyboard

import "fmt"

// Code is a platform key code. The catalogue in this package uses Linux
// input-event codes (linux/input-event-codes.h).
type Code uint16

// Flags is the modifier bitmask attached to FlagsChanged events. Class bits
// are set while either key of a symmetric pair is held; device bits identify
// the individual physical key.
type Flags uint64

// Device-dependent side bits.
const (
	FlagLeftControl    Flags = 0x00000001
	FlagLeftShift      Flags = 0x00000002
	FlagRightShift     Flags = 0x00000004
	FlagLeftCommand    Flags = 0x00000008
	FlagRightCommand   Flags = 0x00000010
	FlagLeftAlternate  Flags = 0x00000020
	FlagRightAlternate Flags = 0x00000040
	FlagRightControl   Flags = 0x00002000
)

// Device-independent class bits.
const (
	FlagCapsLock  Flags = 1 << 16
	FlagShift     Flags = 1 << 17
	FlagControl   Flags = 1 << 18
	FlagAlternate Flags = 1 << 19
	FlagCommand   Flags = 1 << 20
	FlagFunction  Flags = 1 << 23
)

// Has reports whether all bits of mask are set in f.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// EventKind classifies a [KeyEvent].
type EventKind int

const (
	// FlagsChanged reports a new modifier bitmask. Code carries the modifier
	// key that caused the change when the driver knows it.
	FlagsChanged EventKind = iota

	// KeyDown reports a physical key press for a non-modifier key.
	KeyDown

	// KeyUp reports a physical key release for a non-modifier key.
	KeyUp
)

// String returns the lowercase name of the kind.
func (k EventKind) String() string {
	switch k {
	case FlagsChanged:
		return "flags_changed"
	case KeyDown:
		return "key_down"
	case KeyUp:
		return "key_up"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KeyEvent is a single raw keyboard event. Events are ephemeral and are never
// retained beyond the handler call that receives them.
type KeyEvent struct {
	Kind  EventKind
	Code  Code
	Flags Flags
}

// Signal is the logical output of a [StateMachine].
type Signal int

const (
	// Pressed means the bound key went down.
	Pressed Signal = iota + 1

	// Released means the bound key came back up.
	Released
)

// String returns "pressed" or "released".
func (s Signal) String() string {
	switch s {
	case Pressed:
		return "pressed"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}
