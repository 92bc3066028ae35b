// Package evdev is a Linux keyboard tap reading input_event records from a
// /dev/input/event* device node.
//
// The kernel reports every key individually, so the driver synthesizes the
// aggregate modifier bitmask that [keyboard.StateMachine] expects: a class bit
// stays set while either key of a symmetric pair is held, and each physical
// modifier carries its own side bit.
package evdev

import (
	"slices"
	"sync"

	"github.com/MrWong99/keyscribe/pkg/keyboard"
)

// Event types and codes from linux/input-event-codes.h.
const (
	evSyn = 0x00
	evKey = 0x01

	synReport  = 0
	synDropped = 3

	valueUp     = 0
	valueDown   = 1
	valueRepeat = 2
)

// keyBitmapLen is the size of the EVIOCGKEY state bitmap (KEY_MAX+1 bits).
const keyBitmapLen = (0x2ff + 1) / 8

type modifier struct {
	side  keyboard.Flags
	class keyboard.Flags
}

var modifiers = map[keyboard.Code]modifier{
	keyboard.CodeLeftCtrl:   {keyboard.FlagLeftControl, keyboard.FlagControl},
	keyboard.CodeRightCtrl:  {keyboard.FlagRightControl, keyboard.FlagControl},
	keyboard.CodeLeftShift:  {keyboard.FlagLeftShift, keyboard.FlagShift},
	keyboard.CodeRightShift: {keyboard.FlagRightShift, keyboard.FlagShift},
	keyboard.CodeLeftAlt:    {keyboard.FlagLeftAlternate, keyboard.FlagAlternate},
	keyboard.CodeRightAlt:   {keyboard.FlagRightAlternate, keyboard.FlagAlternate},
	keyboard.CodeLeftMeta:   {keyboard.FlagLeftCommand, keyboard.FlagCommand},
	keyboard.CodeRightMeta:  {keyboard.FlagRightCommand, keyboard.FlagCommand},
	keyboard.CodeFn:         {keyboard.FlagFunction, keyboard.FlagFunction},
}

// translator turns raw evdev records into tap events. It is shared between
// the reader goroutine and Enable, hence the mutex.
type translator struct {
	mu       sync.Mutex
	sides    keyboard.Flags
	held     map[keyboard.Code]bool // non-modifier keys seen going down
	dropping bool
}

// flagsLocked returns the aggregate bitmask for the held side bits.
func (t *translator) flagsLocked() keyboard.Flags {
	f := t.sides
	for _, m := range modifiers {
		if t.sides&m.side != 0 {
			f |= m.class
		}
	}
	return f
}

// translate converts one input_event. ok is false for records that produce
// no tap event (sync reports, repeats, non-key events, events in a dropped
// window).
func (t *translator) translate(typ, code uint16, value int32) (ev keyboard.TapEvent, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch typ {
	case evSyn:
		switch code {
		case synDropped:
			t.dropping = true
			return keyboard.TapEvent{Disabled: true, Reason: keyboard.DisabledByOverrun}, true
		case synReport:
			t.dropping = false
		}
		return ev, false
	case evKey:
	default:
		return ev, false
	}

	if t.dropping || value == valueRepeat {
		return ev, false
	}

	kc := keyboard.Code(code)
	if m, isMod := modifiers[kc]; isMod {
		if value == valueDown {
			t.sides |= m.side
		} else {
			t.sides &^= m.side
		}
		return keyboard.TapEvent{Event: keyboard.KeyEvent{
			Kind:  keyboard.FlagsChanged,
			Code:  kc,
			Flags: t.flagsLocked(),
		}}, true
	}

	kind := keyboard.KeyUp
	if value == valueDown {
		kind = keyboard.KeyDown
		if t.held == nil {
			t.held = make(map[keyboard.Code]bool)
		}
		t.held[kc] = true
	} else {
		delete(t.held, kc)
	}
	return keyboard.TapEvent{Event: keyboard.KeyEvent{
		Kind:  kind,
		Code:  kc,
		Flags: t.flagsLocked(),
	}}, true
}

// resync rebuilds the key state from an EVIOCGKEY bitmap after an overrun.
// It returns the events that bring a consumer up to date: a FlagsChanged
// carrying the new modifier flags, then a KeyUp for every key released while
// records were dropped and a KeyDown for every key pressed meanwhile.
func (t *translator) resync(bitmap []byte) []keyboard.TapEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	down := func(c keyboard.Code) bool {
		i := int(c) / 8
		return i < len(bitmap) && bitmap[i]&(1<<(uint(c)%8)) != 0
	}

	t.sides = 0
	for code, m := range modifiers {
		if down(code) {
			t.sides |= m.side
		}
	}
	flags := t.flagsLocked()
	evs := []keyboard.TapEvent{{Event: keyboard.KeyEvent{Kind: keyboard.FlagsChanged, Flags: flags}}}

	var released []keyboard.Code
	for c := range t.held {
		if !down(c) {
			released = append(released, c)
		}
	}
	slices.Sort(released)
	for _, c := range released {
		delete(t.held, c)
		evs = append(evs, keyboard.TapEvent{Event: keyboard.KeyEvent{Kind: keyboard.KeyUp, Code: c, Flags: flags}})
	}

	for i := range len(bitmap) * 8 {
		c := keyboard.Code(i)
		if _, isMod := modifiers[c]; isMod || t.held[c] || !down(c) {
			continue
		}
		if t.held == nil {
			t.held = make(map[keyboard.Code]bool)
		}
		t.held[c] = true
		evs = append(evs, keyboard.TapEvent{Event: keyboard.KeyEvent{Kind: keyboard.KeyDown, Code: c, Flags: flags}})
	}
	return evs
}
