package keyboard

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownBinding is returned by [BindingByName] for names outside the
// supported catalogue.
var ErrUnknownBinding = errors.New("keyboard: unknown key binding")

// Linux input-event codes for the keys in the catalogue.
const (
	CodeLeftCtrl   Code = 29
	CodeLeftShift  Code = 42
	CodeRightShift Code = 54
	CodeLeftAlt    Code = 56
	CodeCapsLock   Code = 58
	CodeScrollLock Code = 70
	CodeRightCtrl  Code = 97
	CodeRightAlt   Code = 100
	CodePause      Code = 119
	CodeLeftMeta   Code = 125
	CodeRightMeta  Code = 126
	CodeF13        Code = 183
	CodeFn         Code = 464
)

// KeyBinding identifies one physical key. For a key that is one half of a
// symmetric pair, Discriminator decides from the modifier bitmask whether
// this exact key is down; it is nil for keys with a unique code, which are
// tracked through KeyDown/KeyUp instead.
//
// KeyBinding values are immutable once built.
type KeyBinding struct {
	Name          string
	Code          Code
	Discriminator func(Flags) bool
}

// Symmetric reports whether the binding is tracked through modifier flags.
func (b KeyBinding) Symmetric() bool { return b.Discriminator != nil }

// IsZero reports whether b is the zero binding (nothing bound).
func (b KeyBinding) IsZero() bool { return b.Name == "" && b.Code == 0 && b.Discriminator == nil }

func sideBit(bit Flags) func(Flags) bool {
	return func(f Flags) bool { return f&bit != 0 }
}

var catalogue = map[string]KeyBinding{}

func register(b KeyBinding) {
	catalogue[b.Name] = b
}

func init() {
	register(KeyBinding{Name: "left_ctrl", Code: CodeLeftCtrl, Discriminator: sideBit(FlagLeftControl)})
	register(KeyBinding{Name: "right_ctrl", Code: CodeRightCtrl, Discriminator: sideBit(FlagRightControl)})
	register(KeyBinding{Name: "left_shift", Code: CodeLeftShift, Discriminator: sideBit(FlagLeftShift)})
	register(KeyBinding{Name: "right_shift", Code: CodeRightShift, Discriminator: sideBit(FlagRightShift)})
	register(KeyBinding{Name: "left_alt", Code: CodeLeftAlt, Discriminator: sideBit(FlagLeftAlternate)})
	register(KeyBinding{Name: "right_alt", Code: CodeRightAlt, Discriminator: sideBit(FlagRightAlternate)})
	register(KeyBinding{Name: "left_meta", Code: CodeLeftMeta, Discriminator: sideBit(FlagLeftCommand)})
	register(KeyBinding{Name: "right_meta", Code: CodeRightMeta, Discriminator: sideBit(FlagRightCommand)})
	register(KeyBinding{Name: "fn", Code: CodeFn, Discriminator: sideBit(FlagFunction)})

	register(KeyBinding{Name: "caps_lock", Code: CodeCapsLock})
	register(KeyBinding{Name: "scroll_lock", Code: CodeScrollLock})
	register(KeyBinding{Name: "pause", Code: CodePause})
	for i := range 8 {
		register(KeyBinding{Name: fmt.Sprintf("f%d", 13+i), Code: CodeF13 + Code(i)})
	}
}

// BindingByName returns the catalogue entry for name. Lookup is
// case-insensitive and accepts '-' in place of '_'.
func BindingByName(name string) (KeyBinding, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	b, ok := catalogue[key]
	if !ok {
		return KeyBinding{}, fmt.Errorf("%w: %q", ErrUnknownBinding, name)
	}
	return b, nil
}

// BindingNames returns the sorted names of all supported bindings.
func BindingNames() []string {
	names := make([]string, 0, len(catalogue))
	for n := range catalogue {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
