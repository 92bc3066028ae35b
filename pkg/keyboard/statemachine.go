package keyboard

import "sync"

// StateMachine converts raw [KeyEvent] values for one [KeyBinding] into
// [Signal] transitions.
//
// For a symmetric binding the discriminator is evaluated on every
// FlagsChanged event and a signal is emitted only when its result differs
// from the stored down flag. The aggregate class bit alone cannot detect the
// release of one side while the other side is still held.
//
// StateMachine is safe for concurrent use: OnEvent runs on the tap goroutine
// while SetBinding may be called from a config reload.
type StateMachine struct {
	mu      sync.Mutex
	binding KeyBinding
	down    bool
}

// NewStateMachine returns a StateMachine tracking b.
func NewStateMachine(b KeyBinding) *StateMachine {
	return &StateMachine{binding: b}
}

// Binding returns the current binding.
func (m *StateMachine) Binding() KeyBinding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding
}

// SetBinding replaces the tracked binding and resets the down flag.
func (m *StateMachine) SetBinding(b KeyBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.binding = b
	m.down = false
}

// IsDown reports whether the bound key is currently held.
func (m *StateMachine) IsDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.down
}

// OnEvent feeds one raw event. It returns the emitted signal and true, or
// false when the event does not change the state of the bound key.
func (m *StateMachine) OnEvent(ev KeyEvent) (Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.binding.IsZero() {
		return 0, false
	}

	var down bool
	switch {
	case m.binding.Symmetric():
		if ev.Kind != FlagsChanged {
			return 0, false
		}
		down = m.binding.Discriminator(ev.Flags)
	case ev.Code != m.binding.Code:
		return 0, false
	case ev.Kind == KeyDown:
		down = true
	case ev.Kind == KeyUp:
		down = false
	default:
		return 0, false
	}

	if down == m.down {
		return 0, false
	}
	m.down = down
	if down {
		return Pressed, true
	}
	return Released, true
}
