package evdev

import (
	"testing"

	"github.com/MrWong99/keyscribe/pkg/keyboard"
)

func TestTranslate_ModifierBitmask(t *testing.T) {
	t.Parallel()

	var tr translator
	steps := []struct {
		code  keyboard.Code
		value int32
		want  keyboard.Flags
	}{
		{keyboard.CodeRightAlt, valueDown, keyboard.FlagAlternate | keyboard.FlagRightAlternate},
		{keyboard.CodeLeftAlt, valueDown, keyboard.FlagAlternate | keyboard.FlagRightAlternate | keyboard.FlagLeftAlternate},
		{keyboard.CodeRightAlt, valueUp, keyboard.FlagAlternate | keyboard.FlagLeftAlternate},
		{keyboard.CodeLeftShift, valueDown, keyboard.FlagAlternate | keyboard.FlagLeftAlternate | keyboard.FlagShift | keyboard.FlagLeftShift},
		{keyboard.CodeLeftAlt, valueUp, keyboard.FlagShift | keyboard.FlagLeftShift},
		{keyboard.CodeLeftShift, valueUp, 0},
	}
	for i, s := range steps {
		ev, ok := tr.translate(evKey, uint16(s.code), s.value)
		if !ok {
			t.Fatalf("step %d: no event", i)
		}
		if ev.Disabled {
			t.Fatalf("step %d: unexpected disabled notice", i)
		}
		if ev.Event.Kind != keyboard.FlagsChanged {
			t.Fatalf("step %d: kind = %v, want flags_changed", i, ev.Event.Kind)
		}
		if ev.Event.Flags != s.want {
			t.Errorf("step %d: flags = %#x, want %#x", i, ev.Event.Flags, s.want)
		}
	}
}

func TestTranslate_KeyEvents(t *testing.T) {
	t.Parallel()

	var tr translator
	ev, ok := tr.translate(evKey, uint16(keyboard.CodeF13), valueDown)
	if !ok || ev.Event.Kind != keyboard.KeyDown || ev.Event.Code != keyboard.CodeF13 {
		t.Fatalf("down: got (%+v, %v)", ev, ok)
	}
	if _, ok := tr.translate(evKey, uint16(keyboard.CodeF13), valueRepeat); ok {
		t.Error("auto-repeat produced an event")
	}
	ev, ok = tr.translate(evKey, uint16(keyboard.CodeF13), valueUp)
	if !ok || ev.Event.Kind != keyboard.KeyUp {
		t.Fatalf("up: got (%+v, %v)", ev, ok)
	}
	if _, ok := tr.translate(evSyn, synReport, 0); ok {
		t.Error("SYN_REPORT produced an event")
	}
	if _, ok := tr.translate(0x04, 4, 458792); ok {
		t.Error("EV_MSC produced an event")
	}
}

func TestTranslate_DroppedWindow(t *testing.T) {
	t.Parallel()

	var tr translator
	tr.translate(evKey, uint16(keyboard.CodeRightCtrl), valueDown)

	ev, ok := tr.translate(evSyn, synDropped, 0)
	if !ok || !ev.Disabled || ev.Reason != keyboard.DisabledByOverrun {
		t.Fatalf("SYN_DROPPED: got (%+v, %v), want overrun notice", ev, ok)
	}

	// Events up to the next SYN_REPORT are discarded.
	if _, ok := tr.translate(evKey, uint16(keyboard.CodeRightCtrl), valueUp); ok {
		t.Error("event inside dropped window was delivered")
	}
	tr.translate(evSyn, synReport, 0)

	// The kernel bitmap says nothing is held.
	evs := tr.resync(make([]byte, keyBitmapLen))
	if len(evs) != 1 || evs[0].Event.Kind != keyboard.FlagsChanged || evs[0].Event.Flags != 0 {
		t.Errorf("resync = %+v, want one flags_changed with no flags", evs)
	}

	ev, ok = tr.translate(evKey, uint16(keyboard.CodeLeftCtrl), valueDown)
	if !ok || ev.Event.Flags != keyboard.FlagControl|keyboard.FlagLeftControl {
		t.Errorf("after resync: got (%+v, %v)", ev, ok)
	}
}

func TestResync_FromBitmap(t *testing.T) {
	t.Parallel()

	bitmap := make([]byte, keyBitmapLen)
	set := func(c keyboard.Code) { bitmap[c/8] |= 1 << (c % 8) }
	set(keyboard.CodeRightMeta)
	set(keyboard.CodeF13)

	var tr translator
	evs := tr.resync(bitmap)
	want := keyboard.FlagCommand | keyboard.FlagRightCommand
	if len(evs) != 2 {
		t.Fatalf("resync = %+v, want flags_changed and F13 down", evs)
	}
	if evs[0].Event.Kind != keyboard.FlagsChanged || evs[0].Event.Flags != want {
		t.Errorf("first event = %+v, want flags_changed %#x", evs[0].Event, want)
	}
	if evs[1].Event.Kind != keyboard.KeyDown || evs[1].Event.Code != keyboard.CodeF13 {
		t.Errorf("second event = %+v, want F13 key_down", evs[1].Event)
	}

	// Nothing changed since: only the flags event.
	if evs := tr.resync(bitmap); len(evs) != 1 {
		t.Errorf("repeated resync = %+v, want flags only", evs)
	}
}

func TestResync_ReleasesKeyLostInOverrun(t *testing.T) {
	t.Parallel()

	f13, err := keyboard.BindingByName("f13")
	if err != nil {
		t.Fatal(err)
	}
	sm := keyboard.NewStateMachine(f13)
	var tr translator

	deliver := func(ev keyboard.TapEvent) (keyboard.Signal, bool) {
		t.Helper()
		if ev.Disabled {
			return 0, false
		}
		return sm.OnEvent(ev.Event)
	}

	ev, _ := tr.translate(evKey, uint16(keyboard.CodeF13), valueDown)
	if sig, ok := deliver(ev); !ok || sig != keyboard.Pressed {
		t.Fatalf("press: got (%v, %v), want pressed", sig, ok)
	}

	tr.translate(evSyn, synDropped, 0)
	// The release falls into the dropped window.
	if _, ok := tr.translate(evKey, uint16(keyboard.CodeF13), valueUp); ok {
		t.Fatal("event inside dropped window was delivered")
	}
	tr.translate(evSyn, synReport, 0)

	var signals []keyboard.Signal
	for _, ev := range tr.resync(make([]byte, keyBitmapLen)) {
		if sig, ok := deliver(ev); ok {
			signals = append(signals, sig)
		}
	}
	if len(signals) != 1 || signals[0] != keyboard.Released {
		t.Fatalf("signals after resync = %v, want [released]", signals)
	}
	if sm.IsDown() {
		t.Error("binding still down after resync")
	}
}
