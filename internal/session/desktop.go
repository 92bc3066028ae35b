package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/gen2brain/beeep"
	"github.com/micmonay/keybd_event"

	"github.com/MrWong99/keyscribe/pkg/provider/stt"
)

const (
	// pasteSettle gives the clipboard owner time to publish the new text
	// before Ctrl+V is sent.
	pasteSettle = 80 * time.Millisecond

	// pasteRestore is how long the pasted text stays on the clipboard before
	// the previous content is put back.
	pasteRestore = 120 * time.Millisecond

	notifyTitle = "keyscribe"
)

// Clipboard abstracts the system clipboard.
type Clipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

// Keystroker sends a paste shortcut to the focused window.
type Keystroker interface {
	Paste() error
}

type systemClipboard struct{}

func (systemClipboard) ReadAll() (string, error)   { return clipboard.ReadAll() }
func (systemClipboard) WriteAll(text string) error { return clipboard.WriteAll(text) }

// SystemClipboard returns the clipboard of the running desktop session. On
// Linux it needs xclip, xsel or wl-clipboard on PATH.
func SystemClipboard() Clipboard { return systemClipboard{} }

// virtualKeyboard presses Ctrl+V through a uinput device. The device is
// created lazily because the kernel needs a moment before it accepts events.
type virtualKeyboard struct {
	once sync.Once
	kb   keybd_event.KeyBonding
	err  error
}

// VirtualKeyboard returns a [Keystroker] backed by a virtual input device.
// On Linux the process needs write access to /dev/uinput.
func VirtualKeyboard() Keystroker { return &virtualKeyboard{} }

func (v *virtualKeyboard) Paste() error {
	v.once.Do(func() {
		v.kb, v.err = keybd_event.NewKeyBonding()
	})
	if v.err != nil {
		return fmt.Errorf("virtual keyboard: %w", v.err)
	}
	v.kb.Clear()
	v.kb.HasCTRL(true)
	v.kb.SetKeys(keybd_event.VK_V)
	return v.kb.Launching()
}

// ClipboardSink copies each non-empty final transcript to the clipboard and,
// with a [Keystroker], pastes it into the focused window and restores the
// previous clipboard content.
type ClipboardSink struct {
	mu    sync.Mutex
	clip  Clipboard
	keys  Keystroker
	sleep func(time.Duration)
}

var _ ResultSink = (*ClipboardSink)(nil)

// NewClipboardSink returns a sink writing to clip. keys may be nil to copy
// without pasting.
func NewClipboardSink(clip Clipboard, keys Keystroker) *ClipboardSink {
	return &ClipboardSink{clip: clip, keys: keys, sleep: time.Sleep}
}

// Partial implements [ResultSink].
func (s *ClipboardSink) Partial(context.Context, Info, string) {}

// Final implements [ResultSink].
func (s *ClipboardSink) Final(ctx context.Context, t Transcript) {
	if t.Text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev string
	if s.keys != nil {
		prev, _ = s.clip.ReadAll()
	}
	if err := s.clip.WriteAll(t.Text); err != nil {
		slog.WarnContext(ctx, "session: copy transcript", "session", t.ID, "err", err)
		return
	}
	if s.keys == nil {
		return
	}

	s.sleep(pasteSettle)
	if err := s.keys.Paste(); err != nil {
		slog.WarnContext(ctx, "session: paste transcript", "session", t.ID, "err", err)
		return
	}
	s.sleep(pasteRestore)
	if err := s.clip.WriteAll(prev); err != nil {
		slog.WarnContext(ctx, "session: restore clipboard", "session", t.ID, "err", err)
	}
}

// Failure implements [ResultSink].
func (s *ClipboardSink) Failure(context.Context, Info, stt.Result) {}

// NotifyFunc shows a desktop notification.
type NotifyFunc func(title, message string) error

// DesktopNotify notifies through the platform notification service
// (D-Bus on Linux).
func DesktopNotify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// NotifySink raises a desktop notification for every final and failure.
type NotifySink struct {
	notify NotifyFunc
	// maxLen bounds the transcript shown in the notification body.
	maxLen int
}

var _ ResultSink = (*NotifySink)(nil)

// NewNotifySink returns a sink calling notify, or [DesktopNotify] when nil.
func NewNotifySink(notify NotifyFunc) *NotifySink {
	if notify == nil {
		notify = DesktopNotify
	}
	return &NotifySink{notify: notify, maxLen: 120}
}

// Partial implements [ResultSink].
func (s *NotifySink) Partial(context.Context, Info, string) {}

// Final implements [ResultSink].
func (s *NotifySink) Final(ctx context.Context, t Transcript) {
	msg := t.Text
	if msg == "" {
		msg = "No speech detected"
	} else if r := []rune(msg); len(r) > s.maxLen {
		msg = string(r[:s.maxLen-1]) + "…"
	}
	s.send(ctx, msg)
}

// Failure implements [ResultSink].
func (s *NotifySink) Failure(ctx context.Context, _ Info, r stt.Result) {
	s.send(ctx, "Transcription failed: "+r.Failure.String())
}

func (s *NotifySink) send(ctx context.Context, msg string) {
	if err := s.notify(notifyTitle, msg); err != nil {
		slog.DebugContext(ctx, "session: desktop notification", "err", err)
	}
}
