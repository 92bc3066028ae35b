package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/keyscribe/pkg/provider/stt"
)

type fakeClipboard struct {
	content  string
	writes   []string
	writeErr error
}

func (c *fakeClipboard) ReadAll() (string, error) { return c.content, nil }

func (c *fakeClipboard) WriteAll(text string) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.content = text
	c.writes = append(c.writes, text)
	return nil
}

type fakeKeys struct {
	clip   *fakeClipboard
	pasted []string
	err    error
}

func (k *fakeKeys) Paste() error {
	if k.err != nil {
		return k.err
	}
	k.pasted = append(k.pasted, k.clip.content)
	return nil
}

func noSleep(time.Duration) {}

func TestClipboardSink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("copy only", func(t *testing.T) {
		t.Parallel()
		clip := &fakeClipboard{content: "old"}
		s := NewClipboardSink(clip, nil)
		s.Partial(ctx, Info{}, "ignored")
		s.Final(ctx, Transcript{Text: ""})
		s.Final(ctx, Transcript{Text: "hello"})
		if clip.content != "hello" || len(clip.writes) != 1 {
			t.Errorf("clipboard = %q, writes = %v", clip.content, clip.writes)
		}
	})

	t.Run("paste restores", func(t *testing.T) {
		t.Parallel()
		clip := &fakeClipboard{content: "old"}
		keys := &fakeKeys{clip: clip}
		s := NewClipboardSink(clip, keys)
		s.sleep = noSleep

		s.Final(ctx, Transcript{Text: "hello"})
		if len(keys.pasted) != 1 || keys.pasted[0] != "hello" {
			t.Errorf("pasted = %v, want [hello]", keys.pasted)
		}
		if clip.content != "old" {
			t.Errorf("clipboard = %q, want restored %q", clip.content, "old")
		}
	})

	t.Run("paste failure keeps transcript", func(t *testing.T) {
		t.Parallel()
		clip := &fakeClipboard{content: "old"}
		s := NewClipboardSink(clip, &fakeKeys{clip: clip, err: errors.New("no uinput")})
		s.sleep = noSleep

		s.Final(ctx, Transcript{Text: "hello"})
		if clip.content != "hello" {
			t.Errorf("clipboard = %q, want the transcript", clip.content)
		}
	})

	t.Run("write failure skips paste", func(t *testing.T) {
		t.Parallel()
		clip := &fakeClipboard{writeErr: errors.New("no xclip")}
		keys := &fakeKeys{clip: clip}
		s := NewClipboardSink(clip, keys)
		s.sleep = noSleep

		s.Final(ctx, Transcript{Text: "hello"})
		if len(keys.pasted) != 0 {
			t.Errorf("pasted = %v after a failed copy", keys.pasted)
		}
	})
}

func TestNotifySink(t *testing.T) {
	t.Parallel()

	var got []string
	s := NewNotifySink(func(title, msg string) error {
		if title != notifyTitle {
			t.Errorf("title = %q", title)
		}
		got = append(got, msg)
		return errors.New("no notification daemon")
	})
	ctx := context.Background()

	s.Partial(ctx, Info{}, "hel")
	s.Final(ctx, Transcript{Text: "hello"})
	s.Final(ctx, Transcript{})
	s.Final(ctx, Transcript{Text: strings.Repeat("a", 200)})
	s.Failure(ctx, Info{}, stt.FailureResult(stt.FailureTimeout, errors.New("slow")))

	if len(got) != 4 {
		t.Fatalf("notifications = %d, want 4: %q", len(got), got)
	}
	if got[0] != "hello" || got[1] != "No speech detected" {
		t.Errorf("finals = %q", got[:2])
	}
	if n := len([]rune(got[2])); n != 120 || !strings.HasSuffix(got[2], "…") {
		t.Errorf("long final = %d runes %q", n, got[2])
	}
	if got[3] != "Transcription failed: timeout" {
		t.Errorf("failure = %q", got[3])
	}
}
