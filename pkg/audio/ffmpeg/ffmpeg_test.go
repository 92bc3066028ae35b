package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/keyscribe/pkg/audio"
)

func writeScript(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCapture_StartReadAndStop(t *testing.T) {
	t.Parallel()

	// 6400 bytes = 3200 samples = two 100 ms chunks at 16 kHz mono.
	script := writeScript(t, "capture.sh", "#!/bin/sh\nhead -c 6400 /dev/zero\nexec sleep 5\n")
	c := New(WithCommand(script))

	ch, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []audio.Chunk
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case chunk := <-ch:
			got = append(got, chunk)
		case <-timeout:
			t.Fatalf("received %d chunks, want 2", len(got))
		}
	}
	for i, chunk := range got {
		if len(chunk.Samples) != 1600 {
			t.Errorf("chunk %d: %d samples, want 1600", i, len(chunk.Samples))
		}
		if chunk.SampleRate != 16000 || chunk.Channels != 1 {
			t.Errorf("chunk %d: format %s", i, chunk.Format())
		}
	}
	if got[1].Timestamp != 100*time.Millisecond {
		t.Errorf("second chunk timestamp = %v, want 100ms", got[1].Timestamp)
	}

	go audio.Drain(ch)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Idle stop is a no-op.
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestCapture_StartWhileRunning(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "idle.sh", "#!/bin/sh\nexec sleep 5\n")
	c := New(WithCommand(script))

	ch, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Start(context.Background()); err != ErrAlreadyRunning {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	go audio.Drain(ch)
	_ = c.Stop()
}

func TestCapture_EarlyExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/bin/sh\necho 'boom' 1>&2\nexit 1\n")
	c := New(WithCommand(script))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.Start(ctx)
	if err == nil {
		t.Fatal("expected early exit error")
	}
	if !strings.Contains(err.Error(), "exited before capture started") || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestArgs(t *testing.T) {
	t.Parallel()

	c := New(WithInput("alsa", "hw:1"), WithFormat(audio.Format{SampleRate: 48000, Channels: 2}))
	got := strings.Join(c.args(), " ")
	for _, want := range []string{"-f alsa", "-i hw:1", "-ac 2", "-ar 48000", "-f s16le -"} {
		if !strings.Contains(got, want) {
			t.Errorf("args %q missing %q", got, want)
		}
	}
}

func TestNormalizeStopErr(t *testing.T) {
	t.Parallel()

	err := exec.Command("sh", "-c", "exit 1").Run()
	if err == nil {
		t.Fatal("expected command to fail")
	}
	if got := normalizeStopErr(err); got != nil {
		t.Fatalf("expected nil for exit error, got %v", got)
	}
}
