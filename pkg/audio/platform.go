// Package audio defines the audio types shared by capture adapters and
// transcription engines, plus float32 format conversion helpers.
//
// The primary abstraction is [Capture]: a microphone (or any other source)
// that, once started, delivers [Chunk] values until it is stopped.
// Implementations live in adapter packages (e.g. audio/ffmpeg); the session
// layer only sees the interface so tests can script audio with audio/mock.
package audio

import (
	"context"
)

// Capture is a startable audio source.
//
// Start begins capturing and returns a channel of chunks. The channel is
// closed when capture ends, either because Stop was called, ctx was
// cancelled, or the underlying device failed. Only one capture may be
// active at a time; Start while running returns an error.
//
// Stop ends the active capture and waits for the chunk channel to close.
// Calling Stop when idle is a no-op returning nil.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	Start(ctx context.Context) (<-chan Chunk, error)
	Stop() error
}
