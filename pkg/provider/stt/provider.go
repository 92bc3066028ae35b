// Package stt defines the Engine interface for speech-to-text backends.
//
// An engine owns one dictation session at a time. Start opens a session and
// returns a channel of [Result] values: zero or more low-latency partials
// followed by exactly one terminal result ([Final] or [Failure]), after which
// the channel is closed. Audio is delivered with Feed; Stop asks the engine to
// finish the session, and the terminal result arrives on the channel.
//
// Two engine families exist:
//
//   - Local (package whisper): accumulates audio and periodically re-decodes
//     the whole buffer with an on-device model.
//   - SystemService (package service): streams audio to an asynchronous
//     recognizer and performs a graceful, time-bounded stop.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/keyscribe/pkg/audio"
)

// EngineKind tags the engine family.
type EngineKind int

const (
	// Local decodes on-device with a whisper model.
	Local EngineKind = iota

	// SystemService delegates to an asynchronous recognition service.
	SystemService
)

// String returns the config spelling of the kind.
func (k EngineKind) String() string {
	switch k {
	case Local:
		return "local"
	case SystemService:
		return "system_service"
	default:
		return fmt.Sprintf("engine(%d)", int(k))
	}
}

// ParseEngineKind parses the config spelling of an engine kind.
func ParseEngineKind(s string) (EngineKind, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "local", "whisper":
		return Local, nil
	case "system_service", "service", "system":
		return SystemService, nil
	default:
		return 0, fmt.Errorf("stt: unknown engine kind %q", s)
	}
}

// EngineSpec selects an engine. ModelRef names the local model (a file path
// or a whisper-server URL) and is ignored for SystemService.
type EngineSpec struct {
	Kind     EngineKind
	ModelRef string
}

// Config is the full transcription configuration. It is a comparable value:
// two configs are equal exactly when == reports so, which is how the
// coordinator decides whether an engine can be reused.
type Config struct {
	Engine   EngineSpec
	Language string
}

// String returns a compact description for logs.
func (c Config) String() string {
	if c.Engine.Kind == Local {
		return fmt.Sprintf("%s(%s) lang=%s", c.Engine.Kind, c.Engine.ModelRef, c.Language)
	}
	return fmt.Sprintf("%s lang=%s", c.Engine.Kind, c.Language)
}

// Engine is one transcription backend.
//
// Start opens a new session and returns its result channel. Calling Start
// while a session is still running either returns [ErrSessionActive] (local
// engine) or cancels the stale session with a Cancelled failure (system
// service engine).
//
// Feed delivers audio. Chunks in any format are accepted and converted to
// what the backend needs. Feed before any Start returns [ErrNotStarted];
// Feed after Stop is ignored.
//
// Stop requests the end of the session. It does not block until the terminal
// result; the result arrives on the channel. Stop on an idle engine is a no-op.
//
// Close finalizes any open session and releases the engine's resources. The
// engine is unusable afterwards.
type Engine interface {
	Kind() EngineKind
	Start(ctx context.Context) (<-chan Result, error)
	Feed(chunk audio.Chunk) error
	Stop() error
	Close() error
}
