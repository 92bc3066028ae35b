package stt

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("stt: session already active")

	// ErrNotStarted is returned by Feed before the first Start.
	ErrNotStarted = errors.New("stt: no session started")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("stt: engine closed")

	// ErrNoSpeech is reported by a recognizer that finished without hearing
	// any speech. Engines turn it into an empty Final rather than a Failure.
	ErrNoSpeech = errors.New("stt: no speech detected")
)

// ResultKind classifies a [Result].
type ResultKind int

const (
	// Partial is an interim, revisable transcript.
	Partial ResultKind = iota

	// Final is the authoritative transcript of the session.
	Final

	// Failure ends the session without a transcript.
	Failure
)

// String returns "partial", "final" or "failure".
func (k ResultKind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FailureKind classifies a terminal failure.
type FailureKind int

const (
	// FailureTimeout means the backend never answered a graceful stop.
	FailureTimeout FailureKind = iota + 1

	// FailureBackend means the backend reported an error.
	FailureBackend

	// FailureFormat means the audio could not be converted for the backend.
	FailureFormat

	// FailureCancelled means the session was abandoned (context or Close).
	FailureCancelled
)

// String returns the metric label for the failure kind.
func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureBackend:
		return "backend"
	case FailureFormat:
		return "format"
	case FailureCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Result is one item on a session's result channel.
type Result struct {
	Kind ResultKind

	// Text is the transcript for Partial and Final results. A Final may be
	// empty when no speech was heard.
	Text string

	// Failure and Err describe a Failure result.
	Failure FailureKind
	Err     error
}

// Terminal reports whether r ends the session.
func (r Result) Terminal() bool { return r.Kind != Partial }

// String returns a compact description for logs.
func (r Result) String() string {
	if r.Kind == Failure {
		return fmt.Sprintf("failure(%s): %v", r.Failure, r.Err)
	}
	return fmt.Sprintf("%s(%q)", r.Kind, r.Text)
}

// PartialResult returns a Partial with text.
func PartialResult(text string) Result { return Result{Kind: Partial, Text: text} }

// FinalResult returns a Final with text.
func FinalResult(text string) Result { return Result{Kind: Final, Text: text} }

// FailureResult returns a Failure of kind wrapping err.
func FailureResult(kind FailureKind, err error) Result {
	return Result{Kind: Failure, Failure: kind, Err: err}
}
