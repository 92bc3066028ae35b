package service

import (
	"context"
	"fmt"
)

// RecognizerConfig is passed to [Recognizer.Begin].
type RecognizerConfig struct {
	// Language is a BCP-47 code such as "en" or "de-DE".
	Language string

	// SampleRate is the rate of the samples given to Append. Always 16 kHz
	// mono when driven by the Engine.
	SampleRate int
}

// EventKind classifies a [RecognitionEvent].
type EventKind int

const (
	// EventPartial carries an interim hypothesis of the whole utterance so far.
	EventPartial EventKind = iota

	// EventFinal carries the recognizer's final transcript.
	EventFinal

	// EventError reports that the request failed. Err wraps [stt.ErrNoSpeech]
	// when the recognizer finished without hearing speech.
	EventError
)

// String returns "partial", "final" or "error".
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// RecognitionEvent is one callback from a recognition request.
type RecognitionEvent struct {
	Kind EventKind
	Text string
	Err  error
}

// Recognizer is an asynchronous speech recognition backend.
type Recognizer interface {
	// Begin opens a recognition request. The request lives until ctx is
	// cancelled, Cancel is called, or its events channel is closed.
	Begin(ctx context.Context, cfg RecognizerConfig) (Request, error)
}

// Request is one in-flight recognition.
//
// Append streams audio. EndAudio signals that no more audio will follow and
// asks the recognizer to deliver its final result; it must not discard audio
// already appended. Cancel abandons the request without waiting for a result.
// Events delivers partials and at most one final or error; the channel is
// closed when the request ends.
type Request interface {
	Append(samples []float32) error
	EndAudio() error
	Cancel()
	Events() <-chan RecognitionEvent
}
