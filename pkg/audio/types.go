package audio

import "time"

// Chunk is a block of captured audio flowing from a [Capture] into a
// transcription engine. Samples are interleaved float32 in [-1, 1].
type Chunk struct {
	// Samples holds interleaved PCM samples, Channels values per frame.
	Samples []float32

	// SampleRate in Hz (e.g. 48000 from a microphone, 16000 for whisper).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this chunk was captured, relative to capture start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames (samples per channel).
func (c Chunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// Format returns the chunk's format.
func (c Chunk) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}
