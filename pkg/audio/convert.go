package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// SpeechFormat is what the transcription engines consume: 16 kHz mono.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

// FormatConverter converts Chunks to a target format. It logs a warning on
// the first format mismatch and on the first malformed chunk.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a chunk to the target format. If the source format already
// matches the target, the chunk is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample.
//
// A chunk with an invalid format or a sample count that is not a multiple of
// its channel count yields a chunk with nil Samples.
func (c *FormatConverter) Convert(chunk Chunk) Chunk {
	if !chunk.Format().Valid() || len(chunk.Samples)%chunk.Channels != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: malformed chunk, dropping",
				"samples", len(chunk.Samples),
				"sampleRate", chunk.SampleRate,
				"channels", chunk.Channels,
			)
		})
		return Chunk{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  chunk.Timestamp,
		}
	}

	// Fast path: source matches target.
	if chunk.SampleRate == c.Target.SampleRate && chunk.Channels == c.Target.Channels {
		return chunk
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", chunk.Format().String(),
			"to", c.Target.String(),
		)
	})

	samples := chunk.Samples
	channels := chunk.Channels

	// Step 1: channel conversion (resampling mono is cheaper).
	if channels != c.Target.Channels {
		switch {
		case c.Target.Channels == 1:
			samples = Downmix(samples, channels)
		case channels == 1:
			samples = Upmix(samples, c.Target.Channels)
		default:
			samples = Upmix(Downmix(samples, channels), c.Target.Channels)
		}
		channels = c.Target.Channels
	}

	// Step 2: resample.
	if chunk.SampleRate != c.Target.SampleRate {
		samples = Resample(samples, channels, chunk.SampleRate, c.Target.SampleRate)
	}

	return Chunk{
		Samples:    samples,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  chunk.Timestamp,
	}
}

// Downmix averages interleaved frames of n channels into mono.
func Downmix(samples []float32, n int) []float32 {
	if n <= 1 {
		return samples
	}
	frames := len(samples) / n
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range n {
			sum += samples[i*n+ch]
		}
		out[i] = sum / float32(n)
	}
	return out
}

// Upmix duplicates each mono sample into n channels.
func Upmix(mono []float32, n int) []float32 {
	if n <= 1 {
		return mono
	}
	out := make([]float32, len(mono)*n)
	for i, s := range mono {
		for ch := range n {
			out[i*n+ch] = s
		}
	}
	return out
}

// Resample converts interleaved samples with the given channel count from
// srcRate to dstRate using linear interpolation. If the rates match or are
// not positive the input is returned unchanged.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < channels {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := samples[srcIdx*channels+ch]
			s1 := samples[next*channels+ch]
			out[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// PCM16ToFloat32 decodes little-endian signed 16-bit PCM into float32
// samples in [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToPCM16 encodes float32 samples as little-endian signed 16-bit PCM,
// clamping to the int16 range.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
