package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/keyscribe/pkg/audio"
)

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

func TestDownmix(t *testing.T) {
	// Two stereo frames: L=0.2,R=0.4 and L=-0.2,R=-0.4
	got := audio.Downmix([]float32{0.2, 0.4, -0.2, -0.4}, 2)
	want := []float32{0.3, -0.3}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !approx(got[i], want[i]) {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestUpmix(t *testing.T) {
	got := audio.Upmix([]float32{0.1, 0.2}, 2)
	want := []float32{0.1, 0.1, 0.2, 0.2}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResample_SameRate(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := audio.Resample(in, 1, 48000, 48000)
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
}

func TestResample_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	out := audio.Resample([]float32{0.1, 0.2}, 1, 16000, 48000)
	if len(out) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(out))
	}
	if !approx(out[0], 0.1) {
		t.Errorf("first sample: got %v, want 0.1", out[0])
	}
	if last := out[len(out)-1]; last < 0.18 || last > 0.22 {
		t.Errorf("last sample: got %v, want close to 0.2", last)
	}
}

func TestResample_Downsample(t *testing.T) {
	// 48kHz → 16kHz (1/3x)
	out := audio.Resample([]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, 1, 48000, 16000)
	if len(out) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(out))
	}
}

func TestResample_Stereo(t *testing.T) {
	// 2 stereo frames at 16kHz → 6 stereo frames (12 samples) at 48kHz
	out := audio.Resample([]float32{0.1, 0.2, 0.3, 0.4}, 2, 16000, 48000)
	if len(out) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(out))
	}
	// Channels stay separated.
	if !approx(out[0], 0.1) || !approx(out[1], 0.2) {
		t.Errorf("first frame = (%v, %v), want (0.1, 0.2)", out[0], out[1])
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.SpeechFormat}
	in := audio.Chunk{Samples: []float32{0.5, -0.5}, SampleRate: 16000, Channels: 1}
	out := conv.Convert(in)
	if &out.Samples[0] != &in.Samples[0] {
		t.Error("matching chunk was copied")
	}
}

func TestFormatConverter_StereoTo16kMono(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.SpeechFormat}
	// 30 ms of 48 kHz stereo.
	in := audio.Chunk{
		Samples:    make([]float32, 48*30*2),
		SampleRate: 48000,
		Channels:   2,
		Timestamp:  time.Second,
	}
	for i := range in.Samples {
		in.Samples[i] = 0.25
	}

	out := conv.Convert(in)
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("format = %s, want 16000Hz mono", out.Format())
	}
	if got, want := len(out.Samples), 16*30; got != want {
		t.Fatalf("samples = %d, want %d", got, want)
	}
	if !approx(out.Samples[10], 0.25) {
		t.Errorf("sample = %v, want 0.25", out.Samples[10])
	}
	if out.Timestamp != time.Second {
		t.Errorf("timestamp = %v, want 1s", out.Timestamp)
	}
	if out.Duration() != 30*time.Millisecond {
		t.Errorf("duration = %v, want 30ms", out.Duration())
	}
}

func TestFormatConverter_Malformed(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.SpeechFormat}
	tests := []audio.Chunk{
		{Samples: []float32{0.1, 0.2, 0.3}, SampleRate: 48000, Channels: 2},
		{Samples: []float32{0.1}, SampleRate: 0, Channels: 1},
		{Samples: []float32{0.1}, SampleRate: 16000, Channels: 0},
	}
	for _, in := range tests {
		if out := conv.Convert(in); out.Samples != nil {
			t.Errorf("Convert(%+v) kept %d samples, want none", in.Format(), len(out.Samples))
		}
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1, -1}
	pcm := audio.Float32ToPCM16(in)
	if len(pcm) != 10 {
		t.Fatalf("pcm bytes = %d, want 10", len(pcm))
	}
	out := audio.PCM16ToFloat32(pcm)
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1.0/16384 {
			t.Errorf("sample %d: got %v, want ~%v", i, out[i], in[i])
		}
	}
}

func TestFloat32ToPCM16_Clamps(t *testing.T) {
	out := audio.PCM16ToFloat32(audio.Float32ToPCM16([]float32{2, -2}))
	if out[0] < 0.999 || out[1] > -0.999 {
		t.Errorf("clamped = %v, want ~[1 -1]", out)
	}
}

func TestChunkDuration(t *testing.T) {
	c := audio.Chunk{Samples: make([]float32, 8000), SampleRate: 16000, Channels: 1}
	if c.Duration() != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", c.Duration())
	}
	if (audio.Chunk{}).Duration() != 0 {
		t.Error("zero chunk has non-zero duration")
	}
}

func TestDrain(t *testing.T) {
	ch := make(chan audio.Chunk, 3)
	ch <- audio.Chunk{}
	ch <- audio.Chunk{}
	close(ch)
	audio.Drain(ch)
	if len(ch) != 0 {
		t.Error("channel not drained")
	}
}
