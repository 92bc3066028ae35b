// Package whisper provides the local streaming transcription engine.
//
// whisper.cpp is a batch engine: it has no incremental decode primitive. The
// [Engine] therefore accumulates the session's audio and, once more than
// [MinDecodeDuration] is buffered, re-decodes the whole buffer in the
// background to produce a partial. At most one decode is in flight at a time.
// On stop a final pass over the complete buffer yields the session's Final.
//
// Decoding is delegated to a [Decoder]. Two are provided:
//
//   - [NativeDecoder] runs whisper.cpp in-process through the CGO bindings.
//     The whisper.cpp static library (libwhisper.a) and headers (whisper.h)
//     must be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//   - [ServerDecoder] uploads a WAV file to a running whisper-server
//     (POST /inference).
//
// Usage:
//
//	dec, err := whisper.NewServerDecoder("http://localhost:8080")
//	eng := whisper.New(dec, whisper.WithLanguage("en"))
//	results, err := eng.Start(ctx)
//	eng.Feed(chunk)
//	eng.Stop()
//	for r := range results { ... }
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/keyscribe/pkg/audio"
)

const (
	// bitsPerSample is fixed at 16 for the WAV uploads whisper-server
	// expects.
	bitsPerSample = 16

	// silenceRMS is the float32 RMS level below which a buffer is treated as
	// silence and not decoded (300 in 16-bit PCM units).
	silenceRMS = 300.0 / 32768.0

	defaultLanguage = "en"
)

// Decoder transcribes a complete buffer of 16 kHz mono float32 samples.
// Implementations must honour ctx cancellation where the backend allows it.
type Decoder interface {
	Decode(ctx context.Context, samples []float32, language string) (string, error)
	Close() error
}

// ServerOption is a functional option for configuring a ServerDecoder.
type ServerOption func(*ServerDecoder)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with; this is the default.
func WithModel(model string) ServerOption {
	return func(d *ServerDecoder) { d.model = model }
}

// WithHTTPClient overrides the HTTP client. Default: 30 s timeout.
func WithHTTPClient(c *http.Client) ServerOption {
	return func(d *ServerDecoder) { d.httpClient = c }
}

// ServerDecoder implements Decoder against a whisper.cpp HTTP server.
type ServerDecoder struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// NewServerDecoder creates a decoder for the whisper.cpp server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func NewServerDecoder(serverURL string, opts ...ServerOption) (*ServerDecoder, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	d := &ServerDecoder{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Decode encodes samples as a WAV file and POSTs it to the whisper.cpp
// /inference endpoint as multipart/form-data.
func (d *ServerDecoder) Decode(ctx context.Context, samples []float32, language string) (string, error) {
	wav := encodeWAV(audio.Float32ToPCM16(samples), audio.SpeechFormat.SampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if d.model != "" {
		if err := mw.WriteField("model", d.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// Close is a no-op; the server owns the model.
func (d *ServerDecoder) Close() error { return nil }

// Compile-time assertion that ServerDecoder satisfies Decoder.
var _ Decoder = (*ServerDecoder)(nil)

// ---- helpers ----------------------------------------------------------------

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// computeRMS returns the root-mean-square level of float32 samples. Returns 0
// for an empty buffer.
func computeRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
