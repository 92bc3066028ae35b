package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/keyscribe/internal/config"
	"github.com/MrWong99/keyscribe/internal/trigger"
	"github.com/MrWong99/keyscribe/pkg/audio"
	audiomock "github.com/MrWong99/keyscribe/pkg/audio/mock"
	"github.com/MrWong99/keyscribe/pkg/keyboard"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/keyscribe/pkg/provider/stt/mock"
	"github.com/MrWong99/keyscribe/pkg/provider/stt/service"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
log_level: debug

hotkey:
  binding: right_ctrl
  mode: toggle
  device: /dev/input/event3

audio:
  capture: ffmpeg
  input_format: alsa
  device: hw:1
  chunk_duration: 50ms

transcription:
  engine: system_service
  language: de
  min_session_duration: 250ms
  stop_timeout: 3s
  recognizers:
    - name: deepgram
      api_key: dg-test
      model: nova-3
    - name: whisper-server
      base_url: http://localhost:8080

dictionary:
  replacements:
    kay scribe: keyscribe
  terms:
    - Kubernetes
  phonetic_threshold: 0.9

output:
  paste: true
  notify: true

history:
  path: /var/lib/keyscribe/history.db

diagnostics:
  listen_addr: 127.0.0.1:9464
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
	if cfg.Hotkey.Device != "/dev/input/event3" {
		t.Errorf("hotkey.device = %q", cfg.Hotkey.Device)
	}
	if cfg.Audio.ChunkDuration != 50*time.Millisecond {
		t.Errorf("audio.chunk_duration = %v, want 50ms", cfg.Audio.ChunkDuration)
	}
	if cfg.Transcription.StopTimeout != 3*time.Second {
		t.Errorf("transcription.stop_timeout = %v, want 3s", cfg.Transcription.StopTimeout)
	}
	if cfg.Transcription.MinSessionDuration != 250*time.Millisecond {
		t.Errorf("transcription.min_session_duration = %v", cfg.Transcription.MinSessionDuration)
	}
	if len(cfg.Transcription.Recognizers) != 2 || cfg.Transcription.Recognizers[1].BaseURL != "http://localhost:8080" {
		t.Errorf("recognizers = %+v", cfg.Transcription.Recognizers)
	}
	if cfg.Dictionary.Replacements["kay scribe"] != "keyscribe" {
		t.Errorf("dictionary.replacements = %v", cfg.Dictionary.Replacements)
	}
	if want := (config.OutputConfig{Paste: true, Notify: true}); cfg.Output != want {
		t.Errorf("output = %+v, want %+v", cfg.Output, want)
	}
	if cfg.History.Path != "/var/lib/keyscribe/history.db" {
		t.Errorf("history.path = %q", cfg.History.Path)
	}

	b, err := cfg.KeyBinding()
	if err != nil || b.Name != "right_ctrl" {
		t.Errorf("KeyBinding() = %v, %v", b.Name, err)
	}
	m, err := cfg.TriggerMode()
	if err != nil || m != trigger.Toggle {
		t.Errorf("TriggerMode() = %v, %v", m, err)
	}
	sc, err := cfg.STT()
	if err != nil {
		t.Fatalf("STT(): %v", err)
	}
	want := stt.Config{Engine: stt.EngineSpec{Kind: stt.SystemService}, Language: "de"}
	if sc != want {
		t.Errorf("STT() = %+v, want %+v", sc, want)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader(empty): %v", err)
	}
	if cfg.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.LogLevel)
	}
	if cfg.Hotkey.Binding != config.DefaultBinding || cfg.Hotkey.Mode != "press_and_hold" {
		t.Errorf("hotkey = %+v", cfg.Hotkey)
	}
	if cfg.Audio.Capture != "ffmpeg" || cfg.Audio.ChunkDuration != config.DefaultChunkDuration {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Transcription.Engine != "local" || cfg.Transcription.Language != "en" {
		t.Errorf("transcription = %+v", cfg.Transcription)
	}
	if cfg.Transcription.StopTimeout != config.DefaultStopTimeout {
		t.Errorf("stop_timeout = %v", cfg.Transcription.StopTimeout)
	}
	if cfg.Dictionary.PhoneticThreshold != config.DefaultPhoneticThreshold {
		t.Errorf("phonetic_threshold = %v", cfg.Dictionary.PhoneticThreshold)
	}
}

func TestLoadFromReader_LocalModelInSTT(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("transcription:\n  model: http://localhost:8080\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	sc, _ := cfg.STT()
	if sc.Engine.Kind != stt.Local || sc.Engine.ModelRef != "http://localhost:8080" {
		t.Errorf("STT() = %+v", sc)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("hotkey:\n  bindng: right_alt\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_EnvAPIKey(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "from-env")

	yaml := `
transcription:
  engine: system_service
  recognizers:
    - name: deepgram
    - name: whisper-server
      base_url: http://localhost:8080
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if got := cfg.Transcription.Recognizers[0].APIKey; got != "from-env" {
		t.Errorf("deepgram api_key = %q, want from-env", got)
	}
	if got := cfg.Transcription.Recognizers[1].APIKey; got != "" {
		t.Errorf("whisper-server api_key = %q, want empty", got)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keyscribe.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing): expected error")
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	rec := &sttmock.Recognizer{}
	reg.RegisterRecognizer("deepgram", func(e config.ProviderEntry) (service.Recognizer, error) {
		if e.APIKey == "" {
			return nil, errors.New("missing key")
		}
		return rec, nil
	})
	reg.RegisterCapture("ffmpeg", func(config.AudioConfig) (audio.Capture, error) {
		return &audiomock.Capture{}, nil
	})

	got, err := reg.CreateRecognizer(config.ProviderEntry{Name: "deepgram", APIKey: "k"})
	if err != nil || got != service.Recognizer(rec) {
		t.Errorf("CreateRecognizer = %v, %v", got, err)
	}
	if _, err := reg.CreateRecognizer(config.ProviderEntry{Name: "deepgram"}); err == nil {
		t.Error("factory error not propagated")
	}
	if _, err := reg.CreateRecognizer(config.ProviderEntry{Name: "azure"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unknown recognizer err = %v, want ErrProviderNotRegistered", err)
	}
	c, err := reg.CreateCapture(config.AudioConfig{Capture: "ffmpeg"})
	if err != nil || c == nil {
		t.Errorf("CreateCapture = %v, %v", c, err)
	}
	if _, err := c.Start(context.Background()); err != nil {
		t.Errorf("capture Start: %v", err)
	}
	_ = c.Stop()
	if _, err := reg.CreateCapture(config.AudioConfig{Capture: "portaudio"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unknown capture err = %v", err)
	}
	if names := reg.RecognizerNames(); len(names) != 1 || names[0] != "deepgram" {
		t.Errorf("RecognizerNames = %v", names)
	}
}

func TestBindingCatalogueIsConfigurable(t *testing.T) {
	t.Parallel()

	for _, name := range keyboard.BindingNames() {
		yaml := "hotkey:\n  binding: " + name + "\n"
		if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
			t.Errorf("binding %q rejected: %v", name, err)
		}
	}
}
