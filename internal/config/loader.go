package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/keyscribe/internal/trigger"
	"github.com/MrWong99/keyscribe/pkg/keyboard"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
)

// ValidRecognizerNames lists the recognizer backends the daemon registers.
// Used by [Validate] to warn about unrecognised names.
var ValidRecognizerNames = []string{"deepgram", "whisper-server"}

// ValidCaptureNames lists the capture implementations the daemon registers.
var ValidCaptureNames = []string{"ffmpeg", "portaudio"}

// envAPIKeys maps recognizer names to the environment variable consulted when
// the entry leaves api_key empty.
var envAPIKeys = map[string]string{
	"deepgram": "DEEPGRAM_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment fallbacks, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Hotkey.Binding == "" {
		cfg.Hotkey.Binding = DefaultBinding
	}
	if cfg.Hotkey.Mode == "" {
		cfg.Hotkey.Mode = trigger.PressAndHold.String()
	}
	if cfg.Audio.Capture == "" {
		cfg.Audio.Capture = DefaultCapture
	}
	if cfg.Audio.ChunkDuration == 0 {
		cfg.Audio.ChunkDuration = DefaultChunkDuration
	}
	if cfg.Transcription.Engine == "" {
		cfg.Transcription.Engine = stt.Local.String()
	}
	if cfg.Transcription.Language == "" {
		cfg.Transcription.Language = DefaultLanguage
	}
	if cfg.Transcription.StopTimeout == 0 {
		cfg.Transcription.StopTimeout = DefaultStopTimeout
	}
	if cfg.Dictionary.PhoneticThreshold == 0 {
		cfg.Dictionary.PhoneticThreshold = DefaultPhoneticThreshold
	}
}

// applyEnv fills empty recognizer API keys from the environment.
func applyEnv(cfg *Config) {
	for i := range cfg.Transcription.Recognizers {
		e := &cfg.Transcription.Recognizers[i]
		if e.APIKey != "" {
			continue
		}
		if name, ok := envAPIKeys[e.Name]; ok {
			e.APIKey = os.Getenv(name)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Hotkey
	if _, err := keyboard.BindingByName(cfg.Hotkey.Binding); err != nil {
		errs = append(errs, fmt.Errorf("hotkey.binding %q is invalid; valid values: %s", cfg.Hotkey.Binding, strings.Join(keyboard.BindingNames(), ", ")))
	}
	if _, err := trigger.ParseMode(cfg.Hotkey.Mode); err != nil {
		errs = append(errs, fmt.Errorf("hotkey.mode %q is invalid; valid values: press_and_hold, toggle", cfg.Hotkey.Mode))
	}

	// Audio
	if !slices.Contains(ValidCaptureNames, cfg.Audio.Capture) {
		slog.Warn("unknown audio.capture; may be a typo or third-party capture",
			"name", cfg.Audio.Capture,
			"known", ValidCaptureNames,
		)
	}
	if cfg.Audio.ChunkDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_duration %v must not be negative", cfg.Audio.ChunkDuration))
	}

	// Transcription
	kind, err := stt.ParseEngineKind(cfg.Transcription.Engine)
	if err != nil {
		errs = append(errs, fmt.Errorf("transcription.engine %q is invalid; valid values: local, system_service", cfg.Transcription.Engine))
	}
	if cfg.Transcription.MinSessionDuration < 0 {
		errs = append(errs, fmt.Errorf("transcription.min_session_duration %v must not be negative", cfg.Transcription.MinSessionDuration))
	}
	if cfg.Transcription.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.stop_timeout %v must not be negative", cfg.Transcription.StopTimeout))
	}
	for i, rec := range cfg.Transcription.Recognizers {
		prefix := fmt.Sprintf("transcription.recognizers[%d]", i)
		if rec.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateRecognizerName(rec.Name)
		if rec.BaseURL != "" {
			if _, err := url.Parse(rec.BaseURL); err != nil {
				errs = append(errs, fmt.Errorf("%s.base_url: %w", prefix, err))
			}
		}
	}
	if err == nil {
		if kind == stt.SystemService && len(cfg.Transcription.Recognizers) == 0 {
			errs = append(errs, errors.New("transcription.engine system_service requires at least one entry in transcription.recognizers"))
		}
		if kind == stt.Local && cfg.Transcription.Model == "" {
			slog.Warn("transcription.model is empty; the local engine will fall back to the system service")
		}
	}

	// Dictionary
	if t := cfg.Dictionary.PhoneticThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("dictionary.phonetic_threshold %.2f is out of range [0, 1]", t))
	}
	for from := range cfg.Dictionary.Replacements {
		if strings.TrimSpace(from) == "" {
			errs = append(errs, errors.New("dictionary.replacements contains an empty phrase"))
			break
		}
	}

	return errors.Join(errs...)
}

// validateRecognizerName logs a warning if name is not in
// [ValidRecognizerNames].
func validateRecognizerName(name string) {
	if slices.Contains(ValidRecognizerNames, name) {
		return
	}
	slog.Warn("unknown recognizer name; may be a typo or third-party recognizer",
		"name", name,
		"known", ValidRecognizerNames,
	)
}
