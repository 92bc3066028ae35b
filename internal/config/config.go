// Package config provides the configuration schema, loader, watcher and
// collaborator registry for the keyscribe daemon.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/keyscribe/internal/trigger"
	"github.com/MrWong99/keyscribe/pkg/keyboard"
	"github.com/MrWong99/keyscribe/pkg/provider/stt"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default values applied by [ApplyDefaults].
const (
	DefaultBinding           = "right_alt"
	DefaultLanguage          = "en"
	DefaultCapture           = "ffmpeg"
	DefaultChunkDuration     = 100 * time.Millisecond
	DefaultStopTimeout       = 2 * time.Second
	DefaultPhoneticThreshold = 0.85
)

// Config is the root configuration structure for keyscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	Hotkey        HotkeyConfig        `yaml:"hotkey"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Dictionary    DictionaryConfig    `yaml:"dictionary"`
	Output        OutputConfig        `yaml:"output"`
	History       HistoryConfig       `yaml:"history"`
	Diagnostics   DiagnosticsConfig   `yaml:"diagnostics"`
}

// HotkeyConfig selects the physical key and the trigger policy.
type HotkeyConfig struct {
	// Binding names an entry of the key catalogue (e.g. "right_alt", "f13").
	Binding string `yaml:"binding"`

	// Mode is "press_and_hold" or "toggle".
	Mode string `yaml:"mode"`

	// Device is the evdev node to read. Empty auto-detects the first
	// keyboard under /dev/input/by-path.
	Device string `yaml:"device"`
}

// AudioConfig configures the capture collaborator.
type AudioConfig struct {
	// Capture selects the registered capture implementation: "ffmpeg" or
	// "portaudio". Default: ffmpeg.
	Capture string `yaml:"capture"`

	// Command is the ffmpeg executable. Default: "ffmpeg" from PATH.
	Command string `yaml:"command"`

	// InputFormat and Device are passed to ffmpeg as -f and -i
	// (e.g. "pulse" / "default", "alsa" / "hw:0"). For portaudio, Device is
	// a substring of the input device name; empty uses the default input.
	InputFormat string `yaml:"input_format"`
	Device      string `yaml:"device"`

	// ChunkDuration is the length of each captured block. Default: 100ms.
	ChunkDuration time.Duration `yaml:"chunk_duration"`

	// RecordDir keeps a WAV copy of every session's audio in this
	// directory. Empty disables recording.
	RecordDir string `yaml:"record_dir"`
}

// TranscriptionConfig selects the engine and its backends.
type TranscriptionConfig struct {
	// Engine is "local" or "system_service".
	Engine string `yaml:"engine"`

	// Model is the local model reference: a whisper.cpp model file or the
	// http(s) URL of a whisper-server. Ignored by system_service.
	Model string `yaml:"model"`

	// Language is the recognition language. Default: en.
	Language string `yaml:"language"`

	// MinSessionDuration drops finals of sessions shorter than this (e.g. an
	// accidental tap of the hotkey). Zero keeps everything.
	MinSessionDuration time.Duration `yaml:"min_session_duration"`

	// StopTimeout bounds the wait for a system-service final. Default: 2s.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// Recognizers lists the system-service backends in failover order.
	Recognizers []ProviderEntry `yaml:"recognizers"`
}

// ProviderEntry is the common configuration block shared by recognizer
// backends. The Name field is used to look up the constructor in the
// [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "deepgram",
	// "whisper-server").
	Name string `yaml:"name"`

	// APIKey authenticates against the backend if it needs one.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend (e.g. "nova-3").
	Model string `yaml:"model"`

	// Options holds backend-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// DictionaryConfig configures the post-processing of final transcripts.
type DictionaryConfig struct {
	// Replacements maps spoken phrases to their written form. Matching is
	// case-insensitive and word-bounded.
	Replacements map[string]string `yaml:"replacements"`

	// Terms are canonical spellings (names, jargon). Words that sound like a
	// term are rewritten to it.
	Terms []string `yaml:"terms"`

	// PhoneticThreshold is the minimum Jaro-Winkler similarity for a
	// phonetic match, in (0, 1]. Default: 0.85.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
}

// OutputConfig selects where final transcripts go besides stdout.
type OutputConfig struct {
	// Clipboard copies every final transcript to the system clipboard.
	Clipboard bool `yaml:"clipboard"`

	// Paste sends Ctrl+V after copying so the text lands in the focused
	// window. The previous clipboard content is restored afterwards.
	// Implies Clipboard.
	Paste bool `yaml:"paste"`

	// Notify shows a desktop notification for finals and failures.
	Notify bool `yaml:"notify"`
}

// HistoryConfig configures the transcript history.
type HistoryConfig struct {
	// Path is a SQLite database file or a postgres:// DSN. Empty disables
	// the history.
	Path string `yaml:"path"`
}

// DiagnosticsConfig configures the health and metrics endpoint.
type DiagnosticsConfig struct {
	// ListenAddr is the TCP address (e.g. "127.0.0.1:9464"). Empty disables
	// the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// KeyBinding resolves the configured hotkey.
func (c *Config) KeyBinding() (keyboard.KeyBinding, error) {
	return keyboard.BindingByName(c.Hotkey.Binding)
}

// TriggerMode resolves the configured trigger policy.
func (c *Config) TriggerMode() (trigger.Mode, error) {
	return trigger.ParseMode(c.Hotkey.Mode)
}

// STT resolves the transcription triple compared by the coordinator.
func (c *Config) STT() (stt.Config, error) {
	kind, err := stt.ParseEngineKind(c.Transcription.Engine)
	if err != nil {
		return stt.Config{}, err
	}
	spec := stt.EngineSpec{Kind: kind}
	if kind == stt.Local {
		spec.ModelRef = c.Transcription.Model
	}
	return stt.Config{Engine: spec, Language: c.Transcription.Language}, nil
}

// SlogLevel maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
