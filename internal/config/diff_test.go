package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/keyscribe/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Transcription: config.TranscriptionConfig{
			Model: "/models/base.bin",
			Recognizers: []config.ProviderEntry{
				{Name: "deepgram", APIKey: "k", Options: map[string]any{"smart_format": true}},
			},
		},
		Dictionary: config.DictionaryConfig{
			Replacements: map[string]string{"kay scribe": "keyscribe"},
			Terms:        []string{"Kubernetes"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"log level", func(c *config.Config) { c.LogLevel = config.LogDebug }, func(d config.ConfigDiff) bool {
			return d.LogLevelChanged && d.NewLogLevel == config.LogDebug
		}},
		{"binding", func(c *config.Config) { c.Hotkey.Binding = "f13" }, func(d config.ConfigDiff) bool { return d.BindingChanged }},
		{"mode", func(c *config.Config) { c.Hotkey.Mode = "toggle" }, func(d config.ConfigDiff) bool { return d.ModeChanged }},
		{"model", func(c *config.Config) { c.Transcription.Model = "/models/small.bin" }, func(d config.ConfigDiff) bool { return d.TranscriptionChanged }},
		{"language", func(c *config.Config) { c.Transcription.Language = "de" }, func(d config.ConfigDiff) bool { return d.TranscriptionChanged }},
		{"recognizer option", func(c *config.Config) { c.Transcription.Recognizers[0].Options["smart_format"] = false }, func(d config.ConfigDiff) bool {
			return d.RecognizersChanged && !d.TranscriptionChanged
		}},
		{"stop timeout", func(c *config.Config) { c.Transcription.StopTimeout = time.Second }, func(d config.ConfigDiff) bool { return d.SessionPolicyChanged }},
		{"terms", func(c *config.Config) { c.Dictionary.Terms = append(c.Dictionary.Terms, "Grafana") }, func(d config.ConfigDiff) bool { return d.DictionaryChanged }},
		{"replacement", func(c *config.Config) { c.Dictionary.Replacements["kay scribe"] = "KeyScribe" }, func(d config.ConfigDiff) bool { return d.DictionaryChanged }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			newCfg := baseConfig()
			tc.mutate(newCfg)
			d := config.Diff(baseConfig(), newCfg)
			if !tc.check(d) {
				t.Errorf("diff = %+v", d)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Hotkey.Device = "/dev/input/event7"
	newCfg.Audio.Device = "hw:2"
	newCfg.Output.Clipboard = true
	newCfg.History.Path = "/tmp/h.db"
	newCfg.Diagnostics.ListenAddr = ":9000"

	d := config.Diff(baseConfig(), newCfg)
	want := []string{"hotkey.device", "audio", "output", "history", "diagnostics"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.Empty() {
		t.Error("Empty() = true for restart-only changes")
	}
}
