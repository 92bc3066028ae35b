package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes get their own flag; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BindingChanged and ModeChanged apply to the key state machine and the
	// trigger controller. A mode change takes effect between sessions.
	BindingChanged bool
	ModeChanged    bool

	// TranscriptionChanged covers the engine kind, model and language. The
	// coordinator rebuilds the engine at the next session start.
	TranscriptionChanged bool

	// RecognizersChanged means the system-service backend chain must be
	// rebuilt.
	RecognizersChanged bool

	// SessionPolicyChanged covers min_session_duration and stop_timeout.
	SessionPolicyChanged bool

	DictionaryChanged bool

	// RestartRequired lists the sections that changed but cannot be applied
	// to a running daemon.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.BindingChanged && !d.ModeChanged &&
		!d.TranscriptionChanged && !d.RecognizersChanged && !d.SessionPolicyChanged &&
		!d.DictionaryChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	d.BindingChanged = old.Hotkey.Binding != new.Hotkey.Binding
	d.ModeChanged = old.Hotkey.Mode != new.Hotkey.Mode

	ot, nt := old.Transcription, new.Transcription
	d.TranscriptionChanged = ot.Engine != nt.Engine || ot.Model != nt.Model || ot.Language != nt.Language
	d.RecognizersChanged = !slices.EqualFunc(ot.Recognizers, nt.Recognizers, entryEqual)
	d.SessionPolicyChanged = ot.MinSessionDuration != nt.MinSessionDuration || ot.StopTimeout != nt.StopTimeout

	od, nd := old.Dictionary, new.Dictionary
	d.DictionaryChanged = od.PhoneticThreshold != nd.PhoneticThreshold ||
		!slices.Equal(od.Terms, nd.Terms) ||
		!maps.Equal(od.Replacements, nd.Replacements)

	if old.Hotkey.Device != new.Hotkey.Device {
		d.RestartRequired = append(d.RestartRequired, "hotkey.device")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Output != new.Output {
		d.RestartRequired = append(d.RestartRequired, "output")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.Diagnostics != new.Diagnostics {
		d.RestartRequired = append(d.RestartRequired, "diagnostics")
	}
	return d
}

// entryEqual compares two provider entries.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}
