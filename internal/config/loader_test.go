package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/keyscribe/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{"log level", "log_level: loud\n", "log_level"},
		{"binding", "hotkey:\n  binding: any_key\n", "hotkey.binding"},
		{"mode", "hotkey:\n  mode: double_tap\n", "hotkey.mode"},
		{"engine", "transcription:\n  engine: cloud\n", "transcription.engine"},
		{"negative min session", "transcription:\n  min_session_duration: -1s\n", "min_session_duration"},
		{"system service without recognizers", "transcription:\n  engine: system_service\n", "requires at least one"},
		{"recognizer without name", "transcription:\n  recognizers:\n    - model: nova-3\n", "recognizers[0].name"},
		{"threshold", "dictionary:\n  phonetic_threshold: 1.5\n", "phonetic_threshold"},
		{"empty phrase", "dictionary:\n  replacements:\n    \" \": x\n", "empty phrase"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantSub)
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	yaml := `
log_level: loud
hotkey:
  binding: any_key
  mode: double_tap
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, sub := range []string{"log_level", "hotkey.binding", "hotkey.mode"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("joined error %q does not mention %q", err, sub)
		}
	}
}

func TestValidate_ModeSpellings(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"press_and_hold", "press-and-hold", "hold", "toggle"} {
		yaml := "hotkey:\n  mode: " + mode + "\n"
		if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
			t.Errorf("mode %q rejected: %v", mode, err)
		}
	}
}

func TestValidate_UnknownRecognizerOnlyWarns(t *testing.T) {
	t.Parallel()

	yaml := `
transcription:
  engine: system_service
  recognizers:
    - name: my-custom-backend
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("unknown recognizer name should only warn, got: %v", err)
	}
}
