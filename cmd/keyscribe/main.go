// Command keyscribe is a hotkey-driven dictation daemon: hold (or tap) the
// configured key, speak, and the transcript is written to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/keyscribe/internal/app"
	"github.com/MrWong99/keyscribe/internal/config"
	"github.com/MrWong99/keyscribe/internal/observe"
	"github.com/MrWong99/keyscribe/pkg/audio"
	"github.com/MrWong99/keyscribe/pkg/audio/ffmpeg"
	"github.com/MrWong99/keyscribe/pkg/audio/portaudio"
	"github.com/MrWong99/keyscribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/keyscribe/pkg/provider/stt/service"
	"github.com/MrWong99/keyscribe/pkg/provider/stt/whisper"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	reloadInterval := flag.Duration("reload-interval", 5*time.Second, "how often the config file is checked for changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "keyscribe: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "keyscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("keyscribe starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.Setup(ctx, version)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	printStartupSummary(os.Stderr, cfg)

	application, err := app.New(ctx, cfg,
		app.WithRegistry(reg),
		app.WithLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithInterval(*reloadInterval))
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()
	// The file may have changed between Load and the watcher's first read.
	application.ApplyConfig(cfg, watcher.Current())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				slog.Info("SIGHUP received, reloading config")
				if errors.Is(watcher.Reload(), config.ErrWatcherStopped) {
					return
				}
			}
		}
	}()

	slog.Info("ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Registry wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the recognizer and capture implementations that ship
// with keyscribe into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterRecognizer("deepgram", func(entry config.ProviderEntry) (service.Recognizer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if kw := optStrings(entry.Options, "keywords"); len(kw) > 0 {
			boost := optFloat(entry.Options, "keyword_boost", 1)
			opts = append(opts, deepgram.WithKeywords(boost, kw...))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterRecognizer("whisper-server", func(entry config.ProviderEntry) (service.Recognizer, error) {
		var opts []whisper.ServerOption
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		dec, err := whisper.NewServerDecoder(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return whisper.NewRecognizer(dec), nil
	})

	reg.RegisterCapture("ffmpeg", func(cfg config.AudioConfig) (audio.Capture, error) {
		opts := []ffmpeg.Option{ffmpeg.WithChunkDuration(cfg.ChunkDuration)}
		if cfg.Command != "" {
			opts = append(opts, ffmpeg.WithCommand(cfg.Command))
		}
		if cfg.InputFormat != "" || cfg.Device != "" {
			format, device := cfg.InputFormat, cfg.Device
			if format == "" {
				format = "pulse"
			}
			if device == "" {
				device = "default"
			}
			opts = append(opts, ffmpeg.WithInput(format, device))
		}
		return ffmpeg.New(opts...), nil
	})

	reg.RegisterCapture("portaudio", func(cfg config.AudioConfig) (audio.Capture, error) {
		return portaudio.New(
			portaudio.WithDevice(cfg.Device),
			portaudio.WithChunkDuration(cfg.ChunkDuration),
		), nil
	})

	for _, name := range reg.RecognizerNames() {
		slog.Debug("registered recognizer", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        keyscribe · startup summary    ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Hotkey", cfg.Hotkey.Binding+" / "+cfg.Hotkey.Mode)
	engine := cfg.Transcription.Engine
	if cfg.Transcription.Model != "" && engine == "local" {
		engine += " / " + cfg.Transcription.Model
	}
	printRow(w, "Engine", engine)
	printRow(w, "Language", cfg.Transcription.Language)
	printRow(w, "Recognizers", fmt.Sprint(len(cfg.Transcription.Recognizers)))
	printRow(w, "Dictionary", fmt.Sprintf("%d terms, %d repl.", len(cfg.Dictionary.Terms), len(cfg.Dictionary.Replacements)))
	printRow(w, "Capture", cfg.Audio.Capture)
	printRow(w, "Output", outputs(cfg.Output))
	printRow(w, "History", orDisabled(cfg.History.Path))
	printRow(w, "Diagnostics", orDisabled(cfg.Diagnostics.ListenAddr))
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}

func outputs(o config.OutputConfig) string {
	names := []string{"stdout"}
	switch {
	case o.Paste:
		names = append(names, "paste")
	case o.Clipboard:
		names = append(names, "clipboard")
	}
	if o.Notify {
		names = append(names, "notify")
	}
	return strings.Join(names, ", ")
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStrings extracts a list of strings. YAML decodes sequences as []any.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// optFloat extracts a number, accepting YAML ints.
func optFloat(opts map[string]any, key string, def float64) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
