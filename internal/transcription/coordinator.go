// Package transcription keeps exactly one transcription engine configured for
// the daemon and swaps it when the transcription settings change.
//
// The [Coordinator] compares the requested [stt.Config] against the one the
// current engine was built for. Equal configs reuse the engine; anything else
// closes the old engine and builds a new one through the injected [Factory].
// A local engine whose model cannot be resolved falls back to the system
// service so that dictation keeps working with a broken model setting.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/MrWong99/keyscribe/pkg/provider/stt"
)

// ErrClosed is returned by Configure after Close.
var ErrClosed = errors.New("transcription: coordinator closed")

// Factory builds an engine for cfg. It is only called with resolved configs:
// a Local config always carries a model reference the resolver accepted.
type Factory func(ctx context.Context, cfg stt.Config) (stt.Engine, error)

// Option is a functional option for [Coordinator].
type Option func(*Coordinator)

// WithModelResolver replaces the check that decides whether a local model
// reference is usable. The default accepts http(s) URLs (a whisper-server)
// and paths of existing regular files.
func WithModelResolver(fn func(ref string) bool) Option {
	return func(c *Coordinator) { c.resolvable = fn }
}

// WithRebuildHook registers fn to be called after every engine rebuild with
// the kind of the new engine.
func WithRebuildHook(fn func(ctx context.Context, kind stt.EngineKind)) Option {
	return func(c *Coordinator) { c.onRebuild = fn }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// Coordinator owns the active engine. All methods are safe for concurrent use.
type Coordinator struct {
	factory    Factory
	resolvable func(string) bool
	onRebuild  func(context.Context, stt.EngineKind)
	log        *slog.Logger

	mu       sync.Mutex
	current  *stt.Config
	engine   stt.Engine
	stale    bool
	rebuilds int
	closed   bool
}

// New returns a Coordinator with no engine. The first Configure builds one.
func New(factory Factory, opts ...Option) *Coordinator {
	c := &Coordinator{
		factory:    factory,
		resolvable: ModelAvailable,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Configure returns an engine for target, rebuilding only when the resolved
// target differs from the config of the current engine or the engine's kind
// does not match. The previous engine is closed before the new one is built.
//
// When the factory fails the coordinator is left without an engine and the
// next Configure tries again.
func (c *Coordinator) Configure(ctx context.Context, target stt.Config) (stt.Engine, error) {
	resolved := c.resolve(target)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if c.engine != nil && !c.stale && c.current != nil && *c.current == resolved &&
		c.engine.Kind() == resolved.Engine.Kind {
		return c.engine, nil
	}

	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			c.log.Warn("transcription: close previous engine", "err", err)
		}
		c.engine, c.current = nil, nil
	}
	c.stale = false

	eng, err := c.factory(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("transcription: build %s engine: %w", resolved.Engine.Kind, err)
	}
	c.engine = eng
	c.current = &resolved
	c.rebuilds++
	c.log.Info("transcription engine configured", "config", resolved.String(), "rebuilds", c.rebuilds)
	if c.onRebuild != nil {
		c.onRebuild(ctx, resolved.Engine.Kind)
	}
	return eng, nil
}

// resolve applies the local-to-service fallback.
func (c *Coordinator) resolve(target stt.Config) stt.Config {
	if target.Engine.Kind != stt.Local {
		target.Engine.ModelRef = ""
		return target
	}
	ref := strings.TrimSpace(target.Engine.ModelRef)
	if ref != "" && c.resolvable(ref) {
		target.Engine.ModelRef = ref
		return target
	}
	c.log.Warn("local model unavailable, falling back to system service",
		"model", target.Engine.ModelRef)
	return stt.Config{
		Engine:   stt.EngineSpec{Kind: stt.SystemService},
		Language: target.Language,
	}
}

// Invalidate marks the current engine stale so the next Configure rebuilds
// it even if the config is unchanged. It is used when settings outside
// [stt.Config] (stop timeout, recognizer backends) change.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

// Current returns the active engine and the resolved config it was built
// for, or nil and false when no engine exists.
func (c *Coordinator) Current() (stt.Engine, stt.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil, stt.Config{}, false
	}
	return c.engine, *c.current, true
}

// Rebuilds returns the number of engines built so far.
func (c *Coordinator) Rebuilds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuilds
}

// Close closes the active engine. Configure fails afterwards.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.engine == nil {
		return nil
	}
	err := c.engine.Close()
	c.engine, c.current = nil, nil
	return err
}

// ModelAvailable reports whether ref names a usable local model: an http(s)
// URL of a whisper-server or an existing regular file.
func ModelAvailable(ref string) bool {
	if IsServerModel(ref) {
		return true
	}
	fi, err := os.Stat(ref)
	return err == nil && fi.Mode().IsRegular()
}

// IsServerModel reports whether ref names a whisper-server rather than a
// model file.
func IsServerModel(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
