package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrWatcherStopped is returned by [Watcher.Reload] after Stop.
var ErrWatcherStopped = errors.New("config: watcher stopped")

// Watcher polls a config file and hands every valid new version to a
// callback. Polls, forced reloads and callbacks all run on the watcher's own
// goroutine, so onChange calls never overlap. A file that fails to load is
// reported and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)

	mu      sync.Mutex
	current *Config

	// Owned by the loop goroutine. rejected is the mtime of the last version
	// that failed to load; it is not retried until the file changes again.
	seen     fileState
	rejected time.Time

	reload   chan chan error
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the file. The mtime is a cheap first
// test; the digest decides.
type fileState struct {
	mtime  time.Time
	digest [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithErrorHandler is called with every failed load after the first one.
// Default: log a warning.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path and starts polling it. The initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		reload:   make(chan chan error),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	w.onError = func(err error) {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, st

	go w.loop()
	return w, nil
}

// Current returns the most recent valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file now, even if its mtime is unchanged, and returns
// once any resulting onChange call has finished. It returns the load error,
// if any.
func (w *Watcher) Reload() error {
	done := make(chan error, 1)
	select {
	case w.reload <- done:
		return <-done
	case <-w.stopped:
		return ErrWatcherStopped
	}
}

// Stop ends polling and waits for an in-flight callback to return. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.poll(false); err != nil {
				w.onError(err)
			}
		case done := <-w.reload:
			err := w.poll(true)
			if err != nil {
				w.onError(err)
			}
			done <- err
		}
	}
}

// poll loads the file if it may have changed and publishes a new version.
func (w *Watcher) poll(force bool) error {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		if mt := info.ModTime(); mt.Equal(w.seen.mtime) || mt.Equal(w.rejected) {
			return nil
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		if info, serr := os.Stat(w.path); serr == nil {
			w.rejected = info.ModTime()
		}
		return err
	}
	w.rejected = time.Time{}
	if st.digest == w.seen.digest {
		w.seen.mtime = st.mtime
		return nil
	}
	w.seen = st

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

// read loads and validates the file. The digest covers the raw bytes.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), digest: sha256.Sum256(data)}, nil
}
