package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/keyscribe/pkg/audio"
	"github.com/MrWong99/keyscribe/pkg/provider/stt/service"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names to constructors for the daemon's pluggable
// collaborators. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognizers map[string]func(ProviderEntry) (service.Recognizer, error)
	captures    map[string]func(AudioConfig) (audio.Capture, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizers: make(map[string]func(ProviderEntry) (service.Recognizer, error)),
		captures:    make(map[string]func(AudioConfig) (audio.Capture, error)),
	}
}

// RegisterRecognizer registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory func(ProviderEntry) (service.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// RegisterCapture registers an audio capture factory under name.
func (r *Registry) RegisterCapture(name string, factory func(AudioConfig) (audio.Capture, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures[name] = factory
}

// CreateRecognizer instantiates the recognizer registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered.
func (r *Registry) CreateRecognizer(entry ProviderEntry) (service.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates the capture registered under cfg.Capture.
func (r *Registry) CreateCapture(cfg AudioConfig) (audio.Capture, error) {
	r.mu.RLock()
	factory, ok := r.captures[cfg.Capture]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Capture)
	}
	return factory(cfg)
}

// RecognizerNames returns the registered recognizer names, sorted.
func (r *Registry) RecognizerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.recognizers))
	for n := range r.recognizers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
