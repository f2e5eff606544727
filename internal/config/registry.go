package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps implementation names to their constructor functions for
// each pluggable component. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]func(ProviderEntry) (live.Endpoint, error)
	input    map[string]func(ProviderEntry) (audio.InputDevice, error)
	output   map[string]func(ProviderEntry) (audio.OutputDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		endpoint: make(map[string]func(ProviderEntry) (live.Endpoint, error)),
		input:    make(map[string]func(ProviderEntry) (audio.InputDevice, error)),
		output:   make(map[string]func(ProviderEntry) (audio.OutputDevice, error)),
	}
}

// RegisterEndpoint registers a remote endpoint factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEndpoint(name string, factory func(ProviderEntry) (live.Endpoint, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoint[name] = factory
}

// RegisterInput registers an input device factory under name.
func (r *Registry) RegisterInput(name string, factory func(ProviderEntry) (audio.InputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers an output device factory under name.
func (r *Registry) RegisterOutput(name string, factory func(ProviderEntry) (audio.OutputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateEndpoint instantiates the endpoint registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateEndpoint(entry ProviderEntry) (live.Endpoint, error) {
	r.mu.RLock()
	factory, ok := r.endpoint[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: endpoint/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateInput instantiates the input device registered under entry.Name.
func (r *Registry) CreateInput(entry ProviderEntry) (audio.InputDevice, error) {
	r.mu.RLock()
	factory, ok := r.input[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateOutput instantiates the output device registered under entry.Name.
func (r *Registry) CreateOutput(entry ProviderEntry) (audio.OutputDevice, error) {
	r.mu.RLock()
	factory, ok := r.output[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// OptString returns the string option key, or "" if it is absent or not a
// string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptInt returns the integer option key, or def if it is absent or not a
// number. YAML integers decode as int; floats are truncated.
func (e ProviderEntry) OptInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// OptBool returns the boolean option key, or def if it is absent or not a
// bool.
func (e ProviderEntry) OptBool(key string, def bool) bool {
	if b, ok := e.Options[key].(bool); ok {
		return b
	}
	return def
}
