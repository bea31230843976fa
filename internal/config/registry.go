package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/waypoint/pkg/provider/llm"
	"github.com/MrWong99/waypoint/pkg/provider/voice"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	llm   map[string]func(ProviderEntry) (llm.Provider, error)
	voice map[string]func(ProviderEntry) (voice.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:   make(map[string]func(ProviderEntry) (llm.Provider, error)),
		voice: make(map[string]func(ProviderEntry) (voice.Provider, error)),
	}
}

// RegisterLLM registers a reasoning provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterVoice registers a speech credential provider factory under name.
func (r *Registry) RegisterVoice(name string, factory func(ProviderEntry) (voice.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice[name] = factory
}

// CreateLLM instantiates a reasoning provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVoice instantiates a speech credential provider using the factory
// registered under entry.Name.
func (r *Registry) CreateVoice(entry ProviderEntry) (voice.Provider, error) {
	r.mu.RLock()
	factory, ok := r.voice[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voice/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// LLMNames returns the registered reasoning provider names in sorted order.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llm))
	for n := range r.llm {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
