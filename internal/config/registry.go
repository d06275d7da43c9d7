package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration block.
type Factory func(ProviderConfig) (s2s.Provider, error)

// Registry maps provider names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the provider registered under cfg.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) Create(cfg ProviderConfig) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, cfg.Name)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", cfg.Name, err)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
