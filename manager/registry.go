package manager

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
)

// Factory builds an endpoint from its file configuration
type Factory func(cfg config.EndpointConfig, deps endpoint.Deps) (Endpoint, error)

// Registry maps endpoint types to factories
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty factory registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register registers a factory for an endpoint type
func (r *Registry) Register(typ string, factory Factory) error {
	if typ == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: endpoint type cannot be empty", errors.ErrInvalidConfig),
			"Registry", "Register", "type check")
	}
	if factory == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: factory for %q cannot be nil", errors.ErrInvalidConfig, typ),
			"Registry", "Register", "factory check")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: endpoint type %s already registered", errors.ErrInvalidConfig, typ),
			"Registry", "Register", "duplicate check")
	}

	r.factories[typ] = factory
	return nil
}

// Factory returns the factory for the given endpoint type
func (r *Registry) Factory(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[typ]
	return factory, exists
}

// Types returns all registered endpoint types, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	slices.Sort(types)
	return types
}
