package endpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// FactoryFunc builds an endpoint from its configuration. Invalid
// configuration must be reported as an error wrapping types.ErrConfig.
type FactoryFunc func(ctx context.Context, cfg Config, logger zerolog.Logger) (Endpoint, error)

// Registry maps endpoint types to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FactoryFunc
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]FactoryFunc)}
}

// Register adds a factory for kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, fn FactoryFunc) error {
	if kind == "" || fn == nil {
		return fmt.Errorf("%w: endpoint kind and factory are required", types.ErrConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("%w: endpoint kind %q already registered", types.ErrConfig, kind)
	}
	r.factories[kind] = fn
	return nil
}

// Has reports whether kind has a factory.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds returns the registered endpoint kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build creates the endpoint described by cfg.
func (r *Registry) Build(ctx context.Context, cfg Config, logger zerolog.Logger) (Endpoint, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: endpoint name cannot be empty", types.ErrConfig)
	}
	r.mu.RLock()
	fn, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: endpoint %s has unknown type %q", types.ErrConfig, cfg.Name, cfg.Type)
	}
	ep, err := fn(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint %s: %w", cfg.Name, err)
	}
	return ep, nil
}
