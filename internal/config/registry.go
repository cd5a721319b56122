package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tiflis-io/tiflis-code/internal/history"
)

// ErrDriverNotRegistered is returned by [Registry.CreateStore] when no
// factory has been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: store driver not registered")

// StoreFactory constructs a history store from the history section. The
// factory owns DSN/path interpretation for its driver.
type StoreFactory func(ctx context.Context, cfg HistoryConfig) (history.Store, error)

// Registry maps history driver names to their store factories so the sqlite
// and postgres packages stay out of this package's imports. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]StoreFactory)}
}

// RegisterStore registers a store factory under a driver name. Subsequent
// calls with the same name overwrite the previous registration.
func (r *Registry) RegisterStore(name string, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = factory
}

// Drivers returns the registered driver names, for error messages.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	return names
}

// CreateStore instantiates the history store selected by cfg.Driver.
// Returns [ErrDriverNotRegistered] if no factory is registered for it.
func (r *Registry) CreateStore(ctx context.Context, cfg HistoryConfig) (history.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrDriverNotRegistered, cfg.Driver, r.Drivers())
	}
	return factory(ctx, cfg)
}
