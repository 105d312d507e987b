package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/keybridge/errors"
)

// Registry holds the named managers of a running bridge. Nodes refer to sessions by
// name; the registry is the only owner and closes them on shutdown.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Add registers m under its name
func (r *Registry) Add(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[m.Name()]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: session %q already registered", errors.ErrInvalidConfig, m.Name()),
			"session.Registry", "Add", "register session")
	}
	r.managers[m.Name()] = m
	return nil
}

// Get returns the manager registered under name
func (r *Registry) Get(name string) (*Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.managers[name]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown session %q", errors.ErrMissingSession, name),
			"session.Registry", "Get", "lookup session")
	}
	return m, nil
}

// Names lists registered sessions in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.managers))
	for name := range r.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every manager concurrently and returns the first failure.
// Every manager is closed regardless of failures in the others.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, m := range managers {
		g.Go(func() error {
			return m.Close(ctx)
		})
	}
	return g.Wait()
}
