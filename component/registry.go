package component

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/c360/keybridge/errors"
)

// Info holds metadata about an available node type
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// Factory creates a node from its raw configuration. name is the instance name
// from the flow configuration. Factories parse their own config and must not do
// I/O; connections are made in Start or on first use.
type Factory func(name string, rawConfig json.RawMessage, deps Dependencies) (Discoverable, error)

// Registration holds factory and metadata for a node type
type Registration struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Version     string  `json:"version"`
	Factory     Factory `json:"-"`
}

// RegistrationConfig maps 1:1 to Registration.
type RegistrationConfig struct {
	Name        string  // Factory name used in flow configs ("put", "query", ...)
	Factory     Factory // Factory function to create instances
	Type        string  // Node category
	Description string  // Human-readable description
	Version     string  // Version (semver recommended)
}

// Registerable allows node packages to self-describe for registration
type Registerable interface {
	Registration() Registration
}

// Registry manages node factories and the instances created from them.
type Registry struct {
	factories map[string]*Registration
	instances map[string]Discoverable
	mu        sync.RWMutex
}

// NewRegistry creates a new empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]*Registration),
		instances: make(map[string]Discoverable),
	}
}

// RegisterFactory registers a factory under name. Names are unique.
func (r *Registry) RegisterFactory(name string, registration *Registration) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory name validation")
	}
	if registration == nil || registration.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory function validation")
	}
	if registration.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "node type validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: factory %q is already registered", errors.ErrInvalidConfig, name),
			"Registry", "RegisterFactory", "duplicate factory check")
	}
	r.factories[name] = registration
	return nil
}

// RegisterWithConfig registers a factory described by config.
func (r *Registry) RegisterWithConfig(config RegistrationConfig) error {
	return r.RegisterFactory(config.Name, &Registration{
		Name:        config.Name,
		Factory:     config.Factory,
		Type:        config.Type,
		Description: config.Description,
		Version:     config.Version,
	})
}

// CreateComponent validates rawConfig, runs the factory registered as
// factoryName and registers the result under instanceName.
func (r *Registry) CreateComponent(
	instanceName, factoryName string, rawConfig json.RawMessage, deps Dependencies,
) (Discoverable, error) {
	if err := ValidateComponentName(instanceName); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "instance name validation")
	}
	if err := ValidateFactoryConfig(rawConfig); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "config validation")
	}

	r.mu.RLock()
	registration, exists := r.factories[factoryName]
	r.mu.RUnlock()
	if !exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown node type %q (available: %v)", errors.ErrInvalidConfig, factoryName, r.ListComponentTypes()),
			"Registry", "CreateComponent", "factory lookup")
	}

	comp, err := registration.Factory(instanceName, rawConfig, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "factory execution")
	}
	if err := r.RegisterInstance(instanceName, comp); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "instance registration")
	}
	return comp, nil
}

// RegisterInstance registers a node instance under name. Names are unique.
func (r *Registry) RegisterInstance(name string, comp Discoverable) error {
	if name == "" || comp == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterInstance", "instance validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: instance %q is already registered", errors.ErrInvalidConfig, name),
			"Registry", "RegisterInstance", "duplicate instance check")
	}
	r.instances[name] = comp
	return nil
}

// UnregisterInstance removes a node instance from the registry
func (r *Registry) UnregisterInstance(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, name)
}

// ListComponents returns a copy of all registered instances
func (r *Registry) ListComponents() map[string]Discoverable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Discoverable, len(r.instances))
	maps.Copy(result, r.instances)
	return result
}

// Component retrieves an instance by name, or nil.
func (r *Registry) Component(name string) Discoverable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[name]
}

// ListComponentTypes returns the registered factory names in order
func (r *Registry) ListComponentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// GetFactory returns the factory registered as name
func (r *Registry) GetFactory(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registration, exists := r.factories[name]
	if !exists {
		return nil, false
	}
	return registration.Factory, true
}

// ListAvailable returns information about all available node types
func (r *Registry) ListAvailable() map[string]Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Info, len(r.factories))
	for name, registration := range r.factories {
		result[name] = Info{
			Type:        registration.Type,
			Description: registration.Description,
			Version:     registration.Version,
		}
	}
	return result
}
