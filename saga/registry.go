package saga

import (
	"fmt"
	"sync"
)

// Registry stores saga definitions by saga type.
//
// Definitions are registered at startup and never mutated afterwards; Lookup
// is safe for concurrent use by orchestrator instances.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{definitions: map[string]Definition{}}
}

// Register validates and stores a definition. Registering the same saga type
// twice is an error.
func (registry *Registry) Register(def Definition) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.definitions == nil {
		registry.definitions = make(map[string]Definition)
	}

	if _, exists := registry.definitions[def.SagaType]; exists {
		return fmt.Errorf("%w: %s", ErrDefinitionRegistered, def.SagaType)
	}

	registry.definitions[def.SagaType] = def

	return nil
}

// Lookup returns the definition for a saga type.
func (registry *Registry) Lookup(sagaType string) (Definition, error) {
	if registry == nil {
		return Definition{}, ErrRegistryRequired
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	def, ok := registry.definitions[sagaType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}

	return def, nil
}
