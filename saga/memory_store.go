package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory InstanceStore for tests and single-process use.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[uuid.UUID]*Instance
}

var _ InstanceStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: map[uuid.UUID]*Instance{}}
}

// Create stores a new instance at version 1.
func (store *MemoryStore) Create(_ context.Context, instance *Instance) error {
	if instance == nil {
		return ErrInstanceRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, exists := store.instances[instance.ID]; exists {
		return fmt.Errorf("%w: %s", ErrInstanceExists, instance.ID)
	}

	instance.Version = 1
	store.instances[instance.ID] = instance.Clone()

	return nil
}

// Get returns a copy of the stored instance.
func (store *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Instance, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	instance, ok := store.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	return instance.Clone(), nil
}

// Update replaces the stored instance if the caller holds the current version.
func (store *MemoryStore) Update(_ context.Context, instance *Instance) error {
	if instance == nil {
		return ErrInstanceRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.instances[instance.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instance.ID)
	}

	if stored.Version != instance.Version {
		return fmt.Errorf("%w: %s (have %d, want %d)",
			ErrInstanceStale, instance.ID, instance.Version, stored.Version)
	}

	instance.Version++
	instance.UpdatedAt = time.Now().UTC()
	store.instances[instance.ID] = instance.Clone()

	return nil
}

// ListExpired returns non-terminal instances with a deadline before the given
// time, oldest deadline first.
func (store *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Instance, error) {
	if limit <= 0 {
		return nil, nil
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	var expired []*Instance

	for _, instance := range store.instances {
		if instance.Terminal() || instance.StepDeadline == nil {
			continue
		}

		if instance.StepDeadline.Before(before) {
			expired = append(expired, instance.Clone())
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].StepDeadline.Before(*expired[j].StepDeadline)
	})

	if len(expired) > limit {
		expired = expired[:limit]
	}

	return expired, nil
}
