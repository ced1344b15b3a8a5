package deadletter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-saga/saga/message"
)

// ParkedMessage is a message that exhausted its delivery budget and was
// pulled out of the flow for inspection and manual replay.
type ParkedMessage struct {
	ID          uuid.UUID
	MessageID   string
	SagaID      string
	StepName    string
	Kind        message.Kind
	Destination string
	Payload     []byte
	Attempt     int
	LastError   string
	ParkedAt    time.Time
	ReplayedAt  *time.Time
}

// ParkedStore persists parked messages.
type ParkedStore interface {
	Save(ctx context.Context, parked *ParkedMessage) error
	Get(ctx context.Context, id uuid.UUID) (*ParkedMessage, error)
	// List returns parked messages not yet replayed, oldest first.
	List(ctx context.Context, limit int) ([]*ParkedMessage, error)
	MarkReplayed(ctx context.Context, id uuid.UUID, replayedAt time.Time) error
}

// MemoryParkedStore is an in-memory ParkedStore for tests.
type MemoryParkedStore struct {
	mu     sync.Mutex
	parked map[uuid.UUID]*ParkedMessage
}

var _ ParkedStore = (*MemoryParkedStore)(nil)

// NewMemoryParkedStore creates an empty in-memory parked-message store.
func NewMemoryParkedStore() *MemoryParkedStore {
	return &MemoryParkedStore{parked: make(map[uuid.UUID]*ParkedMessage)}
}

// Save stores a parked message.
func (store *MemoryParkedStore) Save(_ context.Context, parked *ParkedMessage) error {
	if parked == nil {
		return ErrParkedMessageRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	clone := *parked
	clone.Payload = append([]byte(nil), parked.Payload...)
	store.parked[parked.ID] = &clone

	return nil
}

// Get returns a copy of the parked message.
func (store *MemoryParkedStore) Get(_ context.Context, id uuid.UUID) (*ParkedMessage, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	parked, ok := store.parked[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrParkedMessageNotFound, id)
	}

	clone := *parked
	clone.Payload = append([]byte(nil), parked.Payload...)

	return &clone, nil
}

// List returns unreplayed parked messages, oldest first.
func (store *MemoryParkedStore) List(_ context.Context, limit int) ([]*ParkedMessage, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var result []*ParkedMessage

	for _, parked := range store.parked {
		if parked.ReplayedAt != nil {
			continue
		}

		clone := *parked
		clone.Payload = append([]byte(nil), parked.Payload...)
		result = append(result, &clone)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ParkedAt.Before(result[j].ParkedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// MarkReplayed stamps the parked message as replayed.
func (store *MemoryParkedStore) MarkReplayed(_ context.Context, id uuid.UUID, replayedAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	parked, ok := store.parked[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParkedMessageNotFound, id)
	}

	parked.ReplayedAt = &replayedAt

	return nil
}
