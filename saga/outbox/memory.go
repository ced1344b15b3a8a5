package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository for tests and single-binary
// setups. It mirrors the claim semantics of the postgres implementation:
// ListPending moves returned events to PROCESSING.
type MemoryRepository struct {
	mu     sync.Mutex
	events map[uuid.UUID]*Event
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory outbox.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[uuid.UUID]*Event)}
}

// Create stores a new pending event.
func (repo *MemoryRepository) Create(_ context.Context, event *Event) (*Event, error) {
	if event == nil {
		return nil, ErrEventRequired
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	if _, ok := repo.events[event.ID]; ok {
		return nil, fmt.Errorf("outbox event %s already exists", event.ID)
	}

	stored := cloneEvent(event)
	repo.events[event.ID] = stored

	return cloneEvent(stored), nil
}

// CreateWithTx stores a new pending event, ignoring the transaction handle.
// The in-memory repository has no real transactionality; it exists so
// participant adapters can be exercised without a database.
func (repo *MemoryRepository) CreateWithTx(ctx context.Context, _ Tx, event *Event) (*Event, error) {
	return repo.Create(ctx, event)
}

// GetByID returns a copy of the stored event.
func (repo *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	return cloneEvent(event), nil
}

// ListPending claims up to limit pending events, oldest first, moving them to
// PROCESSING before returning.
func (repo *MemoryRepository) ListPending(_ context.Context, limit int) ([]*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	candidates := repo.selectByStatus(StatusPendingRaw, limit, func(event *Event) bool { return true })

	now := time.Now().UTC()
	claimed := make([]*Event, 0, len(candidates))

	for _, event := range candidates {
		event.Status = StatusProcessingRaw
		event.Attempts++
		event.UpdatedAt = now
		claimed = append(claimed, cloneEvent(event))
	}

	return claimed, nil
}

// MarkPublished finalizes a successfully delivered event.
func (repo *MemoryRepository) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	event.Status = StatusPublishedRaw
	event.PublishedAt = &publishedAt
	event.LastError = ""
	event.UpdatedAt = time.Now().UTC()

	return nil
}

// MarkFailed records a publish failure, invalidating the event once its
// attempt budget is spent.
func (repo *MemoryRepository) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	event.LastError = errMsg
	event.UpdatedAt = time.Now().UTC()

	if maxAttempts > 0 && event.Attempts >= maxAttempts {
		event.Status = StatusInvalidRaw

		return nil
	}

	event.Status = StatusFailedRaw

	return nil
}

// MarkInvalid permanently excludes an event from delivery.
func (repo *MemoryRepository) MarkInvalid(_ context.Context, id uuid.UUID, errMsg string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	event, ok := repo.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	event.Status = StatusInvalidRaw
	event.LastError = errMsg
	event.UpdatedAt = time.Now().UTC()

	return nil
}

// ResetForRetry reclaims aged FAILED events with remaining attempts.
func (repo *MemoryRepository) ResetForRetry(
	_ context.Context, limit int, failedBefore time.Time, maxAttempts int,
) ([]*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.reclaim(StatusFailedRaw, limit, failedBefore, maxAttempts), nil
}

// ResetStuckProcessing reclaims PROCESSING events older than the cutoff.
func (repo *MemoryRepository) ResetStuckProcessing(
	_ context.Context, limit int, processingBefore time.Time, maxAttempts int,
) ([]*Event, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.reclaim(StatusProcessingRaw, limit, processingBefore, maxAttempts), nil
}

// CountByStatus reports how many events hold the given status. Test helper.
func (repo *MemoryRepository) CountByStatus(status string) int {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	count := 0

	for _, event := range repo.events {
		if event.Status == status {
			count++
		}
	}

	return count
}

func (repo *MemoryRepository) reclaim(status string, limit int, updatedBefore time.Time, maxAttempts int) []*Event {
	candidates := repo.selectByStatus(status, limit, func(event *Event) bool {
		if !event.UpdatedAt.Before(updatedBefore) {
			return false
		}

		return maxAttempts <= 0 || event.Attempts < maxAttempts
	})

	now := time.Now().UTC()
	claimed := make([]*Event, 0, len(candidates))

	for _, event := range candidates {
		event.Status = StatusProcessingRaw
		event.Attempts++
		event.UpdatedAt = now
		claimed = append(claimed, cloneEvent(event))
	}

	return claimed
}

// selectByStatus returns up to limit matching events ordered by creation
// time. Caller must hold the lock.
func (repo *MemoryRepository) selectByStatus(status string, limit int, match func(*Event) bool) []*Event {
	var candidates []*Event

	for _, event := range repo.events {
		if event.Status == status && match(event) {
			candidates = append(candidates, event)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	return candidates
}

func cloneEvent(event *Event) *Event {
	if event == nil {
		return nil
	}

	clone := *event
	clone.Payload = append([]byte(nil), event.Payload...)

	if event.PublishedAt != nil {
		publishedAt := *event.PublishedAt
		clone.PublishedAt = &publishedAt
	}

	return &clone
}
