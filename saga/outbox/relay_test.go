//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-saga/saga/message"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedRecord
	failures  int
	failWith  error
}

type publishedRecord struct {
	destination string
	groupKey    string
	env         message.Envelope
}

func (publisher *fakePublisher) Publish(_ context.Context, destination, groupKey string, env message.Envelope) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	if publisher.failures > 0 {
		publisher.failures--

		return publisher.failWith
	}

	publisher.published = append(publisher.published, publishedRecord{
		destination: destination,
		groupKey:    groupKey,
		env:         env,
	})

	return nil
}

func (publisher *fakePublisher) count() int {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	return len(publisher.published)
}

func storedEnvelopeEvent(t *testing.T, repo *MemoryRepository, destination string) (*Event, message.Envelope) {
	t.Helper()

	sagaID := uuid.New()

	env, err := message.NewEvent(sagaID.String(), "reserve", []byte(`{"outcome":"completed"}`))
	require.NoError(t, err)

	raw, err := env.Encode()
	require.NoError(t, err)

	event, err := NewEvent(destination, sagaID, raw)
	require.NoError(t, err)

	stored, err := repo.Create(context.Background(), event)
	require.NoError(t, err)

	return stored, env
}

func TestNewRelay_RequiresDependencies(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()

	_, err := NewRelay(nil, &fakePublisher{})
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewRelay(repo, nil)
	require.ErrorIs(t, err, ErrPublisherRequired)
}

func TestDispatchOnce_PublishesPendingEvents(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	publisher := &fakePublisher{}
	ctx := context.Background()

	relay, err := NewRelay(repo, publisher)
	require.NoError(t, err)

	event, env := storedEnvelopeEvent(t, repo, "saga.replies")

	result := relay.DispatchOnceResult(ctx)
	require.Equal(t, DispatchResult{Processed: 1, Published: 1}, result)

	require.Equal(t, 1, publisher.count())
	require.Equal(t, "saga.replies", publisher.published[0].destination)
	require.Equal(t, event.AggregateID.String(), publisher.published[0].groupKey)
	require.Equal(t, env.MessageID, publisher.published[0].env.MessageID)

	loaded, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPublishedRaw, loaded.Status)
	require.NotNil(t, loaded.PublishedAt)

	// Nothing left for the next cycle.
	require.Zero(t, relay.DispatchOnce(ctx))
}

func TestDispatchOnce_RetriesWithinCycle(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	publisher := &fakePublisher{failures: 1, failWith: errors.New("transient")}
	ctx := context.Background()

	relay, err := NewRelay(repo, publisher,
		WithPublishMaxAttempts(2),
		WithPublishBackoff(time.Millisecond))
	require.NoError(t, err)

	event, _ := storedEnvelopeEvent(t, repo, "saga.replies")

	result := relay.DispatchOnceResult(ctx)
	require.Equal(t, 1, result.Published)

	loaded, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPublishedRaw, loaded.Status)
}

func TestDispatchOnce_MarksFailedOnPublishError(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	publisher := &fakePublisher{failures: 10, failWith: errors.New("broker down")}
	ctx := context.Background()

	relay, err := NewRelay(repo, publisher,
		WithPublishMaxAttempts(1),
		WithPublishBackoff(time.Millisecond))
	require.NoError(t, err)

	event, _ := storedEnvelopeEvent(t, repo, "saga.replies")

	result := relay.DispatchOnceResult(ctx)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Published)

	loaded, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailedRaw, loaded.Status)
	require.Contains(t, loaded.LastError, "broker down")
}

func TestDispatchOnce_ReclaimsFailedAfterRetryWindow(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	publisher := &fakePublisher{failures: 1, failWith: errors.New("broker down")}
	ctx := context.Background()

	relay, err := NewRelay(repo, publisher,
		WithPublishMaxAttempts(1),
		WithPublishBackoff(time.Millisecond),
		WithRetryWindow(time.Millisecond))
	require.NoError(t, err)

	event, _ := storedEnvelopeEvent(t, repo, "saga.replies")

	require.Equal(t, 1, relay.DispatchOnceResult(ctx).Failed)

	time.Sleep(5 * time.Millisecond)

	// The broker recovered; the reclaimed event publishes this cycle.
	result := relay.DispatchOnceResult(ctx)
	require.Equal(t, 1, result.Published)

	loaded, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPublishedRaw, loaded.Status)
	require.Equal(t, 2, loaded.Attempts)
}

func TestDispatchOnce_InvalidatesMalformedPayload(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	publisher := &fakePublisher{}
	ctx := context.Background()

	relay, err := NewRelay(repo, publisher,
		WithPublishMaxAttempts(1),
		WithPublishBackoff(time.Millisecond))
	require.NoError(t, err)

	// Bypass the constructor validation to simulate a corrupted stored row.
	now := time.Now().UTC()
	corrupted := &Event{
		ID:          uuid.New(),
		EventType:   "saga.replies",
		AggregateID: uuid.New(),
		Payload:     []byte(`not an envelope`),
		Status:      StatusPendingRaw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = repo.Create(ctx, corrupted)
	require.NoError(t, err)

	result := relay.DispatchOnceResult(ctx)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, publisher.count())

	loaded, err := repo.GetByID(ctx, corrupted.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInvalidRaw, loaded.Status)
}

func TestDispatchOnce_ClassifierRoutesToInvalid(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	permanent := errors.New("unroutable destination")
	publisher := &fakePublisher{failures: 1, failWith: permanent}
	ctx := context.Background()

	relay, err := NewRelay(repo, publisher,
		WithPublishMaxAttempts(3),
		WithPublishBackoff(time.Millisecond),
		WithRetryClassifier(RetryClassifierFunc(func(err error) bool {
			return errors.Is(err, permanent)
		})))
	require.NoError(t, err)

	event, _ := storedEnvelopeEvent(t, repo, "saga.replies")

	result := relay.DispatchOnceResult(ctx)
	require.Equal(t, 1, result.Failed)

	loaded, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInvalidRaw, loaded.Status)
}

func TestDispatchOnce_RespectsBatchSize(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	publisher := &fakePublisher{}
	ctx := context.Background()

	relay, err := NewRelay(repo, publisher, WithBatchSize(2))
	require.NoError(t, err)

	for range 5 {
		storedEnvelopeEvent(t, repo, "saga.replies")
	}

	require.Equal(t, 2, relay.DispatchOnce(ctx))
	require.Equal(t, 2, relay.DispatchOnce(ctx))
	require.Equal(t, 1, relay.DispatchOnce(ctx))
}

func TestRelayRun_RejectsSecondRun(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	publisher := &fakePublisher{}

	relay, err := NewRelay(repo, publisher, WithDispatchInterval(10*time.Millisecond))
	require.NoError(t, err)

	errs := make(chan error, 1)

	go func() {
		errs <- relay.Run(nil)
	}()

	require.Eventually(t, func() bool {
		return errors.Is(relay.RunContext(context.Background(), nil), ErrRelayRunning)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, relay.Shutdown(context.Background()))
	require.NoError(t, <-errs)
}
