//go:build unit

package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-saga/saga/log"
	"github.com/LerianStudio/lib-saga/saga/message"
)

type fakeSink struct {
	mu     sync.Mutex
	parked []message.Envelope
}

func (sink *fakeSink) Park(_ context.Context, _ string, env message.Envelope) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	sink.parked = append(sink.parked, env)

	return nil
}

func (sink *fakeSink) count() int {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	return len(sink.parked)
}

func newEnvelope(t *testing.T) message.Envelope {
	t.Helper()

	env, err := message.NewCommand(uuid.NewString(), "reserve", []byte(`{"order_id":"o-1"}`))
	require.NoError(t, err)

	return env
}

func TestMemorySubscribe(t *testing.T) {
	t.Parallel()

	memory := NewMemory(Config{}, log.NewNop())
	handler := func(context.Context, message.Envelope) error { return nil }

	require.ErrorIs(t, memory.Subscribe("", handler), ErrDestinationRequired)
	require.ErrorIs(t, memory.Subscribe("svc.reserve", nil), ErrHandlerRequired)

	require.NoError(t, memory.Subscribe("svc.reserve", handler))
	require.ErrorIs(t, memory.Subscribe("svc.reserve", handler), ErrAlreadySubscribed)
}

func TestMemoryPublishAndDeliver(t *testing.T) {
	t.Parallel()

	memory := NewMemory(Config{}, log.NewNop())
	ctx := context.Background()

	var received []message.Envelope

	require.NoError(t, memory.Subscribe("svc.reserve", func(_ context.Context, env message.Envelope) error {
		received = append(received, env)

		return nil
	}))

	env := newEnvelope(t)
	require.NoError(t, memory.Publish(ctx, "svc.reserve", env.SagaID, env))
	require.Equal(t, 1, memory.QueueLen())

	delivered, err := memory.DeliverAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Len(t, received, 1)
	require.Equal(t, env.MessageID, received[0].MessageID)

	history := memory.PublishedTo("svc.reserve")
	require.Len(t, history, 1)
	require.Equal(t, env.SagaID, history[0].GroupKey)
}

func TestMemoryPublish_Validates(t *testing.T) {
	t.Parallel()

	memory := NewMemory(Config{}, log.NewNop())
	ctx := context.Background()
	env := newEnvelope(t)

	require.ErrorIs(t, memory.Publish(ctx, "", env.SagaID, env), ErrDestinationRequired)

	bad := env
	bad.SagaID = ""
	require.ErrorIs(t, memory.Publish(ctx, "svc.reserve", "", bad), message.ErrSagaIDRequired)

	memory.Close()
	require.ErrorIs(t, memory.Publish(ctx, "svc.reserve", env.SagaID, env), ErrTransportClosed)
}

func TestMemoryDeliverAll_PreservesOrder(t *testing.T) {
	t.Parallel()

	memory := NewMemory(Config{}, log.NewNop())
	ctx := context.Background()

	var order []string

	require.NoError(t, memory.Subscribe("svc.reserve", func(_ context.Context, env message.Envelope) error {
		order = append(order, env.StepName)

		return nil
	}))

	sagaID := uuid.NewString()

	for _, step := range []string{"first", "second", "third"} {
		env, err := message.NewCommand(sagaID, step, nil)
		require.NoError(t, err)
		require.NoError(t, memory.Publish(ctx, "svc.reserve", sagaID, env))
	}

	_, err := memory.DeliverAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestMemoryRedelivery_ParksAfterBudget(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	memory := NewMemory(Config{MaxReceiveCount: 3, Sink: sink}, log.NewNop())
	ctx := context.Background()

	attempts := make([]int, 0, 3)

	require.NoError(t, memory.Subscribe("svc.reserve", func(_ context.Context, env message.Envelope) error {
		attempts = append(attempts, env.Attempt)

		return errors.New("boom")
	}))

	env := newEnvelope(t)
	require.NoError(t, memory.Publish(ctx, "svc.reserve", env.SagaID, env))

	delivered, err := memory.DeliverAll(ctx)
	require.NoError(t, err)
	require.Zero(t, delivered)

	require.Equal(t, []int{1, 2, 3}, attempts)
	require.Equal(t, 1, sink.count())
	require.Equal(t, env.MessageID, sink.parked[0].MessageID)
	require.Equal(t, 3, sink.parked[0].Attempt)
}

func TestMemoryRedelivery_SucceedsBeforeBudget(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	memory := NewMemory(Config{MaxReceiveCount: 3, Sink: sink}, log.NewNop())
	ctx := context.Background()

	calls := 0

	require.NoError(t, memory.Subscribe("svc.reserve", func(context.Context, message.Envelope) error {
		calls++

		if calls < 2 {
			return errors.New("transient")
		}

		return nil
	}))

	env := newEnvelope(t)
	require.NoError(t, memory.Publish(ctx, "svc.reserve", env.SagaID, env))

	delivered, err := memory.DeliverAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Equal(t, 2, calls)
	require.Zero(t, sink.count())
}

func TestMemorySetSink(t *testing.T) {
	t.Parallel()

	memory := NewMemory(Config{MaxReceiveCount: 1}, log.NewNop())
	ctx := context.Background()

	require.NoError(t, memory.Subscribe("svc.reserve", func(context.Context, message.Envelope) error {
		return errors.New("boom")
	}))

	sink := &fakeSink{}
	memory.SetSink(sink)

	env := newEnvelope(t)
	require.NoError(t, memory.Publish(ctx, "svc.reserve", env.SagaID, env))

	_, err := memory.DeliverAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())
}

func TestMemoryDeliverAll_DropsUnsubscribedDestinations(t *testing.T) {
	t.Parallel()

	memory := NewMemory(Config{}, log.NewNop())
	ctx := context.Background()
	env := newEnvelope(t)

	require.NoError(t, memory.Publish(ctx, "svc.unknown", env.SagaID, env))

	delivered, err := memory.DeliverAll(ctx)
	require.NoError(t, err)
	require.Zero(t, delivered)
	require.Zero(t, memory.QueueLen())
}
