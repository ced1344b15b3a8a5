//go:build unit

package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-saga/saga/message"
)

type sentMessage struct {
	destination string
	groupKey    string
	env         message.Envelope
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{failFor: map[string]error{}}
}

func (sender *fakeSender) Publish(_ context.Context, destination, groupKey string, env message.Envelope) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()

	if err := sender.failFor[destination]; err != nil {
		return err
	}

	sender.sent = append(sender.sent, sentMessage{destination: destination, groupKey: groupKey, env: env})

	return nil
}

func (sender *fakeSender) sentTo(destination string) []message.Envelope {
	sender.mu.Lock()
	defer sender.mu.Unlock()

	var out []message.Envelope

	for _, msg := range sender.sent {
		if msg.destination == destination {
			out = append(out, msg.env)
		}
	}

	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	return clock.now
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	clock.now = clock.now.Add(d)
}

func shippingDefinition() Definition {
	return Definition{
		SagaType: "order_shipping",
		Steps: []Step{
			{Name: "reserve", Command: "svc.reserve", CompensationCommand: "svc.release"},
			{Name: "charge", Command: "svc.charge", CompensationCommand: "svc.refund"},
			{Name: "ship", Command: "svc.ship", CompensationCommand: "svc.unship"},
			{Name: "notify", Command: "svc.notify", BestEffort: true},
		},
	}
}

func newTestOrchestrator(t *testing.T, opts ...OrchestratorOption) (*Orchestrator, *MemoryStore, *fakeSender, *fakeClock) {
	t.Helper()

	registry := NewRegistry()
	require.NoError(t, registry.Register(shippingDefinition()))

	store := NewMemoryStore()
	sender := newFakeSender()
	clock := newFakeClock()

	orchestrator, err := NewOrchestrator(registry, store, sender,
		append([]OrchestratorOption{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)

	return orchestrator, store, sender, clock
}

func TestNewOrchestrator_RequiresDependencies(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	store := NewMemoryStore()
	sender := newFakeSender()

	_, err := NewOrchestrator(nil, store, sender)
	require.ErrorIs(t, err, ErrRegistryRequired)

	_, err = NewOrchestrator(registry, nil, sender)
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewOrchestrator(registry, store, nil)
	require.ErrorIs(t, err, ErrSenderRequired)
}

func TestStartSaga_UnknownType(t *testing.T) {
	t.Parallel()

	orchestrator, _, _, _ := newTestOrchestrator(t)

	_, err := orchestrator.StartSaga(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownSagaType)
}

func TestStartSaga_IssuesFirstCommand(t *testing.T) {
	t.Parallel()

	orchestrator, store, sender, _ := newTestOrchestrator(t)

	sagaID, err := orchestrator.StartSaga(context.Background(), "order_shipping", map[string]string{"order_id": "o-1"})
	require.NoError(t, err)

	instance, err := store.Get(context.Background(), sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, instance.Status)
	require.Equal(t, 0, instance.CurrentStep)
	require.NotNil(t, instance.StepDeadline)

	commands := sender.sentTo("svc.reserve")
	require.Len(t, commands, 1)
	require.Equal(t, message.KindCommand, commands[0].Kind)
	require.Equal(t, sagaID.String(), commands[0].SagaID)
	require.Equal(t, "reserve", commands[0].StepName)
	require.JSONEq(t, `{"order_id":"o-1"}`, string(commands[0].Payload))
}

func TestStartSaga_DispatchFailureFailsInstance(t *testing.T) {
	t.Parallel()

	orchestrator, store, sender, _ := newTestOrchestrator(t)
	sender.failFor["svc.reserve"] = errors.New("broker down")

	sagaID, err := orchestrator.StartSaga(context.Background(), "order_shipping", nil)
	require.Error(t, err)
	require.NotEqual(t, uuid.Nil, sagaID)

	instance, err := store.Get(context.Background(), sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, instance.Status)
}

func TestHappyPath_CompletesAndPublishesLifecycle(t *testing.T) {
	t.Parallel()

	orchestrator, store, sender, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", map[string]string{"order_id": "o-2"})
	require.NoError(t, err)

	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "reserve", map[string]string{"reservation_id": "r-1"}))
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "charge", map[string]string{"charge_id": "c-1"}))
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "ship", nil))
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "notify", nil))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, instance.Status)
	require.Equal(t, []string{"reserve", "charge", "ship", "notify"}, instance.CompletedSteps)
	require.Equal(t, "r-1", instance.Context["reservation_id"])
	require.Equal(t, "c-1", instance.Context["charge_id"])
	require.Nil(t, instance.StepDeadline)

	// Each completion dispatched the next command before anything else.
	require.Len(t, sender.sentTo("svc.charge"), 1)
	require.Len(t, sender.sentTo("svc.ship"), 1)
	require.Len(t, sender.sentTo("svc.notify"), 1)

	lifecycle := sender.sentTo("saga.lifecycle")
	require.Len(t, lifecycle, 1)
	require.Contains(t, string(lifecycle[0].Payload), `"COMPLETED"`)
}

func TestHandleStepCompleted_DuplicateIsNoOp(t *testing.T) {
	t.Parallel()

	orchestrator, store, sender, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)

	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "reserve", nil))
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "reserve", nil))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, 1, instance.CurrentStep)
	require.Len(t, sender.sentTo("svc.charge"), 1)
}

func TestHandleStepCompleted_OutOfOrderIsDropped(t *testing.T) {
	t.Parallel()

	orchestrator, store, sender, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)

	// ship is not the current step; the completion must not advance anything.
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "ship", nil))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, 0, instance.CurrentStep)
	require.Empty(t, instance.CompletedSteps)
	require.Empty(t, sender.sentTo("svc.ship"))
}

func TestHandleStepFailed_CompensatesInReverseOrder(t *testing.T) {
	t.Parallel()

	orchestrator, store, sender, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)

	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "reserve", nil))
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "charge", nil))
	require.NoError(t, orchestrator.HandleStepFailed(ctx, sagaID, "ship", "NO_CARRIER"))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensating, instance.Status)
	require.Equal(t, []string{"charge", "reserve"}, instance.PendingCompensations)
	require.Equal(t, "NO_CARRIER", instance.LastError)

	// Only the head compensation is outstanding.
	require.Len(t, sender.sentTo("svc.refund"), 1)
	require.Empty(t, sender.sentTo("svc.release"))

	require.NoError(t, orchestrator.HandleCompensationCompleted(ctx, sagaID, "charge"))
	require.Len(t, sender.sentTo("svc.release"), 1)

	require.NoError(t, orchestrator.HandleCompensationCompleted(ctx, sagaID, "reserve"))

	instance, err = store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, instance.Status)
	require.Empty(t, instance.PendingCompensations)

	lifecycle := sender.sentTo("saga.lifecycle")
	require.Len(t, lifecycle, 1)
	require.Contains(t, string(lifecycle[0].Payload), `"COMPENSATED"`)
}

func TestHandleStepFailed_FirstStepCompensatesNothing(t *testing.T) {
	t.Parallel()

	orchestrator, store, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)

	require.NoError(t, orchestrator.HandleStepFailed(ctx, sagaID, "reserve", "OUT_OF_STOCK"))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, instance.Status)
	require.Equal(t, "OUT_OF_STOCK", instance.LastError)
}

func TestHandleStepFailed_BestEffortSoftSucceeds(t *testing.T) {
	t.Parallel()

	orchestrator, store, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)

	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "reserve", nil))
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "charge", nil))
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "ship", nil))
	require.NoError(t, orchestrator.HandleStepFailed(ctx, sagaID, "notify", "SMTP_DOWN"))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, instance.Status)
	require.Contains(t, instance.CompletedSteps, "notify")
}

func TestHandleStepFailed_AfterTerminalIsNoOp(t *testing.T) {
	t.Parallel()

	orchestrator, store, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)
	require.NoError(t, orchestrator.HandleStepFailed(ctx, sagaID, "reserve", "OUT_OF_STOCK"))

	// The saga is already COMPENSATED; a redelivered failure changes nothing.
	require.NoError(t, orchestrator.HandleStepFailed(ctx, sagaID, "reserve", "OUT_OF_STOCK"))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, instance.Status)
}

func TestHandleCompensationCompleted_OutOfOrderIsDropped(t *testing.T) {
	t.Parallel()

	orchestrator, store, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)

	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "reserve", nil))
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "charge", nil))
	require.NoError(t, orchestrator.HandleStepFailed(ctx, sagaID, "ship", "NO_CARRIER"))

	// reserve is second in line; only charge may complete now.
	require.NoError(t, orchestrator.HandleCompensationCompleted(ctx, sagaID, "reserve"))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, []string{"charge", "reserve"}, instance.PendingCompensations)
}

func TestHandleStepTimeout_CompensatesExpiredStep(t *testing.T) {
	t.Parallel()

	orchestrator, store, sender, clock := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "reserve", nil))

	// Deadline not reached yet: nothing happens.
	require.NoError(t, orchestrator.HandleStepTimeout(ctx, sagaID))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, instance.Status)

	clock.Advance(DefaultStepTimeout + time.Second)
	require.NoError(t, orchestrator.HandleStepTimeout(ctx, sagaID))

	instance, err = store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensating, instance.Status)
	require.Equal(t, []string{"reserve"}, instance.PendingCompensations)
	require.Len(t, sender.sentTo("svc.release"), 1)
}

func TestHandleStepTimeout_ResendsCompensationThenFails(t *testing.T) {
	t.Parallel()

	orchestrator, store, sender, clock := newTestOrchestrator(t, WithMaxCompensationResends(2))
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)
	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "reserve", nil))
	require.NoError(t, orchestrator.HandleStepFailed(ctx, sagaID, "charge", "CARD_DECLINED"))

	for resend := 1; resend <= 2; resend++ {
		clock.Advance(DefaultStepTimeout + time.Second)
		require.NoError(t, orchestrator.HandleStepTimeout(ctx, sagaID))

		instance, getErr := store.Get(ctx, sagaID)
		require.NoError(t, getErr)
		require.Equal(t, StatusCompensating, instance.Status)
		require.Equal(t, resend, instance.ResendAttempts)
		require.Len(t, sender.sentTo("svc.release"), 1+resend)
	}

	clock.Advance(DefaultStepTimeout + time.Second)
	require.NoError(t, orchestrator.HandleStepTimeout(ctx, sagaID))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, instance.Status)
}

func TestEscalateDeadLetter_OnlyFailsCompensatingSagas(t *testing.T) {
	t.Parallel()

	orchestrator, store, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)

	// Forward flow: escalation is a no-op, the timeout path owns recovery.
	require.NoError(t, orchestrator.EscalateDeadLetter(ctx, sagaID, "command dead-lettered"))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, instance.Status)

	require.NoError(t, orchestrator.HandleStepCompleted(ctx, sagaID, "reserve", nil))
	require.NoError(t, orchestrator.HandleStepFailed(ctx, sagaID, "charge", "CARD_DECLINED"))
	require.NoError(t, orchestrator.EscalateDeadLetter(ctx, sagaID, "compensation dead-lettered"))

	instance, err = store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, instance.Status)
	require.Equal(t, "compensation dead-lettered", instance.LastError)
}

func TestHandleMessage_RoutesOutcomes(t *testing.T) {
	t.Parallel()

	orchestrator, store, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sagaID, err := orchestrator.StartSaga(ctx, "order_shipping", nil)
	require.NoError(t, err)

	payload, err := message.EncodeOutcome(message.StepOutcome{
		Outcome: message.OutcomeCompleted,
		Result:  map[string]string{"reservation_id": "r-9"},
	})
	require.NoError(t, err)

	env, err := message.NewEvent(sagaID.String(), "reserve", payload)
	require.NoError(t, err)

	require.NoError(t, orchestrator.HandleMessage(ctx, env))

	instance, err := store.Get(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, []string{"reserve"}, instance.CompletedSteps)
	require.Equal(t, "r-9", instance.Context["reservation_id"])
}

func TestHandleMessage_RejectsBadEnvelopes(t *testing.T) {
	t.Parallel()

	orchestrator, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	command, err := message.NewCommand(uuid.NewString(), "reserve", nil)
	require.NoError(t, err)
	require.Error(t, orchestrator.HandleMessage(ctx, command))

	env, err := message.NewEvent(uuid.NewString(), "reserve", []byte(`{"outcome":"nonsense"}`))
	require.NoError(t, err)
	require.Error(t, orchestrator.HandleMessage(ctx, env))

	env.SagaID = "not-a-uuid"
	require.Error(t, orchestrator.HandleMessage(ctx, env))
}

func TestConcurrentSagas_AdvanceIndependently(t *testing.T) {
	t.Parallel()

	orchestrator, store, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	const sagas = 20

	ids := make([]uuid.UUID, sagas)

	for i := range sagas {
		id, err := orchestrator.StartSaga(ctx, "order_shipping", map[string]string{"order_id": fmt.Sprintf("o-%d", i)})
		require.NoError(t, err)

		ids[i] = id
	}

	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for _, step := range []string{"reserve", "charge", "ship", "notify"} {
				_ = orchestrator.HandleStepCompleted(ctx, id, step, nil)
			}
		}()
	}

	wg.Wait()

	for _, id := range ids {
		instance, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, instance.Status)
	}
}
