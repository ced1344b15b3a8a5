//go:build unit

package participant

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-saga/saga/idempotency"
	"github.com/LerianStudio/lib-saga/saga/message"
	"github.com/LerianStudio/lib-saga/saga/outbox"
)

type fakeExecutor struct {
	result  map[string]string
	execErr error
	compErr error

	executed    int
	compensated int
}

func (executor *fakeExecutor) Execute(context.Context, outbox.Tx, message.Envelope) (map[string]string, error) {
	executor.executed++

	if executor.execErr != nil {
		return nil, executor.execErr
	}

	return executor.result, nil
}

func (executor *fakeExecutor) Compensate(context.Context, outbox.Tx, message.Envelope) error {
	executor.compensated++

	return executor.compErr
}

type testAdapter struct {
	adapter  *Adapter
	executor *fakeExecutor
	ledger   *idempotency.MemoryLedger
	repo     *outbox.MemoryRepository
}

func newTestAdapter(t *testing.T, opts ...Option) *testAdapter {
	t.Helper()

	fixture := &testAdapter{
		executor: &fakeExecutor{result: map[string]string{"enrollment_id": "e-1"}},
		ledger:   idempotency.NewMemoryLedger(),
		repo:     outbox.NewMemoryRepository(),
	}

	adapter, err := New(Config{
		ConsumerName:     "enrollment-service",
		ReplyDestination: "saga.replies",
		Executor:         fixture.executor,
		UnitOfWork:       NopUnitOfWork{},
		Ledger:           fixture.ledger,
		Outbox:           fixture.repo,
	}, opts...)
	require.NoError(t, err)

	fixture.adapter = adapter

	return fixture
}

func commandEnvelope(t *testing.T) message.Envelope {
	t.Helper()

	env, err := message.NewCommand(uuid.NewString(), "create_enrollment", []byte(`{"student_id":"s-1"}`))
	require.NoError(t, err)

	return env
}

// replyOutcome drains the outbox and decodes the single stored reply.
func (fixture *testAdapter) replyOutcome(t *testing.T) (message.Envelope, message.StepOutcome) {
	t.Helper()

	events, err := fixture.repo.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "saga.replies", events[0].EventType)

	env, err := message.Decode(events[0].Payload)
	require.NoError(t, err)
	require.Equal(t, message.KindEvent, env.Kind)

	outcome, err := message.DecodeOutcome(env.Payload)
	require.NoError(t, err)

	return env, outcome
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	base := Config{
		ConsumerName:     "enrollment-service",
		ReplyDestination: "saga.replies",
		Executor:         &fakeExecutor{},
		UnitOfWork:       NopUnitOfWork{},
		Ledger:           idempotency.NewMemoryLedger(),
		Outbox:           outbox.NewMemoryRepository(),
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing consumer name", func(cfg *Config) { cfg.ConsumerName = " " }, ErrConsumerNameRequired},
		{"missing reply destination", func(cfg *Config) { cfg.ReplyDestination = "" }, ErrReplyDestinationRequired},
		{"missing executor", func(cfg *Config) { cfg.Executor = nil }, ErrExecutorRequired},
		{"missing unit of work", func(cfg *Config) { cfg.UnitOfWork = nil }, ErrUnitOfWorkRequired},
		{"missing ledger", func(cfg *Config) { cfg.Ledger = nil }, ErrLedgerRequired},
		{"missing outbox", func(cfg *Config) { cfg.Outbox = nil }, ErrOutboxRequired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := base
			tc.mutate(&cfg)

			_, err := New(cfg)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestHandleCommand_Success(t *testing.T) {
	t.Parallel()

	fixture := newTestAdapter(t)
	env := commandEnvelope(t)

	require.NoError(t, fixture.adapter.HandleCommand(context.Background(), env))
	require.Equal(t, 1, fixture.executor.executed)

	reply, outcome := fixture.replyOutcome(t)
	require.Equal(t, env.SagaID, reply.SagaID)
	require.Equal(t, "create_enrollment", reply.StepName)
	require.Equal(t, message.OutcomeCompleted, outcome.Outcome)
	require.Equal(t, map[string]string{"enrollment_id": "e-1"}, outcome.Result)
}

func TestHandleCommand_RejectionCommitsFailedOutcome(t *testing.T) {
	t.Parallel()

	fixture := newTestAdapter(t)
	fixture.executor.execErr = Reject("CAPACITY_EXCEEDED", "course is full")

	env := commandEnvelope(t)

	// A rejection is a handled outcome: the delivery is acknowledged.
	require.NoError(t, fixture.adapter.HandleCommand(context.Background(), env))

	_, outcome := fixture.replyOutcome(t)
	require.Equal(t, message.OutcomeFailed, outcome.Outcome)
	require.Equal(t, "CAPACITY_EXCEEDED", outcome.ErrorCode)
	require.Empty(t, outcome.Result)
}

func TestHandleCommand_InfrastructureErrorRequestsRedelivery(t *testing.T) {
	t.Parallel()

	fixture := newTestAdapter(t)
	fixture.executor.execErr = errors.New("db connection lost")

	env := commandEnvelope(t)

	err := fixture.adapter.HandleCommand(context.Background(), env)
	require.Error(t, err)

	// No outcome leaves the service while the step is unresolved.
	events, listErr := fixture.repo.ListPending(context.Background(), 10)
	require.NoError(t, listErr)
	require.Empty(t, events)

	// The redelivery executes again once the infrastructure recovers.
	fixture.executor.execErr = nil
	require.NoError(t, fixture.adapter.HandleCommand(context.Background(), env.NextAttempt()))
	require.Equal(t, 2, fixture.executor.executed)

	_, outcome := fixture.replyOutcome(t)
	require.Equal(t, message.OutcomeCompleted, outcome.Outcome)
}

func TestHandleCommand_DuplicateIsAbsorbed(t *testing.T) {
	t.Parallel()

	fixture := newTestAdapter(t)
	env := commandEnvelope(t)
	ctx := context.Background()

	require.NoError(t, fixture.adapter.HandleCommand(ctx, env))
	require.NoError(t, fixture.adapter.HandleCommand(ctx, env.NextAttempt()))

	require.Equal(t, 1, fixture.executor.executed)

	events, err := fixture.repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestHandleCommand_RejectsNonCommandEnvelopes(t *testing.T) {
	t.Parallel()

	fixture := newTestAdapter(t)

	event, err := message.NewEvent(uuid.NewString(), "create_enrollment", nil)
	require.NoError(t, err)

	require.ErrorIs(t, fixture.adapter.HandleCommand(context.Background(), event), ErrKindUnexpected)

	invalid := event
	invalid.SagaID = ""
	require.ErrorIs(t, fixture.adapter.HandleCommand(context.Background(), invalid), message.ErrSagaIDRequired)
}

func TestHandleCompensation_Success(t *testing.T) {
	t.Parallel()

	fixture := newTestAdapter(t)
	env := commandEnvelope(t)

	require.NoError(t, fixture.adapter.HandleCompensation(context.Background(), env))
	require.Equal(t, 1, fixture.executor.compensated)

	_, outcome := fixture.replyOutcome(t)
	require.Equal(t, message.OutcomeCompensated, outcome.Outcome)
}

func TestHandleCompensation_ErrorRequestsRedelivery(t *testing.T) {
	t.Parallel()

	fixture := newTestAdapter(t)

	// Even a rejection rolls a compensation back: there is no business
	// refusal path for undo, only retry until it commits or dead-letters.
	fixture.executor.compErr = Reject("CANNOT_UNDO", "enrollment already archived")

	env := commandEnvelope(t)
	require.Error(t, fixture.adapter.HandleCompensation(context.Background(), env))

	events, err := fixture.repo.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestHandleCompensation_DuplicateIsAbsorbed(t *testing.T) {
	t.Parallel()

	fixture := newTestAdapter(t)
	env := commandEnvelope(t)
	ctx := context.Background()

	require.NoError(t, fixture.adapter.HandleCompensation(ctx, env))
	require.NoError(t, fixture.adapter.HandleCompensation(ctx, env.NextAttempt()))

	require.Equal(t, 1, fixture.executor.compensated)
}

func TestWithCircuitBreaker_OpensOnInfrastructureErrors(t *testing.T) {
	t.Parallel()

	fixture := newTestAdapter(t, WithCircuitBreaker(gobreaker.Settings{
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))
	fixture.executor.execErr = errors.New("downstream unavailable")
	ctx := context.Background()

	require.Error(t, fixture.adapter.HandleCommand(ctx, commandEnvelope(t)))
	require.Error(t, fixture.adapter.HandleCommand(ctx, commandEnvelope(t)))
	require.Equal(t, 2, fixture.executor.executed)

	// The breaker is open now: the executor is no longer invoked.
	err := fixture.adapter.HandleCommand(ctx, commandEnvelope(t))
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, 2, fixture.executor.executed)
}

func TestWithCircuitBreaker_RejectionsDoNotTrip(t *testing.T) {
	t.Parallel()

	fixture := newTestAdapter(t, WithCircuitBreaker(gobreaker.Settings{
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))
	fixture.executor.execErr = Reject("CAPACITY_EXCEEDED", "course is full")
	ctx := context.Background()

	for range 5 {
		require.NoError(t, fixture.adapter.HandleCommand(ctx, commandEnvelope(t)))
	}

	require.Equal(t, 5, fixture.executor.executed)

	fixture.executor.execErr = nil
	require.NoError(t, fixture.adapter.HandleCommand(ctx, commandEnvelope(t)))
	require.Equal(t, 6, fixture.executor.executed)
}
