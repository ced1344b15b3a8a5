package sagatest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LerianStudio/lib-saga/saga"
	"github.com/LerianStudio/lib-saga/saga/deadletter"
	"github.com/LerianStudio/lib-saga/saga/idempotency"
	"github.com/LerianStudio/lib-saga/saga/log"
	"github.com/LerianStudio/lib-saga/saga/outbox"
	"github.com/LerianStudio/lib-saga/saga/participant"
	"github.com/LerianStudio/lib-saga/saga/transport"
)

// defaultMaxRounds bounds RunToTerminal pump iterations.
const defaultMaxRounds = 100

// Harness is a fully wired in-memory enrollment saga. Participants write
// their replies through the outbox, so a test drives progress by alternating
// transport delivery and relay dispatch via RunToTerminal.
type Harness struct {
	Registry     *saga.Registry
	Store        *saga.MemoryStore
	Transport    *transport.Memory
	Outbox       *outbox.MemoryRepository
	Relay        *outbox.Relay
	Orchestrator *saga.Orchestrator
	Parked       *deadletter.MemoryParkedStore
	DeadLetters  *deadletter.Handler

	Enrollment *EnrollmentService
	Capacity   *CapacityService
	Fees       *FeeService
	Notify     *NotifyService
}

// HarnessOption tweaks harness construction.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	logger        log.Logger
	capacityLimit int
	taxRate       decimal.Decimal
	sagaOpts      []saga.OrchestratorOption
}

// WithLogger routes all component logs through the given logger.
func WithLogger(logger log.Logger) HarnessOption {
	return func(cfg *harnessConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithCapacityLimit overrides the per-course seat limit (default 2).
func WithCapacityLimit(limit int) HarnessOption {
	return func(cfg *harnessConfig) {
		if limit > 0 {
			cfg.capacityLimit = limit
		}
	}
}

// WithOrchestratorOptions forwards extra options to the orchestrator, e.g. a
// test clock.
func WithOrchestratorOptions(opts ...saga.OrchestratorOption) HarnessOption {
	return func(cfg *harnessConfig) {
		cfg.sagaOpts = append(cfg.sagaOpts, opts...)
	}
}

// NewHarness builds the enrollment saga fixture.
func NewHarness(opts ...HarnessOption) (*Harness, error) {
	cfg := harnessConfig{
		logger:        log.NewNop(),
		capacityLimit: 2,
		taxRate:       decimal.NewFromFloat(0.07),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	harness := &Harness{
		Registry:   saga.NewRegistry(),
		Store:      saga.NewMemoryStore(),
		Outbox:     outbox.NewMemoryRepository(),
		Parked:     deadletter.NewMemoryParkedStore(),
		Enrollment: NewEnrollmentService(),
		Capacity:   NewCapacityService(cfg.capacityLimit),
		Fees:       NewFeeService(cfg.taxRate),
		Notify:     NewNotifyService(),
	}

	if err := harness.Registry.Register(Definition()); err != nil {
		return nil, err
	}

	// The transport's sink is wired after the handler exists; a two-phase
	// setup because the dead-letter handler publishes replays through the
	// same transport.
	transportCfg := transport.Config{}
	harness.Transport = transport.NewMemory(transportCfg, cfg.logger)

	orchestrator, err := saga.NewOrchestrator(
		harness.Registry,
		harness.Store,
		harness.Transport,
		append([]saga.OrchestratorOption{saga.WithLogger(cfg.logger)}, cfg.sagaOpts...)...,
	)
	if err != nil {
		return nil, err
	}

	harness.Orchestrator = orchestrator

	deadLetters, err := deadletter.NewHandler(
		harness.Parked,
		harness.Transport,
		deadletter.WithLogger(cfg.logger),
		deadletter.WithEscalator(orchestrator),
	)
	if err != nil {
		return nil, err
	}

	harness.DeadLetters = deadLetters
	harness.Transport.SetSink(deadLetters)

	relay, err := outbox.NewRelay(harness.Outbox, harness.Transport, outbox.WithLogger(cfg.logger))
	if err != nil {
		return nil, err
	}

	harness.Relay = relay

	if err := harness.subscribeParticipants(cfg.logger); err != nil {
		return nil, err
	}

	if err := harness.Transport.Subscribe(DestReplies, orchestrator.HandleMessage); err != nil {
		return nil, err
	}

	return harness, nil
}

// subscribeParticipants builds one adapter per service and binds its command
// and compensation destinations.
func (harness *Harness) subscribeParticipants(logger log.Logger) error {
	bindings := []struct {
		consumer     string
		executor     participant.Executor
		command      string
		compensation string
	}{
		{"enrollment-service", harness.Enrollment, DestCreateEnrollment, DestCancelEnrollment},
		{"capacity-service", harness.Capacity, DestReserveCapacity, DestReleaseCapacity},
		{"fee-service", harness.Fees, DestCalculateFees, DestReverseFees},
		{"notify-service", harness.Notify, DestNotifyStudent, ""},
	}

	for _, binding := range bindings {
		adapter, err := participant.New(participant.Config{
			ConsumerName:     binding.consumer,
			ReplyDestination: DestReplies,
			Executor:         binding.executor,
			UnitOfWork:       participant.NopUnitOfWork{},
			Ledger:           idempotency.NewMemoryLedger(),
			Outbox:           harness.Outbox,
		}, participant.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("building %s adapter: %w", binding.consumer, err)
		}

		if err := harness.Transport.Subscribe(binding.command, adapter.HandleCommand); err != nil {
			return err
		}

		if binding.compensation == "" {
			continue
		}

		if err := harness.Transport.Subscribe(binding.compensation, adapter.HandleCompensation); err != nil {
			return err
		}
	}

	return nil
}

// StartEnrollment starts an enrollment saga for the given student, course,
// and base fee.
func (harness *Harness) StartEnrollment(ctx context.Context, studentID, courseID, baseFee string) (uuid.UUID, error) {
	return harness.Orchestrator.StartSaga(ctx, SagaType, map[string]string{
		"student_id": studentID,
		"course_id":  courseID,
		"base_fee":   baseFee,
	})
}

// RunToTerminal alternates transport delivery and relay dispatch until the
// saga reaches a terminal state or activity stops.
func (harness *Harness) RunToTerminal(ctx context.Context, sagaID uuid.UUID) (*saga.Instance, error) {
	for range defaultMaxRounds {
		delivered, err := harness.Transport.DeliverAll(ctx)
		if err != nil {
			return nil, err
		}

		dispatched := harness.Relay.DispatchOnce(ctx)

		instance, err := harness.Store.Get(ctx, sagaID)
		if err != nil {
			return nil, err
		}

		if instance.Terminal() {
			return instance, nil
		}

		if delivered == 0 && dispatched == 0 {
			return instance, fmt.Errorf("saga %s stalled in status %s", sagaID, instance.Status)
		}
	}

	return nil, fmt.Errorf("saga %s did not reach a terminal state", sagaID)
}
