package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-saga/saga/log"
	"github.com/LerianStudio/lib-saga/saga/message"
)

const (
	defaultLifecycleDestination   = "saga.lifecycle"
	defaultMaxCompensationResends = 3
)

// Sender publishes envelopes to the message transport. The groupKey is always
// the saga id so transports can preserve per-saga ordering.
type Sender interface {
	Publish(ctx context.Context, destination, groupKey string, env message.Envelope) error
}

// OrchestratorConfig controls orchestrator behavior.
type OrchestratorConfig struct {
	// LifecycleDestination receives terminal saga events for observers that
	// are not saga participants.
	LifecycleDestination string
	// MaxCompensationResends bounds deadline-triggered re-issues of a
	// compensation command before the saga escalates to FAILED.
	MaxCompensationResends int
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

func defaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		LifecycleDestination:   defaultLifecycleDestination,
		MaxCompensationResends: defaultMaxCompensationResends,
	}
}

// OrchestratorOption mutates orchestrator configuration at construction.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger log.Logger) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithTracer sets the orchestrator's tracer.
func WithTracer(tracer trace.Tracer) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if tracer != nil {
			orchestrator.tracer = tracer
		}
	}
}

// WithMeterProvider injects a custom meter provider for orchestrator metrics.
func WithMeterProvider(provider metric.MeterProvider) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		orchestrator.cfg.MeterProvider = provider
	}
}

// WithLifecycleDestination overrides the terminal-event destination.
func WithLifecycleDestination(destination string) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if destination != "" {
			orchestrator.cfg.LifecycleDestination = destination
		}
	}
}

// WithMaxCompensationResends bounds compensation re-issues before escalation.
func WithMaxCompensationResends(maxResends int) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if maxResends > 0 {
			orchestrator.cfg.MaxCompensationResends = maxResends
		}
	}
}

// WithClock overrides the time source used for step deadlines.
func WithClock(clock func() time.Time) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if clock != nil {
			orchestrator.clock = clock
		}
	}
}

// Orchestrator advances saga instances through their step sequence, issuing
// commands to participants and reacting to their outcome events.
//
// All state mutations for one saga are serialized through a per-saga lock;
// different sagas are handled fully in parallel. Handlers are idempotent by
// construction: duplicates, out-of-order events, and events for terminal
// sagas are absorbed as no-ops.
type Orchestrator struct {
	registry *Registry
	store    InstanceStore
	sender   Sender
	logger   log.Logger
	tracer   trace.Tracer
	locker   *keyedLocker
	clock    func() time.Time
	cfg      OrchestratorConfig
	metrics  orchestratorMetrics
}

// NewOrchestrator creates a saga orchestrator.
func NewOrchestrator(
	registry *Registry,
	store InstanceStore,
	sender Sender,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	if store == nil {
		return nil, ErrStoreRequired
	}

	if sender == nil {
		return nil, ErrSenderRequired
	}

	orchestrator := &Orchestrator{
		registry: registry,
		store:    store,
		sender:   sender,
		logger:   log.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer("saga.noop"),
		locker:   newKeyedLocker(),
		clock:    func() time.Time { return time.Now().UTC() },
		cfg:      defaultOrchestratorConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(orchestrator)
		}
	}

	metrics, err := newOrchestratorMetrics(orchestrator.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator metrics: %w", err)
	}

	orchestrator.metrics = metrics

	return orchestrator, nil
}

// StartSaga creates a saga instance and issues the first step's command.
//
// The returned id identifies the instance even when command dispatch fails;
// in that case the instance is left FAILED and the error is returned. The
// ultimate success or failure of a started saga is observed asynchronously.
func (orchestrator *Orchestrator) StartSaga(
	ctx context.Context,
	sagaType string,
	businessContext map[string]string,
) (uuid.UUID, error) {
	ctx, span := orchestrator.tracer.Start(ctx, "saga.start")
	defer span.End()

	def, err := orchestrator.registry.Lookup(sagaType)
	if err != nil {
		return uuid.Nil, err
	}

	instance := NewInstance(sagaType, businessContext)

	unlock := orchestrator.locker.lock(instance.ID)
	defer unlock()

	if err := orchestrator.store.Create(ctx, instance); err != nil {
		return uuid.Nil, fmt.Errorf("creating saga instance: %w", err)
	}

	orchestrator.metrics.sagasStarted.Add(ctx, 1)
	orchestrator.logger.Log(ctx, log.LevelInfo, "saga started",
		log.String("saga_id", instance.ID.String()),
		log.String("saga_type", sagaType))

	if err := instance.Transition(StatusInProgress); err != nil {
		return instance.ID, err
	}

	orchestrator.armDeadline(instance, def, def.Steps[0])

	if err := orchestrator.store.Update(ctx, instance); err != nil {
		return instance.ID, fmt.Errorf("persisting saga instance: %w", err)
	}

	if err := orchestrator.issueCommand(ctx, instance, def.Steps[0].Command, def.Steps[0].Name); err != nil {
		orchestrator.failInstance(ctx, instance, fmt.Sprintf("dispatching first command: %v", err))

		return instance.ID, fmt.Errorf("dispatching first command: %w", err)
	}

	return instance.ID, nil
}

// HandleMessage routes a participant event envelope to the matching handler.
// It is the transport subscription entry point for the orchestrator's reply
// destination. Malformed envelopes return an error so the transport's
// redelivery and dead-letter path deals with them.
func (orchestrator *Orchestrator) HandleMessage(ctx context.Context, env message.Envelope) error {
	if env.Kind != message.KindEvent {
		return fmt.Errorf("%w: orchestrator received %q envelope", message.ErrKindInvalid, env.Kind)
	}

	sagaID, err := uuid.Parse(env.SagaID)
	if err != nil {
		return fmt.Errorf("parsing saga id %q: %w", env.SagaID, err)
	}

	outcome, err := message.DecodeOutcome(env.Payload)
	if err != nil {
		return fmt.Errorf("decoding outcome for saga %s: %w", sagaID, err)
	}

	switch outcome.Outcome {
	case message.OutcomeCompleted:
		return orchestrator.HandleStepCompleted(ctx, sagaID, env.StepName, outcome.Result)
	case message.OutcomeFailed:
		return orchestrator.HandleStepFailed(ctx, sagaID, env.StepName, outcome.ErrorCode)
	case message.OutcomeCompensated:
		return orchestrator.HandleCompensationCompleted(ctx, sagaID, env.StepName)
	default:
		return fmt.Errorf("%w: %q", message.ErrOutcomeInvalid, outcome.Outcome)
	}
}

// HandleStepCompleted records a successful step and advances the saga.
//
// Completions for terminal sagas, already-completed steps, or steps other
// than the current one are absorbed as no-ops; the latter are logged and
// dropped, relying on redelivery of the expected event.
func (orchestrator *Orchestrator) HandleStepCompleted(
	ctx context.Context,
	sagaID uuid.UUID,
	stepName string,
	result map[string]string,
) error {
	ctx, span := orchestrator.tracer.Start(ctx, "saga.step_completed")
	defer span.End()

	unlock := orchestrator.locker.lock(sagaID)
	defer unlock()

	instance, def, err := orchestrator.load(ctx, sagaID)
	if err != nil {
		return err
	}

	if instance.Terminal() || instance.HasCompleted(stepName) {
		return nil
	}

	if instance.Status != StatusInProgress {
		orchestrator.dropMessage(ctx, instance, stepName, "completion while not in progress")

		return nil
	}

	if def.Steps[instance.CurrentStep].Name != stepName {
		orchestrator.dropMessage(ctx, instance, stepName, "out-of-order completion")

		return nil
	}

	return orchestrator.advance(ctx, instance, def, stepName, result)
}

// advance durably records the step completion, then issues the next command
// or finishes the saga. The completion is persisted before the next command
// leaves the orchestrator.
func (orchestrator *Orchestrator) advance(
	ctx context.Context,
	instance *Instance,
	def Definition,
	stepName string,
	result map[string]string,
) error {
	instance.CompletedSteps = append(instance.CompletedSteps, stepName)
	instance.MergeResult(result)
	instance.CurrentStep++
	instance.ResendAttempts = 0

	orchestrator.metrics.stepsCompleted.Add(ctx, 1)

	if instance.CurrentStep < len(def.Steps) {
		next := def.Steps[instance.CurrentStep]
		orchestrator.armDeadline(instance, def, next)

		if err := orchestrator.store.Update(ctx, instance); err != nil {
			return fmt.Errorf("persisting step completion: %w", err)
		}

		if err := orchestrator.issueCommand(ctx, instance, next.Command, next.Name); err != nil {
			orchestrator.logger.Log(ctx, log.LevelError, "failed to dispatch next command",
				log.String("saga_id", instance.ID.String()),
				log.String("step", next.Name),
				log.Err(err))

			return orchestrator.beginCompensation(ctx, instance, def,
				fmt.Sprintf("dispatching command for step %s: %v", next.Name, err))
		}

		return nil
	}

	instance.StepDeadline = nil

	if err := instance.Transition(StatusCompleted); err != nil {
		return err
	}

	if err := orchestrator.store.Update(ctx, instance); err != nil {
		return fmt.Errorf("persisting saga completion: %w", err)
	}

	orchestrator.metrics.sagasCompleted.Add(ctx, 1)
	orchestrator.observeDuration(ctx, instance)
	orchestrator.logger.Log(ctx, log.LevelInfo, "saga completed",
		log.String("saga_id", instance.ID.String()),
		log.String("saga_type", instance.SagaType))
	orchestrator.publishLifecycle(ctx, instance)

	return nil
}

// HandleStepFailed reacts to a participant's business rejection for the
// current step. Best-effort steps soft-succeed; everything else starts
// reverse-order compensation. Duplicate and late failures are no-ops.
func (orchestrator *Orchestrator) HandleStepFailed(
	ctx context.Context,
	sagaID uuid.UUID,
	stepName string,
	errorCode string,
) error {
	ctx, span := orchestrator.tracer.Start(ctx, "saga.step_failed")
	defer span.End()

	unlock := orchestrator.locker.lock(sagaID)
	defer unlock()

	instance, def, err := orchestrator.load(ctx, sagaID)
	if err != nil {
		return err
	}

	if instance.Terminal() || instance.Status == StatusCompensating {
		return nil
	}

	if instance.Status != StatusInProgress || instance.HasCompleted(stepName) {
		orchestrator.dropMessage(ctx, instance, stepName, "stale failure event")

		return nil
	}

	step := def.Steps[instance.CurrentStep]
	if step.Name != stepName {
		orchestrator.dropMessage(ctx, instance, stepName, "out-of-order failure")

		return nil
	}

	if step.BestEffort {
		orchestrator.logger.Log(ctx, log.LevelWarn, "best-effort step failed; treating as completed",
			log.String("saga_id", instance.ID.String()),
			log.String("step", stepName),
			log.String("error_code", errorCode))

		return orchestrator.advance(ctx, instance, def, stepName, nil)
	}

	orchestrator.metrics.stepsFailed.Add(ctx, 1)
	orchestrator.logger.Log(ctx, log.LevelWarn, "step failed; compensating",
		log.String("saga_id", instance.ID.String()),
		log.String("step", stepName),
		log.String("error_code", errorCode))

	return orchestrator.beginCompensation(ctx, instance, def, errorCode)
}

// HandleCompensationCompleted records one finished compensation and issues
// the next pending one, strictly serialized in reverse completion order.
func (orchestrator *Orchestrator) HandleCompensationCompleted(
	ctx context.Context,
	sagaID uuid.UUID,
	stepName string,
) error {
	ctx, span := orchestrator.tracer.Start(ctx, "saga.compensation_completed")
	defer span.End()

	unlock := orchestrator.locker.lock(sagaID)
	defer unlock()

	instance, def, err := orchestrator.load(ctx, sagaID)
	if err != nil {
		return err
	}

	if instance.Terminal() {
		return nil
	}

	if instance.Status != StatusCompensating || len(instance.PendingCompensations) == 0 {
		orchestrator.dropMessage(ctx, instance, stepName, "unexpected compensation completion")

		return nil
	}

	if instance.PendingCompensations[0] != stepName {
		orchestrator.dropMessage(ctx, instance, stepName, "out-of-order compensation completion")

		return nil
	}

	instance.PendingCompensations = instance.PendingCompensations[1:]
	instance.ResendAttempts = 0

	if len(instance.PendingCompensations) == 0 {
		return orchestrator.finishCompensation(ctx, instance)
	}

	next, _ := def.StepByName(instance.PendingCompensations[0])
	orchestrator.armDeadline(instance, def, next)

	if err := orchestrator.store.Update(ctx, instance); err != nil {
		return fmt.Errorf("persisting compensation progress: %w", err)
	}

	if err := orchestrator.issueCommand(ctx, instance, next.CompensationCommand, next.Name); err != nil {
		// The armed deadline makes the sweeper re-issue this compensation.
		orchestrator.logger.Log(ctx, log.LevelError, "failed to dispatch compensation command",
			log.String("saga_id", instance.ID.String()),
			log.String("step", next.Name),
			log.Err(err))
	}

	return nil
}

// HandleStepTimeout treats an expired step deadline as a step failure, or
// re-issues the outstanding compensation with a bounded resend budget.
// Invoked by the timeout sweeper.
func (orchestrator *Orchestrator) HandleStepTimeout(ctx context.Context, sagaID uuid.UUID) error {
	ctx, span := orchestrator.tracer.Start(ctx, "saga.step_timeout")
	defer span.End()

	unlock := orchestrator.locker.lock(sagaID)
	defer unlock()

	instance, def, err := orchestrator.load(ctx, sagaID)
	if err != nil {
		return err
	}

	if instance.Terminal() || instance.StepDeadline == nil || instance.StepDeadline.After(orchestrator.clock()) {
		return nil
	}

	switch instance.Status {
	case StatusInProgress:
		step := def.Steps[instance.CurrentStep]

		orchestrator.metrics.stepsFailed.Add(ctx, 1)
		orchestrator.logger.Log(ctx, log.LevelWarn, "step timed out; compensating",
			log.String("saga_id", instance.ID.String()),
			log.String("step", step.Name))

		if step.BestEffort {
			return orchestrator.advance(ctx, instance, def, step.Name, nil)
		}

		return orchestrator.beginCompensation(ctx, instance, def,
			fmt.Sprintf("step %s timed out", step.Name))
	case StatusCompensating:
		return orchestrator.resendCompensation(ctx, instance, def)
	default:
		return nil
	}
}

// EscalateDeadLetter escalates a saga to FAILED when one of its compensation
// commands was dead-lettered. Dead-lettered forward commands are deliberately
// not escalated: the missing completion event triggers the per-step timeout,
// and a manual dead-letter retry can still resume the saga.
func (orchestrator *Orchestrator) EscalateDeadLetter(ctx context.Context, sagaID uuid.UUID, reason string) error {
	unlock := orchestrator.locker.lock(sagaID)
	defer unlock()

	instance, _, err := orchestrator.load(ctx, sagaID)
	if err != nil {
		return err
	}

	if instance.Status != StatusCompensating {
		return nil
	}

	orchestrator.failInstance(ctx, instance, reason)

	return nil
}

func (orchestrator *Orchestrator) beginCompensation(
	ctx context.Context,
	instance *Instance,
	def Definition,
	reason string,
) error {
	if err := instance.Transition(StatusCompensating); err != nil {
		return err
	}

	instance.LastError = reason
	instance.ResendAttempts = 0
	instance.PendingCompensations = compensatableReverse(instance.CompletedSteps, def)

	if len(instance.PendingCompensations) == 0 {
		return orchestrator.finishCompensation(ctx, instance)
	}

	first, _ := def.StepByName(instance.PendingCompensations[0])
	orchestrator.armDeadline(instance, def, first)

	if err := orchestrator.store.Update(ctx, instance); err != nil {
		return fmt.Errorf("persisting compensation start: %w", err)
	}

	if err := orchestrator.issueCommand(ctx, instance, first.CompensationCommand, first.Name); err != nil {
		orchestrator.logger.Log(ctx, log.LevelError, "failed to dispatch compensation command",
			log.String("saga_id", instance.ID.String()),
			log.String("step", first.Name),
			log.Err(err))
	}

	return nil
}

func (orchestrator *Orchestrator) finishCompensation(ctx context.Context, instance *Instance) error {
	instance.StepDeadline = nil

	if err := instance.Transition(StatusCompensated); err != nil {
		return err
	}

	if err := orchestrator.store.Update(ctx, instance); err != nil {
		return fmt.Errorf("persisting saga compensation: %w", err)
	}

	orchestrator.metrics.sagasCompensated.Add(ctx, 1)
	orchestrator.observeDuration(ctx, instance)
	orchestrator.logger.Log(ctx, log.LevelInfo, "saga compensated",
		log.String("saga_id", instance.ID.String()),
		log.String("saga_type", instance.SagaType),
		log.String("reason", instance.LastError))
	orchestrator.publishLifecycle(ctx, instance)

	return nil
}

func (orchestrator *Orchestrator) resendCompensation(ctx context.Context, instance *Instance, def Definition) error {
	if len(instance.PendingCompensations) == 0 {
		return nil
	}

	if instance.ResendAttempts >= orchestrator.cfg.MaxCompensationResends {
		orchestrator.failInstance(ctx, instance, fmt.Sprintf(
			"compensation for step %s unanswered after %d resends",
			instance.PendingCompensations[0], instance.ResendAttempts))

		return nil
	}

	step, _ := def.StepByName(instance.PendingCompensations[0])
	instance.ResendAttempts++
	orchestrator.armDeadline(instance, def, step)

	if err := orchestrator.store.Update(ctx, instance); err != nil {
		return fmt.Errorf("persisting compensation resend: %w", err)
	}

	orchestrator.logger.Log(ctx, log.LevelWarn, "re-issuing compensation command",
		log.String("saga_id", instance.ID.String()),
		log.String("step", step.Name),
		log.Int("attempt", instance.ResendAttempts))

	if err := orchestrator.issueCommand(ctx, instance, step.CompensationCommand, step.Name); err != nil {
		orchestrator.logger.Log(ctx, log.LevelError, "failed to re-issue compensation command",
			log.String("saga_id", instance.ID.String()),
			log.String("step", step.Name),
			log.Err(err))
	}

	return nil
}

// failInstance moves the instance to FAILED and persists best-effort. FAILED
// sagas are excluded from timeout sweeps and require operator intervention.
func (orchestrator *Orchestrator) failInstance(ctx context.Context, instance *Instance, reason string) {
	instance.LastError = reason
	instance.StepDeadline = nil

	if err := instance.Transition(StatusFailed); err != nil {
		orchestrator.logger.Log(ctx, log.LevelError, "cannot transition saga to failed",
			log.String("saga_id", instance.ID.String()), log.Err(err))

		return
	}

	if err := orchestrator.store.Update(ctx, instance); err != nil {
		orchestrator.logger.Log(ctx, log.LevelError, "failed to persist FAILED state",
			log.String("saga_id", instance.ID.String()), log.Err(err))

		return
	}

	orchestrator.metrics.sagasFailed.Add(ctx, 1)
	orchestrator.observeDuration(ctx, instance)
	orchestrator.logger.Log(ctx, log.LevelError, "saga failed",
		log.String("saga_id", instance.ID.String()),
		log.String("saga_type", instance.SagaType),
		log.String("reason", reason))
}

func (orchestrator *Orchestrator) load(ctx context.Context, sagaID uuid.UUID) (*Instance, Definition, error) {
	instance, err := orchestrator.store.Get(ctx, sagaID)
	if err != nil {
		return nil, Definition{}, fmt.Errorf("loading saga instance: %w", err)
	}

	def, err := orchestrator.registry.Lookup(instance.SagaType)
	if err != nil {
		return nil, Definition{}, err
	}

	return instance, def, nil
}

func (orchestrator *Orchestrator) issueCommand(
	ctx context.Context,
	instance *Instance,
	destination string,
	stepName string,
) error {
	payload, err := json.Marshal(instance.Context)
	if err != nil {
		return fmt.Errorf("encoding saga context: %w", err)
	}

	env, err := message.NewCommand(instance.ID.String(), stepName, payload)
	if err != nil {
		return err
	}

	if err := orchestrator.sender.Publish(ctx, destination, instance.ID.String(), env); err != nil {
		return fmt.Errorf("publishing command to %s: %w", destination, err)
	}

	return nil
}

func (orchestrator *Orchestrator) armDeadline(instance *Instance, def Definition, step Step) {
	deadline := orchestrator.clock().Add(def.StepTimeoutFor(step))
	instance.StepDeadline = &deadline
}

func (orchestrator *Orchestrator) dropMessage(ctx context.Context, instance *Instance, stepName, reason string) {
	orchestrator.logger.Log(ctx, log.LevelWarn, "dropping saga message",
		log.String("saga_id", instance.ID.String()),
		log.String("status", instance.Status.String()),
		log.String("step", stepName),
		log.String("reason", reason))
}

func (orchestrator *Orchestrator) observeDuration(ctx context.Context, instance *Instance) {
	orchestrator.metrics.sagaDuration.Record(ctx, orchestrator.clock().Sub(instance.CreatedAt).Seconds())
}

// lifecycleEvent is the payload of terminal saga events published to the
// lifecycle destination.
type lifecycleEvent struct {
	SagaType       string   `json:"saga_type"`
	Status         string   `json:"status"`
	CompletedSteps []string `json:"completed_steps"`
	LastError      string   `json:"last_error,omitempty"`
}

func (orchestrator *Orchestrator) publishLifecycle(ctx context.Context, instance *Instance) {
	payload, err := json.Marshal(lifecycleEvent{
		SagaType:       instance.SagaType,
		Status:         instance.Status.String(),
		CompletedSteps: instance.CompletedSteps,
		LastError:      instance.LastError,
	})
	if err != nil {
		orchestrator.logger.Log(ctx, log.LevelError, "failed to encode lifecycle event", log.Err(err))

		return
	}

	env, err := message.NewEvent(instance.ID.String(), "", payload)
	if err != nil {
		orchestrator.logger.Log(ctx, log.LevelError, "failed to build lifecycle event", log.Err(err))

		return
	}

	if err := orchestrator.sender.Publish(ctx, orchestrator.cfg.LifecycleDestination, instance.ID.String(), env); err != nil {
		orchestrator.logger.Log(ctx, log.LevelWarn, "failed to publish lifecycle event",
			log.String("saga_id", instance.ID.String()), log.Err(err))
	}
}

// compensatableReverse returns the completed steps that need compensation,
// in reverse completion order. Best-effort steps and steps without a
// compensation command are skipped.
func compensatableReverse(completed []string, def Definition) []string {
	result := make([]string, 0, len(completed))

	for i := len(completed) - 1; i >= 0; i-- {
		step, ok := def.StepByName(completed[i])
		if !ok || step.BestEffort || step.CompensationCommand == "" {
			continue
		}

		result = append(result, step.Name)
	}

	return result
}
