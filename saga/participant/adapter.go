// Package participant adapts a service's business logic to the saga wire
// protocol. The adapter receives command envelopes from the transport, runs
// the service's executor inside one local transaction together with the
// idempotency marker and the outbox reply, and lets the relay deliver the
// resulting step outcome back to the orchestrator.
package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/lib-saga/saga/idempotency"
	"github.com/LerianStudio/lib-saga/saga/log"
	"github.com/LerianStudio/lib-saga/saga/message"
	"github.com/LerianStudio/lib-saga/saga/outbox"
)

// Executor is the business logic a service plugs into the adapter. Execute
// handles a forward command and returns the result values to merge into the
// saga context; Compensate undoes a previously executed step. Both run inside
// the adapter's transaction and must confine their writes to it.
//
// Execute signals a business refusal by returning a *Rejection; any other
// error is treated as transient infrastructure trouble and triggers a
// redelivery. Compensate has no rejection path: compensations are retried
// until they succeed or the message dead-letters.
type Executor interface {
	Execute(ctx context.Context, tx outbox.Tx, env message.Envelope) (map[string]string, error)
	Compensate(ctx context.Context, tx outbox.Tx, env message.Envelope) error
}

// Config carries the adapter's required collaborators.
type Config struct {
	// ConsumerName scopes idempotency markers, so two services consuming the
	// same command stream deduplicate independently.
	ConsumerName string
	// ReplyDestination is the transport destination the orchestrator listens
	// on for this participant's step outcomes.
	ReplyDestination string
	Executor         Executor
	UnitOfWork       UnitOfWork
	Ledger           idempotency.TxLedger
	Outbox           outbox.Repository
}

// Adapter turns transport deliveries into exactly-once business effects.
type Adapter struct {
	consumerName     string
	replyDestination string
	executor         Executor
	uow              UnitOfWork
	ledger           idempotency.TxLedger
	repo             outbox.Repository
	logger           log.Logger
	breaker          *gobreaker.CircuitBreaker

	commandsProcessed metric.Int64Counter
	commandsRejected  metric.Int64Counter
	duplicatesSkipped metric.Int64Counter
	compensationsDone metric.Int64Counter
}

// Option configures optional adapter behavior.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(logger log.Logger) Option {
	return func(adapter *Adapter) {
		if logger != nil {
			adapter.logger = logger
		}
	}
}

// WithCircuitBreaker wraps the executor in a circuit breaker so a struggling
// downstream dependency sheds load instead of burning the delivery budget of
// every message. When the breaker is open the adapter reports a transient
// error and the transport redelivers later.
//
// Business rejections never trip the breaker; if the settings carry no
// IsSuccessful hook one is installed that treats *Rejection as success.
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return func(adapter *Adapter) {
		if settings.Name == "" {
			settings.Name = adapter.consumerName
		}

		if settings.IsSuccessful == nil {
			settings.IsSuccessful = func(err error) bool {
				var rejection *Rejection

				return err == nil || errors.As(err, &rejection)
			}
		}

		adapter.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// WithMeterProvider injects a custom meter provider for adapter metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(adapter *Adapter) {
		if provider != nil {
			adapter.initMetrics(provider)
		}
	}
}

// New creates a participant adapter.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	cfg.ConsumerName = strings.TrimSpace(cfg.ConsumerName)
	if cfg.ConsumerName == "" {
		return nil, ErrConsumerNameRequired
	}

	cfg.ReplyDestination = strings.TrimSpace(cfg.ReplyDestination)
	if cfg.ReplyDestination == "" {
		return nil, ErrReplyDestinationRequired
	}

	if cfg.Executor == nil {
		return nil, ErrExecutorRequired
	}

	if cfg.UnitOfWork == nil {
		return nil, ErrUnitOfWorkRequired
	}

	if cfg.Ledger == nil {
		return nil, ErrLedgerRequired
	}

	if cfg.Outbox == nil {
		return nil, ErrOutboxRequired
	}

	adapter := &Adapter{
		consumerName:     cfg.ConsumerName,
		replyDestination: cfg.ReplyDestination,
		executor:         cfg.Executor,
		uow:              cfg.UnitOfWork,
		ledger:           cfg.Ledger,
		repo:             cfg.Outbox,
		logger:           log.NewNop(),
	}

	adapter.initMetrics(otel.GetMeterProvider())

	for _, opt := range opts {
		if opt != nil {
			opt(adapter)
		}
	}

	return adapter, nil
}

func (adapter *Adapter) initMetrics(provider metric.MeterProvider) {
	meter := provider.Meter("saga.participant")
	adapter.commandsProcessed, _ = meter.Int64Counter("participant.commands.processed",
		metric.WithDescription("Number of forward commands executed and committed"),
		metric.WithUnit("{command}"))
	adapter.commandsRejected, _ = meter.Int64Counter("participant.commands.rejected",
		metric.WithDescription("Number of forward commands refused by business logic"),
		metric.WithUnit("{command}"))
	adapter.duplicatesSkipped, _ = meter.Int64Counter("participant.duplicates.skipped",
		metric.WithDescription("Number of redelivered messages absorbed by the idempotency ledger"),
		metric.WithUnit("{message}"))
	adapter.compensationsDone, _ = meter.Int64Counter("participant.compensations.processed",
		metric.WithDescription("Number of compensation commands executed and committed"),
		metric.WithUnit("{command}"))
}

// HandleCommand processes a forward command. It is a transport handler:
// returning nil acknowledges the delivery, returning an error asks the
// transport to redeliver.
//
// Outcomes:
//   - duplicate delivery: absorbed, acknowledged without re-executing
//   - business rejection: failed outcome committed, acknowledged
//   - success: completed outcome committed, acknowledged
//   - infrastructure error: transaction rolled back, error returned
func (adapter *Adapter) HandleCommand(ctx context.Context, env message.Envelope) error {
	if err := adapter.checkCommand(env); err != nil {
		return err
	}

	var (
		duplicate bool
		rejected  bool
	)

	err := adapter.uow.Within(ctx, func(ctx context.Context, tx outbox.Tx) error {
		first, err := adapter.ledger.RecordTx(ctx, tx, env.MessageID, adapter.consumerName)
		if err != nil {
			return fmt.Errorf("recording idempotency marker: %w", err)
		}

		if !first {
			duplicate = true

			return nil
		}

		result, execErr := adapter.execute(ctx, tx, env)
		if execErr != nil {
			var rejection *Rejection
			if !errors.As(execErr, &rejection) {
				return fmt.Errorf("executing step %s: %w", env.StepName, execErr)
			}

			rejected = true

			return adapter.writeOutcome(ctx, tx, env, message.StepOutcome{
				Outcome:   message.OutcomeFailed,
				ErrorCode: rejection.Code,
			})
		}

		return adapter.writeOutcome(ctx, tx, env, message.StepOutcome{
			Outcome: message.OutcomeCompleted,
			Result:  result,
		})
	})
	if err != nil {
		adapter.logger.Log(ctx, log.LevelError, "command processing failed",
			log.String("saga_id", env.SagaID),
			log.String("step", env.StepName),
			log.Err(err))

		return err
	}

	switch {
	case duplicate:
		adapter.count(ctx, adapter.duplicatesSkipped)
		adapter.logger.Log(ctx, log.LevelDebug, "duplicate command skipped",
			log.String("message_id", env.MessageID),
			log.String("saga_id", env.SagaID))
	case rejected:
		adapter.count(ctx, adapter.commandsRejected)
		adapter.logger.Log(ctx, log.LevelInfo, "command rejected",
			log.String("saga_id", env.SagaID),
			log.String("step", env.StepName))
	default:
		adapter.count(ctx, adapter.commandsProcessed)
	}

	return nil
}

// HandleCompensation processes a compensation command. Duplicates are
// absorbed; any executor error rolls back and triggers a redelivery, because
// a compensation must eventually commit or dead-letter.
func (adapter *Adapter) HandleCompensation(ctx context.Context, env message.Envelope) error {
	if err := adapter.checkCommand(env); err != nil {
		return err
	}

	var duplicate bool

	err := adapter.uow.Within(ctx, func(ctx context.Context, tx outbox.Tx) error {
		first, err := adapter.ledger.RecordTx(ctx, tx, env.MessageID, adapter.consumerName)
		if err != nil {
			return fmt.Errorf("recording idempotency marker: %w", err)
		}

		if !first {
			duplicate = true

			return nil
		}

		if err := adapter.compensate(ctx, tx, env); err != nil {
			return fmt.Errorf("compensating step %s: %w", env.StepName, err)
		}

		return adapter.writeOutcome(ctx, tx, env, message.StepOutcome{
			Outcome: message.OutcomeCompensated,
		})
	})
	if err != nil {
		adapter.logger.Log(ctx, log.LevelError, "compensation processing failed",
			log.String("saga_id", env.SagaID),
			log.String("step", env.StepName),
			log.Err(err))

		return err
	}

	if duplicate {
		adapter.count(ctx, adapter.duplicatesSkipped)
		adapter.logger.Log(ctx, log.LevelDebug, "duplicate compensation skipped",
			log.String("message_id", env.MessageID),
			log.String("saga_id", env.SagaID))

		return nil
	}

	adapter.count(ctx, adapter.compensationsDone)

	return nil
}

func (adapter *Adapter) checkCommand(env message.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	if env.Kind != message.KindCommand {
		return fmt.Errorf("%w: %q", ErrKindUnexpected, env.Kind)
	}

	return nil
}

func (adapter *Adapter) execute(ctx context.Context, tx outbox.Tx, env message.Envelope) (map[string]string, error) {
	if adapter.breaker == nil {
		return adapter.executor.Execute(ctx, tx, env)
	}

	result, err := adapter.breaker.Execute(func() (any, error) {
		return adapter.executor.Execute(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}

	values, _ := result.(map[string]string)

	return values, nil
}

func (adapter *Adapter) compensate(ctx context.Context, tx outbox.Tx, env message.Envelope) error {
	if adapter.breaker == nil {
		return adapter.executor.Compensate(ctx, tx, env)
	}

	_, err := adapter.breaker.Execute(func() (any, error) {
		return nil, adapter.executor.Compensate(ctx, tx, env)
	})

	return err
}

// writeOutcome stores the step outcome as an outbox event inside the caller's
// transaction. The relay publishes it to the reply destination with the saga
// id as the ordering group key.
func (adapter *Adapter) writeOutcome(ctx context.Context, tx outbox.Tx, env message.Envelope, so message.StepOutcome) error {
	payload, err := message.EncodeOutcome(so)
	if err != nil {
		return fmt.Errorf("encoding step outcome: %w", err)
	}

	reply, err := message.NewEvent(env.SagaID, env.StepName, payload)
	if err != nil {
		return fmt.Errorf("building outcome envelope: %w", err)
	}

	raw, err := reply.Encode()
	if err != nil {
		return fmt.Errorf("encoding outcome envelope: %w", err)
	}

	sagaID, err := uuid.Parse(env.SagaID)
	if err != nil {
		return fmt.Errorf("parsing saga id %q: %w", env.SagaID, err)
	}

	event, err := outbox.NewEvent(adapter.replyDestination, sagaID, raw)
	if err != nil {
		return fmt.Errorf("building outbox event: %w", err)
	}

	if _, err := adapter.repo.CreateWithTx(ctx, tx, event); err != nil {
		return fmt.Errorf("storing outcome in outbox: %w", err)
	}

	return nil
}

func (adapter *Adapter) count(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}
