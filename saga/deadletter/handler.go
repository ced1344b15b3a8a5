// Package deadletter parks messages that exhausted their delivery budget,
// escalates affected sagas, and supports manual replay.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/lib-saga/saga/log"
	"github.com/LerianStudio/lib-saga/saga/message"
	"github.com/LerianStudio/lib-saga/saga/transport"
)

// Escalator is notified when a message belonging to a saga is parked. The
// orchestrator implements it to fail sagas whose compensation commands were
// dead-lettered; for every other saga state it is a no-op.
type Escalator interface {
	EscalateDeadLetter(ctx context.Context, sagaID uuid.UUID, reason string) error
}

// Handler implements the transport's dead-letter sink: it persists parked
// messages, logs them at error level, and escalates the owning saga.
type Handler struct {
	store     ParkedStore
	publisher transport.Publisher
	escalator Escalator
	logger    log.Logger

	parkedCounter   metric.Int64Counter
	replayedCounter metric.Int64Counter
}

var _ transport.DeadLetterSink = (*Handler)(nil)

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(logger log.Logger) HandlerOption {
	return func(handler *Handler) {
		if logger != nil {
			handler.logger = logger
		}
	}
}

// WithEscalator wires the saga escalation hook.
func WithEscalator(escalator Escalator) HandlerOption {
	return func(handler *Handler) {
		handler.escalator = escalator
	}
}

// WithMeterProvider injects a custom meter provider for handler metrics.
func WithMeterProvider(provider metric.MeterProvider) HandlerOption {
	return func(handler *Handler) {
		if provider == nil {
			return
		}

		meter := provider.Meter("saga.deadletter")
		handler.parkedCounter, _ = meter.Int64Counter("deadletter.messages.parked",
			metric.WithDescription("Number of messages parked in the dead-letter store"),
			metric.WithUnit("{message}"))
		handler.replayedCounter, _ = meter.Int64Counter("deadletter.messages.replayed",
			metric.WithDescription("Number of parked messages replayed to their destination"),
			metric.WithUnit("{message}"))
	}
}

// NewHandler creates a dead-letter handler. The publisher is used for
// replays and may match the transport the message originally traveled on.
func NewHandler(store ParkedStore, publisher transport.Publisher, opts ...HandlerOption) (*Handler, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	handler := &Handler{
		store:     store,
		publisher: publisher,
		logger:    log.NewNop(),
	}

	meter := otel.GetMeterProvider().Meter("saga.deadletter")
	handler.parkedCounter, _ = meter.Int64Counter("deadletter.messages.parked",
		metric.WithDescription("Number of messages parked in the dead-letter store"),
		metric.WithUnit("{message}"))
	handler.replayedCounter, _ = meter.Int64Counter("deadletter.messages.replayed",
		metric.WithDescription("Number of parked messages replayed to their destination"),
		metric.WithUnit("{message}"))

	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}

	return handler, nil
}

// Park persists the exhausted message and escalates the owning saga.
// Store failures are returned so the transport can keep the message nacked
// rather than silently dropping it.
func (handler *Handler) Park(ctx context.Context, destination string, env message.Envelope) error {
	parked := &ParkedMessage{
		ID:          uuid.New(),
		MessageID:   env.MessageID,
		SagaID:      env.SagaID,
		StepName:    env.StepName,
		Kind:        env.Kind,
		Destination: destination,
		Payload:     append([]byte(nil), env.Payload...),
		Attempt:     env.Attempt,
		ParkedAt:    time.Now().UTC(),
	}

	if err := handler.store.Save(ctx, parked); err != nil {
		return fmt.Errorf("saving parked message: %w", err)
	}

	if handler.parkedCounter != nil {
		handler.parkedCounter.Add(ctx, 1)
	}

	handler.logger.Log(ctx, log.LevelError, "message dead-lettered",
		log.String("message_id", env.MessageID),
		log.String("saga_id", env.SagaID),
		log.String("step", env.StepName),
		log.String("destination", destination),
		log.Int("attempts", env.Attempt))

	handler.escalate(ctx, parked)

	return nil
}

func (handler *Handler) escalate(ctx context.Context, parked *ParkedMessage) {
	if handler.escalator == nil {
		return
	}

	sagaID, err := uuid.Parse(parked.SagaID)
	if err != nil {
		handler.logger.Log(ctx, log.LevelWarn, "parked message carries no parsable saga id",
			log.String("message_id", parked.MessageID))

		return
	}

	reason := fmt.Sprintf("message for step %s dead-lettered after %d attempts", parked.StepName, parked.Attempt)

	if err := handler.escalator.EscalateDeadLetter(ctx, sagaID, reason); err != nil {
		handler.logger.Log(ctx, log.LevelError, "dead-letter escalation failed",
			log.String("saga_id", parked.SagaID), log.Err(err))
	}
}

// Retry republishes a parked message to its original destination with a
// fresh attempt budget, preserving the message id so consumer-side dedup
// still applies.
func (handler *Handler) Retry(ctx context.Context, parkedID uuid.UUID) error {
	parked, err := handler.store.Get(ctx, parkedID)
	if err != nil {
		return err
	}

	if parked.ReplayedAt != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyReplayed, parkedID)
	}

	env := message.Envelope{
		MessageID: parked.MessageID,
		SagaID:    parked.SagaID,
		StepName:  parked.StepName,
		Kind:      parked.Kind,
		Payload:   append([]byte(nil), parked.Payload...),
		Attempt:   1,
	}

	if err := env.Validate(); err != nil {
		return fmt.Errorf("parked message no longer valid: %w", err)
	}

	if err := handler.publisher.Publish(ctx, parked.Destination, parked.SagaID, env); err != nil {
		return fmt.Errorf("replaying parked message: %w", err)
	}

	if err := handler.store.MarkReplayed(ctx, parkedID, time.Now().UTC()); err != nil {
		return fmt.Errorf("marking parked message replayed: %w", err)
	}

	if handler.replayedCounter != nil {
		handler.replayedCounter.Add(ctx, 1)
	}

	handler.logger.Log(ctx, log.LevelInfo, "parked message replayed",
		log.String("message_id", parked.MessageID),
		log.String("destination", parked.Destination))

	return nil
}
