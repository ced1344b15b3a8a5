package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-saga/saga"
	"github.com/LerianStudio/lib-saga/saga/backoff"
	"github.com/LerianStudio/lib-saga/saga/log"
	"github.com/LerianStudio/lib-saga/saga/message"
	"github.com/LerianStudio/lib-saga/saga/transport"
)

// Relay polls the outbox and publishes stored envelopes to the transport.
//
// Delivery semantics are at-least-once: publish happens before MarkPublished,
// so a crash between the two republishes the event. Consumers dedupe through
// the idempotency ledger.
type Relay struct {
	repo            Repository
	publisher       transport.Publisher
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	cfg             RelayConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics relayMetrics
}

var _ saga.App = (*Relay)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// NewRelay creates an outbox relay publishing through the given transport.
func NewRelay(repo Repository, publisher transport.Publisher, opts ...RelayOption) (*Relay, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	relay := &Relay{
		repo:      repo,
		publisher: publisher,
		logger:    log.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("saga.noop"),
		cfg:       DefaultRelayConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}

	relay.cfg.normalize()

	metrics, err := newRelayMetrics(relay.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	relay.metrics = metrics

	return relay, nil
}

// Run starts the relay loop until Stop is called.
func (relay *Relay) Run(launcher *saga.Launcher) error {
	return relay.RunContext(context.Background(), launcher)
}

// RunContext starts the relay loop until Stop is called or ctx is cancelled.
func (relay *Relay) RunContext(parentCtx context.Context, launcher *saga.Launcher) error {
	if relay == nil {
		return ErrRelayRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !relay.registerRun(cancel) {
		cancel()

		return ErrRelayRunning
	}

	defer relay.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox relay started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox relay stopped")
	}

	ticker := time.NewTicker(relay.cfg.DispatchInterval)
	defer ticker.Stop()

	relay.dispatchCycle(ctx, "outbox.relay.initial_dispatch")

	for {
		select {
		case <-relay.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-relay.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			relay.dispatchCycle(ctx, "outbox.relay.dispatch_once")
		}
	}
}

func (relay *Relay) dispatchCycle(ctx context.Context, spanName string) {
	relay.dispatchWg.Add(1)
	defer relay.dispatchWg.Done()

	cycleCtx, span := relay.tracer.Start(ctx, spanName)
	defer span.End()

	defer func() {
		if recovered := recover(); recovered != nil {
			relay.logger.Log(cycleCtx, log.LevelError, "outbox dispatch panicked",
				log.Any("panic", recovered))
		}
	}()

	relay.DispatchOnceResult(cycleCtx)
}

// Stop signals the relay loop to stop.
func (relay *Relay) Stop() {
	if relay == nil {
		return
	}

	relay.stopOnce.Do(func() {
		relay.runStateMu.Lock()
		cancel := relay.cancelFunc
		relay.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(relay.stop)
	})
}

// Shutdown waits for in-flight dispatch cycle completion.
func (relay *Relay) Shutdown(ctx context.Context) error {
	if relay == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	relay.Stop()

	done := make(chan struct{})

	go func() {
		relay.dispatchWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// DispatchOnce processes one dispatch cycle and returns how many events were
// processed.
func (relay *Relay) DispatchOnce(ctx context.Context) int {
	return relay.DispatchOnceResult(ctx).Processed
}

// DispatchOnceResult processes one dispatch cycle and returns counters.
func (relay *Relay) DispatchOnceResult(ctx context.Context) DispatchResult {
	if relay == nil || relay.repo == nil || relay.publisher == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, span := relay.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	events := relay.collectEvents(ctx)

	var result DispatchResult

	if relay.metrics.queueDepth != nil {
		relay.metrics.queueDepth.Record(ctx, int64(len(events)))
	}

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		result.Processed++

		if err := relay.publishEventWithRetry(ctx, event); err != nil {
			relay.handlePublishError(ctx, event, err)

			result.Failed++

			continue
		}

		result.Published++

		if err := relay.repo.MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
			relay.logger.Log(ctx, log.LevelError,
				"outbox event published to broker but failed to persist PUBLISHED state; event may be retried",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)))
			relay.metrics.eventsStateFailed.Add(ctx, 1)

			result.StateUpdateFailed++
		}
	}

	if result.Published > 0 {
		relay.metrics.eventsDispatched.Add(ctx, int64(result.Published))
	}

	if result.Failed > 0 {
		relay.metrics.eventsFailed.Add(ctx, int64(result.Failed))
	}

	relay.metrics.dispatchLatency.Record(ctx, time.Since(start).Seconds())

	return result
}

// collectEvents gathers events for a single dispatch cycle using a layered
// strategy:
//
//  1. Stuck events: PROCESSING events older than ProcessingTimeout, reclaimed
//     after a relay crash mid-cycle
//  2. Failed events: FAILED events older than RetryWindow with remaining attempts
//  3. Pending events: PENDING events ordered by created_at ASC, claimed as
//     PROCESSING on read
//
// The total batch is bounded by BatchSize and duplicates are removed.
func (relay *Relay) collectEvents(ctx context.Context) []*Event {
	now := time.Now().UTC()
	processingBefore := now.Add(-relay.cfg.ProcessingTimeout)
	failedBefore := now.Add(-relay.cfg.RetryWindow)

	stuckEvents, err := relay.repo.ResetStuckProcessing(
		ctx, relay.cfg.BatchSize, processingBefore, relay.cfg.MaxDispatchAttempts)
	if err != nil {
		log.SafeError(relay.logger, ctx, "failed to reset stuck outbox events", err, false)
	}

	collected := len(stuckEvents)

	failedLimit := min(relay.cfg.BatchSize-collected, relay.cfg.MaxFailedPerBatch)
	if failedLimit <= 0 {
		return deduplicateEvents(stuckEvents)
	}

	failedEvents, err := relay.repo.ResetForRetry(
		ctx, failedLimit, failedBefore, relay.cfg.MaxDispatchAttempts)
	if err != nil {
		log.SafeError(relay.logger, ctx, "failed to reset failed outbox events for retry", err, false)
	}

	collected += len(failedEvents)

	remaining := relay.cfg.BatchSize - collected
	if remaining <= 0 {
		return deduplicateEvents(append(stuckEvents, failedEvents...))
	}

	pendingEvents, err := relay.repo.ListPending(ctx, remaining)
	if err != nil {
		log.SafeError(relay.logger, ctx, "failed to list pending outbox events", err, false)

		return deduplicateEvents(append(stuckEvents, failedEvents...))
	}

	all := make([]*Event, 0, collected+len(pendingEvents))
	all = append(all, stuckEvents...)
	all = append(all, failedEvents...)
	all = append(all, pendingEvents...)

	return deduplicateEvents(all)
}

func deduplicateEvents(events []*Event) []*Event {
	if len(events) == 0 {
		return events
	}

	seen := make(map[uuid.UUID]bool, len(events))
	result := make([]*Event, 0, len(events))

	for _, event := range events {
		if event == nil || seen[event.ID] {
			continue
		}

		seen[event.ID] = true
		result = append(result, event)
	}

	return result
}

func (relay *Relay) publishEventWithRetry(ctx context.Context, event *Event) error {
	var lastErr error

	for attempt := 0; attempt < relay.cfg.PublishMaxAttempts; attempt++ {
		err := relay.publishEvent(ctx, event)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, relay.cfg.PublishMaxAttempts, err)
		if relay.isNonRetryableError(err) || attempt == relay.cfg.PublishMaxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(relay.cfg.PublishBackoff, attempt)
		if waitErr := backoff.WaitContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)

			break
		}
	}

	return lastErr
}

// publishEvent decodes the stored payload as a message envelope and publishes
// it to the destination named by the event type, grouped by aggregate so one
// saga's messages stay ordered.
func (relay *Relay) publishEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrEventRequired
	}

	if len(event.Payload) == 0 {
		return ErrPayloadRequired
	}

	env, err := message.Decode(event.Payload)
	if err != nil {
		return fmt.Errorf("decoding stored envelope: %w", err)
	}

	return relay.publisher.Publish(ctx, event.EventType, event.AggregateID.String(), env)
}

func (relay *Relay) handlePublishError(ctx context.Context, event *Event, err error) {
	if relay.isNonRetryableError(err) {
		if markErr := relay.repo.MarkInvalid(ctx, event.ID, sanitizeErrorForStorage(err)); markErr != nil {
			relay.logger.Log(ctx, log.LevelError, "failed to mark outbox event invalid",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitizeErrorForStorage(markErr)))
		}

		return
	}

	if markErr := relay.repo.MarkFailed(ctx, event.ID, sanitizeErrorForStorage(err), relay.cfg.MaxDispatchAttempts); markErr != nil {
		relay.logger.Log(ctx, log.LevelError, "failed to mark outbox event failed",
			log.String("event_id", event.ID.String()),
			log.String("error", sanitizeErrorForStorage(markErr)))
	}
}

func (relay *Relay) isNonRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A payload that no longer decodes as an envelope never becomes
	// publishable; retrying only burns the attempt budget.
	if errors.Is(err, message.ErrEnvelopeMalformed) {
		return true
	}

	if relay.retryClassifier == nil {
		return false
	}

	return relay.retryClassifier.IsNonRetryable(err)
}

func (relay *Relay) registerRun(cancel context.CancelFunc) bool {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	if relay.running {
		return false
	}

	relay.running = true
	relay.cancelFunc = cancel

	return true
}

func (relay *Relay) clearRun() {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	relay.running = false
	relay.cancelFunc = nil
}
