package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-saga/saga"
	"github.com/LerianStudio/lib-saga/saga/log"
	"github.com/LerianStudio/lib-saga/saga/message"
)

// PublishedMessage records one Publish call for test assertions.
type PublishedMessage struct {
	Destination string
	GroupKey    string
	Envelope    message.Envelope
}

type pendingDelivery struct {
	destination string
	groupKey    string
	env         message.Envelope
}

// Memory is an in-process transport for tests and single-binary setups.
//
// Publish only enqueues; delivery happens when DeliverAll drains the queue.
// Decoupling the two keeps handler execution outside any lock the publisher
// holds and gives tests a deterministic pump. A single FIFO queue trivially
// preserves per-group ordering.
type Memory struct {
	cfg    Config
	logger log.Logger

	mu      sync.Mutex
	subs    map[string]Handler
	queue   []pendingDelivery
	history []PublishedMessage
	closed  bool
}

// NewMemory creates an in-memory transport with the given delivery policy.
func NewMemory(cfg Config, logger log.Logger) *Memory {
	cfg.normalize()

	if logger == nil {
		logger = log.NewNop()
	}

	return &Memory{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]Handler),
	}
}

// Subscribe registers the single handler for a destination.
func (memory *Memory) Subscribe(destination string, handler Handler) error {
	if destination == "" {
		return ErrDestinationRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	memory.mu.Lock()
	defer memory.mu.Unlock()

	if _, ok := memory.subs[destination]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, destination)
	}

	memory.subs[destination] = handler

	return nil
}

// Publish enqueues the envelope for later delivery and records it in the
// publish history.
func (memory *Memory) Publish(_ context.Context, destination, groupKey string, env message.Envelope) error {
	if destination == "" {
		return ErrDestinationRequired
	}

	if err := env.Validate(); err != nil {
		return err
	}

	memory.mu.Lock()
	defer memory.mu.Unlock()

	if memory.closed {
		return ErrTransportClosed
	}

	memory.queue = append(memory.queue, pendingDelivery{
		destination: destination,
		groupKey:    groupKey,
		env:         env,
	})
	memory.history = append(memory.history, PublishedMessage{
		Destination: destination,
		GroupKey:    groupKey,
		Envelope:    env,
	})

	return nil
}

// DeliverAll drains the queue, including messages enqueued by handlers while
// draining, and returns how many deliveries succeeded. A handler error
// re-enqueues the message with a bumped attempt until the receive budget is
// exhausted, after which the message is parked in the sink.
func (memory *Memory) DeliverAll(ctx context.Context) (int, error) {
	delivered := 0

	for {
		memory.mu.Lock()

		if len(memory.queue) == 0 {
			memory.mu.Unlock()

			return delivered, nil
		}

		next := memory.queue[0]
		memory.queue = memory.queue[1:]
		handler := memory.subs[next.destination]
		memory.mu.Unlock()

		if handler == nil {
			memory.logger.Log(ctx, log.LevelDebug, "no subscriber for destination; dropping",
				log.String("destination", next.destination),
				log.String("message_id", next.env.MessageID))

			continue
		}

		if err := handler(ctx, next.env); err != nil {
			if err := memory.redeliver(ctx, next, err); err != nil {
				return delivered, err
			}

			continue
		}

		delivered++
	}
}

// redeliver re-enqueues a failed delivery or parks it once the receive
// budget is spent.
func (memory *Memory) redeliver(ctx context.Context, failed pendingDelivery, cause error) error {
	if failed.env.Attempt >= memory.cfg.MaxReceiveCount {
		memory.logger.Log(ctx, log.LevelError, "delivery budget exhausted; dead-lettering",
			log.String("destination", failed.destination),
			log.String("message_id", failed.env.MessageID),
			log.Int("attempts", failed.env.Attempt),
			log.Err(cause))

		if memory.cfg.Sink == nil {
			return nil
		}

		if err := memory.cfg.Sink.Park(ctx, failed.destination, failed.env); err != nil {
			return fmt.Errorf("parking message %s: %w", failed.env.MessageID, err)
		}

		return nil
	}

	memory.logger.Log(ctx, log.LevelWarn, "handler failed; redelivering",
		log.String("destination", failed.destination),
		log.String("message_id", failed.env.MessageID),
		log.Int("attempt", failed.env.Attempt),
		log.Err(cause))

	memory.mu.Lock()
	memory.queue = append(memory.queue, pendingDelivery{
		destination: failed.destination,
		groupKey:    failed.groupKey,
		env:         failed.env.NextAttempt(),
	})
	memory.mu.Unlock()

	return nil
}

// SetSink installs or replaces the dead-letter sink. Needed when the sink
// itself publishes through this transport and can only be built after it.
func (memory *Memory) SetSink(sink DeadLetterSink) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	memory.cfg.Sink = sink
}

// Published returns a copy of every Publish call seen so far.
func (memory *Memory) Published() []PublishedMessage {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	out := make([]PublishedMessage, len(memory.history))
	copy(out, memory.history)

	return out
}

// PublishedTo filters the publish history by destination.
func (memory *Memory) PublishedTo(destination string) []PublishedMessage {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	var out []PublishedMessage

	for _, published := range memory.history {
		if published.Destination == destination {
			out = append(out, published)
		}
	}

	return out
}

// QueueLen reports how many deliveries are waiting.
func (memory *Memory) QueueLen() int {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	return len(memory.queue)
}

// Close rejects further publishes. Queued messages can still be delivered.
func (memory *Memory) Close() {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	memory.closed = true
}

// Pump is an App adapter that repeatedly drains the transport until Stop.
// It lets the in-memory transport slot into a Launcher next to the relay
// and the sweeper.
type Pump struct {
	transport *Memory
	interval  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPump wraps the transport in a polling delivery loop.
func NewPump(transport *Memory, interval time.Duration) *Pump {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	return &Pump{
		transport: transport,
		interval:  interval,
		stop:      make(chan struct{}),
	}
}

// Run drains the queue on an interval until Stop is called.
func (pump *Pump) Run(_ *saga.Launcher) error {
	return pump.run(context.Background())
}

func (pump *Pump) run(ctx context.Context) error {
	ticker := time.NewTicker(pump.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pump.stop:
			return nil
		case <-ticker.C:
			if _, err := pump.transport.DeliverAll(ctx); err != nil {
				pump.transport.logger.Log(ctx, log.LevelError, "delivery pump failed", log.Err(err))
			}
		}
	}
}

// Stop terminates the pump loop.
func (pump *Pump) Stop() {
	pump.stopOnce.Do(func() {
		close(pump.stop)
	})
}
