// Package rabbitmq carries saga traffic over AMQP. Publishes run in confirm
// mode so the outbox relay only marks events published after a broker ack;
// consumers run with a prefetch of one so each queue preserves delivery
// order, and exhausted messages dead-letter through a DLX into a single DLQ
// drained by the dead-letter handler.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-saga/saga/log"
	"github.com/LerianStudio/lib-saga/saga/message"
	"github.com/LerianStudio/lib-saga/saga/transport"
)

// DefaultConfirmTimeout bounds the wait for a broker confirmation.
const DefaultConfirmTimeout = 5 * time.Second

// confirmChannelBuffer should be >= max unconfirmed messages to avoid
// blocking the broker's confirm stream.
const confirmChannelBuffer = 256

// Channel is the slice of *amqp.Channel the transport needs, extracted so
// tests can fake the broker.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Transport publishes and consumes saga envelopes over one AMQP channel.
type Transport struct {
	ch              Channel
	exchange        string
	dlqName         string
	maxReceiveCount int
	confirmTimeout  time.Duration
	sink            transport.DeadLetterSink
	logger          log.Logger

	// publishMu serializes publish+confirm flows so confirmations match
	// publishes without delivery-tag bookkeeping.
	publishMu sync.Mutex
	confirms  chan amqp.Confirmation

	mu       sync.Mutex
	handlers map[string]struct{}
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var (
	_ transport.Publisher  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)

// Option configures the transport.
type Option func(*Transport)

// WithLogger sets the transport's logger.
func WithLogger(logger log.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithConfirmTimeout overrides the broker confirmation timeout.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		if timeout > 0 {
			t.confirmTimeout = timeout
		}
	}
}

// WithExchange overrides the exchange publishes are routed through. It must
// match the exchange declared by DeclareTopology.
func WithExchange(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.exchange = name
		}
	}
}

// WithDLQName overrides the queue ConsumeDeadLetters drains.
func WithDLQName(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.dlqName = name
		}
	}
}

// New creates a transport over an already-connected channel and puts it in
// confirm mode.
func New(ch Channel, cfg transport.Config, opts ...Option) (*Transport, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	maxReceiveCount := cfg.MaxReceiveCount
	if maxReceiveCount <= 0 {
		maxReceiveCount = transport.DefaultMaxReceiveCount
	}

	t := &Transport{
		ch:              ch,
		exchange:        defaultExchangeName,
		dlqName:         defaultDLQName,
		maxReceiveCount: maxReceiveCount,
		confirmTimeout:  DefaultConfirmTimeout,
		sink:            cfg.Sink,
		logger:          log.NewNop(),
		confirms:        confirms,
		handlers:        make(map[string]struct{}),
		stop:            make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	return t, nil
}

// Publish sends the envelope to the destination queue and waits for the
// broker confirmation. The group key travels as a header; ordering within a
// destination comes from queue FIFO plus single-prefetch consumers.
func (t *Transport) Publish(ctx context.Context, destination, groupKey string, env message.Envelope) error {
	if destination == "" {
		return transport.ErrDestinationRequired
	}

	body, err := env.Encode()
	if err != nil {
		return err
	}

	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	if t.isClosed() {
		return ErrTransportClosed
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		CorrelationId: env.SagaID,
		Timestamp:     time.Now().UTC(),
		Headers: amqp.Table{
			"x-group-key": groupKey,
			"x-attempt":   int32(env.Attempt),
		},
		Body: body,
	}

	if err := t.ch.PublishWithContext(ctx, t.exchange, destination, false, false, publishing); err != nil {
		return fmt.Errorf("publishing to %s: %w", destination, err)
	}

	return t.waitForConfirm(ctx)
}

func (t *Transport) waitForConfirm(ctx context.Context) error {
	timeout := time.NewTimer(t.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-t.confirms:
		if !ok {
			return ErrTransportClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("waiting for confirm: %w", ctx.Err())
	}
}

// Subscribe starts a consumer on the destination queue. One handler per
// destination; the consumer runs with a prefetch of one so redeliveries and
// ordering behave deterministically.
func (t *Transport) Subscribe(destination string, handler transport.Handler) error {
	if destination == "" {
		return transport.ErrDestinationRequired
	}

	if handler == nil {
		return transport.ErrHandlerRequired
	}

	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()

		return ErrTransportClosed
	}

	if _, exists := t.handlers[destination]; exists {
		t.mu.Unlock()

		return fmt.Errorf("%w: %s", transport.ErrAlreadySubscribed, destination)
	}

	t.handlers[destination] = struct{}{}
	t.mu.Unlock()

	if err := t.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}

	deliveries, err := t.ch.Consume(destination, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", destination, err)
	}

	t.wg.Add(1)

	go t.consume(destination, handler, deliveries)

	return nil
}

func (t *Transport) consume(destination string, handler transport.Handler, deliveries <-chan amqp.Delivery) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stop:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}

			t.handleDelivery(context.Background(), destination, handler, delivery)
		}
	}
}

func (t *Transport) handleDelivery(ctx context.Context, destination string, handler transport.Handler, delivery amqp.Delivery) {
	env, err := message.Decode(delivery.Body)
	if err != nil {
		t.logger.Log(ctx, log.LevelError, "undecodable message dead-lettered",
			log.String("destination", destination),
			log.Err(err))
		t.nack(delivery, false)

		return
	}

	if err := handler(ctx, env); err == nil {
		t.ack(delivery)

		return
	}

	if env.Attempt >= t.maxReceiveCount {
		t.logger.Log(ctx, log.LevelError, "delivery budget exhausted, dead-lettering",
			log.String("destination", destination),
			log.String("message_id", env.MessageID),
			log.Int("attempts", env.Attempt))
		t.nack(delivery, false)

		return
	}

	// Republish with a bumped attempt counter instead of a broker requeue, so
	// the attempt count survives and the message goes to the back of the queue.
	next := env.NextAttempt()
	if err := t.Publish(ctx, destination, env.SagaID, next); err != nil {
		t.logger.Log(ctx, log.LevelError, "redelivery publish failed, requeueing",
			log.String("destination", destination),
			log.String("message_id", env.MessageID),
			log.Err(err))
		t.nack(delivery, true)

		return
	}

	t.ack(delivery)
}

// ConsumeDeadLetters drains the DLQ into the configured sink. The original
// destination is recovered from the broker's x-first-death-queue header.
func (t *Transport) ConsumeDeadLetters() error {
	if t.sink == nil {
		return ErrSinkRequired
	}

	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()

		return ErrTransportClosed
	}
	t.mu.Unlock()

	deliveries, err := t.ch.Consume(t.dlqName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", t.dlqName, err)
	}

	t.wg.Add(1)

	go t.consumeDeadLetters(deliveries)

	return nil
}

func (t *Transport) consumeDeadLetters(deliveries <-chan amqp.Delivery) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stop:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}

			t.parkDelivery(context.Background(), delivery)
		}
	}
}

func (t *Transport) parkDelivery(ctx context.Context, delivery amqp.Delivery) {
	destination := delivery.RoutingKey
	if firstDeath, ok := delivery.Headers["x-first-death-queue"].(string); ok && firstDeath != "" {
		destination = firstDeath
	}

	env, err := message.Decode(delivery.Body)
	if err != nil {
		t.logger.Log(ctx, log.LevelError, "unparseable dead letter dropped",
			log.String("destination", destination),
			log.Err(err))
		t.ack(delivery)

		return
	}

	if err := t.sink.Park(ctx, destination, env); err != nil {
		t.logger.Log(ctx, log.LevelError, "parking dead letter failed, requeueing",
			log.String("destination", destination),
			log.String("message_id", env.MessageID),
			log.Err(err))
		t.nack(delivery, true)

		return
	}

	t.ack(delivery)
}

func (t *Transport) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		t.logger.Log(context.Background(), log.LevelWarn, "ack failed", log.Err(err))
	}
}

func (t *Transport) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		t.logger.Log(context.Background(), log.LevelWarn, "nack failed", log.Err(err))
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

// Close stops all consumers and closes the channel.
func (t *Transport) Close() error {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()

		return nil
	}

	t.closed = true
	t.mu.Unlock()

	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()

	if err := t.ch.Close(); err != nil {
		return fmt.Errorf("closing channel: %w", err)
	}

	return nil
}
