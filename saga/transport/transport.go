package transport

import (
	"context"

	"github.com/LerianStudio/lib-saga/saga/message"
)

const (
	// DefaultMaxReceiveCount is how many deliveries a message gets before it
	// is parked in the dead-letter sink.
	DefaultMaxReceiveCount = 3
)

// Handler consumes one envelope. Returning an error requests redelivery;
// after MaxReceiveCount failed deliveries the message is dead-lettered.
type Handler func(ctx context.Context, env message.Envelope) error

// Publisher sends envelopes to a named destination. Messages sharing a
// groupKey are delivered in publish order.
type Publisher interface {
	Publish(ctx context.Context, destination, groupKey string, env message.Envelope) error
}

// Subscriber registers the handler that consumes a destination.
type Subscriber interface {
	Subscribe(destination string, handler Handler) error
}

// DeadLetterSink receives messages that exhausted their delivery budget.
type DeadLetterSink interface {
	Park(ctx context.Context, destination string, env message.Envelope) error
}

// Config holds the delivery policy shared by transport implementations.
type Config struct {
	// MaxReceiveCount caps deliveries per message before dead-lettering.
	MaxReceiveCount int
	// Sink receives exhausted messages. Nil means exhausted messages are
	// dropped with an error log.
	Sink DeadLetterSink
}

func (cfg *Config) normalize() {
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = DefaultMaxReceiveCount
	}
}
