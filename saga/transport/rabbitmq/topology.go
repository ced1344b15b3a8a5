package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchangeName    = "saga.direct"
	defaultDLXExchangeName = "saga.dlx"
	defaultDLQName         = "saga.dlq"
)

// TopologyConfig defines the exchange and queue layout the transport uses.
// Every destination becomes a durable queue bound to the main exchange with
// the destination as routing key, dead-lettering into the DLX.
type TopologyConfig struct {
	ExchangeName    string
	DLXExchangeName string
	DLQName         string
	DLQMessageTTL   time.Duration
	DLQMaxLength    int64
}

// TopologyOption configures topology declaration.
type TopologyOption func(*TopologyConfig)

// WithExchangeName overrides the main exchange name.
func WithExchangeName(name string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if name != "" {
			cfg.ExchangeName = name
		}
	}
}

// WithDLXExchangeName overrides the dead-letter exchange name.
func WithDLXExchangeName(name string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if name != "" {
			cfg.DLXExchangeName = name
		}
	}
}

// WithDLQName overrides the dead-letter queue name.
func WithDLQName(name string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if name != "" {
			cfg.DLQName = name
		}
	}
}

// WithDLQMessageTTL sets x-message-ttl on the dead-letter queue.
func WithDLQMessageTTL(ttl time.Duration) TopologyOption {
	return func(cfg *TopologyConfig) {
		if ttl > 0 {
			cfg.DLQMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length on the dead-letter queue.
func WithDLQMaxLength(maxLength int64) TopologyOption {
	return func(cfg *TopologyConfig) {
		if maxLength > 0 {
			cfg.DLQMaxLength = maxLength
		}
	}
}

func defaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		ExchangeName:    defaultExchangeName,
		DLXExchangeName: defaultDLXExchangeName,
		DLQName:         defaultDLQName,
	}
}

func (cfg TopologyConfig) dlqDeclareArgs() amqp.Table {
	args := make(amqp.Table)

	if cfg.DLQMessageTTL > 0 {
		ttlMillis := cfg.DLQMessageTTL.Milliseconds()
		if ttlMillis <= 0 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if cfg.DLQMaxLength > 0 {
		args["x-max-length"] = cfg.DLQMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

func (cfg TopologyConfig) queueDeclareArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange": cfg.DLXExchangeName,
	}
}

// DeclareTopology declares the main exchange, the dead-letter exchange and
// queue, and one durable queue per destination. It is idempotent and safe to
// run on every service start.
func DeclareTopology(ch Channel, destinations []string, opts ...TopologyOption) error {
	if ch == nil {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	cfg := defaultTopologyConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := ch.ExchangeDeclare(cfg.ExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.DLXExchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQName, true, false, false, false, cfg.dlqDeclareArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(cfg.DLQName, "#", cfg.DLXExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	for _, destination := range destinations {
		if _, err := ch.QueueDeclare(destination, true, false, false, false, cfg.queueDeclareArgs()); err != nil {
			return fmt.Errorf("declare queue %s: %w", destination, err)
		}

		if err := ch.QueueBind(destination, destination, cfg.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", destination, err)
		}
	}

	return nil
}
