package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-saga/saga/log"
)

const (
	defaultDispatchInterval    = 2 * time.Second
	defaultBatchSize           = 50
	defaultPublishMaxAttempts  = 3
	defaultPublishBackoff      = 200 * time.Millisecond
	defaultRetryWindow         = 5 * time.Minute
	defaultMaxDispatchAttempts = 10
	defaultProcessingTimeout   = 10 * time.Minute
	defaultMaxFailedPerBatch   = 25
)

// RelayConfig controls relay polling, retry, and metric behavior.
type RelayConfig struct {
	// DispatchInterval is the periodic interval between dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of events processed per cycle.
	BatchSize int
	// PublishMaxAttempts is the max publish attempts for one event within a
	// single cycle.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between publish retries.
	PublishBackoff time.Duration
	// RetryWindow is the minimum age for failed events to become retry-eligible.
	RetryWindow time.Duration
	// MaxDispatchAttempts is the max total dispatch attempts before invalidation.
	MaxDispatchAttempts int
	// ProcessingTimeout is the age threshold for reclaiming stuck processing
	// events, typically left behind by a relay crash mid-cycle.
	ProcessingTimeout time.Duration
	// MaxFailedPerBatch limits how many failed events are reclaimed in one cycle.
	MaxFailedPerBatch int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultRelayConfig returns the baseline relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		DispatchInterval:    defaultDispatchInterval,
		BatchSize:           defaultBatchSize,
		PublishMaxAttempts:  defaultPublishMaxAttempts,
		PublishBackoff:      defaultPublishBackoff,
		RetryWindow:         defaultRetryWindow,
		MaxDispatchAttempts: defaultMaxDispatchAttempts,
		ProcessingTimeout:   defaultProcessingTimeout,
		MaxFailedPerBatch:   defaultMaxFailedPerBatch,
	}
}

func (cfg *RelayConfig) normalize() {
	defaults := DefaultRelayConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = defaults.RetryWindow
	}

	if cfg.MaxDispatchAttempts <= 0 {
		cfg.MaxDispatchAttempts = defaults.MaxDispatchAttempts
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}

	if cfg.MaxFailedPerBatch <= 0 {
		cfg.MaxFailedPerBatch = defaults.MaxFailedPerBatch
	}
}

// RelayOption mutates relay configuration at construction.
type RelayOption func(*Relay)

// WithBatchSize sets the maximum events processed in one dispatch cycle.
func WithBatchSize(size int) RelayOption {
	return func(relay *Relay) {
		if size > 0 {
			relay.cfg.BatchSize = size
		}
	}
}

// WithDispatchInterval sets the dispatch polling interval.
func WithDispatchInterval(interval time.Duration) RelayOption {
	return func(relay *Relay) {
		if interval > 0 {
			relay.cfg.DispatchInterval = interval
		}
	}
}

// WithPublishMaxAttempts sets max publish attempts per event per cycle.
func WithPublishMaxAttempts(maxAttempts int) RelayOption {
	return func(relay *Relay) {
		if maxAttempts > 0 {
			relay.cfg.PublishMaxAttempts = maxAttempts
		}
	}
}

// WithPublishBackoff sets base backoff for publish retry attempts.
func WithPublishBackoff(base time.Duration) RelayOption {
	return func(relay *Relay) {
		if base > 0 {
			relay.cfg.PublishBackoff = base
		}
	}
}

// WithRetryWindow sets failed-event cooldown before retry reclamation.
func WithRetryWindow(retryWindow time.Duration) RelayOption {
	return func(relay *Relay) {
		if retryWindow > 0 {
			relay.cfg.RetryWindow = retryWindow
		}
	}
}

// WithMaxDispatchAttempts sets max dispatch attempts before invalidation.
func WithMaxDispatchAttempts(attempts int) RelayOption {
	return func(relay *Relay) {
		if attempts > 0 {
			relay.cfg.MaxDispatchAttempts = attempts
		}
	}
}

// WithProcessingTimeout sets the timeout used to reclaim stuck processing events.
func WithProcessingTimeout(timeout time.Duration) RelayOption {
	return func(relay *Relay) {
		if timeout > 0 {
			relay.cfg.ProcessingTimeout = timeout
		}
	}
}

// WithMaxFailedPerBatch sets max failed events reclaimed each cycle.
func WithMaxFailedPerBatch(maxFailed int) RelayOption {
	return func(relay *Relay) {
		if maxFailed > 0 {
			relay.cfg.MaxFailedPerBatch = maxFailed
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) RelayOption {
	return func(relay *Relay) {
		relay.retryClassifier = classifier
	}
}

// WithLogger sets the relay's logger.
func WithLogger(logger log.Logger) RelayOption {
	return func(relay *Relay) {
		if logger != nil {
			relay.logger = logger
		}
	}
}

// WithTracer sets the relay's tracer.
func WithTracer(tracer trace.Tracer) RelayOption {
	return func(relay *Relay) {
		if tracer != nil {
			relay.tracer = tracer
		}
	}
}

// WithMeterProvider injects a custom meter provider for relay metrics.
func WithMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(relay *Relay) {
		relay.cfg.MeterProvider = provider
	}
}
