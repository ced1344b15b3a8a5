// Package redis backs the idempotency ledger with Redis SET NX markers.
// It trades the transactional guarantee of the postgres ledger for speed,
// which suits consumers whose side effects are themselves idempotent.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/LerianStudio/lib-saga/saga/idempotency"
)

const (
	defaultKeyPrefix = "saga:processed"
	// DefaultTTL bounds marker retention. Redeliveries arrive within the
	// transport's retry horizon, so markers need not live forever.
	DefaultTTL = 24 * time.Hour
)

// Ledger records processed (event id, consumer) pairs as Redis keys.
type Ledger struct {
	client    goredis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

var _ idempotency.Ledger = (*Ledger)(nil)

// Option configures the ledger.
type Option func(*Ledger)

// WithKeyPrefix overrides the default key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(ledger *Ledger) {
		if strings.TrimSpace(prefix) != "" {
			ledger.keyPrefix = strings.TrimSpace(prefix)
		}
	}
}

// WithTTL overrides marker retention.
func WithTTL(ttl time.Duration) Option {
	return func(ledger *Ledger) {
		if ttl > 0 {
			ledger.ttl = ttl
		}
	}
}

// NewLedger creates a Redis-backed idempotency ledger.
func NewLedger(client goredis.UniversalClient, opts ...Option) (*Ledger, error) {
	if client == nil {
		return nil, idempotency.ErrConnectionRequired
	}

	ledger := &Ledger{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       DefaultTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}

	return ledger, nil
}

// Record marks the pair via SET NX; the first writer wins.
func (ledger *Ledger) Record(ctx context.Context, eventID, consumerName string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, idempotency.ErrEventIDRequired
	}

	consumerName = strings.TrimSpace(consumerName)
	if consumerName == "" {
		return false, idempotency.ErrConsumerNameRequired
	}

	key := fmt.Sprintf("%s:%s:%s", ledger.keyPrefix, consumerName, eventID)

	recorded, err := ledger.client.SetNX(ctx, key, "1", ledger.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("recording processed event: %w", err)
	}

	return recorded, nil
}
