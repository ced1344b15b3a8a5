// Package idempotency records processed (event id, consumer) pairs so
// at-least-once delivery collapses to exactly-once side effects.
package idempotency

import (
	"context"

	"github.com/LerianStudio/lib-saga/saga/outbox"
)

// Ledger deduplicates message processing per consumer.
//
// Record returns true when the pair was recorded for the first time and
// false when it was already present; callers skip processing on false.
type Ledger interface {
	Record(ctx context.Context, eventID, consumerName string) (bool, error)
}

// TxLedger records the pair inside the caller's transaction so the dedup
// marker commits or rolls back together with the business rows and the
// outbox write.
type TxLedger interface {
	Ledger
	RecordTx(ctx context.Context, tx outbox.Tx, eventID, consumerName string) (bool, error)
}
