package idempotency

import (
	"context"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-saga/saga/outbox"
)

// MemoryLedger is an in-memory TxLedger for tests and single-process use.
// The transactional variant ignores the tx handle; there is nothing to roll
// back in memory.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

var _ TxLedger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

// Record marks the (event id, consumer) pair as processed.
func (ledger *MemoryLedger) Record(_ context.Context, eventID, consumerName string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, ErrEventIDRequired
	}

	consumerName = strings.TrimSpace(consumerName)
	if consumerName == "" {
		return false, ErrConsumerNameRequired
	}

	key := eventID + "\x00" + consumerName

	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	if _, ok := ledger.seen[key]; ok {
		return false, nil
	}

	ledger.seen[key] = struct{}{}

	return true, nil
}

// RecordTx behaves like Record; the tx handle is ignored.
func (ledger *MemoryLedger) RecordTx(ctx context.Context, _ outbox.Tx, eventID, consumerName string) (bool, error) {
	return ledger.Record(ctx, eventID, consumerName)
}

// Seen reports whether the pair was already recorded. Test helper.
func (ledger *MemoryLedger) Seen(eventID, consumerName string) bool {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	_, ok := ledger.seen[eventID+"\x00"+consumerName]

	return ok
}
