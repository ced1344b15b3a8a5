// Package postgres backs the idempotency ledger with the processed_events
// table, giving participants transactional exactly-once processing.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-saga/saga/idempotency"
	"github.com/LerianStudio/lib-saga/saga/outbox"
	libPostgres "github.com/LerianStudio/lib-saga/saga/postgres"
)

// Ledger records processed (event id, consumer) pairs in postgres. The
// primary key on (event_id, consumer_name) makes Record a race-free
// first-writer-wins check via INSERT ... ON CONFLICT DO NOTHING.
type Ledger struct {
	conn *libPostgres.Connection
}

var _ idempotency.TxLedger = (*Ledger)(nil)

// NewLedger creates a postgres-backed idempotency ledger.
func NewLedger(conn *libPostgres.Connection) (*Ledger, error) {
	if conn == nil {
		return nil, idempotency.ErrConnectionRequired
	}

	return &Ledger{conn: conn}, nil
}

// Record inserts the pair outside any caller transaction.
func (ledger *Ledger) Record(ctx context.Context, eventID, consumerName string) (bool, error) {
	eventID, consumerName, err := normalizeKey(eventID, consumerName)
	if err != nil {
		return false, err
	}

	db, err := ledger.conn.PrimaryDB(ctx)
	if err != nil {
		return false, err
	}

	return insertMarker(ctx, db, eventID, consumerName)
}

// RecordTx inserts the pair inside the caller's transaction so the marker
// commits atomically with the participant's business write and outbox row.
func (ledger *Ledger) RecordTx(ctx context.Context, tx outbox.Tx, eventID, consumerName string) (bool, error) {
	eventID, consumerName, err := normalizeKey(eventID, consumerName)
	if err != nil {
		return false, err
	}

	if tx == nil {
		return ledger.Record(ctx, eventID, consumerName)
	}

	return insertMarker(ctx, tx, eventID, consumerName)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMarker(ctx context.Context, db execer, eventID, consumerName string) (bool, error) {
	query := "INSERT INTO processed_events (event_id, consumer_name, processed_at)" +
		" VALUES ($1, $2, $3) ON CONFLICT (event_id, consumer_name) DO NOTHING"

	result, err := db.ExecContext(ctx, query, eventID, consumerName, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("recording processed event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording processed event: rows affected: %w", err)
	}

	return rows == 1, nil
}

func normalizeKey(eventID, consumerName string) (string, string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", "", idempotency.ErrEventIDRequired
	}

	consumerName = strings.TrimSpace(consumerName)
	if consumerName == "" {
		return "", "", idempotency.ErrConsumerNameRequired
	}

	return eventID, consumerName, nil
}
