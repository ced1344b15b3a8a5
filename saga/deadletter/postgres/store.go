// Package postgres persists parked dead-letter messages in the
// parked_messages table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-saga/saga/deadletter"
	"github.com/LerianStudio/lib-saga/saga/message"
	libPostgres "github.com/LerianStudio/lib-saga/saga/postgres"
)

var ErrConnectionRequired = errors.New("postgres connection is required")

const parkedColumns = "id, message_id, saga_id, step_name, kind, destination, " +
	"payload, attempt, last_error, parked_at, replayed_at"

// ParkedStore is the durable deadletter.ParkedStore implementation.
type ParkedStore struct {
	conn *libPostgres.Connection
}

var _ deadletter.ParkedStore = (*ParkedStore)(nil)

// NewParkedStore creates a postgres-backed parked-message store.
func NewParkedStore(conn *libPostgres.Connection) (*ParkedStore, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	return &ParkedStore{conn: conn}, nil
}

// Save inserts a parked message.
func (store *ParkedStore) Save(ctx context.Context, parked *deadletter.ParkedMessage) error {
	if parked == nil {
		return deadletter.ErrParkedMessageRequired
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	query := "INSERT INTO parked_messages (" + parkedColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

	if _, err := db.ExecContext(ctx, query,
		parked.ID,
		parked.MessageID,
		parked.SagaID,
		parked.StepName,
		string(parked.Kind),
		parked.Destination,
		parked.Payload,
		parked.Attempt,
		parked.LastError,
		parked.ParkedAt,
		parked.ReplayedAt,
	); err != nil {
		return fmt.Errorf("inserting parked message: %w", err)
	}

	return nil
}

// Get loads one parked message by id.
func (store *ParkedStore) Get(ctx context.Context, id uuid.UUID) (*deadletter.ParkedMessage, error) {
	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + parkedColumns + " FROM parked_messages WHERE id = $1"

	parked, err := scanParkedMessage(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", deadletter.ErrParkedMessageNotFound, id)
		}

		return nil, fmt.Errorf("loading parked message: %w", err)
	}

	return parked, nil
}

// List returns unreplayed parked messages, oldest first.
func (store *ParkedStore) List(ctx context.Context, limit int) ([]*deadletter.ParkedMessage, error) {
	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + parkedColumns + " FROM parked_messages" +
		" WHERE replayed_at IS NULL ORDER BY parked_at ASC LIMIT $1"

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing parked messages: %w", err)
	}

	defer rows.Close()

	parked := make([]*deadletter.ParkedMessage, 0, limit)

	for rows.Next() {
		entry, scanErr := scanParkedMessage(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning parked message: %w", scanErr)
		}

		parked = append(parked, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating parked messages: %w", err)
	}

	return parked, nil
}

// MarkReplayed stamps the parked message as replayed.
func (store *ParkedStore) MarkReplayed(ctx context.Context, id uuid.UUID, replayedAt time.Time) error {
	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	query := "UPDATE parked_messages SET replayed_at = $1 WHERE id = $2 AND replayed_at IS NULL"

	result, err := db.ExecContext(ctx, query, replayedAt, id)
	if err != nil {
		return fmt.Errorf("marking parked message replayed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking parked message replayed: rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", deadletter.ErrParkedMessageNotFound, id)
	}

	return nil
}

func scanParkedMessage(scanner interface{ Scan(dest ...any) error }) (*deadletter.ParkedMessage, error) {
	var (
		parked     deadletter.ParkedMessage
		kindRaw    string
		lastError  sql.NullString
		replayedAt sql.NullTime
	)

	if err := scanner.Scan(
		&parked.ID,
		&parked.MessageID,
		&parked.SagaID,
		&parked.StepName,
		&kindRaw,
		&parked.Destination,
		&parked.Payload,
		&parked.Attempt,
		&lastError,
		&parked.ParkedAt,
		&replayedAt,
	); err != nil {
		return nil, err
	}

	parked.Kind = message.Kind(kindRaw)

	if lastError.Valid {
		parked.LastError = lastError.String
	}

	if replayedAt.Valid {
		replayed := replayedAt.Time
		parked.ReplayedAt = &replayed
	}

	return &parked, nil
}
