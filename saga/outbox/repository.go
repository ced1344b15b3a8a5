package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It intentionally aliases *sql.Tx so outbox writes, idempotency records, and
// business rows share the caller's transaction without adapter layers.
type Tx = *sql.Tx

// Repository defines persistence operations for outbox events.
//
// ListPending must atomically claim the returned events by moving them to
// PROCESSING, so concurrent relay instances never publish the same event from
// a pending row twice.
type Repository interface {
	Create(ctx context.Context, event *Event) (*Event, error)
	CreateWithTx(ctx context.Context, tx Tx, event *Event) (*Event, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	ListPending(ctx context.Context, limit int) ([]*Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error
	MarkInvalid(ctx context.Context, id uuid.UUID, errMsg string) error
	ResetForRetry(ctx context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*Event, error)
	ResetStuckProcessing(ctx context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*Event, error)
}
