package participant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-saga/saga/outbox"
)

// UnitOfWork runs a function inside one local transaction. The adapter uses
// it to commit the business rows, the idempotency marker, and the outbox
// reply atomically.
type UnitOfWork interface {
	Within(ctx context.Context, fn func(ctx context.Context, tx outbox.Tx) error) error
}

const defaultTxTimeout = 30 * time.Second

// SQLUnitOfWork is the database/sql UnitOfWork implementation.
type SQLUnitOfWork struct {
	db      *sql.DB
	timeout time.Duration
}

var _ UnitOfWork = (*SQLUnitOfWork)(nil)

// SQLUnitOfWorkOption configures the unit of work.
type SQLUnitOfWorkOption func(*SQLUnitOfWork)

// WithTransactionTimeout bounds how long one transaction may run.
func WithTransactionTimeout(timeout time.Duration) SQLUnitOfWorkOption {
	return func(uow *SQLUnitOfWork) {
		if timeout > 0 {
			uow.timeout = timeout
		}
	}
}

// NewSQLUnitOfWork creates a UnitOfWork over the given database handle.
func NewSQLUnitOfWork(db *sql.DB, opts ...SQLUnitOfWorkOption) (*SQLUnitOfWork, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}

	uow := &SQLUnitOfWork{db: db, timeout: defaultTxTimeout}

	for _, opt := range opts {
		if opt != nil {
			opt(uow)
		}
	}

	return uow, nil
}

// Within begins a transaction, runs fn, and commits when fn returns nil.
// Any fn error rolls the transaction back and is returned unchanged so
// callers can inspect it.
func (uow *SQLUnitOfWork) Within(ctx context.Context, fn func(ctx context.Context, tx outbox.Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, uow.timeout)
	defer cancel()

	tx, err := uow.db.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(txCtx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	committed = true

	return nil
}

// NopUnitOfWork runs the function with a nil transaction handle. It pairs
// with the in-memory outbox repository and ledger, which ignore the handle.
type NopUnitOfWork struct{}

var _ UnitOfWork = NopUnitOfWork{}

// Within runs fn directly without transactional scope.
func (NopUnitOfWork) Within(ctx context.Context, fn func(ctx context.Context, tx outbox.Tx) error) error {
	return fn(ctx, nil)
}
