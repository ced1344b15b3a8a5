package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-saga/saga"
	"github.com/LerianStudio/lib-saga/saga/log"
)

const instanceColumns = "id, saga_type, status, current_step, completed_steps, " +
	"pending_compensations, context, step_deadline, resend_attempts, last_error, " +
	"version, created_at, updated_at"

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
)

// InstanceStore persists saga instances in the saga_instances table.
//
// Writes go to the primary; reads go through the resolver so replicas can
// serve them. Optimistic concurrency uses the version column: Update only
// matches the caller's version and bumps it by one.
type InstanceStore struct {
	conn   *Connection
	logger log.Logger
}

var _ saga.InstanceStore = (*InstanceStore)(nil)

// InstanceStoreOption configures the store.
type InstanceStoreOption func(*InstanceStore)

// WithInstanceStoreLogger sets the store's logger.
func WithInstanceStoreLogger(logger log.Logger) InstanceStoreOption {
	return func(store *InstanceStore) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// NewInstanceStore creates a postgres-backed saga instance store.
func NewInstanceStore(conn *Connection, opts ...InstanceStoreOption) (*InstanceStore, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &InstanceStore{
		conn:   conn,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// Create inserts a new saga instance at version 1.
func (store *InstanceStore) Create(ctx context.Context, instance *saga.Instance) error {
	if instance == nil {
		return saga.ErrInstanceRequired
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	columns, err := marshalInstanceColumns(instance)
	if err != nil {
		return err
	}

	instance.Version = 1

	query := "INSERT INTO saga_instances (" + instanceColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)"

	if _, err := db.ExecContext(ctx, query,
		instance.ID,
		instance.SagaType,
		instance.Status.String(),
		instance.CurrentStep,
		columns.completedSteps,
		columns.pendingCompensations,
		columns.businessContext,
		instance.StepDeadline,
		instance.ResendAttempts,
		instance.LastError,
		instance.Version,
		instance.CreatedAt,
		instance.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", saga.ErrInstanceExists, instance.ID)
		}

		return fmt.Errorf("inserting saga instance: %w", err)
	}

	return nil
}

// Get loads one saga instance by id.
func (store *InstanceStore) Get(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + instanceColumns + " FROM saga_instances WHERE id = $1"

	instance, err := scanInstance(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", saga.ErrInstanceNotFound, id)
		}

		return nil, fmt.Errorf("loading saga instance: %w", err)
	}

	return instance, nil
}

// Update persists the instance if the caller holds the current version,
// bumping the version on success.
func (store *InstanceStore) Update(ctx context.Context, instance *saga.Instance) error {
	if instance == nil {
		return saga.ErrInstanceRequired
	}

	db, err := store.conn.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	columns, err := marshalInstanceColumns(instance)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	query := "UPDATE saga_instances SET " +
		"status = $1, current_step = $2, completed_steps = $3, pending_compensations = $4, " +
		"context = $5, step_deadline = $6, resend_attempts = $7, last_error = $8, " +
		"version = version + 1, updated_at = $9 " +
		"WHERE id = $10 AND version = $11"

	result, err := db.ExecContext(ctx, query,
		instance.Status.String(),
		instance.CurrentStep,
		columns.completedSteps,
		columns.pendingCompensations,
		columns.businessContext,
		instance.StepDeadline,
		instance.ResendAttempts,
		instance.LastError,
		now,
		instance.ID,
		instance.Version,
	)
	if err != nil {
		return fmt.Errorf("updating saga instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating saga instance: rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s at version %d", saga.ErrInstanceStale, instance.ID, instance.Version)
	}

	instance.Version++
	instance.UpdatedAt = now

	return nil
}

// ListExpired returns non-terminal instances whose step deadline passed
// before the given time, oldest deadline first.
func (store *InstanceStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*saga.Instance, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	db, err := store.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + instanceColumns + " FROM saga_instances " +
		"WHERE step_deadline IS NOT NULL AND step_deadline < $1 " +
		"AND status IN ($2, $3) " +
		"ORDER BY step_deadline ASC LIMIT $4"

	rows, err := db.QueryContext(ctx, query,
		before,
		saga.StatusInProgress.String(),
		saga.StatusCompensating.String(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired saga instances: %w", err)
	}

	defer rows.Close()

	instances := make([]*saga.Instance, 0, limit)

	for rows.Next() {
		instance, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning saga instance: %w", scanErr)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating saga instances: %w", err)
	}

	return instances, nil
}

type instanceColumnsJSON struct {
	completedSteps       []byte
	pendingCompensations []byte
	businessContext      []byte
}

func marshalInstanceColumns(instance *saga.Instance) (instanceColumnsJSON, error) {
	completed, err := json.Marshal(orEmptySlice(instance.CompletedSteps))
	if err != nil {
		return instanceColumnsJSON{}, fmt.Errorf("encoding completed steps: %w", err)
	}

	pending, err := json.Marshal(orEmptySlice(instance.PendingCompensations))
	if err != nil {
		return instanceColumnsJSON{}, fmt.Errorf("encoding pending compensations: %w", err)
	}

	businessContext, err := json.Marshal(orEmptyMap(instance.Context))
	if err != nil {
		return instanceColumnsJSON{}, fmt.Errorf("encoding saga context: %w", err)
	}

	return instanceColumnsJSON{
		completedSteps:       completed,
		pendingCompensations: pending,
		businessContext:      businessContext,
	}, nil
}

func orEmptySlice(values []string) []string {
	if values == nil {
		return []string{}
	}

	return values
}

func orEmptyMap(values map[string]string) map[string]string {
	if values == nil {
		return map[string]string{}
	}

	return values
}

func scanInstance(scanner interface{ Scan(dest ...any) error }) (*saga.Instance, error) {
	var (
		instance             saga.Instance
		statusRaw            string
		completedSteps       []byte
		pendingCompensations []byte
		businessContext      []byte
		stepDeadline         sql.NullTime
		lastError            sql.NullString
	)

	if err := scanner.Scan(
		&instance.ID,
		&instance.SagaType,
		&statusRaw,
		&instance.CurrentStep,
		&completedSteps,
		&pendingCompensations,
		&businessContext,
		&stepDeadline,
		&instance.ResendAttempts,
		&lastError,
		&instance.Version,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	); err != nil {
		return nil, err
	}

	status, err := saga.ParseStatus(statusRaw)
	if err != nil {
		return nil, err
	}

	instance.Status = status

	if err := json.Unmarshal(completedSteps, &instance.CompletedSteps); err != nil {
		return nil, fmt.Errorf("decoding completed steps: %w", err)
	}

	if err := json.Unmarshal(pendingCompensations, &instance.PendingCompensations); err != nil {
		return nil, fmt.Errorf("decoding pending compensations: %w", err)
	}

	if err := json.Unmarshal(businessContext, &instance.Context); err != nil {
		return nil, fmt.Errorf("decoding saga context: %w", err)
	}

	if stepDeadline.Valid {
		deadline := stepDeadline.Time
		instance.StepDeadline = &deadline
	}

	if lastError.Valid {
		instance.LastError = lastError.String
	}

	return &instance, nil
}

// isUniqueViolation matches the postgres unique_violation SQLSTATE without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	type sqlStater interface {
		SQLState() string
	}

	var stater sqlStater
	if errors.As(err, &stater) {
		return stater.SQLState() == "23505"
	}

	return false
}
