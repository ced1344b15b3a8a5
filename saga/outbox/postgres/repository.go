// Package postgres persists outbox events in PostgreSQL with claim-on-read
// semantics so multiple relay instances can share one outbox table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-saga/saga/log"
	"github.com/LerianStudio/lib-saga/saga/outbox"
	libPostgres "github.com/LerianStudio/lib-saga/saga/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired        = errors.New("postgres connection is required")
	ErrStateTransitionConflict   = errors.New("outbox event state transition conflict")
	ErrRepositoryNotInitialized  = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")
	ErrInvalidIdentifier         = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
	outboxColumns             = "id, event_type, aggregate_id, payload, status, attempts, published_at, last_error, created_at, updated_at"
)

// Option configures the repository.
type Option func(*Repository)

// WithLogger sets the repository's logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the default outbox_events table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// WithTransactionTimeout bounds internally-created transactions.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists outbox events in PostgreSQL.
type Repository struct {
	conn               *libPostgres.Connection
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(conn *libPostgres.Connection, opts ...Option) (*Repository, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		conn:               conn,
		logger:             log.NewNop(),
		tableName:          "outbox_events",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_events"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Create stores a new outbox event using its own transaction.
func (repo *Repository) Create(ctx context.Context, event *outbox.Event) (*outbox.Event, error) {
	return repo.create(ctx, nil, event)
}

// CreateWithTx stores a new outbox event inside the caller's transaction,
// the write path that makes the outbox transactional with business rows.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, event *outbox.Event) (*outbox.Event, error) {
	return repo.create(ctx, tx, event)
}

func (repo *Repository) create(ctx context.Context, tx *sql.Tx, event *outbox.Event) (*outbox.Event, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if err := validateCreateEvent(event); err != nil {
		return nil, err
	}

	result, err := withTxOrExisting(repo, ctx, tx, func(ctx context.Context, execTx *sql.Tx) (*outbox.Event, error) {
		values := normalizedCreateValues(event, time.Now().UTC())
		table := quoteIdentifierPath(repo.tableName)
		query := "INSERT INTO " + table +
			" (id, event_type, aggregate_id, payload, status, attempts, published_at, last_error, created_at, updated_at)" +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING " + outboxColumns

		row := execTx.QueryRowContext(ctx, query,
			values.id,
			values.eventType,
			values.aggregateID,
			values.payload,
			values.status,
			values.attempts,
			values.publishedAt,
			values.lastError,
			values.createdAt,
			values.updatedAt,
		)

		return scanOutboxEvent(row)
	})
	if err != nil {
		repo.logSanitizedError(ctx, "failed to create outbox event", err)

		return nil, fmt.Errorf("creating outbox event: %w", err)
	}

	return result, nil
}

// GetByID retrieves an outbox event by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	result, err := withTxOrExisting(repo, ctx, nil, func(ctx context.Context, tx *sql.Tx) (*outbox.Event, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table + " WHERE id = $1"

		return scanOutboxEvent(tx.QueryRowContext(ctx, query, id))
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", outbox.ErrEventNotFound, id)
		}

		repo.logSanitizedError(ctx, "failed to get outbox event", err)

		return nil, fmt.Errorf("getting outbox event: %w", err)
	}

	return result, nil
}

// ListPending atomically claims pending outbox events, moving the returned
// rows to PROCESSING inside the same transaction. FOR UPDATE SKIP LOCKED
// keeps concurrent relays from claiming the same rows.
func (repo *Repository) ListPending(ctx context.Context, limit int) ([]*outbox.Event, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	result, err := withTxOrExisting(repo, ctx, nil, func(ctx context.Context, tx *sql.Tx) ([]*outbox.Event, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table +
			" WHERE status = $1 ORDER BY created_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED"

		events, err := queryOutboxEvents(ctx, tx, query,
			[]any{outbox.StatusPendingRaw, limit}, limit, "querying pending events")
		if err != nil {
			return nil, err
		}

		return repo.claimEvents(ctx, tx, events, outbox.StatusPendingRaw)
	})
	if err != nil {
		repo.logSanitizedError(ctx, "failed to list pending outbox events", err)

		return nil, fmt.Errorf("listing pending events: %w", err)
	}

	return result, nil
}

// MarkPublished marks an outbox event as published.
func (repo *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusPublishedRaw); err != nil {
		return fmt.Errorf("mark published transition: %w", err)
	}

	_, err := withTxOrExisting(repo, ctx, nil, func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET status = $1::outbox_event_status, published_at = $2, updated_at = $3" +
			" WHERE id = $4 AND status = $5::outbox_event_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusPublishedRaw, publishedAt, time.Now().UTC(), id, outbox.StatusProcessingRaw)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		repo.logSanitizedError(ctx, "failed to mark outbox published", err)

		return fmt.Errorf("marking published: %w", err)
	}

	return nil
}

// MarkFailed records a failed publish, flipping the event to INVALID once
// its attempt budget is exhausted.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if maxAttempts <= 0 {
		return ErrMaxAttemptsMustBePositive
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusFailedRaw); err != nil {
		return fmt.Errorf("mark failed transition: %w", err)
	}

	errMsg = outbox.SanitizeErrorMessageForStorage(errMsg)

	_, err := withTxOrExisting(repo, ctx, nil, func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET " +
			"status = CASE WHEN attempts >= $1 THEN $2 ELSE $3 END::outbox_event_status, " +
			"last_error = CASE WHEN attempts >= $1 THEN $4 ELSE $5 END, " +
			"updated_at = $6 WHERE id = $7 AND status = $8::outbox_event_status"

		result, execErr := tx.ExecContext(ctx, query,
			maxAttempts,
			outbox.StatusInvalidRaw,
			outbox.StatusFailedRaw,
			"max dispatch attempts exceeded",
			errMsg,
			time.Now().UTC(),
			id,
			outbox.StatusProcessingRaw,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		repo.logSanitizedError(ctx, "failed to mark outbox failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// MarkInvalid permanently excludes an outbox event from delivery.
func (repo *Repository) MarkInvalid(ctx context.Context, id uuid.UUID, errMsg string) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessingRaw, outbox.StatusInvalidRaw); err != nil {
		return fmt.Errorf("mark invalid transition: %w", err)
	}

	errMsg = outbox.SanitizeErrorMessageForStorage(errMsg)

	_, err := withTxOrExisting(repo, ctx, nil, func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET status = $1::outbox_event_status, last_error = $2, updated_at = $3" +
			" WHERE id = $4 AND status = $5::outbox_event_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusInvalidRaw, errMsg, time.Now().UTC(), id, outbox.StatusProcessingRaw)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		repo.logSanitizedError(ctx, "failed to mark outbox invalid", err)

		return fmt.Errorf("marking invalid: %w", err)
	}

	return nil
}

// ResetForRetry atomically selects and reclaims aged FAILED events.
func (repo *Repository) ResetForRetry(
	ctx context.Context,
	limit int,
	failedBefore time.Time,
	maxAttempts int,
) ([]*outbox.Event, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	result, err := withTxOrExisting(repo, ctx, nil, func(ctx context.Context, tx *sql.Tx) ([]*outbox.Event, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table +
			" WHERE status = $1 AND attempts < $2 AND updated_at <= $3" +
			" ORDER BY updated_at ASC LIMIT $4 FOR UPDATE SKIP LOCKED"

		events, err := queryOutboxEvents(ctx, tx, query,
			[]any{outbox.StatusFailedRaw, maxAttempts, failedBefore, limit},
			limit, "querying failed events for retry")
		if err != nil {
			return nil, err
		}

		return repo.claimEvents(ctx, tx, events, outbox.StatusFailedRaw)
	})
	if err != nil {
		repo.logSanitizedError(ctx, "failed to reset outbox events for retry", err)

		return nil, fmt.Errorf("resetting events for retry: %w", err)
	}

	return result, nil
}

// ResetStuckProcessing reclaims PROCESSING events abandoned by a crashed
// relay. Events whose next attempt would exceed maxAttempts are invalidated
// instead of returned.
func (repo *Repository) ResetStuckProcessing(
	ctx context.Context,
	limit int,
	processingBefore time.Time,
	maxAttempts int,
) ([]*outbox.Event, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	result, err := withTxOrExisting(repo, ctx, nil, func(ctx context.Context, tx *sql.Tx) ([]*outbox.Event, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table +
			" WHERE status = $1 AND updated_at <= $2" +
			" ORDER BY updated_at ASC LIMIT $3 FOR UPDATE SKIP LOCKED"

		events, err := queryOutboxEvents(ctx, tx, query,
			[]any{outbox.StatusProcessingRaw, processingBefore, limit},
			limit, "querying stuck events")
		if err != nil {
			return nil, err
		}

		if len(events) == 0 {
			return events, nil
		}

		retryEvents, exhaustedIDs := splitStuckEvents(events, maxAttempts)
		now := time.Now().UTC()

		// Reclaimed events stay PROCESSING with a bumped attempt counter.
		// Flipping them to PENDING would let another relay claim them the
		// moment this transaction commits.
		if ids := collectEventIDs(retryEvents); len(ids) > 0 {
			if err := repo.touchProcessing(ctx, tx, now, ids); err != nil {
				return nil, err
			}

			for _, event := range retryEvents {
				event.Attempts++
				event.Status = outbox.StatusProcessingRaw
				event.UpdatedAt = now
			}
		}

		if len(exhaustedIDs) > 0 {
			if err := repo.invalidateExhausted(ctx, tx, now, exhaustedIDs); err != nil {
				return nil, err
			}
		}

		return retryEvents, nil
	})
	if err != nil {
		repo.logSanitizedError(ctx, "failed to reset stuck outbox events", err)

		return nil, fmt.Errorf("reset stuck events: %w", err)
	}

	return result, nil
}

// claimEvents moves the given rows from fromStatus to PROCESSING and bumps
// their attempt counter. Caller must hold row locks from the SELECT.
func (repo *Repository) claimEvents(
	ctx context.Context,
	tx *sql.Tx,
	events []*outbox.Event,
	fromStatus string,
) ([]*outbox.Event, error) {
	if len(events) == 0 {
		return events, nil
	}

	ids := collectEventIDs(events)
	if len(ids) == 0 {
		return events, nil
	}

	if err := outbox.ValidateTransition(fromStatus, outbox.StatusProcessingRaw); err != nil {
		return nil, fmt.Errorf("claim transition: %w", err)
	}

	now := time.Now().UTC()
	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET status = $1::outbox_event_status, attempts = attempts + 1, updated_at = $2" +
		" WHERE id = ANY($3::uuid[]) AND status = $4::outbox_event_status"

	result, err := tx.ExecContext(ctx, query, outbox.StatusProcessingRaw, now, ids, fromStatus)
	if err != nil {
		return nil, fmt.Errorf("claiming events: %w", err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return nil, fmt.Errorf("claiming events: %w", err)
	}

	for _, event := range events {
		event.Status = outbox.StatusProcessingRaw
		event.Attempts++
		event.UpdatedAt = now
	}

	return events, nil
}

func (repo *Repository) touchProcessing(ctx context.Context, tx *sql.Tx, now time.Time, ids []uuid.UUID) error {
	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET attempts = attempts + 1, updated_at = $1" +
		" WHERE id = ANY($2::uuid[]) AND status = $3::outbox_event_status"

	result, err := tx.ExecContext(ctx, query, now, ids, outbox.StatusProcessingRaw)
	if err != nil {
		return fmt.Errorf("updating stuck events: %w", err)
	}

	return ensureRowsAffectedExact(result, int64(len(ids)))
}

func (repo *Repository) invalidateExhausted(ctx context.Context, tx *sql.Tx, now time.Time, ids []uuid.UUID) error {
	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET status = $1::outbox_event_status, attempts = attempts + 1, last_error = $2, updated_at = $3" +
		" WHERE id = ANY($4::uuid[]) AND status = $5::outbox_event_status"

	result, err := tx.ExecContext(ctx, query,
		outbox.StatusInvalidRaw, "max dispatch attempts exceeded", now, ids, outbox.StatusProcessingRaw)
	if err != nil {
		return fmt.Errorf("invalidating exhausted events: %w", err)
	}

	return ensureRowsAffectedExact(result, int64(len(ids)))
}

func splitStuckEvents(events []*outbox.Event, maxAttempts int) ([]*outbox.Event, []uuid.UUID) {
	retryEvents := make([]*outbox.Event, 0, len(events))
	exhaustedIDs := make([]uuid.UUID, 0)

	for _, event := range events {
		if event == nil || event.ID == uuid.Nil {
			continue
		}

		if event.Attempts+1 >= maxAttempts {
			exhaustedIDs = append(exhaustedIDs, event.ID)

			continue
		}

		retryEvents = append(retryEvents, event)
	}

	return retryEvents, exhaustedIDs
}

func collectEventIDs(events []*outbox.Event) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(events))

	for _, event := range events {
		if event == nil || event.ID == uuid.Nil {
			continue
		}

		ids = append(ids, event.ID)
	}

	return ids
}

func scanOutboxEvent(scanner interface{ Scan(dest ...any) error }) (*outbox.Event, error) {
	var (
		event     outbox.Event
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&event.ID,
		&event.EventType,
		&event.AggregateID,
		&event.Payload,
		&event.Status,
		&event.Attempts,
		&event.PublishedAt,
		&lastError,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lastError.Valid {
		event.LastError = lastError.String
	}

	return &event, nil
}

func queryOutboxEvents(
	ctx context.Context,
	tx *sql.Tx,
	query string,
	args []any,
	limit int,
	errorPrefix string,
) ([]*outbox.Event, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorPrefix, err)
	}

	defer rows.Close()

	events := make([]*outbox.Event, 0, limit)

	for rows.Next() {
		event, scanErr := scanOutboxEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", scanErr)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return events, nil
}

func withTxOrExisting[T any](
	repo *Repository,
	ctx context.Context,
	tx *sql.Tx,
	fn func(context.Context, *sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx != nil {
		return fn(ctx, tx)
	}

	primaryDB, err := repo.conn.PrimaryDB(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	newTx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(txCtx, newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.conn != nil
}

func (repo *Repository) logSanitizedError(ctx context.Context, message string, err error) {
	if repo.logger == nil || err == nil || errors.Is(err, sql.ErrNoRows) {
		return
	}

	repo.logger.Log(ctx, log.LevelError, message,
		log.String("error", outbox.SanitizeErrorMessageForStorage(err.Error())))
}

type createValues struct {
	id          uuid.UUID
	eventType   string
	aggregateID uuid.UUID
	payload     []byte
	status      string
	attempts    int
	publishedAt *time.Time
	lastError   string
	createdAt   time.Time
	updatedAt   time.Time
}

func normalizedCreateValues(event *outbox.Event, now time.Time) createValues {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	updatedAt := event.UpdatedAt
	if updatedAt.IsZero() || updatedAt.Before(createdAt) {
		updatedAt = createdAt
	}

	return createValues{
		id:          event.ID,
		eventType:   strings.TrimSpace(event.EventType),
		aggregateID: event.AggregateID,
		payload:     event.Payload,
		status:      outbox.StatusPendingRaw,
		attempts:    0,
		publishedAt: nil,
		lastError:   "",
		createdAt:   createdAt,
		updatedAt:   updatedAt,
	}
}

func validateCreateEvent(event *outbox.Event) error {
	if event == nil {
		return outbox.ErrEventRequired
	}

	if event.ID == uuid.Nil {
		return ErrIDRequired
	}

	if strings.TrimSpace(event.EventType) == "" {
		return outbox.ErrEventTypeRequired
	}

	if event.AggregateID == uuid.Nil {
		return outbox.ErrAggregateIDRequired
	}

	if len(event.Payload) == 0 {
		return outbox.ErrPayloadRequired
	}

	if len(event.Payload) > outbox.DefaultMaxPayloadBytes {
		return outbox.ErrPayloadTooLarge
	}

	if !json.Valid(event.Payload) {
		return outbox.ErrPayloadNotJSON
	}

	return nil
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrStateTransitionConflict
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows != expected {
		return ErrStateTransitionConflict
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, ErrStateTransitionConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
