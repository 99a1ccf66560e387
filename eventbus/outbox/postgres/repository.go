// Package postgres provides the PostgreSQL adapter for the outbox
// repository contract.
//
// Status transitions are compare-and-set: every UPDATE carries the expected
// current status in its WHERE clause and a zero-row result surfaces as
// outbox.ErrStateConflict. ListStale claims rows with FOR UPDATE SKIP
// LOCKED so concurrent relay sweeps never double-claim.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopfabric/lib-eventbus/eventbus"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"github.com/shopfabric/lib-eventbus/eventbus/outbox"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired         = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized   = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive        = errors.New("limit must be greater than zero")
	ErrMaxTimesSentMustBePositive = errors.New("maxTimesSent must be greater than zero")
	ErrIDRequired                 = errors.New("id is required")
	ErrInvalidIdentifier          = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

const outboxColumns = "id, event_type, aggregate_id, payload, status, times_sent, " +
	"transaction_id, published_at, last_error, created_at, updated_at"

// TxBeginner abstracts the primary database handle so the repository works
// against *sql.DB or a resolver-backed connection pool.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the default outbox_events table name. Accepts a
// schema-qualified path such as "shop.outbox_events".
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// WithTransactionTimeout bounds transactions the repository opens itself.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists outbox events in PostgreSQL.
type Repository struct {
	db                 TxBeginner
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(db TxBeginner, opts ...Option) (*Repository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		db:                 db,
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

// CreateWithTx inserts the event inside the caller's transaction so the
// outbox row commits or rolls back together with the domain change.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, event *outbox.Event) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if tx == nil {
		return nil, outbox.ErrTransactionRequired
	}

	if event == nil {
		return nil, outbox.ErrEventRequired
	}

	if event.ID == uuid.Nil {
		return nil, ErrIDRequired
	}

	_, tracer, _ := eventbus.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_outbox_event")
	defer span.End()

	now := time.Now().UTC()

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	table := quoteIdentifierPath(repo.tableName)
	query := "INSERT INTO " + table + " (" + outboxColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING " + outboxColumns

	row := tx.QueryRowContext(ctx, query,
		event.ID,
		strings.TrimSpace(event.EventType),
		event.AggregateID,
		event.Payload,
		outbox.StatusNotPublished,
		0,
		nullableUUID(event.TransactionID),
		nil,
		"",
		createdAt,
		createdAt,
	)

	created, err := scanEvent(row)
	if err != nil {
		span.RecordError(err)
		repo.logError(ctx, "failed to create outbox event", err)

		return nil, fmt.Errorf("creating outbox event: %w", err)
	}

	return created, nil
}

// GetByID retrieves one outbox event.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	_, tracer, _ := eventbus.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_outbox_by_id")
	defer span.End()

	event, err := withTx(repo, ctx, func(tx *sql.Tx) (*outbox.Event, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table + " WHERE id = $1"

		return scanEvent(tx.QueryRowContext(ctx, query, id))
	})
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			span.RecordError(err)
			repo.logError(ctx, "failed to get outbox event", err)
		}

		return nil, fmt.Errorf("getting outbox event: %w", err)
	}

	return event, nil
}

// ListStale atomically claims publishable rows in one statement: select
// with SKIP LOCKED, flip to IN_PROGRESS, increment times_sent, and return
// the claimed rows. Eligible rows are NOT_PUBLISHED at any age plus
// IN_PROGRESS and PUBLISH_FAILED rows last touched before staleBefore.
func (repo *Repository) ListStale(
	ctx context.Context,
	limit int,
	staleBefore time.Time,
	maxTimesSent int,
) ([]*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxTimesSent <= 0 {
		return nil, ErrMaxTimesSentMustBePositive
	}

	_, tracer, _ := eventbus.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_stale")
	defer span.End()

	events, err := withTx(repo, ctx, func(tx *sql.Tx) ([]*outbox.Event, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "WITH claimed AS (" +
			"SELECT id FROM " + table + " WHERE times_sent < $1 AND (" +
			"status = $2::outbox_status OR " +
			"(status IN ($3::outbox_status, $4::outbox_status) AND updated_at <= $5)" +
			") ORDER BY created_at ASC LIMIT $6 FOR UPDATE SKIP LOCKED" +
			") UPDATE " + table + " AS o SET " +
			"status = $3::outbox_status, times_sent = o.times_sent + 1, updated_at = $7 " +
			"FROM claimed WHERE o.id = claimed.id " +
			"RETURNING " + prefixColumns("o.", outboxColumns)

		args := []any{
			maxTimesSent,
			outbox.StatusNotPublished,
			outbox.StatusInProgress,
			outbox.StatusPublishFailed,
			staleBefore,
			limit,
			time.Now().UTC(),
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("claiming stale events: %w", err)
		}

		defer rows.Close()

		events := make([]*outbox.Event, 0, limit)

		for rows.Next() {
			event, scanErr := scanEvent(rows)
			if scanErr != nil {
				return nil, scanErr
			}

			events = append(events, event)
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating claimed rows: %w", err)
		}

		return events, nil
	})
	if err != nil {
		span.RecordError(err)
		repo.logError(ctx, "failed to claim stale outbox events", err)

		return nil, fmt.Errorf("listing stale events: %w", err)
	}

	return events, nil
}

// MarkInProgress claims one row for an inline publish attempt.
func (repo *Repository) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	_, tracer, _ := eventbus.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_in_progress")
	defer span.End()

	_, err := withTx(repo, ctx, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET " +
			"status = $1::outbox_status, times_sent = times_sent + 1, updated_at = $2 " +
			"WHERE id = $3 AND status IN ($4::outbox_status, $5::outbox_status)"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusInProgress,
			time.Now().UTC(),
			id,
			outbox.StatusNotPublished,
			outbox.StatusPublishFailed,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		if !errors.Is(err, outbox.ErrStateConflict) {
			span.RecordError(err)
			repo.logError(ctx, "failed to mark outbox in progress", err)
		}

		return fmt.Errorf("marking in progress: %w", err)
	}

	return nil
}

// MarkPublished finishes a successful publish.
func (repo *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(string(outbox.StatusInProgress), string(outbox.StatusPublished)); err != nil {
		return fmt.Errorf("mark published transition: %w", err)
	}

	_, tracer, _ := eventbus.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_published")
	defer span.End()

	_, err := withTx(repo, ctx, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET " +
			"status = $1::outbox_status, published_at = $2, last_error = '', updated_at = $3 " +
			"WHERE id = $4 AND status = $5::outbox_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusPublished,
			publishedAt,
			time.Now().UTC(),
			id,
			outbox.StatusInProgress,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		span.RecordError(err)
		repo.logError(ctx, "failed to mark outbox published", err)

		return fmt.Errorf("marking published: %w", err)
	}

	return nil
}

// MarkFailed records a failed publish attempt with a sanitized error.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(string(outbox.StatusInProgress), string(outbox.StatusPublishFailed)); err != nil {
		return fmt.Errorf("mark failed transition: %w", err)
	}

	errMsg = outbox.SanitizeErrorMessageForStorage(errMsg)

	_, tracer, _ := eventbus.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	_, err := withTx(repo, ctx, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET " +
			"status = $1::outbox_status, last_error = $2, updated_at = $3 " +
			"WHERE id = $4 AND status = $5::outbox_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusPublishFailed,
			errMsg,
			time.Now().UTC(),
			id,
			outbox.StatusInProgress,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		span.RecordError(err)
		repo.logError(ctx, "failed to mark outbox failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// MarkExhausted stamps the terminal last_error on PUBLISH_FAILED rows that
// consumed every publish attempt. Zero matched rows is a normal outcome.
func (repo *Repository) MarkExhausted(ctx context.Context, maxTimesSent int) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	if maxTimesSent <= 0 {
		return 0, ErrMaxTimesSentMustBePositive
	}

	_, tracer, _ := eventbus.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_exhausted")
	defer span.End()

	stamped, err := withTx(repo, ctx, func(tx *sql.Tx) (int64, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " SET last_error = $1, updated_at = $2 " +
			"WHERE status = $3::outbox_status AND times_sent >= $4 AND last_error <> $1"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.ExhaustedPublishError,
			time.Now().UTC(),
			outbox.StatusPublishFailed,
			maxTimesSent,
		)
		if execErr != nil {
			return 0, fmt.Errorf("executing update: %w", execErr)
		}

		return result.RowsAffected()
	})
	if err != nil {
		span.RecordError(err)
		repo.logError(ctx, "failed to stamp exhausted outbox events", err)

		return 0, fmt.Errorf("marking exhausted: %w", err)
	}

	return stamped, nil
}

func withTx[T any](repo *Repository, ctx context.Context, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	tx, err := repo.db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.db != nil
}

func (repo *Repository) logError(ctx context.Context, message string, err error) {
	if repo.logger == nil || err == nil {
		return
	}

	repo.logger.Log(ctx, log.LevelError, message,
		log.String("error", outbox.SanitizeErrorMessageForStorage(err.Error())))
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*outbox.Event, error) {
	var (
		event         outbox.Event
		status        string
		transactionID uuid.NullUUID
		lastError     sql.NullString
	)

	if err := scanner.Scan(
		&event.ID,
		&event.EventType,
		&event.AggregateID,
		&event.Payload,
		&status,
		&event.TimesSent,
		&transactionID,
		&event.PublishedAt,
		&lastError,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox event: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	event.Status = parsed

	if transactionID.Valid {
		event.TransactionID = transactionID.UUID
	}

	if lastError.Valid {
		event.LastError = lastError.String
	}

	return &event, nil
}

func nullableUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func ensureRowsAffected(result sql.Result) error {
	if result == nil {
		return outbox.ErrStateConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return outbox.ErrStateConflict
	}

	return nil
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, part := range parts {
		parts[i] = prefix + part
	}

	return strings.Join(parts, ", ")
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
