package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It intentionally aliases *sql.Tx so the outbox write participates in the
// caller's own database/sql transaction without adapter layers.
type Tx = *sql.Tx

// Repository defines persistence operations for outbox events.
//
// Mark* operations are compare-and-set on the current status: a transition
// that matches zero rows returns ErrStateConflict, which is how concurrent
// publishers discover another worker already owns the row.
type Repository interface {
	// CreateWithTx inserts the event inside the caller's transaction.
	// A nil tx is a wiring bug and fails fast with ErrTransactionRequired.
	CreateWithTx(ctx context.Context, tx Tx, event *Event) (*Event, error)

	// GetByID returns one event for audit and test inspection.
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)

	// ListStale atomically claims publishable rows: NOT_PUBLISHED rows plus
	// IN_PROGRESS and PUBLISH_FAILED rows last touched before staleBefore.
	// Claimed rows are flipped to IN_PROGRESS with times_sent incremented,
	// selected FOR UPDATE SKIP LOCKED so concurrent sweeps cannot
	// double-claim. Rows at or beyond maxTimesSent are left alone.
	ListStale(ctx context.Context, limit int, staleBefore time.Time, maxTimesSent int) ([]*Event, error)

	// MarkInProgress claims one row for an inline publish attempt
	// (NOT_PUBLISHED or PUBLISH_FAILED -> IN_PROGRESS, times_sent+1).
	MarkInProgress(ctx context.Context, id uuid.UUID) error

	// MarkPublished finishes a publish (IN_PROGRESS -> PUBLISHED).
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error

	// MarkFailed records a failed attempt (IN_PROGRESS -> PUBLISH_FAILED)
	// with a sanitized error message.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// MarkExhausted stamps the terminal last_error on PUBLISH_FAILED rows
	// that consumed every attempt, returning how many rows were stamped.
	MarkExhausted(ctx context.Context, maxTimesSent int) (int64, error)
}
