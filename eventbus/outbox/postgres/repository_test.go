//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopfabric/lib-eventbus/eventbus/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBeginner struct{}

func (stubBeginner) BeginTx(context.Context, *sql.TxOptions) (*sql.Tx, error) {
	return nil, errors.New("not wired in unit tests")
}

func TestNewRepositoryValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	repo, err := NewRepository(stubBeginner{})
	require.NoError(t, err)
	assert.Equal(t, "outbox_events", repo.tableName)

	repo, err = NewRepository(stubBeginner{}, WithTableName("shop.outbox_events"))
	require.NoError(t, err)
	assert.Equal(t, "shop.outbox_events", repo.tableName)

	_, err = NewRepository(stubBeginner{}, WithTableName("outbox; DROP TABLE users"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewRepository(stubBeginner{}, WithTableName(`outbox"events`))
	require.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestCreateWithTxRequiresTransaction(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(stubBeginner{})
	require.NoError(t, err)

	event, err := outbox.NewEvent("catalog.price_changed", uuid.New(), []byte(`{"itemId":7}`))
	require.NoError(t, err)

	_, err = repo.CreateWithTx(context.Background(), nil, event)
	require.ErrorIs(t, err, outbox.ErrTransactionRequired)
}

func TestArgumentValidation(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(stubBeginner{})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = repo.GetByID(ctx, uuid.Nil)
	require.ErrorIs(t, err, ErrIDRequired)

	_, err = repo.ListStale(ctx, 0, time.Now(), 10)
	require.ErrorIs(t, err, ErrLimitMustBePositive)

	_, err = repo.ListStale(ctx, 10, time.Now(), 0)
	require.ErrorIs(t, err, ErrMaxTimesSentMustBePositive)

	require.ErrorIs(t, repo.MarkInProgress(ctx, uuid.Nil), ErrIDRequired)
	require.ErrorIs(t, repo.MarkPublished(ctx, uuid.Nil, time.Now()), ErrIDRequired)
	require.ErrorIs(t, repo.MarkFailed(ctx, uuid.Nil, "boom"), ErrIDRequired)

	_, err = repo.MarkExhausted(ctx, 0)
	require.ErrorIs(t, err, ErrMaxTimesSentMustBePositive)
}

func TestUninitializedRepository(t *testing.T) {
	t.Parallel()

	var repo *Repository

	_, err := repo.GetByID(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	require.ErrorIs(t, repo.MarkInProgress(context.Background(), uuid.New()), ErrRepositoryNotInitialized)
}

func TestQuoteIdentifierPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"outbox_events"`, quoteIdentifierPath("outbox_events"))
	assert.Equal(t, `"shop"."outbox_events"`, quoteIdentifierPath("shop.outbox_events"))
	assert.Equal(t, `"odd""name"`, quoteIdentifier(`odd"name`))
}

func TestValidateIdentifier(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateIdentifier("outbox_events"))
	require.NoError(t, validateIdentifier("_private"))
	require.ErrorIs(t, validateIdentifier("1leading_digit"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier("has-dash"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier(""), ErrInvalidIdentifier)
}

func TestPrefixColumns(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "o.id, o.status", prefixColumns("o.", "id, status"))
}

type staticResult struct {
	rows int64
	err  error
}

func (r staticResult) LastInsertId() (int64, error) { return 0, nil }

func (r staticResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestEnsureRowsAffected(t *testing.T) {
	t.Parallel()

	require.NoError(t, ensureRowsAffected(staticResult{rows: 1}))
	require.ErrorIs(t, ensureRowsAffected(staticResult{rows: 0}), outbox.ErrStateConflict)
	require.ErrorIs(t, ensureRowsAffected(nil), outbox.ErrStateConflict)

	rowsErr := errors.New("driver does not report rows")
	require.ErrorIs(t, ensureRowsAffected(staticResult{err: rowsErr}), rowsErr)
}

func TestNullableUUID(t *testing.T) {
	t.Parallel()

	assert.False(t, nullableUUID(uuid.Nil).Valid)

	id := uuid.New()
	wrapped := nullableUUID(id)
	assert.True(t, wrapped.Valid)
	assert.Equal(t, id, wrapped.UUID)
}
