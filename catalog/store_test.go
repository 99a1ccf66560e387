//go:build unit

package catalog

import (
	"context"
	"testing"

	"github.com/shopfabric/lib-eventbus/eventbus/outbox"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLStore_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSQLStore(nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestSQLStore_UpdateItemRequiresTransaction(t *testing.T) {
	t.Parallel()

	store, err := NewSQLStore(openMemDB(t, &memConn{}))
	require.NoError(t, err)

	item := testItem(10)
	item.Price = decimal.NewFromInt(9)

	err = store.UpdateItem(context.Background(), nil, item)
	require.ErrorIs(t, err, outbox.ErrTransactionRequired)
}

func TestSQLStore_NilReceiver(t *testing.T) {
	t.Parallel()

	var store *SQLStore

	_, err := store.ItemByID(context.Background(), 7)
	require.ErrorIs(t, err, ErrStoreRequired)
	require.ErrorIs(t, store.UpdateItem(context.Background(), nil, testItem(1)), ErrStoreRequired)
}

func TestAggregateIDs_Deterministic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, itemAggregateID(7), itemAggregateID(7))
	assert.NotEqual(t, itemAggregateID(7), itemAggregateID(8))

	// Item and order namespaces never collide for the same numeric id.
	assert.NotEqual(t, itemAggregateID(7), orderAggregateID(7))
}
