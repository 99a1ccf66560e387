package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopfabric/lib-eventbus/eventbus/outbox"
)

var (
	// ErrItemNotFound is returned when a product ID has no catalog row.
	ErrItemNotFound = errors.New("catalog item not found")
	// ErrStoreRequired is returned when a store method runs without a
	// database handle.
	ErrStoreRequired = errors.New("catalog store is required")
)

// Store persists catalog items. Reads may hit a replica; writes run inside
// the caller's transaction so they commit together with outbox rows.
type Store interface {
	ItemByID(ctx context.Context, productID int) (*Item, error)
	UpdateItem(ctx context.Context, tx outbox.Tx, item *Item) error
}

// Querier is the read-side handle. Both *sql.DB and a resolver-backed pool
// satisfy it.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore is the PostgreSQL-backed Store.
type SQLStore struct {
	db Querier
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store over the given read handle.
func NewSQLStore(db Querier) (*SQLStore, error) {
	if db == nil {
		return nil, ErrStoreRequired
	}

	return &SQLStore{db: db}, nil
}

const itemColumns = "id, name, price, available_stock, restock_threshold, max_stock_threshold"

// ItemByID loads one catalog item.
func (s *SQLStore) ItemByID(ctx context.Context, productID int) (*Item, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreRequired
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM catalog_items WHERE id = $1", productID)

	var item Item
	err := row.Scan(&item.ID, &item.Name, &item.Price, &item.AvailableStock,
		&item.RestockThreshold, &item.MaxStockThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %d: %w", productID, ErrItemNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("load item %d: %w", productID, err)
	}

	return &item, nil
}

// UpdateItem persists the item's price and stock inside tx.
func (s *SQLStore) UpdateItem(ctx context.Context, tx outbox.Tx, item *Item) error {
	if s == nil {
		return ErrStoreRequired
	}

	if tx == nil {
		return outbox.ErrTransactionRequired
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE catalog_items
		    SET price = $2, available_stock = $3, updated_at = now()
		  WHERE id = $1`,
		item.ID, item.Price, item.AvailableStock)
	if err != nil {
		return fmt.Errorf("update item %d: %w", item.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item %d: rows affected: %w", item.ID, err)
	}

	if affected == 0 {
		return fmt.Errorf("item %d: %w", item.ID, ErrItemNotFound)
	}

	return nil
}

// itemAggregateID derives the stable outbox aggregate identity for a
// product. Catalog rows use integer IDs while outbox rows key aggregates by
// UUID, so the mapping must be deterministic.
func itemAggregateID(productID int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("catalog-item-"+strconv.Itoa(productID)))
}

// orderAggregateID derives the outbox aggregate identity for an order.
func orderAggregateID(orderID int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("order-"+strconv.Itoa(orderID)))
}
