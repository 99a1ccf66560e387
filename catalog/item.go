// Package catalog implements the catalog-side stock and pricing flows that
// ride on the integration-event pipeline: price changes emitted through the
// outbox, order stock validation, and stock deduction for paid orders.
package catalog

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmptyStock is returned when stock is removed from an empty item.
	ErrEmptyStock = errors.New("item stock is empty")
	// ErrInvalidQuantity is returned for zero or negative stock quantities.
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	// ErrInvalidPrice is returned for zero or negative prices.
	ErrInvalidPrice = errors.New("price must be greater than zero")
)

// Item is a catalog product with its price and warehouse stock counters.
type Item struct {
	ID                int
	Name              string
	Price             decimal.Decimal
	AvailableStock    int
	RestockThreshold  int
	MaxStockThreshold int
}

// RemoveStock decrements available stock by up to quantityDesired and
// returns how many units were actually removed. An order for more units
// than are available drains the item to zero rather than failing; callers
// decide what a partial removal means.
func (i *Item) RemoveStock(quantityDesired int) (int, error) {
	if i.AvailableStock == 0 {
		return 0, fmt.Errorf("item %d (%s): %w", i.ID, i.Name, ErrEmptyStock)
	}

	if quantityDesired <= 0 {
		return 0, fmt.Errorf("remove stock from item %d: %w", i.ID, ErrInvalidQuantity)
	}

	removed := quantityDesired
	if removed > i.AvailableStock {
		removed = i.AvailableStock
	}

	i.AvailableStock -= removed

	return removed, nil
}

// AddStock increments available stock, clamped to MaxStockThreshold, and
// returns how many units were actually added.
func (i *Item) AddStock(quantity int) (int, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("add stock to item %d: %w", i.ID, ErrInvalidQuantity)
	}

	added := quantity
	if i.AvailableStock+quantity > i.MaxStockThreshold {
		added = i.MaxStockThreshold - i.AvailableStock
	}

	if added < 0 {
		added = 0
	}

	i.AvailableStock += added

	return added, nil
}
