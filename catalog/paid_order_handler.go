package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopfabric/lib-eventbus/eventbus/dispatch"
	"github.com/shopfabric/lib-eventbus/eventbus/events"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"github.com/shopfabric/lib-eventbus/eventbus/outbox"
)

// PaidOrderHandler deducts warehouse stock when an order is paid.
//
// The transport delivers at least once, so this handler must be wrapped
// with the processed-event guard at wiring time; a bare redelivery would
// deduct the stock twice.
type PaidOrderHandler struct {
	db     outbox.TxBeginner
	store  Store
	logger log.Logger
}

var _ dispatch.Handler = (*PaidOrderHandler)(nil)

// NewPaidOrderHandler creates the handler for
// OrderStatusChangedToPaidIntegrationEvent.
func NewPaidOrderHandler(db outbox.TxBeginner, store Store, logger log.Logger) (*PaidOrderHandler, error) {
	if db == nil {
		return nil, outbox.ErrTxBeginnerRequired
	}

	if store == nil {
		return nil, ErrStoreRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &PaidOrderHandler{db: db, store: store, logger: logger}, nil
}

// Handle removes the ordered units from every line's stock in one
// transaction. Lines referencing unknown or drained items are logged and
// skipped: the payment already happened, retrying cannot make the stock
// appear.
func (h *PaidOrderHandler) Handle(ctx context.Context, env *events.Envelope) error {
	var payload OrderStatusChangedToPaidIntegrationEvent
	if err := events.DecodePayload(env, &payload); err != nil {
		return err
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deduct stock for order %d: begin: %w", payload.OrderID, err)
	}

	if err := h.deductAll(ctx, tx, payload); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			h.logger.Log(ctx, log.LevelError, "stock deduction rollback failed", log.Err(rbErr))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("deduct stock for order %d: commit: %w", payload.OrderID, err)
	}

	return nil
}

func (h *PaidOrderHandler) deductAll(ctx context.Context, tx outbox.Tx, payload OrderStatusChangedToPaidIntegrationEvent) error {
	for _, line := range payload.StockItems {
		item, err := h.store.ItemByID(ctx, line.ProductID)
		if errors.Is(err, ErrItemNotFound) {
			h.logger.Log(ctx, log.LevelWarn, "paid order references unknown item",
				log.Int("order_id", payload.OrderID),
				log.Int("product_id", line.ProductID))

			continue
		}

		if err != nil {
			return fmt.Errorf("deduct stock for order %d: %w", payload.OrderID, err)
		}

		removed, err := item.RemoveStock(line.Units)
		if err != nil {
			h.logger.Log(ctx, log.LevelWarn, "skipping stock deduction",
				log.Int("order_id", payload.OrderID),
				log.Int("product_id", line.ProductID),
				log.Err(err))

			continue
		}

		if removed < line.Units {
			h.logger.Log(ctx, log.LevelWarn, "stock drained below ordered units",
				log.Int("order_id", payload.OrderID),
				log.Int("product_id", line.ProductID),
				log.Int("ordered", line.Units),
				log.Int("removed", removed))
		}

		if err := h.store.UpdateItem(ctx, tx, item); err != nil {
			return fmt.Errorf("deduct stock for order %d: %w", payload.OrderID, err)
		}
	}

	return nil
}
