package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopfabric/lib-eventbus/eventbus/dispatch"
	"github.com/shopfabric/lib-eventbus/eventbus/events"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"github.com/shopfabric/lib-eventbus/eventbus/outbox"
)

// StockValidationHandler answers order stock-validation requests. Each line
// is checked against the catalog; the verdict event is written through the
// outbox so it survives a crash between handling and publishing.
type StockValidationHandler struct {
	store  Store
	events EventSaver
	logger log.Logger
}

var _ dispatch.Handler = (*StockValidationHandler)(nil)

// NewStockValidationHandler creates the handler for
// OrderStatusChangedToAwaitingValidationIntegrationEvent.
func NewStockValidationHandler(store Store, saver EventSaver, logger log.Logger) (*StockValidationHandler, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if saver == nil {
		return nil, outbox.ErrPublisherRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &StockValidationHandler{store: store, events: saver, logger: logger}, nil
}

// Handle validates stock for every order line and emits either
// OrderStockConfirmed or OrderStockRejected. A missing product counts as an
// out-of-stock line, not an error: the order must be rejected, not retried.
func (h *StockValidationHandler) Handle(ctx context.Context, env *events.Envelope) error {
	var payload OrderStatusChangedToAwaitingValidationIntegrationEvent
	if err := events.DecodePayload(env, &payload); err != nil {
		return err
	}

	verdicts := make([]ConfirmedOrderStockItem, 0, len(payload.StockItems))
	rejected := false

	for _, line := range payload.StockItems {
		hasStock, err := h.lineHasStock(ctx, line)
		if err != nil {
			return fmt.Errorf("validate stock for order %d: %w", payload.OrderID, err)
		}

		if !hasStock {
			rejected = true
		}

		verdicts = append(verdicts, ConfirmedOrderStockItem{ProductID: line.ProductID, HasStock: hasStock})
	}

	verdictEnv, err := h.verdictEnvelope(payload.OrderID, rejected, verdicts)
	if err != nil {
		return fmt.Errorf("build stock verdict for order %d: %w", payload.OrderID, err)
	}

	record, err := outbox.NewEventFromEnvelope(verdictEnv, orderAggregateID(payload.OrderID))
	if err != nil {
		return fmt.Errorf("record stock verdict for order %d: %w", payload.OrderID, err)
	}

	// The verdict has no domain mutation of its own; the outbox row is the
	// whole transaction.
	err = h.events.SaveEventAndDomainChange(ctx, func(outbox.Tx) error { return nil }, record)
	if err != nil {
		return fmt.Errorf("save stock verdict for order %d: %w", payload.OrderID, err)
	}

	h.logger.Log(ctx, log.LevelInfo, "stock validated",
		log.Int("order_id", payload.OrderID),
		log.String("verdict", verdictEnv.EventType))

	if err := h.events.PublishPending(ctx, record); err != nil {
		h.logger.Log(ctx, log.LevelWarn, "inline publish of stock verdict failed",
			log.Int("order_id", payload.OrderID),
			log.Err(err))
	}

	return nil
}

func (h *StockValidationHandler) lineHasStock(ctx context.Context, line OrderStockItem) (bool, error) {
	item, err := h.store.ItemByID(ctx, line.ProductID)
	if errors.Is(err, ErrItemNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return item.AvailableStock >= line.Units, nil
}

func (h *StockValidationHandler) verdictEnvelope(orderID int, rejected bool, verdicts []ConfirmedOrderStockItem) (*events.Envelope, error) {
	if rejected {
		return events.NewEnvelope(EventTypeOrderStockRejected, OrderStockRejectedIntegrationEvent{
			OrderID:    orderID,
			StockItems: verdicts,
		})
	}

	return events.NewEnvelope(EventTypeOrderStockConfirmed, OrderStockConfirmedIntegrationEvent{
		OrderID: orderID,
	})
}
