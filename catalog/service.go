package catalog

import (
	"context"
	"fmt"

	"github.com/shopfabric/lib-eventbus/eventbus/events"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"github.com/shopfabric/lib-eventbus/eventbus/outbox"
	"github.com/shopspring/decimal"
)

// EventSaver couples a domain mutation with its outbox rows and drives the
// inline publish. *outbox.IntegrationEventService satisfies it.
type EventSaver interface {
	SaveEventAndDomainChange(ctx context.Context, mutation outbox.Mutation, outboxEvents ...*outbox.Event) error
	PublishPending(ctx context.Context, event *outbox.Event) error
}

var _ EventSaver = (*outbox.IntegrationEventService)(nil)

// Service exposes the catalog write operations that emit integration
// events.
type Service struct {
	store  Store
	events EventSaver
	logger log.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(s *Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger log.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates the catalog service.
func NewService(store Store, saver EventSaver, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if saver == nil {
		return nil, outbox.ErrPublisherRequired
	}

	s := &Service{
		store:  store,
		events: saver,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// ChangePrice updates the item price and records the price-changed event in
// the same transaction, then attempts the inline publish. An unchanged
// price is a no-op and emits nothing.
func (s *Service) ChangePrice(ctx context.Context, productID int, newPrice decimal.Decimal) error {
	if s == nil {
		return ErrStoreRequired
	}

	if !newPrice.IsPositive() {
		return fmt.Errorf("change price of item %d: %w", productID, ErrInvalidPrice)
	}

	item, err := s.store.ItemByID(ctx, productID)
	if err != nil {
		return fmt.Errorf("change price: %w", err)
	}

	if item.Price.Equal(newPrice) {
		return nil
	}

	oldPrice := item.Price
	item.Price = newPrice

	env, err := events.NewEnvelope(EventTypeProductPriceChanged, ProductPriceChangedIntegrationEvent{
		ProductID: productID,
		NewPrice:  newPrice,
		OldPrice:  oldPrice,
	})
	if err != nil {
		return fmt.Errorf("change price: %w", err)
	}

	record, err := outbox.NewEventFromEnvelope(env, itemAggregateID(productID))
	if err != nil {
		return fmt.Errorf("change price: %w", err)
	}

	err = s.events.SaveEventAndDomainChange(ctx, func(tx outbox.Tx) error {
		return s.store.UpdateItem(ctx, tx, item)
	}, record)
	if err != nil {
		return fmt.Errorf("change price: %w", err)
	}

	// Best effort: a failed inline publish leaves the row for the relay
	// sweep, the price change itself has already committed.
	if err := s.events.PublishPending(ctx, record); err != nil {
		s.logger.Log(ctx, log.LevelWarn, "inline publish of price change failed",
			log.Int("product_id", productID),
			log.Err(err))
	}

	return nil
}
