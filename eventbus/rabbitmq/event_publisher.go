package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopfabric/lib-eventbus/eventbus/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// EventPublisher publishes encoded event envelopes to the event exchange,
// routing by event type. It satisfies the outbox publisher contract:
// Publish returns nil only after the broker confirmed the message.
type EventPublisher struct {
	publisher *ConfirmablePublisher
	exchange  string
}

var _ outbox.Publisher = (*EventPublisher)(nil)

// EventPublisherOption configures an EventPublisher.
type EventPublisherOption func(*EventPublisher)

// WithEventExchange overrides the target exchange.
func WithEventExchange(exchange string) EventPublisherOption {
	return func(p *EventPublisher) {
		if exchange != "" {
			p.exchange = exchange
		}
	}
}

// NewEventPublisher wraps a confirmable publisher for event delivery.
func NewEventPublisher(publisher *ConfirmablePublisher, opts ...EventPublisherOption) (*EventPublisher, error) {
	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	eventPublisher := &EventPublisher{
		publisher: publisher,
		exchange:  defaultEventExchangeName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(eventPublisher)
		}
	}

	return eventPublisher, nil
}

// Publish sends one encoded envelope with the event type as routing key
// and waits for broker confirmation. The trace context travels in message
// headers so consumers join the producer's trace.
func (p *EventPublisher) Publish(ctx context.Context, eventType string, body []byte) error {
	if p == nil || p.publisher == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         eventType,
		Headers:      headers,
		Body:         body,
	}

	if err := p.publisher.PublishAndWaitConfirm(ctx, p.exchange, eventType, false, false, msg); err != nil {
		// A nack refuses this message; everything else is the transport.
		if errors.Is(err, ErrPublishNacked) {
			return fmt.Errorf("publish event %s: %w", eventType, err)
		}

		return fmt.Errorf("publish event %s: %w: %w", eventType, ErrTransportUnavailable, err)
	}

	return nil
}

// Close closes the underlying confirmable publisher.
func (p *EventPublisher) Close() error {
	if p == nil || p.publisher == nil {
		return nil
	}

	return p.publisher.Close()
}

// headerCarrier adapts amqp.Table to the OpenTelemetry text map carrier.
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	if value, ok := c[key].(string); ok {
		return value
	}

	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}

	return keys
}
