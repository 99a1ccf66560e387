package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopfabric/lib-eventbus/eventbus/events"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Outcome tells the transport what to do with a delivery after dispatch.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// NackRequeue returns the message to the queue for redelivery.
	NackRequeue
	// NackDead rejects the message without requeue, routing it to the
	// dead-letter queue.
	NackDead
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack_requeue"
	case NackDead:
		return "nack_dead"
	default:
		return "unknown"
	}
}

// DefaultMaxDeliveryAttempts bounds redelivery before dead-lettering.
const DefaultMaxDeliveryAttempts = 5

// HandlerError aggregates the handler failures of one delivery. A single
// failing handler does not prevent the remaining handlers from running;
// every failure is collected here.
type HandlerError struct {
	EventType string
	Failures  []error
}

// Error returns the formatted failure summary.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("event %s: %d handler(s) failed: %v", e.EventType, len(e.Failures), errors.Join(e.Failures...))
}

// Unwrap exposes the collected failures for errors.Is / errors.As.
func (e *HandlerError) Unwrap() []error {
	return e.Failures
}

// Dispatcher routes decoded envelopes to the handlers subscribed in the
// registry and converts the result into a transport outcome.
type Dispatcher struct {
	registry            *Registry
	logger              log.Logger
	tracer              trace.Tracer
	maxDeliveryAttempts int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(d *Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithTracer sets the tracer used for per-delivery spans.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithMaxDeliveryAttempts bounds redelivery before dead-lettering.
// Values below 1 keep the default.
func WithMaxDeliveryAttempts(attempts int) DispatcherOption {
	return func(d *Dispatcher) {
		if attempts >= 1 {
			d.maxDeliveryAttempts = attempts
		}
	}
}

// NewDispatcher creates a dispatcher over a frozen registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	d := &Dispatcher{
		registry:            registry,
		logger:              log.NewNop(),
		tracer:              noop.NewTracerProvider().Tracer("eventbus.dispatch"),
		maxDeliveryAttempts: DefaultMaxDeliveryAttempts,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// MaxDeliveryAttempts returns the configured redelivery bound.
func (d *Dispatcher) MaxDeliveryAttempts() int {
	return d.maxDeliveryAttempts
}

// EventTypes returns the event types with subscribed handlers. Transports
// use them as queue binding keys.
func (d *Dispatcher) EventTypes() []string {
	return d.registry.EventTypes()
}

// Dispatch decodes one wire message and runs every subscribed handler.
// deliveryCount is the number of deliveries including the current one.
//
// Outcomes:
//   - undecodable message or poison payload: NackDead
//   - no subscribed handlers: Ack
//   - all handlers succeed: Ack
//   - any handler fails: NackRequeue, or NackDead once deliveryCount
//     reaches the configured bound
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, deliveryCount int) Outcome {
	env, err := events.Decode(body)
	if err != nil {
		d.logger.Log(ctx, log.LevelError, "dead-lettering undecodable message", log.Err(err))

		return NackDead
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.event", trace.WithAttributes(
		attribute.String("event.type", env.EventType),
		attribute.String("event.id", env.ID.String()),
		attribute.Int("delivery.count", deliveryCount),
	))
	defer span.End()

	factories := d.registry.HandlersFor(env.EventType)
	if len(factories) == 0 {
		d.logger.Log(ctx, log.LevelDebug, "no handlers subscribed, acking",
			log.String("event_type", env.EventType))

		return Ack
	}

	handlerErr := d.runHandlers(ctx, env, factories)
	if handlerErr == nil {
		return Ack
	}

	span.RecordError(handlerErr)

	var poison *events.PoisonError
	if errors.As(handlerErr, &poison) {
		d.logger.Log(ctx, log.LevelError, "dead-lettering poison message",
			log.String("event_type", env.EventType),
			log.Err(handlerErr))

		return NackDead
	}

	if deliveryCount >= d.maxDeliveryAttempts {
		d.logger.Log(ctx, log.LevelError, "delivery attempts exhausted, dead-lettering",
			log.String("event_type", env.EventType),
			log.Int("delivery_count", deliveryCount),
			log.Err(handlerErr))

		return NackDead
	}

	d.logger.Log(ctx, log.LevelWarn, "handler failure, requeueing",
		log.String("event_type", env.EventType),
		log.Int("delivery_count", deliveryCount),
		log.Err(handlerErr))

	return NackRequeue
}

// runHandlers executes every handler sequentially, collecting failures so a
// failing handler never starves the ones after it.
func (d *Dispatcher) runHandlers(ctx context.Context, env *events.Envelope, factories []HandlerFactory) error {
	var failures []error

	for i, factory := range factories {
		handler := factory()
		if handler == nil {
			failures = append(failures, fmt.Errorf("handler %d for %s: %w", i, env.EventType, ErrHandlerFactoryRequired))
			continue
		}

		if err := d.runHandler(ctx, handler, env); err != nil {
			failures = append(failures, err)
		}
	}

	if len(failures) == 0 {
		return nil
	}

	return &HandlerError{EventType: env.EventType, Failures: failures}
}

// runHandler isolates a single handler call, converting panics to errors so
// one bad handler cannot take down the consumer loop.
func (d *Dispatcher) runHandler(ctx context.Context, handler Handler, env *events.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic for %s: %v", env.EventType, r)
		}
	}()

	return handler.Handle(ctx, env)
}
