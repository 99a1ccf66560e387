package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopfabric/lib-eventbus/eventbus/events"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Publisher delivers an encoded envelope to the broker. Implementations
// must not report success before the broker has confirmed the message.
type Publisher interface {
	Publish(ctx context.Context, eventType string, body []byte) error
}

// TxBeginner starts the database transaction shared by the domain mutation
// and the outbox insert. *sql.DB satisfies it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// IntegrationEventService couples domain mutations with their outbox
// records and drives the inline publish path.
type IntegrationEventService struct {
	db        TxBeginner
	repo      Repository
	publisher Publisher
	logger    log.Logger
	tracer    trace.Tracer
}

// ServiceOption configures an IntegrationEventService.
type ServiceOption func(s *IntegrationEventService)

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger log.Logger) ServiceOption {
	return func(s *IntegrationEventService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServiceTracer sets the service tracer.
func WithServiceTracer(tracer trace.Tracer) ServiceOption {
	return func(s *IntegrationEventService) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewIntegrationEventService creates the producer-side service.
func NewIntegrationEventService(
	db TxBeginner,
	repo Repository,
	publisher Publisher,
	opts ...ServiceOption,
) (*IntegrationEventService, error) {
	if db == nil {
		return nil, ErrTxBeginnerRequired
	}

	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	service := &IntegrationEventService{
		db:        db,
		repo:      repo,
		publisher: publisher,
		logger:    log.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("eventbus.outbox"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Mutation applies the domain change inside the shared transaction.
type Mutation func(tx Tx) error

// SaveEventAndDomainChange runs the domain mutation and records every event
// in a single transaction. Either both the mutation and the outbox rows
// commit, or nothing does; any failure rolls back and is reported as
// ErrTransactionalWrite.
//
// All events saved by one call share a TransactionID for audit.
func (s *IntegrationEventService) SaveEventAndDomainChange(
	ctx context.Context,
	mutation Mutation,
	outboxEvents ...*Event,
) error {
	if mutation == nil {
		return ErrMutationRequired
	}

	if len(outboxEvents) == 0 {
		return ErrNoEventsToSave
	}

	transactionID := uuid.New()

	for _, event := range outboxEvents {
		if event == nil {
			return fmt.Errorf("%w: %w", ErrTransactionalWrite, ErrEventRequired)
		}

		event.TransactionID = transactionID
	}

	ctx, span := s.tracer.Start(ctx, "outbox.save_event_and_domain_change", trace.WithAttributes(
		attribute.Int("event.count", len(outboxEvents)),
	))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("%w: begin: %w", ErrTransactionalWrite, err)
	}

	if err := s.writeAll(ctx, tx, mutation, outboxEvents); err != nil {
		span.RecordError(err)

		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Log(ctx, log.LevelError, "outbox rollback failed", log.Err(rbErr))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)

		return fmt.Errorf("%w: commit: %w", ErrTransactionalWrite, err)
	}

	return nil
}

func (s *IntegrationEventService) writeAll(ctx context.Context, tx Tx, mutation Mutation, outboxEvents []*Event) error {
	if err := mutation(tx); err != nil {
		return fmt.Errorf("%w: domain mutation: %w", ErrTransactionalWrite, err)
	}

	for _, event := range outboxEvents {
		if _, err := s.repo.CreateWithTx(ctx, tx, event); err != nil {
			return fmt.Errorf("%w: create outbox event %s: %w", ErrTransactionalWrite, event.ID, err)
		}
	}

	return nil
}

// PublishPending attempts the inline publish of a committed event:
// claim the row, publish, persist the result. Transport failures leave the
// row PUBLISH_FAILED for the relay sweep; they are logged, never returned,
// so the original request path is not failed by a broker outage.
//
// ErrStateConflict from the claim means another worker owns the row; that
// is a success from the caller's perspective.
func (s *IntegrationEventService) PublishPending(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrEventRequired
	}

	ctx, span := s.tracer.Start(ctx, "outbox.publish_pending", trace.WithAttributes(
		attribute.String("event.id", event.ID.String()),
		attribute.String("event.type", event.EventType),
	))
	defer span.End()

	if err := s.repo.MarkInProgress(ctx, event.ID); err != nil {
		if errors.Is(err, ErrStateConflict) {
			s.logger.Log(ctx, log.LevelDebug, "outbox event already claimed",
				log.String("event_id", event.ID.String()))

			return nil
		}

		span.RecordError(err)

		return fmt.Errorf("claim outbox event %s: %w", event.ID, err)
	}

	body, err := events.Encode(event.Envelope())
	if err != nil {
		span.RecordError(err)

		if markErr := s.repo.MarkFailed(ctx, event.ID, sanitizeErrorForStorage(err)); markErr != nil {
			s.logger.Log(ctx, log.LevelError, "failed to mark outbox event failed", log.Err(markErr))
		}

		return fmt.Errorf("encode outbox event %s: %w", event.ID, err)
	}

	if err := s.publisher.Publish(ctx, event.EventType, body); err != nil {
		span.RecordError(err)
		s.logger.Log(ctx, log.LevelWarn, "inline publish failed, leaving event for relay",
			log.String("event_id", event.ID.String()),
			log.String("event_type", event.EventType),
			log.String("error", sanitizeErrorForStorage(err)))

		if markErr := s.repo.MarkFailed(ctx, event.ID, sanitizeErrorForStorage(err)); markErr != nil {
			s.logger.Log(ctx, log.LevelError, "failed to mark outbox event failed", log.Err(markErr))
		}

		return nil
	}

	if err := s.repo.MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
		// Published but not persisted as such: the sweep will republish and
		// consumers must stay idempotent.
		s.logger.Log(ctx, log.LevelError, "outbox event published but failed to persist PUBLISHED state",
			log.String("event_id", event.ID.String()),
			log.String("error", sanitizeErrorForStorage(err)))
	}

	return nil
}

