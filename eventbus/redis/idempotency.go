package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopfabric/lib-eventbus/eventbus/dispatch"
	"github.com/shopfabric/lib-eventbus/eventbus/events"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
)

var (
	// ErrClientProviderRequired is returned when a store is built without a
	// client provider.
	ErrClientProviderRequired = errors.New("redis client provider is required")
	// ErrConsumerNameRequired is returned when a store is built without a
	// consumer name.
	ErrConsumerNameRequired = errors.New("consumer name is required")
)

// defaultRetention keeps processed-event markers long enough to cover broker
// redelivery windows without growing the keyspace unboundedly.
const defaultRetention = 72 * time.Hour

const defaultKeyPrefix = "eventbus:processed"

// ClientProvider hands out a live redis client, reconnecting if needed.
// *Client satisfies it.
type ClientProvider interface {
	GetClient(ctx context.Context) (redis.UniversalClient, error)
}

// ProcessedEventStore records which event IDs a consumer has already
// handled. At-least-once transports redeliver; handlers wrapped with the
// store run their side effects exactly once per event ID within the
// retention window.
type ProcessedEventStore struct {
	provider  ClientProvider
	consumer  string
	retention time.Duration
	keyPrefix string
	logger    log.Logger
}

// StoreOption configures a ProcessedEventStore.
type StoreOption func(s *ProcessedEventStore)

// WithRetention sets how long processed markers are kept. Non-positive
// values keep the default.
func WithRetention(retention time.Duration) StoreOption {
	return func(s *ProcessedEventStore) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

// WithKeyPrefix overrides the marker key prefix. Empty values keep the
// default.
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *ProcessedEventStore) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger log.Logger) StoreOption {
	return func(s *ProcessedEventStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewProcessedEventStore creates a store scoped to one consumer name.
// Markers are namespaced per consumer so independent services each process
// the same event once.
func NewProcessedEventStore(provider ClientProvider, consumer string, opts ...StoreOption) (*ProcessedEventStore, error) {
	if provider == nil {
		return nil, ErrClientProviderRequired
	}

	trimmed := strings.TrimSpace(consumer)
	if trimmed == "" {
		return nil, ErrConsumerNameRequired
	}

	s := &ProcessedEventStore{
		provider:  provider,
		consumer:  trimmed,
		retention: defaultRetention,
		keyPrefix: defaultKeyPrefix,
		logger:    log.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// MarkProcessed atomically claims eventID for this consumer. It returns
// true when this is the first time the event is seen, false when a previous
// delivery already claimed it.
func (s *ProcessedEventStore) MarkProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	if s == nil {
		return false, ErrClientProviderRequired
	}

	client, err := s.provider.GetClient(ctx)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}

	first, err := client.SetNX(ctx, s.key(eventID), time.Now().UTC().Format(time.RFC3339), s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}

	return first, nil
}

// Forget releases the marker for eventID so a redelivery can retry the
// handler. Called when the handler fails after the marker was claimed.
func (s *ProcessedEventStore) Forget(ctx context.Context, eventID uuid.UUID) error {
	if s == nil {
		return ErrClientProviderRequired
	}

	client, err := s.provider.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("forget processed: %w", err)
	}

	if err := client.Del(ctx, s.key(eventID)).Err(); err != nil {
		return fmt.Errorf("forget processed: %w", err)
	}

	return nil
}

func (s *ProcessedEventStore) key(eventID uuid.UUID) string {
	return s.keyPrefix + ":" + s.consumer + ":" + eventID.String()
}

// IdempotentHandler wraps next so each event ID runs its side effects at
// most once per consumer. Duplicate deliveries are acked without invoking
// next. When next fails, the marker is released so the redelivery retries.
func IdempotentHandler(store *ProcessedEventStore, next dispatch.Handler) dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, env *events.Envelope) error {
		if store == nil {
			return ErrClientProviderRequired
		}

		if next == nil {
			return dispatch.ErrHandlerFactoryRequired
		}

		first, err := store.MarkProcessed(ctx, env.ID)
		if err != nil {
			// Fail open toward retry, not toward double-processing.
			return err
		}

		if !first {
			store.logger.Log(ctx, log.LevelInfo, "skipping duplicate delivery",
				log.String("event_id", env.ID.String()),
				log.String("event_type", env.EventType),
				log.String("consumer", store.consumer))

			return nil
		}

		if err := next.Handle(ctx, env); err != nil {
			if forgetErr := store.Forget(ctx, env.ID); forgetErr != nil {
				store.logger.Log(ctx, log.LevelError, "failed to release processed marker",
					log.String("event_id", env.ID.String()),
					log.Err(forgetErr))
			}

			return err
		}

		return nil
	})
}
