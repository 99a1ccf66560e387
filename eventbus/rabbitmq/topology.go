package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultEventExchangeName = "shopfabric.events"
	defaultRetryExchangeName = "shopfabric.events.retry"
	defaultDLXExchangeName   = "events.dlx"
	defaultDLQName           = "events.dlq"
	defaultExchangeType      = "topic"
	defaultBindingKey        = "#"
	defaultRetryDelay        = 5 * time.Second
)

// ErrQueueNameRequired is returned when topology declaration is attempted
// without a subscriber queue name.
var ErrQueueNameRequired = errors.New("queue name is required")

// AMQPChannel is the slice of amqp.Channel needed for topology declaration.
type AMQPChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// TopologyConfig names the exchanges and queues of the event bus.
//
// Messages flow: event exchange -> subscriber queue. A nacked delivery
// dead-letters to the retry exchange, sits in the retry queue for
// RetryDelay, then dead-letters back to the event exchange with its
// original routing key and an incremented x-death count. Poison messages
// are published straight to the DLX and parked in the DLQ.
type TopologyConfig struct {
	ExchangeName      string
	ExchangeType      string
	RetryExchangeName string
	RetryDelay        time.Duration
	DLXExchangeName   string
	DLQName           string
	DLQBindingKey     string
	DLQMessageTTL     time.Duration
	DLQMaxLength      int64
}

// TopologyOption configures topology declaration.
type TopologyOption func(*TopologyConfig)

// WithExchangeName overrides the event exchange name.
func WithExchangeName(name string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if name != "" {
			cfg.ExchangeName = name
		}
	}
}

// WithExchangeType overrides the event exchange type.
func WithExchangeType(exchangeType string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if exchangeType != "" {
			cfg.ExchangeType = exchangeType
		}
	}
}

// WithRetryExchangeName overrides the retry exchange name.
func WithRetryExchangeName(name string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if name != "" {
			cfg.RetryExchangeName = name
		}
	}
}

// WithRetryDelay sets how long nacked deliveries wait before redelivery.
func WithRetryDelay(delay time.Duration) TopologyOption {
	return func(cfg *TopologyConfig) {
		if delay > 0 {
			cfg.RetryDelay = delay
		}
	}
}

// WithDLXExchangeName overrides the dead-letter exchange name.
func WithDLXExchangeName(name string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if name != "" {
			cfg.DLXExchangeName = name
		}
	}
}

// WithDLQName overrides the dead-letter queue name.
func WithDLQName(name string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if name != "" {
			cfg.DLQName = name
		}
	}
}

// WithDLQBindingKey overrides the queue binding key to the DLX.
func WithDLQBindingKey(bindingKey string) TopologyOption {
	return func(cfg *TopologyConfig) {
		if bindingKey != "" {
			cfg.DLQBindingKey = bindingKey
		}
	}
}

// WithDLQMessageTTL sets x-message-ttl for the DLQ.
func WithDLQMessageTTL(ttl time.Duration) TopologyOption {
	return func(cfg *TopologyConfig) {
		if ttl > 0 {
			cfg.DLQMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length for the DLQ.
func WithDLQMaxLength(maxLength int64) TopologyOption {
	return func(cfg *TopologyConfig) {
		if maxLength > 0 {
			cfg.DLQMaxLength = maxLength
		}
	}
}

// DefaultTopologyConfig returns the baseline topology names.
func DefaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		ExchangeName:      defaultEventExchangeName,
		ExchangeType:      defaultExchangeType,
		RetryExchangeName: defaultRetryExchangeName,
		RetryDelay:        defaultRetryDelay,
		DLXExchangeName:   defaultDLXExchangeName,
		DLQName:           defaultDLQName,
		DLQBindingKey:     defaultBindingKey,
	}
}

func (cfg TopologyConfig) retryQueueName(queue string) string {
	return queue + ".retry"
}

func (cfg TopologyConfig) dlqDeclareArgs() amqp.Table {
	args := make(amqp.Table)

	if cfg.DLQMessageTTL > 0 {
		ttlMillis := cfg.DLQMessageTTL.Milliseconds()
		if ttlMillis <= 0 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if cfg.DLQMaxLength > 0 {
		args["x-max-length"] = cfg.DLQMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareEventTopology declares the full subscriber topology: the event
// exchange, the subscriber queue bound per event type, the retry loop, and
// the parking DLQ. Declaration is idempotent and must run after every
// reconnect because a restarted broker may have lost non-durable state.
func DeclareEventTopology(ch AMQPChannel, queue string, bindingKeys []string, opts ...TopologyOption) error {
	if ch == nil {
		return fmt.Errorf("declare event topology: %w", ErrChannelRequired)
	}

	if queue == "" {
		return fmt.Errorf("declare event topology: %w", ErrQueueNameRequired)
	}

	cfg := DefaultTopologyConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare event exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.RetryExchangeName, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare retry exchange: %w", err)
	}

	// Nacked deliveries park here for RetryDelay, then flow back to the
	// event exchange with the original routing key.
	retryQueue := cfg.retryQueueName(queue)
	retryArgs := amqp.Table{
		"x-dead-letter-exchange": cfg.ExchangeName,
		"x-message-ttl":          cfg.RetryDelay.Milliseconds(),
	}

	if _, err := ch.QueueDeclare(retryQueue, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}

	if err := ch.QueueBind(retryQueue, defaultBindingKey, cfg.RetryExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind retry queue: %w", err)
	}

	queueArgs := amqp.Table{
		"x-dead-letter-exchange": cfg.RetryExchangeName,
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("declare subscriber queue: %w", err)
	}

	for _, key := range bindingKeys {
		if key == "" {
			continue
		}

		if err := ch.QueueBind(queue, key, cfg.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("bind subscriber queue to %q: %w", key, err)
		}
	}

	return DeclareDLQTopology(ch,
		WithDLXExchangeName(cfg.DLXExchangeName),
		WithDLQName(cfg.DLQName),
		WithDLQBindingKey(cfg.DLQBindingKey),
		WithDLQMessageTTL(cfg.DLQMessageTTL),
		WithDLQMaxLength(cfg.DLQMaxLength),
	)
}

// DeclareDLQTopology declares the parking dead-letter exchange and queue.
func DeclareDLQTopology(ch AMQPChannel, opts ...TopologyOption) error {
	if ch == nil {
		return fmt.Errorf("declare dlq topology: %w", ErrChannelRequired)
	}

	cfg := DefaultTopologyConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := ch.ExchangeDeclare(cfg.DLXExchangeName, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQName, true, false, false, false, cfg.dlqDeclareArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(cfg.DLQName, cfg.DLQBindingKey, cfg.DLXExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}
