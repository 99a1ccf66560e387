package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopfabric/lib-eventbus/eventbus"
	"github.com/shopfabric/lib-eventbus/eventbus/backoff"
	"github.com/shopfabric/lib-eventbus/eventbus/dispatch"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"github.com/shopfabric/lib-eventbus/eventbus/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrDispatcherRequired      = errors.New("event dispatcher is required")
	ErrChannelProviderRequired = errors.New("consumer channel provider is required")
	ErrConsumerRunning         = errors.New("consumer is already running")
)

const (
	defaultPrefetchCount  = 32
	defaultReconnectDelay = 1 * time.Second
)

// ConsumerChannel is the slice of amqp.Channel the consumer needs. The
// topology AMQPChannel methods are included because the consumer
// re-declares topology after every reconnect.
type ConsumerChannel interface {
	AMQPChannel
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args amqp.Table,
	) (<-chan amqp.Delivery, error)
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(ret chan amqp.Return) chan amqp.Return
	Cancel(consumer string, noWait bool) error
	Close() error
}

// ChannelSource provides fresh consumer channels; *Connection satisfies
// it through NewChannel.
type ChannelSource func(ctx context.Context) (ConsumerChannel, error)

// ConsumerConfig controls queue consumption.
type ConsumerConfig struct {
	Queue          string
	ConsumerTag    string
	PrefetchCount  int
	ReconnectDelay time.Duration
	Topology       []TopologyOption
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		if tag != "" {
			c.cfg.ConsumerTag = tag
		}
	}
}

// WithPrefetchCount sets the channel QoS prefetch.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		if count > 0 {
			c.cfg.PrefetchCount = count
		}
	}
}

// WithReconnectDelay sets the base delay between consume-loop reconnects.
func WithReconnectDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if delay > 0 {
			c.cfg.ReconnectDelay = delay
		}
	}
}

// WithTopology adds topology options applied at declaration time.
func WithTopology(opts ...TopologyOption) ConsumerOption {
	return func(c *Consumer) {
		c.cfg.Topology = append(c.cfg.Topology, opts...)
	}
}

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConsumerTracer sets the consumer tracer.
func WithConsumerTracer(tracer trace.Tracer) ConsumerOption {
	return func(c *Consumer) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Consumer drives the subscriber queue: it declares topology, consumes
// with manual acks, dispatches each delivery, and maps the dispatch
// outcome back to the broker. On channel loss it reconnects with backoff
// and re-declares topology.
type Consumer struct {
	source     ChannelSource
	dispatcher *dispatch.Dispatcher
	logger     log.Logger
	tracer     trace.Tracer
	cfg        ConsumerConfig
	dlx        string

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	handleWg   sync.WaitGroup
}

var _ eventbus.App = (*Consumer)(nil)

// NewConsumer creates a queue consumer. The dispatcher's registry must be
// frozen before Run: its event types become the queue binding keys.
func NewConsumer(
	source ChannelSource,
	dispatcher *dispatch.Dispatcher,
	queue string,
	opts ...ConsumerOption,
) (*Consumer, error) {
	if source == nil {
		return nil, ErrChannelProviderRequired
	}

	if dispatcher == nil {
		return nil, ErrDispatcherRequired
	}

	if queue == "" {
		return nil, ErrQueueNameRequired
	}

	consumer := &Consumer{
		source:     source,
		dispatcher: dispatcher,
		logger:     log.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("eventbus.noop"),
		cfg: ConsumerConfig{
			Queue:          queue,
			ConsumerTag:    "eventbus-" + queue,
			PrefetchCount:  defaultPrefetchCount,
			ReconnectDelay: defaultReconnectDelay,
		},
		stop: make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	topoCfg := DefaultTopologyConfig()
	for _, opt := range consumer.cfg.Topology {
		if opt != nil {
			opt(&topoCfg)
		}
	}

	consumer.dlx = topoCfg.DLXExchangeName

	return consumer, nil
}

// NewConsumerFromConnection creates a consumer drawing channels from the
// connection hub.
func NewConsumerFromConnection(
	conn *Connection,
	dispatcher *dispatch.Dispatcher,
	queue string,
	opts ...ConsumerOption,
) (*Consumer, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	source := func(ctx context.Context) (ConsumerChannel, error) {
		return conn.NewChannel(ctx)
	}

	return NewConsumer(source, dispatcher, queue, opts...)
}

// Run consumes until Stop is called.
func (c *Consumer) Run(launcher *eventbus.Launcher) error {
	return c.RunContext(context.Background(), launcher)
}

// RunContext consumes until Stop is called or ctx is cancelled.
func (c *Consumer) RunContext(parentCtx context.Context, launcher *eventbus.Launcher) error {
	if c == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !c.registerRun(cancel) {
		cancel()

		return ErrConsumerRunning
	}

	defer c.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "event consumer started",
			log.String("queue", c.cfg.Queue))
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "event consumer stopped",
			log.String("queue", c.cfg.Queue))
	}

	defer runtime.RecoverAndLogWithContext(ctx, c.logger, "rabbitmq", "consumer_run")

	attempt := 0

	for {
		select {
		case <-c.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		err := c.consumeSession(ctx)
		if err == nil {
			// Session ended because of Stop or context cancellation.
			continue
		}

		attempt++

		delay := backoff.ExponentialWithJitter(c.cfg.ReconnectDelay, attempt)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		c.logger.Log(ctx, log.LevelWarn, "consumer session failed, reconnecting",
			log.String("queue", c.cfg.Queue),
			log.Duration("backoff", delay),
			log.String("error", sanitizeAMQPErr(err, "")))

		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			return nil
		}
	}
}

// consumeSession opens one channel, declares topology, and consumes until
// the deliveries channel closes or the consumer stops. A nil return means
// the session ended deliberately.
func (c *Consumer) consumeSession(ctx context.Context) error {
	ch, err := c.source(ctx)
	if err != nil {
		return fmt.Errorf("obtain channel: %w", err)
	}

	defer func() {
		_ = ch.Close()
	}()

	bindingKeys := c.dispatcher.EventTypes()

	if err := DeclareEventTopology(ch, c.cfg.Queue, bindingKeys, c.cfg.Topology...); err != nil {
		return err
	}

	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	// Confirm mode covers the park publishes: a parked delivery is only
	// acked once the broker confirmed its copy reached the parking DLX.
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirm mode: %w", err)
	}

	session := parkSession{
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
	}

	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}

	c.logger.Log(ctx, log.LevelInfo, "consuming events",
		log.String("queue", c.cfg.Queue),
		log.Int("bindings", len(bindingKeys)))

	for {
		select {
		case <-c.stop:
			_ = ch.Cancel(c.cfg.ConsumerTag, false)

			return nil
		case <-ctx.Done():
			_ = ch.Cancel(c.cfg.ConsumerTag, false)

			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}

			c.handleDelivery(ctx, ch, session, delivery)
		}
	}
}

// parkSession carries the confirm and return streams of one session
// channel. Deliveries are handled sequentially per session, so each park
// publish owns the next confirmation.
type parkSession struct {
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
}

func (c *Consumer) handleDelivery(ctx context.Context, ch ConsumerChannel, session parkSession, delivery amqp.Delivery) {
	c.handleWg.Add(1)
	defer c.handleWg.Done()

	msgCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier(delivery.Headers))

	msgCtx, span := c.tracer.Start(msgCtx, "rabbitmq.handle_delivery")
	defer span.End()

	defer runtime.RecoverAndLogWithContext(msgCtx, c.logger, "rabbitmq", "handle_delivery")

	count := deliveryCount(delivery, c.cfg.Queue)
	outcome := c.dispatcher.Dispatch(msgCtx, delivery.Body, count)

	switch outcome {
	case dispatch.Ack:
		if err := delivery.Ack(false); err != nil {
			c.logger.Log(msgCtx, log.LevelError, "failed to ack delivery", log.Err(err))
		}

	case dispatch.NackRequeue:
		// Dead-letters to the retry exchange; the delivery returns after
		// the retry delay with an incremented x-death count.
		if err := delivery.Nack(false, false); err != nil {
			c.logger.Log(msgCtx, log.LevelError, "failed to nack delivery", log.Err(err))
		}

	case dispatch.NackDead:
		c.parkDelivery(msgCtx, ch, session, delivery)
	}
}

// parkDelivery publishes a copy of the delivery to the parking DLX and,
// once the broker confirmed the copy, acks the original, removing it from
// the retry loop permanently. An unconfirmed, returned, or failed park
// nacks the original back into the retry loop instead; the message is never
// dropped.
func (c *Consumer) parkDelivery(ctx context.Context, ch ConsumerChannel, session parkSession, delivery amqp.Delivery) {
	msg := amqp.Publishing{
		ContentType:  delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    delivery.MessageId,
		Timestamp:    delivery.Timestamp,
		Type:         delivery.Type,
		Headers:      delivery.Headers,
		Body:         delivery.Body,
	}

	err := ch.PublishWithContext(ctx, c.dlx, delivery.RoutingKey, true, false, msg)
	if err == nil {
		err = c.awaitParkConfirm(ctx, session)
	}

	if err != nil {
		c.logger.Log(ctx, log.LevelError, "failed to park delivery, sending back to retry loop",
			log.String("routing_key", delivery.RoutingKey),
			log.Err(err))

		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Log(ctx, log.LevelError, "failed to nack unparkable delivery", log.Err(nackErr))
		}

		return
	}

	c.logger.Log(ctx, log.LevelWarn, "delivery parked in dead-letter queue",
		log.String("routing_key", delivery.RoutingKey),
		log.String("message_id", delivery.MessageId))

	if err := delivery.Ack(false); err != nil {
		c.logger.Log(ctx, log.LevelError, "failed to ack parked delivery", log.Err(err))
	}
}

// awaitParkConfirm waits for the broker's verdict on the last park publish.
// Mandatory publishes that cannot be routed (a lost DLQ binding) come back
// on the return stream before the confirmation; the broker still confirms
// them, so the return is checked after the confirm arrives.
func (c *Consumer) awaitParkConfirm(ctx context.Context, session parkSession) error {
	timer := time.NewTimer(DefaultConfirmTimeout)
	defer timer.Stop()

	select {
	case confirmation, ok := <-session.confirms:
		if !ok {
			return errors.New("confirmation channel closed")
		}

		if !confirmation.Ack {
			return ErrPublishNacked
		}

	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("park confirm wait: %w", ctx.Err())
	}

	select {
	case ret := <-session.returns:
		return fmt.Errorf("park publish returned unroutable: %s (%d)", ret.ReplyText, ret.ReplyCode)
	default:
		return nil
	}
}

// Stop signals the consumer to stop.
func (c *Consumer) Stop() {
	if c == nil {
		return
	}

	c.stopOnce.Do(func() {
		c.runStateMu.Lock()
		cancel := c.cancelFunc
		stop := c.stop
		if stop == nil {
			stop = make(chan struct{})
			c.stop = stop
		}
		c.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for in-flight deliveries to finish.
func (c *Consumer) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.Stop()

	done := make(chan struct{})

	runtime.SafeGo(c.logger, "rabbitmq.consumer_shutdown_wait", runtime.KeepRunning, func() {
		c.handleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer shutdown: %w", ctx.Err())
	}
}

func (c *Consumer) registerRun(cancel context.CancelFunc) bool {
	c.runStateMu.Lock()
	defer c.runStateMu.Unlock()

	if c.running {
		return false
	}

	if c.stop == nil || isClosedStop(c.stop) {
		c.stop = make(chan struct{})
		c.stopOnce = sync.Once{}
	}

	c.running = true
	c.cancelFunc = cancel

	return true
}

func (c *Consumer) clearRun() {
	c.runStateMu.Lock()
	defer c.runStateMu.Unlock()

	c.running = false
	c.cancelFunc = nil
}

func isClosedStop(signal <-chan struct{}) bool {
	select {
	case <-signal:
		return true
	default:
		return false
	}
}

// deliveryCount derives how many times this message has been delivered,
// including the current delivery. The broker increments the x-death count
// for the subscriber queue each time a delivery is nacked into the retry
// loop, so count = rejections + 1.
func deliveryCount(delivery amqp.Delivery, queue string) int {
	deaths, ok := delivery.Headers["x-death"].([]any)
	if !ok {
		if delivery.Redelivered {
			return 2
		}

		return 1
	}

	var rejected int64

	for _, raw := range deaths {
		entry, ok := raw.(amqp.Table)
		if !ok {
			continue
		}

		if name, _ := entry["queue"].(string); name != queue {
			continue
		}

		if reason, _ := entry["reason"].(string); reason != "rejected" {
			continue
		}

		if count, ok := entry["count"].(int64); ok && count > rejected {
			rejected = count
		}
	}

	return int(rejected) + 1
}
