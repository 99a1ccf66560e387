//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopfabric/lib-eventbus/eventbus/dispatch"
	"github.com/shopfabric/lib-eventbus/eventbus/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
	ackErr  error
	nackErr error
}

func (f *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++

	return f.ackErr
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	f.requeue = requeue

	return f.nackErr
}

func (f *fakeAcknowledger) Reject(_ uint64, _ bool) error {
	return nil
}

type fakeConsumerChannel struct {
	fakeTopologyChannel

	mu            sync.Mutex
	deliveries    chan amqp.Delivery
	consumeErr    error
	qosErr        error
	publishErr    error
	confirmErr    error
	nackConfirm   bool
	pendingReturn *amqp.Return
	published     []amqp.Publishing
	publishKey    string
	qosCount      int
	cancelled     bool
	closed        bool
	confirmMode   bool
	confirms      chan amqp.Confirmation
	returns       chan amqp.Return
	deliveryTag   uint64
}

func newFakeConsumerChannel() *fakeConsumerChannel {
	return &fakeConsumerChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeConsumerChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qosCount = prefetchCount

	return f.qosErr
}

func (f *fakeConsumerChannel) Consume(
	_, _ string,
	_, _, _, _ bool,
	_ amqp.Table,
) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}

	return f.deliveries, nil
}

func (f *fakeConsumerChannel) PublishWithContext(
	_ context.Context,
	_, key string,
	_, _ bool,
	msg amqp.Publishing,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, msg)
	f.publishKey = key
	f.deliveryTag++

	// The broker returns unroutable mandatory publishes before confirming
	// them, so the return is emitted first and the confirm still follows.
	if f.pendingReturn != nil && f.returns != nil {
		f.returns <- *f.pendingReturn
	}

	if f.confirms != nil {
		f.confirms <- amqp.Confirmation{Ack: !f.nackConfirm, DeliveryTag: f.deliveryTag}
	}

	return nil
}

func (f *fakeConsumerChannel) Confirm(_ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.confirmErr != nil {
		return f.confirmErr
	}

	f.confirmMode = true

	return nil
}

func (f *fakeConsumerChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = confirm

	return confirm
}

func (f *fakeConsumerChannel) NotifyReturn(ret chan amqp.Return) chan amqp.Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns = ret

	return ret
}

func parkSessionFor(ch *fakeConsumerChannel) parkSession {
	return parkSession{
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
	}
}

func (f *fakeConsumerChannel) Cancel(_ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true

	return nil
}

func (f *fakeConsumerChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

func newTestDispatcher(t *testing.T, eventType string, handlerErr error) *dispatch.Dispatcher {
	t.Helper()

	registry := dispatch.NewRegistry()
	err := registry.Subscribe(eventType, func() dispatch.Handler {
		return dispatch.HandlerFunc(func(context.Context, *events.Envelope) error {
			return handlerErr
		})
	})
	require.NoError(t, err)
	registry.Freeze()

	dispatcher, err := dispatch.NewDispatcher(registry)
	require.NoError(t, err)

	return dispatcher
}

func encodedEvent(t *testing.T, eventType string) []byte {
	t.Helper()

	env, err := events.NewEnvelope(eventType, map[string]string{"k": "v"})
	require.NoError(t, err)

	body, err := events.Encode(env)
	require.NoError(t, err)

	return body
}

func TestNewConsumer_Validation(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, "SomeEvent", nil)
	source := func(context.Context) (ConsumerChannel, error) { return newFakeConsumerChannel(), nil }

	t.Run("nil source", func(t *testing.T) {
		t.Parallel()

		consumer, err := NewConsumer(nil, dispatcher, "q")
		assert.Nil(t, consumer)
		assert.ErrorIs(t, err, ErrChannelProviderRequired)
	})

	t.Run("nil dispatcher", func(t *testing.T) {
		t.Parallel()

		consumer, err := NewConsumer(source, nil, "q")
		assert.Nil(t, consumer)
		assert.ErrorIs(t, err, ErrDispatcherRequired)
	})

	t.Run("empty queue", func(t *testing.T) {
		t.Parallel()

		consumer, err := NewConsumer(source, dispatcher, "")
		assert.Nil(t, consumer)
		assert.ErrorIs(t, err, ErrQueueNameRequired)
	})

	t.Run("nil connection", func(t *testing.T) {
		t.Parallel()

		consumer, err := NewConsumerFromConnection(nil, dispatcher, "q")
		assert.Nil(t, consumer)
		assert.ErrorIs(t, err, ErrConnectionRequired)
	})
}

func TestConsumer_HandleDelivery_Ack(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, "StockConfirmed", nil)
	ch := newFakeConsumerChannel()
	consumer, err := NewConsumer(
		func(context.Context) (ConsumerChannel, error) { return ch, nil },
		dispatcher,
		"q",
	)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	consumer.handleDelivery(context.Background(), ch, parkSessionFor(ch), amqp.Delivery{
		Acknowledger: ack,
		Body:         encodedEvent(t, "StockConfirmed"),
	})

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
	assert.Empty(t, ch.published)
}

func TestConsumer_HandleDelivery_NackRequeue(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, "StockConfirmed", errors.New("transient"))
	ch := newFakeConsumerChannel()
	consumer, err := NewConsumer(
		func(context.Context) (ConsumerChannel, error) { return ch, nil },
		dispatcher,
		"q",
	)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	consumer.handleDelivery(context.Background(), ch, parkSessionFor(ch), amqp.Delivery{
		Acknowledger: ack,
		Body:         encodedEvent(t, "StockConfirmed"),
	})

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	// requeue=false routes through the queue's dead-letter exchange into
	// the retry loop rather than redelivering immediately.
	assert.False(t, ack.requeue)
	assert.Empty(t, ch.published)
}

func TestConsumer_HandleDelivery_ParksExhaustedDelivery(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, "StockConfirmed", errors.New("still failing"))
	ch := newFakeConsumerChannel()
	consumer, err := NewConsumer(
		func(context.Context) (ConsumerChannel, error) { return ch, nil },
		dispatcher,
		"q",
	)
	require.NoError(t, err)

	body := encodedEvent(t, "StockConfirmed")
	ack := &fakeAcknowledger{}
	consumer.handleDelivery(context.Background(), ch, parkSessionFor(ch), amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
		RoutingKey:   "StockConfirmed",
		Headers: amqp.Table{
			"x-death": []any{
				amqp.Table{"queue": "q", "reason": "rejected", "count": int64(4)},
				amqp.Table{"queue": "q.retry", "reason": "expired", "count": int64(4)},
			},
		},
	})

	require.Len(t, ch.published, 1)
	assert.Equal(t, "StockConfirmed", ch.publishKey)
	assert.Equal(t, body, ch.published[0].Body)
	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
}

func TestConsumer_HandleDelivery_ParksPoisonMessage(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, "StockConfirmed", nil)
	ch := newFakeConsumerChannel()
	consumer, err := NewConsumer(
		func(context.Context) (ConsumerChannel, error) { return ch, nil },
		dispatcher,
		"q",
	)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	consumer.handleDelivery(context.Background(), ch, parkSessionFor(ch), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte("not json"),
		RoutingKey:   "StockConfirmed",
	})

	require.Len(t, ch.published, 1)
	assert.Equal(t, 1, ack.acks)
}

func TestConsumer_HandleDelivery_ParkFailureFallsBackToRetry(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, "StockConfirmed", nil)
	ch := newFakeConsumerChannel()
	ch.publishErr = errors.New("publish failed")

	consumer, err := NewConsumer(
		func(context.Context) (ConsumerChannel, error) { return ch, nil },
		dispatcher,
		"q",
	)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	consumer.handleDelivery(context.Background(), ch, parkSessionFor(ch), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte("not json"),
	})

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)
}

func TestConsumer_HandleDelivery_NackedParkReturnsToRetry(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, "StockConfirmed", nil)
	ch := newFakeConsumerChannel()
	ch.nackConfirm = true

	consumer, err := NewConsumer(
		func(context.Context) (ConsumerChannel, error) { return ch, nil },
		dispatcher,
		"q",
	)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	consumer.handleDelivery(context.Background(), ch, parkSessionFor(ch), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte("not json"),
		RoutingKey:   "StockConfirmed",
	})

	// The broker refused the parked copy, so the original stays in the
	// retry loop instead of being acked away.
	require.Len(t, ch.published, 1)
	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)
}

func TestConsumer_HandleDelivery_UnroutableParkReturnsToRetry(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, "StockConfirmed", nil)
	ch := newFakeConsumerChannel()
	ch.pendingReturn = &amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE"}

	consumer, err := NewConsumer(
		func(context.Context) (ConsumerChannel, error) { return ch, nil },
		dispatcher,
		"q",
	)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	consumer.handleDelivery(context.Background(), ch, parkSessionFor(ch), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte("not json"),
		RoutingKey:   "StockConfirmed",
	})

	// A lost dead-letter binding bounces the copy back as unroutable; the
	// original must not be dropped on the strength of a blind publish.
	require.Len(t, ch.published, 1)
	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)
}

func TestConsumer_RunConsumesAndStops(t *testing.T) {
	t.Parallel()

	handled := make(chan struct{}, 1)
	registry := dispatch.NewRegistry()
	err := registry.Subscribe("StockConfirmed", func() dispatch.Handler {
		return dispatch.HandlerFunc(func(context.Context, *events.Envelope) error {
			select {
			case handled <- struct{}{}:
			default:
			}

			return nil
		})
	})
	require.NoError(t, err)
	registry.Freeze()

	dispatcher, err := dispatch.NewDispatcher(registry)
	require.NoError(t, err)

	ch := newFakeConsumerChannel()
	consumer, err := NewConsumer(
		func(context.Context) (ConsumerChannel, error) { return ch, nil },
		dispatcher,
		"stock",
		WithPrefetchCount(7),
		WithConsumerTag("stock-worker"),
	)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	ch.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		Body:         encodedEvent(t, "StockConfirmed"),
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- consumer.Run(nil)
	}()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not dispatched")
	}

	consumer.Stop()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	require.NoError(t, consumer.Shutdown(context.Background()))

	ch.mu.Lock()
	defer ch.mu.Unlock()

	assert.Equal(t, 7, ch.qosCount)
	assert.True(t, ch.confirmMode)
	assert.True(t, ch.cancelled)
	assert.True(t, ch.closed)
	assert.NotEmpty(t, ch.fakeTopologyChannel.exchanges)

	found := false
	for _, b := range ch.fakeTopologyChannel.bindings {
		if b.queue == "stock" && b.key == "StockConfirmed" {
			found = true
		}
	}
	assert.True(t, found, "subscriber queue must bind the registered event type")
}

func TestConsumer_SecondRunRejected(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, "StockConfirmed", nil)
	ch := newFakeConsumerChannel()
	consumer, err := NewConsumer(
		func(context.Context) (ConsumerChannel, error) { return ch, nil },
		dispatcher,
		"q",
	)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() {
		runDone <- consumer.Run(nil)
	}()

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()

		return ch.qosCount > 0
	}, 2*time.Second, time.Millisecond)

	require.ErrorIs(t, consumer.RunContext(context.Background(), nil), ErrConsumerRunning)

	consumer.Stop()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestConsumer_ReconnectsAfterSessionFailure(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, "StockConfirmed", nil)

	var mu sync.Mutex
	sessions := 0
	second := newFakeConsumerChannel()

	source := func(context.Context) (ConsumerChannel, error) {
		mu.Lock()
		defer mu.Unlock()
		sessions++

		if sessions == 1 {
			failing := newFakeConsumerChannel()
			failing.consumeErr = errors.New("consume failed")

			return failing, nil
		}

		return second, nil
	}

	consumer, err := NewConsumer(source, dispatcher, "q", WithReconnectDelay(time.Millisecond))
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() {
		runDone <- consumer.Run(nil)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return sessions >= 2
	}, 2*time.Second, time.Millisecond)

	consumer.Stop()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestDeliveryCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		delivery amqp.Delivery
		want     int
	}{
		{
			name:     "first delivery",
			delivery: amqp.Delivery{},
			want:     1,
		},
		{
			name:     "redelivered without death headers",
			delivery: amqp.Delivery{Redelivered: true},
			want:     2,
		},
		{
			name: "counts rejections for this queue",
			delivery: amqp.Delivery{
				Headers: amqp.Table{
					"x-death": []any{
						amqp.Table{"queue": "q", "reason": "rejected", "count": int64(3)},
						amqp.Table{"queue": "q.retry", "reason": "expired", "count": int64(3)},
					},
				},
			},
			want: 4,
		},
		{
			name: "ignores other queues",
			delivery: amqp.Delivery{
				Headers: amqp.Table{
					"x-death": []any{
						amqp.Table{"queue": "other", "reason": "rejected", "count": int64(9)},
					},
				},
			},
			want: 1,
		},
		{
			name: "malformed entries are skipped",
			delivery: amqp.Delivery{
				Headers: amqp.Table{
					"x-death": []any{
						"garbage",
						amqp.Table{"queue": "q", "reason": "rejected", "count": "not a number"},
						amqp.Table{"queue": "q", "reason": "rejected", "count": int64(2)},
					},
				},
			},
			want: 3,
		},
		{
			name: "non-list header falls back",
			delivery: amqp.Delivery{
				Headers: amqp.Table{"x-death": "bogus"},
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, deliveryCount(tt.delivery, "q"))
		})
	}
}
