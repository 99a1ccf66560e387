//go:build unit

package rabbitmq

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declaredExchange struct {
	name string
	kind string
}

type declaredQueue struct {
	name string
	args amqp.Table
}

type declaredBinding struct {
	queue    string
	key      string
	exchange string
}

type fakeTopologyChannel struct {
	exchanges []declaredExchange
	queues    []declaredQueue
	bindings  []declaredBinding

	exchangeErr error
	queueErr    error
	bindErr     error
}

func (f *fakeTopologyChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if f.exchangeErr != nil {
		return f.exchangeErr
	}

	f.exchanges = append(f.exchanges, declaredExchange{name: name, kind: kind})

	return nil
}

func (f *fakeTopologyChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if f.queueErr != nil {
		return amqp.Queue{}, f.queueErr
	}

	f.queues = append(f.queues, declaredQueue{name: name, args: args})

	return amqp.Queue{Name: name}, nil
}

func (f *fakeTopologyChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if f.bindErr != nil {
		return f.bindErr
	}

	f.bindings = append(f.bindings, declaredBinding{queue: name, key: key, exchange: exchange})

	return nil
}

func (f *fakeTopologyChannel) queueArgs(name string) amqp.Table {
	for _, q := range f.queues {
		if q.name == name {
			return q.args
		}
	}

	return nil
}

func TestDeclareEventTopology_Success(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}
	err := DeclareEventTopology(ch, "basket.stock", []string{
		"OrderStatusChangedToAwaitingValidationIntegrationEvent",
		"OrderStatusChangedToPaidIntegrationEvent",
	})

	require.NoError(t, err)

	require.Len(t, ch.exchanges, 3)
	assert.Equal(t, defaultEventExchangeName, ch.exchanges[0].name)
	assert.Equal(t, defaultExchangeType, ch.exchanges[0].kind)
	assert.Equal(t, defaultRetryExchangeName, ch.exchanges[1].name)
	assert.Equal(t, defaultDLXExchangeName, ch.exchanges[2].name)

	require.Len(t, ch.queues, 3)
	assert.Equal(t, "basket.stock.retry", ch.queues[0].name)
	assert.Equal(t, "basket.stock", ch.queues[1].name)
	assert.Equal(t, defaultDLQName, ch.queues[2].name)

	retryArgs := ch.queueArgs("basket.stock.retry")
	require.NotNil(t, retryArgs)
	assert.Equal(t, defaultEventExchangeName, retryArgs["x-dead-letter-exchange"])
	assert.Equal(t, defaultRetryDelay.Milliseconds(), retryArgs["x-message-ttl"])

	queueArgs := ch.queueArgs("basket.stock")
	require.NotNil(t, queueArgs)
	assert.Equal(t, defaultRetryExchangeName, queueArgs["x-dead-letter-exchange"])

	require.Len(t, ch.bindings, 4)
	assert.Equal(t, declaredBinding{
		queue:    "basket.stock.retry",
		key:      "#",
		exchange: defaultRetryExchangeName,
	}, ch.bindings[0])
	assert.Equal(t, declaredBinding{
		queue:    "basket.stock",
		key:      "OrderStatusChangedToAwaitingValidationIntegrationEvent",
		exchange: defaultEventExchangeName,
	}, ch.bindings[1])
	assert.Equal(t, declaredBinding{
		queue:    "basket.stock",
		key:      "OrderStatusChangedToPaidIntegrationEvent",
		exchange: defaultEventExchangeName,
	}, ch.bindings[2])
	assert.Equal(t, declaredBinding{
		queue:    defaultDLQName,
		key:      "#",
		exchange: defaultDLXExchangeName,
	}, ch.bindings[3])
}

func TestDeclareEventTopology_CustomNames(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}
	err := DeclareEventTopology(ch, "orders.main", []string{"OrderStockConfirmedIntegrationEvent"},
		WithExchangeName("orders.events"),
		WithRetryExchangeName("orders.events.retry"),
		WithRetryDelay(750*time.Millisecond),
		WithDLXExchangeName("orders.dlx"),
		WithDLQName("orders.dlq"),
	)

	require.NoError(t, err)

	retryArgs := ch.queueArgs("orders.main.retry")
	require.NotNil(t, retryArgs)
	assert.Equal(t, "orders.events", retryArgs["x-dead-letter-exchange"])
	assert.Equal(t, int64(750), retryArgs["x-message-ttl"])

	queueArgs := ch.queueArgs("orders.main")
	require.NotNil(t, queueArgs)
	assert.Equal(t, "orders.events.retry", queueArgs["x-dead-letter-exchange"])

	assert.Equal(t, declaredBinding{
		queue:    "orders.dlq",
		key:      "#",
		exchange: "orders.dlx",
	}, ch.bindings[len(ch.bindings)-1])
}

func TestDeclareEventTopology_SkipsEmptyBindingKeys(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}
	err := DeclareEventTopology(ch, "q", []string{"", "ProductPriceChangedIntegrationEvent", ""})

	require.NoError(t, err)

	subscriberBindings := 0
	for _, b := range ch.bindings {
		if b.queue == "q" {
			subscriberBindings++
		}
	}

	assert.Equal(t, 1, subscriberBindings)
}

func TestDeclareEventTopology_NilChannel(t *testing.T) {
	t.Parallel()

	err := DeclareEventTopology(nil, "q", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelRequired)
}

func TestDeclareEventTopology_EmptyQueue(t *testing.T) {
	t.Parallel()

	err := DeclareEventTopology(&fakeTopologyChannel{}, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueNameRequired)
}

func TestDeclareEventTopology_ExchangeError(t *testing.T) {
	t.Parallel()

	errExchange := errors.New("exchange declare failed")
	ch := &fakeTopologyChannel{exchangeErr: errExchange}

	err := DeclareEventTopology(ch, "q", nil)
	require.ErrorIs(t, err, errExchange)
}

func TestDeclareEventTopology_QueueError(t *testing.T) {
	t.Parallel()

	errQueue := errors.New("queue declare failed")
	ch := &fakeTopologyChannel{queueErr: errQueue}

	err := DeclareEventTopology(ch, "q", nil)
	require.ErrorIs(t, err, errQueue)
}

func TestDeclareEventTopology_BindError(t *testing.T) {
	t.Parallel()

	errBind := errors.New("queue bind failed")
	ch := &fakeTopologyChannel{bindErr: errBind}

	err := DeclareEventTopology(ch, "q", nil)
	require.ErrorIs(t, err, errBind)
}

func TestDeclareDLQTopology_Success(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}
	err := DeclareDLQTopology(ch, WithDLXExchangeName("stock.events.dlx"), WithDLQName("stock.events.dlq"))

	require.NoError(t, err)
	require.Len(t, ch.exchanges, 1)
	require.Len(t, ch.queues, 1)
	require.Len(t, ch.bindings, 1)

	assert.Equal(t, "stock.events.dlx", ch.exchanges[0].name)
	assert.Equal(t, defaultExchangeType, ch.exchanges[0].kind)
	assert.Equal(t, "stock.events.dlq", ch.queues[0].name)
	assert.Equal(t, declaredBinding{
		queue:    "stock.events.dlq",
		key:      "#",
		exchange: "stock.events.dlx",
	}, ch.bindings[0])
}

func TestDeclareDLQTopology_NilChannel(t *testing.T) {
	t.Parallel()

	err := DeclareDLQTopology(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelRequired)
}

func TestDeclareDLQTopology_QueueArgsOptions(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}
	err := DeclareDLQTopology(
		ch,
		WithDLQMessageTTL(45*time.Second),
		WithDLQMaxLength(500),
	)

	require.NoError(t, err)

	args := ch.queueArgs(defaultDLQName)
	require.NotNil(t, args)
	assert.Equal(t, int64(45000), args["x-message-ttl"])
	assert.Equal(t, int64(500), args["x-max-length"])
}

func TestDeclareDLQTopology_NoArgsByDefault(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}
	require.NoError(t, DeclareDLQTopology(ch))
	assert.Nil(t, ch.queueArgs(defaultDLQName))
}

func TestTopologyOptions_EmptyValuesKeepDefaults(t *testing.T) {
	t.Parallel()

	cfg := DefaultTopologyConfig()

	for _, opt := range []TopologyOption{
		WithExchangeName(""),
		WithExchangeType(""),
		WithRetryExchangeName(""),
		WithRetryDelay(0),
		WithDLXExchangeName(""),
		WithDLQName(""),
		WithDLQBindingKey(""),
	} {
		opt(&cfg)
	}

	assert.Equal(t, DefaultTopologyConfig(), cfg)
}
