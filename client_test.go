package schemabus

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/schemabus/config"
	"github.com/glimte/schemabus/contracts"
	"github.com/glimte/schemabus/health"
	"github.com/glimte/schemabus/internal/rabbitmq"
	"github.com/glimte/schemabus/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/schemabus/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const pingType = "application/vnd.acme.events.ping+json"

type fakeBroker struct {
	conn  *rabbitmqtest.MockConnection
	dials []config.Connection
}

func newFakeBroker(channels ...*rabbitmqtest.MockChannel) *fakeBroker {
	conn := &rabbitmqtest.MockConnection{}
	for _, ch := range channels {
		conn.On("Channel").Return(ch, nil).Once()
	}
	return &fakeBroker{conn: conn}
}

func (b *fakeBroker) dial(ctx context.Context, cfg config.Connection) (rabbitmq.Connection, error) {
	b.dials = append(b.dials, cfg)
	return b.conn, nil
}

func publishingChannel(mode rabbitmqtest.ConfirmMode) *rabbitmqtest.MockChannel {
	ch := rabbitmqtest.NewMockChannel(mode).ExpectTopology()
	ch.On("PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return ch
}

func newTestClient(t *testing.T, broker *fakeBroker, options ...ClientOption) *Client {
	t.Helper()
	client, err := NewClient("acme", append([]ClientOption{WithDialer(broker.dial)}, options...)...)
	require.NoError(t, err)
	_, err = client.RegisterSchemas("testdata/schemas")
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("defaults the connection and opens nothing", func(t *testing.T) {
		broker := newFakeBroker()

		client := newTestClient(t, broker)

		assert.Equal(t, config.DefaultConnection(), client.Connection())
		assert.Equal(t, "acme", client.Registry().Namespace())
		assert.Equal(t, 1, client.Detectors().Len())
		assert.Empty(t, broker.dials)
	})

	t.Run("requires a namespace", func(t *testing.T) {
		_, err := NewClient("")
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})

	t.Run("rejects invalid connection settings", func(t *testing.T) {
		_, err := NewClient("acme", WithConnection(config.Connection{Scheme: "http"}))
		assert.ErrorIs(t, err, contracts.ErrConfiguration)
	})

	t.Run("clients are independent", func(t *testing.T) {
		a := newTestClient(t, newFakeBroker())
		b, err := NewClient("other")
		require.NoError(t, err)

		_, err = b.Registry().Resolve(pingType)
		assert.ErrorIs(t, err, contracts.ErrUnregisteredType)
		_, err = a.Registry().Resolve(pingType)
		assert.NoError(t, err)
	})
}

func TestNewClientFromConfig(t *testing.T) {
	broker := newFakeBroker()

	client, err := NewClientFromConfig("testdata/schemabus.yaml", WithDialer(broker.dial))

	require.NoError(t, err)
	assert.Equal(t, "rabbit.internal", client.Connection().Host)
	assert.Equal(t, 5673, client.Connection().Port)
	assert.Equal(t, "ingest", client.Connection().Vhost)
	assert.Equal(t, "ping-service", client.Connection().Name)
	assert.Equal(t, 1, client.Registry().Len())

	_, err = NewClientFromConfig("testdata/missing.yaml")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestClientEnvelope(t *testing.T) {
	client := newTestClient(t, newFakeBroker())

	env, err := client.Envelope(pingType, map[string]interface{}{"message": "hello"})
	require.NoError(t, err)
	priority, _ := env.Get("priority")
	assert.Equal(t, "5", priority.String())

	_, err = client.Envelope(pingType, map[string]interface{}{})
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = client.Envelope("application/vnd.acme.events.pong+json", nil)
	assert.ErrorIs(t, err, contracts.ErrUnregisteredType)
}

func TestClientPublishAndConsume(t *testing.T) {
	ctx := context.Background()
	pubCh := publishingChannel(rabbitmqtest.ConfirmAck)
	subCh := rabbitmqtest.NewMockChannel(rabbitmqtest.ConfirmManual).ExpectTopology()
	broker := newFakeBroker(pubCh, subCh)
	registry := prometheus.NewRegistry()
	client := newTestClient(t, broker, WithMetrics(registry))

	publisher, err := client.Publisher(ctx, "books", "ping-service", "1")
	require.NoError(t, err)

	env, err := client.Envelope(pingType, map[string]interface{}{
		"message": "hello",
		"cover":   map[string]interface{}{"type": "remote", "uri": "s3://covers/1.jpg"},
	})
	require.NoError(t, err)

	id, err := publisher.Publish(ctx, env)
	require.NoError(t, err)

	published := pubCh.Published()
	require.Len(t, published, 1)
	msg := published[0]
	assert.Equal(t, id, msg.MessageId)
	assert.Equal(t, true, msg.Headers["has_remote_uris"], "default detectors run on publish")
	count, err := testutil.GatherAndCount(registry, "schemabus_publish_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	deliveries := make(chan amqp.Delivery, 1)
	subCh.On("Consume", "ingest", mock.Anything, false, false, false, false, amqp.Table(nil)).Return(deliveries, nil)
	acked := make(chan uint64, 1)
	subCh.On("Ack", mock.Anything, false).Return(nil).Run(func(args mock.Arguments) {
		acked <- args.Get(0).(uint64)
	})

	queue, err := client.Queue(ctx, "ingest", "books",
		messaging.WithBindings(map[string]interface{}{"content-type": pingType}))
	require.NoError(t, err)

	received := make(chan *messaging.Delivery, 1)
	sub, err := queue.Subscribe(ctx, func(_ context.Context, d *messaging.Delivery) (contracts.Outcome, error) {
		received <- d
		return contracts.Ack, nil
	}, messaging.WithAccept(env.Descriptor()), messaging.WithBlock(false))
	require.NoError(t, err)

	deliveries <- amqp.Delivery{
		DeliveryTag: 1,
		ContentType: msg.ContentType,
		MessageId:   msg.MessageId,
		Headers:     msg.Headers,
		Body:        msg.Body,
	}

	select {
	case d := <-received:
		assert.True(t, env.Equal(d.Envelope))
		assert.Equal(t, []string{id}, d.MessageIDChain())
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
	select {
	case tag := <-acked:
		assert.Equal(t, uint64(1), tag)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not acknowledged")
	}

	sub.Cancel()
	assert.Len(t, broker.dials, 1, "publisher and queue share one connection")
	require.NoError(t, client.Close(ctx))
	assert.True(t, pubCh.IsClosed())
	assert.True(t, subCh.IsClosed())
	assert.True(t, broker.conn.IsClosed())
}

func TestClientClose(t *testing.T) {
	t.Run("reports unconfirmed messages", func(t *testing.T) {
		ch := publishingChannel(rabbitmqtest.ConfirmManual)
		client := newTestClient(t, newFakeBroker(ch))
		ctx := context.Background()

		publisher, err := client.Publisher(ctx, "books", "ping-service", "1")
		require.NoError(t, err)
		env, err := client.Envelope(pingType, map[string]interface{}{"message": "hello"})
		require.NoError(t, err)
		id, err := publisher.Publish(ctx, env, messaging.WithConfirm(false))
		require.NoError(t, err)

		closeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err = client.Close(closeCtx)

		var undeliverable *contracts.UndeliverableError
		require.ErrorAs(t, err, &undeliverable)
		assert.Equal(t, []string{id}, undeliverable.MessageIDs)
		assert.True(t, ch.IsClosed())
	})

	t.Run("closed clients open nothing", func(t *testing.T) {
		client := newTestClient(t, newFakeBroker())
		require.NoError(t, client.Close(context.Background()))
		require.NoError(t, client.Close(context.Background()))

		_, err := client.Publisher(context.Background(), "books", "ping-service", "1")
		assert.ErrorIs(t, err, rabbitmq.ErrCacheClosed)
	})

	t.Run("a failed publisher releases its channel", func(t *testing.T) {
		ch := rabbitmqtest.NewMockChannel(rabbitmqtest.ConfirmAck)
		ch.On("ExchangeDeclarePassive", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&amqp.Error{Code: amqp.NotFound, Server: true})
		client := newTestClient(t, newFakeBroker(ch))

		_, err := client.Publisher(context.Background(), "missing", "ping-service", "1")

		assert.ErrorIs(t, err, contracts.ErrNotFound)
		assert.True(t, ch.IsClosed())
	})
}

func TestClientHealthChecker(t *testing.T) {
	ch := rabbitmqtest.NewMockChannel(rabbitmqtest.ConfirmManual).ExpectTopology()
	client := newTestClient(t, newFakeBroker(ch))

	registry := health.NewRegistry()
	registry.Register(client.HealthChecker("books"))
	report := registry.Check(context.Background())

	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "rabbitmq_books")
}

func TestClientConnectRetry(t *testing.T) {
	calls := 0
	conn := &rabbitmqtest.MockConnection{}
	conn.On("Channel").Return(rabbitmqtest.NewMockChannel(rabbitmqtest.ConfirmManual).ExpectTopology(), nil)
	dialer := func(context.Context, config.Connection) (rabbitmq.Connection, error) {
		calls++
		if calls == 1 {
			return nil, &rabbitmq.ConnectionError{Op: "connect", Err: rabbitmq.ErrConnectionTimeout}
		}
		return conn, nil
	}
	client, err := NewClient("acme", WithDialer(dialer), WithConnectRetry(3, time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	_, err = client.Queue(context.Background(), "ingest", "books")

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
