package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/schemabus/contracts"
	"github.com/glimte/schemabus/detectors"
	"github.com/glimte/schemabus/internal/rabbitmq"
	"github.com/glimte/schemabus/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/schemabus/schema"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	NoOpMetricsCollector
	publishes []string
	consumes  []string
	errors    int
}

func (m *recordingMetrics) RecordPublish(exchange, contentType, result string) {
	m.publishes = append(m.publishes, result)
}

func (m *recordingMetrics) RecordConsume(queue, outcome string) {
	m.consumes = append(m.consumes, outcome)
}

func (m *recordingMetrics) RecordProcessingError(queue string) {
	m.errors++
}

func TestNewPublisher(t *testing.T) {
	t.Run("binds to an existing headers exchange in confirm mode", func(t *testing.T) {
		ch := rabbitmqtest.NewMockChannel(rabbitmqtest.ConfirmAck)
		ch.On("ExchangeDeclarePassive", "books", "headers", true, false, false, false, amqp.Table(nil)).Return(nil).Once()
		ch.On("Confirm", false).Return(nil).Once()

		p, err := NewPublisher(ch, "books", "ingest", "2")

		require.NoError(t, err)
		assert.Equal(t, "ingest:v2", p.AppID())
		assert.Equal(t, "books", p.Exchange())
		ch.AssertExpectations(t)
	})

	t.Run("missing exchange is NotFoundError", func(t *testing.T) {
		ch := rabbitmqtest.NewMockChannel(rabbitmqtest.ConfirmAck)
		ch.On("ExchangeDeclarePassive", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND", Server: true})

		_, err := NewPublisher(ch, "missing", "ingest", "2")

		assert.ErrorIs(t, err, contracts.ErrNotFound)
		var nf *contracts.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "missing", nf.Name)
	})

	t.Run("confirm failures are channel errors", func(t *testing.T) {
		ch := rabbitmqtest.NewMockChannel(rabbitmqtest.ConfirmAck)
		ch.On("ExchangeDeclarePassive", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		ch.On("Confirm", false).Return(errors.New("not supported"))

		_, err := NewPublisher(ch, "books", "ingest", "2")

		assert.Error(t, err)
	})

	t.Run("requires an exchange", func(t *testing.T) {
		_, err := NewPublisher(rabbitmqtest.NewMockChannel(rabbitmqtest.ConfirmAck), "", "ingest", "2")
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})
}

func TestPublish(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	t.Run("stamps properties and default headers", func(t *testing.T) {
		ch := newPublisherChannel(rabbitmqtest.ConfirmAck)
		p, err := NewPublisher(ch, "books", "ingest", "2")
		require.NoError(t, err)

		id, err := p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{"message": "hi"}))
		require.NoError(t, err)

		assert.Regexp(t, messageIDPattern, id)
		published := ch.Published()
		require.Len(t, published, 1)
		msg := published[0]
		assert.Equal(t, f.ping.ContentType, msg.ContentType)
		assert.Equal(t, id, msg.MessageId)
		assert.Equal(t, id, msg.CorrelationId)
		assert.Equal(t, "ingest:v2", msg.AppId)
		assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
		assert.WithinDuration(t, time.Now(), msg.Timestamp, 2*time.Second)
		assert.Equal(t, f.ping.ContentType, msg.Headers[ContentTypeHeader])
		assert.Equal(t, []interface{}{id}, msg.Headers[MessageIDChainHeader])
		assert.JSONEq(t, `{"message":"hi","priority":5}`, string(msg.Body))
		ch.AssertCalled(t, "PublishWithContext", mock.Anything, "books", "", false, false, mock.Anything)
	})

	t.Run("sequential publishes get distinct ids", func(t *testing.T) {
		p, err := NewPublisher(newPublisherChannel(rabbitmqtest.ConfirmAck), "books", "ingest", "2")
		require.NoError(t, err)
		env := f.pingEnvelope(t, map[string]interface{}{"message": "hi"})

		first, err := p.Publish(ctx, env)
		require.NoError(t, err)
		second, err := p.Publish(ctx, env)
		require.NoError(t, err)

		assert.NotEqual(t, first, second)
	})

	t.Run("extends the caller's chain", func(t *testing.T) {
		ch := newPublisherChannel(rabbitmqtest.ConfirmAck)
		p, err := NewPublisher(ch, "books", "ingest", "2")
		require.NoError(t, err)

		id, err := p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{"message": "hi"}),
			WithMessageIDChain([]string{"a", "b"}))
		require.NoError(t, err)

		msg := ch.Published()[0]
		assert.Equal(t, []interface{}{"a", "b", id}, msg.Headers[MessageIDChainHeader])
		assert.Equal(t, "a", msg.CorrelationId)
		assert.Equal(t, id, msg.MessageId)
	})

	t.Run("continues the lineage of a delivery", func(t *testing.T) {
		ch := newPublisherChannel(rabbitmqtest.ConfirmAck)
		p, err := NewPublisher(ch, "books", "ingest", "2")
		require.NoError(t, err)
		parent := newDelivery(amqp.Delivery{Headers: amqp.Table{MessageIDChainHeader: []interface{}{"root", "parent"}}})

		id, err := p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{"message": "hi"}), CausedBy(parent))
		require.NoError(t, err)

		assert.Equal(t, []interface{}{"root", "parent", id}, ch.Published()[0].Headers[MessageIDChainHeader])
	})

	t.Run("caller headers beat detectors which beat defaults", func(t *testing.T) {
		ch := newPublisherChannel(rabbitmqtest.ConfirmAck)
		pipeline := detectors.NewPipeline(nil).Register(detectors.NewDetectorFunc("test", func(*schema.Envelope) map[string]interface{} {
			return map[string]interface{}{"content-type": "detected", "source": "detector", "tenant": "detector"}
		}))
		p, err := NewPublisher(ch, "books", "ingest", "2", WithHeaderPipeline(pipeline))
		require.NoError(t, err)

		_, err = p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{"message": "hi"}),
			WithHeaders(map[string]interface{}{"tenant": "caller"}))
		require.NoError(t, err)

		headers := ch.Published()[0].Headers
		assert.Equal(t, "detected", headers["content-type"])
		assert.Equal(t, "detector", headers["source"])
		assert.Equal(t, "caller", headers["tenant"])
	})

	t.Run("runs the remote-uri detector", func(t *testing.T) {
		ch := newPublisherChannel(rabbitmqtest.ConfirmAck)
		p, err := NewPublisher(ch, "books", "ingest", "2", WithHeaderPipeline(detectors.NewDefaultPipeline(nil)))
		require.NoError(t, err)

		_, err = p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{
			"message": "hi",
			"cover":   map[string]interface{}{"type": "remote", "uri": "http://x"},
		}))
		require.NoError(t, err)

		headers := ch.Published()[0].Headers
		assert.Equal(t, true, headers[detectors.HasRemoteURIsHeader])
		assert.Equal(t, []interface{}{"cover"}, headers[detectors.RemoteURIsHeader])
	})

	t.Run("refuses anything but a validated envelope", func(t *testing.T) {
		ch := newPublisherChannel(rabbitmqtest.ConfirmAck)
		p, err := NewPublisher(ch, "books", "ingest", "2")
		require.NoError(t, err)

		_, err = p.Publish(ctx, nil)
		assert.ErrorIs(t, err, contracts.ErrArgument)
		_, err = p.Publish(ctx, &schema.Envelope{})
		assert.ErrorIs(t, err, contracts.ErrArgument)
		assert.Empty(t, ch.Published())
	})

	t.Run("nack is UndeliverableError naming the message", func(t *testing.T) {
		metrics := &recordingMetrics{}
		p, err := NewPublisher(newPublisherChannel(rabbitmqtest.ConfirmNack), "books", "ingest", "2", WithPublisherMetrics(metrics))
		require.NoError(t, err)

		id, err := p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{"message": "hi"}))

		assert.Empty(t, id)
		assert.ErrorIs(t, err, contracts.ErrUndeliverable)
		var uerr *contracts.UndeliverableError
		require.ErrorAs(t, err, &uerr)
		require.Len(t, uerr.MessageIDs, 1)
		assert.Regexp(t, messageIDPattern, uerr.MessageIDs[0])
		assert.Equal(t, []string{PublishNacked}, metrics.publishes)
	})

	t.Run("publish failures are returned", func(t *testing.T) {
		ch := rabbitmqtest.NewMockChannel(rabbitmqtest.ConfirmAck).ExpectTopology()
		ch.On("PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(amqp.ErrClosed)
		p, err := NewPublisher(ch, "books", "ingest", "2")
		require.NoError(t, err)

		_, err = p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{"message": "hi"}))

		assert.ErrorIs(t, err, amqp.ErrClosed)
		ids, err := p.WaitForConfirms(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("cancelled wait leaves the message to WaitForConfirms", func(t *testing.T) {
		p, err := NewPublisher(newPublisherChannel(rabbitmqtest.ConfirmManual), "books", "ingest", "2")
		require.NoError(t, err)

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = p.Publish(short, f.pingEnvelope(t, map[string]interface{}{"message": "hi"}))
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		waitCtx, waitCancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer waitCancel()
		ids, err := p.WaitForConfirms(waitCtx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Len(t, ids, 1)
	})
}

func TestWaitForConfirms(t *testing.T) {
	f := newFixtures(t)
	ctx := context.Background()

	t.Run("reports nacked fire-and-forget publishes", func(t *testing.T) {
		ch := newPublisherChannel(rabbitmqtest.ConfirmManual)
		p, err := NewPublisher(ch, "books", "ingest", "2")
		require.NoError(t, err)
		env := f.pingEnvelope(t, map[string]interface{}{"message": "hi"})

		first, err := p.Publish(ctx, env, WithConfirm(false))
		require.NoError(t, err)
		second, err := p.Publish(ctx, env, WithConfirm(false))
		require.NoError(t, err)

		ch.SendConfirm(1, true)
		ch.SendConfirm(2, false)

		ids, err := p.WaitForConfirms(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{second}, ids)
		assert.NotEqual(t, first, second)

		ids, err = p.WaitForConfirms(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("returns immediately when nothing is pending", func(t *testing.T) {
		p, err := NewPublisher(newPublisherChannel(rabbitmqtest.ConfirmAck), "books", "ingest", "2")
		require.NoError(t, err)

		ids, err := p.WaitForConfirms(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("close reports messages that were never confirmed", func(t *testing.T) {
		ch := newPublisherChannel(rabbitmqtest.ConfirmManual)
		p, err := NewPublisher(ch, "books", "ingest", "2")
		require.NoError(t, err)

		id, err := p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{"message": "hi"}), WithConfirm(false))
		require.NoError(t, err)
		ch.CloseWithError(&amqp.Error{Code: amqp.ChannelError, Reason: "gone"})

		err = p.Close(ctx)

		var uerr *contracts.UndeliverableError
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, []string{id}, uerr.MessageIDs)
	})

	t.Run("blocked publishes fail when the channel closes", func(t *testing.T) {
		ch := newPublisherChannel(rabbitmqtest.ConfirmManual)
		p, err := NewPublisher(ch, "books", "ingest", "2")
		require.NoError(t, err)

		result := make(chan error, 1)
		go func() {
			_, err := p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{"message": "hi"}))
			result <- err
		}()

		require.Eventually(t, func() bool { return len(ch.Published()) == 1 }, time.Second, 5*time.Millisecond)
		ch.CloseWithError(&amqp.Error{Code: amqp.ChannelError, Reason: "gone"})

		assert.ErrorIs(t, waitFor(t, result), contracts.ErrUndeliverable)

		_, err = p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{"message": "again"}))
		var chErr *rabbitmq.ChannelError
		assert.ErrorAs(t, err, &chErr)
	})

	t.Run("clean close", func(t *testing.T) {
		ch := newPublisherChannel(rabbitmqtest.ConfirmAck)
		p, err := NewPublisher(ch, "books", "ingest", "2")
		require.NoError(t, err)

		_, err = p.Publish(ctx, f.pingEnvelope(t, map[string]interface{}{"message": "hi"}))
		require.NoError(t, err)

		assert.NoError(t, p.Close(ctx))
		assert.True(t, ch.IsClosed())
	})
}
