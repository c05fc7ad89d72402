package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/schemabus/contracts"
	"github.com/glimte/schemabus/schema"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is the context of one delivered message. It is valid until the
// delivery has been settled.
type Delivery struct {
	// Tag identifies the delivery on its channel
	Tag         uint64
	Headers     amqp.Table
	Body        []byte
	Redelivered bool

	MessageID     string
	CorrelationID string
	AppID         string
	Timestamp     time.Time

	contentTypeProperty string

	// Envelope is the decoded message. It is nil for queues subscribed
	// without WithAccept, where handlers receive the raw Body.
	Envelope *schema.Envelope
}

func newDelivery(d amqp.Delivery) *Delivery {
	return &Delivery{
		Tag:                 d.DeliveryTag,
		Headers:             d.Headers,
		Body:                d.Body,
		Redelivered:         d.Redelivered,
		MessageID:           d.MessageId,
		CorrelationID:       d.CorrelationId,
		AppID:               d.AppId,
		Timestamp:           d.Timestamp,
		contentTypeProperty: d.ContentType,
	}
}

// ContentType returns the content-type header, falling back to the AMQP property
func (d *Delivery) ContentType() string {
	if ct, ok := d.Headers[ContentTypeHeader].(string); ok && ct != "" {
		return ct
	}
	return d.contentTypeProperty
}

// MessageIDChain returns the lineage of the message, ending with its own id
func (d *Delivery) MessageIDChain() []string {
	return chainFromHeader(d.Headers[MessageIDChainHeader])
}

// Handler processes one delivery and decides its outcome. A returned error
// routes the delivery to the queue's ErrorHandler instead.
type Handler func(ctx context.Context, d *Delivery) (contracts.Outcome, error)

// Acknowledger settles deliveries on the channel they arrived on
type Acknowledger interface {
	Ack(d *Delivery) error
	Reject(d *Delivery, requeue bool) error
}

// ErrorHandler handles errors raised while resolving, decoding or handling a
// delivery. It replaces the default entirely and must settle the delivery.
type ErrorHandler interface {
	HandleError(ctx context.Context, err error, ack Acknowledger, d *Delivery)
}

// ErrorHandlerFunc is a function adapter for ErrorHandler
type ErrorHandlerFunc func(ctx context.Context, err error, ack Acknowledger, d *Delivery)

// HandleError implements ErrorHandler
func (f ErrorHandlerFunc) HandleError(ctx context.Context, err error, ack Acknowledger, d *Delivery) {
	f(ctx, err, ack, d)
}

// DefaultErrorHandler logs the failure with the raw payload and dead-letters
// the delivery
type DefaultErrorHandler struct {
	Logger *slog.Logger
}

// HandleError implements ErrorHandler
func (h *DefaultErrorHandler) HandleError(ctx context.Context, err error, ack Acknowledger, d *Delivery) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Error("message processing failed, dead-lettering",
		"messageId", d.MessageID,
		"contentType", d.ContentType(),
		"deliveryTag", d.Tag,
		"body", string(d.Body),
		"error", err,
	)

	if rejectErr := ack.Reject(d, false); rejectErr != nil {
		logger.Error("failed to reject message",
			"deliveryTag", d.Tag,
			"error", rejectErr)
	}
}
