package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glimte/schemabus/contracts"
	"github.com/glimte/schemabus/internal/rabbitmq"
	"github.com/glimte/schemabus/schema"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPrefetch bounds unacknowledged deliveries per queue when WithPrefetch is not given
const DefaultPrefetch = 10

// ErrHandlerPanic wraps a value recovered from a panicking handler
var ErrHandlerPanic = errors.New("schemabus: handler panicked")

// Queue consumes one durable queue bound to a headers exchange over a
// dedicated channel
type Queue struct {
	ch                 rabbitmq.Channel
	name               string
	exchange           string
	deadLetterExchange string
	bindings           []map[string]interface{}
	prefetch           int
	resolver           TypeResolver
	logger             *slog.Logger
	metrics            MetricsCollector
}

// QueueOption configures the Queue
type QueueOption func(*Queue)

// WithDeadLetterExchange overrides the default "<exchange>.DLX"
func WithDeadLetterExchange(exchange string) QueueOption {
	return func(q *Queue) {
		q.deadLetterExchange = exchange
	}
}

// WithBindings adds header-match bindings, one binding per entry
func WithBindings(bindings ...map[string]interface{}) QueueOption {
	return func(q *Queue) {
		q.bindings = append(q.bindings, bindings...)
	}
}

// MatchHeaders builds a headers-exchange binding. With matchAll every header
// must match; otherwise any one of them routes the message.
func MatchHeaders(headers map[string]interface{}, matchAll bool) map[string]interface{} {
	return rabbitmq.HeaderMatch(headers, matchAll)
}

// ContentTypeBindings returns one binding per descriptor, matching the
// content-type header publishers set
func ContentTypeBindings(descriptors ...*schema.TypeDescriptor) []map[string]interface{} {
	bindings := make([]map[string]interface{}, 0, len(descriptors))
	for _, desc := range descriptors {
		bindings = append(bindings, MatchHeaders(map[string]interface{}{ContentTypeHeader: desc.ContentType}, true))
	}
	return bindings
}

// WithPrefetch sets the number of unacknowledged deliveries the broker may send
func WithPrefetch(prefetch int) QueueOption {
	return func(q *Queue) {
		q.prefetch = prefetch
	}
}

// WithResolver sets the resolver used to decode messages for WithAccept subscriptions
func WithResolver(resolver TypeResolver) QueueOption {
	return func(q *Queue) {
		q.resolver = resolver
	}
}

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithQueueMetrics sets the metrics collector
func WithQueueMetrics(metrics MetricsCollector) QueueOption {
	return func(q *Queue) {
		q.metrics = metrics
	}
}

// NewQueue declares a durable queue dead-lettering to the configured
// exchange, checks that the headers exchange exists, binds the queue once
// per binding and applies the prefetch limit. The queue owns ch from here on.
func NewQueue(ch rabbitmq.Channel, name, exchange string, options ...QueueOption) (*Queue, error) {
	if ch == nil {
		return nil, contracts.InvalidArgument("channel cannot be nil")
	}
	if name == "" {
		return nil, contracts.InvalidArgument("queue name cannot be empty")
	}
	if exchange == "" {
		return nil, contracts.InvalidArgument("exchange name cannot be empty")
	}

	q := &Queue{
		ch:       ch,
		name:     name,
		exchange: exchange,
		prefetch: DefaultPrefetch,
		logger:   slog.Default(),
		metrics:  &NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(q)
	}

	if q.deadLetterExchange == "" {
		q.deadLetterExchange = exchange + ".DLX"
	}
	if q.prefetch <= 0 {
		return nil, contracts.InvalidArgument("prefetch must be a positive integer, got %d", q.prefetch)
	}

	if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.DurableQueue(name, q.deadLetterExchange)); err != nil {
		return nil, err
	}

	if err := rabbitmq.DeclareHeadersExchangePassive(ch, exchange); err != nil {
		if rabbitmq.IsNotFound(err) {
			return nil, &contracts.NotFoundError{Kind: "exchange", Name: exchange, Err: err}
		}
		return nil, err
	}

	if len(q.bindings) == 0 {
		q.logger.Warn("queue has no bindings and will not receive messages until bound externally",
			"queue", name,
			"exchange", exchange)
	}
	for _, match := range q.bindings {
		args, err := toTable(match)
		if err != nil {
			return nil, err
		}
		if err := rabbitmq.BindQueue(ch, rabbitmq.Binding{Queue: name, Exchange: exchange, Arguments: args}); err != nil {
			return nil, err
		}
	}

	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return nil, &rabbitmq.ChannelError{
			Op:        "qos",
			Owner:     name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	q.logger.Info("queue bound",
		"queue", name,
		"exchange", exchange,
		"deadLetterExchange", q.deadLetterExchange,
		"bindings", len(q.bindings),
		"prefetch", q.prefetch)

	return q, nil
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// DeadLetterExchange returns the exchange rejected messages are routed to
func (q *Queue) DeadLetterExchange() string {
	return q.deadLetterExchange
}

// Ack acknowledges a delivery, removing it from the queue
func (q *Queue) Ack(d *Delivery) error {
	return q.ch.Ack(d.Tag, false)
}

// Reject negatively acknowledges a delivery. Without requeue the broker
// routes it to the dead-letter exchange.
func (q *Queue) Reject(d *Delivery, requeue bool) error {
	return q.ch.Nack(d.Tag, false, requeue)
}

// Purge removes every message from the queue and returns how many there were
func (q *Queue) Purge(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count, err := q.ch.QueuePurge(q.name, false)
	if err != nil {
		return 0, &rabbitmq.ChannelError{
			Op:        "purge",
			Owner:     q.name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	q.logger.Info("queue purged",
		"queue", q.name,
		"messages", count)

	return count, nil
}

// Close closes the queue's channel, ending any subscription
func (q *Queue) Close() error {
	if q.ch.IsClosed() {
		return nil
	}
	if err := q.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// SubscribeOptions configures a subscription
type SubscribeOptions struct {
	Accept       []*schema.TypeDescriptor
	ErrorHandler ErrorHandler
	Block        bool
	ConsumerTag  string

	// acceptSet distinguishes WithAccept() with no descriptors, which
	// accepts nothing, from raw mode
	acceptSet bool
}

// SubscribeOption configures subscribe behavior
type SubscribeOption func(*SubscribeOptions)

// WithAccept decodes every message against its registered schema and
// rejects, without calling the handler, messages whose type is not listed.
// An empty list rejects every message.
func WithAccept(descriptors ...*schema.TypeDescriptor) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.acceptSet = true
		opts.Accept = append(opts.Accept, descriptors...)
	}
}

// WithErrorHandler replaces the default log-and-dead-letter error handling
func WithErrorHandler(handler ErrorHandler) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.ErrorHandler = handler
	}
}

// WithBlock controls whether Subscribe runs the consume loop on the calling
// goroutine (the default) or in the background
func WithBlock(block bool) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.Block = block
	}
}

// WithConsumerTag sets the consumer tag; a random one is used otherwise
func WithConsumerTag(tag string) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.ConsumerTag = tag
	}
}

// Subscription is a running consume loop
type Subscription struct {
	queue       string
	consumerTag string
	cancel      context.CancelFunc
	done        chan struct{}

	once sync.Once
	err  error
}

// ConsumerTag returns the broker consumer tag
func (s *Subscription) ConsumerTag() string {
	return s.consumerTag
}

// Done is closed when the consume loop has stopped
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the loop stopped. It is nil while running and after Cancel.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel stops the consume loop and waits for it to finish
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Subscribe consumes the queue with manual acknowledgement. Each delivery is
// settled with the handler's outcome: Ack acknowledges, Reject dead-letters
// and Retry requeues immediately. Errors and panics go to the ErrorHandler
// and the loop moves on. An outcome outside those three stops the loop with
// an *contracts.UnknownOutcomeError.
//
// With WithBlock(true), the default, Subscribe returns when the loop stops.
func (q *Queue) Subscribe(ctx context.Context, handler Handler, options ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, contracts.InvalidArgument("handler cannot be nil")
	}

	opts := SubscribeOptions{
		Block:        true,
		ErrorHandler: &DefaultErrorHandler{Logger: q.logger},
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.acceptSet && q.resolver == nil {
		return nil, contracts.InvalidArgument("queue %s needs a resolver to accept typed messages", q.name)
	}
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = "schemabus-" + uuid.NewString()
	}

	deliveries, err := q.ch.Consume(
		q.name,
		opts.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &rabbitmq.ChannelError{
			Op:        "consume",
			Owner:     q.name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		queue:       q.name,
		consumerTag: opts.ConsumerTag,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	q.logger.Info("subscribed",
		"queue", q.name,
		"consumerTag", opts.ConsumerTag,
		"accept", len(opts.Accept),
		"block", opts.Block)

	if !opts.Block {
		go q.consume(loopCtx, sub, deliveries, handler, opts)
		return sub, nil
	}

	q.consume(loopCtx, sub, deliveries, handler, opts)
	return sub, sub.Err()
}

func (q *Queue) consume(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler Handler, opts SubscribeOptions) {
	defer sub.cancel()

	for {
		select {
		case <-ctx.Done():
			if err := q.ch.Cancel(sub.consumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				q.logger.Warn("failed to cancel consumer",
					"queue", q.name,
					"consumerTag", sub.consumerTag,
					"error", err)
			}
			sub.finish(nil)
			return

		case d, ok := <-deliveries:
			if !ok {
				sub.finish(&rabbitmq.ChannelError{
					Op:        "consume",
					Owner:     q.name,
					Err:       rabbitmq.ErrConsumerCancelled,
					Timestamp: time.Now(),
				})
				return
			}

			if err := q.process(ctx, newDelivery(d), handler, opts); err != nil {
				q.logger.Error("stopping subscription",
					"queue", q.name,
					"consumerTag", sub.consumerTag,
					"error", err)
				sub.finish(err)
				return
			}
		}
	}
}

// process resolves, handles and settles one delivery. A returned error
// stops the consume loop.
func (q *Queue) process(ctx context.Context, d *Delivery, handler Handler, opts SubscribeOptions) error {
	start := time.Now()
	outcome, err := q.handle(ctx, d, handler, opts)
	q.metrics.RecordHandlerDuration(q.name, time.Since(start))

	if err != nil {
		q.metrics.RecordProcessingError(q.name)
		opts.ErrorHandler.HandleError(ctx, err, q, d)
		return nil
	}

	return q.settle(d, outcome)
}

func (q *Queue) handle(ctx context.Context, d *Delivery, handler Handler, opts SubscribeOptions) (outcome contracts.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("handler panicked",
				"queue", q.name,
				"deliveryTag", d.Tag,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	if opts.acceptSet {
		desc, err := q.resolver.Resolve(d.ContentType())
		if err != nil {
			return 0, err
		}

		if !accepts(opts.Accept, desc) {
			q.logger.Warn("rejecting message of a type this subscription does not accept",
				"queue", q.name,
				"contentType", desc.ContentType,
				"deliveryTag", d.Tag)
			return contracts.Reject, nil
		}

		env, err := schema.Decode(desc, d.Body)
		if err != nil {
			return 0, err
		}
		d.Envelope = env
	}

	return handler(ctx, d)
}

func accepts(accept []*schema.TypeDescriptor, desc *schema.TypeDescriptor) bool {
	for _, candidate := range accept {
		if candidate.Is(desc) {
			return true
		}
	}
	return false
}

func (q *Queue) settle(d *Delivery, outcome contracts.Outcome) error {
	var err error
	switch outcome {
	case contracts.Ack:
		err = q.Ack(d)
	case contracts.Reject:
		err = q.Reject(d, false)
	case contracts.Retry:
		err = q.Reject(d, true)
	default:
		return &contracts.UnknownOutcomeError{Outcome: outcome}
	}

	if err != nil {
		return &rabbitmq.ChannelError{
			Op:        "settle " + outcome.String(),
			Owner:     q.name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	q.metrics.RecordConsume(q.name, outcome.String())
	q.logger.Debug("settled message",
		"queue", q.name,
		"messageId", d.MessageID,
		"deliveryTag", d.Tag,
		"outcome", outcome.String())
	return nil
}
