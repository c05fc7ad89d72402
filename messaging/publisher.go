package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glimte/schemabus/contracts"
	"github.com/glimte/schemabus/internal/rabbitmq"
	"github.com/glimte/schemabus/schema"
	amqp "github.com/rabbitmq/amqp091-go"
)

// confirmBuffer sizes the publisher confirm notification channel
const confirmBuffer = 256

// Publish results reported to the MetricsCollector
const (
	PublishConfirmed = "confirmed"
	PublishSent      = "sent"
	PublishNacked    = "nacked"
	PublishFailed    = "failed"
)

// Publisher publishes envelopes to one headers exchange over a dedicated
// channel in confirm mode
type Publisher struct {
	ch        rabbitmq.Channel
	exchange  string
	appID     string
	detectors HeaderPipeline
	logger    *slog.Logger
	metrics   MetricsCollector

	// mu keeps sequence numbers and publishes in step
	mu sync.Mutex

	pmu     sync.Mutex
	pending map[uint64]*pendingConfirm
	nacked  []string
	settled chan struct{}

	confirms chan amqp.Confirmation
	done     chan struct{}
}

type pendingConfirm struct {
	messageID string
	result    chan bool
	waiting   bool
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithHeaderPipeline sets the detectors run against every envelope
func WithHeaderPipeline(pipeline HeaderPipeline) PublisherOption {
	return func(p *Publisher) {
		p.detectors = pipeline
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// NewPublisher binds a publisher to an existing durable headers exchange and
// puts ch into confirm mode. The publisher owns ch from here on. appID is
// recorded as "<facility>:v<facilityVersion>".
func NewPublisher(ch rabbitmq.Channel, exchange, facility, facilityVersion string, options ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, contracts.InvalidArgument("channel cannot be nil")
	}
	if exchange == "" {
		return nil, contracts.InvalidArgument("exchange name cannot be empty")
	}

	p := &Publisher{
		ch:       ch,
		exchange: exchange,
		appID:    fmt.Sprintf("%s:v%s", facility, facilityVersion),
		logger:   slog.Default(),
		metrics:  &NoOpMetricsCollector{},
		pending:  make(map[uint64]*pendingConfirm),
		settled:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	if err := rabbitmq.DeclareHeadersExchangePassive(ch, exchange); err != nil {
		if rabbitmq.IsNotFound(err) {
			return nil, &contracts.NotFoundError{Kind: "exchange", Name: exchange, Err: err}
		}
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		return nil, &rabbitmq.ChannelError{
			Op:        "confirm",
			Owner:     exchange,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	go p.confirmLoop()

	p.logger.Debug("publisher bound",
		"exchange", exchange,
		"appId", p.appID)

	return p, nil
}

// Exchange returns the exchange the publisher is bound to
func (p *Publisher) Exchange() string {
	return p.exchange
}

// AppID returns the provenance string stamped on every message
func (p *Publisher) AppID() string {
	return p.appID
}

// PublishOptions configures a single publish
type PublishOptions struct {
	Headers        map[string]interface{}
	MessageIDChain []string
	Confirm        bool
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithHeaders adds headers. They take precedence over detector and default headers.
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = make(map[string]interface{})
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// WithMessageIDChain sets the chain of the message that caused this publish
func WithMessageIDChain(chain []string) PublishOption {
	return func(opts *PublishOptions) {
		opts.MessageIDChain = chain
	}
}

// CausedBy continues the lineage of a received delivery
func CausedBy(d *Delivery) PublishOption {
	return WithMessageIDChain(d.MessageIDChain())
}

// WithConfirm controls whether Publish waits for the broker confirmation
func WithConfirm(confirm bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.Confirm = confirm
	}
}

// Publish sends env and returns the id generated for it. By default it
// blocks until the broker confirms the message; a negative acknowledgement
// yields an *contracts.UndeliverableError.
func (p *Publisher) Publish(ctx context.Context, env *schema.Envelope, options ...PublishOption) (string, error) {
	if !env.Valid() {
		return "", fmt.Errorf("%w: publish requires an envelope built by schema.NewEnvelope", contracts.ErrArgument)
	}

	opts := PublishOptions{Confirm: true}
	for _, opt := range options {
		opt(&opts)
	}

	messageID, err := NewMessageID()
	if err != nil {
		return "", err
	}
	chain := extendChain(opts.MessageIDChain, messageID)

	msg, err := p.buildPublishing(env, messageID, chain, opts.Headers)
	if err != nil {
		return "", err
	}

	pc, err := p.send(ctx, msg, opts.Confirm)
	if err != nil {
		p.metrics.RecordPublish(p.exchange, env.ContentType(), PublishFailed)
		return "", err
	}

	p.logger.Debug("published message",
		"exchange", p.exchange,
		"contentType", env.ContentType(),
		"messageId", messageID,
		"correlationId", msg.CorrelationId,
		"confirm", opts.Confirm)

	if !opts.Confirm {
		p.metrics.RecordPublish(p.exchange, env.ContentType(), PublishSent)
		return messageID, nil
	}

	if err := p.awaitConfirm(ctx, pc); err != nil {
		p.metrics.RecordPublish(p.exchange, env.ContentType(), PublishNacked)
		return "", err
	}

	p.metrics.RecordPublish(p.exchange, env.ContentType(), PublishConfirmed)
	return messageID, nil
}

func (p *Publisher) buildPublishing(env *schema.Envelope, messageID string, chain []string, extra map[string]interface{}) (amqp.Publishing, error) {
	base := map[string]interface{}{
		ContentTypeHeader:    env.ContentType(),
		MessageIDChainHeader: chain,
	}

	var headers map[string]interface{}
	if p.detectors != nil {
		headers = p.detectors.Run(env, base)
	} else {
		headers = base
	}
	for k, v := range extra {
		headers[k] = v
	}

	table, err := toTable(headers)
	if err != nil {
		return amqp.Publishing{}, err
	}

	body, err := env.MarshalJSON()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode envelope: %w", err)
	}

	return amqp.Publishing{
		Headers:       table,
		ContentType:   env.ContentType(),
		DeliveryMode:  amqp.Persistent,
		CorrelationId: chain[0],
		MessageId:     messageID,
		AppId:         p.appID,
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		Body:          body,
	}, nil
}

// send publishes msg and registers it for confirmation tracking
func (p *Publisher) send(ctx context.Context, msg amqp.Publishing, wait bool) (*pendingConfirm, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return nil, &rabbitmq.ChannelError{
			Op:        "publish",
			Owner:     p.exchange,
			Err:       rabbitmq.ErrChannelClosed,
			Timestamp: time.Now(),
		}
	default:
	}

	seq := p.ch.GetNextPublishSeqNo()
	pc := &pendingConfirm{
		messageID: msg.MessageId,
		result:    make(chan bool, 1),
		waiting:   wait,
	}

	p.pmu.Lock()
	p.pending[seq] = pc
	p.pmu.Unlock()

	if err := p.ch.PublishWithContext(ctx, p.exchange, "", false, false, msg); err != nil {
		p.pmu.Lock()
		delete(p.pending, seq)
		p.pmu.Unlock()

		return nil, &rabbitmq.ChannelError{
			Op:        "publish",
			Owner:     p.exchange,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return pc, nil
}

func (p *Publisher) awaitConfirm(ctx context.Context, pc *pendingConfirm) error {
	select {
	case ack, ok := <-pc.result:
		if !ok || !ack {
			return &contracts.UndeliverableError{MessageIDs: []string{pc.messageID}}
		}
		return nil

	case <-ctx.Done():
		p.pmu.Lock()
		for seq, candidate := range p.pending {
			if candidate == pc {
				// Leave it for WaitForConfirms to report
				candidate.waiting = false
				p.pmu.Unlock()
				return fmt.Errorf("waiting for confirmation of %s (seq %d): %w", pc.messageID, seq, ctx.Err())
			}
		}
		p.pmu.Unlock()

		// Settled concurrently with the cancellation
		ack, ok := <-pc.result
		if !ok || !ack {
			return &contracts.UndeliverableError{MessageIDs: []string{pc.messageID}}
		}
		return nil
	}
}

func (p *Publisher) confirmLoop() {
	defer close(p.done)

	for c := range p.confirms {
		p.pmu.Lock()
		if pc, ok := p.pending[c.DeliveryTag]; ok {
			delete(p.pending, c.DeliveryTag)
			switch {
			case pc.waiting:
				pc.result <- c.Ack
			case !c.Ack:
				p.nacked = append(p.nacked, pc.messageID)
				p.logger.Warn("broker rejected unconfirmed publish",
					"exchange", p.exchange,
					"messageId", pc.messageID)
			}
		}
		p.pmu.Unlock()
		p.signal()
	}

	// The channel closed: callers still blocked in Publish fail
	p.pmu.Lock()
	for seq, pc := range p.pending {
		if pc.waiting {
			close(pc.result)
			delete(p.pending, seq)
		}
	}
	p.pmu.Unlock()
	p.signal()
}

func (p *Publisher) signal() {
	select {
	case p.settled <- struct{}{}:
	default:
	}
}

// WaitForConfirms blocks until every publish sent without waiting has been
// confirmed, the channel closes or ctx is done. It returns the ids of
// messages the broker rejected or never confirmed, and forgets them.
func (p *Publisher) WaitForConfirms(ctx context.Context) ([]string, error) {
	for {
		p.pmu.Lock()
		closed := isClosed(p.done)
		if len(p.pending) == 0 || closed {
			ids := p.drainUnconfirmed()
			p.pmu.Unlock()
			return ids, nil
		}
		p.pmu.Unlock()

		select {
		case <-p.settled:
		case <-p.done:
		case <-ctx.Done():
			p.pmu.Lock()
			ids := p.drainUnconfirmed()
			p.pmu.Unlock()
			return ids, ctx.Err()
		}
	}
}

// drainUnconfirmed must be called with pmu held
func (p *Publisher) drainUnconfirmed() []string {
	seqs := make([]uint64, 0, len(p.pending))
	for seq := range p.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	ids := append([]string(nil), p.nacked...)
	for _, seq := range seqs {
		pc := p.pending[seq]
		if pc.waiting {
			continue
		}
		ids = append(ids, pc.messageID)
		delete(p.pending, seq)
	}
	p.nacked = nil
	return ids
}

// Close waits for outstanding confirmations and closes the channel. It
// returns an *contracts.UndeliverableError listing messages that were
// rejected or never confirmed.
func (p *Publisher) Close(ctx context.Context) error {
	ids, waitErr := p.WaitForConfirms(ctx)

	var errs []error
	if len(ids) > 0 {
		p.logger.Error("closing publisher with unconfirmed messages",
			"exchange", p.exchange,
			"messageIds", strings.Join(ids, ","))
		errs = append(errs, &contracts.UndeliverableError{MessageIDs: ids})
	}
	if waitErr != nil {
		errs = append(errs, waitErr)
	}

	if !p.ch.IsClosed() {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, &rabbitmq.ChannelError{
				Op:        "close",
				Owner:     p.exchange,
				Err:       err,
				Timestamp: time.Now(),
			})
		}
	}
	<-p.done

	return errors.Join(errs...)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
