package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/schemabus/config"
	"github.com/glimte/schemabus/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens a broker connection for the given settings
type Dialer func(ctx context.Context, cfg config.Connection) (Connection, error)

// DialAMQP opens an amqp091 connection. The dial is abandoned when ctx is done.
func DialAMQP(ctx context.Context, cfg config.Connection) (Connection, error) {
	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(cfg.URL(), cfg.AMQPConfig())
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return WrapConnection(conn), nil

	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       cfg.Redacted(),
			Err:       err,
			Timestamp: time.Now(),
		}

	case <-ctx.Done():
		// Close the connection if the dial completes after we gave up
		go func() {
			select {
			case conn := <-connChan:
				_ = conn.Close()
			case <-errChan:
			}
		}()
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       cfg.Redacted(),
			Err:       errors.Join(ErrConnectionTimeout, ctx.Err()),
			Timestamp: time.Now(),
		}
	}
}

// ConnectionCache shares broker connections. Settings that compare equal
// reuse one connection; distinct settings open a new one. A cached
// connection that has been closed is replaced on the next Get.
type ConnectionCache struct {
	dialer Dialer
	retry  reliability.RetryPolicy
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[config.Connection]Connection
	closed bool
}

// CacheOption configures the ConnectionCache
type CacheOption func(*ConnectionCache)

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) CacheOption {
	return func(c *ConnectionCache) {
		c.dialer = dialer
	}
}

// WithRetryPolicy retries failed dials the policy considers transient.
// Without one a failed dial is returned immediately.
func WithRetryPolicy(policy reliability.RetryPolicy) CacheOption {
	return func(c *ConnectionCache) {
		c.retry = policy
	}
}

// WithCacheLogger sets the logger
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *ConnectionCache) {
		c.logger = logger
	}
}

// NewConnectionCache creates an empty cache
func NewConnectionCache(options ...CacheOption) *ConnectionCache {
	c := &ConnectionCache{
		dialer: DialAMQP,
		logger: slog.Default(),
		conns:  make(map[config.Connection]Connection),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Get returns the cached connection for cfg, dialing one if needed
func (c *ConnectionCache) Get(ctx context.Context, cfg config.Connection) (Connection, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCacheClosed
	}

	if conn, ok := c.conns[cfg]; ok {
		if !conn.IsClosed() {
			return conn, nil
		}
		c.logger.Warn("cached connection was closed, reconnecting",
			"url", cfg.Redacted())
		delete(c.conns, cfg)
	}

	conn, err := c.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.conns[cfg] = conn

	c.logger.Info("connected to RabbitMQ",
		"url", cfg.Redacted(),
		"vhost", cfg.Vhost)

	return conn, nil
}

func (c *ConnectionCache) dial(ctx context.Context, cfg config.Connection) (Connection, error) {
	if c.retry == nil {
		return c.dialer(ctx, cfg)
	}

	var conn Connection
	attempt := 0
	err := reliability.Retry(ctx, c.retry, func() error {
		attempt++
		var err error
		conn, err = c.dialer(ctx, cfg)
		if err != nil {
			c.logger.Warn("failed to connect to RabbitMQ",
				"url", cfg.Redacted(),
				"attempt", attempt,
				"error", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Channel opens a new channel on the cached connection for cfg
func (c *ConnectionCache) Channel(ctx context.Context, cfg config.Connection) (Channel, error) {
	conn, err := c.Get(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			Owner:     cfg.Redacted(),
			Err:       errors.Join(ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// Len returns the number of cached connections
func (c *ConnectionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close closes every cached connection. The cache cannot be used afterwards.
func (c *ConnectionCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for cfg, conn := range c.conns {
		if conn.IsClosed() {
			continue
		}
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, &ConnectionError{
				Op:        "close",
				URL:       cfg.Redacted(),
				Err:       err,
				Timestamp: time.Now(),
			})
		}
	}
	c.conns = make(map[config.Connection]Connection)

	return errors.Join(errs...)
}
