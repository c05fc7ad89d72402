// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package schemabus publishes and consumes schema-validated JSON messages
// over RabbitMQ headers exchanges.
//
// A Client owns everything that would otherwise be process-wide: the schema
// registry, the header detectors, the broker connections, the logger and the
// metrics. Independent clients can coexist in one process.
package schemabus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/glimte/schemabus/config"
	"github.com/glimte/schemabus/contracts"
	"github.com/glimte/schemabus/detectors"
	"github.com/glimte/schemabus/health"
	"github.com/glimte/schemabus/internal/rabbitmq"
	"github.com/glimte/schemabus/internal/reliability"
	"github.com/glimte/schemabus/messaging"
	"github.com/glimte/schemabus/metrics"
	"github.com/glimte/schemabus/schema"
	"github.com/prometheus/client_golang/prometheus"
)

// Client is the entry point for schemabus
type Client struct {
	registry   *schema.Registry
	detectors  *detectors.Pipeline
	cache      *rabbitmq.ConnectionCache
	connection config.Connection
	logger     *slog.Logger
	metrics    messaging.MetricsCollector

	mu         sync.Mutex
	publishers []*messaging.Publisher
	queues     []*messaging.Queue
	closed     bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	connection config.Connection
	detectors  *detectors.Pipeline
	registerer prometheus.Registerer
	dialer     rabbitmq.Dialer
	retry      reliability.RetryPolicy
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithConnection sets the broker connection settings. Unset fields take
// the config package defaults.
func WithConnection(conn config.Connection) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connection = conn
	}
}

// WithDetectors replaces the default header detector pipeline
func WithDetectors(pipeline *detectors.Pipeline) ClientOption {
	return func(cfg *clientConfig) {
		cfg.detectors = pipeline
	}
}

// WithMetrics records publish and consume metrics on the given registerer
func WithMetrics(registerer prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = registerer
	}
}

// WithDialer replaces how broker connections are opened
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithConnectRetry redials transient connection failures up to attempts
// more times with exponential backoff between initial and max
func WithConnectRetry(attempts int, initial, max time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		policy := reliability.NewExponentialBackoff(initial, max, 2.0, attempts)
		policy.Retryable = rabbitmq.IsRetryable
		cfg.retry = policy
	}
}

// NewClient creates a client whose content-types live under
// application/vnd.<namespace>. No connection is opened until the first
// Publisher or Queue is requested.
func NewClient(namespace string, options ...ClientOption) (*Client, error) {
	if namespace == "" {
		return nil, contracts.InvalidArgument("namespace cannot be empty")
	}

	cfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	conn := cfg.connection.WithDefaults()
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	if cfg.detectors == nil {
		cfg.detectors = detectors.NewDefaultPipeline(cfg.logger)
	}

	var collector messaging.MetricsCollector = &messaging.NoOpMetricsCollector{}
	if cfg.registerer != nil {
		c := metrics.NewCollector(cfg.registerer)
		if err := c.Register(); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		collector = c
	}

	cacheOpts := []rabbitmq.CacheOption{rabbitmq.WithCacheLogger(cfg.logger)}
	if cfg.dialer != nil {
		cacheOpts = append(cacheOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	if cfg.retry != nil {
		cacheOpts = append(cacheOpts, rabbitmq.WithRetryPolicy(cfg.retry))
	}

	return &Client{
		registry:   schema.NewRegistry(namespace, schema.WithRegistryLogger(cfg.logger)),
		detectors:  cfg.detectors,
		cache:      rabbitmq.NewConnectionCache(cacheOpts...),
		connection: conn,
		logger:     cfg.logger,
		metrics:    collector,
	}, nil
}

// NewClientFromConfig loads a YAML configuration file, connects to the
// broker it names and registers its schema paths. Relative schema paths are
// resolved against the directory of the file. Options given here override
// the file.
func NewClientFromConfig(path string, options ...ClientOption) (*Client, error) {
	file, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}

	conn, err := file.Connection.Resolve()
	if err != nil {
		return nil, err
	}

	client, err := NewClient(file.Namespace, append([]ClientOption{WithConnection(conn)}, options...)...)
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for _, schemaPath := range file.Schemas {
		if !filepath.IsAbs(schemaPath) {
			schemaPath = filepath.Join(base, schemaPath)
		}
		if _, err := client.RegisterSchemas(schemaPath); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// Registry returns the schema registry
func (c *Client) Registry() *schema.Registry {
	return c.registry
}

// Detectors returns the header detector pipeline run on every publish
func (c *Client) Detectors() *detectors.Pipeline {
	return c.detectors
}

// Connection returns the broker connection settings
func (c *Client) Connection() config.Connection {
	return c.connection
}

// RegisterSchemas registers a schema file or directory with the client's registry
func (c *Client) RegisterSchemas(path string, options ...schema.RegisterOption) ([]*schema.TypeDescriptor, error) {
	descriptors, err := c.registry.Register(path, options...)
	if err != nil {
		return nil, err
	}

	c.logger.Info("registered schemas",
		"path", path,
		"count", len(descriptors))

	return descriptors, nil
}

// Envelope validates doc against the schema registered for contentType
func (c *Client) Envelope(contentType string, doc interface{}) (*schema.Envelope, error) {
	desc, err := c.registry.Resolve(contentType)
	if err != nil {
		return nil, err
	}
	return schema.NewEnvelope(desc, doc)
}

// Publisher opens a channel on the client's connection and binds a
// publisher to exchange. The client's logger, detectors and metrics come
// first so options can override them.
func (c *Client) Publisher(ctx context.Context, exchange, facility, facilityVersion string, options ...messaging.PublisherOption) (*messaging.Publisher, error) {
	ch, err := c.channel(ctx)
	if err != nil {
		return nil, err
	}

	opts := append([]messaging.PublisherOption{
		messaging.WithPublisherLogger(c.logger),
		messaging.WithHeaderPipeline(c.detectors),
		messaging.WithPublisherMetrics(c.metrics),
	}, options...)

	p, err := messaging.NewPublisher(ch, exchange, facility, facilityVersion, opts...)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	c.mu.Lock()
	c.publishers = append(c.publishers, p)
	c.mu.Unlock()

	return p, nil
}

// Queue opens a channel on the client's connection and declares and binds
// a queue on it. Typed subscriptions resolve content-types with the
// client's registry.
func (c *Client) Queue(ctx context.Context, name, exchange string, options ...messaging.QueueOption) (*messaging.Queue, error) {
	ch, err := c.channel(ctx)
	if err != nil {
		return nil, err
	}

	opts := append([]messaging.QueueOption{
		messaging.WithResolver(c.registry),
		messaging.WithQueueLogger(c.logger),
		messaging.WithQueueMetrics(c.metrics),
	}, options...)

	q, err := messaging.NewQueue(ch, name, exchange, opts...)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	c.mu.Lock()
	c.queues = append(c.queues, q)
	c.mu.Unlock()

	return q, nil
}

// HealthChecker returns a checker for the client's broker and exchange
func (c *Client) HealthChecker(exchange string) *health.RabbitMQChecker {
	return health.NewRabbitMQChecker(c.cache, c.connection, exchange, c.logger)
}

func (c *Client) channel(ctx context.Context) (rabbitmq.Channel, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, rabbitmq.ErrCacheClosed
	}

	return c.cache.Channel(ctx, c.connection)
}

// Close waits for outstanding publisher confirms, then closes every queue,
// publisher and connection. Messages the broker rejected or never confirmed
// are reported in a single *contracts.UndeliverableError.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	publishers := c.publishers
	queues := c.queues
	c.publishers = nil
	c.queues = nil
	c.mu.Unlock()

	var (
		errs        []error
		unconfirmed []string
	)
	for _, p := range publishers {
		ids, err := p.WaitForConfirms(ctx)
		unconfirmed = append(unconfirmed, ids...)
		if err != nil {
			errs = append(errs, err)
		}
		// a context error was already recorded by WaitForConfirms
		if err := p.Close(ctx); err != nil && !errors.Is(err, ctx.Err()) {
			errs = append(errs, err)
		}
	}

	for _, q := range queues {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.cache.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(unconfirmed) > 0 {
		c.logger.Error("closed with unconfirmed messages",
			"count", len(unconfirmed))
		errs = append([]error{&contracts.UndeliverableError{MessageIDs: unconfirmed}}, errs...)
	}

	return errors.Join(errs...)
}
