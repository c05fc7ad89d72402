package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/schemabus/config"
	"github.com/glimte/schemabus/internal/rabbitmq"
)

// RabbitMQChecker checks that the broker is reachable and that the
// exchange a client publishes to or consumes from exists
type RabbitMQChecker struct {
	cache    *rabbitmq.ConnectionCache
	cfg      config.Connection
	exchange string
	logger   *slog.Logger
}

// NewRabbitMQChecker creates a checker over a cached connection. A nil
// logger means slog.Default().
func NewRabbitMQChecker(cache *rabbitmq.ConnectionCache, cfg config.Connection, exchange string, logger *slog.Logger) *RabbitMQChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQChecker{
		cache:    cache,
		cfg:      cfg,
		exchange: exchange,
		logger:   logger,
	}
}

func (c *RabbitMQChecker) Name() string {
	if c.exchange == "" {
		return "rabbitmq"
	}
	return fmt.Sprintf("rabbitmq_%s", c.exchange)
}

// Check is unhealthy when no connection or channel can be opened and
// degraded when the exchange is missing.
func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"url": c.cfg.WithDefaults().Redacted(),
		},
	}
	finish := func(status Status, message string, err error) CheckResult {
		result.Status = status
		result.Message = message
		if err != nil {
			result.Error = err.Error()
			c.logger.Warn("health check failed",
				"check", result.Name,
				"status", string(status),
				"error", err)
		}
		result.Duration = time.Since(start)
		result.Details["response_time_ms"] = result.Duration.Milliseconds()
		return result
	}

	conn, err := c.cache.Get(ctx, c.cfg)
	if err != nil {
		return finish(StatusUnhealthy, "failed to connect", err)
	}
	result.Details["connection_open"] = !conn.IsClosed()

	ch, err := conn.Channel()
	if err != nil {
		return finish(StatusUnhealthy, "failed to open channel", err)
	}
	defer ch.Close()

	if c.exchange == "" {
		return finish(StatusHealthy, "connection is healthy", nil)
	}

	result.Details["exchange"] = c.exchange
	if err := rabbitmq.DeclareHeadersExchangePassive(ch, c.exchange); err != nil {
		if rabbitmq.IsNotFound(err) {
			return finish(StatusDegraded, fmt.Sprintf("exchange %s does not exist", c.exchange), err)
		}
		return finish(StatusDegraded, "exchange check failed", err)
	}

	return finish(StatusHealthy, "connection is healthy", nil)
}
