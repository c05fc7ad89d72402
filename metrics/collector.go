// Package metrics exports schemabus publish and consume statistics to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "schemabus"

// Collector records publish and consume metrics. It satisfies
// messaging.MetricsCollector.
type Collector struct {
	mu sync.Mutex

	publishTotal     *prometheus.CounterVec
	consumeTotal     *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	processingErrors *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// NewCollector creates a collector. A nil registerer uses prometheus.DefaultRegisterer.
func NewCollector(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		registerer: registerer,
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of published messages by exchange, content-type and result",
		}, []string{"exchange", "content_type", "result"}),
		consumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_total",
			Help:      "Total number of consumed messages by queue and outcome",
		}, []string{"queue", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in message handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		processingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_errors_total",
			Help:      "Total number of messages routed to the exception handler",
		}, []string{"queue"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	var err error
	if c.publishTotal, err = registerVec(c.registerer, c.publishTotal); err != nil {
		return err
	}
	if c.consumeTotal, err = registerVec(c.registerer, c.consumeTotal); err != nil {
		return err
	}
	if c.handlerDuration, err = registerVec(c.registerer, c.handlerDuration); err != nil {
		return err
	}
	if c.processingErrors, err = registerVec(c.registerer, c.processingErrors); err != nil {
		return err
	}

	c.registered = true
	return nil
}

// registerVec registers vec, or returns the vector already registered under
// the same descriptor so instances sharing a registerer share series.
func registerVec[V prometheus.Collector](registerer prometheus.Registerer, vec V) (V, error) {
	err := registerer.Register(vec)
	if err == nil {
		return vec, nil
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return vec, err
	}
	existing, ok := already.ExistingCollector.(V)
	if !ok {
		return vec, fmt.Errorf("metric registered with an incompatible collector type %T: %w", already.ExistingCollector, err)
	}
	return existing, nil
}

// RecordPublish counts one publish attempt
func (c *Collector) RecordPublish(exchange, contentType, result string) {
	c.publishTotal.WithLabelValues(exchange, contentType, result).Inc()
}

// RecordConsume counts one resolved delivery
func (c *Collector) RecordConsume(queue, outcome string) {
	c.consumeTotal.WithLabelValues(queue, outcome).Inc()
}

// RecordHandlerDuration observes the time a handler took
func (c *Collector) RecordHandlerDuration(queue string, d time.Duration) {
	c.handlerDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordProcessingError counts one delivery routed to the exception handler
func (c *Collector) RecordProcessingError(queue string) {
	c.processingErrors.WithLabelValues(queue).Inc()
}
