package messaging

import (
	"time"

	"github.com/glimte/schemabus/schema"
)

// TypeResolver maps a content-type to its registered descriptor
type TypeResolver interface {
	Resolve(contentType string) (*schema.TypeDescriptor, error)
}

// HeaderPipeline derives extra headers for an outgoing envelope
type HeaderPipeline interface {
	Run(env *schema.Envelope, base map[string]interface{}) map[string]interface{}
}

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records a publish attempt and its result
	RecordPublish(exchange, contentType, result string)

	// RecordConsume records how a delivery was settled
	RecordConsume(queue, outcome string)

	// RecordHandlerDuration records time spent resolving and handling a delivery
	RecordHandlerDuration(queue string, d time.Duration)

	// RecordProcessingError records a delivery routed to the error handler
	RecordProcessingError(queue string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(exchange, contentType, result string) {}

// RecordConsume does nothing
func (n *NoOpMetricsCollector) RecordConsume(queue, outcome string) {}

// RecordHandlerDuration does nothing
func (n *NoOpMetricsCollector) RecordHandlerDuration(queue string, d time.Duration) {}

// RecordProcessingError does nothing
func (n *NoOpMetricsCollector) RecordProcessingError(queue string) {}
