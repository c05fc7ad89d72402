package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration is returned for malformed connection configuration
	ErrConfiguration = errors.New("schemabus: invalid configuration")

	// ErrNotFound is returned when a schema path or broker exchange does not exist
	ErrNotFound = errors.New("schemabus: not found")

	// ErrValidation is returned when a document fails schema validation
	ErrValidation = errors.New("schemabus: validation failed")

	// ErrUnregisteredType is returned when a content-type has no registered schema
	ErrUnregisteredType = errors.New("schemabus: unregistered type")

	// ErrUndeliverable is returned when the broker negatively acknowledges a publish
	ErrUndeliverable = errors.New("schemabus: undeliverable message")

	// ErrUnknownOutcome is returned when a handler returns an outcome outside Ack, Reject and Retry
	ErrUnknownOutcome = errors.New("schemabus: unknown outcome")

	// ErrInvalidArgument is returned for precondition violations
	ErrInvalidArgument = errors.New("schemabus: invalid argument")

	// ErrArgument is returned when publish is given something other than a validated envelope
	ErrArgument = errors.New("schemabus: argument error")
)

// ConfigurationError describes a configuration value that could not be used
type ConfigurationError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schemabus configuration error: %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("schemabus configuration error: %s %q", e.Field, e.Value)
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

// NotFoundError names the missing resource
type NotFoundError struct {
	Kind string // "schema path", "exchange"
	Name string
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schemabus: %s '%s' not found: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("schemabus: %s '%s' not found", e.Kind, e.Name)
}

func (e *NotFoundError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNotFound}
	}
	return []error{ErrNotFound, e.Err}
}

// FieldError represents a single validation failure
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (fe FieldError) String() string {
	if fe.Field == "" {
		return fe.Message
	}
	return fmt.Sprintf("%s: %s", fe.Field, fe.Message)
}

// ValidationError is returned when a document does not satisfy its schema
type ValidationError struct {
	Schema string
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.String())
	}
	return fmt.Sprintf("schemabus: document does not match schema %s: %s", e.Schema, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// UnregisteredTypeError carries the content-type that could not be resolved
type UnregisteredTypeError struct {
	ContentType string
}

func (e *UnregisteredTypeError) Error() string {
	return fmt.Sprintf("schemabus: no schema registered for content-type %q", e.ContentType)
}

func (e *UnregisteredTypeError) Unwrap() error {
	return ErrUnregisteredType
}

// UndeliverableError lists the message ids the broker refused
type UndeliverableError struct {
	MessageIDs []string
}

func (e *UndeliverableError) Error() string {
	return fmt.Sprintf("schemabus: broker did not confirm message(s) %s", strings.Join(e.MessageIDs, ", "))
}

func (e *UndeliverableError) Unwrap() error {
	return ErrUndeliverable
}

// UnknownOutcomeError is a programmer error: the handler returned an outcome
// that is not one of Ack, Reject or Retry.
type UnknownOutcomeError struct {
	Outcome Outcome
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("schemabus: handler returned unknown outcome %d", int(e.Outcome))
}

func (e *UnknownOutcomeError) Unwrap() error {
	return ErrUnknownOutcome
}

// InvalidArgument builds an ErrInvalidArgument with a reason
func InvalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
