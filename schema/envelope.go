package schema

import (
	"fmt"
	"strings"

	"github.com/glimte/schemabus/contracts"
)

// Envelope is a document that has been validated against a registered schema.
// It can only be built with NewEnvelope or Decode and is read-only afterwards.
type Envelope struct {
	descriptor *TypeDescriptor
	document   contracts.Value
}

// NewEnvelope validates doc against the descriptor, applying schema defaults.
// doc may be a map with keys of any type, a contracts.Value, json.RawMessage
// or any value encoding/json can marshal.
func NewEnvelope(descriptor *TypeDescriptor, doc interface{}) (*Envelope, error) {
	if descriptor == nil {
		return nil, contracts.InvalidArgument("type descriptor cannot be nil")
	}

	document, err := descriptor.Validate(doc)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		descriptor: descriptor,
		document:   document,
	}, nil
}

// Decode parses wire bytes and validates them against the descriptor
func Decode(descriptor *TypeDescriptor, body []byte) (*Envelope, error) {
	if descriptor == nil {
		return nil, contracts.InvalidArgument("type descriptor cannot be nil")
	}

	doc, err := contracts.ParseJSON(body)
	if err != nil {
		return nil, &contracts.ValidationError{
			Schema: descriptor.SchemaName,
			Errors: []contracts.FieldError{{Message: err.Error(), Code: "invalid_json"}},
		}
	}
	return NewEnvelope(descriptor, doc)
}

// Valid reports whether e was produced by NewEnvelope or Decode
func (e *Envelope) Valid() bool {
	return e != nil && e.descriptor != nil
}

// Descriptor returns the type descriptor the envelope was validated against
func (e *Envelope) Descriptor() *TypeDescriptor {
	return e.descriptor
}

// ContentType returns the descriptor's content-type
func (e *Envelope) ContentType() string {
	if e.descriptor == nil {
		return ""
	}
	return e.descriptor.ContentType
}

// Document returns the validated document, defaults included
func (e *Envelope) Document() contracts.Value {
	return e.document
}

// Get returns a top-level field of the document
func (e *Envelope) Get(key string) (contracts.Value, bool) {
	return e.document.Field(key)
}

// Equal compares the underlying documents
func (e *Envelope) Equal(other *Envelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.document.Equal(other.document)
}

// MarshalJSON renders the document
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return e.document.MarshalJSON()
}

// String renders the document as JSON
func (e *Envelope) String() string {
	return e.document.String()
}

// Summary is a short diagnostic rendering: the type name followed by any
// classification entries as realm:id pairs.
func (e *Envelope) Summary() string {
	name := "Envelope"
	if e.descriptor != nil {
		name = e.descriptor.TypeName
	}

	classification, ok := e.document.Field("classification")
	if !ok || classification.Kind() != contracts.ArrayKind {
		return name
	}

	pairs := make([]string, 0, classification.Len())
	for _, item := range classification.Elements() {
		realm, _ := item.Field("realm")
		id, _ := item.Field("id")
		pairs = append(pairs, fmt.Sprintf("%s:%s", scalarText(realm), scalarText(id)))
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(pairs, ", "))
}

func scalarText(v contracts.Value) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	if v.IsNull() {
		return "?"
	}
	return v.String()
}
