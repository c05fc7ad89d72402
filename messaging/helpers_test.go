package messaging

import (
	"testing"
	"time"

	"github.com/glimte/schemabus/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/schemabus/schema"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	pingSchema = `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string"},
			"priority": {"type": "integer", "default": 5}
		}
	}`
	pongSchema = `{"type": "object"}`
)

type fixtures struct {
	registry *schema.Registry
	ping     *schema.TypeDescriptor
	pong     *schema.TypeDescriptor
}

func newFixtures(t *testing.T) fixtures {
	t.Helper()
	registry := schema.NewRegistry("acme")
	ping, err := registry.RegisterBytes("events.ping", []byte(pingSchema))
	require.NoError(t, err)
	pong, err := registry.RegisterBytes("events.pong", []byte(pongSchema))
	require.NoError(t, err)
	return fixtures{registry: registry, ping: ping, pong: pong}
}

func (f fixtures) pingEnvelope(t *testing.T, doc map[string]interface{}) *schema.Envelope {
	t.Helper()
	env, err := schema.NewEnvelope(f.ping, doc)
	require.NoError(t, err)
	return env
}

func newPublisherChannel(mode rabbitmqtest.ConfirmMode) *rabbitmqtest.MockChannel {
	ch := rabbitmqtest.NewMockChannel(mode).ExpectTopology()
	ch.On("PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return ch
}

func waitFor[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}
