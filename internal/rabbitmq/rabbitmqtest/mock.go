// Package rabbitmqtest provides a stub broker for tests: a testify mock of
// the transport Channel that tracks publish sequence numbers and can
// confirm publishes automatically.
package rabbitmqtest

import (
	"context"
	"sync"

	"github.com/glimte/schemabus/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// ConfirmMode controls how MockChannel answers publishes in confirm mode
type ConfirmMode int

const (
	// ConfirmManual leaves confirmations to SendConfirm
	ConfirmManual ConfirmMode = iota
	// ConfirmAck acknowledges every publish
	ConfirmAck
	// ConfirmNack negatively acknowledges every publish
	ConfirmNack
)

// MockChannel is a mock rabbitmq.Channel. Declarations, publishes, consumes
// and acknowledgements go through mock.Mock; confirm and close notification
// plumbing is implemented directly.
type MockChannel struct {
	mock.Mock

	mu         sync.Mutex
	mode       ConfirmMode
	confirming bool
	seq        uint64
	confirms   []chan amqp.Confirmation
	closes     []chan *amqp.Error
	closed     bool
	published  []amqp.Publishing
	cancelled  []string
}

var _ rabbitmq.Channel = (*MockChannel)(nil)

// NewMockChannel creates a channel that answers publishes according to mode
func NewMockChannel(mode ConfirmMode) *MockChannel {
	return &MockChannel{mode: mode}
}

// ExpectTopology registers permissive expectations for declarations,
// bindings, Qos and Confirm
func (m *MockChannel) ExpectTopology() *MockChannel {
	m.On("ExchangeDeclarePassive", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("QueueDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(amqp.Queue{}, nil).Maybe()
	m.On("QueueBind", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Qos", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Confirm", mock.Anything).Return(nil).Maybe()
	return m
}

func (m *MockChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ret := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return ret.Get(0).(amqp.Queue), ret.Error(1)
}

func (m *MockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *MockChannel) QueuePurge(name string, noWait bool) (int, error) {
	ret := m.Called(name, noWait)
	return ret.Int(0), ret.Error(1)
}

func (m *MockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *MockChannel) Confirm(noWait bool) error {
	if err := m.Called(noWait).Error(0); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.confirming {
		m.confirming = true
		m.seq = 1
	}
	return nil
}

func (m *MockChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(confirm)
		return confirm
	}
	m.confirms = append(m.confirms, confirm)
	return confirm
}

func (m *MockChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(c)
		return c
	}
	m.closes = append(m.closes, c)
	return c
}

func (m *MockChannel) GetNextPublishSeqNo() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.confirming {
		return 0
	}
	return m.seq
}

func (m *MockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.IsClosed() {
		return amqp.ErrClosed
	}
	if err := m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0); err != nil {
		return err
	}

	m.mu.Lock()
	m.published = append(m.published, msg)
	if !m.confirming {
		m.mu.Unlock()
		return nil
	}
	tag := m.seq
	m.seq++
	mode := m.mode
	m.mu.Unlock()

	switch mode {
	case ConfirmAck:
		m.SendConfirm(tag, true)
	case ConfirmNack:
		m.SendConfirm(tag, false)
	}
	return nil
}

// SendConfirm delivers a publisher confirmation for the given sequence number
func (m *MockChannel) SendConfirm(tag uint64, ack bool) {
	m.mu.Lock()
	listeners := append([]chan amqp.Confirmation(nil), m.confirms...)
	m.mu.Unlock()

	c := amqp.Confirmation{DeliveryTag: tag, Ack: ack}
	for _, l := range listeners {
		select {
		case l <- c:
		default:
			go func(l chan amqp.Confirmation) { l <- c }(l)
		}
	}
}

// Published returns the messages accepted by PublishWithContext
func (m *MockChannel) Published() []amqp.Publishing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]amqp.Publishing(nil), m.published...)
}

func (m *MockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ret := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	deliveries, _ := ret.Get(0).(chan amqp.Delivery)
	return deliveries, ret.Error(1)
}

func (m *MockChannel) Cancel(consumer string, noWait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, consumer)
	return nil
}

// Cancelled returns the consumer tags passed to Cancel
func (m *MockChannel) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

func (m *MockChannel) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *MockChannel) Nack(tag uint64, multiple bool, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

// Close closes the channel and every notification channel, as amqp091 does
func (m *MockChannel) Close() error {
	m.CloseWithError(nil)
	return nil
}

// CloseWithError simulates a broker-initiated channel close
func (m *MockChannel) CloseWithError(err *amqp.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true

	for _, c := range m.closes {
		if err != nil {
			select {
			case c <- err:
			default:
			}
		}
		close(c)
	}
	for _, c := range m.confirms {
		close(c)
	}
	m.closes = nil
	m.confirms = nil
}

func (m *MockChannel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockConnection is a mock rabbitmq.Connection handing out queued channels
type MockConnection struct {
	mock.Mock

	mu     sync.Mutex
	closed bool
}

var _ rabbitmq.Connection = (*MockConnection)(nil)

func (m *MockConnection) Channel() (rabbitmq.Channel, error) {
	ret := m.Called()
	ch, _ := ret.Get(0).(rabbitmq.Channel)
	return ch, ret.Error(1)
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
