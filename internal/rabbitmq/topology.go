package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterArgument is the queue argument naming the dead-letter exchange
const DeadLetterArgument = "x-dead-letter-exchange"

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding. Headers exchanges ignore the
// routing key and match on Arguments.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// DurableQueue returns the declaration of a durable, non-exclusive queue
// that dead-letters rejected messages to deadLetterExchange
func DurableQueue(name, deadLetterExchange string) QueueDeclaration {
	return QueueDeclaration{
		Name:    name,
		Durable: true,
		Arguments: amqp.Table{
			DeadLetterArgument: deadLetterExchange,
		},
	}
}

// DeclareHeadersExchangePassive checks that a durable headers exchange exists.
// The broker closes ch when it does not; callers must discard the channel on error.
func DeclareHeadersExchangePassive(ch Channel, name string) error {
	err := ch.ExchangeDeclarePassive(
		name,
		amqp.ExchangeHeaders,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeclareQueue declares a queue on the given channel
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on the given channel
func BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue),
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// HeaderMatch builds binding arguments for a headers exchange. matchAll
// selects x-match=all; otherwise any single matching header routes the message.
func HeaderMatch(headers map[string]interface{}, matchAll bool) amqp.Table {
	args := amqp.Table{"x-match": "any"}
	if matchAll {
		args["x-match"] = "all"
	}
	for k, v := range headers {
		args[k] = v
	}
	return args
}
