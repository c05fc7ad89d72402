// Package rabbitmq is the AMQP transport used by schemabus.
//
// This package includes:
//   - Channel and Connection: the subset of amqp091-go used by publishers and queues
//   - ConnectionCache: shares one connection per distinct connection configuration
//   - Topology helpers: passive headers-exchange declaration, durable queues with
//     a dead-letter exchange, and header-match bindings
//
// Publishers and queues each own one channel, so a channel-level broker error
// only affects the stream it occurred on.
package rabbitmq
