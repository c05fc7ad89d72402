// Package messaging publishes and consumes schema-validated envelopes over a
// RabbitMQ headers exchange.
//
// This package implements:
//   - Publisher: validates nothing itself, it only accepts envelopes built by
//     the schema package; it stamps lineage headers, runs the header
//     detectors and waits for publisher confirms
//   - Queue: declares a durable queue bound by header match, decodes incoming
//     messages by content-type and settles each delivery with the outcome the
//     handler returns
//   - Delivery: the per-message context handed to handlers and error handlers
//
// Outgoing messages carry the content-type both as the AMQP property and as
// the "content-type" header, because headers exchanges cannot route on
// properties. Every message also carries "message_id_chain", the ids of the
// messages that caused it, ending with its own id.
//
// Example usage:
//
//	publisher, err := messaging.NewPublisher(ch, "books", "ingest", "2")
//	id, err := publisher.Publish(ctx, env)
//
//	queue, err := messaging.NewQueue(ch, "ingest", "books",
//		messaging.WithBindings(map[string]interface{}{"content-type": desc.ContentType}),
//		messaging.WithResolver(registry))
//
//	_, err = queue.Subscribe(ctx, func(ctx context.Context, d *messaging.Delivery) (contracts.Outcome, error) {
//		if err := store(d.Envelope); err != nil {
//			return contracts.Retry, nil
//		}
//		return contracts.Ack, nil
//	}, messaging.WithAccept(desc))
package messaging
