// Package detectors derives extra AMQP headers from an envelope before it is
// published.
//
// A Pipeline runs its detectors in registration order and folds each
// detector's header patch over the base headers; a later detector overwrites
// an earlier one on key collision. Detectors only read the envelope.
//
// Built-in detectors:
//   - RemoteURIDetector: flags documents that contain nested objects with
//     "type": "remote" and lists where they are
//
// Example usage:
//
//	pipeline := detectors.NewPipeline(logger).
//		Register(detectors.RemoteURIDetector()).
//		Register(detectors.NewDetectorFunc("tenant", func(env *schema.Envelope) map[string]interface{} {
//			return map[string]interface{}{"tenant": "acme"}
//		}))
//
//	headers := pipeline.Run(env, map[string]interface{}{"content-type": env.ContentType()})
package detectors
