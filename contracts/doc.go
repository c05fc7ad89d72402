// Package contracts provides the shared vocabulary of the schemabus messaging layer.
//
// This package defines:
//   - Value: an immutable JSON value (null, boolean, number, string, array, object)
//     used for message documents and header detection
//   - Outcome: the acknowledgment decision a subscriber handler returns
//     (Ack, Reject, Retry)
//   - The error taxonomy shared by the registry, publisher and subscriber
//
// Errors are exposed both as sentinels for errors.Is and as typed errors
// carrying context for errors.As.
package contracts
