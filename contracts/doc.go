// Package contracts provides the value types shared by the hare engines and
// their callers.
//
// This package defines:
//   - Message: payload plus the optional reply-to, correlation id, timestamp
//     and delivery-mode properties carried on the wire
//   - Binding: an (exchange, routing key) pair a consumer subscribes to
//   - QueueProperties: flags used when the consumer declares its queue
//   - Error and ErrorKind: the closed failure taxonomy returned by every
//     public operation
//
// Nothing in this package performs I/O; all types are safe to copy.
package contracts
