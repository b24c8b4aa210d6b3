// Package transport defines the wire collaborator the broker connection is
// built on and provides its RabbitMQ implementation.
//
// A Transport exposes numbered channels over one physical connection and a
// single blocking pull point for deliveries from every channel that has been
// registered for consumption. Failures are reported as *ReplyError values
// carrying a Reply status, which the broker package decodes into the
// contracts error taxonomy.
package transport
