// Package transport is the thin pub/sub boundary the broker core sits
// on top of. The core never imports a NATS type directly; it depends
// only on the Connection interface here, so the transport is a
// genuinely swappable external collaborator.
package transport

import "context"

// Message is one inbound delivery from a subscription.
type Message struct {
	Subject string
	Data    []byte
}

// Connection is a pub/sub client exposing publish and subscribe. An
// implementation is expected to reconnect transparently underneath
// this interface; the core never observes a disconnect directly.
type Connection interface {
	// Publish sends bytes to subject. Implementations MUST retry
	// transient failures internally; a caller never sees a publish
	// error.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe opens a subscription on subject and returns a channel
	// of inbound messages. Subscription failure is returned
	// immediately; once subscribed, reconnects are handled
	// internally and do not close the returned channel.
	Subscribe(ctx context.Context, subject string) (<-chan Message, error)

	// Close releases the connection and all of its subscriptions.
	Close() error
}
