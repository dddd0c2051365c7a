// Package publisher defines the contract for pushing run lifecycle events to
// a message bus. Concrete backends live in subpackages.
package publisher

import "context"

// Publisher pushes completion events to Pub/Sub, Kafka, or similar.
type Publisher interface {
	// Publish marshals payload and sends it under topic, returning the
	// broker-assigned message ID when the broker has one.
	Publish(ctx context.Context, topic string, payload any) (string, error)
	// Close flushes buffered messages and releases the connection.
	Close() error
}

// Nop discards every publish. It stands in when no bus is configured.
type Nop struct{}

// Publish does nothing and returns an empty ID.
func (Nop) Publish(context.Context, string, any) (string, error) { return "", nil }

// Close does nothing.
func (Nop) Close() error { return nil }
