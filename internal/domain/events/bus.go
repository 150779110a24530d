package events

import (
	"context"
	"time"
)

// EventEnvelope wraps a domain event with transport-level metadata for the
// message broker.
type EventEnvelope struct {
	// Type identifies the event category for topic routing.
	Type EventType

	// Timestamp records when the event occurred.
	Timestamp time.Time

	// Key is the partition key; events sharing a key are ordered.
	Key string

	// Headers carry metadata key-value pairs alongside the payload.
	Headers map[string]string

	// Payload is the domain event itself.
	Payload DomainEvent
}

// EventBus abstracts the message broker used to distribute domain events.
// Publishing is fire-and-forget from the domain's perspective; delivery
// guarantees belong to the implementation.
type EventBus interface {
	// Publish sends an event envelope to the topic mapped to its type.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Close releases broker connections.
	Close() error
}
