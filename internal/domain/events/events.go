// Package events provides domain event handling capabilities for communicating
// state changes across system boundaries in a decoupled way.
package events

import (
	"context"
	"time"
)

// EventType represents a domain event category, enabling type-safe event
// routing and handling.
type EventType string

// DomainEvent is implemented by all domain events flowing through the system.
type DomainEvent interface {
	// EventType identifies the category of this event for routing.
	EventType() EventType

	// OccurredAt records when the event was created.
	OccurredAt() time.Time
}

// PublishOption is a function type that modifies PublishParams, enabling
// flexible configuration of event publishing behavior.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event
// routing. Related events with the same key are processed in order by the
// same consumer.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an
// event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// DomainEventPublisher publishes domain events to notify other parts of the
// system about important domain changes. It decouples event producers from
// the underlying messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}
