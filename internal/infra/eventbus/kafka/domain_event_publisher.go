package kafka

import (
	"context"

	"github.com/SolidityOps/scan-engine/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher adapts domain events onto the event bus abstraction.
// It keeps the application layer decoupled from the broker implementation.
type DomainEventPublisher struct {
	eventBus events.EventBus
}

// NewDomainEventPublisher creates a publisher that distributes domain events
// through the provided event bus.
func NewDomainEventPublisher(eventBus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: eventBus}
}

// PublishDomainEvent wraps the event in an envelope and hands it to the bus,
// preserving routing keys and headers from the publish options.
func (pub *DomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
	return pub.eventBus.Publish(ctx, evt, opts...)
}
