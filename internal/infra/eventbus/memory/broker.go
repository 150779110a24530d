// Package memory provides an in-memory event bus for tests and local
// development.
package memory

import (
	"context"
	"sync"

	"github.com/SolidityOps/scan-engine/internal/domain/events"
)

var _ events.EventBus = (*Broker)(nil)

// Broker is a thread-safe in-memory events.EventBus that records every
// published envelope.
type Broker struct {
	mu        sync.RWMutex
	published []events.EventEnvelope
	closed    bool
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker { return &Broker{} }

// Publish records the envelope after applying publish options.
func (b *Broker) Publish(_ context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
	return nil
}

// Close marks the broker closed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Published returns a copy of every envelope published so far.
func (b *Broker) Published() []events.EventEnvelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]events.EventEnvelope(nil), b.published...)
}

// EventTypes returns the types of all published envelopes in order.
func (b *Broker) EventTypes() []events.EventType {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]events.EventType, 0, len(b.published))
	for _, e := range b.published {
		types = append(types, e.Type)
	}
	return types
}
