// Package bus carries normalized messages between channel adapters and the
// gateway runtime, and broadcasts server-side events to subscribers.
package bus

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/envelope"
)

// Event is a server-side event broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Used by the
// gateway server and the scheduler to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageBus is the in-process fan-in for inbound envelopes plus the event
// broadcast hub.
type MessageBus struct {
	inbound chan envelope.Envelope

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan envelope.Envelope, 256),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound queues an inbound envelope for the consumer loop.
func (b *MessageBus) PublishInbound(env envelope.Envelope) {
	b.inbound <- env
}

// ConsumeInbound blocks until an envelope arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (envelope.Envelope, bool) {
	select {
	case env := <-b.inbound:
		return env, true
	case <-ctx.Done():
		return envelope.Envelope{}, false
	}
}

// Subscribe registers an event handler under id, replacing any previous one.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to all subscribers. Handlers run inline;
// subscribers needing isolation dispatch to their own goroutine.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
