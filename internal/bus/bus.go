package bus

import (
	"context"
	"sync"
)

// MessageBus is the in-process mailbox between channel adapters and the
// agent loop: channels publish InboundMessage and drain OutboundMessage,
// the loop does the reverse. It also implements EventPublisher for
// WebSocket event fan-out, so both data paths share one wiring point.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates a MessageBus with the given channel buffer depth.
func New(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		outbound: make(chan OutboundMessage, buffer),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message received from a channel adapter. It
// drops the message rather than blocking if the queue is saturated, since a
// stalled consumer shouldn't back-pressure every adapter goroutine.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
	}
}

// ConsumeInbound blocks for the next inbound message or until ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for delivery by a channel adapter.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
	}
}

// SubscribeOutbound blocks for the next outbound message or until ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers a handler for broadcast events under id, replacing
// any existing handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a handler previously registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast fans an event out to every subscribed handler synchronously.
// Handlers (gateway clients) enqueue onto their own send buffer and return
// immediately, so this never blocks on slow network writers.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}
