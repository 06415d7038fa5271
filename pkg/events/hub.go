// Package events implements a fan-out hub for server-sent event streams.
package events

import (
	"sync"
	"time"

	"cast-proxy-go/pkg/types"
)

const subscriberBuffer = 16

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// whose channel is full misses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan types.Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan types.Event]struct{})}
}

// Subscribe registers a new subscriber channel. The returned cancel function
// removes the subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to all current subscribers without blocking.
func (h *Hub) Publish(ev types.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the publisher.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
