// Package event fans session status changes and freshly ingested
// messages out to UI-facing subscribers. Delivery is fire-and-forget:
// a slow subscriber loses events instead of stalling ingestion.
package event

import (
	"sync"

	"github.com/nhle/deskmate/internal/model"
)

// Kind discriminates the two event types the engine emits.
type Kind string

const (
	KindStatusChanged Kind = "status_changed"
	KindNewMessage    Kind = "new_message"
)

// Event is a single notification about one account.
type Event struct {
	Kind      Kind
	AccountID string

	// Status is set for status_changed events.
	Status model.SessionStatus

	// Message is set for new_message events.
	Message *model.Message
}

// Sink receives events from the coordinator. Publish must never block.
type Sink interface {
	Publish(ev Event)
}

// subscriberBuffer is the per-subscriber channel capacity. Events
// beyond it are dropped for that subscriber only.
const subscriberBuffer = 16

// Hub is an in-process Sink with fan-out to any number of subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its channel along
// with a cancel function that unregisters and closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber without blocking; full
// subscriber channels drop the event.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
