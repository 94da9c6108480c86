// Package events carries the per-(site, date) change feed emitted after
// every committed slot mutation. Subscribers get one event per affected
// pair per commit, never one per row.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Change identifies a (site, date) pair whose assignments changed.
type Change struct {
	SiteID    uuid.UUID `json:"site_id"`
	Date      string    `json:"date"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Handler reacts to a change event.
type Handler func(change Change)

// Bus provides in-process pub/sub for change events.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all change events.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish notifies subscribers of the change.
func (b *Bus) Publish(change Change) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	if change.EmittedAt.IsZero() {
		change.EmittedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		handler(change)
	}
}
