// Package notify fans engine events out to observers. The CLI watch
// command and tests subscribe here instead of reaching into the engine.
package notify

import (
	"sync"

	"github.com/waterbug/repsync/internal/models"
)

// Handler receives one engine event. Handlers run synchronously on the
// publishing goroutine, so they see events in emission order and must
// not block.
type Handler func(models.Event)

// Bus is the in-process event dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to every registered handler.
func (b *Bus) Publish(ev models.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
