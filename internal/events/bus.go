// Package events is an in-process publish/subscribe bus for domain events
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Wildcard subscribes a handler to every event name
const Wildcard = "*"

// Event is a domain event published by the surrounding platform
type Event struct {
	Name       string            `json:"name"`
	TenantID   string            `json:"tenant_id"`
	Payload    map[string]string `json:"payload,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Handler reacts to an event. It runs on the bus goroutine and must not block for long.
type Handler func(ctx context.Context, ev Event)

// Bus buffers published events and fans them out to subscribers on a single goroutine
type Bus struct {
	handlers map[string][]Handler
	events   chan Event
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a bus with the given buffer size and starts dispatching
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	b := &Bus{
		handlers: make(map[string][]Handler),
		events:   make(chan Event, bufferSize),
		logger:   logger.With("component", "events"),
	}

	b.wg.Add(1)
	go b.dispatch()

	return b
}

// Subscribe registers h for events named name, or every event for Wildcard
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish queues ev without blocking. It reports false when the buffer is full or the bus is closed.
func (b *Bus) Publish(ev Event) bool {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}

	select {
	case b.events <- ev:
		return true
	default:
		b.logger.Warn("event buffer full, dropping event", "event", ev.Name, "tenant_id", ev.TenantID)
		return false
	}
}

// Close stops accepting events and waits until buffered ones are dispatched
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for ev := range b.events {
		b.mu.RLock()
		handlers := make([]Handler, 0, len(b.handlers[ev.Name])+len(b.handlers[Wildcard]))
		handlers = append(handlers, b.handlers[ev.Name]...)
		handlers = append(handlers, b.handlers[Wildcard]...)
		b.mu.RUnlock()

		for _, h := range handlers {
			b.call(h, ev)
		}
	}
}

func (b *Bus) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", ev.Name, "panic", r)
		}
	}()
	h(context.Background(), ev)
}
