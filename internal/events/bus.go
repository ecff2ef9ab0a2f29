// Package events provides the in-process publish/subscribe channel that
// decouples pipeline stages. Each pipeline instance owns its own Bus.
package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event is an ephemeral notification. It is never persisted.
type Event struct {
	Name    string         `json:"name"`
	TaskID  string         `json:"task_id"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Handler reacts to an event. Handlers run on the emitting goroutine.
type Handler func(ctx context.Context, ev Event)

// Option customizes Bus construction.
type Option func(*Bus)

// WithLogger injects a logger for recovered handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bus dispatches named events to the handlers currently subscribed.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
	logger *slog.Logger
}

// NewBus constructs an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]map[uint64]Handler),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers h for events called name. The returned func removes
// the subscription and is safe to call more than once.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]Handler)
	}
	b.subs[name][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[name], id)
			if len(b.subs[name]) == 0 {
				delete(b.subs, name)
			}
			b.mu.Unlock()
		})
	}
}

// Emit delivers the event to every current subscriber, best effort. A
// panicking handler is logged and does not affect the others or the caller.
func (b *Bus) Emit(ctx context.Context, name, taskID string, payload map[string]any) {
	ev := Event{Name: name, TaskID: taskID, Payload: payload, At: time.Now().UTC()}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs[name]))
	for id := range b.subs[name] {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, b.subs[name][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, ev)
	}
}

// Subscribers reports how many handlers are registered for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Name, "task_id", ev.TaskID, "panic", r)
		}
	}()
	h(ctx, ev)
}
