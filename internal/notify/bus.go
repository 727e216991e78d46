package notify

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

// Bus delivers events to in-process subscribers of a snapshot path. When a
// snapshot reaches a terminal state its subscriptions are closed, so a
// waiter never misses completion even if its buffer filled up.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Event)}
}

// Subscribe returns a channel of events for path and a function that ends
// the subscription.
func (b *Bus) Subscribe(path string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if b.subs[path] == nil {
		b.subs[path] = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	b.subs[path][id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[path][id]; ok {
			delete(b.subs[path], id)
			close(c)
		}
	}
}

// Emit delivers evt without blocking. Terminal events close the snapshot's
// subscriptions after delivery.
func (b *Bus) Emit(_ context.Context, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[evt.Snapshot] {
		select {
		case ch <- evt:
		default:
		}
	}
	if evt.Terminal() {
		for id, ch := range b.subs[evt.Snapshot] {
			close(ch)
			delete(b.subs[evt.Snapshot], id)
		}
		delete(b.subs, evt.Snapshot)
	}
	return nil
}

// Close ends every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for path, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, path)
	}
	b.closed = true
	return nil
}
