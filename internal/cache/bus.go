package cache

import "sync"

// Bus is the change-notification fanout. Listeners are invoked
// synchronously, in registration order, with no payload: a notification
// means "something changed, re-read whatever slice you care about".
// The bus does no coalescing; callers fire it at most once per logical
// operation.
type Bus struct {
	mu        sync.Mutex
	nextID    int
	listeners []busListener
}

type busListener struct {
	id int
	fn func()
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners = append(b.listeners, busListener{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Notify invokes every registered listener. Listeners run outside the bus
// lock so they may subscribe or unsubscribe re-entrantly.
func (b *Bus) Notify() {
	b.mu.Lock()
	snapshot := make([]busListener, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	for _, l := range snapshot {
		l.fn()
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
