// Package bus is the in-process publish/subscribe backbone of the client
// core: state changes are published as Events and observed by kind-prefix
// subscription, so components never call into each other to announce
// mutations.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to prefix-filtered subscribers. Delivery is
// non-blocking; a subscriber that falls behind loses events rather than
// stalling publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish delivers evt to every subscriber whose namespace is a prefix of
// evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Subscriber full; drop rather than block the publisher.
			}
		}
	}
}

// Subscribe returns a channel receiving events whose kind starts with
// namespace (one of the NS* constants, or "" for everything), plus an
// unsubscribe function. bufSize bounds how far the subscriber may lag.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
