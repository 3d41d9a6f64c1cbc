package conn

import (
	"sync"

	"github.com/rmarins/chatkit/internal/protocol"
)

// registry keys handlers by event type. Multiple handlers per type are
// permitted; removing an unknown id is a no-op.
type registry struct {
	mu       sync.RWMutex
	handlers map[protocol.EventType]map[int]protocol.Handler
	next     int
}

func newRegistry() *registry {
	return &registry{handlers: make(map[protocol.EventType]map[int]protocol.Handler)}
}

func (r *registry) on(t protocol.EventType, h protocol.Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	if r.handlers[t] == nil {
		r.handlers[t] = make(map[int]protocol.Handler)
	}
	r.handlers[t][id] = h
	return id
}

func (r *registry) off(t protocol.EventType, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers[t], id)
}

func (r *registry) dispatch(evt protocol.ServerEvent) {
	r.mu.RLock()
	hs := make([]protocol.Handler, 0, len(r.handlers[evt.Type()]))
	for _, h := range r.handlers[evt.Type()] {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	// Handlers run to completion on the reader goroutine, so no two
	// dispatches for one connection interleave.
	for _, h := range hs {
		h(evt)
	}
}
