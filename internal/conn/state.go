package conn

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rmarins/chatkit/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	// Closed is terminal; only explicit caller teardown reaches it.
	Closed State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Closed},
	Connecting:   {Connected, Disconnected, Reconnecting, Closed},
	Connected:    {Disconnected, Reconnecting, Closed},
	Reconnecting: {Connecting, Disconnected, Closed},
	Closed:       {},
}

// Snapshot is the externally observable connection state.
// IsConnected and IsConnecting are mutually exclusive.
type Snapshot struct {
	State             State
	IsConnected       bool
	IsConnecting      bool
	ReconnectAttempts int
	LastConnectedAt   time.Time
	LastError         error
}

// StateChange is the payload for bus.KindConnStateChanged events.
type StateChange struct {
	From State
	To   State
}

// machine tracks and enforces connection state transitions, publishing each
// one on the bus so dependents (storage readiness polling) can observe
// without coupling to the manager.
type machine struct {
	mu       sync.RWMutex
	current  State
	attempts int
	lastUp   time.Time
	lastErr  error
	bus      *bus.Bus
}

func newMachine(b *bus.Bus) *machine {
	return &machine{
		current: Disconnected,
		bus:     b,
	}
}

func (m *machine) state() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *machine) snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		State:             m.current,
		IsConnected:       m.current == Connected,
		IsConnecting:      m.current == Connecting,
		ReconnectAttempts: m.attempts,
		LastConnectedAt:   m.lastUp,
		LastError:         m.lastErr,
	}
}

// transition attempts to move to a new state. Returns error if the
// transition is invalid; state is unchanged in that case.
func (m *machine) transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	if to == Connected {
		m.attempts = 0
		m.lastUp = time.Now()
		m.lastErr = nil
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindConnStateChanged, StateChange{From: from, To: to}))
	}
	return nil
}

func (m *machine) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *machine) bumpAttempts() int {
	m.mu.Lock()
	m.attempts++
	n := m.attempts
	m.mu.Unlock()
	return n
}
