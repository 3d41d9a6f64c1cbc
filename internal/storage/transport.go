package storage

import "github.com/rmarins/chatkit/internal/protocol"

// Transport is the narrow contract the façade needs from the connection
// manager. Depending on this instead of the concrete manager keeps the
// façade testable against a fake and ignorant of reconnection mechanics.
type Transport interface {
	IsConnected() bool
	Send(protocol.ClientEvent) error
	On(protocol.EventType, protocol.Handler) int
	Off(protocol.EventType, int)
}
