package bus

import "time"

// Kind namespaces. Subscribers filter by prefix, so every published kind
// starts with one of these.
const (
	NSConn     = "conn."
	NSMessage  = "message."
	NSReaction = "reaction."
	NSTyping   = "typing."
	NSChannel  = "channel."
	NSSession  = "session."
)

// Kinds published by the client core.
const (
	KindConnStateChanged = NSConn + "state_changed"
	KindMessageUpserted  = NSMessage + "upserted"
	KindMessageRemoved   = NSMessage + "removed"
	KindReactionChanged  = NSReaction + "changed"
	KindChannelUpserted  = NSChannel + "upserted"
	KindChannelRemoved   = NSChannel + "removed"
	KindSessionCleared   = NSSession + "cleared"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
