package protocol

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Envelope is the frame that carries every event on the wire.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a client event into a wire frame.
func Encode(evt ClientEvent) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(Envelope{Type: evt.Type(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeServer unmarshals a wire frame into the matching server event.
// Unknown event types return an error so callers can log and skip them.
func DecodeServer(data []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var evt ServerEvent
	switch env.Type {
	case TypeHello:
		evt = &Hello{}
	case TypeMessageCreated:
		evt = &MessageCreated{}
	case TypeMessageUpdated:
		evt = &MessageUpdated{}
	case TypeMessageDeleted:
		evt = &MessageDeleted{}
	case TypeReactionAdded:
		evt = &ReactionAdded{}
	case TypeReactionRemoved:
		evt = &ReactionRemoved{}
	case TypeTypingStarted:
		evt = &TypingStarted{}
	case TypeTypingStopped:
		evt = &TypingStopped{}
	case TypeChannelJoined:
		evt = &ChannelJoined{}
	case TypeChannelLeft:
		evt = &ChannelLeft{}
	case TypeStorageGot:
		evt = &StorageGot{}
	case TypeStorageSetAck:
		evt = &StorageSetAck{}
	case TypeStorageDeleted:
		evt = &StorageDeleted{}
	case TypePong:
		evt = &Pong{}
	case TypeError:
		evt = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("unknown server event type %q", env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, evt); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
		}
	}
	return evt, nil
}
