package signaling

import (
	"encoding/json"
)

// Event is one typed relay notification. It is one of ReadyEvent,
// JoinedEvent, TrickleEvent, MessageEvent or DisconnectedEvent.
type Event interface {
	eventName() string
}

// ReadyEvent reports that both peers are in the room. Leader is true when the
// announced leader id equals this client's Socket.IO session id.
type ReadyEvent struct {
	Room     string
	LeaderID string
	Leader   bool
}

type JoinedEvent struct {
	Room     string
	ClientID string
}

// TrickleEvent reports that the remote peer's engine is ready for candidates.
type TrickleEvent struct {
	PairCode string
}

// MessageEvent carries a peer's SDP or candidate payload, still undecoded.
// Use ParseMessage.
type MessageEvent struct {
	Payload json.RawMessage
}

// DisconnectedEvent is delivered once when the relay connection drops.
type DisconnectedEvent struct {
	Err error
}

func (ReadyEvent) eventName() string        { return EventReady }
func (JoinedEvent) eventName() string       { return EventJoined }
func (TrickleEvent) eventName() string      { return EventTrickle }
func (MessageEvent) eventName() string      { return EventMessage }
func (DisconnectedEvent) eventName() string { return "disconnect" }

// decodeEvent maps a raw relay event onto its typed form. Unrecognised event
// names return (nil, nil).
func decodeEvent(name string, args []json.RawMessage, selfID string) (Event, error) {
	switch name {
	case EventReady:
		leader, err := stringArg(name, args, 1)
		if err != nil {
			return nil, err
		}
		room, _ := stringArg(name, args, 0)
		return ReadyEvent{Room: room, LeaderID: leader, Leader: leader == selfID}, nil
	case EventJoined:
		room, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		clientID, err := stringArg(name, args, 1)
		if err != nil {
			return nil, err
		}
		return JoinedEvent{Room: room, ClientID: clientID}, nil
	case EventTrickle:
		code, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		return TrickleEvent{PairCode: code}, nil
	case EventMessage:
		if len(args) == 0 {
			return nil, protocolErrorf("%s event has no payload", name)
		}
		payload := make(json.RawMessage, len(args[0]))
		copy(payload, args[0])
		return MessageEvent{Payload: payload}, nil
	default:
		return nil, nil
	}
}

func stringArg(event string, args []json.RawMessage, i int) (string, error) {
	if i >= len(args) {
		return "", protocolErrorf("%s event missing argument %d", event, i)
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", protocolErrorf("%s event argument %d is not a string", event, i)
	}
	return s, nil
}
