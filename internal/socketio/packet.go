package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EngineType is the Engine.IO v4 packet type, the first byte of every
// websocket text frame.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// PacketType is the Socket.IO v5 packet type carried inside an Engine.IO
// message packet.
type PacketType byte

const (
	PacketConnect      PacketType = 0
	PacketDisconnect   PacketType = 1
	PacketEvent        PacketType = 2
	PacketAck          PacketType = 3
	PacketConnectError PacketType = 4
	PacketBinaryEvent  PacketType = 5
	PacketBinaryAck    PacketType = 6
)

var (
	ErrMalformedPacket   = errors.New("socketio: malformed packet")
	ErrBinaryUnsupported = errors.New("socketio: binary packets are not supported")
)

// OpenPayload is the body of the Engine.IO open packet. Intervals are in
// milliseconds.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// ConnectPayload is the body of the Socket.IO CONNECT acknowledgement.
type ConnectPayload struct {
	SID string `json:"sid"`
}

// Frame builds one Engine.IO packet.
func Frame(t EngineType, payload string) []byte {
	b := make([]byte, 0, 1+len(payload))
	b = append(b, byte(t))
	return append(b, payload...)
}

// ParseFrame splits an Engine.IO packet into its type and payload.
func ParseFrame(b []byte) (EngineType, string, error) {
	if len(b) == 0 {
		return 0, "", fmt.Errorf("%w: empty frame", ErrMalformedPacket)
	}
	t := EngineType(b[0])
	if t < EngineOpen || t > EngineNoop {
		return 0, "", fmt.Errorf("%w: unknown engine packet type %q", ErrMalformedPacket, b[0])
	}
	return t, string(b[1:]), nil
}

// Packet is a decoded Socket.IO packet. An empty Namespace means the main
// namespace "/".
type Packet struct {
	Type      PacketType
	Namespace string
	HasAckID  bool
	AckID     uint64
	Data      json.RawMessage
}

func (p Packet) Encode() string {
	var sb strings.Builder
	sb.WriteByte('0' + byte(p.Type))
	if p.Namespace != "" && p.Namespace != "/" {
		sb.WriteString(p.Namespace)
		sb.WriteByte(',')
	}
	if p.HasAckID {
		sb.WriteString(strconv.FormatUint(p.AckID, 10))
	}
	sb.Write(p.Data)
	return sb.String()
}

func DecodePacket(s string) (Packet, error) {
	if s == "" {
		return Packet{}, fmt.Errorf("%w: empty packet", ErrMalformedPacket)
	}
	if s[0] < '0' || s[0] > '6' {
		return Packet{}, fmt.Errorf("%w: unknown packet type %q", ErrMalformedPacket, s[0])
	}
	p := Packet{Type: PacketType(s[0] - '0')}
	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		return Packet{}, ErrBinaryUnsupported
	}
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		ns, tail, found := strings.Cut(rest, ",")
		p.Namespace = ns
		if found {
			rest = tail
		} else {
			rest = ""
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseUint(rest[:digits], 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: ack id: %v", ErrMalformedPacket, err)
		}
		p.HasAckID = true
		p.AckID = id
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, fmt.Errorf("%w: invalid json payload", ErrMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EventPacket encodes event and args as a Socket.IO EVENT packet on the main
// namespace.
func EventPacket(event string, args ...any) (Packet, error) {
	items := make([]any, 0, 1+len(args))
	items = append(items, event)
	items = append(items, args...)
	data, err := json.Marshal(items)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketEvent, Data: data}, nil
}

// Event returns the event name and positional arguments of an EVENT packet.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, fmt.Errorf("%w: not an event packet", ErrMalformedPacket)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(p.Data, &items); err != nil || len(items) == 0 {
		return "", nil, fmt.Errorf("%w: event payload must be a non-empty array", ErrMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(items[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name must be a string", ErrMalformedPacket)
	}
	return name, items[1:], nil
}
