package signaling

import (
	"encoding/json"
	"math"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeCandidate MessageType = "candidate"
)

// Message is the payload of a "message" event:
//
//	{"type":"offer","sdp":"..."}
//	{"type":"answer","sdp":"..."}
//	{"type":"candidate","candidate":{"candidate":"...","sdpMid":"0","sdpMLineIndex":0}}
type Message struct {
	Type      MessageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate *Candidate  `json:"candidate,omitempty"`
}

type Candidate struct {
	Candidate        string `json:"candidate"`
	SDPMid           string `json:"sdpMid"`
	SDPMLineIndex    int32  `json:"sdpMLineIndex"`
	UsernameFragment string `json:"usernameFragment,omitempty"`
}

// SessionDescriptionMessage converts a local offer or answer into its wire
// form.
func SessionDescriptionMessage(desc webrtc.SessionDescription) (Message, error) {
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return Message{Type: MessageTypeOffer, SDP: desc.SDP}, nil
	case webrtc.SDPTypeAnswer:
		return Message{Type: MessageTypeAnswer, SDP: desc.SDP}, nil
	default:
		return Message{}, protocolErrorf("unsupported sdp type %q", desc.Type.String())
	}
}

func CandidateMessage(init webrtc.ICECandidateInit) Message {
	c := &Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = int32(*init.SDPMLineIndex)
	}
	if init.UsernameFragment != nil {
		c.UsernameFragment = *init.UsernameFragment
	}
	return Message{Type: MessageTypeCandidate, Candidate: c}
}

// SessionDescription returns the offer or answer carried by m.
func (m Message) SessionDescription() (webrtc.SessionDescription, error) {
	switch m.Type {
	case MessageTypeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}, nil
	case MessageTypeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}, nil
	default:
		return webrtc.SessionDescription{}, protocolErrorf("message type %q carries no session description", m.Type)
	}
}

func (c Candidate) ToPion() (webrtc.ICECandidateInit, error) {
	if c.SDPMLineIndex < 0 || c.SDPMLineIndex > math.MaxUint16 {
		return webrtc.ICECandidateInit{}, protocolErrorf("sdpMLineIndex %d out of range", c.SDPMLineIndex)
	}
	mid := c.SDPMid
	index := uint16(c.SDPMLineIndex)
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
	if c.UsernameFragment != "" {
		ufrag := c.UsernameFragment
		init.UsernameFragment = &ufrag
	}
	return init, nil
}

// ParseMessage decodes and validates a "message" payload. Unknown fields are
// tolerated; unknown message types are not.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, protocolErrorf("decode message: %v", err)
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == "" {
			return protocolErrorf("%s message missing sdp", m.Type)
		}
		if m.Candidate != nil {
			return protocolErrorf("%s message has unexpected candidate", m.Type)
		}
	case MessageTypeCandidate:
		if m.Candidate == nil {
			return protocolErrorf("candidate message missing candidate")
		}
		if m.SDP != "" {
			return protocolErrorf("candidate message has unexpected sdp")
		}
	case "":
		return protocolErrorf("message missing type")
	default:
		return protocolErrorf("unsupported message type %q", m.Type)
	}
	return nil
}
