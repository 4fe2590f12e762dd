package metrics

import "sync"

// Event counter names.
const (
	SignalingConnected    = "signaling_connected"
	SignalingDisconnected = "signaling_disconnected"
	SignalingEvents       = "signaling_events_received"
	SignalingEmitErrors   = "signaling_emit_errors"
	HTTPRequestErrors     = "signaling_http_errors"

	OffersSent         = "offers_sent"
	AnswersSent        = "answers_sent"
	CandidatesSent     = "candidates_sent"
	CandidatesReceived = "candidates_received"
	CandidatesBuffered = "candidates_buffered"
	ProtocolErrors     = "protocol_errors"

	ChannelsAdded           = "channels_added"
	ChannelsRemoved         = "channels_removed"
	ChannelMessagesSent     = "channel_messages_sent"
	ChannelMessagesReceived = "channel_messages_received"
	ChannelBytesSent        = "channel_bytes_sent"
	ChannelBytesReceived    = "channel_bytes_received"

	SessionsConnected   = "sessions_connected"
	SessionsFailed      = "sessions_failed"
	NegotiationTimeouts = "negotiation_timeouts"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards every update, so components can be
// built without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
