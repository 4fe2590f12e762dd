package negotiation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/notify"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/webrtcpeer"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type emitted struct {
	event   string
	payload any
}

// fakeSignaler stands in for the relay connection. deliver feeds events
// synchronously, the way the relay's read loop does.
type fakeSignaler struct {
	listeners notify.List[signaling.Event]

	connectErr error
	iceServers []webrtc.ICEServer
	// iceGate, when set, holds FetchICEServers until it is closed.
	iceGate chan struct{}

	mu      sync.Mutex
	emits   []emitted
	fetches int
	closed  bool
}

func (s *fakeSignaler) Connect(context.Context) error { return s.connectErr }

func (s *fakeSignaler) Subscribe(fn func(signaling.Event)) func() {
	return s.listeners.Add(fn)
}

func (s *fakeSignaler) Emit(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return signaling.ErrTransport
	}
	s.emits = append(s.emits, emitted{event: event, payload: payload})
	return nil
}

func (s *fakeSignaler) FetchICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	s.mu.Lock()
	s.fetches++
	s.mu.Unlock()
	if s.iceGate != nil {
		select {
		case <-s.iceGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.iceServers, nil
}

func (s *fakeSignaler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) deliver(ev signaling.Event) {
	s.listeners.Emit(ev)
}

func (s *fakeSignaler) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

// messages returns the "message" payloads sent so far.
func (s *fakeSignaler) messages() []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.Message
	for _, e := range s.emits {
		if msg, ok := e.payload.(signaling.Message); ok && e.event == signaling.EventMessage {
			out = append(out, msg)
		}
	}
	return out
}

type fakeDataChannel struct {
	label string

	mu      sync.Mutex
	state   channel.State
	onState func(channel.State)
}

func (d *fakeDataChannel) Label() string          { return d.label }
func (d *fakeDataChannel) Send([]byte) error      { return nil }
func (d *fakeDataChannel) OnMessage(func([]byte)) {}

func (d *fakeDataChannel) ReadyState() channel.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDataChannel) OnStateChange(fn func(channel.State)) {
	d.mu.Lock()
	d.onState = fn
	d.mu.Unlock()
}

func (d *fakeDataChannel) setState(s channel.State) {
	d.mu.Lock()
	d.state = s
	fn := d.onState
	d.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// fakeEngine answers every offer with "B-SDP" and offers "A-SDP". Engines
// built from the same fakeNet are linked: applying an answer connects both
// and announces each side's channels to the other.
type fakeEngine struct {
	handler webrtcpeer.Handler
	net     *fakeNet

	mu         sync.Mutex
	offers     int
	answers    int
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	created    []*fakeDataChannel
	announced  int
	closed     bool
	createErr  error
}

func (e *fakeEngine) CreateDataChannel(label string) (channel.DataChannel, error) {
	e.mu.Lock()
	if e.createErr != nil {
		e.mu.Unlock()
		return nil, e.createErr
	}
	dc := &fakeDataChannel{label: label}
	e.created = append(e.created, dc)
	e.mu.Unlock()
	if e.net != nil && e.net.isConnected() {
		e.net.announce(e)
	}
	return dc, nil
}

func (e *fakeEngine) CreateOffer() error {
	e.mu.Lock()
	e.offers++
	e.mu.Unlock()
	e.handler.LocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "A-SDP"})
	return nil
}

func (e *fakeEngine) CreateAnswer() error {
	e.mu.Lock()
	e.answers++
	e.mu.Unlock()
	e.handler.LocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "B-SDP"})
	return nil
}

func (e *fakeEngine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	e.remote = append(e.remote, desc)
	e.mu.Unlock()
	if desc.Type == webrtc.SDPTypeAnswer && e.net != nil {
		e.net.connect()
	}
	return nil
}

func (e *fakeEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.remote) == 0 {
		return errors.New("fake engine: no remote description")
	}
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) snapshot() (offers, answers, remote, candidates int, closed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offers, e.answers, len(e.remote), len(e.candidates), e.closed
}

func (e *fakeEngine) createdLabels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, dc := range e.created {
		out = append(out, dc.label)
	}
	return out
}

// fakeNet links the engines it builds, in creation order.
type fakeNet struct {
	mu        sync.Mutex
	engines   []*fakeEngine
	servers   [][]webrtc.ICEServer
	connected bool
	err       error
}

func (n *fakeNet) factory(servers []webrtc.ICEServer, h webrtcpeer.Handler) (webrtcpeer.Engine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	e := &fakeEngine{handler: h, net: n}
	n.engines = append(n.engines, e)
	n.servers = append(n.servers, servers)
	return e, nil
}

func (n *fakeNet) engine(i int) *fakeEngine {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i >= len(n.engines) {
		return nil
	}
	return n.engines[i]
}

func (n *fakeNet) isConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *fakeNet) peerOf(e *fakeEngine) *fakeEngine {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, other := range n.engines {
		if other != e {
			return other
		}
	}
	return nil
}

func (n *fakeNet) connect() {
	n.mu.Lock()
	if n.connected {
		n.mu.Unlock()
		return
	}
	n.connected = true
	engines := append([]*fakeEngine(nil), n.engines...)
	n.mu.Unlock()

	for _, e := range engines {
		go e.handler.ConnectionStateChanged(webrtc.PeerConnectionStateConnected)
		n.announce(e)
	}
}

// announce opens e's not yet announced channels and reports them to the
// peer engine's handler.
func (n *fakeNet) announce(e *fakeEngine) {
	peer := n.peerOf(e)
	e.mu.Lock()
	fresh := append([]*fakeDataChannel(nil), e.created[e.announced:]...)
	e.announced = len(e.created)
	e.mu.Unlock()

	for _, dc := range fresh {
		dc.setState(channel.StateOpen)
		if peer == nil {
			continue
		}
		remote := &fakeDataChannel{label: dc.label, state: channel.StateOpen}
		go peer.handler.DataChannelAdded(remote)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
