package webrtcpeer

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/channel"
)

// Peer is the pion implementation of Engine. It owns one PeerConnection.
type Peer struct {
	pc      *webrtc.PeerConnection
	handler Handler
	logger  *slog.Logger

	// signalMu orders a local description ahead of the candidates gathered
	// for it: gathering starts inside SetLocalDescription, and the peer must
	// see the description first.
	signalMu sync.Mutex

	close sync.Once
}

func NewPeer(api *webrtc.API, iceServers []webrtc.ICEServer, h Handler, logger *slog.Logger) (*Peer, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, engineErr("new peer connection", err)
	}
	p := &Peer{
		pc:      pc,
		handler: h,
		logger:  logger,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		p.signalMu.Lock()
		defer p.signalMu.Unlock()
		h.LocalCandidate(c.ToJSON())
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.logger.Debug("remote datachannel", "label", dc.Label())
		h.DataChannelAdded(p.wrap(dc))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("peer connection state", "state", state.String())
		h.ConnectionStateChanged(state)
	})

	return p, nil
}

func (p *Peer) wrap(dc *webrtc.DataChannel) *dataChannel {
	label := dc.Label()
	return wrapDataChannel(dc, func() {
		p.handler.DataChannelRemoved(label)
	})
}

func (p *Peer) CreateDataChannel(label string) (channel.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, engineErr("create datachannel "+label, err)
	}
	return p.wrap(dc), nil
}

func (p *Peer) CreateOffer() error {
	return p.createLocal("create offer", func() (webrtc.SessionDescription, error) {
		return p.pc.CreateOffer(nil)
	})
}

func (p *Peer) CreateAnswer() error {
	return p.createLocal("create answer", func() (webrtc.SessionDescription, error) {
		return p.pc.CreateAnswer(nil)
	})
}

func (p *Peer) createLocal(op string, create func() (webrtc.SessionDescription, error)) error {
	p.signalMu.Lock()
	defer p.signalMu.Unlock()

	desc, err := create()
	if err != nil {
		return engineErr(op, err)
	}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return engineErr("set local description", err)
	}
	p.handler.LocalDescription(desc)
	return nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return engineErr("set remote description", err)
	}
	return nil
}

func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return engineErr("add ice candidate", err)
	}
	return nil
}

func (p *Peer) Close() error {
	var err error
	p.close.Do(func() {
		if cerr := p.pc.Close(); cerr != nil {
			err = engineErr("close", cerr)
		}
	})
	return err
}
