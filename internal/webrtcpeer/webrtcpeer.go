// Package webrtcpeer is the peer-connection engine the negotiation layer
// drives. The pion/webrtc implementation lives here; the Engine and Handler
// interfaces let tests substitute a scripted engine.
package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/config"
)

// ErrEngine wraps every failure reported by the peer-connection engine.
var ErrEngine = errors.New("webrtcpeer: engine error")

// Handler receives engine callbacks. Calls may arrive on any goroutine.
type Handler interface {
	// LocalDescription is called once per CreateOffer/CreateAnswer, after the
	// description has been applied locally.
	LocalDescription(desc webrtc.SessionDescription)
	LocalCandidate(candidate webrtc.ICECandidateInit)
	// DataChannelAdded reports channels opened by the remote peer. Channels
	// created through Engine.CreateDataChannel are not reported.
	DataChannelAdded(dc channel.DataChannel)
	DataChannelRemoved(label string)
	ConnectionStateChanged(state webrtc.PeerConnectionState)
}

type Engine interface {
	CreateDataChannel(label string) (channel.DataChannel, error)
	CreateOffer() error
	CreateAnswer() error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// Factory builds an engine for one session.
type Factory func(iceServers []webrtc.ICEServer, h Handler) (Engine, error)

// NewFactory returns a Factory producing pion-backed engines from api.
func NewFactory(api *webrtc.API, logger *slog.Logger) Factory {
	return func(iceServers []webrtc.ICEServer, h Handler) (Engine, error) {
		return NewPeer(api, iceServers, h, logger)
	}
}

// NewAPI builds a pion API with the network settings from cfg and pion's
// logging routed into logger. configure runs last and may override
// anything, e.g. to install a virtual network in tests.
func NewAPI(cfg config.Config, logger *slog.Logger, configure ...func(*webrtc.SettingEngine)) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(logger)
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	for _, fn := range configure {
		fn(&se)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	// SettingEngine doesn't expose a bind address; IPFilter restricts both
	// candidate gathering and socket binding instead.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}

func engineErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrEngine, op, err)
}
