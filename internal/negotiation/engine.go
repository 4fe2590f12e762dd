package negotiation

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/signaling"
)

// engineHandler receives the engine's callbacks on behalf of an
// Orchestrator.
type engineHandler struct {
	o *Orchestrator
}

func (h engineHandler) LocalDescription(desc webrtc.SessionDescription) {
	o := h.o
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return
	}
	o.transitionLocked(StateNegotiating)
	o.mu.Unlock()
	o.flushStates()

	msg, err := signaling.SessionDescriptionMessage(desc)
	if err != nil {
		o.protocolError(err)
		return
	}
	if err := o.signaler.Emit(signaling.EventMessage, msg); err != nil {
		o.logger.Warn("sending local description", "type", desc.Type.String(), "err", err)
		o.errs.Emit(err)
		return
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		o.metrics.Inc(metrics.OffersSent)
	case webrtc.SDPTypeAnswer:
		o.metrics.Inc(metrics.AnswersSent)
	}
	o.logger.Info("sent local description", "type", desc.Type.String())
}

func (h engineHandler) LocalCandidate(c webrtc.ICECandidateInit) {
	o := h.o
	if o.State().Terminal() {
		return
	}
	if err := o.signaler.Emit(signaling.EventMessage, signaling.CandidateMessage(c)); err != nil {
		o.logger.Warn("sending local candidate", "err", err)
		o.errs.Emit(err)
		return
	}
	o.metrics.Inc(metrics.CandidatesSent)
}

func (h engineHandler) DataChannelAdded(dc channel.DataChannel) {
	o := h.o
	name := dc.Label()
	if name == o.defaultName {
		o.setDefaultChannel(dc)
		return
	}

	ch := channel.New(dc, o.logger, o.metrics)
	o.mu.Lock()
	if o.channels[name] != nil || o.creating[name] {
		o.mu.Unlock()
		o.protocolError(fmt.Errorf("%w: peer opened duplicate channel %q", signaling.ErrProtocol, name))
		return
	}
	o.insertLocked(ch)
	o.mu.Unlock()

	o.metrics.Inc(metrics.ChannelsAdded)
	o.logger.Info("channel added", "label", name)
	o.added.Emit(ch)
}

func (h engineHandler) DataChannelRemoved(label string) {
	o := h.o
	o.mu.Lock()
	if label == o.defaultName {
		o.defaultChannel = nil
		o.mu.Unlock()
		o.logger.Debug("default channel closed")
		return
	}
	ch := o.removeLocked(label)
	o.mu.Unlock()
	if ch == nil {
		return
	}

	o.metrics.Inc(metrics.ChannelsRemoved)
	o.logger.Info("channel removed", "label", label)
	o.removed.Emit(ch)
}

func (h engineHandler) ConnectionStateChanged(state webrtc.PeerConnectionState) {
	o := h.o
	switch state {
	case webrtc.PeerConnectionStateConnected:
		o.mu.Lock()
		changed := o.transitionLocked(StateConnected)
		if changed && o.timer != nil {
			o.timer.Stop()
			o.timer = nil
		}
		o.mu.Unlock()
		if changed {
			o.metrics.Inc(metrics.SessionsConnected)
			o.logger.Info("peer connected")
			o.flushStates()
		}
	case webrtc.PeerConnectionStateFailed:
		o.fail(fmt.Errorf("%w: peer connection failed", ErrSessionFailed))
	case webrtc.PeerConnectionStateDisconnected:
		o.logger.Warn("peer connection disconnected")
	}
}

// setDefaultChannel records the reserved channel. It is kept out of the
// registry and never announced.
func (o *Orchestrator) setDefaultChannel(dc channel.DataChannel) {
	ch := channel.New(dc, o.logger, o.metrics)
	o.mu.Lock()
	o.defaultChannel = ch
	o.mu.Unlock()
	o.logger.Debug("default channel registered", "label", dc.Label())
}
