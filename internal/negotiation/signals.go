package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/webrtcpeer"
)

func (o *Orchestrator) handleSignal(ev signaling.Event) {
	switch ev := ev.(type) {
	case signaling.ReadyEvent:
		o.handleReady(ev)
	case signaling.JoinedEvent:
		o.logger.Info("joined room", "room", ev.Room, "client_id", ev.ClientID)
	case signaling.TrickleEvent:
		o.handleTrickle(ev)
	case signaling.MessageEvent:
		o.handleMessage(ev.Payload)
	case signaling.DisconnectedEvent:
		// No reconnect. A session still negotiating runs into its timeout.
		o.logger.Warn("signaling relay dropped", "err", ev.Err)
		o.errs.Emit(ev.Err)
	}
}

func (o *Orchestrator) handleReady(ev signaling.ReadyEvent) {
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return
	}
	if o.leaderKnown {
		o.mu.Unlock()
		o.logger.Warn("ignoring repeated ready", "leader_id", ev.LeaderID)
		return
	}
	o.leaderKnown = true
	o.isLeader = ev.Leader
	o.transitionLocked(StateAwaitingEngineConfig)
	ctx := o.ctx
	o.mu.Unlock()

	o.logger.Info("peer ready", "leader_id", ev.LeaderID, "is_leader", ev.Leader)
	o.flushStates()
	// The HTTP fetch must not hold up the relay's read loop.
	go o.initEngine(ctx)
}

// initEngine fetches the ICE configuration, builds the engine and announces
// trickle readiness to the peer.
func (o *Orchestrator) initEngine(ctx context.Context) {
	servers, err := o.signaler.FetchICEServers(ctx)
	if err != nil {
		o.fail(fmt.Errorf("fetch ice servers: %w", err))
		return
	}
	servers = append(servers, o.extraICE...)

	engine, err := o.factory(servers, engineHandler{o})
	if err != nil {
		if !errors.Is(err, webrtcpeer.ErrEngine) {
			err = fmt.Errorf("%w: %w", webrtcpeer.ErrEngine, err)
		}
		o.fail(err)
		return
	}

	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		_ = engine.Close()
		return
	}
	o.engine = engine
	o.engineInitialized = true
	o.transitionLocked(StateEngineReady)
	if o.isLeader {
		o.transitionLocked(StateLeaderOfferPending)
	} else {
		o.transitionLocked(StateFollowerWaiting)
	}
	offer := o.offerGateLocked()
	o.mu.Unlock()

	o.logger.Info("engine initialized", "ice_servers", len(servers))
	o.flushStates()

	if err := o.signaler.Emit(signaling.EventTrickle, o.code); err != nil {
		o.logger.Warn("announcing trickle readiness", "err", err)
		o.errs.Emit(err)
	}
	if offer {
		o.leaderOffer()
	}
}

func (o *Orchestrator) handleTrickle(ev signaling.TrickleEvent) {
	if ev.PairCode != o.code {
		o.protocolError(fmt.Errorf("%w: trickle for pairing code %q", signaling.ErrProtocol, ev.PairCode))
		return
	}

	o.mu.Lock()
	if o.trickleReady {
		o.mu.Unlock()
		o.logger.Debug("repeated trickle readiness")
		return
	}
	o.trickleReady = true
	offer := o.offerGateLocked()
	o.mu.Unlock()

	o.logger.Debug("peer trickle ready")
	if offer {
		o.leaderOffer()
	}
}

// leaderOffer opens the reserved default channel and asks the engine for an
// offer. The description reaches the peer through engineHandler.
func (o *Orchestrator) leaderOffer() {
	o.mu.Lock()
	engine := o.engine
	o.mu.Unlock()
	if engine == nil {
		return
	}

	dc, err := engine.CreateDataChannel(o.defaultName)
	if err != nil {
		o.fail(err)
		return
	}
	o.setDefaultChannel(dc)

	o.logger.Info("creating offer")
	if err := engine.CreateOffer(); err != nil {
		o.fail(err)
	}
}

func (o *Orchestrator) handleMessage(payload []byte) {
	msg, err := signaling.ParseMessage(payload)
	if err != nil {
		o.protocolError(err)
		return
	}
	switch msg.Type {
	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer:
		o.applyRemoteDescription(msg)
	case signaling.MessageTypeCandidate:
		o.applyRemoteCandidate(msg)
	}
}

func (o *Orchestrator) applyRemoteDescription(msg signaling.Message) {
	desc, err := msg.SessionDescription()
	if err != nil {
		o.protocolError(err)
		return
	}

	o.mu.Lock()
	engine := o.engine
	if engine == nil {
		state := o.state
		o.mu.Unlock()
		o.protocolError(fmt.Errorf("%w: %s received in state %s", signaling.ErrProtocol, desc.Type, state))
		return
	}
	if desc.Type == webrtc.SDPTypeOffer {
		o.transitionLocked(StateNegotiating)
	}
	o.mu.Unlock()
	o.flushStates()

	o.remoteMu.Lock()
	defer o.remoteMu.Unlock()

	if err := engine.SetRemoteDescription(desc); err != nil {
		o.fail(err)
		return
	}
	o.logger.Info("applied remote description", "type", desc.Type.String())
	o.haveRemote = true
	pending := o.pending
	o.pending = nil
	for _, c := range pending {
		o.addCandidate(engine, c)
	}

	if desc.Type == webrtc.SDPTypeOffer {
		if err := engine.CreateAnswer(); err != nil {
			o.fail(err)
		}
	}
}

func (o *Orchestrator) applyRemoteCandidate(msg signaling.Message) {
	init, err := msg.Candidate.ToPion()
	if err != nil {
		o.protocolError(err)
		return
	}
	o.metrics.Inc(metrics.CandidatesReceived)

	o.mu.Lock()
	engine := o.engine
	o.mu.Unlock()

	o.remoteMu.Lock()
	defer o.remoteMu.Unlock()
	if engine == nil || !o.haveRemote {
		// The engine rejects candidates until it has a remote description.
		o.pending = append(o.pending, init)
		o.metrics.Inc(metrics.CandidatesBuffered)
		return
	}
	o.addCandidate(engine, init)
}

// addCandidate applies one remote candidate. A rejected candidate only loses
// that path, so the error is reported and the session continues.
func (o *Orchestrator) addCandidate(engine webrtcpeer.Engine, c webrtc.ICECandidateInit) {
	if err := engine.AddICECandidate(c); err != nil {
		o.logger.Warn("rejected remote candidate", "err", err)
		o.errs.Emit(err)
	}
}
