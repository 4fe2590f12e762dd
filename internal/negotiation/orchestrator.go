// Package negotiation pairs two peers over the signaling relay. It decides
// which side offers, moves descriptions and candidates between the relay and
// the peer engine, and keeps the registry of application-visible channels.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/notify"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/webrtcpeer"
)

var (
	// ErrNotInitialized is returned by CreateChannel before the engine exists
	// or after the session has ended.
	ErrNotInitialized = errors.New("negotiation: engine not initialized")
	ErrChannelExists  = errors.New("negotiation: channel already exists")
	ErrTimeout        = errors.New("negotiation: timed out before connecting")
	ErrSessionFailed  = errors.New("negotiation: session failed")
)

// Signaler is the relay connection the orchestrator drives.
// *signaling.Client implements it.
type Signaler interface {
	Connect(ctx context.Context) error
	Subscribe(fn func(signaling.Event)) (unsubscribe func())
	Emit(event string, payload any) error
	FetchICEServers(ctx context.Context) ([]webrtc.ICEServer, error)
	Close() error
}

type Config struct {
	PairingCode string
	// NegotiationTimeout bounds the time from a successful Start to
	// Connected. Zero disables it.
	NegotiationTimeout time.Duration
	// ExtraICEServers are appended to the relay's list.
	ExtraICEServers []webrtc.ICEServer
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// DefaultChannelName is the reserved label of the channel the leader opens to
// carry the first negotiation. It never reaches the application.
func DefaultChannelName(pairingCode string) string {
	return pairingCode + ":default"
}

// Orchestrator runs one pairing session. Signaling events, HTTP completions
// and engine callbacks arrive on different goroutines; all negotiation state
// is guarded by mu and every handler is a short critical section.
type Orchestrator struct {
	code        string
	defaultName string
	timeout     time.Duration
	extraICE    []webrtc.ICEServer
	signaler    Signaler
	factory     webrtcpeer.Factory
	logger      *slog.Logger
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	started           bool
	state             State
	leaderKnown       bool
	isLeader          bool
	trickleReady      bool
	engineInitialized bool
	offerIssued       bool
	engine            webrtcpeer.Engine
	defaultChannel    *channel.Channel
	channels          map[string]*channel.Channel
	order             []string
	creating          map[string]bool
	timer             *time.Timer
	unsubscribe       func()
	pendingStates     []State
	flushing          bool

	// remoteMu serializes remote descriptions and candidates so a candidate
	// is never applied ahead of the description it belongs to.
	remoteMu   sync.Mutex
	haveRemote bool
	pending    []webrtc.ICECandidateInit

	states  notify.List[State]
	added   notify.List[*channel.Channel]
	removed notify.List[*channel.Channel]
	errs    notify.List[error]
}

func New(cfg Config, s Signaler, factory webrtcpeer.Factory) (*Orchestrator, error) {
	if cfg.PairingCode == "" {
		return nil, errors.New("negotiation: pairing code is required")
	}
	if s == nil || factory == nil {
		return nil, errors.New("negotiation: signaler and engine factory are required")
	}
	if cfg.NegotiationTimeout < 0 {
		return nil, fmt.Errorf("negotiation: invalid timeout %s", cfg.NegotiationTimeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		code:        cfg.PairingCode,
		defaultName: DefaultChannelName(cfg.PairingCode),
		timeout:     cfg.NegotiationTimeout,
		extraICE:    append([]webrtc.ICEServer(nil), cfg.ExtraICEServers...),
		signaler:    s,
		factory:     factory,
		logger:      logger.With("pairing_code", cfg.PairingCode),
		metrics:     cfg.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		channels:    make(map[string]*channel.Channel),
		creating:    make(map[string]bool),
	}, nil
}

// Start connects to the relay and joins the room. Everything after that is
// driven by relay and engine events. A connect failure moves the session to
// Failed and is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started || o.state.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("negotiation: cannot start (started=%t, state %s)", o.started, o.state)
	}
	o.started = true
	o.unsubscribe = o.signaler.Subscribe(o.handleSignal)
	o.mu.Unlock()

	if err := o.signaler.Connect(ctx); err != nil {
		o.fail(err)
		return err
	}
	o.logger.Info("joined signaling relay")

	if o.timeout > 0 {
		o.mu.Lock()
		if !o.state.Terminal() && o.state != StateConnected {
			o.timer = time.AfterFunc(o.timeout, o.handleTimeout)
		}
		o.mu.Unlock()
	}
	return nil
}

// CreateChannel opens a named channel on the engine and registers it. It
// returns before the channel is open; watch Channel.OnStateChange. An engine
// failure ends the session.
func (o *Orchestrator) CreateChannel(name string) (*channel.Channel, error) {
	if name == "" {
		return nil, errors.New("negotiation: channel name is required")
	}

	o.mu.Lock()
	engine := o.engine
	switch {
	case engine == nil:
		state := o.state
		o.mu.Unlock()
		return nil, fmt.Errorf("%w (session %s)", ErrNotInitialized, state)
	case name == o.defaultName, o.channels[name] != nil, o.creating[name]:
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrChannelExists, name)
	}
	o.creating[name] = true
	o.mu.Unlock()

	dc, err := engine.CreateDataChannel(name)

	o.mu.Lock()
	delete(o.creating, name)
	o.mu.Unlock()
	if err != nil {
		o.fail(err)
		return nil, err
	}

	ch := channel.New(dc, o.logger, o.metrics)
	o.mu.Lock()
	o.insertLocked(ch)
	o.mu.Unlock()

	o.metrics.Inc(metrics.ChannelsAdded)
	o.logger.Info("channel created", "label", name)
	o.added.Emit(ch)
	return ch, nil
}

// Channels lists the visible channels in the order they were added.
func (o *Orchestrator) Channels() []*channel.Channel {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*channel.Channel, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.channels[name])
	}
	return out
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// OnChannelAdded registers fn for every channel added to the registry,
// whether opened by the peer or by CreateChannel.
func (o *Orchestrator) OnChannelAdded(fn func(*channel.Channel)) (remove func()) {
	return o.added.Add(fn)
}

func (o *Orchestrator) OnChannelRemoved(fn func(*channel.Channel)) (remove func()) {
	return o.removed.Add(fn)
}

func (o *Orchestrator) OnStateChange(fn func(State)) (remove func()) {
	return o.states.Add(fn)
}

// OnError registers fn for errors that do not end the session by themselves
// (protocol errors, transport drops) as well as the error that moved the
// session to Failed.
func (o *Orchestrator) OnError(fn func(error)) (remove func()) {
	return o.errs.Add(fn)
}

// Close tears down the engine and the relay connection. It is safe to call
// more than once and after the session has failed.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return nil
	}
	engine := o.teardownLocked(StateClosed)
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	var errs []error
	if engine != nil {
		errs = append(errs, engine.Close())
	}
	errs = append(errs, o.signaler.Close())
	o.logger.Info("session closed")
	o.flushStates()
	return errors.Join(errs...)
}

func (o *Orchestrator) handleTimeout() {
	o.mu.Lock()
	done := o.state.Terminal() || o.state == StateConnected
	o.mu.Unlock()
	if done {
		return
	}
	o.metrics.Inc(metrics.NegotiationTimeouts)
	o.fail(fmt.Errorf("%w after %s", ErrTimeout, o.timeout))
}

// fail moves the session to Failed and releases the engine.
func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return
	}
	engine := o.teardownLocked(StateFailed)
	o.mu.Unlock()

	o.metrics.Inc(metrics.SessionsFailed)
	o.logger.Error("negotiation failed", "err", err)
	if engine != nil {
		if cerr := engine.Close(); cerr != nil {
			o.logger.Warn("closing engine", "err", cerr)
		}
	}
	o.flushStates()
	o.errs.Emit(err)
}

func (o *Orchestrator) teardownLocked(next State) webrtcpeer.Engine {
	o.state = next
	o.pendingStates = append(o.pendingStates, next)
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.cancel()
	engine := o.engine
	o.engine = nil
	return engine
}

// transitionLocked moves the session forward to next. Backward moves and
// moves out of a terminal state are refused.
func (o *Orchestrator) transitionLocked(next State) bool {
	if next <= o.state || o.state.Terminal() {
		return false
	}
	o.logger.Debug("negotiation state", "from", o.state, "to", next)
	o.state = next
	o.pendingStates = append(o.pendingStates, next)
	return true
}

// offerGateLocked reports whether the leader offer should be made now, and
// marks it issued if so. It is the only place offerIssued is set.
func (o *Orchestrator) offerGateLocked() bool {
	if !o.isLeader || !o.engineInitialized || !o.trickleReady || o.offerIssued || o.state.Terminal() {
		return false
	}
	o.offerIssued = true
	return true
}

func (o *Orchestrator) insertLocked(ch *channel.Channel) {
	o.channels[ch.Name()] = ch
	o.order = append(o.order, ch.Name())
}

func (o *Orchestrator) removeLocked(name string) *channel.Channel {
	ch := o.channels[name]
	if ch == nil {
		return nil
	}
	delete(o.channels, name)
	for i, n := range o.order {
		if n == name {
			o.order = append(o.order[:i:i], o.order[i+1:]...)
			break
		}
	}
	return ch
}

// flushStates delivers queued state changes in the order they happened.
// Only one goroutine delivers at a time; a transition made by a listener is
// queued and delivered after the current one.
func (o *Orchestrator) flushStates() {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	for len(o.pendingStates) > 0 {
		states := o.pendingStates
		o.pendingStates = nil
		o.mu.Unlock()
		for _, s := range states {
			o.states.Emit(s)
		}
		o.mu.Lock()
	}
	o.flushing = false
	o.mu.Unlock()
}

// protocolError reports a malformed or unexpected peer payload. The session
// carries on.
func (o *Orchestrator) protocolError(err error) {
	o.metrics.Inc(metrics.ProtocolErrors)
	o.logger.Warn("signaling protocol error", "err", err)
	o.errs.Emit(err)
}
