// Package channel wraps one data channel with a text-message contract and a
// forward-only lifecycle state.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unicode/utf8"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/notify"
)

var (
	// ErrNotOpen is returned by Send while the channel is not Open. The
	// engine is not called.
	ErrNotOpen = errors.New("channel: not open")
	// ErrInvalidUTF8 is reported through OnError for inbound payloads that
	// are not valid UTF-8 text.
	ErrInvalidUTF8 = errors.New("channel: payload is not valid utf-8")
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DataChannel is the engine side of a channel.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	ReadyState() State
	OnMessage(func(data []byte))
	OnStateChange(func(State))
}

// Channel is safe for concurrent use. Send may race with engine state
// callbacks; it always observes a single, current state.
type Channel struct {
	dc      DataChannel
	logger  *slog.Logger
	metrics *metrics.Metrics
	state   atomic.Int32

	messages notify.List[string]
	states   notify.List[State]
	errs     notify.List[error]
}

// New wraps dc. Engine callbacks are registered before the initial state is
// read so no transition is lost in between.
func New(dc DataChannel, logger *slog.Logger, m *metrics.Metrics) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		dc:      dc,
		logger:  logger.With("label", dc.Label()),
		metrics: m,
	}
	c.state.Store(int32(StateConnecting))
	dc.OnMessage(c.handleMessage)
	dc.OnStateChange(c.handleState)
	c.handleState(dc.ReadyState())
	return c
}

// Name is the engine-assigned label.
func (c *Channel) Name() string {
	return c.dc.Label()
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

// Send transmits text as UTF-8 bytes. It fails with ErrNotOpen unless the
// last reported state is Open.
func (c *Channel) Send(text string) error {
	if c.State() != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, c.Name(), c.State())
	}
	if err := c.dc.Send([]byte(text)); err != nil {
		return fmt.Errorf("channel: send on %s: %w", c.Name(), err)
	}
	c.metrics.Inc(metrics.ChannelMessagesSent)
	c.metrics.Add(metrics.ChannelBytesSent, uint64(len(text)))
	return nil
}

// OnMessage registers fn for decoded inbound text.
func (c *Channel) OnMessage(fn func(text string)) (remove func()) {
	return c.messages.Add(fn)
}

// OnStateChange registers fn for every forward state transition.
func (c *Channel) OnStateChange(fn func(State)) (remove func()) {
	return c.states.Add(fn)
}

// OnError registers fn for inbound payload errors. They never close the
// channel.
func (c *Channel) OnError(fn func(error)) (remove func()) {
	return c.errs.Add(fn)
}

func (c *Channel) handleMessage(data []byte) {
	if !utf8.Valid(data) {
		c.metrics.Inc(metrics.ProtocolErrors)
		err := fmt.Errorf("%w: %d bytes on %s", ErrInvalidUTF8, len(data), c.Name())
		c.logger.Warn("dropping channel message", "err", err)
		c.errs.Emit(err)
		return
	}
	c.metrics.Inc(metrics.ChannelMessagesReceived)
	c.metrics.Add(metrics.ChannelBytesReceived, uint64(len(data)))
	c.messages.Emit(string(data))
}

// handleState applies next only if it moves the lifecycle forward. Engines
// may report the same state twice or deliver a late Open after Closing.
func (c *Channel) handleState(next State) {
	for {
		cur := c.state.Load()
		if int32(next) <= cur {
			if int32(next) < cur {
				c.logger.Debug("ignoring backward channel state", "from", State(cur), "to", next)
			}
			return
		}
		if c.state.CompareAndSwap(cur, int32(next)) {
			break
		}
	}
	c.logger.Debug("channel state changed", "state", next)
	c.states.Emit(next)
}
