package webrtcpeer

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/channel"
)

// dataChannel adapts a pion DataChannel to channel.DataChannel. pion holds a
// single handler per event, so the adapter owns them and fans out to the
// current channel callbacks and the engine's removal hook.
type dataChannel struct {
	dc *webrtc.DataChannel

	mu        sync.Mutex
	onMessage func([]byte)
	onState   func(channel.State)
	onClosed  func()
}

func wrapDataChannel(dc *webrtc.DataChannel, onClosed func()) *dataChannel {
	d := &dataChannel{dc: dc, onClosed: onClosed}
	dc.OnOpen(func() { d.emitState(channel.StateOpen) })
	dc.OnClose(func() {
		d.emitState(channel.StateClosed)
		d.mu.Lock()
		fn := d.onClosed
		d.onClosed = nil
		d.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		d.mu.Lock()
		fn := d.onMessage
		d.mu.Unlock()
		if fn == nil {
			return
		}
		// Copy because pion reuses internal buffers.
		fn(append([]byte(nil), msg.Data...))
	})
	return d
}

func (d *dataChannel) Label() string {
	return d.dc.Label()
}

func (d *dataChannel) Send(data []byte) error {
	if err := d.dc.Send(data); err != nil {
		return engineErr("datachannel send", err)
	}
	return nil
}

func (d *dataChannel) ReadyState() channel.State {
	return stateFromPion(d.dc.ReadyState())
}

func (d *dataChannel) OnMessage(fn func([]byte)) {
	d.mu.Lock()
	d.onMessage = fn
	d.mu.Unlock()
}

func (d *dataChannel) OnStateChange(fn func(channel.State)) {
	d.mu.Lock()
	d.onState = fn
	d.mu.Unlock()
}

func (d *dataChannel) emitState(s channel.State) {
	d.mu.Lock()
	fn := d.onState
	d.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func stateFromPion(s webrtc.DataChannelState) channel.State {
	switch s {
	case webrtc.DataChannelStateOpen:
		return channel.StateOpen
	case webrtc.DataChannelStateClosing:
		return channel.StateClosing
	case webrtc.DataChannelStateClosed:
		return channel.StateClosed
	default:
		return channel.StateConnecting
	}
}
