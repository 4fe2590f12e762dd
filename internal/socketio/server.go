package socketio

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ServerOptions configures Accept.
type ServerOptions struct {
	Upgrader     websocket.Upgrader
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// ServerConn is the server side of one Socket.IO websocket connection. It only
// covers what an in-process relay needs: the handshake, events, and pings.
type ServerConn struct {
	ws *websocket.Conn
	id string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Accept upgrades r, sends the Engine.IO open packet, and completes the
// Socket.IO CONNECT handshake, assigning id as the client's session id.
func Accept(w http.ResponseWriter, r *http.Request, id string, opts ServerOptions) (*ServerConn, error) {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 20 * time.Second
	}
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return nil, fmt.Errorf("%w: unsupported transport query %q", ErrHandshake, r.URL.RawQuery)
	}

	ws, err := opts.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := &ServerConn{ws: ws, id: id, done: make(chan struct{})}

	open, err := json.Marshal(OpenPayload{
		SID:          "e-" + id,
		Upgrades:     []string{},
		PingInterval: int(opts.PingInterval / time.Millisecond),
		PingTimeout:  int(opts.PingTimeout / time.Millisecond),
		MaxPayload:   1_000_000,
	})
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if err := c.write(Frame(EngineOpen, string(open))); err != nil {
		_ = ws.Close()
		return nil, err
	}

	_ = ws.SetReadDeadline(time.Now().Add(opts.PingInterval + opts.PingTimeout))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("%w: await connect: %v", ErrHandshake, err)
		}
		t, payload, err := ParseFrame(data)
		if err != nil || t != EngineMessage {
			continue
		}
		p, err := DecodePacket(payload)
		if err != nil || p.Type != PacketConnect {
			continue
		}
		break
	}
	_ = ws.SetReadDeadline(time.Time{})

	ack, _ := json.Marshal(ConnectPayload{SID: id})
	if err := c.write(Frame(EngineMessage, Packet{Type: PacketConnect, Data: ack}.Encode())); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.pingLoop(opts.PingInterval)
	return c, nil
}

func (c *ServerConn) ID() string {
	return c.id
}

func (c *ServerConn) Emit(event string, args ...any) error {
	p, err := EventPacket(event, args...)
	if err != nil {
		return err
	}
	return c.write(Frame(EngineMessage, p.Encode()))
}

// ReadEvent blocks for the next EVENT packet, answering pongs and skipping
// everything else. It returns ErrDisconnected when the client leaves.
func (c *ServerConn) ReadEvent() (string, []json.RawMessage, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", nil, err
		}
		t, payload, err := ParseFrame(data)
		if err != nil {
			continue
		}
		switch t {
		case EngineClose:
			return "", nil, ErrDisconnected
		case EngineMessage:
		default:
			continue
		}
		p, err := DecodePacket(payload)
		if err != nil {
			continue
		}
		switch p.Type {
		case PacketDisconnect:
			return "", nil, ErrDisconnected
		case PacketEvent:
			name, args, err := p.Event()
			if err != nil {
				continue
			}
			return name, args, nil
		}
	}
}

// Disconnect sends a Socket.IO DISCONNECT and closes the transport.
func (c *ServerConn) Disconnect() error {
	_ = c.write(Frame(EngineMessage, Packet{Type: PacketDisconnect}.Encode()))
	return c.Close()
}

func (c *ServerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *ServerConn) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.write(Frame(EnginePing, "")); err != nil {
				return
			}
		}
	}
}

func (c *ServerConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
