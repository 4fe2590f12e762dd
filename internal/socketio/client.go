package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultPath             = "/socket.io/"
	DefaultHandshakeTimeout = 10 * time.Second

	writeWait = 5 * time.Second
	// Used until the open packet announces the server's real intervals.
	fallbackPingWindow = 45 * time.Second
)

var (
	ErrClosed       = errors.New("socketio: connection closed")
	ErrDisconnected = errors.New("socketio: disconnected by server")
	ErrHandshake    = errors.New("socketio: handshake failed")
)

type DialOptions struct {
	// Path is the Socket.IO endpoint path. Defaults to DefaultPath.
	Path             string
	Header           http.Header
	Jar              http.CookieJar
	HandshakeTimeout time.Duration
	Logger           *slog.Logger

	// OnEvent receives every inbound EVENT packet, in arrival order, from a
	// single goroutine.
	OnEvent func(event string, args []json.RawMessage)
	// OnDisconnect fires once when the connection drops for any reason other
	// than a local Close.
	OnDisconnect func(err error)
}

// Conn is a Socket.IO client connection over the Engine.IO websocket
// transport, joined to the main namespace.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	id         string
	engineID   string
	pingWindow time.Duration

	onEvent      func(string, []json.RawMessage)
	onDisconnect func(error)

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// EndpointURL derives the websocket URL of the Socket.IO endpoint served under
// baseURL.
func EndpointURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// Dial opens the websocket transport, completes the Engine.IO open and
// Socket.IO CONNECT handshakes, and starts the read loop.
func Dial(ctx context.Context, baseURL string, opts DialOptions) (*Conn, error) {
	endpoint, err := EndpointURL(baseURL, opts.Path)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		Jar:              opts.Jar,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c := &Conn{
		ws:           ws,
		logger:       logger,
		pingWindow:   fallbackPingWindow,
		onEvent:      opts.OnEvent,
		onDisconnect: opts.OnDisconnect,
		done:         make(chan struct{}),
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	pending, err := c.handshake(deadline)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readLoop(pending)
	return c, nil
}

// handshake returns any events that arrived before the CONNECT ack so the read
// loop can deliver them first.
func (c *Conn) handshake(deadline time.Time) ([]Packet, error) {
	_ = c.ws.SetReadDeadline(deadline)

	t, payload, err := c.readFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: read open packet: %v", ErrHandshake, err)
	}
	if t != EngineOpen {
		return nil, fmt.Errorf("%w: expected open packet, got type %q", ErrHandshake, byte(t))
	}
	var open OpenPayload
	if err := json.Unmarshal([]byte(payload), &open); err != nil {
		return nil, fmt.Errorf("%w: decode open packet: %v", ErrHandshake, err)
	}
	c.engineID = open.SID
	if open.PingInterval > 0 && open.PingTimeout > 0 {
		c.pingWindow = time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	}

	if err := c.writePacket(Packet{Type: PacketConnect}); err != nil {
		return nil, fmt.Errorf("%w: send connect: %v", ErrHandshake, err)
	}

	var pending []Packet
	for {
		t, payload, err := c.readFrame()
		if err != nil {
			return nil, fmt.Errorf("%w: await connect: %v", ErrHandshake, err)
		}
		switch t {
		case EnginePing:
			if err := c.write(Frame(EnginePong, "")); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
			}
			continue
		case EngineClose:
			return nil, fmt.Errorf("%w: server closed the transport", ErrHandshake)
		case EngineMessage:
		default:
			continue
		}

		p, err := DecodePacket(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if p.Namespace != "" && p.Namespace != "/" {
			continue
		}
		switch p.Type {
		case PacketConnect:
			var ack ConnectPayload
			if err := json.Unmarshal(p.Data, &ack); err != nil || ack.SID == "" {
				return nil, fmt.Errorf("%w: connect ack without sid", ErrHandshake)
			}
			c.id = ack.SID
			return pending, nil
		case PacketConnectError:
			return nil, fmt.Errorf("%w: connect refused: %s", ErrHandshake, string(p.Data))
		case PacketEvent:
			pending = append(pending, p)
		}
	}
}

// ID is the Socket.IO session id assigned by the server in the CONNECT ack.
func (c *Conn) ID() string {
	return c.id
}

// EngineID is the Engine.IO transport session id.
func (c *Conn) EngineID() string {
	return c.engineID
}

func (c *Conn) Emit(event string, args ...any) error {
	p, err := EventPacket(event, args...)
	if err != nil {
		return err
	}
	return c.writePacket(p)
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It is nil while the connection is up.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close leaves the namespace and closes the transport. OnDisconnect is not
// invoked for a local close.
func (c *Conn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.writePacket(Packet{Type: PacketDisconnect})
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) readLoop(pending []Packet) {
	for _, p := range pending {
		c.dispatch(p)
	}
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pingWindow))
		t, payload, err := c.readFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		if err := c.handleFrame(t, payload); err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Conn) readFrame() (EngineType, string, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, "", err
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("socketio: ignoring binary frame", "bytes", len(data))
			continue
		}
		return ParseFrame(data)
	}
}

func (c *Conn) handleFrame(t EngineType, payload string) error {
	switch t {
	case EnginePing:
		return c.write(Frame(EnginePong, payload))
	case EngineClose:
		return ErrDisconnected
	case EngineMessage:
	default:
		return nil
	}

	p, err := DecodePacket(payload)
	if err != nil {
		c.logger.Warn("socketio: dropping malformed packet", "err", err)
		return nil
	}
	if p.Namespace != "" && p.Namespace != "/" {
		return nil
	}
	switch p.Type {
	case PacketEvent:
		c.dispatch(p)
		if p.HasAckID {
			return c.writePacket(Packet{Type: PacketAck, HasAckID: true, AckID: p.AckID, Data: json.RawMessage("[]")})
		}
	case PacketDisconnect:
		return ErrDisconnected
	case PacketConnectError:
		return fmt.Errorf("%w: %s", ErrDisconnected, string(p.Data))
	}
	return nil
}

func (c *Conn) dispatch(p Packet) {
	name, args, err := p.Event()
	if err != nil {
		c.logger.Warn("socketio: dropping malformed event", "err", err)
		return
	}
	if c.onEvent != nil {
		c.onEvent(name, args)
	}
}

func (c *Conn) writePacket(p Packet) error {
	return c.write(Frame(EngineMessage, p.Encode()))
}

func (c *Conn) write(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.ws.Close()

		if c.closing.Load() || c.onDisconnect == nil {
			return
		}
		c.onDisconnect(err)
	})
}
