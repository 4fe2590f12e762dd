package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/notify"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/socketio"
)

const defaultHTTPTimeout = 10 * time.Second

type ClientConfig struct {
	// BaseURL is the relay's http(s) origin, e.g. https://signaling.example.com.
	BaseURL     string
	PairingCode string
	// SocketPath defaults to socketio.DefaultPath.
	SocketPath  string
	HTTPTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Client is one logical connection to the signaling relay. The HTTP
// side-channel and the Socket.IO transport share a cookie jar, so the session
// established by the auth check authenticates the realtime connection.
type Client struct {
	baseURL     string
	pairingCode string
	socketPath  string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	jar         http.CookieJar
	http        *http.Client

	listeners notify.List[Event]

	mu       sync.Mutex
	conn     *socketio.Conn
	clientID string
	// dialed is closed once conn is set, so the read loop never classifies
	// an event before this client knows its own session id.
	dialed chan struct{}
}

func New(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("signaling: invalid base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("signaling: invalid base url %q", cfg.BaseURL)
	}
	if cfg.PairingCode == "" {
		return nil, errors.New("signaling: pairing code is required")
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     strings.TrimRight(u.String(), "/"),
		pairingCode: cfg.PairingCode,
		socketPath:  cfg.SocketPath,
		logger:      logger.With("pairing_code", cfg.PairingCode),
		metrics:     cfg.Metrics,
		jar:         jar,
		http:        &http.Client{Timeout: timeout, Jar: jar},
		dialed:      make(chan struct{}),
	}, nil
}

// Connect runs the auth check, opens the realtime transport with the
// resulting cookie, and joins the room named by the pairing code. Any failure
// is fatal; nothing is retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: already connected", ErrTransport)
	}
	c.mu.Unlock()

	if err := c.authCheck(ctx); err != nil {
		return err
	}

	conn, err := socketio.Dial(ctx, c.baseURL, socketio.DialOptions{
		Path:         c.socketPath,
		Jar:          c.jar,
		Logger:       c.logger,
		OnEvent:      c.handleEvent,
		OnDisconnect: c.handleDisconnect,
	})
	if err != nil {
		return fmt.Errorf("%w: connect: %v", ErrTransport, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	close(c.dialed)

	c.metrics.Inc(metrics.SignalingConnected)
	c.logger.Info("signaling connected", "sid", conn.ID())

	if err := c.Emit(EventJoin, c.pairingCode); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// Subscribe registers fn for every relay notification. Notifications are
// delivered from the transport's read goroutine in arrival order; fn must
// not block.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.listeners.Add(fn)
}

// Emit sends one event to the relay. It does not wait for delivery.
func (c *Client) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	if err := conn.Emit(event, payload); err != nil {
		c.metrics.Inc(metrics.SignalingEmitErrors)
		return fmt.Errorf("%w: emit %s: %v", ErrTransport, event, err)
	}
	return nil
}

// ID is the session id assigned by the relay's transport handshake. It is
// empty before Connect succeeds.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.ID()
}

// ClientID is the id reported by the relay's "joined" event.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) handleEvent(name string, args []json.RawMessage) {
	<-c.dialed
	c.metrics.Inc(metrics.SignalingEvents)

	ev, err := decodeEvent(name, args, c.ID())
	if err != nil {
		c.metrics.Inc(metrics.ProtocolErrors)
		c.logger.Warn("dropping malformed relay event", "event", name, "err", err)
		return
	}
	if ev == nil {
		c.logger.Debug("ignoring relay event", "event", name)
		return
	}

	switch ev := ev.(type) {
	case ReadyEvent:
		c.logger.Info("signaling ready", "leader", ev.LeaderID, "is_leader", ev.Leader)
	case JoinedEvent:
		c.mu.Lock()
		c.clientID = ev.ClientID
		c.mu.Unlock()
		c.logger.Info("joined room", "room", ev.Room, "client_id", ev.ClientID)
	case TrickleEvent:
		c.logger.Debug("peer trickle ready", "pair_code", ev.PairCode)
	case MessageEvent:
		c.logger.Debug("signaling message received", "bytes", len(ev.Payload))
	}
	c.listeners.Emit(ev)
}

func (c *Client) handleDisconnect(err error) {
	c.metrics.Inc(metrics.SignalingDisconnected)
	c.logger.Warn("signaling disconnected", "err", err)
	c.listeners.Emit(DisconnectedEvent{Err: fmt.Errorf("%w: %v", ErrTransport, err)})
}
