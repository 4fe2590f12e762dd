package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/relaytest"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/turnrest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL, code string, m *metrics.Metrics) (*Client, <-chan Event) {
	t.Helper()
	c, err := New(ClientConfig{
		BaseURL:     baseURL,
		PairingCode: code,
		HTTPTimeout: 2 * time.Second,
		Logger:      quietLogger(),
		Metrics:     m,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := make(chan Event, 16)
	c.Subscribe(func(ev Event) { events <- ev })
	t.Cleanup(func() { _ = c.Close() })
	return c, events
}

func waitEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestClient_PairingFlow(t *testing.T) {
	relay := relaytest.New(relaytest.Options{})
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := metrics.New()
	a, aEvents := newTestClient(t, relay.URL(), "demo", m)
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("a.Connect: %v", err)
	}
	joined := waitEvent[JoinedEvent](t, aEvents)
	if joined.Room != "demo" || joined.ClientID != a.ID() {
		t.Fatalf("joined=%+v, want room demo client %s", joined, a.ID())
	}
	if a.ClientID() != a.ID() {
		t.Fatalf("ClientID=%q, want %q", a.ClientID(), a.ID())
	}

	b, bEvents := newTestClient(t, relay.URL(), "demo", nil)
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("b.Connect: %v", err)
	}

	aReady := waitEvent[ReadyEvent](t, aEvents)
	bReady := waitEvent[ReadyEvent](t, bEvents)
	if !aReady.Leader || bReady.Leader {
		t.Fatalf("leader flags a=%v b=%v, want first joiner to lead", aReady.Leader, bReady.Leader)
	}
	if aReady.LeaderID != a.ID() || bReady.LeaderID != a.ID() {
		t.Fatalf("leader ids a=%q b=%q, want %q", aReady.LeaderID, bReady.LeaderID, a.ID())
	}

	if err := b.Emit(EventTrickle, "demo"); err != nil {
		t.Fatalf("Emit trickle: %v", err)
	}
	if got := waitEvent[TrickleEvent](t, aEvents); got.PairCode != "demo" {
		t.Fatalf("trickle pair code=%q", got.PairCode)
	}

	offer, _ := SessionDescriptionMessage(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "A-SDP"})
	if err := a.Emit(EventMessage, offer); err != nil {
		t.Fatalf("Emit message: %v", err)
	}
	got := waitEvent[MessageEvent](t, bEvents)
	msg, err := ParseMessage(got.Payload)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != MessageTypeOffer || msg.SDP != "A-SDP" {
		t.Fatalf("msg=%+v", msg)
	}

	if m.Get(metrics.SignalingConnected) != 1 {
		t.Fatalf("signaling_connected=%d, want 1", m.Get(metrics.SignalingConnected))
	}
	if relay.AuthChecks() != 2 {
		t.Fatalf("auth checks=%d, want 2", relay.AuthChecks())
	}
}

func TestClient_FetchICEServersUsesSessionCookie(t *testing.T) {
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "pair",
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	relay := relaytest.New(relaytest.Options{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}},
		},
		TURN: gen,
	})
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _ := newTestClient(t, relay.URL(), "demo", nil)

	var httpErr *HTTPError
	if _, err := c.FetchICEServers(ctx); !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err=%v, want 401 HTTPError before auth check", err)
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	servers, err := c.FetchICEServers(ctx)
	if err != nil {
		t.Fatalf("FetchICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%d, want 2", len(servers))
	}
	if servers[1].Username == "" {
		t.Fatalf("turn server missing minted credentials: %+v", servers[1])
	}
}

func TestClient_ConnectFailsOnAuthCheckError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	m := metrics.New()
	c, _ := newTestClient(t, srv.URL, "demo", m)
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrHTTP) {
		t.Fatalf("err=%v, want ErrHTTP", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusForbidden || httpErr.Body != "nope" {
		t.Fatalf("err=%#v, want 403 with body", err)
	}
	if m.Get(metrics.HTTPRequestErrors) != 1 {
		t.Fatalf("http errors=%d, want 1", m.Get(metrics.HTTPRequestErrors))
	}
}

func TestClient_ConnectFailsWithoutSocketEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == authCheckPath {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, "demo", nil)
	if err := c.Connect(context.Background()); !errors.Is(err, ErrTransport) {
		t.Fatalf("err=%v, want ErrTransport", err)
	}
}

func TestClient_EmitBeforeConnect(t *testing.T) {
	c, _ := newTestClient(t, "http://127.0.0.1:1", "demo", nil)
	if err := c.Emit(EventTrickle, "demo"); !errors.Is(err, ErrTransport) {
		t.Fatalf("err=%v, want ErrTransport", err)
	}
}

func TestClient_DisconnectSurfacedOnce(t *testing.T) {
	relay := relaytest.New(relaytest.Options{})
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, events := newTestClient(t, relay.URL(), "demo", nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent[JoinedEvent](t, events)

	if err := relay.Disconnect(c.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	ev := waitEvent[DisconnectedEvent](t, events)
	if !errors.Is(ev.Err, ErrTransport) {
		t.Fatalf("err=%v, want ErrTransport", ev.Err)
	}
	if err := c.Emit(EventTrickle, "demo"); !errors.Is(err, ErrTransport) {
		t.Fatalf("emit after disconnect err=%v, want ErrTransport", err)
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	if _, err := New(ClientConfig{BaseURL: "ftp://x", PairingCode: "demo"}); err == nil {
		t.Fatalf("expected error for ftp base url")
	}
	if _, err := New(ClientConfig{BaseURL: "https://x.example"}); err == nil {
		t.Fatalf("expected error for missing pairing code")
	}
}
