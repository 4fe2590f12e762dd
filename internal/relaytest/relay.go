// Package relaytest runs an in-process signaling relay for tests: the HTTP
// auth-check and rtcConfig endpoints plus a Socket.IO room server that pairs
// two clients per pairing code.
package relaytest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/socketio"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/turnrest"
)

const (
	SessionCookie = "relay_session"

	authCheckPath = "/api/auth/check"
	rtcConfigPath = "/api/webrtc/rtcConfig"
)

type Options struct {
	// ICEServers is served from rtcConfig. TURN entries get fresh credentials
	// when TURN is set.
	ICEServers []webrtc.ICEServer
	TURN       *turnrest.Generator
	// SecondJoinerLeads makes the second client in a room the leader instead
	// of the first.
	SecondJoinerLeads bool
	PingInterval      time.Duration
	Logger            *slog.Logger
}

type Relay struct {
	opts   Options
	logger *slog.Logger
	srv    *httptest.Server

	authChecks       atomic.Int64
	rtcConfigFetches atomic.Int64

	mu       sync.Mutex
	nextID   int
	sessions map[string]bool
	clients  map[string]*member
	rooms    map[string][]*member
}

type member struct {
	conn *socketio.ServerConn
	room string
}

func New(opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Relay{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]bool),
		clients:  make(map[string]*member),
		rooms:    make(map[string][]*member),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+authCheckPath, r.handleAuthCheck)
	mux.HandleFunc("GET "+rtcConfigPath, r.handleRTCConfig)
	mux.HandleFunc(socketio.DefaultPath, r.handleSocket)
	r.srv = httptest.NewServer(mux)
	return r
}

// URL is the relay's http base URL.
func (r *Relay) URL() string {
	return r.srv.URL
}

func (r *Relay) Close() {
	r.mu.Lock()
	for _, m := range r.clients {
		_ = m.conn.Close()
	}
	r.mu.Unlock()
	r.srv.Close()
}

func (r *Relay) AuthChecks() int64 {
	return r.authChecks.Load()
}

func (r *Relay) RTCConfigFetches() int64 {
	return r.rtcConfigFetches.Load()
}

// Members lists the client ids in room, in join order.
func (r *Relay) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms[room]))
	for _, m := range r.rooms[room] {
		ids = append(ids, m.conn.ID())
	}
	return ids
}

// Emit sends an arbitrary event to one client.
func (r *Relay) Emit(clientID, event string, args ...any) error {
	r.mu.Lock()
	m := r.clients[clientID]
	r.mu.Unlock()
	if m == nil {
		return fmt.Errorf("relaytest: unknown client %q", clientID)
	}
	return m.conn.Emit(event, args...)
}

// Disconnect drops one client from the server side.
func (r *Relay) Disconnect(clientID string) error {
	r.mu.Lock()
	m := r.clients[clientID]
	r.mu.Unlock()
	if m == nil {
		return fmt.Errorf("relaytest: unknown client %q", clientID)
	}
	return m.conn.Disconnect()
}

func (r *Relay) handleAuthCheck(w http.ResponseWriter, req *http.Request) {
	r.authChecks.Add(1)
	token := randomToken()
	r.mu.Lock()
	r.sessions[token] = true
	r.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: token, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

type iceServerJSON struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

func (r *Relay) handleRTCConfig(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	r.rtcConfigFetches.Add(1)

	servers := r.opts.ICEServers
	if r.opts.TURN != nil {
		var err error
		if servers, err = r.opts.TURN.ForICEServers(servers); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	out := make([]iceServerJSON, 0, len(servers))
	for _, s := range servers {
		cred, _ := s.Credential.(string)
		out = append(out, iceServerJSON{URLs: s.URLs, Username: s.Username, Credential: cred})
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": out})
}

func (r *Relay) handleSocket(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("peer-%d", r.nextID)
	r.mu.Unlock()

	conn, err := socketio.Accept(w, req, id, socketio.ServerOptions{
		Upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		PingInterval: r.opts.PingInterval,
	})
	if err != nil {
		r.logger.Debug("relay: accept failed", "err", err)
		return
	}
	m := &member{conn: conn}
	r.mu.Lock()
	r.clients[id] = m
	r.mu.Unlock()
	defer r.leave(m)

	for {
		event, args, err := conn.ReadEvent()
		if err != nil {
			return
		}
		r.logger.Debug("relay: event", "client", id, "event", event)
		switch event {
		case "join":
			r.join(m, args)
		case "trickle", "message":
			r.forward(m, event, args)
		}
	}
}

func (r *Relay) join(m *member, args []json.RawMessage) {
	var code string
	if len(args) == 0 || json.Unmarshal(args[0], &code) != nil || code == "" {
		return
	}

	r.mu.Lock()
	if m.room != "" || len(r.rooms[code]) >= 2 {
		r.mu.Unlock()
		return
	}
	m.room = code
	r.rooms[code] = append(r.rooms[code], m)
	members := append([]*member(nil), r.rooms[code]...)
	r.mu.Unlock()

	_ = m.conn.Emit("joined", code, m.conn.ID())
	if len(members) < 2 {
		return
	}
	leader := members[0].conn.ID()
	if r.opts.SecondJoinerLeads {
		leader = members[1].conn.ID()
	}
	for _, peer := range members {
		_ = peer.conn.Emit("ready", code, leader)
	}
}

func (r *Relay) forward(from *member, event string, args []json.RawMessage) {
	r.mu.Lock()
	var to []*member
	for _, m := range r.rooms[from.room] {
		if m != from {
			to = append(to, m)
		}
	}
	r.mu.Unlock()

	items := make([]any, len(args))
	for i, a := range args {
		items[i] = a
	}
	for _, m := range to {
		_ = m.conn.Emit(event, items...)
	}
}

func (r *Relay) leave(m *member) {
	_ = m.conn.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, m.conn.ID())
	if m.room == "" {
		return
	}
	members := r.rooms[m.room]
	for i, other := range members {
		if other == m {
			r.rooms[m.room] = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	if len(r.rooms[m.room]) == 0 {
		delete(r.rooms, m.room)
	}
}

func (r *Relay) authorized(req *http.Request) bool {
	c, err := req.Cookie(SessionCookie)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[c.Value]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
