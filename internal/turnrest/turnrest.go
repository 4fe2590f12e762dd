// Package turnrest mints coturn-compatible TURN REST credentials and stamps
// them onto the TURN entries of an rtcConfig ICE server list.
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type Generator struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string
	now            func() time.Time
	newSessionID   func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
	// NewSessionID supplies the last username segment for ForICEServers.
	// Defaults to 16 random bytes, hex encoded.
	NewSessionID func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: TTL must be at least 1s")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("turnrest: username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = randomSessionID
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTL,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		newSessionID:   cfg.NewSessionID,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("turnrest: session id is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("turnrest: session id must not contain ':'")
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.usernamePrefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(g.sharedSecret, username),
		Expires:    expires,
	}, nil
}

// ForICEServers returns a copy of servers with fresh credentials on every
// entry that lists a turn: or turns: URL. STUN-only entries keep whatever
// they had.
func (g *Generator) ForICEServers(servers []webrtc.ICEServer) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)

	var creds *Credentials
	for i, server := range out {
		if !hasTURNURL(server) {
			continue
		}
		if creds == nil {
			sessionID, err := g.newSessionID()
			if err != nil {
				return nil, err
			}
			c, err := g.Generate(sessionID)
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[i].Username = creds.Username
		out[i].Credential = creds.Credential
	}
	return out, nil
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func randomSessionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
