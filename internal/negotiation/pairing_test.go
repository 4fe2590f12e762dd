package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/relaytest"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/webrtcpeer"
)

type pairPeer struct {
	o      *Orchestrator
	client *signaling.Client
	m      *metrics.Metrics
	added  chan *channel.Channel
}

func newPairPeer(t *testing.T, relayURL, code string, factory webrtcpeer.Factory) *pairPeer {
	t.Helper()
	m := metrics.New()
	client, err := signaling.New(signaling.ClientConfig{
		BaseURL:     relayURL,
		PairingCode: code,
		HTTPTimeout: 2 * time.Second,
		Logger:      quietLogger(),
		Metrics:     m,
	})
	if err != nil {
		t.Fatalf("signaling.New: %v", err)
	}
	o, err := New(Config{
		PairingCode:        code,
		NegotiationTimeout: 20 * time.Second,
		Logger:             quietLogger(),
		Metrics:            m,
	}, client, factory)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := &pairPeer{o: o, client: client, m: m, added: make(chan *channel.Channel, 8)}
	o.OnChannelAdded(func(ch *channel.Channel) { p.added <- ch })
	t.Cleanup(func() { _ = o.Close() })
	return p
}

func waitConnected(t *testing.T, peers ...*pairPeer) {
	t.Helper()
	for _, p := range peers {
		deadline := time.Now().Add(20 * time.Second)
		for p.o.State() != StateConnected {
			if p.o.State().Terminal() || time.Now().After(deadline) {
				t.Fatalf("state=%s, want connected", p.o.State())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func waitAdded(t *testing.T, p *pairPeer, name string) *channel.Channel {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ch := <-p.added:
			if ch.Name() == name {
				return ch
			}
		case <-timeout:
			t.Fatalf("timed out waiting for ChannelAdded(%q)", name)
			return nil
		}
	}
}

func TestPairing_EndToEndWithLinkedEngines(t *testing.T) {
	relay := relaytest.New(relaytest.Options{})
	defer relay.Close()

	net := &fakeNet{}
	a := newPairPeer(t, relay.URL(), "demo", net.factory)
	b := newPairPeer(t, relay.URL(), "demo", net.factory)

	var mu sync.Mutex
	var aStates []State
	a.o.OnStateChange(func(s State) {
		mu.Lock()
		aStates = append(aStates, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.o.Start(ctx); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	waitFor(t, "a joined", func() bool { return a.client.ClientID() != "" })
	if err := b.o.Start(ctx); err != nil {
		t.Fatalf("b.Start: %v", err)
	}

	waitConnected(t, a, b)

	// Engines are built in ready order, which the relay sends to a first
	// only by accident; find each side's engine by what it was asked to do.
	var leaderEngine, followerEngine *fakeEngine
	for i := 0; i < 2; i++ {
		e := net.engine(i)
		offers, answers, _, _, _ := e.snapshot()
		switch {
		case offers == 1 && answers == 0:
			leaderEngine = e
		case offers == 0 && answers == 1:
			followerEngine = e
		}
	}
	if leaderEngine == nil || followerEngine == nil {
		t.Fatalf("want one offering and one answering engine")
	}
	leaderEngine.mu.Lock()
	gotAnswer := leaderEngine.remote[0]
	leaderEngine.mu.Unlock()
	followerEngine.mu.Lock()
	gotOffer := followerEngine.remote[0]
	followerEngine.mu.Unlock()
	if gotOffer.SDP != "A-SDP" || gotAnswer.SDP != "B-SDP" {
		t.Fatalf("follower got %q, leader got %q; want A-SDP and B-SDP", gotOffer.SDP, gotAnswer.SDP)
	}

	if a.m.Get(metrics.OffersSent) != 1 || b.m.Get(metrics.AnswersSent) != 1 {
		t.Fatalf("offers a=%d answers b=%d, want 1 and 1", a.m.Get(metrics.OffersSent), b.m.Get(metrics.AnswersSent))
	}

	mu.Lock()
	want := []State{StateAwaitingEngineConfig, StateEngineReady, StateLeaderOfferPending, StateNegotiating, StateConnected}
	got := append([]State(nil), aStates...)
	mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("leader states=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("leader states=%v, want %v", got, want)
		}
	}

	if _, err := a.o.CreateChannel("chat"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	chat := waitAdded(t, b, "chat")
	if chat.State() != channel.StateOpen {
		t.Fatalf("remote chat state=%s, want open", chat.State())
	}
	for _, ch := range b.o.Channels() {
		if ch.Name() == DefaultChannelName("demo") {
			t.Fatalf("default channel visible on follower")
		}
	}
	if n := len(b.o.Channels()); n != 1 {
		t.Fatalf("follower channels=%d, want 1", n)
	}
}
