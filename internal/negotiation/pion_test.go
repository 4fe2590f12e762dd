package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/channel"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/relaytest"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/webrtcpeer"
)

func newVNetFactories(t *testing.T) (webrtcpeer.Factory, webrtcpeer.Factory) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	var factories []webrtcpeer.Factory
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := webrtcpeer.NewAPI(config.Config{}, quietLogger(), func(se *webrtc.SettingEngine) {
			se.SetNet(n)
		})
		if err != nil {
			t.Fatalf("NewAPI: %v", err)
		}
		factories = append(factories, webrtcpeer.NewFactory(api, quietLogger()))
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return factories[0], factories[1]
}

func TestPairing_PionOverVirtualNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("runs two full peer connections")
	}

	relay := relaytest.New(relaytest.Options{})
	defer relay.Close()

	factoryA, factoryB := newVNetFactories(t)
	a := newPairPeer(t, relay.URL(), "demo", factoryA)
	b := newPairPeer(t, relay.URL(), "demo", factoryB)

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

	chatA, err := a.o.CreateChannel("chat")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	chatB := waitAdded(t, b, "chat")

	received := make(chan string, 1)
	chatB.OnMessage(func(text string) { received <- text })

	deadline := time.Now().Add(10 * time.Second)
	for chatA.State() != channel.StateOpen || chatB.State() != channel.StateOpen {
		if time.Now().After(deadline) {
			t.Fatalf("chat states a=%s b=%s, want open", chatA.State(), chatB.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := chatA.Send("hello from a"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if got != "hello from a" {
			t.Fatalf("b got %q", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for message on b")
	}

	for _, ch := range b.o.Channels() {
		if ch.Name() == DefaultChannelName("demo") {
			t.Fatalf("default channel visible on follower")
		}
	}
}
