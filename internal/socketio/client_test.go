package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type receivedEvent struct {
	name string
	args []json.RawMessage
}

func newEchoServer(t *testing.T, opts ServerOptions) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc(DefaultPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, "client-1", opts)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			name, args, err := conn.ReadEvent()
			if err != nil {
				return
			}
			switch name {
			case "kick":
				_ = conn.Disconnect()
				return
			default:
				items := make([]any, len(args))
				for i, a := range args {
					items[i] = a
				}
				_ = conn.Emit("echo:"+name, items...)
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestDialEmitAndReceive(t *testing.T) {
	srv := newEchoServer(t, ServerOptions{})

	events := make(chan receivedEvent, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, srv.URL, DialOptions{
		Logger: quietLogger(),
		OnEvent: func(name string, args []json.RawMessage) {
			events <- receivedEvent{name: name, args: args}
		},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if conn.ID() != "client-1" {
		t.Fatalf("ID=%q, want client-1", conn.ID())
	}
	if err := conn.Emit("join", "demo"); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case ev := <-events:
		if ev.name != "echo:join" || len(ev.args) != 1 || string(ev.args[0]) != `"demo"` {
			t.Fatalf("event=%s %v", ev.name, ev.args)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for echo")
	}
}

func TestServerPingsKeepConnectionAlive(t *testing.T) {
	srv := newEchoServer(t, ServerOptions{PingInterval: 50 * time.Millisecond, PingTimeout: 100 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, srv.URL, DialOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Several ping windows; the read deadline only holds if pongs flow.
	time.Sleep(500 * time.Millisecond)
	select {
	case <-conn.Done():
		t.Fatalf("connection dropped: %v", conn.Err())
	default:
	}
}

func TestServerDisconnectReported(t *testing.T) {
	srv := newEchoServer(t, ServerOptions{})

	disconnected := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, srv.URL, DialOptions{
		Logger:       quietLogger(),
		OnDisconnect: func(err error) { disconnected <- err },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Emit("kick"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case err := <-disconnected:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("err=%v, want ErrDisconnected", err)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for disconnect")
	}
	if err := conn.Emit("after"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Emit after disconnect err=%v, want ErrClosed", err)
	}
}

func TestLocalCloseDoesNotReportDisconnect(t *testing.T) {
	srv := newEchoServer(t, ServerOptions{})

	disconnected := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, srv.URL, DialOptions{
		Logger:       quietLogger(),
		OnDisconnect: func(err error) { disconnected <- err },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-conn.Done()
	if !errors.Is(conn.Err(), ErrClosed) {
		t.Fatalf("Err=%v, want ErrClosed", conn.Err())
	}
	select {
	case err := <-disconnected:
		t.Fatalf("unexpected OnDisconnect(%v)", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialRejectsNonSocketIOEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, srv.URL, DialOptions{Logger: quietLogger()}); err == nil {
		t.Fatalf("expected error, got nil")
	}
}
