package gateway

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/campusly/presence/internal/channel"
	"github.com/campusly/presence/internal/protocol"
	"github.com/campusly/presence/internal/typing"
	"github.com/campusly/presence/internal/ws"
	"github.com/campusly/presence/internal/wsclient"
)

func TestResolveContext(t *testing.T) {
	tests := []struct {
		name     string
		msg      protocol.OpenContextMsg
		wantKey  string
		wantMode typing.Mode
		wantErr  bool
	}{
		{"direct", protocol.OpenContextMsg{Mode: "direct", PeerID: "bob"}, "dm:alice:bob", typing.ModeDirect, false},
		{"group", protocol.OpenContextMsg{Mode: "group", GroupID: "cs101"}, "group:cs101", typing.ModeGroup, false},
		{"explicit direct key", protocol.OpenContextMsg{ContextKey: "dm:alice:zed"}, "dm:alice:zed", typing.ModeDirect, false},
		{"explicit group key", protocol.OpenContextMsg{ContextKey: "group:x"}, "group:x", typing.ModeGroup, false},
		{"direct without peer", protocol.OpenContextMsg{Mode: "direct"}, "", "", true},
		{"direct with self", protocol.OpenContextMsg{Mode: "direct", PeerID: "alice"}, "", "", true},
		{"group without id", protocol.OpenContextMsg{Mode: "group"}, "", "", true},
		{"unknown mode", protocol.OpenContextMsg{Mode: "channel", GroupID: "x"}, "", "", true},
		{"foreign direct key", protocol.OpenContextMsg{ContextKey: "dm:bob:cy"}, "", "", true},
		{"non-canonical direct key", protocol.OpenContextMsg{ContextKey: "dm:zed:alice"}, "", "", true},
		{"malformed direct key", protocol.OpenContextMsg{ContextKey: "dm:alice"}, "", "", true},
		{"empty group key", protocol.OpenContextMsg{ContextKey: "group:"}, "", "", true},
		{"unknown key", protocol.OpenContextMsg{ContextKey: "room:1"}, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, mode, err := ResolveContext("alice", tt.msg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got key=%q", key)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if key != tt.wantKey || mode != tt.wantMode {
				t.Errorf("got (%q, %q), want (%q, %q)", key, mode, tt.wantKey, tt.wantMode)
			}
		})
	}
}

// frames collects the server frames of one type received by a client.
func frames(c *wsclient.Client, msgType string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 32)
	c.On(msgType, func(raw json.RawMessage) {
		select {
		case ch <- raw:
		default:
		}
	})
	return ch
}

func next(t *testing.T, ch <-chan json.RawMessage, v interface{}) {
	t.Helper()
	select {
	case raw := <-ch:
		if err := json.Unmarshal(raw, v); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func startGateway(t *testing.T, cfg typing.Config) (*Gateway, string) {
	t.Helper()

	transport := channel.NewInProcess(watermill.NopLogger{})
	g := New(transport, cfg, nil, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := ws.NewServer(ws.DefaultServerConfig(), nil, g.Dispatcher().Dispatch)
	g.Bind(server)

	go func() {
		if err := server.Serve(l); err != nil {
			t.Logf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		_ = server.Shutdown()
		_ = g.Close()
		_ = transport.Close()
	})
	return g, "ws://" + l.Addr().String() + "/ws"
}

func dial(t *testing.T, url, participant string) *wsclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := wsclient.Dial(ctx, url+"?participant="+participant)
	if err != nil {
		t.Fatalf("dial %s: %v", participant, err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.WaitForSession(ctx); err != nil {
		t.Fatalf("session for %s: %v", participant, err)
	}
	if got := c.ParticipantID(); got != participant {
		t.Fatalf("participant = %q, want %q", got, participant)
	}
	return c
}

func TestGateway_TypingRoundTrip(t *testing.T) {
	g, url := startGateway(t, typing.Config{
		ExpiryWindow:     400 * time.Millisecond,
		ThrottleInterval: 200 * time.Millisecond,
		SweepInterval:    50 * time.Millisecond,
	})

	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	aliceOpened := frames(alice, protocol.TypeContextOpened)
	bobOpened := frames(bob, protocol.TypeContextOpened)
	bobTypists := frames(bob, protocol.TypeTypists)
	aliceTypists := frames(alice, protocol.TypeTypists)

	if err := alice.OpenDirect("bob"); err != nil {
		t.Fatalf("alice open: %v", err)
	}
	if err := bob.OpenDirect("alice"); err != nil {
		t.Fatalf("bob open: %v", err)
	}

	var opened protocol.ContextOpenedMsg
	next(t, aliceOpened, &opened)
	if opened.ContextKey != "dm:alice:bob" || opened.Channel != "typing:dm:alice:bob" {
		t.Fatalf("alice context_opened = %+v", opened)
	}
	next(t, bobOpened, &opened)

	if n := g.OpenContexts(); n != 2 {
		t.Fatalf("OpenContexts = %d, want 2", n)
	}

	if err := alice.Typing("dm:alice:bob"); err != nil {
		t.Fatalf("typing: %v", err)
	}

	var typists protocol.TypistsMsg
	next(t, bobTypists, &typists)
	if typists.ContextKey != "dm:alice:bob" || len(typists.Participants) != 1 || typists.Participants[0] != "alice" {
		t.Fatalf("bob typists = %+v", typists)
	}
	if typists.Text != "alice is typing…" {
		t.Errorf("text = %q", typists.Text)
	}

	next(t, bobTypists, &typists)
	if len(typists.Participants) != 0 || typists.Text != "" {
		t.Fatalf("expected cleared indicator, got %+v", typists)
	}

	select {
	case raw := <-aliceTypists:
		t.Fatalf("alice saw her own typing: %s", raw)
	default:
	}
}

func TestGateway_Errors(t *testing.T) {
	_, url := startGateway(t, typing.DefaultConfig())
	c := dial(t, url, "cy")
	errs := frames(c, protocol.TypeError)

	var e protocol.ErrorMsg

	if err := c.Typing("group:never-opened"); err != nil {
		t.Fatalf("send: %v", err)
	}
	next(t, errs, &e)
	if e.Code != protocol.CodeNotOpen {
		t.Errorf("code = %q, want %q", e.Code, protocol.CodeNotOpen)
	}

	if err := c.OpenDirect("cy"); err != nil {
		t.Fatalf("send: %v", err)
	}
	next(t, errs, &e)
	if e.Code != protocol.CodeInvalidContext {
		t.Errorf("code = %q, want %q", e.Code, protocol.CodeInvalidContext)
	}

	if err := c.CloseContext("group:never-opened"); err != nil {
		t.Fatalf("send: %v", err)
	}
	next(t, errs, &e)
	if e.Code != protocol.CodeNotOpen {
		t.Errorf("code = %q, want %q", e.Code, protocol.CodeNotOpen)
	}

	if err := c.Send(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	next(t, errs, &e)
	if e.Code != protocol.CodeInvalidMessage {
		t.Errorf("code = %q, want %q", e.Code, protocol.CodeInvalidMessage)
	}
}

func TestGateway_CloseAndDisconnectReleaseContexts(t *testing.T) {
	g, url := startGateway(t, typing.DefaultConfig())
	c := dial(t, url, "dee")
	opened := frames(c, protocol.TypeContextOpened)
	closed := frames(c, protocol.TypeContextClosed)

	var om protocol.ContextOpenedMsg
	for _, group := range []string{"a", "b"} {
		if err := c.OpenGroup(group); err != nil {
			t.Fatalf("open: %v", err)
		}
		next(t, opened, &om)
	}
	if n := g.OpenContexts(); n != 2 {
		t.Fatalf("OpenContexts = %d, want 2", n)
	}

	if err := c.CloseContext("group:a"); err != nil {
		t.Fatalf("close: %v", err)
	}
	var cm protocol.ContextClosedMsg
	next(t, closed, &cm)
	if cm.ContextKey != "group:a" {
		t.Fatalf("context_closed = %+v", cm)
	}
	if n := g.OpenContexts(); n != 1 {
		t.Fatalf("OpenContexts after close = %d, want 1", n)
	}

	c.Close()
	deadline := time.Now().Add(3 * time.Second)
	for g.OpenContexts() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("disconnect left %d contexts open", g.OpenContexts())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
