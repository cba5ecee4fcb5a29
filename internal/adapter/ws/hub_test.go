package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Strob0t/crabwalk/internal/domain/monitor"
)

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub(nil)

	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), Message{
		Type:    "test",
		Payload: []byte(`{"key":"value"}`),
	})
}

func TestHubBroadcastEventMarshalError(t *testing.T) {
	hub := NewHub(nil)

	// A channel cannot be marshaled to JSON; it should log, not panic.
	hub.BroadcastEvent(context.Background(), "bad", make(chan int))
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub(nil)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.remove(&conn{cancel: cancel})
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg Message
	if err := wsjson.Read(ctx, c, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubSnapshotAndBroadcast(t *testing.T) {
	hub := NewHub(nil)
	hub.SetSnapshot(func(context.Context) (Message, error) {
		return Message{Type: EventSnapshot, Payload: json.RawMessage(`{"sessions":[]}`)}, nil
	})

	c := dialHub(t, hub)

	if msg := readMessage(t, c); msg.Type != EventSnapshot {
		t.Fatalf("first message = %q, want %q", msg.Type, EventSnapshot)
	}
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	hub.BroadcastEvent(context.Background(), EventSession, SessionEvent{
		Session: monitor.NewSession("agent:main:discord:1"),
	})

	msg := readMessage(t, c)
	if msg.Type != EventSession {
		t.Fatalf("type = %q, want %q", msg.Type, EventSession)
	}
	var ev SessionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Session.Key != "agent:main:discord:1" || ev.Session.Platform != "discord" {
		t.Errorf("unexpected payload %+v", ev)
	}
}

func TestHubSnapshotErrorStillConnects(t *testing.T) {
	hub := NewHub(nil)
	hub.SetSnapshot(func(context.Context) (Message, error) {
		return Message{}, errors.New("store unavailable")
	})

	c := dialHub(t, hub)
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	hub.BroadcastEvent(context.Background(), EventGatewayState, GatewayStateEvent{State: "connected"})
	if msg := readMessage(t, c); msg.Type != EventGatewayState {
		t.Errorf("type = %q", msg.Type)
	}
}

func TestHubClientDisconnect(t *testing.T) {
	hub := NewHub(nil)
	c := dialHub(t, hub)
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	_ = c.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return hub.ConnectionCount() == 0 })
}

func TestHubClose(t *testing.T) {
	hub := NewHub(nil)
	c := dialHub(t, hub)
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	// Keep reading so the close handshake completes.
	done := make(chan error, 1)
	go func() {
		_, _, err := c.Read(context.Background())
		done <- err
	}()

	hub.Close()
	if hub.ConnectionCount() != 0 {
		t.Errorf("connections after Close = %d", hub.ConnectionCount())
	}
	if status := websocket.CloseStatus(<-done); status != websocket.StatusGoingAway {
		t.Errorf("close status = %d, want %d", status, websocket.StatusGoingAway)
	}
}

func TestNewExecEvent(t *testing.T) {
	code := 1
	p := monitor.ExecProcess{
		ID: "x", SessionKey: "s", Command: "ls", Status: monitor.ExecFailed, ExitCode: &code,
		Outputs: []monitor.OutputChunk{{Text: "abc"}, {Text: "de"}},
	}
	ev := NewExecEvent(p)
	if ev.OutputBytes != 5 || ev.ExitCode == nil || *ev.ExitCode != 1 || ev.Status != monitor.ExecFailed {
		t.Errorf("unexpected event %+v", ev)
	}
}
