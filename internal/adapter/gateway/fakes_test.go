package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// fakeClock fires timers only when advanced. Callbacks run on the caller of
// Advance, outside the clock's lock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// active counts armed timers created with duration d.
func (c *fakeClock) active(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.d == d && !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// wireRequest is a request frame as seen by the fake gateway.
type wireRequest struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeGateway accepts websocket connections and hands them to the test,
// which scripts the server side.
type fakeGateway struct {
	srv     *httptest.Server
	accepts atomic.Int32
	conns   chan *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{conns: make(chan *websocket.Conn, 8)}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		g.accepts.Add(1)
		g.conns <- conn
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-g.conns:
		t.Cleanup(func() { _ = c.CloseNow() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := wsjson.Write(testCtx(t), conn, v); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func readRequest(t *testing.T, conn *websocket.Conn) wireRequest {
	t.Helper()
	var req wireRequest
	if err := wsjson.Read(testCtx(t), conn, &req); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if req.Type != "req" {
		t.Fatalf("expected req frame, got %q", req.Type)
	}
	return req
}

func respond(t *testing.T, conn *websocket.Conn, id string, payload any) {
	t.Helper()
	writeFrame(t, conn, map[string]any{"type": "res", "id": id, "ok": true, "payload": payload})
}

func sendChallenge(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":    "event",
		"event":   "connect.challenge",
		"payload": map[string]any{"nonce": "abc", "ts": 1000},
	})
}

// serveHandshake runs the server side of a successful handshake and returns
// the connect request the client sent.
func serveHandshake(t *testing.T, conn *websocket.Conn) wireRequest {
	t.Helper()
	sendChallenge(t, conn)
	req := readRequest(t, conn)
	if req.Method != "connect" {
		t.Fatalf("expected connect, got %q", req.Method)
	}
	respond(t, conn, req.ID, map[string]any{
		"protocol": 3,
		"features": map[string]any{"methods": []string{"sessions.list"}, "events": []string{"chat", "agent"}},
	})
	return req
}

func newTestClient(g *fakeGateway, clock *fakeClock, token string) *Client {
	return New(Options{
		URL:       g.url(),
		Token:     token,
		AfterFunc: clock.AfterFunc,
		Now:       clock.Now,
	})
}

// connected returns a client that has completed a handshake with g, and the
// server side of its connection.
func connected(t *testing.T, g *fakeGateway, clock *fakeClock) (*Client, *websocket.Conn) {
	t.Helper()
	c := newTestClient(g, clock, "")
	errc := make(chan error, 1)
	go func() {
		_, err := c.Connect(testCtx(t))
		errc <- err
	}()
	conn := g.accept(t)
	serveHandshake(t, conn)
	if err := <-errc; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Drop the server side first so Disconnect does not wait for a close
	// handshake nobody answers.
	t.Cleanup(func() {
		_ = conn.CloseNow()
		c.Disconnect()
	})
	return c, conn
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
