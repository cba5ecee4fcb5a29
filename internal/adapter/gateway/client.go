// Package gateway implements the client side of the gateway socket protocol:
// the connection lifecycle, the challenge handshake, correlated
// request/response calls and event fan-out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Strob0t/crabwalk/internal/domain/protocol"
)

// Defaults for Options.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultReconnectDelay   = 5 * time.Second

	// maxFrameBytes bounds a single inbound frame. sessions.list replies can
	// be far larger than the websocket library's default limit.
	maxFrameBytes = 16 << 20
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Event is an inbound gateway event, as delivered to listeners.
type Event struct {
	Name         string
	Payload      json.RawMessage
	Seq          *int64
	StateVersion *protocol.StateVersion
	ReceivedAt   time.Time
}

// Metrics receives client telemetry. All methods must be safe for concurrent
// use.
type Metrics interface {
	FrameReceived(ctx context.Context, frameType string)
	ParseError(ctx context.Context)
	// StartRequest is called before a request is sent; the returned function
	// is called once with the outcome.
	StartRequest(ctx context.Context, method string) (context.Context, func(err error))
	Reconnect(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) FrameReceived(context.Context, string) {}
func (noopMetrics) ParseError(context.Context)            {}
func (noopMetrics) Reconnect(context.Context)             {}
func (noopMetrics) StartRequest(ctx context.Context, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Options configures a Client. Zero durations take the package defaults.
type Options struct {
	URL   string
	Token string // optional bearer token sent in the connect request
	// TokenSource, when set, is read on every connect and overrides Token.
	TokenSource func() string

	// Client identifies this process to the gateway. ID defaults to
	// "crabwalk"; InstanceID is generated per Client when empty.
	Client protocol.ClientInfo

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	// ReconnectDelay is the wait between an unexpected close and the next
	// connect. A failed reconnect re-arms the timer, so retries repeat at this
	// interval until one succeeds or Disconnect is called. At most one
	// reconnect timer is pending at a time.
	ReconnectDelay time.Duration

	Logger  *slog.Logger
	Metrics Metrics

	// AfterFunc and Now replace the wall clock in tests.
	AfterFunc AfterFunc
	Now       func() time.Time
}

// Client maintains one logical connection to the gateway. It is safe for
// concurrent use.
type Client struct {
	opts    Options
	log     *slog.Logger
	metrics Metrics
	nextID  atomic.Uint64

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	hello          *protocol.HelloOK
	attempt        *connectAttempt
	pending        map[string]*pendingCall
	listeners      []eventListener
	stateListeners []func(State)
	listenerSeq    uint64
	reconnectTimer Timer
	explicitClose  bool
}

// connectAttempt is one in-flight handshake. It is finished exactly once.
type connectAttempt struct {
	done       chan struct{}
	conn       *websocket.Conn
	timer      Timer
	challenged bool
	finished   bool

	hello *protocol.HelloOK
	err   error
}

func (a *connectAttempt) wait(ctx context.Context) (*protocol.HelloOK, error) {
	select {
	case <-a.done:
		return a.hello, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCall is owned by whoever removes it from Client.pending; only that
// party sends on ch.
type pendingCall struct {
	method string
	ch     chan callResult
	timer  Timer
}

func (p *pendingCall) finish(r callResult) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- r
}

type eventListener struct {
	id uint64
	fn func(Event)
}

// New returns a disconnected Client.
func New(opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Client.ID == "" {
		opts.Client.ID = "crabwalk"
	}
	if opts.Client.Version == "" {
		opts.Client.Version = "dev"
	}
	if opts.Client.Platform == "" {
		opts.Client.Platform = runtime.GOOS
	}
	if opts.Client.Mode == "" {
		opts.Client.Mode = "backend"
	}
	if opts.Client.InstanceID == "" {
		opts.Client.InstanceID = uuid.NewString()
	}

	m := opts.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		opts:    opts,
		log:     log.With("component", "gateway"),
		metrics: m,
		state:   StateDisconnected,
		pending: make(map[string]*pendingCall),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hello returns the handshake result of the current connection, or nil.
func (c *Client) Hello() *protocol.HelloOK {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Connect opens the socket and performs the handshake. When already
// connected it returns the existing handshake result; a call made while a
// handshake is in flight waits for that handshake.
func (c *Client) Connect(ctx context.Context) (*protocol.HelloOK, error) {
	return c.connect(ctx, false)
}

// connect is Connect with a guard for timer-driven reconnects: once
// Disconnect has run, a reconnect timer that already fired must not open a
// new attempt or clear explicitClose.
func (c *Client) connect(ctx context.Context, fromTimer bool) (*protocol.HelloOK, error) {
	c.mu.Lock()
	if fromTimer && c.explicitClose {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: reconnect cancelled", ErrDisconnected)
	}
	if c.state == StateConnected && c.hello != nil {
		h := c.hello
		c.mu.Unlock()
		return h, nil
	}
	if a := c.attempt; a != nil {
		c.mu.Unlock()
		return a.wait(ctx)
	}

	a := &connectAttempt{done: make(chan struct{})}
	c.attempt = a
	c.explicitClose = false
	a.timer = c.opts.AfterFunc(c.opts.HandshakeTimeout, func() {
		c.finishAttempt(a, nil, fmt.Errorf("%w after %s", ErrConnectionTimeout, c.opts.HandshakeTimeout))
	})
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notify()

	c.log.Info("connecting to gateway", "url", c.opts.URL)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w: dial %s", ErrConnectionTimeout, c.opts.URL)
		} else {
			err = fmt.Errorf("%w: dial %s: %v", ErrConnection, c.opts.URL, err)
		}
		c.finishAttempt(a, nil, err)
		return a.wait(ctx)
	}
	conn.SetReadLimit(maxFrameBytes)

	c.mu.Lock()
	if a.finished {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return a.wait(ctx)
	}
	a.conn = conn
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return a.wait(ctx)
}

// finishAttempt completes a handshake attempt. Only the first call for a
// given attempt has any effect.
func (c *Client) finishAttempt(a *connectAttempt, hello *protocol.HelloOK, err error) {
	c.mu.Lock()
	if a.finished {
		c.mu.Unlock()
		if hello != nil {
			c.log.Debug("ignoring redundant handshake completion")
		}
		return
	}
	a.finished = true
	a.hello, a.err = hello, err
	if a.timer != nil {
		a.timer.Stop()
	}

	notify := func() {}
	var stale *websocket.Conn
	var failed []*pendingCall
	if c.attempt == a {
		c.attempt = nil
		if err == nil {
			c.hello = hello
			notify = c.setStateLocked(StateConnected)
		} else {
			stale = c.conn
			c.conn = nil
			failed = c.takeAllPendingLocked()
			notify = c.setStateLocked(StateDisconnected)
		}
	}
	c.mu.Unlock()

	failAll(failed, ErrDisconnected)
	if stale != nil {
		_ = stale.CloseNow()
	}
	notify()
	close(a.done)

	if err != nil {
		c.log.Warn("gateway handshake failed", "url", c.opts.URL, "error", err)
		return
	}
	c.log.Info("gateway connected", "url", c.opts.URL, "protocol", hello.Protocol)
}

// Request sends method with params and waits for the matching response.
// It fails immediately with ErrDisconnected when not connected.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrDisconnected, method)
	}

	ctx, end := c.metrics.StartRequest(ctx, method)
	payload, err := c.roundTrip(ctx, conn, method, params, c.opts.RequestTimeout)
	end(err)
	return payload, err
}

// Call is Request with the response payload decoded into T.
func Call[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var out T
	payload, err := c.Request(ctx, method, params)
	if err != nil {
		return out, err
	}
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s result: %v", protocol.ErrParse, method, err)
	}
	return out, nil
}

// ListSessions queries sessions.list.
func (c *Client) ListSessions(ctx context.Context, params protocol.ListSessionsParams) ([]protocol.SessionInfo, error) {
	res, err := Call[protocol.ListSessionsResult](ctx, c, protocol.MethodSessionsList, params)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return res.Sessions, nil
}

func (c *Client) roundTrip(ctx context.Context, conn *websocket.Conn, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = b
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	data, err := protocol.Encode(&protocol.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, err
	}

	call := &pendingCall{method: method, ch: make(chan callResult, 1)}
	c.mu.Lock()
	c.pending[id] = call
	call.timer = c.opts.AfterFunc(timeout, func() {
		if p := c.takePending(id); p != nil {
			c.log.Warn("gateway request timed out", "method", method, "id", id, "timeout", timeout)
			p.finish(callResult{err: fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)})
		}
	})
	c.mu.Unlock()

	// A cancelled write context closes the socket, so writes get their own
	// deadline instead of the caller's cancellation.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	err = conn.Write(wctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		if p := c.takePending(id); p != nil {
			p.finish(callResult{err: fmt.Errorf("%w: write %s: %v", ErrDisconnected, method, err)})
		}
	}

	select {
	case r := <-call.ch:
		return r.payload, r.err
	case <-ctx.Done():
		if p := c.takePending(id); p != nil {
			p.finish(callResult{err: ctx.Err()})
		}
		r := <-call.ch
		return r.payload, r.err
	}
}

// takePending removes and returns the pending call for id, or nil when it
// was already resolved. Removal under the lock is what makes a response and
// a timeout for the same id mutually exclusive.
func (c *Client) takePending(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Client) takeAllPendingLocked() []*pendingCall {
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		out = append(out, p)
		delete(c.pending, id)
	}
	return out
}

func failAll(calls []*pendingCall, err error) {
	for _, p := range calls {
		p.finish(callResult{err: fmt.Errorf("%w: %s", err, p.method)})
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleFrame(ctx, conn, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		c.metrics.ParseError(ctx)
		c.log.Warn("dropping malformed gateway frame", "error", err, "bytes", len(data))
		return
	}

	switch f := frame.(type) {
	case *protocol.Response:
		c.metrics.FrameReceived(ctx, protocol.TypeResponse)
		p := c.takePending(f.ID)
		if p == nil {
			c.log.Debug("dropping late gateway response", "id", f.ID)
			return
		}
		if f.OK {
			p.finish(callResult{payload: f.Payload})
			return
		}
		re := &RemoteError{Method: p.method, Message: "request failed"}
		if f.Error != nil {
			re.Code, re.Message = f.Error.Code, f.Error.Message
		}
		p.finish(callResult{err: re})

	case *protocol.HelloOK:
		c.metrics.FrameReceived(ctx, protocol.TypeHelloOK)
		c.mu.Lock()
		a := c.attempt
		c.mu.Unlock()
		if a == nil || a.conn != conn {
			c.log.Debug("ignoring hello-ok outside a handshake")
			return
		}
		c.finishAttempt(a, f, nil)

	case *protocol.EventFrame:
		c.metrics.FrameReceived(ctx, protocol.TypeEvent)
		if f.Event == protocol.EventConnectChallenge {
			c.handleChallenge(conn, f)
			return
		}
		c.dispatch(Event{
			Name:         f.Event,
			Payload:      f.Payload,
			Seq:          f.Seq,
			StateVersion: f.StateVersion,
			ReceivedAt:   c.opts.Now(),
		})

	case *protocol.Request:
		c.metrics.FrameReceived(ctx, protocol.TypeRequest)
		c.log.Debug("ignoring gateway request", "method", f.Method)
	}
}

func (c *Client) handleChallenge(conn *websocket.Conn, f *protocol.EventFrame) {
	c.mu.Lock()
	a := c.attempt
	if a == nil || a.conn != conn || a.challenged {
		c.mu.Unlock()
		c.log.Debug("ignoring unexpected connect challenge")
		return
	}
	a.challenged = true
	c.mu.Unlock()

	var ch protocol.Challenge
	if err := json.Unmarshal(f.Payload, &ch); err != nil {
		c.log.Debug("connect challenge without payload", "error", err)
	}
	c.log.Debug("received connect challenge", "ts", ch.TS)

	// The response arrives on this read loop, so the request must not block it.
	go c.sendConnect(conn, a)
}

func (c *Client) sendConnect(conn *websocket.Conn, a *connectAttempt) {
	params := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client:      c.opts.Client,
	}
	token := c.opts.Token
	if c.opts.TokenSource != nil {
		token = c.opts.TokenSource()
	}
	if token != "" {
		params.Auth = &protocol.Auth{Token: token}
	}

	payload, err := c.roundTrip(context.Background(), conn, protocol.MethodConnect, params, c.opts.HandshakeTimeout)
	if err != nil {
		var re *RemoteError
		switch {
		case errors.As(err, &re):
			err = fmt.Errorf("%w: %w", ErrAuthFailure, re)
		case errors.Is(err, ErrRequestTimeout):
			err = fmt.Errorf("%w: no connect response", ErrConnectionTimeout)
		default:
			err = fmt.Errorf("%w: connect: %v", ErrConnection, err)
		}
		c.finishAttempt(a, nil, err)
		return
	}

	hello := &protocol.HelloOK{}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, hello); err != nil {
			c.finishAttempt(a, nil, fmt.Errorf("%w: hello-ok payload: %v", ErrConnection, err))
			return
		}
	}
	c.finishAttempt(a, hello, nil)
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Replaced or already torn down by Disconnect or a failed handshake.
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	a := c.attempt
	c.conn, c.hello = nil, nil
	failed := c.takeAllPendingLocked()

	status := websocket.CloseStatus(err)
	rearm := wasConnected && !c.explicitClose && status != websocket.StatusNormalClosure && c.reconnectTimer == nil
	if rearm {
		c.reconnectTimer = c.opts.AfterFunc(c.opts.ReconnectDelay, c.reconnect)
	}
	notify := func() {}
	if a == nil {
		notify = c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	failAll(failed, ErrDisconnected)
	if a != nil {
		c.finishAttempt(a, nil, fmt.Errorf("%w: closed during handshake: %v", ErrConnection, err))
	}
	notify()

	if rearm {
		c.log.Warn("gateway connection lost, reconnect scheduled",
			"status", int(status), "error", err, "delay", c.opts.ReconnectDelay)
	} else if wasConnected {
		c.log.Info("gateway connection closed", "status", int(status))
	}
}

// reconnect runs when the reconnect timer fires. A failed attempt arms the
// timer again until Disconnect is called.
func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.explicitClose {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx := context.Background()
	c.metrics.Reconnect(ctx)
	c.log.Info("reconnecting to gateway", "url", c.opts.URL)

	if _, err := c.connect(ctx, true); err != nil {
		c.mu.Lock()
		if !c.explicitClose && c.reconnectTimer == nil && c.state == StateDisconnected {
			c.reconnectTimer = c.opts.AfterFunc(c.opts.ReconnectDelay, c.reconnect)
		}
		c.mu.Unlock()
	}
}

// Disconnect cancels any pending reconnect, fails outstanding requests with
// ErrDisconnected and closes the socket with a normal closure. No reconnect
// follows until Connect is called again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.explicitClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	a := c.attempt
	conn := c.conn
	c.conn, c.hello = nil, nil
	failed := c.takeAllPendingLocked()
	notify := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if a != nil {
		c.finishAttempt(a, nil, fmt.Errorf("%w: disconnect during handshake", ErrDisconnected))
	}
	failAll(failed, ErrDisconnected)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	notify()
}

// OnEvent registers fn for every inbound event except the handshake
// challenge. Listeners run synchronously on the read loop in registration
// order; a panicking listener is logged and does not affect the others.
func (c *Client) OnEvent(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	c.listenerSeq++
	id := c.listenerSeq
	c.listeners = append(c.listeners, eventListener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// OnStateChange registers fn for connection state transitions.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.stateListeners = append(c.stateListeners, fn)
	c.mu.Unlock()
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	ls := make([]eventListener, len(c.listeners))
	copy(ls, c.listeners)
	c.mu.Unlock()

	for _, l := range ls {
		c.invoke(ev.Name, func() { l.fn(ev) })
	}
}

func (c *Client) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("gateway listener panicked", "event", name, "panic", r)
		}
	}()
	fn()
}

// setStateLocked records s and returns a function that notifies state
// listeners; call it after releasing c.mu.
func (c *Client) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	ls := make([]func(State), len(c.stateListeners))
	copy(ls, c.stateListeners)
	return func() {
		for _, fn := range ls {
			c.invoke("state:"+string(s), func() { fn(s) })
		}
	}
}
