package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/crabwalk/internal/adapter/gateway"
	"github.com/Strob0t/crabwalk/internal/adapter/ws"
	"github.com/Strob0t/crabwalk/internal/domain"
	"github.com/Strob0t/crabwalk/internal/domain/event"
	"github.com/Strob0t/crabwalk/internal/domain/layout"
	"github.com/Strob0t/crabwalk/internal/domain/monitor"
	"github.com/Strob0t/crabwalk/internal/domain/protocol"
	"github.com/Strob0t/crabwalk/internal/port/broadcast"
	"github.com/Strob0t/crabwalk/internal/port/cache"
	"github.com/Strob0t/crabwalk/internal/port/messagequeue"
	"github.com/Strob0t/crabwalk/internal/resilience"
)

const pinKeyPrefix = "pin:"

const (
	defaultRelayBuffer  = 1024
	defaultRelayTimeout = 5 * time.Second
)

// Gateway is the subset of the gateway client the monitor depends on.
type Gateway interface {
	Connect(ctx context.Context) (*protocol.HelloOK, error)
	ListSessions(ctx context.Context, params protocol.ListSessionsParams) ([]protocol.SessionInfo, error)
	OnEvent(fn func(gateway.Event)) (unsubscribe func())
	OnStateChange(fn func(gateway.State))
	State() gateway.State
	Hello() *protocol.HelloOK
	Disconnect()
}

// MonitorMetrics receives monitor telemetry.
type MonitorMetrics interface {
	DeltaApplied(ctx context.Context, kind string)
	RelayFailed(ctx context.Context, subject string)
	RelayDropped(ctx context.Context, subject string)
}

type noopMonitorMetrics struct{}

func (noopMonitorMetrics) DeltaApplied(context.Context, string) {}
func (noopMonitorMetrics) RelayFailed(context.Context, string)  {}
func (noopMonitorMetrics) RelayDropped(context.Context, string) {}

// MonitorOptions configures a MonitorService.
type MonitorOptions struct {
	ActiveMinutes        int
	SessionLimit         int
	OutputCapBytes       int
	MaxActionsPerSession int
	Layout               layout.Options
	PinTTL               time.Duration
	RelayBuffer          int           // payloads queued for the relay before new ones are dropped
	RelayTimeout         time.Duration // deadline for a single relay publish
	Logger               *slog.Logger
}

// Snapshot is a consistent copy of the monitor state. Sessions are sorted by
// key, actions and execs by time.
type Snapshot struct {
	Sessions     []monitor.Session     `json:"sessions"`
	Actions      []monitor.Action      `json:"actions"`
	Execs        []monitor.ExecProcess `json:"execs"`
	GatewayState gateway.State         `json:"gateway_state"`
}

// MonitorService reconstructs sessions, actions and exec processes from the
// gateway event stream and serves them as snapshots and laid-out graphs.
// State is in memory only and rebuilt from sessions.list after reconnects.
type MonitorService struct {
	gw      Gateway
	hub     broadcast.Broadcaster
	pins    cache.Cache
	opts    MonitorOptions
	log     *slog.Logger
	metrics MonitorMetrics

	queue     messagequeue.Queue
	breaker   *resilience.Breaker
	relayCh   chan relayMsg
	relayDone chan struct{}
	relayWG   sync.WaitGroup
	stopRelay sync.Once

	seeded      atomic.Bool
	subscribe   sync.Once
	unsubscribe func()

	mu       sync.RWMutex
	sessions map[string]monitor.Session
	actions  map[string][]monitor.Action // by session key
	execs    map[string]monitor.ExecProcess
	pinned   map[string]struct{}
}

// NewMonitorService creates a MonitorService. pins may be nil, which
// disables pinning.
func NewMonitorService(gw Gateway, hub broadcast.Broadcaster, pins cache.Cache, opts MonitorOptions) *MonitorService {
	if opts.OutputCapBytes <= 0 {
		opts.OutputCapBytes = monitor.DefaultOutputCap
	}
	if opts.RelayBuffer <= 0 {
		opts.RelayBuffer = defaultRelayBuffer
	}
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = defaultRelayTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &MonitorService{
		gw:       gw,
		hub:      hub,
		pins:     pins,
		opts:     opts,
		log:      log.With("component", "monitor"),
		metrics:  noopMonitorMetrics{},
		sessions: make(map[string]monitor.Session),
		actions:  make(map[string][]monitor.Action),
		execs:    make(map[string]monitor.ExecProcess),
		pinned:   make(map[string]struct{}),
	}
}

// SetRelay publishes every applied delta to q from a background goroutine,
// so a slow queue never holds up event handling. Publishes go through b,
// which may be nil. Call it at most once, before Start.
func (s *MonitorService) SetRelay(q messagequeue.Queue, b *resilience.Breaker) {
	s.queue = q
	s.breaker = b
	s.relayCh = make(chan relayMsg, s.opts.RelayBuffer)
	s.relayDone = make(chan struct{})
	s.relayWG.Add(1)
	go s.relayLoop()
}

// SetMetrics installs the telemetry hook.
func (s *MonitorService) SetMetrics(m MonitorMetrics) {
	if m != nil {
		s.metrics = m
	}
}

// Start subscribes to gateway events, connects and seeds the session set.
// A failed seed is logged; the session set then fills from live events.
// Start may be retried after a connect error.
func (s *MonitorService) Start(ctx context.Context) error {
	s.subscribe.Do(func() {
		s.unsubscribe = s.gw.OnEvent(s.handleEvent)
		s.gw.OnStateChange(s.handleState)
	})

	if _, err := s.gw.Connect(ctx); err != nil {
		return fmt.Errorf("monitor start: %w", err)
	}
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("initial session seed failed", "error", err)
	}
	s.seeded.Store(true)
	return nil
}

// Stop unsubscribes from the gateway, disconnects and stops the relay. An
// in-flight publish is given up to RelayTimeout; queued payloads are dropped.
func (s *MonitorService) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.gw.Disconnect()
	s.stopRelay.Do(func() {
		if s.relayDone != nil {
			close(s.relayDone)
			s.relayWG.Wait()
		}
	})
}

// Refresh merges the result of sessions.list into the session set.
func (s *MonitorService) Refresh(ctx context.Context) error {
	infos, err := s.gw.ListSessions(ctx, protocol.ListSessionsParams{
		ActiveMinutes: s.opts.ActiveMinutes,
		Limit:         s.opts.SessionLimit,
	})
	if err != nil {
		return fmt.Errorf("refresh sessions: %w", err)
	}

	updated := make([]monitor.Session, 0, len(infos))
	s.mu.Lock()
	for _, info := range infos {
		if info.Key == "" {
			continue
		}
		next := monitor.SessionFromInfo(info)
		if cur, ok := s.sessions[info.Key]; ok {
			if next.SpawnedBy == "" {
				next.SpawnedBy = cur.SpawnedBy
			}
			if cur.LastActivityAt.After(next.LastActivityAt) {
				next.LastActivityAt = cur.LastActivityAt
			}
		}
		s.sessions[info.Key] = next
		updated = append(updated, next)
	}
	s.mu.Unlock()

	for _, sess := range updated {
		s.publishSession(ctx, sess)
	}
	s.log.Info("sessions seeded", "count", len(updated))
	return nil
}

func (s *MonitorService) handleEvent(ev gateway.Event) {
	decoded := event.Decode(ev.Name, ev.Payload)
	if u, ok := decoded.(event.UnknownEvent); ok && u.Err != nil {
		s.log.Warn("event payload decode failed", "event", ev.Name, "error", u.Err)
		return
	}
	s.Apply(context.Background(), monitor.Translate(decoded, ev.ReceivedAt)...)
}

func (s *MonitorService) handleState(st gateway.State) {
	ctx := context.Background()
	ev := ws.GatewayStateEvent{State: string(st)}
	if st == gateway.StateConnected {
		if h := s.gw.Hello(); h != nil {
			ev.Protocol = h.Protocol
		}
	}
	s.hub.BroadcastEvent(ctx, ws.EventGatewayState, ev)

	if st == gateway.StateConnected && s.seeded.Load() {
		go func() {
			if err := s.Refresh(ctx); err != nil {
				s.log.Warn("session reseed failed", "error", err)
			}
		}()
	}
}

// Apply materializes deltas into the state, then broadcasts and relays the
// resulting entities in order.
func (s *MonitorService) Apply(ctx context.Context, deltas ...monitor.Delta) {
	for _, d := range deltas {
		s.apply(ctx, d)
	}
}

func (s *MonitorService) apply(ctx context.Context, d monitor.Delta) {
	switch d := d.(type) {
	case monitor.SessionPatch:
		if d.Key == "" {
			return
		}
		s.metrics.DeltaApplied(ctx, "session")
		s.publishSession(ctx, s.patchSession(d))

	case monitor.ActionAppend:
		if d.Action.ID == "" || d.Action.SessionKey == "" {
			return
		}
		s.metrics.DeltaApplied(ctx, "action")
		s.publishAction(ctx, s.appendAction(d.Action))

	case monitor.ExecUpdate:
		if d.ID == "" {
			return
		}
		s.metrics.DeltaApplied(ctx, "exec")
		s.publishExec(ctx, s.updateExec(d))

	case monitor.OutputAppend:
		if d.ExecID == "" {
			return
		}
		s.metrics.DeltaApplied(ctx, "output")
		p, kept, newlyTruncated := s.appendOutput(d)
		switch {
		case kept:
			s.publishOutput(ctx, p, p.Outputs[len(p.Outputs)-1])
		case newlyTruncated:
			s.publishExec(ctx, p)
		}
	}
}

func (s *MonitorService) patchSession(d monitor.SessionPatch) monitor.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[d.Key]
	if !ok {
		sess = monitor.NewSession(d.Key)
	}
	if d.Status != "" {
		sess.Status = d.Status
	}
	if d.SpawnedBy != "" && d.SpawnedBy != d.Key {
		sess.SpawnedBy = d.SpawnedBy
	}
	if d.At.After(sess.LastActivityAt) {
		sess.LastActivityAt = d.At
	}
	s.sessions[d.Key] = sess
	return sess
}

// appendAction inserts a, replacing an action with the same ID. A replaced
// action keeps its earliest timestamp so streamed replies hold their place
// in the timeline.
func (s *MonitorService) appendAction(a monitor.Action) monitor.Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.actions[a.SessionKey]
	replaced := false
	for i := range list {
		if list[i].ID != a.ID {
			continue
		}
		if !list[i].Timestamp.IsZero() && list[i].Timestamp.Before(a.Timestamp) {
			a.Timestamp = list[i].Timestamp
		}
		list[i] = a
		replaced = true
		break
	}
	if !replaced {
		list = append(list, a)
	}
	sortActions(list)

	if limit := s.opts.MaxActionsPerSession; limit > 0 && len(list) > limit {
		list = append([]monitor.Action(nil), list[len(list)-limit:]...)
	}
	s.actions[a.SessionKey] = list

	if sess, ok := s.sessions[a.SessionKey]; ok && a.Timestamp.After(sess.LastActivityAt) {
		sess.LastActivityAt = a.Timestamp
		s.sessions[a.SessionKey] = sess
	}
	return a
}

func (s *MonitorService) updateExec(d monitor.ExecUpdate) monitor.ExecProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.execs[d.ID]
	if !ok {
		p = monitor.ExecProcess{ID: d.ID, Status: monitor.ExecRunning}
	}
	if d.SessionKey != "" {
		p.SessionKey = d.SessionKey
	}
	if d.PID != 0 {
		p.PID = d.PID
	}
	if d.Command != "" {
		p.Command = d.Command
	}
	if d.Status != "" {
		p.Status = d.Status
	}
	if !d.StartedAt.IsZero() && (p.StartedAt.IsZero() || d.StartedAt.Before(p.StartedAt)) {
		p.StartedAt = d.StartedAt
	}
	if d.CompletedAt != nil {
		p.CompletedAt = d.CompletedAt
	}
	if d.ExitCode != nil {
		p.ExitCode = d.ExitCode
	}
	s.execs[d.ID] = p
	return p
}

// appendOutput reports whether the chunk was retained and whether this chunk
// is the one that first hit the cap.
func (s *MonitorService) appendOutput(d monitor.OutputAppend) (p monitor.ExecProcess, kept, newlyTruncated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.execs[d.ExecID]
	if !ok {
		cur = monitor.ExecProcess{
			ID:         d.ExecID,
			SessionKey: d.SessionKey,
			Status:     monitor.ExecRunning,
			StartedAt:  d.Chunk.Timestamp,
		}
	}
	before := len(cur.Outputs)
	p = monitor.AppendOutput(cur, d.Chunk, s.opts.OutputCapBytes)
	s.execs[d.ExecID] = p
	return p, len(p.Outputs) > before, p.OutputTruncated && !cur.OutputTruncated
}

func sortActions(list []monitor.Action) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}

// Snapshot returns a copy of the current state.
func (s *MonitorService) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		Sessions: make([]monitor.Session, 0, len(s.sessions)),
		Execs:    make([]monitor.ExecProcess, 0, len(s.execs)),
	}
	for _, sess := range s.sessions {
		snap.Sessions = append(snap.Sessions, sess)
	}
	for _, list := range s.actions {
		snap.Actions = append(snap.Actions, list...)
	}
	for _, p := range s.execs {
		p.Outputs = append([]monitor.OutputChunk(nil), p.Outputs...)
		snap.Execs = append(snap.Execs, p)
	}
	s.mu.RUnlock()

	snap.GatewayState = s.gw.State()
	if snap.Actions == nil {
		snap.Actions = []monitor.Action{}
	}

	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].Key < snap.Sessions[j].Key })
	sort.SliceStable(snap.Actions, func(i, j int) bool {
		if snap.Actions[i].SessionKey != snap.Actions[j].SessionKey {
			return snap.Actions[i].SessionKey < snap.Actions[j].SessionKey
		}
		return false
	})
	sort.Slice(snap.Execs, func(i, j int) bool {
		a, b := snap.Execs[i], snap.Execs[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})
	return snap
}

// SnapshotMessage wraps Snapshot as the first message for new renderer
// connections.
func (s *MonitorService) SnapshotMessage(_ context.Context) (ws.Message, error) {
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return ws.Message{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return ws.Message{Type: ws.EventSnapshot, Payload: data}, nil
}

// Sessions returns the current sessions sorted by key.
func (s *MonitorService) Sessions() []monitor.Session {
	return s.Snapshot().Sessions
}

// Graph lays out the current state. An empty mode uses the configured one.
// Pinned nodes keep their pinned positions.
func (s *MonitorService) Graph(ctx context.Context, mode layout.Mode) (layout.Graph, error) {
	snap := s.Snapshot()
	opts := s.opts.Layout
	if mode != "" {
		opts.Mode = mode
	}
	g := layout.Compute(layout.Build(snap.Sessions, snap.Actions, snap.Execs), opts)

	pinned, err := s.pinnedPositions(ctx)
	if err != nil {
		return layout.Graph{}, err
	}
	return layout.ApplyPinned(g, pinned), nil
}

// PinNode fixes the position of node id across layouts.
func (s *MonitorService) PinNode(ctx context.Context, id string, pos layout.Position) error {
	if s.pins == nil {
		return fmt.Errorf("%w: pinning disabled", domain.ErrValidation)
	}
	if id == "" || !finite(pos.X) || !finite(pos.Y) {
		return fmt.Errorf("%w: pin needs a node id and a finite position", domain.ErrValidation)
	}
	if !s.hasNode(id) {
		return fmt.Errorf("node %q: %w", id, domain.ErrNotFound)
	}

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal pin: %w", err)
	}
	if err := s.pins.Set(ctx, pinKeyPrefix+id, data, s.opts.PinTTL); err != nil {
		return fmt.Errorf("store pin: %w", err)
	}

	s.mu.Lock()
	s.pinned[id] = struct{}{}
	s.mu.Unlock()
	return nil
}

// UnpinNode releases a pinned node back to the computed layout.
func (s *MonitorService) UnpinNode(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.pinned[id]
	delete(s.pinned, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("pin %q: %w", id, domain.ErrNotFound)
	}
	if err := s.pins.Delete(ctx, pinKeyPrefix+id); err != nil {
		return fmt.Errorf("delete pin: %w", err)
	}
	return nil
}

// RestorePins loads the IDs of pins stored by earlier runs or by other
// instances, when the pin cache can enumerate its keys. It returns the
// number of pins now known.
func (s *MonitorService) RestorePins(ctx context.Context) (int, error) {
	lister, ok := s.pins.(cache.Lister)
	if !ok {
		return 0, nil
	}
	keys, err := lister.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore pins: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if id, ok := strings.CutPrefix(key, pinKeyPrefix); ok && id != "" {
			s.pinned[id] = struct{}{}
		}
	}
	return len(s.pinned), nil
}

func (s *MonitorService) hasNode(id string) bool {
	if id == layout.OriginID {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key := range s.sessions {
		if layout.SessionNodeID(key) == id {
			return true
		}
	}
	for _, list := range s.actions {
		for i := range list {
			if layout.ActionNodeID(list[i].ID) == id {
				return true
			}
		}
	}
	for execID := range s.execs {
		if layout.ExecNodeID(execID) == id {
			return true
		}
	}
	return false
}

// pinnedPositions loads pins from the cache. Pins the cache has evicted are
// forgotten.
func (s *MonitorService) pinnedPositions(ctx context.Context) (map[string]layout.Position, error) {
	if s.pins == nil {
		return nil, nil
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.pinned))
	for id := range s.pinned {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[string]layout.Position, len(ids))
	var evicted []string
	for _, id := range ids {
		data, ok, err := s.pins.Get(ctx, pinKeyPrefix+id)
		if err != nil {
			return nil, fmt.Errorf("load pin %s: %w", id, err)
		}
		if !ok {
			evicted = append(evicted, id)
			continue
		}
		var pos layout.Position
		if err := json.Unmarshal(data, &pos); err != nil {
			s.log.Warn("dropping unreadable pin", "node", id, "error", err)
			evicted = append(evicted, id)
			continue
		}
		out[id] = pos
	}

	if len(evicted) > 0 {
		s.mu.Lock()
		for _, id := range evicted {
			delete(s.pinned, id)
		}
		s.mu.Unlock()
	}
	return out, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// --- fan-out ---

func (s *MonitorService) publishSession(ctx context.Context, sess monitor.Session) {
	s.hub.BroadcastEvent(ctx, ws.EventSession, ws.SessionEvent{Session: sess})
	s.relay(ctx, messagequeue.SubjectSession, messagequeue.SessionPayload{Session: sess})
}

func (s *MonitorService) publishAction(ctx context.Context, a monitor.Action) {
	s.hub.BroadcastEvent(ctx, ws.EventAction, ws.ActionEvent{Action: a})
	s.relay(ctx, messagequeue.SubjectAction, messagequeue.ActionPayload{Action: a})
}

func (s *MonitorService) publishExec(ctx context.Context, p monitor.ExecProcess) {
	s.hub.BroadcastEvent(ctx, ws.EventExec, ws.NewExecEvent(p))
	s.relay(ctx, messagequeue.SubjectExec, messagequeue.NewExecPayload(p))
}

func (s *MonitorService) publishOutput(ctx context.Context, p monitor.ExecProcess, c monitor.OutputChunk) {
	s.hub.BroadcastEvent(ctx, ws.EventOutput, ws.OutputEvent{
		ExecID:     p.ID,
		SessionKey: p.SessionKey,
		Chunk:      c,
		Truncated:  p.OutputTruncated,
	})
	s.relay(ctx, messagequeue.SubjectOutput, messagequeue.OutputPayload{
		ExecID:     p.ID,
		SessionKey: p.SessionKey,
		Chunk:      c,
	})
}

type relayMsg struct {
	subject string
	data    []byte
}

// relay queues payload for the relay goroutine. It never blocks: when the
// buffer is full the payload is dropped and counted.
func (s *MonitorService) relay(ctx context.Context, subject string, payload any) {
	if s.relayCh == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal relay payload", "subject", subject, "error", err)
		return
	}

	select {
	case s.relayCh <- relayMsg{subject: subject, data: data}:
	default:
		s.metrics.RelayDropped(ctx, subject)
		s.log.Debug("relay buffer full, payload dropped", "subject", subject)
	}
}

func (s *MonitorService) relayLoop() {
	defer s.relayWG.Done()
	for {
		select {
		case <-s.relayDone:
			return
		case m := <-s.relayCh:
			s.publish(m)
		}
	}
}

// publish is best effort: failures are counted and logged, never returned.
func (s *MonitorService) publish(m relayMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RelayTimeout)
	defer cancel()

	publish := func() error { return s.queue.Publish(ctx, m.subject, m.data) }
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(publish)
	} else {
		err = publish()
	}
	if err == nil {
		return
	}

	s.metrics.RelayFailed(ctx, m.subject)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		s.log.Debug("relay skipped, circuit open", "subject", m.subject)
		return
	}
	s.log.Warn("relay publish failed", "subject", m.subject, "error", err)
}
