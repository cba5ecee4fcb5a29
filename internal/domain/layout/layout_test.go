package layout

import (
	"reflect"
	"testing"
	"time"

	"github.com/Strob0t/crabwalk/internal/domain/monitor"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func session(key, parent string) monitor.Session {
	s := monitor.NewSession(key)
	s.SpawnedBy = parent
	s.LastActivityAt = t0
	return s
}

func action(id, sessionKey string, at time.Duration, seq int64) monitor.Action {
	return monitor.Action{
		ID:         id,
		RunID:      "run",
		SessionKey: sessionKey,
		Seq:        seq,
		Type:       monitor.ActionToolCall,
		Timestamp:  t0.Add(at),
	}
}

func nodeByID(t *testing.T, g Graph, id string) Node {
	t.Helper()
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %q not found", id)
	return Node{}
}

func edgeKinds(g Graph) map[string]EdgeKind {
	out := make(map[string]EdgeKind, len(g.Edges))
	for _, e := range g.Edges {
		out[e.Source+"->"+e.Target] = e.Kind
	}
	return out
}

func TestBuildEdges(t *testing.T) {
	sessions := []monitor.Session{
		session("agent:main:discord:1", ""),
		session("agent:main:subagent:a", "agent:main:discord:1"),
		session("agent:main:subagent:b", "agent:main:gone:x"),
	}
	actions := []monitor.Action{
		action("a2", "agent:main:discord:1", 2*time.Second, 2),
		action("a1", "agent:main:discord:1", time.Second, 1),
		action("lost", "agent:main:nowhere:0", time.Second, 1),
	}
	execs := []monitor.ExecProcess{
		{ID: "x1", SessionKey: "agent:main:subagent:a", StartedAt: t0, Status: monitor.ExecRunning},
	}

	g := Build(sessions, actions, execs)

	if want := 1 + 3 + 3 + 1; len(g.Nodes) != want {
		t.Fatalf("expected %d nodes, got %d", want, len(g.Nodes))
	}
	if g.Nodes[0].ID != OriginID || g.Nodes[0].Kind != KindOrigin {
		t.Errorf("first node should be origin, got %+v", g.Nodes[0])
	}

	kinds := edgeKinds(g)
	want := map[string]EdgeKind{
		"origin->session:agent:main:discord:1":                        EdgeRoot,
		"origin->session:agent:main:subagent:b":                       EdgeRoot,
		"session:agent:main:discord:1->session:agent:main:subagent:a": EdgeSpawn,
		"session:agent:main:discord:1->action:a1":                     EdgeTimeline,
		"action:a1->action:a2":                                        EdgeTimeline,
		"session:agent:main:subagent:a->exec:x1":                      EdgeTimeline,
	}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("edges:\n got %v\nwant %v", kinds, want)
	}
}

func TestResolveHierarchyCycles(t *testing.T) {
	g := Build([]monitor.Session{
		session("a", "b"),
		session("b", "a"),
		session("self", "self"),
		session("c", "a"),
		session("root", ""),
		session("child", "root"),
	}, nil, nil)

	idx := index(g.Nodes)
	hier := resolveHierarchy(idx.sessions)

	for _, key := range []string{"a", "b", "self", "c"} {
		p := hier[key]
		if p.depth != 0 || p.rootIndex != 0 || !p.cyclic {
			t.Errorf("%s: expected cyclic depth 0 root 0, got %+v", key, p)
		}
	}
	if p := hier["child"]; p.depth != 1 || p.root != "root" || p.cyclic {
		t.Errorf("child: unexpected placement %+v", p)
	}

	// Build must not emit spawn edges inside a cycle.
	for _, e := range g.Edges {
		if e.Kind == EdgeSpawn && e.Target != SessionNodeID("child") {
			t.Errorf("unexpected spawn edge %+v", e)
		}
	}

	// Compute terminates and positions everything.
	out := Compute(g, Options{})
	if len(out.Nodes) != len(g.Nodes) {
		t.Fatalf("node count changed: %d -> %d", len(g.Nodes), len(out.Nodes))
	}
}

func TestRootsSortedByKey(t *testing.T) {
	g := Build([]monitor.Session{
		session("zeta", ""),
		session("alpha", ""),
		session("mid", ""),
	}, nil, nil)

	out := Compute(g, Options{Mode: ModeHorizontal})
	for key, want := range map[string]int{"alpha": 0, "mid": 1, "zeta": 2} {
		n := nodeByID(t, out, SessionNodeID(key))
		if n.RootIndex != want {
			t.Errorf("%s: root index %d, want %d", key, n.RootIndex, want)
		}
	}
}

func TestSpawnOffset(t *testing.T) {
	opts := DefaultOptions()
	parent := "agent:main:discord:1"
	child := "agent:main:subagent:c"

	g := Build(
		[]monitor.Session{session(parent, ""), session(child, parent)},
		[]monitor.Action{
			action("p1", parent, 1*time.Second, 1),
			action("p2", parent, 2*time.Second, 2),
			action("p3", parent, 3*time.Second, 3),
			action("p4", parent, 10*time.Second, 4),
			action("c1", child, 4*time.Second, 1),
		},
		nil,
	)
	out := Compute(g, opts)

	pn := nodeByID(t, out, SessionNodeID(parent))
	cn := nodeByID(t, out, SessionNodeID(child))

	wantOffset := 3*(opts.ItemHeight+opts.RowGap) + opts.SpawnOffset
	if got := cn.Position.Y - pn.Position.Y; got != wantOffset {
		t.Errorf("child offset = %v, want %v", got, wantOffset)
	}
	if cn.Column != 1 || cn.Depth != 1 {
		t.Errorf("child column/depth = %d/%d, want 1/1", cn.Column, cn.Depth)
	}
	if cn.Position.X != opts.ColumnWidth+opts.ColumnGap {
		t.Errorf("child x = %v", cn.Position.X)
	}
}

func TestSpawnOffsetFallsBackToLastActivity(t *testing.T) {
	opts := DefaultOptions()
	parent := "p"
	child := session("c", parent)
	child.LastActivityAt = t0.Add(1500 * time.Millisecond)

	g := Build(
		[]monitor.Session{session(parent, ""), child},
		[]monitor.Action{
			action("p1", parent, 1*time.Second, 1),
			action("p2", parent, 2*time.Second, 2),
		},
		nil,
	)
	out := Compute(g, opts)

	got := nodeByID(t, out, SessionNodeID("c")).Position.Y - nodeByID(t, out, SessionNodeID(parent)).Position.Y
	if want := 1*(opts.ItemHeight+opts.RowGap) + opts.SpawnOffset; got != want {
		t.Errorf("offset = %v, want %v", got, want)
	}
}

func TestTimelineOrder(t *testing.T) {
	opts := DefaultOptions()
	key := "s"
	g := Build(
		[]monitor.Session{session(key, "")},
		[]monitor.Action{
			action("late", key, 5*time.Second, 1),
			action("tie-b", key, time.Second, 2),
			action("tie-a", key, time.Second, 2),
			action("early", key, time.Second, 1),
		},
		[]monitor.ExecProcess{{ID: "x", SessionKey: key, StartedAt: t0.Add(3 * time.Second)}},
	)
	out := Compute(g, opts)

	sy := nodeByID(t, out, SessionNodeID(key)).Position.Y
	order := []string{ActionNodeID("early"), ActionNodeID("tie-a"), ActionNodeID("tie-b"), ExecNodeID("x"), ActionNodeID("late")}
	for i, id := range order {
		n := nodeByID(t, out, id)
		if want := sy + float64(i+1)*(opts.ItemHeight+opts.RowGap); n.Position.Y != want {
			t.Errorf("%s: y = %v, want %v", id, n.Position.Y, want)
		}
	}
}

func TestCollisionAvoidance(t *testing.T) {
	opts := DefaultOptions()
	// Two children spawned at the same point of the parent timeline would
	// land on the same spot in column 1.
	g := Build(
		[]monitor.Session{session("p", ""), session("c1", "p"), session("c2", "p")},
		[]monitor.Action{
			action("c1-a", "c1", time.Second, 1),
			action("c1-b", "c1", 2*time.Second, 2),
		},
		nil,
	)
	out := Compute(g, opts)

	a := nodeByID(t, out, SessionNodeID("c1"))
	b := nodeByID(t, out, SessionNodeID("c2"))
	if a.Column != b.Column {
		t.Fatalf("expected both children in one column, got %d and %d", a.Column, b.Column)
	}

	upper, lower := a, b
	upperItems := 2
	if b.Position.Y < a.Position.Y {
		upper, lower = b, a
		upperItems = 0
	}
	upperEnd := upper.Position.Y + float64(upperItems+1)*(opts.ItemHeight+opts.RowGap) - opts.RowGap
	if lower.Position.Y < upperEnd+opts.SessionGap {
		t.Errorf("sessions overlap: upper ends at %v, lower starts at %v", upperEnd, lower.Position.Y)
	}
}

func TestVerticalModeStacksRoots(t *testing.T) {
	opts := DefaultOptions()
	g := Build(
		[]monitor.Session{session("a", ""), session("b", "")},
		[]monitor.Action{action("a1", "a", time.Second, 1)},
		nil,
	)
	out := Compute(g, opts)

	a := nodeByID(t, out, SessionNodeID("a"))
	b := nodeByID(t, out, SessionNodeID("b"))
	if a.Column != 0 || b.Column != 0 {
		t.Fatalf("roots should share column 0, got %d and %d", a.Column, b.Column)
	}
	aEnd := a.Position.Y + 2*(opts.ItemHeight+opts.RowGap) - opts.RowGap
	if want := aEnd + opts.RootGap; b.Position.Y != want {
		t.Errorf("b.y = %v, want %v", b.Position.Y, want)
	}
}

func TestHorizontalModeBands(t *testing.T) {
	g := Build([]monitor.Session{
		session("a", ""),
		session("a1", "a"),
		session("a2", "a1"),
		session("b", ""),
		session("b1", "b"),
	}, nil, nil)
	out := Compute(g, Options{Mode: ModeHorizontal})

	cols := map[string]int{}
	for _, key := range []string{"a", "a1", "a2", "b", "b1"} {
		cols[key] = nodeByID(t, out, SessionNodeID(key)).Column
	}
	want := map[string]int{"a": 0, "a1": 1, "a2": 2, "b": 3, "b1": 4}
	if !reflect.DeepEqual(cols, want) {
		t.Errorf("columns = %v, want %v", cols, want)
	}
	if a, b := nodeByID(t, out, SessionNodeID("a")), nodeByID(t, out, SessionNodeID("b")); a.Position.Y != b.Position.Y {
		t.Errorf("roots should share a top row in horizontal mode: %v vs %v", a.Position.Y, b.Position.Y)
	}
}

func TestOrphanLane(t *testing.T) {
	g := Build(
		[]monitor.Session{session("s", "")},
		[]monitor.Action{
			action("kept", "s", time.Second, 1),
			action("lost-2", "gone", 2*time.Second, 1),
			action("lost-1", "gone", time.Second, 1),
		},
		[]monitor.ExecProcess{{ID: "x", SessionKey: "also-gone", StartedAt: t0}},
	)
	out := Compute(g, Options{})

	maxY := 0.0
	for _, n := range out.Nodes {
		if !n.Orphan && n.Position.Y > maxY {
			maxY = n.Position.Y
		}
	}

	var orphans []Node
	for _, n := range out.Nodes {
		if n.Orphan {
			orphans = append(orphans, n)
		}
	}
	if len(orphans) != 3 {
		t.Fatalf("expected 3 orphans, got %d", len(orphans))
	}
	for _, n := range orphans {
		if n.Position.Y <= maxY {
			t.Errorf("orphan %s at y=%v is not below resolved nodes (max %v)", n.ID, n.Position.Y, maxY)
		}
	}
	// Orphans are ordered chronologically along the lane.
	if x, l1, l2 := nodeByID(t, out, ExecNodeID("x")), nodeByID(t, out, ActionNodeID("lost-1")), nodeByID(t, out, ActionNodeID("lost-2")); !(x.Position.X < l1.Position.X && l1.Position.X < l2.Position.X) {
		t.Errorf("unexpected orphan order: x=%v lost-1=%v lost-2=%v", x.Position.X, l1.Position.X, l2.Position.X)
	}
}

func TestComputeIdempotent(t *testing.T) {
	g := Build(
		[]monitor.Session{session("p", ""), session("c", "p"), session("q", "")},
		[]monitor.Action{action("p1", "p", time.Second, 1), action("c1", "c", 2*time.Second, 1)},
		[]monitor.ExecProcess{{ID: "x", SessionKey: "q", StartedAt: t0}},
	)

	first := Compute(g, Options{})
	second := Compute(g, Options{})
	if !reflect.DeepEqual(first, second) {
		t.Error("Compute is not idempotent")
	}
	if again := Compute(first, Options{}); !reflect.DeepEqual(first, again) {
		t.Error("Compute of a computed graph changed positions")
	}
}

func TestComputeIgnoresInputOrder(t *testing.T) {
	sessions := []monitor.Session{session("p", ""), session("c", "p"), session("q", "")}
	actions := []monitor.Action{action("p1", "p", time.Second, 1), action("c1", "c", 2*time.Second, 1)}

	a := Compute(Build(sessions, actions, nil), Options{})
	b := Compute(Build(
		[]monitor.Session{sessions[2], sessions[1], sessions[0]},
		[]monitor.Action{actions[1], actions[0]},
		nil,
	), Options{})

	pos := func(g Graph) map[string]Position {
		m := make(map[string]Position, len(g.Nodes))
		for _, n := range g.Nodes {
			m[n.ID] = n.Position
		}
		return m
	}
	if !reflect.DeepEqual(pos(a), pos(b)) {
		t.Errorf("positions depend on input order:\n%v\n%v", pos(a), pos(b))
	}
}

func TestComputeDoesNotMutateInput(t *testing.T) {
	g := Build([]monitor.Session{session("s", "")}, []monitor.Action{action("a", "s", time.Second, 1)}, nil)
	before := make([]Node, len(g.Nodes))
	copy(before, g.Nodes)

	_ = Compute(g, Options{})
	if !reflect.DeepEqual(before, g.Nodes) {
		t.Error("Compute mutated its input")
	}
}

func TestApplyPinned(t *testing.T) {
	g := Compute(Build([]monitor.Session{session("a", ""), session("b", "")}, nil, nil), Options{})
	pinned := map[string]Position{SessionNodeID("b"): {X: -10, Y: 999}}

	out := ApplyPinned(g, pinned)

	b := nodeByID(t, out, SessionNodeID("b"))
	if !b.Pinned || b.Position != (Position{X: -10, Y: 999}) {
		t.Errorf("pinned node not applied: %+v", b)
	}
	if a := nodeByID(t, out, SessionNodeID("a")); a.Pinned || a.Position != nodeByID(t, g, SessionNodeID("a")).Position {
		t.Errorf("unpinned node changed: %+v", a)
	}
	if nodeByID(t, g, SessionNodeID("b")).Pinned {
		t.Error("ApplyPinned mutated its input")
	}
	// A pin for an unknown node is ignored.
	if got := ApplyPinned(g, map[string]Position{"session:nope": {}}); !reflect.DeepEqual(got.Nodes, g.Nodes) {
		t.Error("unknown pin changed the graph")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeVertical, false},
		{"vertical", ModeVertical, false},
		{"horizontal", ModeHorizontal, false},
		{"diagonal", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}
