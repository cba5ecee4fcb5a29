// Package layout positions the reconstructed session hierarchy in two
// dimensions for rendering.
//
// Build turns the materialized sessions, actions and exec processes into a
// node/edge graph; Compute assigns every node a position. Both are pure and
// deterministic: the same input always yields the same output, regardless of
// input order.
package layout

import (
	"sort"
	"time"

	"github.com/Strob0t/crabwalk/internal/domain/monitor"
)

// NodeKind classifies a graph node.
type NodeKind string

const (
	KindOrigin  NodeKind = "origin"
	KindSession NodeKind = "session"
	KindAction  NodeKind = "action"
	KindExec    NodeKind = "exec"
)

// EdgeKind classifies a graph edge.
type EdgeKind string

const (
	EdgeRoot     EdgeKind = "root"     // origin -> root session
	EdgeSpawn    EdgeKind = "spawn"    // parent session -> child session
	EdgeTimeline EdgeKind = "timeline" // session -> first item, item -> next item
)

// OriginID is the ID of the single origin node.
const OriginID = "origin"

// Position is the top-left corner of a node in layout space.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one positioned element. Exactly one of Session, Action or Exec is
// set, except for the origin node which has none.
type Node struct {
	ID       string   `json:"id"`
	Kind     NodeKind `json:"kind"`
	Position Position `json:"position"`
	Pinned   bool     `json:"pinned,omitempty"`

	// Layout diagnostics, filled by Compute.
	Column    int  `json:"column"`
	Depth     int  `json:"depth"`
	RootIndex int  `json:"root_index"`
	Orphan    bool `json:"orphan,omitempty"`

	Session *monitor.Session     `json:"session,omitempty"`
	Action  *monitor.Action      `json:"action,omitempty"`
	Exec    *monitor.ExecProcess `json:"exec,omitempty"`
}

// Edge connects two nodes by ID.
type Edge struct {
	ID     string   `json:"id"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind"`
}

// Graph is a node/edge set.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// SessionNodeID returns the node ID for a session key.
func SessionNodeID(key string) string { return "session:" + key }

// ActionNodeID returns the node ID for an action ID.
func ActionNodeID(id string) string { return "action:" + id }

// ExecNodeID returns the node ID for an exec process ID.
func ExecNodeID(id string) string { return "exec:" + id }

// Build assembles the graph for the given working set. Sessions are keyed by
// Key (later duplicates are ignored), and actions and execs whose session is
// absent become nodes without timeline edges.
func Build(sessions []monitor.Session, actions []monitor.Action, execs []monitor.ExecProcess) Graph {
	g := Graph{Nodes: []Node{{ID: OriginID, Kind: KindOrigin}}}

	for i := range sessions {
		s := sessions[i]
		g.Nodes = append(g.Nodes, Node{ID: SessionNodeID(s.Key), Kind: KindSession, Session: &s})
	}
	for i := range actions {
		a := actions[i]
		g.Nodes = append(g.Nodes, Node{ID: ActionNodeID(a.ID), Kind: KindAction, Action: &a})
	}
	for i := range execs {
		x := execs[i]
		g.Nodes = append(g.Nodes, Node{ID: ExecNodeID(x.ID), Kind: KindExec, Exec: &x})
	}

	idx := index(g.Nodes)
	hier := resolveHierarchy(idx.sessions)

	for _, key := range idx.sessionKeys {
		s := idx.sessions[key].Session
		parent, hasParent := idx.sessions[s.SpawnedBy]
		switch {
		case s.SpawnedBy == "" || !hasParent:
			g.Edges = append(g.Edges, Edge{
				ID: "root:" + key, Source: OriginID, Target: SessionNodeID(key), Kind: EdgeRoot,
			})
		case hier[key].cyclic:
			// No spawn edge inside a cycle; the session is laid out as a root.
		default:
			g.Edges = append(g.Edges, Edge{
				ID: "spawn:" + key, Source: parent.ID, Target: SessionNodeID(key), Kind: EdgeSpawn,
			})
		}

		prev := SessionNodeID(key)
		for _, item := range idx.timelines[key] {
			g.Edges = append(g.Edges, Edge{
				ID: "timeline:" + item.ID, Source: prev, Target: item.ID, Kind: EdgeTimeline,
			})
			prev = item.ID
		}
	}

	return g
}

// graphIndex is the reconciliation of a node set: sessions by key, each
// session's ordered timeline, and the items that matched no session.
type graphIndex struct {
	origin      *Node
	sessions    map[string]*Node
	sessionKeys []string
	timelines   map[string][]*Node
	orphans     []*Node
}

// index reconciles nodes. The result does not depend on the order of nodes.
func index(nodes []Node) graphIndex {
	idx := graphIndex{
		sessions:  make(map[string]*Node),
		timelines: make(map[string][]*Node),
	}

	for i := range nodes {
		n := &nodes[i]
		if n.Kind == KindOrigin && idx.origin == nil {
			idx.origin = n
		}
		if n.Kind != KindSession || n.Session == nil {
			continue
		}
		// Keep the lowest node ID per key so duplicates resolve the same way
		// whatever order they arrive in.
		if cur, ok := idx.sessions[n.Session.Key]; !ok || n.ID < cur.ID {
			idx.sessions[n.Session.Key] = n
		}
	}
	for key := range idx.sessions {
		idx.sessionKeys = append(idx.sessionKeys, key)
	}
	sort.Strings(idx.sessionKeys)

	for i := range nodes {
		n := &nodes[i]
		var key string
		switch {
		case n.Kind == KindAction && n.Action != nil:
			key = n.Action.SessionKey
		case n.Kind == KindExec && n.Exec != nil:
			key = n.Exec.SessionKey
		default:
			continue
		}
		if _, ok := idx.sessions[key]; ok {
			idx.timelines[key] = append(idx.timelines[key], n)
		} else {
			idx.orphans = append(idx.orphans, n)
		}
	}

	for key := range idx.timelines {
		sortItems(idx.timelines[key])
	}
	sortItems(idx.orphans)
	return idx
}

// itemTime is the chronological key of a timeline item.
func itemTime(n *Node) time.Time {
	switch {
	case n.Action != nil:
		return n.Action.Timestamp
	case n.Exec != nil:
		return n.Exec.StartedAt
	default:
		return time.Time{}
	}
}

func itemSeq(n *Node) int64 {
	if n.Action != nil {
		return n.Action.Seq
	}
	return 0
}

// sortItems orders by timestamp, then seq, then node ID.
func sortItems(items []*Node) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := itemTime(items[i]), itemTime(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		si, sj := itemSeq(items[i]), itemSeq(items[j])
		if si != sj {
			return si < sj
		}
		return items[i].ID < items[j].ID
	})
}
