package layout

import (
	"fmt"
	"sort"
	"time"
)

// Mode selects how root trees are arranged.
type Mode string

const (
	// ModeVertical stacks root trees on top of each other; column = depth.
	ModeVertical Mode = "vertical"
	// ModeHorizontal gives each root tree its own band of columns.
	ModeHorizontal Mode = "horizontal"
)

// ParseMode validates a mode string. Empty means vertical.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeVertical:
		return ModeVertical, nil
	case ModeHorizontal:
		return ModeHorizontal, nil
	default:
		return "", fmt.Errorf("unknown layout mode %q", s)
	}
}

// Options holds the layout geometry. Zero fields take the defaults.
type Options struct {
	Mode          Mode
	ColumnWidth   float64
	ColumnGap     float64
	ItemHeight    float64
	RowGap        float64
	SpawnOffset   float64
	SessionGap    float64 // minimum vertical gap between sessions sharing a column
	RootGap       float64 // vertical gap between stacked root trees
	OrphanLaneGap float64 // gap above the orphan lane
}

// DefaultOptions returns the default geometry.
func DefaultOptions() Options {
	return Options{
		Mode:          ModeVertical,
		ColumnWidth:   280,
		ColumnGap:     80,
		ItemHeight:    64,
		RowGap:        16,
		SpawnOffset:   24,
		SessionGap:    32,
		RootGap:       64,
		OrphanLaneGap: 96,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	set := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	set(&o.ColumnWidth, d.ColumnWidth)
	set(&o.ColumnGap, d.ColumnGap)
	set(&o.ItemHeight, d.ItemHeight)
	set(&o.RowGap, d.RowGap)
	set(&o.SpawnOffset, d.SpawnOffset)
	set(&o.SessionGap, d.SessionGap)
	set(&o.RootGap, d.RootGap)
	set(&o.OrphanLaneGap, d.OrphanLaneGap)
	return o
}

func (o Options) row() float64 { return o.ItemHeight + o.RowGap }

func (o Options) columnX(col int) float64 { return float64(col) * (o.ColumnWidth + o.ColumnGap) }

// span is an occupied vertical range [start, end).
type span struct{ start, end float64 }

type columnKey struct{ root, column int }

// Compute positions every node of g and returns a new graph; g is not
// modified. Node order and edges are preserved.
func Compute(g Graph, opts Options) Graph {
	opts = opts.withDefaults()

	out := Graph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: append([]Edge(nil), g.Edges...),
	}
	copy(out.Nodes, g.Nodes)
	for i := range out.Nodes {
		out.Nodes[i].Pinned = false
		out.Nodes[i].Orphan = false
	}

	idx := index(out.Nodes)
	hier := resolveHierarchy(idx.sessions)

	// Band offsets for horizontal mode: each root's band is as wide as its
	// deepest session.
	rootCount := 0
	maxDepth := map[int]int{}
	for _, p := range hier {
		if p.rootIndex+1 > rootCount {
			rootCount = p.rootIndex + 1
		}
		if p.depth > maxDepth[p.rootIndex] {
			maxDepth[p.rootIndex] = p.depth
		}
	}
	bandOffset := make([]int, rootCount)
	for i := 1; i < rootCount; i++ {
		bandOffset[i] = bandOffset[i-1] + maxDepth[i-1] + 1
	}

	// Desired offset below the parent, from the parent's timeline.
	relOffset := make(map[string]float64, len(idx.sessionKeys))
	for _, key := range idx.sessionKeys {
		p := hier[key]
		if p.depth == 0 {
			continue
		}
		parent := idx.sessions[key].Session.SpawnedBy
		first := firstActivity(idx, key)
		n := 0
		for _, item := range idx.timelines[parent] {
			if !itemTime(item).After(first) {
				n++
			}
		}
		relOffset[key] = float64(n)*opts.row() + opts.SpawnOffset
	}

	order := append([]string(nil), idx.sessionKeys...)
	sort.SliceStable(order, func(i, j int) bool {
		a, b := hier[order[i]], hier[order[j]]
		if a.rootIndex != b.rootIndex {
			return a.rootIndex < b.rootIndex
		}
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		if relOffset[order[i]] != relOffset[order[j]] {
			return relOffset[order[i]] < relOffset[order[j]]
		}
		return order[i] < order[j]
	})

	top := opts.row()
	bottom := top
	placedAny := false
	rootBase := make(map[int]float64)
	occupied := make(map[columnKey][]span)
	sessionY := make(map[string]float64, len(order))

	for _, key := range order {
		p := hier[key]
		node := idx.sessions[key]

		var desired float64
		if p.depth == 0 {
			base, ok := rootBase[p.rootIndex]
			if !ok {
				base = top
				if opts.Mode == ModeVertical && placedAny {
					base = bottom + opts.RootGap
				}
				rootBase[p.rootIndex] = base
			}
			desired = base
		} else {
			desired = sessionY[node.Session.SpawnedBy] + relOffset[key]
		}

		col := p.depth
		if opts.Mode == ModeHorizontal {
			col = bandOffset[p.rootIndex] + p.depth
		}

		items := idx.timelines[key]
		height := float64(len(items)+1)*opts.row() - opts.RowGap

		ck := columnKey{root: p.rootIndex, column: col}
		y := avoid(occupied[ck], desired, height, opts.SessionGap)
		occupied[ck] = append(occupied[ck], span{start: y, end: y + height})

		sessionY[key] = y
		placedAny = true
		if y+height > bottom {
			bottom = y + height
		}

		x := opts.columnX(col)
		node.Position = Position{X: x, Y: y}
		node.Column, node.Depth, node.RootIndex = col, p.depth, p.rootIndex
		for i, item := range items {
			item.Position = Position{X: x, Y: y + float64(i+1)*opts.row()}
			item.Column, item.Depth, item.RootIndex = col, p.depth, p.rootIndex
		}
	}

	if idx.origin != nil {
		idx.origin.Position = Position{}
	}

	laneY := bottom + opts.OrphanLaneGap
	for i, n := range idx.orphans {
		n.Position = Position{X: opts.columnX(i), Y: laneY}
		n.Column, n.Depth, n.RootIndex = i, 0, 0
		n.Orphan = true
	}

	return out
}

// firstActivity is the time of the session's earliest timeline item, or its
// last activity when it has none.
func firstActivity(idx graphIndex, key string) time.Time {
	if items := idx.timelines[key]; len(items) > 0 {
		return itemTime(items[0])
	}
	return idx.sessions[key].Session.LastActivityAt
}

// avoid returns the smallest y >= desired at which [y, y+height) keeps at
// least gap distance from every span. y only moves down, to the end of an
// existing span plus gap, so the loop terminates.
func avoid(spans []span, desired, height, gap float64) float64 {
	y := desired
	for {
		moved := false
		for _, s := range spans {
			if y < s.end+gap && y+height+gap > s.start {
				y = s.end + gap
				moved = true
			}
		}
		if !moved {
			return y
		}
	}
}

// ApplyPinned returns a copy of g in which nodes with an entry in pinned take
// that position and are marked Pinned. It is applied after Compute.
func ApplyPinned(g Graph, pinned map[string]Position) Graph {
	out := Graph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: g.Edges,
	}
	copy(out.Nodes, g.Nodes)
	if len(pinned) == 0 {
		return out
	}
	for i := range out.Nodes {
		if p, ok := pinned[out.Nodes[i].ID]; ok {
			out.Nodes[i].Position = p
			out.Nodes[i].Pinned = true
		}
	}
	return out
}
