package layout

import "sort"

// placement is a session's position in the spawn hierarchy.
type placement struct {
	depth     int
	rootIndex int
	root      string
	cyclic    bool
}

// resolveHierarchy computes depth and root for every session.
//
// Roots are sessions with no spawnedBy or whose parent is absent from the
// working set; they are indexed in key order. A session whose ancestor chain
// revisits a session resolves to depth 0 and root index 0. Every walk is
// bounded by a visited set, so cyclic spawnedBy links always terminate.
func resolveHierarchy(sessions map[string]*Node) map[string]placement {
	parentOf := func(key string) (string, bool) {
		p := sessions[key].Session.SpawnedBy
		if p == "" {
			return "", false
		}
		if _, ok := sessions[p]; !ok {
			return "", false
		}
		return p, true
	}

	// Walk each chain once to find its root, or detect a cycle.
	type walk struct {
		depth  int
		root   string
		cyclic bool
	}
	walks := make(map[string]walk, len(sessions))
	for key := range sessions {
		visited := map[string]bool{key: true}
		cur, depth := key, 0
		for {
			p, ok := parentOf(cur)
			if !ok {
				walks[key] = walk{depth: depth, root: cur}
				break
			}
			if visited[p] {
				walks[key] = walk{root: key, cyclic: true}
				break
			}
			visited[p] = true
			cur = p
			depth++
		}
	}

	var roots []string
	for key, w := range walks {
		if w.root == key && !w.cyclic {
			roots = append(roots, key)
		}
	}
	sort.Strings(roots)
	rootIndex := make(map[string]int, len(roots))
	for i, r := range roots {
		rootIndex[r] = i
	}

	out := make(map[string]placement, len(sessions))
	for key, w := range walks {
		if w.cyclic {
			out[key] = placement{root: key, cyclic: true}
			continue
		}
		out[key] = placement{
			depth:     w.depth,
			rootIndex: rootIndex[w.root],
			root:      w.root,
			cyclic:    w.cyclic,
		}
	}
	return out
}
