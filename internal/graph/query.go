package graph

import (
	"iter"
	"reflect"
	"slices"
	"strings"
)

// Pattern filters nodes. Zero-value fields match everything, so an
// empty pattern scans the whole graph. With Traverse set, only nodes
// reachable from the start node are considered.
type Pattern struct {
	Kind          Kind
	LabelContains string
	Attrs         map[string]any
	Traverse      *Traversal
}

// Traversal walks outward from a start node, following edges in either
// direction. MaxHops <= 0 means unlimited. The start node itself is not
// part of the result, and an unknown start yields nothing.
type Traversal struct {
	StartID   string
	EdgeTypes []string
	MaxHops   int
}

// Query returns a lazy sequence of nodes matching the pattern. The
// sequence is finite and restartable: ranging over it again re-runs the
// query against the current graph, with no shared cursor state. Nodes
// are returned as copies, in insertion order for scans and in hop order
// for traversals.
func (s *Store) Query(p Pattern) iter.Seq[Node] {
	return func(yield func(Node) bool) {
		for _, n := range s.collect(p) {
			if !yield(n) {
				return
			}
		}
	}
}

func (s *Store) collect(p Pattern) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []Node
	if p.Traverse != nil {
		candidates = s.walkLocked(p.Traverse)
	} else {
		candidates = make([]Node, 0, len(s.nodeOrder))
		for _, id := range s.nodeOrder {
			candidates = append(candidates, copyNode(s.nodes[id]))
		}
	}

	var out []Node
	for _, n := range candidates {
		if p.matches(n) {
			out = append(out, n)
		}
	}
	return out
}

// matches applies the non-traversal filters. The label match is a
// case-insensitive substring test; attribute predicates are exact
// equality per key.
func (p Pattern) matches(n Node) bool {
	if p.Kind != "" && n.Kind != p.Kind {
		return false
	}
	if p.LabelContains != "" && !strings.Contains(strings.ToLower(n.Label), strings.ToLower(p.LabelContains)) {
		return false
	}
	for k, want := range p.Attrs {
		got, ok := n.Attrs[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// walkLocked runs a breadth-first walk from the start node, nearest
// nodes first.
func (s *Store) walkLocked(t *Traversal) []Node {
	if _, ok := s.nodes[t.StartID]; !ok {
		return nil
	}

	visited := map[string]bool{t.StartID: true}
	frontier := []string{t.StartID}
	var out []Node

	for hops := 0; len(frontier) > 0; hops++ {
		if t.MaxHops > 0 && hops >= t.MaxHops {
			break
		}
		var next []string
		for _, id := range frontier {
			for _, h := range s.adj[id] {
				if len(t.EdgeTypes) > 0 && !slices.Contains(t.EdgeTypes, h.typ) {
					continue
				}
				if visited[h.peer] {
					continue
				}
				visited[h.peer] = true
				out = append(out, copyNode(s.nodes[h.peer]))
				next = append(next, h.peer)
			}
		}
		frontier = next
	}
	return out
}
