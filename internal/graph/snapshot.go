package graph

import (
	"fmt"
	"maps"
)

// Snapshot is the serialized form of the whole graph, written as the
// per-run graph document and restored on startup.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Export captures every node and edge in insertion order. The returned
// snapshot shares nothing with the store.
func (s *Store) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Nodes: make([]Node, 0, len(s.nodeOrder)),
		Edges: make([]Edge, 0, len(s.edgeOrder)),
	}
	for _, id := range s.nodeOrder {
		snap.Nodes = append(snap.Nodes, copyNode(s.nodes[id]))
	}
	for _, k := range s.edgeOrder {
		e := s.edges[k]
		c := *e
		c.Meta = maps.Clone(e.Meta)
		snap.Edges = append(snap.Edges, c)
	}
	return snap
}

// Import merges a snapshot through the normal upsert paths, so
// restoring into an empty store reproduces the exported graph and
// restoring into a populated one merges. Node ids are recomputed from
// (kind, key); snapshot ids that differ are remapped onto the computed
// ones when wiring edges.
func (s *Store) Import(snap Snapshot) error {
	ids := make(map[string]string, len(snap.Nodes))
	for _, n := range snap.Nodes {
		key := n.Key
		if key == "" {
			key = n.Label
		}
		id, _, err := s.UpsertNode(n.Kind, key, n.Label, n.Attrs)
		if err != nil {
			return fmt.Errorf("import node %s: %w", n.ID, err)
		}
		if n.ID != "" {
			ids[n.ID] = id
		}
	}
	for _, e := range snap.Edges {
		source := e.Source
		if mapped, ok := ids[source]; ok {
			source = mapped
		}
		target := e.Target
		if mapped, ok := ids[target]; ok {
			target = mapped
		}
		if err := s.UpsertEdge(source, target, e.Type, e.Meta); err != nil {
			return fmt.Errorf("import edge %s -> %s: %w", e.Source, e.Target, err)
		}
	}
	return nil
}
