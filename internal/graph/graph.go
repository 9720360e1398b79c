package graph

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Kind classifies a node in the knowledge graph.
type Kind string

const (
	KindProduct   Kind = "product"
	KindFeature   Kind = "feature"
	KindComplaint Kind = "complaint"
	KindCategory  Kind = "category"
)

// Canonical edge types. The edge type set is open; these are the ones
// the built-in agents write.
const (
	EdgeHasFeature     = "has_feature"
	EdgeBelongsTo      = "belongs_to"
	EdgeComplainsAbout = "complains_about"
	EdgeCompetesWith   = "competes_with"
)

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrInvalidKind = errors.New("invalid node kind")
)

// Node is a discovered entity. Nodes are never deleted; re-discovering
// the same (kind, key) merges attributes into the existing node.
type Node struct {
	ID    string         `json:"id"`
	Kind  Kind           `json:"kind"`
	Key   string         `json:"key"`
	Label string         `json:"label"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Edge is a directed, typed relationship between two nodes. At most one
// edge exists per (source, target, type); re-adding one merges its
// metadata.
type Edge struct {
	Source string         `json:"source"`
	Target string         `json:"target"`
	Type   string         `json:"type"`
	Meta   map[string]any `json:"meta,omitempty"`
}

type edgeKey struct {
	source string
	target string
	typ    string
}

type halfEdge struct {
	peer string
	typ  string
}

// Store holds the knowledge graph. Safe for concurrent use; all
// mutations take a single write lock so concurrent discovery of the
// same entity merges instead of duplicating.
type Store struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	nodeOrder []string
	edges     map[edgeKey]*Edge
	edgeOrder []edgeKey
	adj       map[string][]halfEdge
}

func New() *Store {
	return &Store{
		nodes: make(map[string]*Node),
		edges: make(map[edgeKey]*Edge),
		adj:   make(map[string][]halfEdge),
	}
}

// NodeID derives the deterministic node id for a kind and identity key.
func NodeID(kind Kind, key string) string {
	return string(kind) + ":" + slugify(key)
}

func slugify(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

func validKind(k Kind) bool {
	switch k {
	case KindProduct, KindFeature, KindComplaint, KindCategory:
		return true
	}
	return false
}

// UpsertNode creates a node or merges attributes into the existing one
// with the same (kind, key). New attribute keys are added, existing
// keys are overwritten with the newer value, and a non-empty label
// replaces the old one. Reports the node id and whether the node was
// newly created.
func (s *Store) UpsertNode(kind Kind, key, label string, attrs map[string]any) (string, bool, error) {
	if !validKind(kind) {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if strings.TrimSpace(key) == "" {
		return "", false, fmt.Errorf("empty identity key for kind %s", kind)
	}

	id := NodeID(kind, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[id]; ok {
		if label != "" {
			n.Label = label
		}
		if len(attrs) > 0 {
			if n.Attrs == nil {
				n.Attrs = make(map[string]any, len(attrs))
			}
			maps.Copy(n.Attrs, attrs)
		}
		return id, false, nil
	}

	n := &Node{
		ID:    id,
		Kind:  kind,
		Key:   key,
		Label: label,
	}
	if n.Label == "" {
		n.Label = key
	}
	if len(attrs) > 0 {
		n.Attrs = maps.Clone(attrs)
	}
	s.nodes[id] = n
	s.nodeOrder = append(s.nodeOrder, id)
	return id, true, nil
}

// UpsertEdge links two existing nodes. Re-adding the same
// (source, target, type) merges metadata instead of duplicating the
// edge; different types between the same pair stay separate edges.
func (s *Store) UpsertEdge(source, target, typ string, meta map[string]any) error {
	if typ == "" {
		return errors.New("empty edge type")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[source]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, source)
	}
	if _, ok := s.nodes[target]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}

	k := edgeKey{source: source, target: target, typ: typ}
	if e, ok := s.edges[k]; ok {
		if len(meta) > 0 {
			if e.Meta == nil {
				e.Meta = make(map[string]any, len(meta))
			}
			maps.Copy(e.Meta, meta)
		}
		return nil
	}

	e := &Edge{Source: source, Target: target, Type: typ}
	if len(meta) > 0 {
		e.Meta = maps.Clone(meta)
	}
	s.edges[k] = e
	s.edgeOrder = append(s.edgeOrder, k)
	s.adj[source] = append(s.adj[source], halfEdge{peer: target, typ: typ})
	if target != source {
		s.adj[target] = append(s.adj[target], halfEdge{peer: source, typ: typ})
	}
	return nil
}

// Node returns a copy of the node with the given id.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return copyNode(n), true
}

// Neighbors returns the nodes adjacent to id, following edges in either
// direction. With edge types given, only those types are followed.
// Results come back in edge insertion order, deduplicated.
func (s *Store) Neighbors(id string, edgeTypes ...string) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Node
	seen := make(map[string]bool)
	for _, h := range s.adj[id] {
		if len(edgeTypes) > 0 && !slices.Contains(edgeTypes, h.typ) {
			continue
		}
		if seen[h.peer] {
			continue
		}
		seen[h.peer] = true
		out = append(out, copyNode(s.nodes[h.peer]))
	}
	return out
}

// Stats summarizes graph size per kind.
type Stats struct {
	Nodes int          `json:"nodes"`
	Edges int          `json:"edges"`
	Kinds map[Kind]int `json:"kinds"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Nodes: len(s.nodes), Edges: len(s.edges), Kinds: make(map[Kind]int)}
	for _, n := range s.nodes {
		st.Kinds[n.Kind]++
	}
	return st
}

func copyNode(n *Node) Node {
	c := *n
	c.Attrs = maps.Clone(n.Attrs)
	return c
}
