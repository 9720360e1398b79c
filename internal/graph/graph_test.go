package graph

import (
	"errors"
	"sync"
	"testing"
)

func addProduct(t *testing.T, s *Store, name string, features ...string) string {
	t.Helper()
	id, _, err := s.UpsertNode(KindProduct, name, name, nil)
	if err != nil {
		t.Fatalf("upsert product %s: %v", name, err)
	}
	for _, f := range features {
		fid, _, err := s.UpsertNode(KindFeature, f, f, nil)
		if err != nil {
			t.Fatalf("upsert feature %s: %v", f, err)
		}
		if err := s.UpsertEdge(id, fid, EdgeHasFeature, nil); err != nil {
			t.Fatalf("link %s -> %s: %v", id, fid, err)
		}
	}
	return id
}

func TestUpsertNodeCreatesThenMerges(t *testing.T) {
	s := New()

	id1, created, err := s.UpsertNode(KindProduct, "Acme CRM", "Acme CRM", map[string]any{"category": "CRM"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("expected first upsert to create")
	}
	if id1 != "product:acme_crm" {
		t.Errorf("expected product:acme_crm, got %s", id1)
	}

	id2, created, err := s.UpsertNode(KindProduct, "Acme CRM", "Acme CRM", map[string]any{"pricing": "freemium", "category": "Sales CRM"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected second upsert to merge")
	}
	if id2 != id1 {
		t.Errorf("expected same id, got %s and %s", id1, id2)
	}

	n, ok := s.Node(id1)
	if !ok {
		t.Fatal("node not found")
	}
	if n.Attrs["category"] != "Sales CRM" {
		t.Errorf("expected newer value to win, got %v", n.Attrs["category"])
	}
	if n.Attrs["pricing"] != "freemium" {
		t.Errorf("expected merged attr, got %v", n.Attrs["pricing"])
	}
	if s.Stats().Nodes != 1 {
		t.Errorf("expected 1 node, got %d", s.Stats().Nodes)
	}
}

func TestUpsertNodeInvalidKind(t *testing.T) {
	s := New()
	if _, _, err := s.UpsertNode("gadget", "x", "x", nil); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
	if _, _, err := s.UpsertNode(KindProduct, "  ", "x", nil); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestUpsertEdgeUnknownNode(t *testing.T) {
	s := New()
	id, _, _ := s.UpsertNode(KindProduct, "acme", "Acme", nil)

	if err := s.UpsertEdge(id, "feature:missing", EdgeHasFeature, nil); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
	if err := s.UpsertEdge("product:missing", id, EdgeCompetesWith, nil); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
	if s.Stats().Edges != 0 {
		t.Errorf("expected no edges, got %d", s.Stats().Edges)
	}
}

func TestUpsertEdgeMergesMetadata(t *testing.T) {
	s := New()
	a, _, _ := s.UpsertNode(KindProduct, "a", "A", nil)
	b, _, _ := s.UpsertNode(KindProduct, "b", "B", nil)

	if err := s.UpsertEdge(a, b, EdgeCompetesWith, map[string]any{"weight": 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEdge(a, b, EdgeCompetesWith, map[string]any{"weight": 0.8, "source": "analysis"}); err != nil {
		t.Fatal(err)
	}

	if s.Stats().Edges != 1 {
		t.Fatalf("expected 1 edge, got %d", s.Stats().Edges)
	}
	snap := s.Export()
	e := snap.Edges[0]
	if e.Meta["weight"] != 0.8 {
		t.Errorf("expected newer weight 0.8, got %v", e.Meta["weight"])
	}
	if e.Meta["source"] != "analysis" {
		t.Errorf("expected merged metadata, got %v", e.Meta)
	}
}

func TestMultigraphKeepsDistinctTypes(t *testing.T) {
	s := New()
	a, _, _ := s.UpsertNode(KindProduct, "a", "A", nil)
	b, _, _ := s.UpsertNode(KindFeature, "export", "Export", nil)

	if err := s.UpsertEdge(a, b, EdgeHasFeature, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEdge(a, b, "plans_to_add", nil); err != nil {
		t.Fatal(err)
	}
	if s.Stats().Edges != 2 {
		t.Errorf("expected 2 edges for distinct types, got %d", s.Stats().Edges)
	}
}

func TestConcurrentUpsertMerges(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		attrs := map[string]any{"category": "CRM"}
		if i == 1 {
			attrs = map[string]any{"pricing": "freemium"}
		}
		wg.Add(1)
		go func(attrs map[string]any) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, _, err := s.UpsertNode(KindProduct, "acme-crm", "Acme CRM", attrs); err != nil {
					t.Errorf("upsert: %v", err)
					return
				}
			}
		}(attrs)
	}
	wg.Wait()

	if s.Stats().Nodes != 1 {
		t.Fatalf("expected exactly one node, got %d", s.Stats().Nodes)
	}
	n, _ := s.Node(NodeID(KindProduct, "acme-crm"))
	if n.Attrs["category"] != "CRM" {
		t.Errorf("expected category CRM, got %v", n.Attrs["category"])
	}
	if n.Attrs["pricing"] != "freemium" {
		t.Errorf("expected pricing freemium, got %v", n.Attrs["pricing"])
	}
}

func TestQueryByKindAndLabel(t *testing.T) {
	s := New()
	addProduct(t, s, "Taskhub")
	addProduct(t, s, "Notemaster")
	s.UpsertNode(KindCategory, "Productivity", "Productivity", nil)

	var got []string
	for n := range s.Query(Pattern{Kind: KindProduct}) {
		got = append(got, n.Label)
	}
	if len(got) != 2 || got[0] != "Taskhub" || got[1] != "Notemaster" {
		t.Errorf("expected [Taskhub Notemaster], got %v", got)
	}

	count := 0
	for n := range s.Query(Pattern{LabelContains: "task"}) {
		count++
		if n.Label != "Taskhub" {
			t.Errorf("expected Taskhub, got %s", n.Label)
		}
	}
	if count != 1 {
		t.Errorf("expected 1 match, got %d", count)
	}
}

func TestQueryAttrPredicates(t *testing.T) {
	s := New()
	s.UpsertNode(KindProduct, "a", "A", map[string]any{"pricing": "freemium", "tier": "smb"})
	s.UpsertNode(KindProduct, "b", "B", map[string]any{"pricing": "freemium", "tier": "enterprise"})
	s.UpsertNode(KindProduct, "c", "C", map[string]any{"pricing": "paid"})

	var got []string
	for n := range s.Query(Pattern{Attrs: map[string]any{"pricing": "freemium", "tier": "smb"}}) {
		got = append(got, n.ID)
	}
	if len(got) != 1 || got[0] != "product:a" {
		t.Errorf("expected [product:a], got %v", got)
	}
}

func TestQueryTraversal(t *testing.T) {
	s := New()
	a := addProduct(t, s, "A", "export", "sync")
	b := addProduct(t, s, "B", "sync")
	cat, _, _ := s.UpsertNode(KindCategory, "Productivity", "Productivity", nil)
	if err := s.UpsertEdge(a, cat, EdgeBelongsTo, nil); err != nil {
		t.Fatal(err)
	}

	// One hop over has_feature only reaches A's features.
	var oneHop []string
	for n := range s.Query(Pattern{Traverse: &Traversal{StartID: a, EdgeTypes: []string{EdgeHasFeature}, MaxHops: 1}}) {
		oneHop = append(oneHop, n.ID)
	}
	if len(oneHop) != 2 || oneHop[0] != "feature:export" || oneHop[1] != "feature:sync" {
		t.Errorf("expected A's features, got %v", oneHop)
	}

	// Unlimited hops crosses the shared feature to product B.
	foundB := false
	for n := range s.Query(Pattern{Kind: KindProduct, Traverse: &Traversal{StartID: a, EdgeTypes: []string{EdgeHasFeature}}}) {
		if n.ID == b {
			foundB = true
		}
		if n.ID == a {
			t.Error("start node should not be in the result")
		}
	}
	if !foundB {
		t.Error("expected traversal to reach B via shared feature")
	}

	// Unknown start yields nothing.
	for range s.Query(Pattern{Traverse: &Traversal{StartID: "product:nope"}}) {
		t.Fatal("expected empty sequence for unknown start")
	}
}

func TestQueryRestartable(t *testing.T) {
	s := New()
	addProduct(t, s, "A")
	addProduct(t, s, "B")

	seq := s.Query(Pattern{Kind: KindProduct})

	first := 0
	for range seq {
		first++
		break // early stop must not poison the sequence
	}
	second := 0
	for range seq {
		second++
	}
	if first != 1 || second != 2 {
		t.Errorf("expected restartable sequence, got first=%d second=%d", first, second)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := New()
	a := addProduct(t, s, "Taskhub", "export", "sync")
	addProduct(t, s, "Notemaster", "sync")
	cat, _, _ := s.UpsertNode(KindCategory, "Productivity", "Productivity", nil)
	s.UpsertEdge(a, cat, EdgeBelongsTo, map[string]any{"confidence": 0.9})
	s.UpsertNode(KindComplaint, "slow sync", "Slow sync", map[string]any{"severity": "high"})

	snap := s.Export()

	restored := New()
	if err := restored.Import(snap); err != nil {
		t.Fatalf("import: %v", err)
	}

	if got, want := restored.Stats(), s.Stats(); got.Nodes != want.Nodes || got.Edges != want.Edges {
		t.Errorf("expected %d nodes %d edges, got %d nodes %d edges", want.Nodes, want.Edges, got.Nodes, got.Edges)
	}

	n, ok := restored.Node("complaint:slow_sync")
	if !ok {
		t.Fatal("complaint missing after import")
	}
	if n.Attrs["severity"] != "high" {
		t.Errorf("expected severity high, got %v", n.Attrs["severity"])
	}

	re := restored.Export()
	var belongs *Edge
	for i := range re.Edges {
		if re.Edges[i].Type == EdgeBelongsTo {
			belongs = &re.Edges[i]
		}
	}
	if belongs == nil {
		t.Fatal("belongs_to edge missing after import")
	}
	if belongs.Meta["confidence"] != 0.9 {
		t.Errorf("expected edge metadata to survive, got %v", belongs.Meta)
	}

	// Importing a snapshot into its own source merges, never grows.
	before := s.Stats()
	if err := s.Import(snap); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if after := s.Stats(); after.Nodes != before.Nodes || after.Edges != before.Edges {
		t.Errorf("expected idempotent import, got %+v -> %+v", before, after)
	}
}

func TestImportRemapsForeignIDs(t *testing.T) {
	snap := Snapshot{
		Nodes: []Node{
			{ID: "n1", Kind: KindProduct, Key: "Acme CRM", Label: "Acme CRM"},
			{ID: "n2", Kind: KindFeature, Key: "export", Label: "Export"},
		},
		Edges: []Edge{{Source: "n1", Target: "n2", Type: EdgeHasFeature}},
	}

	s := New()
	if err := s.Import(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, ok := s.Node("product:acme_crm"); !ok {
		t.Error("expected identity key to resolve to product:acme_crm")
	}
	feats := s.Neighbors("product:acme_crm", EdgeHasFeature)
	if len(feats) != 1 || feats[0].ID != "feature:export" {
		t.Errorf("expected remapped edge, got %v", feats)
	}
}

func TestSimilarProducts(t *testing.T) {
	s := New()
	// B shares two of A's three features, C shares none, D all three.
	a := addProduct(t, s, "A", "export", "sync", "search")
	addProduct(t, s, "B", "export", "sync")
	addProduct(t, s, "C", "billing")
	addProduct(t, s, "D", "export", "sync", "search")

	sims, err := s.SimilarProducts(a, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sims) != 2 {
		t.Fatalf("expected 2 similar products, got %d", len(sims))
	}
	if sims[0].ProductID != "product:d" || sims[0].Score != 1 {
		t.Errorf("expected product:d first with score 1, got %+v", sims[0])
	}
	if sims[1].ProductID != "product:b" {
		t.Errorf("expected product:b second, got %+v", sims[1])
	}

	if _, err := s.SimilarProducts("product:missing", 0.5); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
}

func TestFeatureGaps(t *testing.T) {
	s := New()
	addProduct(t, s, "A", "export", "sync")
	addProduct(t, s, "B", "export")
	addProduct(t, s, "C", "billing")

	gaps := s.FeatureGaps(2)
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d", len(gaps))
	}
	g := gaps[0]
	if g.FeatureID != "feature:export" {
		t.Errorf("expected feature:export, got %s", g.FeatureID)
	}
	if len(g.Have) != 2 || g.Have[0] != "product:a" || g.Have[1] != "product:b" {
		t.Errorf("expected have [product:a product:b], got %v", g.Have)
	}
	if len(g.Missing) != 1 || g.Missing[0] != "product:c" {
		t.Errorf("expected missing [product:c], got %v", g.Missing)
	}
}

func TestNeighborsBothDirections(t *testing.T) {
	s := New()
	a, _, _ := s.UpsertNode(KindProduct, "a", "A", nil)
	f, _, _ := s.UpsertNode(KindFeature, "sync", "Sync", nil)
	if err := s.UpsertEdge(a, f, EdgeHasFeature, nil); err != nil {
		t.Fatal(err)
	}

	back := s.Neighbors(f)
	if len(back) != 1 || back[0].ID != a {
		t.Errorf("expected reverse neighbor %s, got %v", a, back)
	}
}
