package graph

import (
	"fmt"
	"sort"
)

// Similarity scores how much another product's feature set overlaps the
// queried one.
type Similarity struct {
	ProductID string  `json:"product_id"`
	Label     string  `json:"label"`
	Score     float64 `json:"score"`
}

// SimilarProducts ranks other products by Jaccard similarity of their
// feature sets against the given product. Products scoring below the
// threshold are omitted. Results are sorted by score descending, then
// id.
func (s *Store) SimilarProducts(productID string, threshold float64) ([]Similarity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	base, ok := s.nodes[productID]
	if !ok || base.Kind != KindProduct {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, productID)
	}

	baseFeatures := s.featureSetLocked(productID)

	var out []Similarity
	for _, id := range s.nodeOrder {
		n := s.nodes[id]
		if n.Kind != KindProduct || id == productID {
			continue
		}
		score := jaccard(baseFeatures, s.featureSetLocked(id))
		if score >= threshold {
			out = append(out, Similarity{ProductID: id, Label: n.Label, Score: score})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}

// FeatureGap is a feature several products share while others lack it,
// making it a candidate for a clone's feature list.
type FeatureGap struct {
	FeatureID string   `json:"feature_id"`
	Label     string   `json:"label"`
	Have      []string `json:"have"`
	Missing   []string `json:"missing"`
}

// FeatureGaps finds features present in at least minProducts products
// and reports which products lack each one. Features without any
// missing product are skipped. Results follow node insertion order.
func (s *Store) FeatureGaps(minProducts int) []FeatureGap {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if minProducts < 1 {
		minProducts = 1
	}

	var products []string
	for _, id := range s.nodeOrder {
		if s.nodes[id].Kind == KindProduct {
			products = append(products, id)
		}
	}

	var out []FeatureGap
	for _, id := range s.nodeOrder {
		n := s.nodes[id]
		if n.Kind != KindFeature {
			continue
		}
		have := make(map[string]bool)
		for _, h := range s.adj[id] {
			if h.typ != EdgeHasFeature {
				continue
			}
			if p, ok := s.nodes[h.peer]; ok && p.Kind == KindProduct {
				have[h.peer] = true
			}
		}
		if len(have) < minProducts {
			continue
		}
		gap := FeatureGap{FeatureID: id, Label: n.Label}
		for _, pid := range products {
			if have[pid] {
				gap.Have = append(gap.Have, pid)
			} else {
				gap.Missing = append(gap.Missing, pid)
			}
		}
		if len(gap.Missing) > 0 {
			out = append(out, gap)
		}
	}
	return out
}

func (s *Store) featureSetLocked(productID string) map[string]bool {
	set := make(map[string]bool)
	for _, h := range s.adj[productID] {
		if h.typ != EdgeHasFeature {
			continue
		}
		if n, ok := s.nodes[h.peer]; ok && n.Kind == KindFeature {
			set[h.peer] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for id := range a {
		if b[id] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
