package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"klonos/internal/graph"
	"klonos/internal/pipeline"
)

// GapAnalysis mines complaints for the discovered products, links
// competitors in the graph and turns shared-feature gaps into concrete
// improvement opportunities.
type GapAnalysis struct {
	graph *graph.Store
}

func NewGapAnalysis(g *graph.Store) *GapAnalysis {
	return &GapAnalysis{graph: g}
}

func (a *GapAnalysis) Run(ctx context.Context, in pipeline.Input) (map[string]any, error) {
	products := mapsField(in.Fields, "products")
	if len(products) == 0 {
		return nil, errors.New("no products to analyze")
	}

	slog.Info("analyzing gaps", "run", in.RunID, "products", len(products))

	reviews := 0
	var improvements []string
	for _, m := range products {
		p := productFromMap(m)
		if p.Name == "" {
			continue
		}
		for _, complaint := range complaintsFor(p.Name) {
			cid, _, err := a.graph.UpsertNode(graph.KindComplaint, complaint, complaint, nil)
			if err != nil {
				return nil, err
			}
			productID := p.ID
			if productID == "" {
				productID = graph.NodeID(graph.KindProduct, p.Name)
			}
			if err := a.graph.UpsertEdge(cid, productID, graph.EdgeComplainsAbout, nil); err != nil {
				return nil, err
			}
			improvements = append(improvements, fmt.Sprintf("Fix %q reported against %s", complaint, p.Name))
			reviews++
		}
	}

	// Wire competitor edges from feature overlap.
	competitors := 0
	for _, m := range products {
		p := productFromMap(m)
		id := p.ID
		if id == "" {
			id = graph.NodeID(graph.KindProduct, p.Name)
		}
		sims, err := a.graph.SimilarProducts(id, 0.5)
		if err != nil {
			continue
		}
		for _, sim := range sims {
			err := a.graph.UpsertEdge(id, sim.ProductID, graph.EdgeCompetesWith,
				map[string]any{"similarity": sim.Score})
			if err != nil {
				return nil, err
			}
			competitors++
		}
	}

	// Features common across the market that some product still lacks.
	var gaps []map[string]any
	for _, fg := range a.graph.FeatureGaps(2) {
		gaps = append(gaps, map[string]any{
			"feature": fg.Label,
			"have":    fg.Have,
			"missing": fg.Missing,
		})
		for _, miss := range fg.Missing {
			label := miss
			if n, ok := a.graph.Node(miss); ok {
				label = n.Label
			}
			improvements = append(improvements, fmt.Sprintf("Add %s to %s", fg.Label, label))
		}
	}

	slog.Info("gap analysis complete", "run", in.RunID,
		"reviews", reviews, "gaps", len(gaps), "competitor_edges", competitors)

	return map[string]any{
		"products":                  products,
		"reviews_analyzed":          reviews,
		"identified_gaps":           gaps,
		"improvement_opportunities": improvements,
	}, nil
}
