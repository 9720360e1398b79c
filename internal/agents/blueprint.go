package agents

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"klonos/internal/graph"
	"klonos/internal/pipeline"
)

// ProductBlueprint drafts the build plan for the enhanced clone of
// the top-ranked product: rename, core plus borrowed features and a
// default stack.
type ProductBlueprint struct {
	graph *graph.Store
}

func NewProductBlueprint(g *graph.Store) *ProductBlueprint {
	return &ProductBlueprint{graph: g}
}

func (a *ProductBlueprint) Run(ctx context.Context, in pipeline.Input) (map[string]any, error) {
	products := mapsField(in.Fields, "products")
	if len(products) == 0 {
		return nil, errors.New("no product for blueprint")
	}
	top := productFromMap(products[0])
	if top.Name == "" {
		return nil, errors.New("top product has no name")
	}

	slog.Info("drafting blueprint", "run", in.RunID, "product", top.Name)

	// Borrow features the competitors have and the original lacks.
	id := top.ID
	if id == "" {
		id = graph.NodeID(graph.KindProduct, top.Name)
	}
	mine := make(map[string]bool, len(top.Features))
	for _, f := range top.Features {
		mine[strings.ToLower(f)] = true
	}
	var borrowed []string
	seen := make(map[string]bool)
	if sims, err := a.graph.SimilarProducts(id, 0.3); err == nil {
		for _, sim := range sims {
			for _, n := range a.graph.Neighbors(sim.ProductID, graph.EdgeHasFeature) {
				if n.Kind != graph.KindFeature {
					continue
				}
				key := strings.ToLower(n.Label)
				if mine[key] || seen[key] {
					continue
				}
				seen[key] = true
				borrowed = append(borrowed, n.Label)
			}
		}
	}

	newName := "Better" + strings.ReplaceAll(top.Name, " ", "")
	improvements := stringsField(in.Fields, "improvement_opportunities")

	blueprint := map[string]any{
		"product_name":     newName,
		"original_product": top.Name,
		"description":      "Enhanced clone of " + top.Name + " with the gaps competitors already closed",
		"features": map[string]any{
			"core":     top.Features,
			"borrowed": borrowed,
		},
		"enhancements": improvements,
		"stack": map[string]any{
			"frontend": "React with TypeScript",
			"backend":  "Go HTTP API",
			"database": "PostgreSQL",
			"hosting":  "containerized, single-region to start",
		},
		"target_user":   top.Audience,
		"pricing_model": top.Pricing,
	}

	slog.Info("blueprint ready", "run", in.RunID,
		"product", newName, "core_features", len(top.Features), "borrowed", len(borrowed))

	return blueprint, nil
}
