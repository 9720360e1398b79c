package agents

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"klonos/internal/graph"
	"klonos/internal/pipeline"
	"klonos/internal/store"
)

// MarketDiscovery finds candidate products for a category, records them
// in the knowledge graph and the product table, and hands the ranked
// list downstream.
type MarketDiscovery struct {
	graph *graph.Store
	store *store.Store
}

func NewMarketDiscovery(g *graph.Store, s *store.Store) *MarketDiscovery {
	return &MarketDiscovery{graph: g, store: s}
}

func (a *MarketDiscovery) Run(ctx context.Context, in pipeline.Input) (map[string]any, error) {
	category := stringField(in.Fields, "category", "productivity")
	limit := intField(in.Fields, "limit", 5)
	if limit < 1 {
		limit = 1
	}

	slog.Info("discovering products", "run", in.RunID, "category", category, "limit", limit)

	var picked []seedProduct
	for _, p := range catalog {
		if strings.EqualFold(p.Category, category) {
			picked = append(picked, p)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].Score > picked[j].Score })
	if len(picked) > limit {
		picked = picked[:limit]
	}

	products := make([]map[string]any, 0, len(picked))
	for _, p := range picked {
		id, err := upsertProduct(a.graph, p.product)
		if err != nil {
			return nil, err
		}
		p.ID = id

		if a.store != nil {
			err := a.store.SaveProduct(&store.Product{
				ID:          id,
				Name:        p.Name,
				Category:    p.Category,
				Description: p.Description,
				URL:         p.URL,
				Pricing:     p.Pricing,
				Audience:    p.Audience,
				Features:    marshalFeatures(p.Features),
				SourceRun:   in.RunID,
			})
			if err != nil {
				slog.Warn("save product failed", "run", in.RunID, "product", p.Name, "error", err)
			}
		}

		products = append(products, p.asMap())
	}

	slog.Info("discovery complete", "run", in.RunID, "category", category, "products", len(products))

	return map[string]any{
		"products": products,
		"count":    len(products),
		"category": category,
	}, nil
}
