package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"klonos/internal/graph"
	"klonos/internal/pipeline"
)

// KnowledgeGraph exposes graph curation and analysis as a pipeline
// agent. The operation field selects what to do; without one the agent
// produces a market analysis over everything recorded so far.
type KnowledgeGraph struct {
	graph *graph.Store
}

func NewKnowledgeGraph(g *graph.Store) *KnowledgeGraph {
	return &KnowledgeGraph{graph: g}
}

func (a *KnowledgeGraph) Run(ctx context.Context, in pipeline.Input) (map[string]any, error) {
	op := stringField(in.Fields, "operation", "analyze")
	slog.Info("knowledge graph operation", "run", in.RunID, "operation", op)

	switch op {
	case "add_product":
		return a.addProduct(mapField(in.Fields, "product_data"))
	case "add_multiple_products":
		return a.addProducts(mapsField(in.Fields, "products_data"))
	case "analyze_product":
		return a.analyzeProduct(stringField(in.Fields, "product_name", ""))
	case "find_enhancement_opportunities":
		return a.enhancementOpportunities(stringField(in.Fields, "product_name", ""))
	case "market_analysis":
		return a.marketAnalysis(stringField(in.Fields, "category", ""))
	case "analyze":
		return a.marketAnalysis("")
	default:
		return nil, fmt.Errorf("unknown operation: %s", op)
	}
}

func (a *KnowledgeGraph) addProduct(data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, errors.New("product_data is required")
	}
	p := productFromMap(data)
	if p.Name == "" {
		return nil, errors.New("product_data has no name")
	}
	id, err := upsertProduct(a.graph, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":       "success",
		"product_id":   id,
		"product_name": p.Name,
	}, nil
}

func (a *KnowledgeGraph) addProducts(data []map[string]any) (map[string]any, error) {
	added := make([]string, 0, len(data))
	for _, m := range data {
		p := productFromMap(m)
		if p.Name == "" {
			continue
		}
		id, err := upsertProduct(a.graph, p)
		if err != nil {
			return nil, err
		}
		added = append(added, id)
	}
	return map[string]any{
		"status":         "success",
		"added_count":    len(added),
		"added_products": added,
	}, nil
}

func (a *KnowledgeGraph) analyzeProduct(name string) (map[string]any, error) {
	if name == "" {
		return nil, errors.New("product_name is required")
	}
	id := graph.NodeID(graph.KindProduct, name)
	if _, ok := a.graph.Node(id); !ok {
		return nil, fmt.Errorf("unknown product: %s", name)
	}

	features := a.productFeatures(id)
	mine := make(map[string]bool, len(features))
	for _, f := range features {
		mine[strings.ToLower(f)] = true
	}

	sims, err := a.graph.SimilarProducts(id, 0.5)
	if err != nil {
		return nil, err
	}

	competitors := make([]string, 0, len(sims))
	similar := make([]map[string]any, 0, len(sims))
	missing := make(map[string]any, len(sims))
	for _, sim := range sims {
		competitors = append(competitors, sim.Label)
		similar = append(similar, map[string]any{
			"product":    sim.Label,
			"similarity": sim.Score,
		})
		var lacks []string
		for _, f := range a.productFeatures(sim.ProductID) {
			if !mine[strings.ToLower(f)] {
				lacks = append(lacks, f)
			}
		}
		if len(lacks) > 0 {
			missing[sim.Label] = lacks
		}
	}

	return map[string]any{
		"product_name":     name,
		"features":         features,
		"competitors":      competitors,
		"missing_features": missing,
		"similar_products": similar,
	}, nil
}

func (a *KnowledgeGraph) enhancementOpportunities(name string) (map[string]any, error) {
	analysis, err := a.analyzeProduct(name)
	if err != nil {
		return nil, err
	}

	// Flatten the per-competitor missing features.
	var missing []string
	seen := make(map[string]bool)
	if m, ok := analysis["missing_features"].(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if list, ok := m[k].([]string); ok {
				for _, f := range list {
					if !seen[strings.ToLower(f)] {
						seen[strings.ToLower(f)] = true
						missing = append(missing, f)
					}
				}
			}
		}
	}

	return map[string]any{
		"product_name":              name,
		"enhancement_opportunities": recommendations(name, missing),
		"knowledge_graph_analysis":  analysis,
	}, nil
}

func (a *KnowledgeGraph) marketAnalysis(category string) (map[string]any, error) {
	var names []string
	for n := range a.graph.Query(graph.Pattern{Kind: graph.KindProduct}) {
		if category != "" && !a.inCategory(n.ID, category) {
			continue
		}
		names = append(names, n.Label)
	}

	categoryName := category
	if categoryName == "" {
		categoryName = "all"
	}

	analysis := map[string]any{
		"category":         categoryName,
		"product_count":    len(names),
		"products":         names,
		"popular_features": a.popularFeatures(category, 15),
	}

	if category == "" {
		distribution := make(map[string]any)
		for c := range a.graph.Query(graph.Pattern{Kind: graph.KindCategory}) {
			count := 0
			for _, n := range a.graph.Neighbors(c.ID, graph.EdgeBelongsTo) {
				if n.Kind == graph.KindProduct {
					count++
				}
			}
			if count > 0 {
				distribution[c.Label] = count
			}
		}
		if len(distribution) > 0 {
			analysis["category_distribution"] = distribution
		}
	}

	return analysis, nil
}

func (a *KnowledgeGraph) productFeatures(productID string) []string {
	var out []string
	for _, n := range a.graph.Neighbors(productID, graph.EdgeHasFeature) {
		if n.Kind == graph.KindFeature {
			out = append(out, n.Label)
		}
	}
	return out
}

func (a *KnowledgeGraph) inCategory(productID, category string) bool {
	for _, n := range a.graph.Neighbors(productID, graph.EdgeBelongsTo) {
		if n.Kind == graph.KindCategory && strings.EqualFold(n.Label, category) {
			return true
		}
	}
	return false
}

// popularFeatures ranks features by how many products carry them,
// optionally restricted to one category.
func (a *KnowledgeGraph) popularFeatures(category string, limit int) []map[string]any {
	type entry struct {
		label string
		count int
	}
	var entries []entry
	for f := range a.graph.Query(graph.Pattern{Kind: graph.KindFeature}) {
		count := 0
		for _, n := range a.graph.Neighbors(f.ID, graph.EdgeHasFeature) {
			if n.Kind != graph.KindProduct {
				continue
			}
			if category != "" && !a.inCategory(n.ID, category) {
				continue
			}
			count++
		}
		if count > 0 {
			entries = append(entries, entry{f.Label, count})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].label < entries[j].label
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{"feature": e.label, "count": e.count}
	}
	return out
}

// recommendations derives enhancement suggestions from the product name
// and its missing features.
func recommendations(name string, missing []string) map[string]any {
	n := len(missing)
	if n > 3 {
		n = 3
	}
	top := append([]string(nil), missing[:n]...)
	lower := strings.ToLower(name)
	contains := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}

	switch {
	case contains("task", "project", "management"):
		return map[string]any{
			"must_have_features":           append(top, "Advanced filtering and sorting", "Customizable dashboards"),
			"innovative_differentiators":   []string{"AI task prioritization", "Predictive deadline estimation"},
			"user_experience_improvements": []string{"Simplified task creation flow", "Keyboard shortcuts for common actions"},
			"technical_enhancements":       []string{"Offline mode support", "Faster synchronization between devices"},
			"integration_opportunities":    []string{"Calendar integration", "Email integration for task creation"},
		}
	case contains("document", "note", "wiki"):
		return map[string]any{
			"must_have_features":           append(top, "Real-time collaboration", "Version history"),
			"innovative_differentiators":   []string{"AI-powered content suggestions", "Semantic knowledge graph"},
			"user_experience_improvements": []string{"Distraction-free writing mode", "Customizable formatting options"},
			"technical_enhancements":       []string{"Faster document loading", "Better conflict resolution"},
			"integration_opportunities":    []string{"Reference manager integration", "Export to multiple formats"},
		}
	case contains("chat", "communication", "messaging"):
		return map[string]any{
			"must_have_features":           append(top, "Message threading", "Read receipts"),
			"innovative_differentiators":   []string{"AI message summarization", "Sentiment analysis for team health"},
			"user_experience_improvements": []string{"Simplified file sharing", "Better notification management"},
			"technical_enhancements":       []string{"End-to-end encryption", "Improved search"},
			"integration_opportunities":    []string{"Project management integration", "Calendar integration for scheduling"},
		}
	case contains("analytics", "data", "metrics"):
		return map[string]any{
			"must_have_features":           append(top, "Custom report builder", "Scheduled reports"),
			"innovative_differentiators":   []string{"AI-powered insight generation", "Anomaly detection"},
			"user_experience_improvements": []string{"Simplified dashboard creation", "Mobile-optimized views"},
			"technical_enhancements":       []string{"Faster query processing", "Better data compression"},
			"integration_opportunities":    []string{"CRM data integration", "Marketing platform integrations"},
		}
	default:
		return map[string]any{
			"must_have_features":           append(top, "User management", "Customizable dashboard"),
			"innovative_differentiators":   []string{"AI-powered assistance", "Personalized user experience"},
			"user_experience_improvements": []string{"Simplified onboarding", "Dark mode support"},
			"technical_enhancements":       []string{"Improved performance", "Better mobile responsiveness"},
			"integration_opportunities":    []string{"Third-party API", "Single sign-on support"},
		}
	}
}
