// Package agents holds the in-process pipeline runners: the research
// stages that discover products, analyze gaps, draft blueprints and
// curate the knowledge graph. Build stages (design, frontend and so on)
// normally run as remote container agents; Stage stands in for them
// when containers are unavailable.
package agents

import (
	"encoding/json"
	"fmt"

	"klonos/internal/graph"
	"klonos/internal/pipeline"
	"klonos/internal/store"
)

// Builtins returns the local runners keyed by agent name, matching the
// default pipeline configuration.
func Builtins(g *graph.Store, s *store.Store) map[string]pipeline.Runner {
	return map[string]pipeline.Runner{
		"market_discovery":  NewMarketDiscovery(g, s),
		"gap_analysis":      NewGapAnalysis(g),
		"product_blueprint": NewProductBlueprint(g),
		"knowledge_graph":   NewKnowledgeGraph(g),
	}
}

// product is the shape agents pass between stages and write into the
// knowledge graph.
type product struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Pricing     string   `json:"pricing,omitempty"`
	Audience    string   `json:"audience,omitempty"`
	Score       float64  `json:"score,omitempty"`
	Features    []string `json:"features,omitempty"`
}

func (p product) asMap() map[string]any {
	features := make([]any, len(p.Features))
	for i, f := range p.Features {
		features[i] = f
	}
	m := map[string]any{
		"id":       p.ID,
		"name":     p.Name,
		"category": p.Category,
		"features": features,
	}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if p.URL != "" {
		m["url"] = p.URL
	}
	if p.Pricing != "" {
		m["pricing"] = p.Pricing
	}
	if p.Audience != "" {
		m["audience"] = p.Audience
	}
	if p.Score != 0 {
		m["score"] = p.Score
	}
	return m
}

// upsertProduct writes a product with its features and category into
// the graph and returns the product node id.
func upsertProduct(g *graph.Store, p product) (string, error) {
	attrs := map[string]any{}
	if p.Description != "" {
		attrs["description"] = p.Description
	}
	if p.URL != "" {
		attrs["url"] = p.URL
	}
	if p.Pricing != "" {
		attrs["pricing"] = p.Pricing
	}
	if p.Audience != "" {
		attrs["audience"] = p.Audience
	}
	if p.Score != 0 {
		attrs["score"] = p.Score
	}

	id, _, err := g.UpsertNode(graph.KindProduct, p.Name, p.Name, attrs)
	if err != nil {
		return "", fmt.Errorf("upsert product %s: %w", p.Name, err)
	}

	for _, f := range p.Features {
		fid, _, err := g.UpsertNode(graph.KindFeature, f, f, nil)
		if err != nil {
			return "", fmt.Errorf("upsert feature %s: %w", f, err)
		}
		if err := g.UpsertEdge(id, fid, graph.EdgeHasFeature, nil); err != nil {
			return "", err
		}
	}

	if p.Category != "" {
		cid, _, err := g.UpsertNode(graph.KindCategory, p.Category, p.Category, nil)
		if err != nil {
			return "", fmt.Errorf("upsert category %s: %w", p.Category, err)
		}
		if err := g.UpsertEdge(id, cid, graph.EdgeBelongsTo, nil); err != nil {
			return "", err
		}
	}

	return id, nil
}

// Payload field coercion. In-process payloads keep their Go types while
// payloads that crossed NATS arrive as generic JSON values, so both
// shapes must decode.

func stringField(fields map[string]any, key, def string) string {
	if v, ok := fields[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intField(fields map[string]any, key string, def int) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func stringsField(fields map[string]any, key string) []string {
	switch v := fields[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mapField(fields map[string]any, key string) map[string]any {
	if v, ok := fields[key].(map[string]any); ok {
		return v
	}
	return nil
}

func mapsField(fields map[string]any, key string) []map[string]any {
	switch v := fields[key].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func productFromMap(m map[string]any) product {
	return product{
		ID:          stringField(m, "id", ""),
		Name:        stringField(m, "name", ""),
		Category:    stringField(m, "category", ""),
		Description: stringField(m, "description", ""),
		URL:         stringField(m, "url", ""),
		Pricing:     stringField(m, "pricing", ""),
		Audience:    stringField(m, "audience", ""),
		Features:    stringsField(m, "features"),
	}
}

func marshalFeatures(features []string) json.RawMessage {
	if len(features) == 0 {
		return nil
	}
	data, err := json.Marshal(features)
	if err != nil {
		return nil
	}
	return data
}
