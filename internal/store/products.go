package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Product is a discovered SaaS product, mirrored out of the knowledge
// graph for listing and search without walking the graph.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Category    string          `json:"category,omitempty"`
	Description string          `json:"description,omitempty"`
	URL         string          `json:"url,omitempty"`
	Pricing     string          `json:"pricing,omitempty"`
	Audience    string          `json:"audience,omitempty"`
	Features    json.RawMessage `json:"features,omitempty"`
	SourceRun   string          `json:"source_run,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

const productColumns = `id, name, category, description, url, pricing, audience, features, source_run, created_at, updated_at`

func scanProduct(scanner interface {
	Scan(dest ...any) error
}) (*Product, error) {
	p := &Product{}
	var category, description, url, pricing, audience, features, sourceRun sql.NullString
	err := scanner.Scan(&p.ID, &p.Name, &category, &description, &url, &pricing,
		&audience, &features, &sourceRun, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Category = category.String
	p.Description = description.String
	p.URL = url.String
	p.Pricing = pricing.String
	p.Audience = audience.String
	p.SourceRun = sourceRun.String
	if features.Valid && features.String != "" {
		p.Features = json.RawMessage(features.String)
	}
	return p, nil
}

func (s *Store) SaveProduct(p *Product) error {
	_, err := s.db.Exec(`
		INSERT INTO products (id, name, category, description, url, pricing, audience, features, source_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			description = excluded.description,
			url = excluded.url,
			pricing = excluded.pricing,
			audience = excluded.audience,
			features = excluded.features,
			source_run = excluded.source_run,
			updated_at = CURRENT_TIMESTAMP`,
		p.ID, p.Name, p.Category, p.Description, p.URL, p.Pricing, p.Audience,
		nullableJSON(p.Features), p.SourceRun)
	if err != nil {
		return fmt.Errorf("save product: %w", err)
	}
	return nil
}

func (s *Store) GetProduct(id string) (*Product, error) {
	row := s.db.QueryRow(`SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (s *Store) ListProducts(category string) ([]Product, error) {
	query := `SELECT ` + productColumns + ` FROM products ORDER BY name`
	args := []any{}
	if category != "" {
		query = `SELECT ` + productColumns + ` FROM products WHERE category = ? ORDER BY name`
		args = append(args, category)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}
