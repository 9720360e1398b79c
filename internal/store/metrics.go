package store

import (
	"fmt"
	"time"
)

// Metric is one measured value from a run, e.g. an agent duration or a
// discovered-product count.
type Metric struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Agent      string    `json:"agent,omitempty"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Store) RecordMetric(runID, agent, name string, value float64) error {
	_, err := s.db.Exec(`
		INSERT INTO run_metrics (run_id, agent, name, value)
		VALUES (?, ?, ?, ?)`, runID, agent, name, value)
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

func (s *Store) ListMetrics(runID string) ([]Metric, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, agent, name, value, recorded_at
		FROM run_metrics WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		var agent *string
		if err := rows.Scan(&m.ID, &m.RunID, &agent, &m.Name, &m.Value, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if agent != nil {
			m.Agent = *agent
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
