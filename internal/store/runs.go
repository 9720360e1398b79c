package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PipelineRun is one execution of the agent pipeline. Error carries the
// run-level failure (a required agent that did not succeed); per-agent
// errors live on the result rows.
type PipelineRun struct {
	ID          string          `json:"id"`
	Pipeline    string          `json:"pipeline"`
	Status      string          `json:"status"`
	Initial     json.RawMessage `json:"initial,omitempty"`
	Required    json.RawMessage `json:"required,omitempty"`
	OutputRoot  string          `json:"output_root,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

const runColumns = `id, pipeline, status, initial, required, output_root, error, started_at, completed_at`

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*PipelineRun, error) {
	r := &PipelineRun{}
	var initial, required, outputRoot, errMsg *string
	err := scanner.Scan(&r.ID, &r.Pipeline, &r.Status, &initial, &required, &outputRoot, &errMsg, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if initial != nil {
		r.Initial = json.RawMessage(*initial)
	}
	if required != nil {
		r.Required = json.RawMessage(*required)
	}
	if outputRoot != nil {
		r.OutputRoot = *outputRoot
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return r, nil
}

func (s *Store) SaveRun(r *PipelineRun) error {
	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs (id, pipeline, status, initial, required, output_root)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			output_root = excluded.output_root,
			completed_at = CASE WHEN excluded.status IN ('completed', 'failed', 'cancelled') THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Pipeline, r.Status, nullableJSON(r.Initial), nullableJSON(r.Required), r.OutputRoot)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRunStatus(id, status, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE pipeline_runs
		SET status = ?,
		    error = ?,
		    completed_at = CASE WHEN ? IN ('completed', 'failed', 'cancelled') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, errMsg, status, id)
	return err
}

func (s *Store) GetRun(id string) (*PipelineRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns(limit int) ([]PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteRun(id string) error {
	if _, err := s.db.Exec(`DELETE FROM agent_results WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete run results: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM run_metrics WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete run metrics: %w", err)
	}
	_, err := s.db.Exec(`DELETE FROM pipeline_runs WHERE id = ?`, id)
	return err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
