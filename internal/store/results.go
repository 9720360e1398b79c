package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentResult is one agent's recorded outcome within a run.
type AgentResult struct {
	RunID            string          `json:"run_id"`
	Agent            string          `json:"agent"`
	Capability       string          `json:"capability,omitempty"`
	Status           string          `json:"status"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	OutputPath       string          `json:"output_path,omitempty"`
	Error            string          `json:"error,omitempty"`
	TimedOut         bool            `json:"timed_out"`
	FailedDependency string          `json:"failed_dependency,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      time.Time       `json:"completed_at"`
}

const resultColumns = `run_id, agent, capability, status, payload, output_path, error, timed_out, failed_dependency, started_at, completed_at`

func scanResult(scanner interface {
	Scan(dest ...any) error
}) (*AgentResult, error) {
	r := &AgentResult{}
	var capability, payload, outputPath, errMsg, failedDep sql.NullString
	var timedOut int
	err := scanner.Scan(&r.RunID, &r.Agent, &capability, &r.Status, &payload, &outputPath,
		&errMsg, &timedOut, &failedDep, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.Capability = capability.String
	r.OutputPath = outputPath.String
	r.Error = errMsg.String
	r.FailedDependency = failedDep.String
	r.TimedOut = timedOut == 1
	if payload.Valid && payload.String != "" {
		r.Payload = json.RawMessage(payload.String)
	}
	return r, nil
}

// SaveResult records one agent outcome. Re-saving the same (run, agent)
// replaces the row, which keeps retries idempotent.
func (s *Store) SaveResult(r *AgentResult) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_results (run_id, agent, capability, status, payload, output_path, error, timed_out, failed_dependency, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, agent) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			output_path = excluded.output_path,
			error = excluded.error,
			timed_out = excluded.timed_out,
			failed_dependency = excluded.failed_dependency,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		r.RunID, r.Agent, r.Capability, r.Status, nullableJSON(r.Payload), r.OutputPath,
		r.Error, boolToInt(r.TimedOut), r.FailedDependency, r.StartedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *Store) GetResult(runID, agent string) (*AgentResult, error) {
	row := s.db.QueryRow(`SELECT `+resultColumns+` FROM agent_results WHERE run_id = ? AND agent = ?`, runID, agent)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return r, nil
}

func (s *Store) ListResults(runID string) ([]AgentResult, error) {
	rows, err := s.db.Query(`SELECT `+resultColumns+` FROM agent_results WHERE run_id = ? ORDER BY started_at, agent`, runID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []AgentResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}
