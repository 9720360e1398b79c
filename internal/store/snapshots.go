package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GraphSnapshot is a serialized knowledge graph tied to the run that
// produced it. The newest snapshot is restored on startup.
type GraphSnapshot struct {
	RunID   string          `json:"run_id"`
	Nodes   int             `json:"nodes"`
	Edges   int             `json:"edges"`
	Data    json.RawMessage `json:"data"`
	TakenAt time.Time       `json:"taken_at"`
}

func (s *Store) SaveGraphSnapshot(snap *GraphSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO graph_snapshots (run_id, nodes, edges, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			nodes = excluded.nodes,
			edges = excluded.edges,
			data = excluded.data,
			taken_at = CURRENT_TIMESTAMP`,
		snap.RunID, snap.Nodes, snap.Edges, string(snap.Data))
	if err != nil {
		return fmt.Errorf("save graph snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetGraphSnapshot(runID string) (*GraphSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT run_id, nodes, edges, data, taken_at
		FROM graph_snapshots WHERE run_id = ?`, runID)
	return scanSnapshotRow(row)
}

// LatestGraphSnapshot returns the most recently taken snapshot, or nil
// when none exists yet.
func (s *Store) LatestGraphSnapshot() (*GraphSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT run_id, nodes, edges, data, taken_at
		FROM graph_snapshots ORDER BY taken_at DESC, run_id DESC LIMIT 1`)
	return scanSnapshotRow(row)
}

func scanSnapshotRow(row *sql.Row) (*GraphSnapshot, error) {
	snap := &GraphSnapshot{}
	var data string
	err := row.Scan(&snap.RunID, &snap.Nodes, &snap.Edges, &data, &snap.TakenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan graph snapshot: %w", err)
	}
	snap.Data = json.RawMessage(data)
	return snap, nil
}
