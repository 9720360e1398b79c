package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Refresh is a scheduled pipeline re-run that keeps the knowledge
// graph current, e.g. re-scanning a market category every night.
type Refresh struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"`
	Initial    json.RawMessage `json:"initial,omitempty"`
	Status     string          `json:"status"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	LastRunID  string          `json:"last_run_id,omitempty"`
	LastStatus string          `json:"last_status,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

const refreshColumns = `id, name, schedule, initial, status, next_run_at, last_run_at, last_run_id, last_status, last_error, created_at`

func scanRefresh(scanner interface {
	Scan(dest ...any) error
}) (*Refresh, error) {
	r := &Refresh{}
	var initial, lastRunID, lastStatus, lastError *string
	err := scanner.Scan(&r.ID, &r.Name, &r.Schedule, &initial, &r.Status,
		&r.NextRunAt, &r.LastRunAt, &lastRunID, &lastStatus, &lastError, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if initial != nil {
		r.Initial = json.RawMessage(*initial)
	}
	if lastRunID != nil {
		r.LastRunID = *lastRunID
	}
	if lastStatus != nil {
		r.LastStatus = *lastStatus
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	return r, nil
}

func (s *Store) SaveRefresh(r *Refresh) error {
	_, err := s.db.Exec(`
		INSERT INTO refreshes (id, name, schedule, initial, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			initial = excluded.initial,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		r.ID, r.Name, r.Schedule, nullableJSON(r.Initial), r.Status, r.NextRunAt)
	if err != nil {
		return fmt.Errorf("save refresh: %w", err)
	}
	return nil
}

func (s *Store) GetRefresh(id string) (*Refresh, error) {
	row := s.db.QueryRow(`SELECT `+refreshColumns+` FROM refreshes WHERE id = ?`, id)
	r, err := scanRefresh(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh: %w", err)
	}
	return r, nil
}

func (s *Store) ListRefreshes() ([]Refresh, error) {
	rows, err := s.db.Query(`SELECT ` + refreshColumns + ` FROM refreshes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list refreshes: %w", err)
	}
	defer rows.Close()

	var refreshes []Refresh
	for rows.Next() {
		r, err := scanRefresh(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refresh: %w", err)
		}
		refreshes = append(refreshes, *r)
	}
	return refreshes, rows.Err()
}

// GetDueRefreshes returns active refreshes whose next run time has
// passed.
func (s *Store) GetDueRefreshes(now time.Time) ([]Refresh, error) {
	rows, err := s.db.Query(`
		SELECT `+refreshColumns+`
		FROM refreshes
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due refreshes: %w", err)
	}
	defer rows.Close()

	var refreshes []Refresh
	for rows.Next() {
		r, err := scanRefresh(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refresh: %w", err)
		}
		refreshes = append(refreshes, *r)
	}
	return refreshes, rows.Err()
}

func (s *Store) UpdateRefreshRun(id, runID, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE refreshes
		SET last_run_at = CURRENT_TIMESTAMP, last_run_id = ?, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, runID, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateRefreshStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE refreshes SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteRefresh(id string) error {
	_, err := s.db.Exec(`DELETE FROM refreshes WHERE id = ?`, id)
	return err
}
