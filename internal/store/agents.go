package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type AgentDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Capability  string          `json:"capability,omitempty"`
	DependsOn   json.RawMessage `json:"depends_on,omitempty"`
	Remote      bool            `json:"remote"`
	Image       string          `json:"image,omitempty"`
	Model       string          `json:"model,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

const agentColumns = `name, description, capability, depends_on, remote, image, model, updated_at`

func scanAgentDef(scanner interface {
	Scan(dest ...any) error
}) (*AgentDef, error) {
	a := &AgentDef{}
	var description, capability, image, model sql.NullString
	var dependsOn *string
	var remote int
	err := scanner.Scan(&a.Name, &description, &capability, &dependsOn, &remote, &image, &model, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	a.Capability = capability.String
	a.Image = image.String
	a.Model = model.String
	a.Remote = remote != 0
	if dependsOn != nil {
		a.DependsOn = json.RawMessage(*dependsOn)
	}
	return a, nil
}

// SyncAgents replaces the stored agent catalog with defs: every definition
// is upserted and rows for agents no longer defined are removed.
func (s *Store) SyncAgents(defs []AgentDef) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sync agents: %w", err)
	}
	defer tx.Rollback()

	for _, a := range defs {
		_, err := tx.Exec(`
			INSERT INTO agents (name, description, capability, depends_on, remote, image, model)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				description = excluded.description,
				capability = excluded.capability,
				depends_on = excluded.depends_on,
				remote = excluded.remote,
				image = excluded.image,
				model = excluded.model,
				updated_at = CURRENT_TIMESTAMP`,
			a.Name, a.Description, a.Capability, nullableJSON(a.DependsOn), boolToInt(a.Remote), a.Image, a.Model)
		if err != nil {
			return fmt.Errorf("sync agent %s: %w", a.Name, err)
		}
	}

	if len(defs) == 0 {
		if _, err := tx.Exec(`DELETE FROM agents`); err != nil {
			return err
		}
		return tx.Commit()
	}

	query := `DELETE FROM agents WHERE name NOT IN (`
	args := make([]any, len(defs))
	for i, a := range defs {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = a.Name
	}
	query += ")"
	if _, err := tx.Exec(query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetAgent(name string) (*AgentDef, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	a, err := scanAgentDef(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]AgentDef, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var defs []AgentDef
	for rows.Next() {
		a, err := scanAgentDef(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		defs = append(defs, *a)
	}
	return defs, rows.Err()
}
