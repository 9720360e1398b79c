package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Secret is an encrypted credential injected into agent environments.
// Value and Nonce hold ciphertext; the vault package owns the cipher.
type Secret struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Value       []byte    `json:"-"`
	Nonce       []byte    `json:"-"`
	Global      bool      `json:"global"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) SaveSecret(sec *Secret) error {
	_, err := s.db.Exec(`
		INSERT INTO secrets (name, description, value, nonce, global)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description=excluded.description,
			value=excluded.value, nonce=excluded.nonce,
			global=excluded.global, updated_at=CURRENT_TIMESTAMP`,
		sec.Name, sec.Description, sec.Value, sec.Nonce, boolToInt(sec.Global))
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecret(name string) (*Secret, error) {
	row := s.db.QueryRow(`
		SELECT name, description, value, nonce, global, created_at, updated_at
		FROM secrets WHERE name = ?`, name)
	sec, err := scanSecret(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return sec, nil
}

// ListSecrets returns metadata only; ciphertext stays out of listings.
func (s *Store) ListSecrets() ([]Secret, error) {
	rows, err := s.db.Query(`
		SELECT name, description, global, created_at, updated_at
		FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		sec, err := scanSecretMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		secrets = append(secrets, *sec)
	}
	return secrets, rows.Err()
}

func (s *Store) DeleteSecret(name string) error {
	if _, err := s.db.Exec(`DELETE FROM agent_secrets WHERE secret_name = ?`, name); err != nil {
		return fmt.Errorf("delete secret grants: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM secrets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// GetAgentSecrets returns every secret visible to agent: global ones
// plus those explicitly granted. Values included.
func (s *Store) GetAgentSecrets(agent string) ([]Secret, error) {
	rows, err := s.db.Query(`
		SELECT s.name, s.description, s.value, s.nonce, s.global, s.created_at, s.updated_at
		FROM secrets s
		WHERE s.global = 1
		   OR s.name IN (SELECT secret_name FROM agent_secrets WHERE agent = ?)
		ORDER BY s.name`, agent)
	if err != nil {
		return nil, fmt.Errorf("get agent secrets: %w", err)
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent secret: %w", err)
		}
		secrets = append(secrets, *sec)
	}
	return secrets, rows.Err()
}

func (s *Store) GetAgentSecret(agent, name string) (*Secret, error) {
	row := s.db.QueryRow(`
		SELECT s.name, s.description, s.value, s.nonce, s.global, s.created_at, s.updated_at
		FROM secrets s
		WHERE s.name = ? AND (s.global = 1 OR s.name IN (SELECT secret_name FROM agent_secrets WHERE agent = ?))`,
		name, agent)
	sec, err := scanSecret(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent secret: %w", err)
	}
	return sec, nil
}

func (s *Store) AddAgentSecret(agent, name string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO agent_secrets (agent, secret_name) VALUES (?, ?)`,
		agent, name)
	if err != nil {
		return fmt.Errorf("add agent secret: %w", err)
	}
	return nil
}

func (s *Store) RemoveAgentSecret(agent, name string) error {
	_, err := s.db.Exec(`DELETE FROM agent_secrets WHERE agent = ? AND secret_name = ?`,
		agent, name)
	if err != nil {
		return fmt.Errorf("remove agent secret: %w", err)
	}
	return nil
}

func (s *Store) SetAgentSecrets(agent string, names []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM agent_secrets WHERE agent = ?`, agent); err != nil {
		return fmt.Errorf("clear agent secrets: %w", err)
	}

	for _, name := range names {
		if _, err := tx.Exec(`INSERT INTO agent_secrets (agent, secret_name) VALUES (?, ?)`,
			agent, name); err != nil {
			return fmt.Errorf("insert agent secret: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) SetSecretAgents(name string, agents []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM agent_secrets WHERE secret_name = ?`, name); err != nil {
		return fmt.Errorf("clear secret agents: %w", err)
	}

	for _, agent := range agents {
		if _, err := tx.Exec(`INSERT INTO agent_secrets (agent, secret_name) VALUES (?, ?)`,
			agent, name); err != nil {
			return fmt.Errorf("insert secret agent: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetSecretAgents(name string) ([]string, error) {
	rows, err := s.db.Query(`SELECT agent FROM agent_secrets WHERE secret_name = ? ORDER BY agent`, name)
	if err != nil {
		return nil, fmt.Errorf("get secret agents: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSecret(s scanner) (*Secret, error) {
	sec := &Secret{}
	var global int
	var desc sql.NullString
	err := s.Scan(&sec.Name, &desc, &sec.Value, &sec.Nonce,
		&global, &sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sec.Global = global == 1
	sec.Description = desc.String
	return sec, nil
}

func scanSecretMeta(s scanner) (*Secret, error) {
	sec := &Secret{}
	var global int
	var desc sql.NullString
	err := s.Scan(&sec.Name, &desc, &global, &sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sec.Global = global == 1
	sec.Description = desc.String
	return sec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
