package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"klonos/internal/config"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// busy_timeout is per-connection state: passing the pragmas in the
	// DSN makes the driver apply them to every connection in the pool,
	// not just the one a PRAGMA statement happens to run on.
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id           TEXT PRIMARY KEY,
			pipeline     TEXT NOT NULL,
			status       TEXT DEFAULT 'running',
			initial      TEXT,
			required     TEXT,
			output_root  TEXT,
			error        TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS agent_results (
			run_id            TEXT NOT NULL REFERENCES pipeline_runs(id),
			agent             TEXT NOT NULL,
			capability        TEXT,
			status            TEXT NOT NULL,
			payload           TEXT,
			output_path       TEXT,
			error             TEXT,
			timed_out         BOOLEAN DEFAULT FALSE,
			failed_dependency TEXT,
			started_at        DATETIME,
			completed_at      DATETIME,
			PRIMARY KEY (run_id, agent)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run ON agent_results(run_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS products (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			category    TEXT,
			description TEXT,
			url         TEXT,
			pricing     TEXT,
			audience    TEXT,
			features    TEXT,
			source_run  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS run_metrics (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL,
			agent       TEXT,
			name        TEXT NOT NULL,
			value       REAL NOT NULL,
			recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_run ON run_metrics(run_id, name)`,
		`CREATE TABLE IF NOT EXISTS graph_snapshots (
			run_id   TEXT PRIMARY KEY,
			nodes    INTEGER NOT NULL,
			edges    INTEGER NOT NULL,
			data     TEXT NOT NULL,
			taken_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS refreshes (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			initial     TEXT,
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_run_id TEXT,
			last_status TEXT,
			last_error  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refreshes_next_run ON refreshes(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name        TEXT PRIMARY KEY,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			global      BOOLEAN DEFAULT FALSE,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agent_secrets (
			agent       TEXT NOT NULL,
			secret_name TEXT NOT NULL REFERENCES secrets(name),
			PRIMARY KEY (agent, secret_name)
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			name        TEXT PRIMARY KEY,
			description TEXT,
			capability  TEXT,
			depends_on  TEXT,
			remote      BOOLEAN DEFAULT FALSE,
			image       TEXT,
			model       TEXT,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Schema additions (idempotent ALTER TABLE)
	alterations := []string{
		`ALTER TABLE refreshes ADD COLUMN last_run_id TEXT`,
		`ALTER TABLE pipeline_runs ADD COLUMN output_root TEXT`,
		`ALTER TABLE pipeline_runs ADD COLUMN error TEXT`,
	}
	for _, a := range alterations {
		_, _ = s.db.Exec(a) // ignore "duplicate column" errors
	}

	return nil
}
