package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/conductor/internal/config"
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

	db, err := sql.Open("sqlite", cfg.Path)
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

// Snapshot writes a consistent copy of the database to path.
func (s *Store) Snapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if _, err := s.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			description  TEXT,
			capabilities TEXT NOT NULL,
			weights      TEXT,
			priority     INTEGER DEFAULT 0,
			image        TEXT,
			source       TEXT NOT NULL DEFAULT 'config',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS plans (
			id           TEXT PRIMARY KEY,
			goal         TEXT NOT NULL,
			capabilities TEXT NOT NULL,
			strategy     TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			outcome      TEXT,
			created_at   DATETIME NOT NULL,
			started_at   DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plans_created ON plans(created_at)`,
		`CREATE TABLE IF NOT EXISTS plan_tasks (
			id            TEXT NOT NULL,
			plan_id       TEXT NOT NULL REFERENCES plans(id),
			position      INTEGER NOT NULL,
			goal          TEXT NOT NULL,
			capabilities  TEXT NOT NULL,
			depends_on    TEXT NOT NULL,
			state         TEXT NOT NULL,
			agent_id      TEXT,
			attempts      INTEGER DEFAULT 0,
			result        BLOB,
			result_nonce  BLOB,
			error         TEXT,
			created_at    DATETIME NOT NULL,
			dispatched_at DATETIME,
			completed_at  DATETIME,
			PRIMARY KEY (plan_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			type       TEXT NOT NULL,
			plan_id    TEXT,
			task_id    TEXT,
			agent_id   TEXT,
			data       TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_plan ON audit_events(plan_id, id)`,
		`CREATE TABLE IF NOT EXISTS scheduled_goals (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			goal         TEXT NOT NULL,
			capabilities TEXT NOT NULL,
			strategy     TEXT,
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			last_plan_id TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_goals_next_run ON scheduled_goals(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

// encodeList stores a string slice as a JSON array, never as NULL.
func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeList(raw string) []string {
	var v []string
	if raw == "" {
		return v
	}
	_ = json.Unmarshal([]byte(raw), &v)
	return v
}
