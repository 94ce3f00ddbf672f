package store

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// migrations is the ordered list of schema steps. The schema_version table
// records the highest applied index; new steps append, existing steps never
// change.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		created_at        INTEGER NOT NULL,
		last_activity     INTEGER NOT NULL,
		state             TEXT NOT NULL CHECK (state IN ('running', 'paused', 'completed')),
		agent_config      TEXT NOT NULL DEFAULT '',
		working_directory TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS scrollback (
		session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		line_number INTEGER NOT NULL,
		content     TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (session_id, line_number)
	);
	CREATE TABLE IF NOT EXISTS connected_clients (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		client_type    TEXT NOT NULL CHECK (client_type IN ('pc', 'mobile')),
		priority       TEXT NOT NULL,
		connected_at   INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		user_agent     TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS input_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		client_id     TEXT NOT NULL,
		input         TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		accepted      INTEGER NOT NULL,
		reject_reason TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, last_activity);
	CREATE INDEX IF NOT EXISTS idx_clients_session ON connected_clients(session_id);
	CREATE INDEX IF NOT EXISTS idx_input_log_session ON input_log(session_id, id);`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump schema version: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
		logrus.Debugf("Applied schema migration %d", i+1)
	}
	return nil
}
