package session

import (
	"database/sql"
	"fmt"
)

// migrate creates all tables if they don't exist.
func (s *Store) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}
	if bootstrapDone {
		return nil
	}
	if err := s.runBootstrapDDL(); err != nil {
		return err
	}
	if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
		return fmt.Errorf("marking bootstrap complete: %w", err)
	}
	return nil
}

func (s *Store) runBootstrapDDL() error {
	statements := []string{
		// Key/value session metadata
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Imported spikes with their session-start assignment.
		// Feature vectors are stored as JSON arrays; dimensionality is
		// uniform across a session but not fixed by the schema.
		`CREATE TABLE IF NOT EXISTS spikes (
			id           INTEGER PRIMARY KEY,
			t            REAL NOT NULL,
			features     TEXT NOT NULL,
			base_cluster INTEGER NOT NULL
		)`,

		// Every cluster the session has seen, active or not
		`CREATE TABLE IF NOT EXISTS clusters (
			id     INTEGER PRIMARY KEY,
			status TEXT NOT NULL,
			grp    TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,

		// Edit history, replayed forward on load
		`CREATE TABLE IF NOT EXISTS actions (
			seq     INTEGER PRIMARY KEY,
			kind    TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_spikes_base_cluster ON spikes(base_cluster)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning bootstrap transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing bootstrap DDL: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bootstrap transaction: %w", err)
	}
	return nil
}

func (s *Store) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *Store) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}
