// Package store persists the controller's view of every sandbox in SQLite.
// The cluster remains the source of truth for live state; these records carry
// what the cluster cannot answer: the submitted spec, whether egress lockdown
// has been applied yet, and the transition history.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the global database connection
var DB *sql.DB

// InitDB initializes the SQLite database connection and creates tables
func InitDB(dbPath string) error {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	// Delete fan-out and readiness watchers write concurrently; the busy
	// timeout makes writers queue instead of failing with SQLITE_BUSY.
	var err error
	DB, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := DB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Create tables
	if err := createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// CloseDB closes the database connection
func CloseDB() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

func createTables() error {
	_, err := DB.Exec(`
		CREATE TABLE IF NOT EXISTS sandboxes (
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			image TEXT NOT NULL,
			spec_json TEXT NOT NULL DEFAULT '{}',
			desired_state TEXT NOT NULL,
			lifecycle_status TEXT NOT NULL,
			status_reason TEXT DEFAULT '',
			egress_applied BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP,
			PRIMARY KEY (namespace, name)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sandboxes table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS sandbox_status_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sandbox_status_history table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sandboxes_desired_state ON sandboxes(desired_state)",
		"CREATE INDEX IF NOT EXISTS idx_sandboxes_status ON sandboxes(lifecycle_status)",
		"CREATE INDEX IF NOT EXISTS idx_sandboxes_created_at ON sandboxes(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_history_sandbox ON sandbox_status_history(namespace, name, id)",
		"CREATE INDEX IF NOT EXISTS idx_history_created_at ON sandbox_status_history(created_at)",
	}

	for _, idx := range indexes {
		if _, err := DB.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
