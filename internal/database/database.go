package database

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
}

// New opens a sqlite database at the given path.
func New(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; WAL keeps readers unblocked during sweeps
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("✅ SQLite database connected")
	return &DB{db}, nil
}

// Initialize creates all required tables. Statements are idempotent so it
// is safe to run on every startup.
func (db *DB) Initialize() error {
	log.Println("🔍 Checking database schema...")

	statements := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			encrypted_value TEXT NOT NULL,
			encrypted_metadata TEXT NOT NULL DEFAULT '',
			embedding TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			retention TEXT NOT NULL,
			ttl_ms INTEGER NOT NULL DEFAULT 0,
			decay_rate REAL NOT NULL DEFAULT 0,
			score REAL NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMP,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (user_id, key, session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories (user_id, session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_expiry ON memories (expires_at)`,

		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			config TEXT NOT NULL,
			actions TEXT NOT NULL DEFAULT '[]',
			cooldown_ms INTEGER NOT NULL DEFAULT 0,
			max_fires INTEGER NOT NULL DEFAULT 0,
			last_fired_at TIMESTAMP,
			fire_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_user ON triggers (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_type_enabled ON triggers (type, enabled)`,

		`CREATE TABLE IF NOT EXISTS trigger_events (
			id TEXT PRIMARY KEY,
			trigger_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			fired_at TIMESTAMP NOT NULL,
			FOREIGN KEY (trigger_id) REFERENCES triggers (id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_events_trigger ON trigger_events (trigger_id, fired_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	log.Println("✅ Database initialized successfully")
	return nil
}
