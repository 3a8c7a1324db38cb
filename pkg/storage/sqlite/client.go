// Package sqlite provides the SQLite implementation of storage.Store.
//
// SQLite is a lightweight, file-based database suitable for a single caregiver
// deployment and for tests. Write transactions are opened with
// BEGIN IMMEDIATE, so writers of the same database are serialized and message
// sequence numbers are assigned without gaps or duplicates.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Kalito-Labs/Luna-sub004/pkg/storage/sqlstore"
)

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	*sqlstore.Store
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file. ":memory:" opens a
	// private in-memory database.
	DBPath string

	// NodeID is the snowflake node used for record IDs.
	NodeID int64
}

// Dialect is the SQLite dialect.
var Dialect = sqlstore.Dialect{
	Name: "SQLite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL DEFAULT '',
			persona TEXT NOT NULL DEFAULT '',
			subject_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_usage INTEGER NOT NULL DEFAULT 0,
			importance_score REAL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS semantic_pins (
			id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			source_message_id INTEGER,
			importance_score REAL NOT NULL,
			urgency_level TEXT NOT NULL,
			category TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_semantic_pins_session ON semantic_pins(session_id, importance_score)`,
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			summary TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			start_message_id INTEGER NOT NULL,
			end_message_id INTEGER NOT NULL,
			start_seq INTEGER NOT NULL,
			end_seq INTEGER NOT NULL,
			importance_score REAL NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (session_id, start_seq)
		)`,
	},
}

// NewClient creates a new SQLite store.
//
// Parameters:
//   - cfg: Configuration containing the database path
//
// Returns:
//   - *Client: The SQLite client instance
//   - error: Error if the database cannot be opened or the schema cannot be created
func NewClient(cfg *Config) (*Client, error) {
	memory := cfg.DBPath == ":memory:"

	// Create parent directory if it doesn't exist
	if !memory {
		dbDir := filepath.Dir(cfg.DBPath)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	store, err := sqlstore.New(context.Background(), db, Dialect, &sqlstore.Config{NodeID: cfg.NodeID})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}
	return &Client{Store: store}, nil
}
