// Package postgres provides the PostgreSQL implementation of storage.Store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Kalito-Labs/Luna-sub004/pkg/storage/sqlstore"
)

// Client is a PostgreSQL store.
type Client struct {
	*sqlstore.Store
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	NodeID   int64
}

// Dialect is the PostgreSQL dialect. Session rows are locked with
// SELECT ... FOR UPDATE while messages and summaries are written.
var Dialect = sqlstore.Dialect{
	Name:       "Postgres",
	Numbered:   true,
	LockClause: " FOR UPDATE",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			model VARCHAR(255) NOT NULL DEFAULT '',
			persona VARCHAR(255) NOT NULL DEFAULT '',
			subject_id VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGINT PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			role VARCHAR(16) NOT NULL,
			content TEXT NOT NULL,
			token_usage INTEGER NOT NULL DEFAULT 0,
			importance_score DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS semantic_pins (
			id BIGINT PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			source_message_id BIGINT,
			importance_score DOUBLE PRECISION NOT NULL,
			urgency_level VARCHAR(16) NOT NULL,
			category VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_semantic_pins_session ON semantic_pins(session_id, importance_score)`,
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			id BIGINT PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			summary TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			start_message_id BIGINT NOT NULL,
			end_message_id BIGINT NOT NULL,
			start_seq BIGINT NOT NULL,
			end_seq BIGINT NOT NULL,
			importance_score DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (session_id, start_seq)
		)`,
	},
}

// DSN builds a lib/pq connection string from cfg.
func (cfg *Config) DSN() string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
}

// NewClient creates a new PostgreSQL store.
func NewClient(cfg *Config) (*Client, error) {
	return Open(cfg.DSN(), cfg.NodeID)
}

// Open creates a PostgreSQL store from a DSN.
func Open(dsn string, nodeID int64) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	store, err := sqlstore.New(context.Background(), db, Dialect, &sqlstore.Config{NodeID: nodeID})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}
	return &Client{Store: store}, nil
}
