// Package mysql provides the MySQL implementation of storage.Store. It also
// works against MySQL compatible servers such as OceanBase and TiDB.
package mysql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/Kalito-Labs/Luna-sub004/pkg/storage/sqlstore"
)

// Client is a MySQL store.
type Client struct {
	*sqlstore.Store
}

// Config contains MySQL configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	NodeID   int64
}

// Dialect is the MySQL dialect.
var Dialect = sqlstore.Dialect{
	Name:       "MySQL",
	LockClause: " FOR UPDATE",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			model VARCHAR(255) NOT NULL DEFAULT '',
			persona VARCHAR(255) NOT NULL DEFAULT '',
			subject_id VARCHAR(64),
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGINT PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			seq BIGINT NOT NULL,
			role VARCHAR(16) NOT NULL,
			content LONGTEXT NOT NULL,
			token_usage INT NOT NULL DEFAULT 0,
			importance_score DOUBLE,
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uniq_messages_session_seq (session_id, seq),
			CONSTRAINT fk_messages_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS semantic_pins (
			id BIGINT PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			content LONGTEXT NOT NULL,
			source_message_id BIGINT,
			importance_score DOUBLE NOT NULL,
			urgency_level VARCHAR(16) NOT NULL,
			category VARCHAR(64) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_semantic_pins_session (session_id, importance_score),
			CONSTRAINT fk_pins_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			id BIGINT PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			summary LONGTEXT NOT NULL,
			message_count INT NOT NULL,
			start_message_id BIGINT NOT NULL,
			end_message_id BIGINT NOT NULL,
			start_seq BIGINT NOT NULL,
			end_seq BIGINT NOT NULL,
			importance_score DOUBLE NOT NULL,
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uniq_summaries_session_start (session_id, start_seq),
			CONSTRAINT fk_summaries_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
	},
}

// DSN builds a go-sql-driver connection string from cfg.
func (cfg *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
}

// NewClient creates a new MySQL store.
func NewClient(cfg *Config) (*Client, error) {
	return Open(cfg.DSN(), cfg.NodeID)
}

// Open creates a MySQL store from a DSN. The DSN must enable parseTime.
func Open(dsn string, nodeID int64) (*Client, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewMySQLClient: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewMySQLClient: %w", err)
	}

	store, err := sqlstore.New(context.Background(), db, Dialect, &sqlstore.Config{NodeID: nodeID})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewMySQLClient: %w", err)
	}
	return &Client{Store: store}, nil
}
