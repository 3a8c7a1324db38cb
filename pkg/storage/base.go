// Package storage provides the persistence contract for conversation memory.
//
// It defines the Store interface that all storage implementations must satisfy
// (SQLite, PostgreSQL, MySQL), along with query options and the sentinel
// errors callers can match with errors.Is.
package storage

import (
	"context"
	"errors"

	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

var (
	// ErrNotFound indicates that a session or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSummaryOverlap indicates that a summary for an overlapping message
	// range already exists.
	ErrSummaryOverlap = errors.New("summary range overlaps an existing summary")

	// ErrAlreadyScored indicates that a message already carries an
	// importance score.
	ErrAlreadyScored = errors.New("message importance already set")
)

// Store defines the interface for conversation memory persistence.
//
// All records are keyed by session ID. Deleting a session removes its
// messages, pins and summaries.
type Store interface {
	// CreateSession inserts a new session. CreatedAt/UpdatedAt are filled in
	// when zero.
	CreateSession(ctx context.Context, session *model.Session) error

	// GetSession returns the session or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)

	// DeleteSession deletes the session and everything that belongs to it.
	DeleteSession(ctx context.Context, sessionID string) error

	// InsertMessage persists a message. The store assigns ID (when zero), Seq
	// and CreatedAt (when zero). Returns ErrNotFound when the session does not
	// exist.
	InsertMessage(ctx context.Context, message *model.Message) error

	// GetRecentMessages returns the newest messages of a session in
	// chronological order.
	GetRecentMessages(ctx context.Context, sessionID string, opts *RecentOptions) ([]*model.Message, error)

	// GetMessagesAfter returns messages with Seq > afterSeq in chronological
	// order. A limit <= 0 returns all of them.
	GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*model.Message, error)

	// CountMessages counts the messages of a session, optionally only those
	// after a sequence number.
	CountMessages(ctx context.Context, sessionID string, opts *CountOptions) (int64, error)

	// GetUnscoredMessages returns messages without an importance score in
	// chronological order.
	GetUnscoredMessages(ctx context.Context, sessionID string, limit int) ([]*model.Message, error)

	// SetMessageImportance backfills the importance score of a message that
	// has none. Returns ErrAlreadyScored when a score is present.
	SetMessageImportance(ctx context.Context, messageID int64, score float64) error

	// InsertPin persists a semantic pin.
	InsertPin(ctx context.Context, pin *model.SemanticPin) error

	// GetTopPins returns pins ordered by importance descending, ties broken by
	// most recent CreatedAt.
	GetTopPins(ctx context.Context, sessionID string, limit int) ([]*model.SemanticPin, error)

	// InsertSummary persists a summary. Returns ErrSummaryOverlap when an
	// existing summary covers any part of the range.
	InsertSummary(ctx context.Context, summary *model.ConversationSummary) error

	// GetRecentSummaries returns the newest summaries in chronological order.
	GetRecentSummaries(ctx context.Context, sessionID string, limit int) ([]*model.ConversationSummary, error)

	// GetLatestSummary returns the summary with the highest EndSeq, or nil
	// when the session has none.
	GetLatestSummary(ctx context.Context, sessionID string) (*model.ConversationSummary, error)

	// Close closes the store and releases resources.
	Close() error
}

// RecentOptions contains options for GetRecentMessages.
type RecentOptions struct {
	// Limit is the maximum number of messages to return.
	Limit int

	// ExcludeID skips one message, typically the in-flight user message the
	// caller has already persisted.
	ExcludeID int64
}

// CountOptions contains options for CountMessages.
type CountOptions struct {
	// AfterSeq counts only messages with Seq > AfterSeq.
	AfterSeq int64
}
