// Package sqlstore implements storage.Store on top of database/sql.
//
// The SQLite, PostgreSQL and MySQL backends share this implementation and only
// differ in their Dialect: the schema, the placeholder style and the row lock
// used to serialize writes within a session.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
	"github.com/Kalito-Labs/Luna-sub004/pkg/storage"
)

// Dialect describes the SQL differences between backends.
type Dialect struct {
	// Name is the backend name used in error messages.
	Name string

	// Numbered selects $1, $2, ... placeholders instead of '?'.
	Numbered bool

	// LockClause is appended to the session lookup performed inside write
	// transactions (e.g. " FOR UPDATE"). Empty for SQLite, which serializes
	// writers itself.
	LockClause string

	// Schema holds the DDL statements executed on startup. They must be
	// idempotent.
	Schema []string
}

// Config contains configuration for a Store.
type Config struct {
	// NodeID is the snowflake node used to generate record IDs (0-1023).
	NodeID int64

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Store implements storage.Store using database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	node    *snowflake.Node
	now     func() time.Time
}

const messageColumns = "id, session_id, seq, role, content, token_usage, importance_score, created_at"
const pinColumns = "id, session_id, content, source_message_id, importance_score, urgency_level, category, created_at"
const summaryColumns = "id, session_id, summary, message_count, start_message_id, end_message_id, start_seq, end_seq, importance_score, created_at"

// New wraps db with the given dialect and creates the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("New%sStore: %w", dialect.Name, err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		node:    node,
		now:     now,
	}
	if err := s.initTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// initTables executes the dialect schema.
func (s *Store) initTables(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// q rewrites '?' placeholders for dialects with numbered parameters.
func (s *Store) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// lockSession checks that the session exists. Inside a transaction it also
// takes the dialect's row lock, serializing writers of the same session.
func (s *Store) lockSession(ctx context.Context, q queryer, sessionID string, lock bool) error {
	query := "SELECT id FROM sessions WHERE id = ?"
	if lock {
		query += s.dialect.LockClause
	}
	var id string
	err := q.QueryRowContext(ctx, s.q(query), sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return err
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	if session.ID == "" {
		return fmt.Errorf("CreateSession: empty session id")
	}
	now := s.timestamp()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, model, persona, subject_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		session.ID, session.Model, session.Persona, nullString(session.SubjectID),
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("CreateSession: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	var subject sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, model, persona, subject_id, created_at, updated_at
		FROM sessions WHERE id = ?`), sessionID).Scan(
		&session.ID, &session.Model, &session.Persona, &subject,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetSession: session %s: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetSession: %w", err)
	}
	if subject.Valid {
		session.SubjectID = &subject.String
	}
	return &session, nil
}

// DeleteSession deletes a session together with its messages, pins and
// summaries. Children are removed explicitly so the cascade does not depend
// on foreign key enforcement being enabled.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("DeleteSession: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"conversation_summaries", "semantic_pins", "messages"} {
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM "+table+" WHERE session_id = ?"), sessionID); err != nil {
			return fmt.Errorf("DeleteSession: %s: %w", table, err)
		}
	}
	result, err := tx.ExecContext(ctx, s.q("DELETE FROM sessions WHERE id = ?"), sessionID)
	if err != nil {
		return fmt.Errorf("DeleteSession: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteSession: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("DeleteSession: session %s: %w", sessionID, storage.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("DeleteSession: %w", err)
	}
	return nil
}

// InsertMessage persists a message and assigns the next sequence number of
// its session.
func (s *Store) InsertMessage(ctx context.Context, message *model.Message) error {
	if !message.Role.Valid() {
		return fmt.Errorf("InsertMessage: invalid role %q", message.Role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("InsertMessage: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.lockSession(ctx, tx, message.SessionID, true); err != nil {
		return fmt.Errorf("InsertMessage: %w", err)
	}

	var maxSeq int64
	err = tx.QueryRowContext(ctx, s.q("SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?"),
		message.SessionID).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("InsertMessage: next seq: %w", err)
	}

	now := s.timestamp()
	if message.ID == 0 {
		message.ID = s.node.Generate().Int64()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	if message.ImportanceScore != nil {
		score := model.ClampImportance(*message.ImportanceScore)
		message.ImportanceScore = &score
	}
	seq := maxSeq + 1

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		message.ID, message.SessionID, seq, string(message.Role), message.Content,
		message.TokenUsage, nullFloat(message.ImportanceScore), message.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("InsertMessage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q("UPDATE sessions SET updated_at = ? WHERE id = ?"), now, message.SessionID); err != nil {
		return fmt.Errorf("InsertMessage: touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("InsertMessage: %w", err)
	}
	message.Seq = seq
	return nil
}

// GetRecentMessages returns the newest messages in chronological order.
func (s *Store) GetRecentMessages(ctx context.Context, sessionID string, opts *storage.RecentOptions) ([]*model.Message, error) {
	if opts == nil {
		opts = &storage.RecentOptions{}
	}
	query := "SELECT " + messageColumns + " FROM messages WHERE session_id = ?"
	args := []interface{}{sessionID}
	if opts.ExcludeID != 0 {
		query += " AND id <> ?"
		args = append(args, opts.ExcludeID)
	}
	query += " ORDER BY seq DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	messages, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetRecentMessages: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetMessagesAfter returns messages with Seq > afterSeq in chronological order.
func (s *Store) GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*model.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC"
	args := []interface{}{sessionID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	messages, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetMessagesAfter: %w", err)
	}
	return messages, nil
}

// CountMessages counts messages in a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string, opts *storage.CountOptions) (int64, error) {
	if opts == nil {
		opts = &storage.CountOptions{}
	}
	var n int64
	err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM messages WHERE session_id = ? AND seq > ?"),
		sessionID, opts.AfterSeq).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountMessages: %w", err)
	}
	return n, nil
}

// GetUnscoredMessages returns messages that have no importance score yet.
func (s *Store) GetUnscoredMessages(ctx context.Context, sessionID string, limit int) ([]*model.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE session_id = ? AND importance_score IS NULL ORDER BY seq ASC"
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	messages, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetUnscoredMessages: %w", err)
	}
	return messages, nil
}

// SetMessageImportance sets the importance of an unscored message.
func (s *Store) SetMessageImportance(ctx context.Context, messageID int64, score float64) error {
	result, err := s.db.ExecContext(ctx, s.q("UPDATE messages SET importance_score = ? WHERE id = ? AND importance_score IS NULL"),
		model.ClampImportance(score), messageID)
	if err != nil {
		return fmt.Errorf("SetMessageImportance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("SetMessageImportance: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var n int
	if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM messages WHERE id = ?"), messageID).Scan(&n); err != nil {
		return fmt.Errorf("SetMessageImportance: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("SetMessageImportance: message %d: %w", messageID, storage.ErrNotFound)
	}
	return fmt.Errorf("SetMessageImportance: message %d: %w", messageID, storage.ErrAlreadyScored)
}

// InsertPin persists a semantic pin.
func (s *Store) InsertPin(ctx context.Context, pin *model.SemanticPin) error {
	if err := s.lockSession(ctx, s.db, pin.SessionID, false); err != nil {
		return fmt.Errorf("InsertPin: %w", err)
	}
	if pin.ID == 0 {
		pin.ID = s.node.Generate().Int64()
	}
	if pin.CreatedAt.IsZero() {
		pin.CreatedAt = s.timestamp()
	}
	if pin.UrgencyLevel == "" {
		pin.UrgencyLevel = model.UrgencyMedium
	}
	if pin.Category == "" {
		pin.Category = "general"
	}
	pin.ImportanceScore = model.ClampImportance(pin.ImportanceScore)

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO semantic_pins (`+pinColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		pin.ID, pin.SessionID, pin.Content, nullInt(pin.SourceMessageID),
		pin.ImportanceScore, pin.UrgencyLevel, pin.Category, pin.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("InsertPin: %w", err)
	}
	return nil
}

// GetTopPins returns the most important pins of a session.
func (s *Store) GetTopPins(ctx context.Context, sessionID string, limit int) ([]*model.SemanticPin, error) {
	query := "SELECT " + pinColumns + " FROM semantic_pins WHERE session_id = ? ORDER BY importance_score DESC, created_at DESC, id DESC"
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("GetTopPins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pins []*model.SemanticPin
	for rows.Next() {
		var pin model.SemanticPin
		var source sql.NullInt64
		if err := rows.Scan(&pin.ID, &pin.SessionID, &pin.Content, &source,
			&pin.ImportanceScore, &pin.UrgencyLevel, &pin.Category, &pin.CreatedAt); err != nil {
			return nil, fmt.Errorf("GetTopPins: %w", err)
		}
		if source.Valid {
			pin.SourceMessageID = &source.Int64
		}
		pins = append(pins, &pin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetTopPins: %w", err)
	}
	return pins, nil
}

// InsertSummary persists a summary unless its range overlaps an existing one.
func (s *Store) InsertSummary(ctx context.Context, summary *model.ConversationSummary) error {
	if summary.StartSeq < 1 || summary.EndSeq < summary.StartSeq {
		return fmt.Errorf("InsertSummary: invalid range [%d, %d]", summary.StartSeq, summary.EndSeq)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("InsertSummary: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.lockSession(ctx, tx, summary.SessionID, true); err != nil {
		return fmt.Errorf("InsertSummary: %w", err)
	}

	var overlapping int
	err = tx.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM conversation_summaries
		WHERE session_id = ? AND start_seq <= ? AND end_seq >= ?`),
		summary.SessionID, summary.EndSeq, summary.StartSeq).Scan(&overlapping)
	if err != nil {
		return fmt.Errorf("InsertSummary: %w", err)
	}
	if overlapping > 0 {
		return fmt.Errorf("InsertSummary: [%d, %d]: %w", summary.StartSeq, summary.EndSeq, storage.ErrSummaryOverlap)
	}

	if summary.ID == 0 {
		summary.ID = s.node.Generate().Int64()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.timestamp()
	}
	summary.ImportanceScore = model.ClampImportance(summary.ImportanceScore)

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO conversation_summaries (`+summaryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		summary.ID, summary.SessionID, summary.Summary, summary.MessageCount,
		summary.StartMessageID, summary.EndMessageID, summary.StartSeq, summary.EndSeq,
		summary.ImportanceScore, summary.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("InsertSummary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("InsertSummary: %w", err)
	}
	return nil
}

// GetRecentSummaries returns the newest summaries in chronological order.
func (s *Store) GetRecentSummaries(ctx context.Context, sessionID string, limit int) ([]*model.ConversationSummary, error) {
	query := "SELECT " + summaryColumns + " FROM conversation_summaries WHERE session_id = ? ORDER BY end_seq DESC"
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	summaries, err := s.querySummaries(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetRecentSummaries: %w", err)
	}
	for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
		summaries[i], summaries[j] = summaries[j], summaries[i]
	}
	return summaries, nil
}

// GetLatestSummary returns the summary that ends last, or nil.
func (s *Store) GetLatestSummary(ctx context.Context, sessionID string) (*model.ConversationSummary, error) {
	summaries, err := s.querySummaries(ctx,
		"SELECT "+summaryColumns+" FROM conversation_summaries WHERE session_id = ? ORDER BY end_seq DESC LIMIT 1",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("GetLatestSummary: %w", err)
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return summaries[0], nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*model.Message, error) {
	var m model.Message
	var role string
	var importance sql.NullFloat64
	if err := row.Scan(&m.ID, &m.SessionID, &m.Seq, &role, &m.Content,
		&m.TokenUsage, &importance, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = model.Role(role)
	if importance.Valid {
		score := importance.Float64
		m.ImportanceScore = &score
	}
	return &m, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) querySummaries(ctx context.Context, query string, args ...interface{}) ([]*model.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var summaries []*model.ConversationSummary
	for rows.Next() {
		var sum model.ConversationSummary
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.Summary, &sum.MessageCount,
			&sum.StartMessageID, &sum.EndMessageID, &sum.StartSeq, &sum.EndSeq,
			&sum.ImportanceScore, &sum.CreatedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, &sum)
	}
	return summaries, rows.Err()
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

var _ storage.Store = (*Store)(nil)
