// Package model defines the conversation memory entities shared by the
// storage, cache, intelligence and core packages.
package model

import (
	"fmt"
	"math"
	"time"
)

// Default importance scores applied when a pin or summary is created without
// an explicit score.
const (
	DefaultPinImportance     = 0.8
	DefaultSummaryImportance = 0.7
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ParseRole converts s into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Session is one ongoing conversation thread.
type Session struct {
	// ID is the session identifier (UUID string unless supplied by the caller).
	ID string `json:"id"`

	// Model is the model identifier the session talks to. It is also handed to
	// the summarizer when older messages are compressed.
	Model string `json:"model"`

	// Persona identifies the assistant persona used in this session.
	Persona string `json:"persona"`

	// SubjectID optionally links the session to a subject record (for example
	// the patient the conversation is about).
	SubjectID *string `json:"subject_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single turn in a session transcript.
//
// Messages are totally ordered inside a session by Seq, which the store
// assigns at insert time. CreatedAt is informational only.
type Message struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Seq        int64     `json:"seq"`
	TokenUsage int       `json:"token_usage"`
	CreatedAt  time.Time `json:"created_at"`

	// ImportanceScore is nil until the message has been scored. It is set at
	// most once.
	ImportanceScore *float64 `json:"importance_score,omitempty"`
}

// Importance returns the message importance, or 0 when unscored.
func (m *Message) Importance() float64 {
	if m.ImportanceScore == nil {
		return 0
	}
	return *m.ImportanceScore
}

// Urgency levels for semantic pins.
const (
	UrgencyCritical = "critical"
	UrgencyHigh     = "high"
	UrgencyMedium   = "medium"
	UrgencyLow      = "low"
)

// SemanticPin is a durable fact meant to survive summarization and truncation.
type SemanticPin struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	Content         string    `json:"content"`
	SourceMessageID *int64    `json:"source_message_id,omitempty"`
	ImportanceScore float64   `json:"importance_score"`
	UrgencyLevel    string    `json:"urgency_level"`
	Category        string    `json:"category"`
	CreatedAt       time.Time `json:"created_at"`
}

// ConversationSummary is the compressed form of a contiguous range of
// messages. A summary is immutable once written.
type ConversationSummary struct {
	ID             int64  `json:"id"`
	SessionID      string `json:"session_id"`
	Summary        string `json:"summary"`
	MessageCount   int    `json:"message_count"`
	StartMessageID int64  `json:"start_message_id"`
	EndMessageID   int64  `json:"end_message_id"`

	// StartSeq and EndSeq bound the covered range (inclusive) on the
	// session's message sequence.
	StartSeq int64 `json:"start_seq"`
	EndSeq   int64 `json:"end_seq"`

	ImportanceScore float64   `json:"importance_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// Overlaps reports whether the summary's range intersects [startSeq, endSeq].
func (s *ConversationSummary) Overlaps(startSeq, endSeq int64) bool {
	return s.StartSeq <= endSeq && startSeq <= s.EndSeq
}

// MemoryContext is the bounded context assembled for a single chat turn.
type MemoryContext struct {
	// RecentMessages are in chronological order.
	RecentMessages []Message `json:"recent_messages"`

	// SemanticPins are ordered by importance, highest first.
	SemanticPins []SemanticPin `json:"semantic_pins"`

	// Summaries are in chronological order.
	Summaries []ConversationSummary `json:"summaries"`

	// TotalTokens is the estimated size of the context.
	TotalTokens int `json:"total_tokens"`

	// Truncated is set when content was dropped to fit the token budget.
	Truncated bool `json:"truncated,omitempty"`

	// Degraded is set when one or more sources could not be read and the
	// context was assembled from what remained.
	Degraded bool `json:"degraded,omitempty"`
}

// ClampImportance bounds v to [0,1]. NaN maps to 0.
func ClampImportance(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
