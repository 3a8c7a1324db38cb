package intelligence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Kalito-Labs/Luna-sub004/pkg/llm"
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
	"github.com/Kalito-Labs/Luna-sub004/pkg/storage"
)

const (
	// DefaultSummaryThreshold is the number of unsummarized messages that
	// triggers a summary.
	DefaultSummaryThreshold = 15

	// DefaultSummaryTimeout bounds one summarization call.
	DefaultSummaryTimeout = 20 * time.Second
)

// ErrSummarizationFailed is returned when a summary could not be produced or
// persisted. The messages stay unsummarized and are picked up by the next
// check.
var ErrSummarizationFailed = errors.New("summarization failed")

// Summarizer compresses an ordered list of message texts into one summary.
type Summarizer interface {
	Summarize(ctx context.Context, modelID string, texts []string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, modelID string, texts []string) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, modelID string, texts []string) (string, error) {
	return f(ctx, modelID, texts)
}

const summaryPrompt = `You summarize conversations between a family caregiver and an assistant.
Write a concise summary of the conversation below. Keep names, medications,
doses, symptoms, appointments and any decisions or follow-ups. Do not add
information that is not in the conversation. Reply with the summary only.`

// LLMSummarizer summarizes through an llm.Provider.
type LLMSummarizer struct {
	provider llm.Provider
}

// NewLLMSummarizer creates a summarizer backed by provider.
func NewLLMSummarizer(provider llm.Provider) *LLMSummarizer {
	return &LLMSummarizer{provider: provider}
}

// Summarize implements Summarizer. modelID, when set, overrides the
// provider's default model.
func (s *LLMSummarizer) Summarize(ctx context.Context, modelID string, texts []string) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: strings.Join(texts, "\n")},
	}
	opts := []llm.GenerateOption{llm.WithTemperature(0.2)}
	if modelID != "" {
		opts = append(opts, llm.WithModel(modelID))
	}
	return s.provider.GenerateWithMessages(ctx, messages, opts...)
}

// SummaryStore is the part of storage.Store the trigger needs.
type SummaryStore interface {
	GetLatestSummary(ctx context.Context, sessionID string) (*model.ConversationSummary, error)
	CountMessages(ctx context.Context, sessionID string, opts *storage.CountOptions) (int64, error)
	GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*model.Message, error)
	InsertSummary(ctx context.Context, summary *model.ConversationSummary) error
}

// TriggerConfig configures a SummaryTrigger.
type TriggerConfig struct {
	// Threshold defaults to DefaultSummaryThreshold.
	Threshold int

	// Timeout defaults to DefaultSummaryTimeout.
	Timeout time.Duration

	// Importance of created summaries. Defaults to model.DefaultSummaryImportance.
	Importance float64
}

// SummaryTrigger compresses a session's unsummarized messages once enough of
// them have accumulated.
//
// Summaries cover contiguous ranges that never overlap: each one starts right
// after the previous summary's EndSeq. Concurrent checks of the same session
// in this process are collapsed, and the store rejects overlapping ranges
// written by other processes.
type SummaryTrigger struct {
	store      SummaryStore
	summarizer Summarizer
	cfg        TriggerConfig

	inflight sync.Map // session ID -> struct{}
}

// NewSummaryTrigger creates a trigger.
func NewSummaryTrigger(store SummaryStore, summarizer Summarizer, cfg *TriggerConfig) *SummaryTrigger {
	var c TriggerConfig
	if cfg != nil {
		c = *cfg
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultSummaryThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultSummaryTimeout
	}
	if c.Importance <= 0 {
		c.Importance = model.DefaultSummaryImportance
	}
	return &SummaryTrigger{
		store:      store,
		summarizer: summarizer,
		cfg:        c,
	}
}

// Threshold returns the configured threshold.
func (t *SummaryTrigger) Threshold() int {
	return t.cfg.Threshold
}

// Check summarizes the session when at least Threshold messages follow the
// latest summary. It returns the new summary, or nil when nothing was due or
// another check of the same session got there first.
func (t *SummaryTrigger) Check(ctx context.Context, session *model.Session) (*model.ConversationSummary, error) {
	if _, busy := t.inflight.LoadOrStore(session.ID, struct{}{}); busy {
		return nil, nil
	}
	defer t.inflight.Delete(session.ID)

	var afterSeq int64
	latest, err := t.store.GetLatestSummary(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: latest summary: %w", ErrSummarizationFailed, err)
	}
	if latest != nil {
		afterSeq = latest.EndSeq
	}

	pending, err := t.store.CountMessages(ctx, session.ID, &storage.CountOptions{AfterSeq: afterSeq})
	if err != nil {
		return nil, fmt.Errorf("%w: count: %w", ErrSummarizationFailed, err)
	}
	if pending < int64(t.cfg.Threshold) {
		return nil, nil
	}

	messages, err := t.store.GetMessagesAfter(ctx, session.ID, afterSeq, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: messages: %w", ErrSummarizationFailed, err)
	}
	if len(messages) < t.cfg.Threshold {
		return nil, nil
	}

	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = string(m.Role) + ": " + m.Content
	}

	sumCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	text, err := t.summarizer.Summarize(sumCtx, session.Model, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrSummarizationFailed)
	}

	first, last := messages[0], messages[len(messages)-1]
	summary := &model.ConversationSummary{
		SessionID:       session.ID,
		Summary:         text,
		MessageCount:    len(messages),
		StartMessageID:  first.ID,
		EndMessageID:    last.ID,
		StartSeq:        first.Seq,
		EndSeq:          last.Seq,
		ImportanceScore: t.cfg.Importance,
	}
	if err := t.store.InsertSummary(ctx, summary); err != nil {
		if errors.Is(err, storage.ErrSummaryOverlap) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	}
	return summary, nil
}
