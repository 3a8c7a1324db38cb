package intelligence_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kalito-Labs/Luna-sub004/pkg/intelligence"
	"github.com/Kalito-Labs/Luna-sub004/pkg/llm"
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
	"github.com/Kalito-Labs/Luna-sub004/pkg/storage"
	sqliteStore "github.com/Kalito-Labs/Luna-sub004/pkg/storage/sqlite"
)

func setupStore(t *testing.T) storage.Store {
	store, err := sqliteStore.NewClient(&sqliteStore.Config{DBPath: filepath.Join(t.TempDir(), "memory.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSession(t *testing.T, store storage.Store) *model.Session {
	session := &model.Session{ID: fmt.Sprintf("session-%d", time.Now().UnixNano()), Model: "gpt-4o-mini"}
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session
}

func addMessage(t *testing.T, store storage.Store, sessionID string, i int) {
	role := model.RoleUser
	if i%2 == 0 {
		role = model.RoleAssistant
	}
	require.NoError(t, store.InsertMessage(context.Background(), &model.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   fmt.Sprintf("message %d", i),
	}))
}

type recordingSummarizer struct {
	mu     sync.Mutex
	calls  int
	models []string
	texts  [][]string
}

func (r *recordingSummarizer) Summarize(_ context.Context, modelID string, texts []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.models = append(r.models, modelID)
	r.texts = append(r.texts, texts)
	return fmt.Sprintf("summary of %d messages", len(texts)), nil
}

func TestSummaryTrigger_BelowThreshold(t *testing.T) {
	store := setupStore(t)
	session := newSession(t, store)
	rec := &recordingSummarizer{}
	trigger := intelligence.NewSummaryTrigger(store, rec, nil)
	assert.Equal(t, intelligence.DefaultSummaryThreshold, trigger.Threshold())

	for i := 1; i <= 14; i++ {
		addMessage(t, store, session.ID, i)
	}
	summary, err := trigger.Check(context.Background(), session)
	require.NoError(t, err)
	assert.Nil(t, summary)
	assert.Zero(t, rec.calls)
}

// 20 messages with threshold 15: the first 15 are summarized exactly once.
func TestSummaryTrigger_SummarizesOnce(t *testing.T) {
	store := setupStore(t)
	session := newSession(t, store)
	rec := &recordingSummarizer{}
	trigger := intelligence.NewSummaryTrigger(store, rec, &intelligence.TriggerConfig{Threshold: 15})
	ctx := context.Background()

	var created []*model.ConversationSummary
	for i := 1; i <= 20; i++ {
		addMessage(t, store, session.ID, i)
		summary, err := trigger.Check(ctx, session)
		require.NoError(t, err)
		if summary != nil {
			assert.Equal(t, 15, i)
			created = append(created, summary)
		}
	}

	require.Len(t, created, 1)
	s := created[0]
	assert.Equal(t, int64(1), s.StartSeq)
	assert.Equal(t, int64(15), s.EndSeq)
	assert.Equal(t, 15, s.MessageCount)
	assert.InDelta(t, model.DefaultSummaryImportance, s.ImportanceScore, 1e-9)
	assert.Equal(t, "summary of 15 messages", s.Summary)

	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, []string{"gpt-4o-mini"}, rec.models)
	assert.Equal(t, "assistant: message 2", rec.texts[0][1])
	assert.Equal(t, "user: message 15", rec.texts[0][14])

	pending, err := store.CountMessages(ctx, session.ID, &storage.CountOptions{AfterSeq: s.EndSeq})
	require.NoError(t, err)
	assert.Equal(t, int64(5), pending)

	// Re-checking without new messages does nothing.
	again, err := trigger.Check(ctx, session)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, rec.calls)
}

func TestSummaryTrigger_RangesAreContiguous(t *testing.T) {
	store := setupStore(t)
	session := newSession(t, store)
	trigger := intelligence.NewSummaryTrigger(store, &recordingSummarizer{}, &intelligence.TriggerConfig{Threshold: 5})
	ctx := context.Background()

	for i := 1; i <= 17; i++ {
		addMessage(t, store, session.ID, i)
		_, err := trigger.Check(ctx, session)
		require.NoError(t, err)
	}

	summaries, err := store.GetRecentSummaries(ctx, session.ID, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	for i, s := range summaries {
		assert.Equal(t, int64(i*5+1), s.StartSeq)
		assert.Equal(t, int64(i*5+5), s.EndSeq)
	}
}

func TestSummaryTrigger_FailureIsRetried(t *testing.T) {
	store := setupStore(t)
	session := newSession(t, store)
	var calls atomic.Int64
	summarizer := intelligence.SummarizerFunc(func(ctx context.Context, modelID string, texts []string) (string, error) {
		switch calls.Add(1) {
		case 1:
			return "", errors.New("model overloaded")
		case 2:
			return "   ", nil
		}
		return "ok", nil
	})
	trigger := intelligence.NewSummaryTrigger(store, summarizer, &intelligence.TriggerConfig{Threshold: 3})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		addMessage(t, store, session.ID, i)
	}

	_, err := trigger.Check(ctx, session)
	assert.ErrorIs(t, err, intelligence.ErrSummarizationFailed)

	_, err = trigger.Check(ctx, session)
	assert.ErrorIs(t, err, intelligence.ErrSummarizationFailed)

	latest, err := store.GetLatestSummary(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	summary, err := trigger.Check(ctx, session)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, int64(3), summary.EndSeq)
}

func TestSummaryTrigger_Timeout(t *testing.T) {
	store := setupStore(t)
	session := newSession(t, store)
	summarizer := intelligence.SummarizerFunc(func(ctx context.Context, modelID string, texts []string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	trigger := intelligence.NewSummaryTrigger(store, summarizer, &intelligence.TriggerConfig{Threshold: 1, Timeout: 20 * time.Millisecond})

	addMessage(t, store, session.ID, 1)
	_, err := trigger.Check(context.Background(), session)
	assert.ErrorIs(t, err, intelligence.ErrSummarizationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSummaryTrigger_ConcurrentChecks(t *testing.T) {
	store := setupStore(t)
	session := newSession(t, store)
	var calls atomic.Int64
	summarizer := intelligence.SummarizerFunc(func(ctx context.Context, modelID string, texts []string) (string, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return "summary", nil
	})
	trigger := intelligence.NewSummaryTrigger(store, summarizer, &intelligence.TriggerConfig{Threshold: 4})
	for i := 1; i <= 4; i++ {
		addMessage(t, store, session.ID, i)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := trigger.Check(context.Background(), session)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	summaries, err := store.GetRecentSummaries(context.Background(), session.ID, 10)
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestSummaryTrigger_OverlapFromAnotherWriter(t *testing.T) {
	store := setupStore(t)
	session := newSession(t, store)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		addMessage(t, store, session.ID, i)
	}

	// Another process summarizes the same range while our summarizer runs.
	summarizer := intelligence.SummarizerFunc(func(ctx context.Context, modelID string, texts []string) (string, error) {
		msgs, err := store.GetMessagesAfter(ctx, session.ID, 0, 0)
		require.NoError(t, err)
		require.NoError(t, store.InsertSummary(ctx, &model.ConversationSummary{
			SessionID: session.ID, Summary: "theirs", MessageCount: 3,
			StartMessageID: msgs[0].ID, EndMessageID: msgs[2].ID, StartSeq: 1, EndSeq: 3,
			ImportanceScore: 0.7,
		}))
		return "ours", nil
	})
	trigger := intelligence.NewSummaryTrigger(store, summarizer, &intelligence.TriggerConfig{Threshold: 3})

	summary, err := trigger.Check(ctx, session)
	require.NoError(t, err)
	assert.Nil(t, summary)

	latest, err := store.GetLatestSummary(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "theirs", latest.Summary)
}

type fakeProvider struct {
	messages []llm.Message
	options  *llm.GenerateOptions
}

func (p *fakeProvider) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return p.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

func (p *fakeProvider) GenerateWithMessages(_ context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	p.messages = messages
	p.options = llm.ApplyGenerateOptions(opts)
	return "Caregiver confirmed the new dose.", nil
}

func (p *fakeProvider) Close() error { return nil }

func TestLLMSummarizer(t *testing.T) {
	provider := &fakeProvider{}
	summarizer := intelligence.NewLLMSummarizer(provider)

	out, err := summarizer.Summarize(context.Background(), "llama3.1:8b", []string{"user: a", "assistant: b"})
	require.NoError(t, err)
	assert.Equal(t, "Caregiver confirmed the new dose.", out)
	require.Len(t, provider.messages, 2)
	assert.Equal(t, "system", provider.messages[0].Role)
	assert.Equal(t, "user: a\nassistant: b", provider.messages[1].Content)
	assert.Equal(t, "llama3.1:8b", provider.options.Model)

	_, err = summarizer.Summarize(context.Background(), "", []string{"user: a"})
	require.NoError(t, err)
	assert.Empty(t, provider.options.Model)
}
