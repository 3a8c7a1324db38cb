package core_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kalito-Labs/Luna-sub004/pkg/core"
	"github.com/Kalito-Labs/Luna-sub004/pkg/llm"
	"github.com/Kalito-Labs/Luna-sub004/pkg/metrics"
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
	"github.com/Kalito-Labs/Luna-sub004/pkg/storage"
)

func TestNewClient_InvalidConfig(t *testing.T) {
	_, err := core.NewClient(nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	cfg := core.DefaultConfig(t.TempDir() + "/luna.db")
	cfg.Store.Provider = "oracle"
	_, err = core.NewClient(cfg)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	var memErr *core.MemoryError
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, "Validate", memErr.Op)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, nil)

	session, err := client.CreateSession(ctx, "gpt-4o-mini", core.WithPersona("luna"), core.WithSubject("patient-7"))
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)

	got, err := client.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, "luna", got.Persona)
	require.NotNil(t, got.SubjectID)
	assert.Equal(t, "patient-7", *got.SubjectID)

	named, err := client.CreateSession(ctx, "llama3.1:8b", core.WithSessionID("evening-checkin"))
	require.NoError(t, err)
	assert.Equal(t, "evening-checkin", named.ID)

	_, err = client.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRecordMessage_Validation(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, nil)
	session := newSession(t, client)

	_, err := client.RecordMessage(ctx, session.ID, model.RoleUser, "   ")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = client.RecordMessage(ctx, session.ID, model.Role("tool"), "hello")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = client.RecordMessage(ctx, "", model.RoleUser, "hello")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = client.RecordMessage(ctx, "missing", model.RoleUser, "hello")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRecordMessage_CrisisScore(t *testing.T) {
	client := newTestClient(t, nil)
	session := newSession(t, client)

	msg, err := client.RecordMessage(context.Background(), session.ID, model.RoleUser, "I feel like I might hurt myself")
	require.NoError(t, err)
	require.NotNil(t, msg.ImportanceScore)
	assert.GreaterOrEqual(t, *msg.ImportanceScore, 0.8)
	assert.Equal(t, 1.0, *msg.ImportanceScore)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestRecordMessage_ImportanceOverride(t *testing.T) {
	client := newTestClient(t, nil)
	session := newSession(t, client)

	msg, err := client.RecordMessage(context.Background(), session.ID, model.RoleUser, "hello there",
		core.WithImportance(1.5), core.WithTokenUsage(12))
	require.NoError(t, err)
	assert.Equal(t, 1.0, msg.Importance())
	assert.Equal(t, 12, msg.TokenUsage)
}

func TestRecordMessage_SummarizesOnce(t *testing.T) {
	ctx := context.Background()
	summarizer := &recordingSummarizer{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, nil)
	client := newTestClient(t, nil, core.WithSummarizer(summarizer), core.WithMetrics(m))
	session := newSession(t, client)

	recordTurns(t, client, session.ID, 14)
	assert.Equal(t, 0, summarizer.Calls())

	recordTurns(t, client, session.ID, 1)
	require.Equal(t, 1, summarizer.Calls())
	assert.Equal(t, []string{"gpt-4o-mini"}, summarizer.models)
	require.Len(t, summarizer.texts[0], 15)
	assert.Equal(t, "user: turn 1", summarizer.texts[0][0])

	recordTurns(t, client, session.ID, 5)
	assert.Equal(t, 1, summarizer.Calls())

	mc, err := client.BuildContext(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, mc.Summaries, 1)
	assert.Equal(t, int64(1), mc.Summaries[0].StartSeq)
	assert.Equal(t, int64(15), mc.Summaries[0].EndSeq)
	assert.Equal(t, 15, mc.Summaries[0].MessageCount)
	assert.Equal(t, model.DefaultSummaryImportance, mc.Summaries[0].ImportanceScore)

	require.Len(t, mc.RecentMessages, 10)
	last := mc.RecentMessages[len(mc.RecentMessages)-5:]
	for i, msg := range last {
		assert.Equal(t, int64(16+i), msg.Seq)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Summaries.WithLabelValues(metrics.SummaryCreated)))
}

func TestRecordMessage_SummaryFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	summarizer := &recordingSummarizer{}
	summarizer.fail.Store(true)
	client := newTestClient(t, func(cfg *core.Config) {
		cfg.Memory.SummaryThreshold = 3
	}, core.WithSummarizer(summarizer))
	session := newSession(t, client)

	recordTurns(t, client, session.ID, 3)
	assert.Equal(t, 1, summarizer.Calls())

	summarizer.fail.Store(false)
	_, err := client.RecordMessage(ctx, session.ID, model.RoleUser, "turn 4")
	require.NoError(t, err)

	mc, err := client.BuildContext(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, mc.Summaries, 1)
	assert.Equal(t, int64(1), mc.Summaries[0].StartSeq)
	assert.Equal(t, int64(4), mc.Summaries[0].EndSeq)
}

func TestRecordMessage_AsyncSummarization(t *testing.T) {
	ctx := context.Background()
	summarizer := &recordingSummarizer{}
	client := newTestClient(t, func(cfg *core.Config) {
		cfg.Memory.SummaryThreshold = 4
		cfg.Memory.AsyncSummarization = true
	}, core.WithSummarizer(summarizer))
	session := newSession(t, client)

	recordTurns(t, client, session.ID, 4)
	client.Wait()

	mc, err := client.BuildContext(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, mc.Summaries, 1)
	assert.Equal(t, int64(4), mc.Summaries[0].EndSeq)
	assert.Equal(t, 1, summarizer.Calls())
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()

	client := newTestClient(t, nil)
	session := newSession(t, client)
	_, err := client.Summarize(ctx, session.ID)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	summarizer := &recordingSummarizer{}
	client = newTestClient(t, func(cfg *core.Config) {
		cfg.Memory.SummaryThreshold = 100
	}, core.WithSummarizer(summarizer))
	session = newSession(t, client)
	recordTurns(t, client, session.ID, 5)

	summary, err := client.Summarize(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, summary)

	_, err = client.Summarize(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAddPin(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, nil)
	session := newSession(t, client)

	pin, err := client.AddPin(ctx, session.ID, "Mom is allergic to penicillin")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPinImportance, pin.ImportanceScore)
	assert.Equal(t, model.UrgencyMedium, pin.UrgencyLevel)
	assert.Equal(t, "general", pin.Category)

	pin, err = client.AddPin(ctx, session.ID, "Pharmacy closes at 6pm",
		core.WithPinImportance(0.4), core.WithCategory("scheduling"), core.WithUrgency(model.UrgencyLow))
	require.NoError(t, err)
	assert.Equal(t, 0.4, pin.ImportanceScore)
	assert.Equal(t, "scheduling", pin.Category)

	_, err = client.AddPin(ctx, session.ID, "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = client.AddPin(ctx, "missing", "something")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRecordMessage_AutoPin(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, func(cfg *core.Config) {
		cfg.Memory.AutoPinThreshold = 0.8
	})
	session := newSession(t, client)

	crisis, err := client.RecordMessage(ctx, session.ID, model.RoleUser, "Dad fell in the bathroom and is bleeding")
	require.NoError(t, err)
	_, err = client.RecordMessage(ctx, session.ID, model.RoleUser, "thanks, that helps")
	require.NoError(t, err)
	_, err = client.RecordMessage(ctx, session.ID, model.RoleAssistant, "If he is bleeding heavily call 911 now.")
	require.NoError(t, err)

	mc, err := client.BuildContext(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, mc.SemanticPins, 1)
	pin := mc.SemanticPins[0]
	assert.Equal(t, "crisis", pin.Category)
	assert.Equal(t, model.UrgencyCritical, pin.UrgencyLevel)
	assert.Equal(t, crisis.Importance(), pin.ImportanceScore)
	require.NotNil(t, pin.SourceMessageID)
	assert.Equal(t, crisis.ID, *pin.SourceMessageID)
}

func TestBackfillImportance(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	client := newTestClient(t, nil, core.WithStore(store))
	session := newSession(t, client)

	for _, text := range []string{"Her blood pressure was 150 over 95", "ok", "See you tomorrow at 3pm"} {
		require.NoError(t, store.InsertMessage(ctx, &model.Message{
			SessionID: session.ID,
			Role:      model.RoleUser,
			Content:   text,
		}))
	}
	scoredMsg, err := client.RecordMessage(ctx, session.ID, model.RoleUser, "already scored", core.WithImportance(0.1))
	require.NoError(t, err)

	n, err := client.BackfillImportance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = client.BackfillImportance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	mc, err := client.BuildContext(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, mc.RecentMessages, 4)
	for _, m := range mc.RecentMessages {
		require.NotNil(t, m.ImportanceScore, m.Content)
	}
	assert.GreaterOrEqual(t, mc.RecentMessages[0].Importance(), 0.7)
	assert.Equal(t, 0.1, mc.RecentMessages[3].Importance())
	assert.Equal(t, scoredMsg.ID, mc.RecentMessages[3].ID)

	unscored, err := store.GetUnscoredMessages(ctx, session.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, unscored)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, nil)
	session := newSession(t, client)
	recordTurns(t, client, session.ID, 3)
	_, err := client.AddPin(ctx, session.ID, "pinned")
	require.NoError(t, err)

	mc, err := client.BuildContext(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, mc.RecentMessages, 3)

	require.NoError(t, client.DeleteSession(ctx, session.ID))
	_, err = client.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	mc, err = client.BuildContext(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, mc.RecentMessages)
	assert.Empty(t, mc.SemanticPins)

	assert.ErrorIs(t, client.DeleteSession(ctx, session.ID), core.ErrNotFound)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	client, err := core.NewClient(core.DefaultConfig(t.TempDir()+"/luna.db"),
		core.WithLogger(log.New(io.Discard)),
		core.WithMetrics(metrics.New(prometheus.NewRegistry(), nil)))
	require.NoError(t, err)
	session := newSession(t, client)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = client.RecordMessage(ctx, session.ID, model.RoleUser, "hello")
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = client.BuildContext(ctx, session.ID, 0)
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	client := newTestClient(t, nil, core.WithStore(store))
	session := newSession(t, client)

	require.NoError(t, store.Close())
	_, err := client.RecordMessage(ctx, session.ID, model.RoleUser, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStorageOperation)
	assert.False(t, errors.Is(err, storage.ErrNotFound), fmt.Sprint(err))
}

type fakeProvider struct {
	models []string
	closed bool
}

func (p *fakeProvider) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return p.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

func (p *fakeProvider) GenerateWithMessages(_ context.Context, _ []llm.Message, opts ...llm.GenerateOption) (string, error) {
	p.models = append(p.models, llm.ApplyGenerateOptions(opts).Model)
	return "Caregiver discussed medication timing.", nil
}

func (p *fakeProvider) Close() error {
	p.closed = true
	return nil
}

func TestClient_LLMProvider(t *testing.T) {
	provider := &fakeProvider{}
	client, err := core.NewClient(core.DefaultConfig(t.TempDir()+"/luna.db"),
		core.WithLLM(provider),
		core.WithLogger(log.New(io.Discard)),
		core.WithMetrics(metrics.New(prometheus.NewRegistry(), nil)))
	require.NoError(t, err)

	session, err := client.CreateSession(context.Background(), "llama3.1:8b")
	require.NoError(t, err)
	recordTurns(t, client, session.ID, 15)

	assert.Equal(t, []string{"llama3.1:8b"}, provider.models)
	require.NoError(t, client.Close())
	assert.True(t, provider.closed)
}

func TestClient_ConfiguredProviders(t *testing.T) {
	for _, provider := range []string{"openai", "deepseek", "ollama", "none"} {
		t.Run(provider, func(t *testing.T) {
			client := newTestClient(t, func(cfg *core.Config) {
				cfg.LLM = core.LLMConfig{Provider: provider, APIKey: "test-key"}
			})
			_, err := client.Summarize(context.Background(), newSession(t, client).ID)
			if provider == "none" {
				assert.ErrorIs(t, err, core.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
