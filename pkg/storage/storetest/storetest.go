// Package storetest holds the behavioural tests every storage.Store
// implementation must pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
	"github.com/Kalito-Labs/Luna-sub004/pkg/storage"
)

// Run executes the conformance suite against the store returned by newStore.
// The store is closed by the suite.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store storage.Store)
	}{
		{"SessionLifecycle", testSessionLifecycle},
		{"DeleteCascades", testDeleteCascades},
		{"MessageSequence", testMessageSequence},
		{"ConcurrentInsertSequence", testConcurrentInsertSequence},
		{"RecentMessages", testRecentMessages},
		{"MessagesAfterAndCount", testMessagesAfterAndCount},
		{"ImportanceBackfill", testImportanceBackfill},
		{"TopPins", testTopPins},
		{"Summaries", testSummaries},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			defer func() { _ = store.Close() }()
			tt.fn(t, store)
		})
	}
}

// NewSession creates a session with a random ID.
func NewSession(t *testing.T, store storage.Store) *model.Session {
	t.Helper()
	session := &model.Session{
		ID:      uuid.NewString(),
		Model:   "gpt-4o-mini",
		Persona: "caregiver",
	}
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session
}

// AddMessages inserts n user messages numbered from 1.
func AddMessages(t *testing.T, store storage.Store, sessionID string, n int) []*model.Message {
	t.Helper()
	messages := make([]*model.Message, 0, n)
	for i := 1; i <= n; i++ {
		m := &model.Message{
			SessionID: sessionID,
			Role:      model.RoleUser,
			Content:   fmt.Sprintf("message %d", i),
		}
		require.NoError(t, store.InsertMessage(context.Background(), m))
		messages = append(messages, m)
	}
	return messages
}

func testSessionLifecycle(t *testing.T, store storage.Store) {
	ctx := context.Background()
	subject := "patient-7"
	session := &model.Session{ID: uuid.NewString(), Model: "m", Persona: "p", SubjectID: &subject}
	require.NoError(t, store.CreateSession(ctx, session))
	assert.False(t, session.CreatedAt.IsZero())

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "m", got.Model)
	assert.Equal(t, "p", got.Persona)
	require.NotNil(t, got.SubjectID)
	assert.Equal(t, subject, *got.SubjectID)

	_, err = store.GetSession(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.DeleteSession(ctx, session.ID))
	_, err = store.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.DeleteSession(ctx, session.ID), storage.ErrNotFound)
}

func testDeleteCascades(t *testing.T, store storage.Store) {
	ctx := context.Background()
	session := NewSession(t, store)
	messages := AddMessages(t, store, session.ID, 3)
	require.NoError(t, store.InsertPin(ctx, &model.SemanticPin{SessionID: session.ID, Content: "allergic to penicillin", ImportanceScore: 0.9}))
	require.NoError(t, store.InsertSummary(ctx, &model.ConversationSummary{
		SessionID: session.ID, Summary: "s", MessageCount: 3,
		StartMessageID: messages[0].ID, EndMessageID: messages[2].ID, StartSeq: 1, EndSeq: 3,
		ImportanceScore: model.DefaultSummaryImportance,
	}))

	require.NoError(t, store.DeleteSession(ctx, session.ID))

	n, err := store.CountMessages(ctx, session.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	pins, err := store.GetTopPins(ctx, session.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, pins)
	latest, err := store.GetLatestSummary(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func testMessageSequence(t *testing.T, store storage.Store) {
	ctx := context.Background()
	session := NewSession(t, store)
	messages := AddMessages(t, store, session.ID, 5)
	for i, m := range messages {
		assert.Equal(t, int64(i+1), m.Seq)
		assert.NotZero(t, m.ID)
	}

	err := store.InsertMessage(ctx, &model.Message{SessionID: uuid.NewString(), Role: model.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.InsertMessage(ctx, &model.Message{SessionID: session.ID, Role: "robot", Content: "x"})
	assert.Error(t, err)

	// Sequences are per session.
	other := NewSession(t, store)
	first := AddMessages(t, store, other.ID, 1)
	assert.Equal(t, int64(1), first[0].Seq)
}

func testConcurrentInsertSequence(t *testing.T, store storage.Store) {
	session := NewSession(t, store)
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.InsertMessage(context.Background(), &model.Message{
				SessionID: session.ID,
				Role:      model.RoleUser,
				Content:   fmt.Sprintf("concurrent %d", i),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := store.GetMessagesAfter(context.Background(), session.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, n)
	for i, m := range all {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func testRecentMessages(t *testing.T, store storage.Store) {
	ctx := context.Background()
	session := NewSession(t, store)
	messages := AddMessages(t, store, session.ID, 6)

	recent, err := store.GetRecentMessages(ctx, session.ID, &storage.RecentOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "message 4", recent[0].Content)
	assert.Equal(t, "message 6", recent[2].Content)

	recent, err = store.GetRecentMessages(ctx, session.ID, &storage.RecentOptions{Limit: 3, ExcludeID: messages[5].ID})
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "message 3", recent[0].Content)
	assert.Equal(t, "message 5", recent[2].Content)

	recent, err = store.GetRecentMessages(ctx, session.ID, &storage.RecentOptions{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, recent, 6)

	recent, err = store.GetRecentMessages(ctx, uuid.NewString(), &storage.RecentOptions{Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func testMessagesAfterAndCount(t *testing.T, store storage.Store) {
	ctx := context.Background()
	session := NewSession(t, store)
	AddMessages(t, store, session.ID, 7)

	after, err := store.GetMessagesAfter(ctx, session.ID, 4, 0)
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, int64(5), after[0].Seq)

	after, err = store.GetMessagesAfter(ctx, session.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(2), after[1].Seq)

	total, err := store.CountMessages(ctx, session.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)

	pending, err := store.CountMessages(ctx, session.ID, &storage.CountOptions{AfterSeq: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
}

func testImportanceBackfill(t *testing.T, store storage.Store) {
	ctx := context.Background()
	session := NewSession(t, store)
	scored := 0.6
	require.NoError(t, store.InsertMessage(ctx, &model.Message{SessionID: session.ID, Role: model.RoleUser, Content: "scored", ImportanceScore: &scored}))
	unscored := AddMessages(t, store, session.ID, 2)

	pending, err := store.GetUnscoredMessages(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Nil(t, pending[0].ImportanceScore)

	require.NoError(t, store.SetMessageImportance(ctx, unscored[0].ID, 0.9))
	err = store.SetMessageImportance(ctx, unscored[0].ID, 0.1)
	assert.ErrorIs(t, err, storage.ErrAlreadyScored)
	err = store.SetMessageImportance(ctx, 424242, 0.1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	pending, err = store.GetUnscoredMessages(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, unscored[1].ID, pending[0].ID)

	recent, err := store.GetRecentMessages(ctx, session.ID, &storage.RecentOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.InDelta(t, 0.6, recent[0].Importance(), 1e-9)
	assert.InDelta(t, 0.9, recent[1].Importance(), 1e-9)
}

func testTopPins(t *testing.T, store storage.Store) {
	ctx := context.Background()
	session := NewSession(t, store)

	for _, p := range []struct {
		content string
		score   float64
	}{
		{"low", 0.2},
		{"high", 0.95},
		{"medium", 0.5},
		{"clamped", 3},
	} {
		require.NoError(t, store.InsertPin(ctx, &model.SemanticPin{SessionID: session.ID, Content: p.content, ImportanceScore: p.score}))
	}

	pins, err := store.GetTopPins(ctx, session.ID, 3)
	require.NoError(t, err)
	require.Len(t, pins, 3)
	assert.Equal(t, "clamped", pins[0].Content)
	assert.Equal(t, 1.0, pins[0].ImportanceScore)
	assert.Equal(t, "high", pins[1].Content)
	assert.Equal(t, "medium", pins[2].Content)
	assert.Equal(t, model.UrgencyMedium, pins[2].UrgencyLevel)
	assert.Equal(t, "general", pins[2].Category)

	err = store.InsertPin(ctx, &model.SemanticPin{SessionID: uuid.NewString(), Content: "orphan", ImportanceScore: 0.5})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSummaries(t *testing.T, store storage.Store) {
	ctx := context.Background()
	session := NewSession(t, store)
	messages := AddMessages(t, store, session.ID, 10)

	latest, err := store.GetLatestSummary(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	insert := func(start, end int64) error {
		return store.InsertSummary(ctx, &model.ConversationSummary{
			SessionID:       session.ID,
			Summary:         fmt.Sprintf("summary %d-%d", start, end),
			MessageCount:    int(end - start + 1),
			StartMessageID:  messages[start-1].ID,
			EndMessageID:    messages[end-1].ID,
			StartSeq:        start,
			EndSeq:          end,
			ImportanceScore: model.DefaultSummaryImportance,
		})
	}

	require.NoError(t, insert(1, 5))
	require.NoError(t, insert(6, 8))
	assert.ErrorIs(t, insert(5, 9), storage.ErrSummaryOverlap)
	assert.ErrorIs(t, insert(7, 7), storage.ErrSummaryOverlap)
	assert.Error(t, insert(9, 8))

	latest, err = store.GetLatestSummary(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(8), latest.EndSeq)

	recent, err := store.GetRecentSummaries(ctx, session.ID, 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "summary 1-5", recent[0].Summary)
	assert.Equal(t, "summary 6-8", recent[1].Summary)
	assert.InDelta(t, model.DefaultSummaryImportance, recent[1].ImportanceScore, 1e-9)
}
