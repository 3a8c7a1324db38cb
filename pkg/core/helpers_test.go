package core_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Kalito-Labs/Luna-sub004/pkg/core"
	"github.com/Kalito-Labs/Luna-sub004/pkg/metrics"
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
	"github.com/Kalito-Labs/Luna-sub004/pkg/storage"
	"github.com/Kalito-Labs/Luna-sub004/pkg/storage/sqlite"
)

var errUnavailable = errors.New("database unavailable")

// testClock is a settable clock for the recency cache.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingSummarizer counts calls and returns a fixed summary.
type recordingSummarizer struct {
	mu     sync.Mutex
	calls  int
	models []string
	texts  [][]string
	fail   atomic.Bool
}

func (s *recordingSummarizer) Summarize(_ context.Context, modelID string, texts []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.models = append(s.models, modelID)
	s.texts = append(s.texts, texts)
	if s.fail.Load() {
		return "", errors.New("model overloaded")
	}
	return fmt.Sprintf("summary of %d messages", len(texts)), nil
}

func (s *recordingSummarizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// flakyStore fails selected reads on demand.
type flakyStore struct {
	storage.Store

	failMessages  atomic.Bool
	failPins      atomic.Bool
	failSummaries atomic.Bool
	foreignPin    atomic.Bool
}

func (s *flakyStore) GetRecentMessages(ctx context.Context, sessionID string, opts *storage.RecentOptions) ([]*model.Message, error) {
	if s.failMessages.Load() {
		return nil, errUnavailable
	}
	return s.Store.GetRecentMessages(ctx, sessionID, opts)
}

func (s *flakyStore) GetTopPins(ctx context.Context, sessionID string, limit int) ([]*model.SemanticPin, error) {
	if s.failPins.Load() {
		return nil, errUnavailable
	}
	pins, err := s.Store.GetTopPins(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	if s.foreignPin.Load() {
		pins = append([]*model.SemanticPin{{
			ID:              999,
			SessionID:       "someone-else",
			Content:         "belongs to another conversation",
			ImportanceScore: 1,
		}}, pins...)
	}
	return pins, nil
}

func (s *flakyStore) GetRecentSummaries(ctx context.Context, sessionID string, limit int) ([]*model.ConversationSummary, error) {
	if s.failSummaries.Load() {
		return nil, errUnavailable
	}
	return s.Store.GetRecentSummaries(ctx, sessionID, limit)
}

func newSQLiteStore(t *testing.T) *sqlite.Client {
	t.Helper()
	store, err := sqlite.NewClient(&sqlite.Config{DBPath: filepath.Join(t.TempDir(), "luna.db"), NodeID: 1})
	require.NoError(t, err)
	return store
}

// newTestClient returns a client over a fresh SQLite database. mutate may
// adjust the configuration before the client is built.
func newTestClient(t *testing.T, mutate func(*core.Config), opts ...core.ClientOption) *core.Client {
	t.Helper()
	cfg := core.DefaultConfig(filepath.Join(t.TempDir(), "luna.db"))
	if mutate != nil {
		mutate(cfg)
	}
	base := []core.ClientOption{
		core.WithLogger(log.New(io.Discard)),
		core.WithMetrics(metrics.New(prometheus.NewRegistry(), nil)),
	}
	client, err := core.NewClient(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newSession(t *testing.T, client *core.Client) *model.Session {
	t.Helper()
	session, err := client.CreateSession(context.Background(), "gpt-4o-mini")
	require.NoError(t, err)
	return session
}

// recordTurns records n messages "turn 1".."turn n", alternating user and
// assistant, and returns them.
func recordTurns(t *testing.T, client *core.Client, sessionID string, n int) []*model.Message {
	t.Helper()
	out := make([]*model.Message, 0, n)
	for i := 1; i <= n; i++ {
		role := model.RoleUser
		if i%2 == 0 {
			role = model.RoleAssistant
		}
		msg, err := client.RecordMessage(context.Background(), sessionID, role, fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
