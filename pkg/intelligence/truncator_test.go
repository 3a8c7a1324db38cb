package intelligence_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kalito-Labs/Luna-sub004/pkg/intelligence"
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

// oneTokenPerRune makes token arithmetic in tests exact.
var oneTokenPerRune = intelligence.CharEstimator{CharsPerToken: 1}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func messagesOf(sizes ...int) []model.Message {
	out := make([]model.Message, len(sizes))
	for i, n := range sizes {
		out[i] = model.Message{ID: int64(i + 1), Seq: int64(i + 1), Role: model.RoleUser, Content: strings.Repeat("m", n)}
	}
	return out
}

func pin(id int64, size int, importance float64, age time.Duration) model.SemanticPin {
	return model.SemanticPin{
		ID:              id,
		Content:         strings.Repeat("p", size),
		ImportanceScore: importance,
		CreatedAt:       base.Add(-age),
	}
}

func summary(id int64, size int) model.ConversationSummary {
	return model.ConversationSummary{ID: id, Summary: strings.Repeat("s", size), StartSeq: id*10 - 9, EndSeq: id * 10}
}

func TestCharEstimator(t *testing.T) {
	assert.Equal(t, 4, intelligence.CharEstimator{}.Estimate("abcdefghijklmno"))
	assert.Equal(t, 0, intelligence.CharEstimator{}.Estimate(""))
	assert.Equal(t, 6, intelligence.DefaultEstimator.Estimate("héllo"))
	assert.Equal(t, 3, oneTokenPerRune.Estimate("日本語"))
}

func TestTruncator_UnderBudget(t *testing.T) {
	tr := intelligence.NewTruncator(oneTokenPerRune)
	msgs := messagesOf(10, 20, 30)
	pins := []model.SemanticPin{pin(1, 5, 0.9, 0)}

	mc := tr.Truncate(msgs, pins, nil, 1000)
	assert.False(t, mc.Truncated)
	assert.Equal(t, 65, mc.TotalTokens)
	assert.Len(t, mc.RecentMessages, 3)
	assert.Len(t, mc.SemanticPins, 1)

	mc = tr.Truncate(msgs, pins, nil, 0)
	assert.False(t, mc.Truncated)
	assert.Len(t, mc.RecentMessages, 3)
}

func TestTruncator_DropsOldestMessagesFirst(t *testing.T) {
	tr := intelligence.NewTruncator(oneTokenPerRune)
	msgs := messagesOf(10, 20, 30, 40)

	mc := tr.Truncate(msgs, nil, []model.ConversationSummary{summary(1, 5)}, 80)
	assert.True(t, mc.Truncated)
	require.Len(t, mc.RecentMessages, 2)
	assert.Equal(t, int64(3), mc.RecentMessages[0].Seq)
	assert.Equal(t, int64(4), mc.RecentMessages[1].Seq)
	assert.Len(t, mc.Summaries, 1)
	assert.Equal(t, 75, mc.TotalTokens)
}

// Budget smaller than one message with two pins and one summary present.
func TestTruncator_SmallBudgetKeepsPins(t *testing.T) {
	tr := intelligence.NewTruncator(oneTokenPerRune)
	msgs := messagesOf(50, 50, 50)
	pins := []model.SemanticPin{pin(1, 10, 0.9, 0), pin(2, 10, 0.5, 0)}
	sums := []model.ConversationSummary{summary(1, 20)}

	mc := tr.Truncate(msgs, pins, sums, 25)
	assert.True(t, mc.Truncated)
	assert.Empty(t, mc.RecentMessages)
	assert.Empty(t, mc.Summaries)
	assert.Len(t, mc.SemanticPins, 2)
	assert.Equal(t, 20, mc.TotalTokens)

	mc = tr.Truncate(msgs, pins, sums, 15)
	require.Len(t, mc.SemanticPins, 1)
	assert.Equal(t, int64(1), mc.SemanticPins[0].ID)
	assert.Equal(t, 10, mc.TotalTokens)

	// The last pin stays even when it alone exceeds the budget.
	mc = tr.Truncate(msgs, pins, sums, 5)
	require.Len(t, mc.SemanticPins, 1)
	assert.Equal(t, int64(1), mc.SemanticPins[0].ID)
	assert.Equal(t, 10, mc.TotalTokens)
	assert.True(t, mc.Truncated)
}

func TestTruncator_PinTiesDropOlderFirst(t *testing.T) {
	tr := intelligence.NewTruncator(oneTokenPerRune)
	pins := []model.SemanticPin{
		pin(1, 10, 0.8, time.Minute),
		pin(2, 10, 0.8, time.Hour),
		pin(3, 10, 0.8, time.Second),
	}

	mc := tr.Truncate(nil, pins, nil, 20)
	require.Len(t, mc.SemanticPins, 2)
	assert.Equal(t, int64(1), mc.SemanticPins[0].ID)
	assert.Equal(t, int64(3), mc.SemanticPins[1].ID)
}

func TestTruncator_DoesNotModifyInputs(t *testing.T) {
	tr := intelligence.NewTruncator(oneTokenPerRune)
	msgs := messagesOf(10, 10)
	pins := []model.SemanticPin{pin(1, 10, 0.9, 0), pin(2, 10, 0.1, 0), pin(3, 10, 0.5, 0)}

	_ = tr.Truncate(msgs, pins, nil, 10)
	assert.Len(t, msgs, 2)
	assert.Equal(t, []int64{1, 2, 3}, []int64{pins[0].ID, pins[1].ID, pins[2].ID})
}

// For every budget the result fits unless a single pin remains, and content
// is only dropped in priority order.
func TestTruncator_Laws(t *testing.T) {
	tr := intelligence.NewTruncator(nil)
	est := tr.Estimator()
	msgs := messagesOf(12, 40, 7, 90, 33, 5)
	pins := []model.SemanticPin{pin(1, 30, 1.0, 0), pin(2, 14, 0.8, time.Hour), pin(3, 60, 0.8, 0), pin(4, 8, 0.3, 0)}
	sums := []model.ConversationSummary{summary(1, 120), summary(2, 80), summary(3, 40)}

	for budget := 1; budget <= 200; budget++ {
		mc := tr.Truncate(msgs, pins, sums, budget)

		assert.Equal(t, intelligence.EstimateContext(est, mc.RecentMessages, mc.SemanticPins, mc.Summaries), mc.TotalTokens)
		if mc.TotalTokens > budget {
			assert.Empty(t, mc.RecentMessages, "budget %d", budget)
			assert.Empty(t, mc.Summaries, "budget %d", budget)
			assert.Len(t, mc.SemanticPins, 1, "budget %d", budget)
		}

		if len(mc.Summaries) < len(sums) {
			assert.Empty(t, mc.RecentMessages, "summary dropped before messages at budget %d", budget)
		}
		if len(mc.SemanticPins) < len(pins) {
			assert.Empty(t, mc.Summaries, "pin dropped before summaries at budget %d", budget)
		}

		// Kept messages and summaries are the newest ones.
		if n := len(mc.RecentMessages); n > 0 {
			assert.Equal(t, msgs[len(msgs)-n:], mc.RecentMessages)
		}
		if n := len(mc.Summaries); n > 0 {
			assert.Equal(t, sums[len(sums)-n:], mc.Summaries)
		}
		// The most important pin always survives.
		require.NotEmpty(t, mc.SemanticPins)
		assert.Equal(t, int64(1), mc.SemanticPins[0].ID)
	}
}
