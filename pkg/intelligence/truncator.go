package intelligence

import (
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

// Truncator trims a context to a token budget.
//
// Content is dropped in a fixed priority order: recent messages oldest first,
// then summaries oldest first, then pins lowest importance first (older first
// on ties). The last remaining pin is never dropped, so the result can exceed
// the budget only when that single pin does.
type Truncator struct {
	estimator TokenEstimator
}

// NewTruncator creates a truncator. A nil estimator uses DefaultEstimator.
func NewTruncator(est TokenEstimator) *Truncator {
	if est == nil {
		est = DefaultEstimator
	}
	return &Truncator{estimator: est}
}

// Estimator returns the estimator used by the truncator.
func (t *Truncator) Estimator() TokenEstimator {
	return t.estimator
}

// Truncate fits messages, pins and summaries into maxTokens. Messages and
// summaries are expected in chronological order, pins by importance. A
// maxTokens <= 0 disables the budget. The inputs are not modified.
func (t *Truncator) Truncate(messages []model.Message, pins []model.SemanticPin, summaries []model.ConversationSummary, maxTokens int) model.MemoryContext {
	mc := model.MemoryContext{
		RecentMessages: append([]model.Message{}, messages...),
		SemanticPins:   append([]model.SemanticPin{}, pins...),
		Summaries:      append([]model.ConversationSummary{}, summaries...),
	}
	total := EstimateContext(t.estimator, mc.RecentMessages, mc.SemanticPins, mc.Summaries)
	if maxTokens <= 0 || total <= maxTokens {
		mc.TotalTokens = total
		return mc
	}
	mc.Truncated = true

	for total > maxTokens && len(mc.RecentMessages) > 0 {
		total -= t.estimator.Estimate(mc.RecentMessages[0].Content)
		mc.RecentMessages = mc.RecentMessages[1:]
	}
	for total > maxTokens && len(mc.Summaries) > 0 {
		total -= t.estimator.Estimate(mc.Summaries[0].Summary)
		mc.Summaries = mc.Summaries[1:]
	}
	for total > maxTokens && len(mc.SemanticPins) > 1 {
		i := lowestPriorityPin(mc.SemanticPins)
		total -= t.estimator.Estimate(mc.SemanticPins[i].Content)
		mc.SemanticPins = append(mc.SemanticPins[:i], mc.SemanticPins[i+1:]...)
	}

	mc.TotalTokens = total
	return mc
}

// lowestPriorityPin returns the index of the pin to drop next.
func lowestPriorityPin(pins []model.SemanticPin) int {
	idx := 0
	for i := 1; i < len(pins); i++ {
		p, low := pins[i], pins[idx]
		switch {
		case p.ImportanceScore < low.ImportanceScore:
			idx = i
		case p.ImportanceScore == low.ImportanceScore && p.CreatedAt.Before(low.CreatedAt):
			idx = i
		}
	}
	return idx
}
