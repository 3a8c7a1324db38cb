package intelligence

import (
	"unicode/utf8"

	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

// TokenEstimator estimates the token cost of one context item.
type TokenEstimator interface {
	Estimate(text string) int
}

// CharEstimator approximates tokens from the rune count. It is a stand-in
// for a real tokenizer and errs on the high side for English prose.
type CharEstimator struct {
	// CharsPerToken defaults to 4.
	CharsPerToken int

	// Overhead is added per item for role and framing tokens.
	Overhead int
}

// DefaultEstimator is used when no estimator is configured.
var DefaultEstimator TokenEstimator = CharEstimator{CharsPerToken: 4, Overhead: 4}

// Estimate implements TokenEstimator.
func (e CharEstimator) Estimate(text string) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}
	n := utf8.RuneCountInString(text)
	return (n+per-1)/per + e.Overhead
}

// EstimateContext returns the estimated size of the given context parts.
func EstimateContext(est TokenEstimator, messages []model.Message, pins []model.SemanticPin, summaries []model.ConversationSummary) int {
	total := 0
	for i := range messages {
		total += est.Estimate(messages[i].Content)
	}
	for i := range pins {
		total += est.Estimate(pins[i].Content)
	}
	for i := range summaries {
		total += est.Estimate(summaries[i].Summary)
	}
	return total
}
