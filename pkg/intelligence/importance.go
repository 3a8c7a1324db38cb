// Package intelligence provides the pure decision logic of conversation
// memory: importance scoring, token estimation, budget truncation and the
// summarization trigger.
package intelligence

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

// Bucket is the vocabulary class a text falls into.
type Bucket int

const (
	BucketGeneral Bucket = iota
	BucketScheduling
	BucketMedical
	BucketCrisis
)

// String returns the bucket name.
func (b Bucket) String() string {
	switch b {
	case BucketCrisis:
		return "crisis"
	case BucketMedical:
		return "medical"
	case BucketScheduling:
		return "scheduling"
	default:
		return "general"
	}
}

// Category returns the pin category for facts extracted from this bucket.
func (b Bucket) Category() string {
	return b.String()
}

// Urgency returns the pin urgency level for facts extracted from this bucket.
func (b Bucket) Urgency() string {
	switch b {
	case BucketCrisis:
		return model.UrgencyCritical
	case BucketMedical:
		return model.UrgencyHigh
	case BucketScheduling:
		return model.UrgencyMedium
	default:
		return model.UrgencyLow
	}
}

// bucketRange is the floor and ceiling of a bucket's base score.
type bucketRange struct {
	floor, ceiling float64
}

var ranges = map[Bucket]bucketRange{
	BucketCrisis:     {0.8, 1.0},
	BucketMedical:    {0.7, 0.9},
	BucketScheduling: {0.6, 0.8},
	BucketGeneral:    {0.3, 0.5},
}

const (
	scoreStep   = 0.1
	crisisBoost = 0.3
)

func vocabulary(terms ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(terms))
	for i, term := range terms {
		out[i] = regexp.MustCompile(`(?i)\b(?:` + term + `)\b`)
	}
	return out
}

var (
	crisisTerms = vocabulary(
		`suicid\w*`,
		`kill(?:ing)? (?:my|him|her)sel(?:f|ves)`,
		`(?:hurt|harm)(?:ing)? (?:my|him|her)self`,
		`self[- ]harm\w*`,
		`end (?:my|his|her) life`,
		`want(?:s)? to die`,
		`overdos\w*`,
		`emergency`,
		`911`,
		`can'?t breathe`,
		`not breathing`,
		`chest pains?`,
		`unconscious|unresponsive`,
		`seizures?`,
		`stroke`,
		`heart attack`,
		`(?:fell|fallen|a fall)`,
		`bleeding`,
		`abus\w*`,
		`hopeless`,
	)

	medicalTerms = vocabulary(
		`medications?|medicines?|meds`,
		`dos(?:e|es|age)`,
		`prescri\w*`,
		`pills?|tablets?`,
		`doctors?|physicians?|nurses?`,
		`diagnos\w*`,
		`symptoms?`,
		`pain`,
		`blood pressure|blood sugar|glucose`,
		`insulin`,
		`therap(?:y|ist|ies)`,
		`counsel\w*`,
		`depress\w*|anxiety|anxious`,
		`side effects?`,
		`allerg\w*`,
		`surgery|hospital\w*`,
		`dementia|alzheimer'?s`,
		`\d+ ?mg`,
	)

	schedulingTerms = vocabulary(
		`appointments?`,
		`schedul\w*|reschedul\w*`,
		`remind\w*`,
		`refills?`,
		`pharmacy`,
		`visits?`,
		`tomorrow|tonight|next week`,
		`monday|tuesday|wednesday|thursday|friday|saturday|sunday`,
		`\d{1,2}(?::\d{2})? ?(?:am|pm)`,
		`follow[- ]up|check[- ]up`,
		`calendar`,
		`treatments?`,
	)
)

// Assessment is the result of scoring a text.
type Assessment struct {
	Score  float64
	Bucket Bucket

	// Hits is the number of distinct vocabulary terms matched in Bucket.
	Hits int
}

// ImportanceScorer assigns an importance score in [0,1] to message text from
// keyword vocabularies. It is pure and deterministic.
//
// Example usage:
//
//	scorer := NewImportanceScorer()
//	score := scorer.Score(model.RoleUser, "Mom missed her 8am insulin dose")
type ImportanceScorer struct{}

// NewImportanceScorer creates a new scorer.
func NewImportanceScorer() *ImportanceScorer {
	return &ImportanceScorer{}
}

// Score returns the importance of text written by role.
func (s *ImportanceScorer) Score(role model.Role, text string) float64 {
	return s.Assess(role, text).Score
}

// Assess scores text and reports the bucket it fell into.
//
// The bucket is the highest one with at least one vocabulary hit. Within a
// bucket the base moves from floor to ceiling with 1, 2 and 3+ distinct hits;
// for general text it moves with length instead. Assistant text sits one step
// lower within its bucket. Crisis text gets a flat boost, clamped at 1.0.
func (s *ImportanceScorer) Assess(role model.Role, text string) Assessment {
	text = strings.TrimSpace(text)
	if text == "" {
		return Assessment{Score: ranges[BucketGeneral].floor, Bucket: BucketGeneral}
	}

	bucket, hits := BucketGeneral, 0
	for _, v := range []struct {
		bucket Bucket
		terms  []*regexp.Regexp
	}{
		{BucketCrisis, crisisTerms},
		{BucketMedical, medicalTerms},
		{BucketScheduling, schedulingTerms},
	} {
		if n := countHits(v.terms, text); n > 0 {
			bucket, hits = v.bucket, n
			break
		}
	}

	steps := 0
	if bucket == BucketGeneral {
		switch n := utf8.RuneCountInString(text); {
		case n >= 200:
			steps = 2
		case n >= 40:
			steps = 1
		}
	} else {
		steps = min(hits, 3) - 1
	}
	if role == model.RoleAssistant && steps > 0 {
		steps--
	}

	r := ranges[bucket]
	score := r.floor + scoreStep*float64(steps)
	if bucket == BucketCrisis {
		score += crisisBoost
	}
	return Assessment{
		Score:  round2(model.ClampImportance(score)),
		Bucket: bucket,
		Hits:   hits,
	}
}

func countHits(terms []*regexp.Regexp, text string) int {
	n := 0
	for _, re := range terms {
		if re.MatchString(text) {
			n++
		}
	}
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
