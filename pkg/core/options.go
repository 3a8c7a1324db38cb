package core

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/Kalito-Labs/Luna-sub004/pkg/cache"
	"github.com/Kalito-Labs/Luna-sub004/pkg/intelligence"
	"github.com/Kalito-Labs/Luna-sub004/pkg/llm"
	"github.com/Kalito-Labs/Luna-sub004/pkg/metrics"
	"github.com/Kalito-Labs/Luna-sub004/pkg/storage"
)

// ClientOption is a function type for configuring a Client.
//
// Options inject components that would otherwise be built from Config.
type ClientOption func(*clientOptions)

type clientOptions struct {
	store      storage.Store
	newCache   func(load cache.Loader) cache.RecencyCache
	llm        llm.Provider
	summarizer intelligence.Summarizer
	estimator  intelligence.TokenEstimator
	logger     *log.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// WithStore uses store instead of opening the configured backend. The
// client closes it on Close.
func WithStore(store storage.Store) ClientOption {
	return func(o *clientOptions) {
		o.store = store
	}
}

// WithCache builds the recency cache with newCache. It receives the loader
// that reads the client's store.
//
// Example:
//
//	client, _ := core.NewClient(cfg, core.WithCache(func(load cache.Loader) cache.RecencyCache {
//	    return cache.NewLocalCache(load, &cache.Options{TTL: time.Minute})
//	}))
func WithCache(newCache func(load cache.Loader) cache.RecencyCache) ClientOption {
	return func(o *clientOptions) {
		o.newCache = newCache
	}
}

// WithLLM uses provider for summarization instead of the configured one.
func WithLLM(provider llm.Provider) ClientOption {
	return func(o *clientOptions) {
		o.llm = provider
	}
}

// WithSummarizer uses s directly, bypassing the LLM provider.
func WithSummarizer(s intelligence.Summarizer) ClientOption {
	return func(o *clientOptions) {
		o.summarizer = s
	}
}

// WithEstimator swaps the token estimator used for budgets.
func WithEstimator(est intelligence.TokenEstimator) ClientOption {
	return func(o *clientOptions) {
		o.estimator = est
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics sink. Without it the client uses
// metrics.Default.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

// WithClock overrides the cache clock (tests).
func WithClock(now func() time.Time) ClientOption {
	return func(o *clientOptions) {
		o.now = now
	}
}

// SessionOption configures CreateSession.
type SessionOption func(*SessionOptions)

// SessionOptions contains options for CreateSession.
type SessionOptions struct {
	// ID is used instead of a generated UUID.
	ID string

	// Persona identifies the assistant persona.
	Persona string

	// SubjectID links the session to a subject record.
	SubjectID string
}

// WithSessionID sets the session ID.
func WithSessionID(id string) SessionOption {
	return func(o *SessionOptions) {
		o.ID = id
	}
}

// WithPersona sets the session persona.
func WithPersona(persona string) SessionOption {
	return func(o *SessionOptions) {
		o.Persona = persona
	}
}

// WithSubject links the session to a subject.
func WithSubject(subjectID string) SessionOption {
	return func(o *SessionOptions) {
		o.SubjectID = subjectID
	}
}

// RecordOption configures RecordMessage.
type RecordOption func(*RecordOptions)

// RecordOptions contains options for RecordMessage.
type RecordOptions struct {
	// Importance overrides the scorer.
	Importance *float64

	// TokenUsage is the token count reported by the model, if known.
	TokenUsage int
}

// WithImportance sets the message importance instead of scoring it.
//
// Example:
//
//	msg, _ := client.RecordMessage(ctx, sid, model.RoleUser, "...", core.WithImportance(0.9))
func WithImportance(score float64) RecordOption {
	return func(o *RecordOptions) {
		o.Importance = &score
	}
}

// WithTokenUsage records the model-reported token usage.
func WithTokenUsage(tokens int) RecordOption {
	return func(o *RecordOptions) {
		o.TokenUsage = tokens
	}
}

// PinOption configures AddPin.
type PinOption func(*PinOptions)

// PinOptions contains options for AddPin.
type PinOptions struct {
	Importance      *float64
	Urgency         string
	Category        string
	SourceMessageID *int64
}

// WithPinImportance sets the pin importance. Defaults to the configured
// DefaultPinImportance.
func WithPinImportance(score float64) PinOption {
	return func(o *PinOptions) {
		o.Importance = &score
	}
}

// WithUrgency sets the urgency level.
func WithUrgency(level string) PinOption {
	return func(o *PinOptions) {
		o.Urgency = level
	}
}

// WithCategory sets the category.
func WithCategory(category string) PinOption {
	return func(o *PinOptions) {
		o.Category = category
	}
}

// WithSourceMessage links the pin to the message it was extracted from.
func WithSourceMessage(messageID int64) PinOption {
	return func(o *PinOptions) {
		o.SourceMessageID = &messageID
	}
}

// BuildOption configures BuildContext.
type BuildOption func(*BuildOptions)

// BuildOptions contains options for BuildContext.
type BuildOptions struct {
	// ExcludeMessageID drops one message from the recent window, usually the
	// user turn being answered.
	ExcludeMessageID int64
}

// WithExcludeMessage excludes messageID from the recent messages.
func WithExcludeMessage(messageID int64) BuildOption {
	return func(o *BuildOptions) {
		o.ExcludeMessageID = messageID
	}
}

func applySessionOptions(opts []SessionOption) *SessionOptions {
	o := &SessionOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func applyRecordOptions(opts []RecordOption) *RecordOptions {
	o := &RecordOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func applyPinOptions(opts []PinOption) *PinOptions {
	o := &PinOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func applyBuildOptions(opts []BuildOption) *BuildOptions {
	o := &BuildOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
