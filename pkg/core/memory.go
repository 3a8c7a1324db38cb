package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Kalito-Labs/Luna-sub004/pkg/cache"
	redisCache "github.com/Kalito-Labs/Luna-sub004/pkg/cache/redis"
	"github.com/Kalito-Labs/Luna-sub004/pkg/intelligence"
	"github.com/Kalito-Labs/Luna-sub004/pkg/llm"
	ollamaLLM "github.com/Kalito-Labs/Luna-sub004/pkg/llm/ollama"
	openaiLLM "github.com/Kalito-Labs/Luna-sub004/pkg/llm/openai"
	"github.com/Kalito-Labs/Luna-sub004/pkg/metrics"
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
	"github.com/Kalito-Labs/Luna-sub004/pkg/storage"
	mysqlStore "github.com/Kalito-Labs/Luna-sub004/pkg/storage/mysql"
	postgresStore "github.com/Kalito-Labs/Luna-sub004/pkg/storage/postgres"
	sqliteStore "github.com/Kalito-Labs/Luna-sub004/pkg/storage/sqlite"
)

// backfillBatch is the page size used by BackfillImportance.
const backfillBatch = 100

// Client is the Luna memory client.
//
// It records conversation turns, keeps semantic pins and summaries, and
// assembles the bounded MemoryContext handed to the model on every turn:
//   - importance scoring of every recorded message
//   - a per-session recency cache invalidated on every write
//   - automatic summarization once enough unsummarized messages accumulate
//   - token-budget truncation of the assembled context
//
// The client is safe for concurrent use. Writes to one session are ordered
// by the store; different sessions never block each other.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(config)
//	defer client.Close()
//
//	session, _ := client.CreateSession(ctx, "gpt-4o-mini")
//	msg, _ := client.RecordMessage(ctx, session.ID, model.RoleUser, "Mom's cardiology appointment is Tuesday at 3pm")
//	mc, _ := client.BuildContext(ctx, session.ID, 2000, core.WithExcludeMessage(msg.ID))
type Client struct {
	config *Config

	store storage.Store
	cache cache.RecencyCache
	llm   llm.Provider

	scorer    *intelligence.ImportanceScorer
	truncator *intelligence.Truncator

	// trigger is nil when no summarizer is configured.
	trigger *intelligence.SummaryTrigger

	logger  *log.Logger
	metrics *metrics.Metrics

	// bgCtx outlives callers so background summaries finish after
	// RecordMessage returns. Close cancels it after waiting.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewClient creates a new Luna memory client.
//
// The client is initialized with:
//   - Store (SQLite, PostgreSQL or MySQL)
//   - LLM provider for summaries (OpenAI, DeepSeek, Ollama, or none)
//   - Recency cache (in-process or Redis)
//
// Options replace any of these with an injected component.
//
// Example:
//
//	config := core.DefaultConfig("./luna_memory.db")
//	config.LLM = core.LLMConfig{Provider: "openai", APIKey: "sk-..."}
//	client, err := core.NewClient(config)
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, NewMemoryError("NewClient", fmt.Errorf("%w: nil config", ErrInvalidConfig))
	}
	conf := *cfg
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "luna"})
		if level, err := log.ParseLevel(conf.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	}

	m := o.metrics
	if m == nil {
		labels, err := metrics.ParseLabels(conf.MetricsLabels)
		if err != nil {
			return nil, NewMemoryError("NewClient", fmt.Errorf("%w: %w", ErrInvalidConfig, err))
		}
		m = metrics.Default(labels)
	}

	// Initialize store
	store := o.store
	if store == nil {
		var err error
		if store, err = initStore(conf.Store, conf.Memory.SnowflakeNode); err != nil {
			return nil, err
		}
	}

	// Initialize LLM
	provider := o.llm
	if provider == nil && o.summarizer == nil {
		var err error
		if provider, err = initLLM(conf.LLM); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	c := &Client{
		config:    &conf,
		store:     store,
		llm:       provider,
		scorer:    intelligence.NewImportanceScorer(),
		truncator: intelligence.NewTruncator(o.estimator),
		logger:    logger,
		metrics:   m,
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}

	summarizer := o.summarizer
	if summarizer == nil && provider != nil {
		summarizer = intelligence.NewLLMSummarizer(provider)
	}
	if summarizer != nil {
		c.trigger = intelligence.NewSummaryTrigger(store, summarizer, &intelligence.TriggerConfig{
			Threshold:  conf.Memory.SummaryThreshold,
			Timeout:    conf.Memory.summaryTimeout(),
			Importance: conf.Memory.DefaultSummaryImportance,
		})
	} else {
		logger.Info("no summarizer configured, conversations will not be summarized")
	}

	// Initialize cache
	if o.newCache != nil {
		c.cache = o.newCache(c.loadSnapshot)
	} else {
		rc, err := c.initCache(conf.Cache, o)
		if err != nil {
			bgCancel()
			_ = store.Close()
			return nil, err
		}
		c.cache = rc
	}

	return c, nil
}

// initStore opens the configured store.
func initStore(cfg StoreConfig, nodeID int64) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Provider {
	case "sqlite":
		store, err = sqliteStore.NewClient(&sqliteStore.Config{
			DBPath: cfg.SQLite.Path,
			NodeID: nodeID,
		})
	case "postgres":
		store, err = postgresStore.NewClient(&postgresStore.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DBName:   cfg.Postgres.DBName,
			SSLMode:  cfg.Postgres.SSLMode,
			NodeID:   nodeID,
		})
	case "mysql":
		store, err = mysqlStore.NewClient(&mysqlStore.Config{
			Host:     cfg.MySQL.Host,
			Port:     cfg.MySQL.Port,
			User:     cfg.MySQL.User,
			Password: cfg.MySQL.Password,
			DBName:   cfg.MySQL.DBName,
			NodeID:   nodeID,
		})
	default:
		return nil, NewMemoryError("initStore", fmt.Errorf("%w: unsupported store provider: %s", ErrInvalidConfig, cfg.Provider))
	}
	if err != nil {
		return nil, storageError("initStore", err)
	}
	return store, nil
}

// initLLM creates the LLM provider. It returns nil for provider "none".
func initLLM(cfg LLMConfig) (llm.Provider, error) {
	var (
		provider llm.Provider
		err      error
	)
	switch cfg.Provider {
	case "none":
		return nil, nil
	case "openai":
		provider, err = openaiLLM.NewClient(&openaiLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "deepseek":
		provider, err = openaiLLM.NewDeepSeekClient(&openaiLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "ollama":
		provider, err = ollamaLLM.NewClient(&ollamaLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, NewMemoryError("initLLM", fmt.Errorf("%w: unsupported LLM provider: %s", ErrInvalidConfig, cfg.Provider))
	}
	if err != nil {
		return nil, NewMemoryError("initLLM", err)
	}
	return provider, nil
}

// initCache creates the configured recency cache.
func (c *Client) initCache(cfg CacheConfig, o *clientOptions) (cache.RecencyCache, error) {
	opts := cache.Options{TTL: c.config.Memory.cacheTTL(), Now: o.now}
	switch cfg.Provider {
	case "local":
		lc := cache.NewLocalCache(c.loadSnapshot, &opts)
		interval := c.config.Memory.cacheTTL()
		if cfg.JanitorIntervalMs > 0 {
			interval = msDuration(cfg.JanitorIntervalMs)
		}
		lc.StartJanitor(c.bgCtx, interval)
		return lc, nil
	case "redis":
		rc, err := redisCache.NewCache(c.bgCtx, &redisCache.Config{URL: cfg.RedisURL, Options: opts}, c.loadSnapshot)
		if err != nil {
			return nil, NewMemoryError("initCache", err)
		}
		return rc, nil
	default:
		return nil, NewMemoryError("initCache", fmt.Errorf("%w: unsupported cache provider: %s", ErrInvalidConfig, cfg.Provider))
	}
}

// loadSnapshot reads the recency window of a session from the store. It
// keeps one message more than the window so that excluding the in-flight
// message still leaves a full window.
func (c *Client) loadSnapshot(ctx context.Context, sessionID string) (*cache.Snapshot, error) {
	limit := c.config.Memory.RecentMessageCount + 1
	msgs, err := c.store.GetRecentMessages(ctx, sessionID, &storage.RecentOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	count, err := c.store.CountMessages(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}
	snap := &cache.Snapshot{
		Messages: make([]model.Message, len(msgs)),
		Count:    count,
	}
	for i, m := range msgs {
		snap.Messages[i] = *m
	}
	return snap, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return *c.config
}

// Store returns the underlying store.
func (c *Client) Store() storage.Store {
	return c.store
}

// CreateSession creates a session that talks to modelID.
//
// Example:
//
//	session, err := client.CreateSession(ctx, "gpt-4o-mini", core.WithPersona("luna"))
func (c *Client) CreateSession(ctx context.Context, modelID string, opts ...SessionOption) (*model.Session, error) {
	if c.closed.Load() {
		return nil, NewMemoryError("CreateSession", ErrClosed)
	}
	o := applySessionOptions(opts)

	session := &model.Session{
		ID:      o.ID,
		Model:   modelID,
		Persona: o.Persona,
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if o.SubjectID != "" {
		subject := o.SubjectID
		session.SubjectID = &subject
	}

	if err := c.store.CreateSession(ctx, session); err != nil {
		return nil, storageError("CreateSession", err)
	}
	c.logger.Debug("session created", "session", session.ID, "model", session.Model)
	return session, nil
}

// GetSession returns a session or an error matching ErrNotFound.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storageError("GetSession", err)
	}
	return session, nil
}

// DeleteSession deletes a session with its messages, pins and summaries.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		return storageError("DeleteSession", err)
	}
	c.invalidate(ctx, sessionID)
	return nil
}

// RecordMessage scores and persists a message, then invalidates the
// session's cached window before returning. A context built after
// RecordMessage returns always includes the message.
//
// User messages scoring at or above AutoPinThreshold are also pinned. The
// summarization check runs afterwards, inline or in the background
// depending on AsyncSummarization. A failed summary never fails the call.
//
// Example:
//
//	msg, err := client.RecordMessage(ctx, sessionID, model.RoleUser,
//	    "Dad's metformin was changed to 1000mg twice a day")
func (c *Client) RecordMessage(ctx context.Context, sessionID string, role model.Role, content string, opts ...RecordOption) (*model.Message, error) {
	if c.closed.Load() {
		return nil, NewMemoryError("RecordMessage", ErrClosed)
	}
	if sessionID == "" {
		return nil, NewMemoryError("RecordMessage", fmt.Errorf("%w: session ID is required", ErrInvalidInput))
	}
	if !role.Valid() {
		return nil, NewMemoryError("RecordMessage", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role))
	}
	if strings.TrimSpace(content) == "" {
		return nil, NewMemoryError("RecordMessage", fmt.Errorf("%w: content is empty", ErrInvalidInput))
	}
	o := applyRecordOptions(opts)

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storageError("RecordMessage", err)
	}

	assessment := c.scorer.Assess(role, content)
	score := assessment.Score
	if o.Importance != nil {
		score = model.ClampImportance(*o.Importance)
	}

	msg := &model.Message{
		SessionID:       sessionID,
		Role:            role,
		Content:         content,
		TokenUsage:      o.TokenUsage,
		ImportanceScore: &score,
	}
	if err := c.store.InsertMessage(ctx, msg); err != nil {
		return nil, storageError("RecordMessage", err)
	}
	c.invalidate(ctx, sessionID)

	if threshold := c.config.Memory.AutoPinThreshold; threshold > 0 && role == model.RoleUser && score >= threshold {
		_, err := c.AddPin(ctx, sessionID, content,
			WithPinImportance(score),
			WithUrgency(assessment.Bucket.Urgency()),
			WithCategory(assessment.Bucket.Category()),
			WithSourceMessage(msg.ID),
		)
		if err != nil {
			c.logger.Warn("automatic pin failed", "session", sessionID, "message", msg.ID, "err", err)
		}
	}

	if c.trigger != nil {
		if c.config.Memory.AsyncSummarization {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.checkSummary(c.bgCtx, session)
			}()
		} else {
			c.checkSummary(ctx, session)
		}
	}

	return msg, nil
}

// checkSummary runs the summarization trigger and logs its outcome.
func (c *Client) checkSummary(ctx context.Context, session *model.Session) {
	summary, err := c.trigger.Check(ctx, session)
	switch {
	case err != nil:
		c.metrics.ObserveSummary(metrics.SummaryFailed)
		c.logger.Warn("summarization failed, will retry on next message", "session", session.ID, "err", err)
	case summary != nil:
		c.metrics.ObserveSummary(metrics.SummaryCreated)
		c.logger.Info("conversation summarized", "session", session.ID,
			"start_seq", summary.StartSeq, "end_seq", summary.EndSeq, "messages", summary.MessageCount)
	default:
		c.metrics.ObserveSummary(metrics.SummarySkipped)
	}
}

// Summarize runs the summarization check for a session now. It returns the
// new summary, or nil when fewer than SummaryThreshold messages are pending.
func (c *Client) Summarize(ctx context.Context, sessionID string) (*model.ConversationSummary, error) {
	if c.closed.Load() {
		return nil, NewMemoryError("Summarize", ErrClosed)
	}
	if c.trigger == nil {
		return nil, NewMemoryError("Summarize", fmt.Errorf("%w: no summarizer configured", ErrInvalidConfig))
	}
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storageError("Summarize", err)
	}
	summary, err := c.trigger.Check(ctx, session)
	if err != nil {
		c.metrics.ObserveSummary(metrics.SummaryFailed)
		return nil, NewMemoryError("Summarize", err)
	}
	if summary != nil {
		c.metrics.ObserveSummary(metrics.SummaryCreated)
	}
	return summary, nil
}

// AddPin stores a fact that must survive summarization and truncation.
//
// Example:
//
//	pin, err := client.AddPin(ctx, sessionID, "Mom is allergic to penicillin",
//	    core.WithPinImportance(0.95), core.WithCategory("medical"), core.WithUrgency(model.UrgencyHigh))
func (c *Client) AddPin(ctx context.Context, sessionID, content string, opts ...PinOption) (*model.SemanticPin, error) {
	if c.closed.Load() {
		return nil, NewMemoryError("AddPin", ErrClosed)
	}
	if sessionID == "" {
		return nil, NewMemoryError("AddPin", fmt.Errorf("%w: session ID is required", ErrInvalidInput))
	}
	if strings.TrimSpace(content) == "" {
		return nil, NewMemoryError("AddPin", fmt.Errorf("%w: content is empty", ErrInvalidInput))
	}
	o := applyPinOptions(opts)

	importance := c.config.Memory.DefaultPinImportance
	if o.Importance != nil {
		importance = *o.Importance
	}
	pin := &model.SemanticPin{
		SessionID:       sessionID,
		Content:         content,
		SourceMessageID: o.SourceMessageID,
		ImportanceScore: model.ClampImportance(importance),
		UrgencyLevel:    o.Urgency,
		Category:        o.Category,
	}
	if err := c.store.InsertPin(ctx, pin); err != nil {
		return nil, storageError("AddPin", err)
	}
	return pin, nil
}

// BackfillImportance scores messages stored without an importance score and
// returns how many were scored. Scores already present are never changed.
func (c *Client) BackfillImportance(ctx context.Context, sessionID string) (int, error) {
	if c.closed.Load() {
		return 0, NewMemoryError("BackfillImportance", ErrClosed)
	}
	scored := 0
	for {
		batch, err := c.store.GetUnscoredMessages(ctx, sessionID, backfillBatch)
		if err != nil {
			return scored, storageError("BackfillImportance", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, m := range batch {
			err := c.store.SetMessageImportance(ctx, m.ID, c.scorer.Score(m.Role, m.Content))
			switch {
			case err == nil:
				scored++
			case errors.Is(err, storage.ErrAlreadyScored):
			default:
				return scored, storageError("BackfillImportance", err)
			}
		}
		if len(batch) < backfillBatch {
			break
		}
	}
	if scored > 0 {
		c.invalidate(ctx, sessionID)
		c.logger.Info("importance backfilled", "session", sessionID, "messages", scored)
	}
	return scored, nil
}

// invalidate drops the session's cached window. A failure leaves the old
// snapshot to expire on its TTL.
func (c *Client) invalidate(ctx context.Context, sessionID string) {
	if err := c.cache.Invalidate(context.WithoutCancel(ctx), sessionID); err != nil {
		c.logger.Error("cache invalidation failed", "session", sessionID, "err", err)
	}
}

// Wait blocks until background summarization work has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close waits for background work and releases the cache, LLM provider and
// store. Calls after the first return nil.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.wg.Wait()
	c.bgCancel()

	var errs []error
	if err := c.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.llm != nil {
		if err := c.llm.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return NewMemoryError("Close", errors.Join(errs...))
}
