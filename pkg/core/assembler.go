package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Kalito-Labs/Luna-sub004/pkg/cache"
	"github.com/Kalito-Labs/Luna-sub004/pkg/metrics"
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

// BuildContext assembles the memory context for the next model call.
//
// It reads the last RecentMessageCount messages (through the recency cache),
// the TopPinCount most important pins and the RecentSummaryCount newest
// summaries concurrently, then truncates the result to maxTokens. A
// maxTokens <= 0 disables the budget.
//
// A source that fails contributes nothing and the context is marked
// Degraded. When every source fails the empty context is returned together
// with an error matching ErrStorageOperation. A cancelled ctx returns
// ctx.Err().
//
// Example:
//
//	mc, err := client.BuildContext(ctx, sessionID, 2000, core.WithExcludeMessage(msg.ID))
func (c *Client) BuildContext(ctx context.Context, sessionID string, maxTokens int, opts ...BuildOption) (*model.MemoryContext, error) {
	if c.closed.Load() {
		return nil, NewMemoryError("BuildContext", ErrClosed)
	}
	if sessionID == "" {
		return nil, NewMemoryError("BuildContext", fmt.Errorf("%w: session ID is required", ErrInvalidInput))
	}
	start := time.Now()
	o := applyBuildOptions(opts)
	mem := c.config.Memory

	buildCtx, cancel := context.WithTimeout(ctx, mem.contextTimeout())
	defer cancel()

	var (
		messages  []model.Message
		pins      []model.SemanticPin
		summaries []model.ConversationSummary

		msgErr, pinErr, sumErr error
		stale                  bool
	)

	// Each source records its own failure; one failing source must not
	// cancel the others.
	var g errgroup.Group
	if mem.RecentMessageCount > 0 {
		g.Go(func() error {
			t := time.Now()
			messages, stale, msgErr = c.recentMessages(buildCtx, sessionID, o.ExcludeMessageID, mem.RecentMessageCount)
			c.metrics.ObserveSource(metrics.SourceMessages, time.Since(t), msgErr)
			return nil
		})
	}
	if mem.TopPinCount > 0 {
		g.Go(func() error {
			t := time.Now()
			pins, pinErr = c.topPins(buildCtx, sessionID, mem.TopPinCount)
			c.metrics.ObserveSource(metrics.SourcePins, time.Since(t), pinErr)
			return nil
		})
	}
	if mem.RecentSummaryCount > 0 {
		g.Go(func() error {
			t := time.Now()
			summaries, sumErr = c.recentSummaries(buildCtx, sessionID, mem.RecentSummaryCount)
			c.metrics.ObserveSource(metrics.SourceSummaries, time.Since(t), sumErr)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attempted, failed := 0, 0
	for _, v := range []struct {
		source string
		on     bool
		err    error
	}{
		{metrics.SourceMessages, mem.RecentMessageCount > 0, msgErr},
		{metrics.SourcePins, mem.TopPinCount > 0, pinErr},
		{metrics.SourceSummaries, mem.RecentSummaryCount > 0, sumErr},
	} {
		if !v.on {
			continue
		}
		attempted++
		if v.err != nil {
			failed++
			c.logger.Warn("context source unavailable", "session", sessionID, "source", v.source, "err", v.err)
		}
	}
	if attempted > 0 && failed == attempted {
		empty := &model.MemoryContext{
			RecentMessages: []model.Message{},
			SemanticPins:   []model.SemanticPin{},
			Summaries:      []model.ConversationSummary{},
			Degraded:       true,
		}
		c.metrics.ObserveBuild(time.Since(start), false, true)
		err := fmt.Errorf("%w: %w", ErrStorageOperation, errors.Join(msgErr, pinErr, sumErr))
		return empty, NewMemoryError("BuildContext", err)
	}

	mc := c.truncator.Truncate(messages, pins, summaries, maxTokens)
	mc.Degraded = failed > 0 || stale
	if maxTokens > 0 && mc.TotalTokens > maxTokens {
		c.logger.Debug("context exceeds budget after truncation", "session", sessionID,
			"tokens", mc.TotalTokens, "budget", maxTokens, "err", ErrBudgetInfeasible)
	}
	c.metrics.ObserveBuild(time.Since(start), mc.Truncated, mc.Degraded)
	return &mc, nil
}

// recentMessages returns the last k messages in chronological order,
// skipping excludeID. When the cache cannot load, the last snapshot of the
// current generation is used and stale is set.
func (c *Client) recentMessages(ctx context.Context, sessionID string, excludeID int64, k int) (msgs []model.Message, stale bool, err error) {
	snap, res, err := c.cache.Get(ctx, sessionID)
	c.metrics.ObserveCache(string(res))
	if err != nil {
		prev, ok := c.cache.Peek(ctx, sessionID)
		if !ok {
			return nil, false, err
		}
		c.metrics.ObserveCache(string(cache.ResultStale))
		c.logger.Warn("serving stale recent messages", "session", sessionID, "loaded_at", prev.LoadedAt, "err", err)
		snap, stale = prev, true
	}
	return window(snap.Messages, excludeID, k), stale, nil
}

// window copies the last k messages of msgs, skipping excludeID.
func window(msgs []model.Message, excludeID int64, k int) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if excludeID != 0 && m.ID == excludeID {
			continue
		}
		out = append(out, m)
	}
	if len(out) > k {
		out = out[len(out)-k:]
	}
	return out
}

func (c *Client) topPins(ctx context.Context, sessionID string, n int) ([]model.SemanticPin, error) {
	rows, err := c.store.GetTopPins(ctx, sessionID, n)
	if err != nil {
		return nil, err
	}
	out := make([]model.SemanticPin, 0, len(rows))
	for _, p := range rows {
		if p.SessionID != sessionID {
			c.logger.Warn("pin excluded", "session", sessionID, "pin", p.ID, "owner", p.SessionID, "err", ErrInvalidSessionReference)
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (c *Client) recentSummaries(ctx context.Context, sessionID string, n int) ([]model.ConversationSummary, error) {
	rows, err := c.store.GetRecentSummaries(ctx, sessionID, n)
	if err != nil {
		return nil, err
	}
	out := make([]model.ConversationSummary, 0, len(rows))
	for _, s := range rows {
		if s.SessionID != sessionID {
			c.logger.Warn("summary excluded", "session", sessionID, "summary", s.ID, "owner", s.SessionID, "err", ErrInvalidSessionReference)
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}
