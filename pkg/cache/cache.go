// Package cache provides the per-session recency cache used when building
// conversation context.
//
// A cache entry holds the most recent messages of a session together with the
// session's message count. Entries are served only while fresh and only for
// the generation they were loaded under: Invalidate bumps the generation, so a
// load that started before an invalidation is never served after it.
package cache

import (
	"context"
	"time"

	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

const (
	// DefaultTTL is how long a loaded snapshot is authoritative.
	DefaultTTL = 30 * time.Second

	// DefaultLoadTimeout bounds a shared load.
	DefaultLoadTimeout = 5 * time.Second
)

// Snapshot is the cached view of one session.
type Snapshot struct {
	// Messages are the newest messages in chronological order.
	Messages []model.Message `json:"messages"`

	// Count is the total number of messages in the session.
	Count int64 `json:"count"`

	LoadedAt time.Time `json:"loaded_at"`

	// Generation is the invalidation generation the snapshot was loaded under.
	Generation uint64 `json:"generation"`
}

// Loader reads a fresh snapshot from the backing store.
type Loader func(ctx context.Context, sessionID string) (*Snapshot, error)

// Result describes how a Get was satisfied.
type Result string

const (
	ResultHit   Result = "hit"
	ResultMiss  Result = "miss"
	ResultStale Result = "stale"
)

// RecencyCache is the contract shared by the in-process and Redis caches.
type RecencyCache interface {
	// Get returns a fresh snapshot, loading it when absent, expired or
	// invalidated. Concurrent loads of the same session are coalesced.
	Get(ctx context.Context, sessionID string) (*Snapshot, Result, error)

	// Peek returns the last snapshot of the current generation even when it
	// has expired. It never loads.
	Peek(ctx context.Context, sessionID string) (*Snapshot, bool)

	// Invalidate discards the session's snapshot. It takes effect before it
	// returns.
	Invalidate(ctx context.Context, sessionID string) error

	// Close releases resources.
	Close() error
}

// Options configures a cache.
type Options struct {
	// TTL is the freshness window of a snapshot. Defaults to DefaultTTL.
	TTL time.Duration

	// LoadTimeout bounds the shared load, which is detached from the
	// requesting caller's context. Defaults to DefaultLoadTimeout.
	LoadTimeout time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.TTL <= 0 {
		out.TTL = DefaultTTL
	}
	if out.LoadTimeout <= 0 {
		out.LoadTimeout = DefaultLoadTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Normalize returns opts with defaults applied. Backends outside this
// package use it.
func Normalize(opts *Options) Options {
	return opts.withDefaults()
}
