// Package redis provides a RecencyCache backed by Redis, for deployments that
// run several processes against one store.
//
// Every session has two keys: a generation counter and a snapshot. Invalidate
// increments the counter and deletes the snapshot in one transaction.
// Snapshots embed the generation they were loaded under and are only served
// while it matches the counter, so a slow loader cannot resurrect data that
// was invalidated while it was reading.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/Kalito-Labs/Luna-sub004/pkg/cache"
)

const (
	defaultPrefix = "luna:recency:"

	// Snapshots outlive their TTL so Peek can serve degraded builds.
	staleFactor = 10

	genTTL = 24 * time.Hour
)

// Config contains Redis cache configuration.
type Config struct {
	// URL is a redis:// or rediss:// URL.
	URL string

	// Prefix namespaces the keys. Defaults to "luna:recency:".
	Prefix string

	cache.Options
}

// Cache implements cache.RecencyCache on Redis.
type Cache struct {
	client *goredis.Client
	load   cache.Loader
	opts   cache.Options
	prefix string
	group  singleflight.Group
}

type payload struct {
	cache.Snapshot
	ExpiresAt time.Time `json:"expires_at"`
}

// NewCache connects to Redis and returns a cache that loads snapshots with load.
func NewCache(ctx context.Context, cfg *Config, load cache.Loader) (*Cache, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	return NewCacheFromClient(client, cfg, load), nil
}

// NewCacheFromClient wraps an existing client. The cache owns the client.
func NewCacheFromClient(client *goredis.Client, cfg *Config, load cache.Loader) *Cache {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cache{
		client: client,
		load:   load,
		opts:   cache.Normalize(&cfg.Options),
		prefix: prefix,
	}
}

func (c *Cache) genKey(sessionID string) string {
	return c.prefix + "gen:" + sessionID
}

func (c *Cache) snapKey(sessionID string) string {
	return c.prefix + "snap:" + sessionID
}

// generation reads the session's generation. A missing counter is 0.
func (c *Cache) generation(ctx context.Context, sessionID string) (uint64, error) {
	gen, err := c.client.Get(ctx, c.genKey(sessionID)).Uint64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *Cache) snapshot(ctx context.Context, sessionID string) (*payload, error) {
	data, err := c.client.Get(ctx, c.snapKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Get implements cache.RecencyCache.
func (c *Cache) Get(ctx context.Context, sessionID string) (*cache.Snapshot, cache.Result, error) {
	gen, err := c.generation(ctx, sessionID)
	if err != nil {
		return nil, cache.ResultMiss, fmt.Errorf("redis cache: %w", err)
	}
	if p, err := c.snapshot(ctx, sessionID); err == nil && p != nil &&
		p.Generation == gen && c.opts.Now().Before(p.ExpiresAt) {
		snap := p.Snapshot
		return &snap, cache.ResultHit, nil
	}

	key := sessionID + ":" + strconv.FormatUint(gen, 10)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LoadTimeout)
		defer cancel()

		snap, err := c.load(loadCtx, sessionID)
		if err != nil {
			return nil, err
		}
		now := c.opts.Now()
		snap.Generation = gen
		if snap.LoadedAt.IsZero() {
			snap.LoadedAt = now
		}
		data, err := json.Marshal(payload{Snapshot: *snap, ExpiresAt: now.Add(c.opts.TTL)})
		if err != nil {
			return nil, err
		}
		// Publishing is best effort; readers reject a stale generation.
		_ = c.client.Set(loadCtx, c.snapKey(sessionID), data, c.opts.TTL*staleFactor).Err()
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, cache.ResultMiss, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, cache.ResultMiss, res.Err
		}
		return res.Val.(*cache.Snapshot), cache.ResultMiss, nil
	}
}

// Peek implements cache.RecencyCache.
func (c *Cache) Peek(ctx context.Context, sessionID string) (*cache.Snapshot, bool) {
	gen, err := c.generation(ctx, sessionID)
	if err != nil {
		return nil, false
	}
	p, err := c.snapshot(ctx, sessionID)
	if err != nil || p == nil || p.Generation != gen {
		return nil, false
	}
	snap := p.Snapshot
	return &snap, true
}

// Invalidate implements cache.RecencyCache.
func (c *Cache) Invalidate(ctx context.Context, sessionID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(sessionID))
		pipe.Expire(ctx, c.genKey(sessionID), genTTL)
		pipe.Del(ctx, c.snapKey(sessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis cache: invalidate %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

var _ cache.RecencyCache = (*Cache)(nil)
