package cache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// LocalCache is an in-process RecencyCache.
//
// Each session has its own entry holding an atomic generation and an atomic
// snapshot pointer, so no lock is held while the store is read. Generations
// come from a cache-wide counter and are never reused, even after an entry
// has been swept.
type LocalCache struct {
	entries sync.Map // session ID -> *entry
	group   singleflight.Group
	load    Loader
	opts    Options

	generation atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type entry struct {
	gen  atomic.Uint64
	snap atomic.Pointer[cached]
}

type cached struct {
	snap    *Snapshot
	expires time.Time
	gen     uint64
}

// NewLocalCache creates an in-process cache that loads snapshots with load.
func NewLocalCache(load Loader, opts *Options) *LocalCache {
	return &LocalCache{
		load: load,
		opts: opts.withDefaults(),
		stop: make(chan struct{}),
	}
}

func (c *LocalCache) entry(sessionID string) *entry {
	if v, ok := c.entries.Load(sessionID); ok {
		return v.(*entry)
	}
	e := &entry{}
	e.gen.Store(c.generation.Add(1))
	v, _ := c.entries.LoadOrStore(sessionID, e)
	return v.(*entry)
}

// Get implements RecencyCache.
func (c *LocalCache) Get(ctx context.Context, sessionID string) (*Snapshot, Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, ResultMiss, err
	}

	e := c.entry(sessionID)
	gen := e.gen.Load()
	if cur := e.snap.Load(); cur != nil && cur.gen == gen && c.opts.Now().Before(cur.expires) {
		return cur.snap, ResultHit, nil
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
		// A snapshot stored after a concurrent Invalidate carries the old
		// generation and is ignored by readers.
		if e.gen.Load() == gen {
			e.snap.Store(&cached{snap: snap, expires: now.Add(c.opts.TTL), gen: gen})
		}
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, ResultMiss, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, ResultMiss, res.Err
		}
		return res.Val.(*Snapshot), ResultMiss, nil
	}
}

// Peek implements RecencyCache.
func (c *LocalCache) Peek(_ context.Context, sessionID string) (*Snapshot, bool) {
	v, ok := c.entries.Load(sessionID)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	cur := e.snap.Load()
	if cur == nil || cur.gen != e.gen.Load() {
		return nil, false
	}
	return cur.snap, true
}

// Invalidate implements RecencyCache.
func (c *LocalCache) Invalidate(_ context.Context, sessionID string) error {
	v, ok := c.entries.Load(sessionID)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.gen.Store(c.generation.Add(1))
	e.snap.Store(nil)
	return nil
}

// Sweep removes entries whose snapshot is missing, expired or from an old
// generation. It returns the number of entries removed.
func (c *LocalCache) Sweep() int {
	now := c.opts.Now()
	removed := 0
	c.entries.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		cur := e.snap.Load()
		if cur == nil || cur.gen != e.gen.Load() || !now.Before(cur.expires) {
			c.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of sessions tracked.
func (c *LocalCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// StartJanitor sweeps the cache every interval until ctx is done or the
// cache is closed.
func (c *LocalCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.opts.TTL
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Close stops the janitor.
func (c *LocalCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

var _ RecencyCache = (*LocalCache)(nil)
