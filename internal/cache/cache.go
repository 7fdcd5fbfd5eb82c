// Package cache is a weight and entry bounded LRU with single-flight
// loading. Recency comes from an injected clock.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"voxelbench.ai/internal/clock"
)

type Options struct {
	MaxEntries int   `yaml:"max_entries"`
	MaxWeight  int64 `yaml:"max_weight"`
}

const (
	DefaultMaxEntries = 24
	DefaultMaxWeight  = 512 << 20
)

func (o *Options) Normalize() {
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.MaxWeight <= 0 {
		o.MaxWeight = DefaultMaxWeight
	}
}

type Stats struct {
	Entries   int
	Weight    int64
	Hits      uint64
	Misses    uint64
	Loads     uint64
	Shared    uint64
	Evictions uint64
}

type entry[V any] struct {
	value   V
	weight  int64
	touched time.Time
	seq     uint64
}

type Cache[V any] struct {
	opts  Options
	clk   clock.Clock
	weigh func(V) int64

	mu      sync.Mutex
	entries map[string]*entry[V]
	weight  int64
	seq     uint64
	stats   Stats

	flight singleflight.Group
}

func New[V any](opts Options, clk clock.Clock, weigh func(V) int64) *Cache[V] {
	opts.Normalize()
	if weigh == nil {
		weigh = func(V) int64 { return 0 }
	}
	return &Cache[V]{
		opts:    opts,
		clk:     clock.OrReal(clk),
		weigh:   weigh,
		entries: make(map[string]*entry[V]),
	}
}

// Get returns a cached value and marks it as recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	c.touchLocked(e)
	return e.value, true
}

// touchLocked stamps e with the clock and a fresh sequence number, so
// touches keep their order when clock readings tie.
func (c *Cache[V]) touchLocked(e *entry[V]) {
	c.seq++
	e.touched = c.clk.Now()
	e.seq = c.seq
}

// GetOrLoad returns the cached value for key or runs load once for all
// concurrent callers asking for the same key. Each caller may stop
// waiting when its own ctx ends; the load itself keeps running and its
// result is cached for the others. Errors are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		// An earlier flight for this key may have settled between our
		// miss and this call.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			c.touchLocked(e)
			c.mu.Unlock()
			return e.value, nil
		}
		c.stats.Loads++
		c.mu.Unlock()

		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.put(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		if res.Shared {
			c.mu.Lock()
			c.stats.Shared++
			c.mu.Unlock()
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Put stores v under key, replacing any previous value.
func (c *Cache[V]) Put(key string, v V) {
	c.put(key, v)
}

func (c *Cache[V]) put(key string, v V) {
	w := c.weigh(v)
	if w < 0 {
		w = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.weight -= old.weight
	}
	e := &entry[V]{value: v, weight: w}
	c.touchLocked(e)
	c.entries[key] = e
	c.weight += w
	c.evictLocked()
}

// evictLocked drops least recently touched entries, earliest touch
// sequence first on clock ties, until both ceilings hold.
func (c *Cache[V]) evictLocked() {
	if len(c.entries) <= c.opts.MaxEntries && c.weight <= c.opts.MaxWeight {
		return
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.entries[keys[i]], c.entries[keys[j]]
		if !a.touched.Equal(b.touched) {
			return a.touched.Before(b.touched)
		}
		return a.seq < b.seq
	})
	for _, k := range keys {
		if len(c.entries) <= c.opts.MaxEntries && c.weight <= c.opts.MaxWeight {
			return
		}
		c.weight -= c.entries[k].weight
		delete(c.entries, k)
		c.stats.Evictions++
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Weight = c.weight
	return s
}

func (c *Cache[V]) Options() Options { return c.opts }
