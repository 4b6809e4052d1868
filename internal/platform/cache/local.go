package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value   any
	expires time.Time
}

// Local is a process-local TTL cache. Concurrent misses for the same key are
// collapsed into a single load. Values loaded while an invalidation happens
// are returned to the caller but not stored.
type Local struct {
	mu         sync.RWMutex
	items      map[string]entry
	generation uint64
	group      singleflight.Group
	metrics    *Metrics
	now        func() time.Time
}

// Option customises a Local cache.
type Option func(*Local)

// WithMetrics attaches hit/miss collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Local) { c.metrics = m }
}

// WithClock overrides the clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Local) {
		if now != nil {
			c.now = now
		}
	}
}

// NewLocal builds an empty cache.
func NewLocal(opts ...Option) *Local {
	c := &Local{items: make(map[string]entry), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value when present and not expired.
func (c *Local) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !c.now().Before(item.expires) {
		c.mu.Lock()
		if current, ok := c.items[key]; ok && current.expires == item.expires {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return item.value, true
}

// Set stores value under key for ttl. Non-positive ttl is ignored.
func (c *Local) Set(key string, value any, ttl time.Duration) {
	if c == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items[key] = entry{value: value, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes the given keys. A key ending in '*' removes every key with
// that prefix.
func (c *Local) Delete(keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for _, key := range keys {
		if prefix, ok := strings.CutSuffix(key, "*"); ok {
			for k := range c.items {
				if strings.HasPrefix(k, prefix) {
					delete(c.items, k)
				}
			}
			continue
		}
		delete(c.items, key)
	}
}

// Len reports the number of stored entries, expired ones included.
func (c *Local) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Local) currentGeneration() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *Local) setIfGeneration(key string, value any, ttl time.Duration, gen uint64) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.items[key] = entry{value: value, expires: c.now().Add(ttl)}
}

// Fetch returns the cached value for key or populates it with loader. The
// class label is only used for metrics. The shared load does not inherit the
// first caller's cancellation; each caller stops waiting on its own ctx.
func Fetch[T any](ctx context.Context, c *Local, class, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return loader(ctx)
	}
	if cached, ok := c.Get(key); ok {
		if value, ok := cached.(T); ok {
			c.metrics.hit(class)
			return value, nil
		}
	}
	c.metrics.miss(class)

	gen := c.currentGeneration()
	loadCtx := context.WithoutCancel(ctx)
	resultCh := c.group.DoChan(key, func() (any, error) {
		value, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}
		c.setIfGeneration(key, value, ttl, gen)
		return value, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return zero, res.Err
		}
		value, _ := res.Val.(T)
		return value, nil
	}
}
