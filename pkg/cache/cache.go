// Package cache provides a small in-memory read-through cache with TTL,
// stale-while-revalidate, and optional negative caching. Concurrent
// loads for the same key collapse into one call.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	NegativeTTL          time.Duration // 0 disables caching of not-found results
	MaxEntries           int
}

// MetricsHooks are optional counters invoked on cache outcomes. Nil
// hooks are skipped.
type MetricsHooks struct {
	OnHit   func()
	OnMiss  func()
	OnStale func()
}

type record struct {
	value     interface{}
	err       error
	negative  bool
	expiresAt time.Time
	staleAt   time.Time
}

type Cache struct {
	mu      sync.RWMutex
	items   map[string]*record
	fifo    []string
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
}

func New(opts Options, hooks MetricsHooks) *Cache {
	return &Cache{
		items:   make(map[string]*record),
		fifo:    make([]string, 0, 128),
		opts:    opts,
		metrics: hooks,
	}
}

// Loader fetches the value for a key on a cache miss. ok=false marks a
// not-found result, which is cached for NegativeTTL when configured.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type loadResult struct {
	val interface{}
	ok  bool
	err error
}

// Get returns the cached value for key, loading it on a miss. Entries
// past TTL but within the stale window are served immediately while one
// background refresh runs.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	now := time.Now()

	c.mu.RLock()
	rec, found := c.items[key]
	if found && now.Before(rec.expiresAt) {
		val, negative, err := rec.value, rec.negative, rec.err
		c.mu.RUnlock()
		c.count(c.metrics.OnHit)
		if negative {
			return nil, false, err
		}
		return val, true, nil
	}
	if found && now.Before(rec.staleAt) {
		val, negative, err := rec.value, rec.negative, rec.err
		c.mu.RUnlock()
		c.count(c.metrics.OnStale)
		go func() {
			_, _, _ = c.sf.Do("refresh:"+key, func() (interface{}, error) {
				v, ok, lerr := loader(ctx, key)
				c.store(key, v, ok, lerr)
				return nil, nil
			})
		}()
		if negative {
			return nil, false, err
		}
		return val, true, nil
	}
	c.mu.RUnlock()

	if found {
		c.Delete(key)
	}

	c.count(c.metrics.OnMiss)
	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		return loadResult{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult)
	if !res.ok {
		return nil, false, res.err
	}
	return res.val, true, nil
}

// Delete drops a key. The next Get reloads it.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	for i, k := range c.fifo {
		if k == key {
			c.fifo = append(c.fifo[:i], c.fifo[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

func (c *Cache) store(key string, val interface{}, ok bool, err error) {
	now := time.Now()
	rec := &record{}
	if ok {
		rec.value = val
		rec.expiresAt = now.Add(c.opts.TTL)
		rec.staleAt = rec.expiresAt.Add(c.opts.StaleWhileRevalidate)
	} else {
		if c.opts.NegativeTTL <= 0 {
			return
		}
		rec.err = err
		rec.negative = true
		rec.expiresAt = now.Add(c.opts.NegativeTTL)
		rec.staleAt = rec.expiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.fifo = append(c.fifo, key)
	}
	c.items[key] = rec
	for c.opts.MaxEntries > 0 && len(c.items) > c.opts.MaxEntries && len(c.fifo) > 0 {
		victim := c.fifo[0]
		c.fifo = c.fifo[1:]
		delete(c.items, victim)
	}
}

func (c *Cache) count(hook func()) {
	if hook != nil {
		hook()
	}
}
