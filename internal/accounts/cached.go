package accounts

import (
	"context"
	"time"

	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/cache"
)

// CachedStore wraps a Store with a small in-memory TTL cache. User rows
// change rarely, and the webhook and metering paths look the same users
// up on every event.
type CachedStore struct {
	store *Store
	byID  *cache.Cache
}

func NewCachedStore(store *Store, hooks cache.MetricsHooks) *CachedStore {
	return &CachedStore{
		store: store,
		byID: cache.New(cache.Options{
			TTL:                  30 * time.Second,
			StaleWhileRevalidate: 2 * time.Minute,
			NegativeTTL:          5 * time.Second,
			MaxEntries:           10_000,
		}, hooks),
	}
}

// ByID fetches a user by id, serving from cache when fresh. Concurrent
// misses for the same id collapse into one database query.
func (c *CachedStore) ByID(ctx context.Context, id string) (*User, error) {
	v, ok, err := c.byID.Get(ctx, id, func(ctx context.Context, key string) (interface{}, bool, error) {
		u, err := c.store.ByID(ctx, key)
		if err != nil {
			return nil, false, err
		}
		return u, true, nil
	})
	if !ok {
		return nil, err
	}
	return v.(*User), nil
}

// Exists delegates to the underlying store; deletion checks must not be
// served from a stale cache.
func (c *CachedStore) Exists(ctx context.Context, id string) (bool, error) {
	return c.store.Exists(ctx, id)
}

// Invalidate drops a user from the cache.
func (c *CachedStore) Invalidate(id string) {
	c.byID.Delete(id)
}
