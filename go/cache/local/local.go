// Package local provides an in-process cache.Cache backed by
// patrickmn/go-cache, used in tests and as the hot tier when no Redis is
// configured.
package local

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"go.shortlink.dev/infra/go/cache"
)

const cleanupInterval = time.Minute

// Cache implements cache.Cache in memory.
type Cache struct {
	store *gocache.Cache
	group singleflight.Group

	// mutex guards the read-modify-write in IncrBy and ZIncrBy; go-cache
	// only makes individual operations atomic.
	mutex sync.Mutex
}

// New returns an empty in-memory cache.
func New() *Cache {
	return &Cache{
		store: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func ttlFor(ttl time.Duration) time.Duration {
	if ttl == cache.NoExpiration {
		return gocache.NoExpiration
	}
	return ttl
}

// GetBytes implements cache.Cache.
func (c *Cache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, cache.ErrNotFound
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, cache.ErrNotFound
	}
	return b, nil
}

// SetBytes implements cache.Cache.
func (c *Cache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.store.Set(key, value, ttlFor(ttl))
	return nil
}

// GetOrSetBytes implements cache.Cache.
func (c *Cache) GetOrSetBytes(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if b, err := c.GetBytes(ctx, key); err == nil {
		return b, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if b, err := c.GetBytes(ctx, key); err == nil {
			return b, nil
		}
		b, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store.Set(key, b, ttlFor(ttl))
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Delete implements cache.Cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.store.Delete(key)
	return nil
}

// Exists implements cache.Cache.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := c.store.Get(key)
	return ok, nil
}

// IncrBy implements cache.Cache.
func (c *Cache) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if v, ok := c.store.Get(key); ok {
		if cur, ok := v.(int64); ok {
			// Leave the original expiry in place, matching Redis INCR.
			updated := cur + n
			if _, expiry, found := c.store.GetWithExpiration(key); found && !expiry.IsZero() {
				c.store.Set(key, updated, time.Until(expiry))
			} else {
				c.store.Set(key, updated, gocache.NoExpiration)
			}
			return updated, nil
		}
	}
	c.store.Set(key, n, ttlFor(ttl))
	return n, nil
}

// MGet implements cache.Cache.
func (c *Cache) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	ret := make([][]byte, len(keys))
	for i, k := range keys {
		if b, err := c.GetBytes(ctx, k); err == nil {
			ret[i] = b
		}
	}
	return ret, nil
}

// MSet implements cache.Cache.
func (c *Cache) MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	for k, v := range items {
		c.store.Set(k, v, ttlFor(ttl))
	}
	return nil
}

// Keys implements cache.Cache.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	ret := []string{}
	for k := range c.store.Items() {
		if ok, err := filepath.Match(pattern, k); err == nil && ok {
			ret = append(ret, k)
		}
	}
	return ret, nil
}

// ClearPattern implements cache.Cache.
func (c *Cache) ClearPattern(ctx context.Context, prefix string) error {
	for k := range c.store.Items() {
		if strings.HasPrefix(k, prefix) {
			c.store.Delete(k)
		}
	}
	return nil
}

// ZIncrBy implements cache.Cache.
func (c *Cache) ZIncrBy(ctx context.Context, key, member string, delta float64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	scores := map[string]float64{}
	if v, ok := c.store.Get(key); ok {
		if m, ok := v.(map[string]float64); ok {
			scores = m
		}
	}
	scores[member] += delta
	c.store.Set(key, scores, gocache.NoExpiration)
	return nil
}

// Ping implements cache.Cache.
func (c *Cache) Ping(ctx context.Context) error {
	return nil
}

// Close implements cache.Cache.
func (c *Cache) Close() error {
	c.store.Flush()
	return nil
}

var _ cache.Cache = (*Cache)(nil)
