// Package redis provides a cache.Cache backed by a Redis instance via
// go-redis. Read errors caused by a backend outage are reported as misses
// so that callers degrade to their underlying stores.
package redis

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"go.shortlink.dev/infra/go/cache"
	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
)

// Cache implements cache.Cache on Redis.
type Cache struct {
	client *redis.Client
	group  singleflight.Group
}

// New connects to the Redis instance at the given URL
// (redis://[user:pass@]host:port/db) and pings it once.
func New(ctx context.Context, url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, skerr.Wrapf(err, "pinging redis at %s", opts.Addr)
	}
	return &Cache{client: client}, nil
}

// NewFromClient wraps an existing client, e.g. one pointed at miniredis in
// tests.
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Client exposes the underlying go-redis client for components that need
// Redis primitives beyond the Cache interface, e.g. the durable job queue.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// GetBytes implements cache.Cache.
func (c *Cache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		// An unreachable backend is a miss, never a synthetic value.
		sklog.Warningf("redis GET %q: %s", key, err)
		metrics2.GetCounter("cache_backend_errors", map[string]string{"op": "get"}).Inc(1)
		return nil, cache.ErrNotFound
	}
	return b, nil
}

// SetBytes implements cache.Cache.
func (c *Cache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return skerr.Wrap(c.client.Set(ctx, key, value, ttl).Err())
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
		if err := c.SetBytes(ctx, key, b, ttl); err != nil {
			sklog.Warningf("redis SET %q after fetch: %s", key, err)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Delete implements cache.Cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return skerr.Wrap(c.client.Del(ctx, key).Err())
}

// Exists implements cache.Cache.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return n > 0, nil
}

// IncrBy implements cache.Cache.
func (c *Cache) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	if ttl != cache.NoExpiration {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, skerr.Wrap(err)
	}
	return incr.Val(), nil
}

// MGet implements cache.Cache.
func (c *Cache) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	ret := make([][]byte, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			ret[i] = []byte(s)
		}
	}
	return ret, nil
}

// MSet implements cache.Cache.
func (c *Cache) MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	pipe := c.client.Pipeline()
	for k, v := range items {
		pipe.Set(ctx, k, v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return skerr.Wrap(err)
}

// Keys implements cache.Cache.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var ret []string
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		ret = append(ret, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// ClearPattern implements cache.Cache.
func (c *Cache) ClearPattern(ctx context.Context, prefix string) error {
	keys, err := c.Keys(ctx, prefix+"*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return skerr.Wrap(c.client.Del(ctx, keys...).Err())
}

// ZIncrBy implements cache.Cache.
func (c *Cache) ZIncrBy(ctx context.Context, key, member string, delta float64) error {
	return skerr.Wrap(c.client.ZIncrBy(ctx, key, delta, member).Err())
}

// Ping implements cache.Cache.
func (c *Cache) Ping(ctx context.Context) error {
	return skerr.Wrap(c.client.Ping(ctx).Err())
}

// Close implements cache.Cache.
func (c *Cache) Close() error {
	return skerr.Wrap(c.client.Close())
}

var _ cache.Cache = (*Cache)(nil)
