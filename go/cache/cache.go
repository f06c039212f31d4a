// Package cache defines a process-wide typed key/value cache with
// per-entry TTLs. Values are stored as JSON blobs; the typed helpers Get,
// Set, and GetOrSet handle encoding.
//
// Callers must be safe under "cache always cold": a backend outage is
// reported as a miss, never as a synthetic value.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.shortlink.dev/infra/go/skerr"
)

// ErrNotFound is returned by GetBytes when the key is absent, expired, or
// the backend is unreachable.
var ErrNotFound = errors.New("cache: key not found")

// NoExpiration can be passed as a TTL to store an entry without expiry.
const NoExpiration time.Duration = 0

// Cache is a byte-oriented KV store with TTLs. All implementations are
// safe for concurrent use.
type Cache interface {
	// GetBytes returns the raw value stored at key, or ErrNotFound.
	GetBytes(ctx context.Context, key string) ([]byte, error)

	// SetBytes stores value at key. A ttl of NoExpiration means no expiry.
	// Overwrite is allowed.
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetOrSetBytes returns the value at key if present; otherwise it
	// invokes fetch exactly once across concurrent callers for the same
	// key, stores the result, and returns it. A fetch failure is
	// propagated to all waiters and does not poison the key.
	GetOrSetBytes(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) ([]byte, error)) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists returns true if key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// IncrBy atomically adds n to the integer at key, creating it with the
	// given ttl if absent, and returns the new value.
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)

	// MGet returns the values for keys; absent keys yield nil entries.
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// MSet stores all items best-effort with a shared ttl.
	MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Keys returns all keys matching a glob-style pattern. Only used for
	// session sweeps; not a hot-path operation.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// ClearPattern removes all keys with the given prefix. Administrative.
	ClearPattern(ctx context.Context, prefix string) error

	// ZIncrBy adds delta to member's score in the sorted set at key.
	ZIncrBy(ctx context.Context, key, member string, delta float64) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Get retrieves and JSON-decodes the value at key. A decode failure is
// treated as a miss.
func Get[T any](ctx context.Context, c Cache, key string) (T, error) {
	var zero T
	b, err := c.GetBytes(ctx, key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		// A corrupt entry is indistinguishable from a miss to callers.
		_ = c.Delete(ctx, key)
		return zero, ErrNotFound
	}
	return v, nil
}

// Set JSON-encodes value and stores it at key.
func Set[T any](ctx context.Context, c Cache, key string, value T, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return skerr.Wrapf(err, "encoding value for key %q", key)
	}
	return skerr.Wrap(c.SetBytes(ctx, key, b, ttl))
}

// GetOrSet returns the decoded value at key, fetching and populating it via
// fetch on a miss. fetch runs exactly once across concurrent callers for
// the same key. If the stored blob fails to decode, the entry is dropped
// and fetched again.
func GetOrSet[T any](ctx context.Context, c Cache, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	fetchBytes := func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}
	for attempt := 0; attempt < 2; attempt++ {
		b, err := c.GetOrSetBytes(ctx, key, ttl, fetchBytes)
		if err != nil {
			return zero, err
		}
		var v T
		if err := json.Unmarshal(b, &v); err == nil {
			return v, nil
		}
		_ = c.Delete(ctx, key)
	}
	return zero, skerr.Fmt("value at %q repeatedly failed to decode", key)
}
