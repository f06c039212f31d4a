package local

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.shortlink.dev/infra/go/cache"
	"go.shortlink.dev/infra/go/skerr"
)

func TestGetBytes_MissingKey_ReturnsErrNotFound(t *testing.T) {
	c := New()
	_, err := c.GetBytes(context.Background(), "nope")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.SetBytes(ctx, "k", []byte("v"), cache.NoExpiration))
	b, err := c.GetBytes(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), b)

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.GetBytes(ctx, "k")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestSetBytes_TTLExpires(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.SetBytes(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err := c.GetBytes(ctx, "k")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestGetOrSetBytes_ColdKey_FetchRunsExactlyOnceAcrossCallers(t *testing.T) {
	ctx := context.Background()
	c := New()
	var fetches int64
	var release = make(chan struct{})
	fetch := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt64(&fetches, 1)
		<-release
		return []byte("value"), nil
	}

	const n = 20
	results := make([][]byte, n)
	var wg sync.WaitGroup
	var started sync.WaitGroup
	wg.Add(n)
	started.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			started.Done()
			b, err := c.GetOrSetBytes(ctx, "k", cache.NoExpiration, fetch)
			require.NoError(t, err)
			results[i] = b
		}(i)
	}
	started.Wait()
	// Give every goroutine a chance to reach the singleflight barrier.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
	for _, b := range results {
		assert.Equal(t, []byte("value"), b)
	}
}

func TestGetOrSetBytes_FetchFails_KeyIsNotPoisoned(t *testing.T) {
	ctx := context.Background()
	c := New()
	_, err := c.GetOrSetBytes(ctx, "k", cache.NoExpiration, func(ctx context.Context) ([]byte, error) {
		return nil, skerr.Fmt("backend down")
	})
	require.Error(t, err)

	b, err := c.GetOrSetBytes(ctx, "k", cache.NoExpiration, func(ctx context.Context) ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), b)
}

func TestIncrBy_CreatesAndIncrements(t *testing.T) {
	ctx := context.Background()
	c := New()
	n, err := c.IncrBy(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.IncrBy(ctx, "counter", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestKeysAndClearPattern(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.SetBytes(ctx, "session:a", []byte("1"), cache.NoExpiration))
	require.NoError(t, c.SetBytes(ctx, "session:b", []byte("2"), cache.NoExpiration))
	require.NoError(t, c.SetBytes(ctx, "other", []byte("3"), cache.NoExpiration))

	keys, err := c.Keys(ctx, "session:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session:a", "session:b"}, keys)

	require.NoError(t, c.ClearPattern(ctx, "session:"))
	keys, err = c.Keys(ctx, "session:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
	ok, err := c.Exists(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok)
}

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestTypedGetOrSet_DecodeFailureRefetches(t *testing.T) {
	ctx := context.Background()
	c := New()
	// Store garbage that will not decode as payload.
	require.NoError(t, c.SetBytes(ctx, "k", []byte("not json"), cache.NoExpiration))

	got, err := cache.GetOrSet(ctx, c, "k", cache.NoExpiration, func(ctx context.Context) (payload, error) {
		return payload{Name: "fresh", Count: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, payload{Name: "fresh", Count: 2}, got)
}

func TestTypedGet_DecodeFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.SetBytes(ctx, "k", []byte("{"), cache.NoExpiration))
	_, err := cache.Get[payload](ctx, c, "k")
	require.ErrorIs(t, err, cache.ErrNotFound)
}
