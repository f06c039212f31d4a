package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.shortlink.dev/infra/go/cache/local"
)

func TestAllow_FixedWindow(t *testing.T) {
	ctx := context.Background()
	l := New(local.New())
	limit := Limit{Name: "test", Requests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(ctx, "1.2.3.4", limit)
		require.True(t, ok)
	}
	ok, retryAfter := l.Allow(ctx, "1.2.3.4", limit)
	require.False(t, ok)
	require.Equal(t, time.Minute, retryAfter)

	// Other keys are unaffected.
	ok, _ = l.Allow(ctx, "5.6.7.8", limit)
	require.True(t, ok)
}

func TestDelay_LinearWithCap(t *testing.T) {
	require.Equal(t, time.Duration(0), Delay(1))
	require.Equal(t, time.Duration(0), Delay(3))
	require.Equal(t, 2*time.Second, Delay(4))
	require.Equal(t, 4*time.Second, Delay(5))
	require.Equal(t, 20*time.Second, Delay(13))
	require.Equal(t, 20*time.Second, Delay(100))
}

func TestMiddleware_Returns429WithRetryAfter(t *testing.T) {
	l := New(local.New())
	limit := Limit{Name: "mw", Requests: 1, Window: time.Minute}
	handler := l.Middleware(limit, ByIP)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("GET", "/api/links", nil)
	req.RemoteAddr = "1.2.3.4:5000"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))
	require.Contains(t, w.Body.String(), "retryAfter")
}

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:443"
	require.Equal(t, "10.0.0.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", ClientIP(req))
}
