// Package ratelimit gates the control-plane endpoints with fixed-window
// counters on the KV cache, plus an in-process token bucket that sheds
// bursts before they reach the cache. The redirect hot path is never
// rate limited.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.shortlink.dev/infra/go/cache"
	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/shortlink/go/apperr"
)

// Limit is one fixed-window policy.
type Limit struct {
	Name     string
	Requests int64
	Window   time.Duration
}

// The per-route policies.
var (
	General       = Limit{Name: "general", Requests: 1000, Window: 15 * time.Minute}
	Auth          = Limit{Name: "auth", Requests: 10, Window: 15 * time.Minute}
	PasswordReset = Limit{Name: "password-reset", Requests: 3, Window: time.Hour}
	LinkCreation  = Limit{Name: "link-creation", Requests: 20, Window: time.Minute}
)

const (
	// Progressive delay: after delayThreshold quick failures each further
	// attempt is slowed by delayStep more, up to delayCap.
	delayThreshold = 3
	delayStep      = 2 * time.Second
	delayCap       = 20 * time.Second

	// burstRate and burstSize shape the in-process pre-filter; it only
	// exists to keep cache round-trips off abusive clients.
	burstRate = 50
	burstSize = 100

	// bucketLimit caps the per-key bucket map.
	bucketLimit = 100000
)

// Limiter enforces fixed-window limits backed by the cache. A cache
// outage fails open: all limits here are soft.
type Limiter struct {
	cache   cache.Cache
	tripped metrics2.Counter

	mutex   sync.Mutex
	buckets map[string]*rate.Limiter
}

// New returns a Limiter on the given cache.
func New(c cache.Cache) *Limiter {
	return &Limiter{
		cache:   c,
		tripped: metrics2.GetCounter("ratelimit_tripped"),
		buckets: map[string]*rate.Limiter{},
	}
}

// Allow consumes one request against the limit for key. When the limit
// is exceeded it returns false and a retry-after hint.
func (l *Limiter) Allow(ctx context.Context, key string, limit Limit) (bool, time.Duration) {
	n, err := l.cache.IncrBy(ctx, fmt.Sprintf("ratelimit:%s:%s", limit.Name, key), 1, limit.Window)
	if err != nil {
		sklog.Errorf("Rate limit counter for %s failed; failing open: %s", key, err)
		return true, 0
	}
	if n > limit.Requests {
		l.tripped.Inc(1)
		return false, limit.Window
	}
	return true, 0
}

// Delay returns the progressive penalty after n failures in the current
// window: nothing for the first few, then linear growth up to the cap.
func Delay(n int64) time.Duration {
	if n <= delayThreshold {
		return 0
	}
	d := time.Duration(n-delayThreshold) * delayStep
	if d > delayCap {
		d = delayCap
	}
	return d
}

// allowBurst is the in-process pre-filter. Unknown keys get a fresh
// bucket; the map is dropped wholesale if it grows too large.
func (l *Limiter) allowBurst(key string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if len(l.buckets) > bucketLimit {
		l.buckets = map[string]*rate.Limiter{}
	}
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(burstRate), burstSize)
		l.buckets[key] = b
	}
	return b.Allow()
}

// ClientIP extracts the client address from a request, preferring the
// X-Forwarded-For chain set by the fronting proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// KeyFunc derives the limit key from a request.
type KeyFunc func(r *http.Request) string

// ByIP keys limits on the client address.
func ByIP(r *http.Request) string {
	return ClientIP(r)
}

// Middleware enforces limit on every request, keyed by keyFn. Exceeding
// the limit answers 429 with a Retry-After header.
func (l *Limiter) Middleware(limit Limit, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if !l.allowBurst(limit.Name + ":" + key) {
				writeRateLimited(w, time.Second)
				return
			}
			ok, retryAfter := l.Allow(r.Context(), key, limit)
			if !ok {
				writeRateLimited(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(apperr.ErrRateLimited))
	_, _ = fmt.Fprintf(w, `{"error":"rate limited","retryAfter":%d}`, seconds)
}
