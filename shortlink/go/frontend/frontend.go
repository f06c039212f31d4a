// Package frontend is the HTTP surface: the redirect routes, the
// management API, and health endpoints. All error translation from the
// internal taxonomy to HTTP status codes happens here, once.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"go.shortlink.dev/infra/go/cache"
	"go.shortlink.dev/infra/go/httputils"
	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/shortlink/go/apperr"
	"go.shortlink.dev/infra/shortlink/go/auth"
	"go.shortlink.dev/infra/shortlink/go/clickindex"
	"go.shortlink.dev/infra/shortlink/go/clicks"
	"go.shortlink.dev/infra/shortlink/go/config"
	"go.shortlink.dev/infra/shortlink/go/dnsverify"
	"go.shortlink.dev/infra/shortlink/go/domains"
	"go.shortlink.dev/infra/shortlink/go/jobqueue"
	"go.shortlink.dev/infra/shortlink/go/links"
	"go.shortlink.dev/infra/shortlink/go/livestats"
	"go.shortlink.dev/infra/shortlink/go/ratelimit"
	"go.shortlink.dev/infra/shortlink/go/redirect"
	"go.shortlink.dev/infra/shortlink/go/types"
	"go.shortlink.dev/infra/shortlink/go/user"
)

// defaultTimeout bounds each management request; the redirect path gets
// a tighter budget.
const (
	defaultTimeout  = 10 * time.Second
	redirectTimeout = 5 * time.Second
)

// App bundles the dependencies of the HTTP surface.
type App struct {
	Config    *config.Config
	Auth      *auth.Service
	Users     user.Store
	Domains   domains.Store
	Links     links.Store
	Clicks    clicks.Store
	Cache     cache.Cache
	Index     clickindex.Index
	Queue     jobqueue.Service
	Engine    *redirect.Engine
	Verifier  *dnsverify.Verifier
	Limiter   *ratelimit.Limiter
	LiveStats *livestats.Server
	DBPinger  livestats.Pinger
}

// Router assembles the full route table.
func (a *App) Router() *chi.Mux {
	router := chi.NewRouter()
	router.Use(a.corsMiddleware)
	general := a.Limiter.Middleware(ratelimit.General, ratelimit.ByIP)

	(&authApi{app: a}).RegisterHandlers(router)
	(&linksApi{app: a}).RegisterHandlers(router, general)
	(&domainsApi{app: a}).RegisterHandlers(router, general)
	(&analyticsApi{app: a}).RegisterHandlers(router, general)
	(&adminApi{app: a}).RegisterHandlers(router, general)

	router.Get("/healthz", httputils.HealthCheckHandler)
	router.Get("/readyz", a.readyHandler)

	// The redirect routes go last; /{shortCode} matches nearly anything.
	(&redirectApi{app: a}).RegisterHandlers(router)
	return router
}

// contextKey namespaces the values this package stores on request
// contexts.
type contextKey string

const userContextKey contextKey = "authenticated-user"

// userFromContext returns the authenticated user, or nil.
func userFromContext(ctx context.Context) *types.User {
	u, _ := ctx.Value(userContextKey).(*types.User)
	return u
}

// bearerToken extracts the access token from the Authorization header,
// falling back to X-API-Key.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// requireAuth rejects requests without a valid access token and stores
// the user on the context.
func (a *App) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			sendError(w, apperr.ErrUnauthenticated)
			return
		}
		u, _, err := a.Auth.VerifyAccess(r.Context(), token)
		if err != nil {
			sendError(w, apperr.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, u)))
	})
}

// requireAdmin runs after requireAuth and rejects non-admin users.
func (a *App) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := userFromContext(r.Context())
		if u == nil || u.Role != types.RoleAdmin {
			sendError(w, apperr.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflights and stamps the origin header for
// allowed origins. Header assembly is deliberately minimal.
func (a *App) corsMiddleware(next http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, o := range a.Config.Origins() {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := struct {
		DB    bool `json:"db"`
		Cache bool `json:"cache"`
		Index bool `json:"index"`
	}{
		DB:    a.DBPinger != nil && a.DBPinger.Ping(ctx) == nil,
		Cache: a.Cache.Ping(ctx) == nil,
		Index: a.Index.Ready(),
	}
	// The index is allowed to be degraded; the db and cache are not.
	if !status.DB || !status.Cache {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	sendJSON(w, status)
}

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	// PasswordRequired flags the 401 on password-gated links so clients
	// can prompt instead of re-authenticating.
	PasswordRequired bool `json:"passwordRequired,omitempty"`
}

// code maps an error to its taxonomy symbol for the response body.
func code(err error) string {
	for _, kind := range []error{
		apperr.ErrNotFound, apperr.ErrGone, apperr.ErrBlocked,
		apperr.ErrPasswordRequired, apperr.ErrPasswordInvalid,
		apperr.ErrValidation, apperr.ErrConflict, apperr.ErrRateLimited,
		apperr.ErrUnauthenticated, apperr.ErrForbidden,
		apperr.ErrDependencyDegraded,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return apperr.ErrInternal.Error()
}

// sendError translates an internal error to its HTTP response. 5xx
// causes are logged; 4xx are the client's problem.
func sendError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		sklog.Errorf("Request failed: %+v", err)
		metrics2.GetCounter("frontend_internal_errors").Inc(1)
	}
	body := errorBody{
		Error: http.StatusText(status),
		Code:  code(err),
	}
	if errors.Is(err, apperr.ErrRateLimited) {
		retryAfter := apperr.RetryAfter(err, time.Minute)
		body.RetryAfter = int(retryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	if errors.Is(err, apperr.ErrPasswordRequired) {
		body.PasswordRequired = true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		sklog.Errorf("Failed to encode error body: %s", err)
	}
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("Failed to encode response: %s", err)
	}
}

func sendJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("Failed to encode response: %s", err)
	}
}

// decodeBody reads a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	defer func() {
		_ = httputils.ReadAndClose(r.Body)
	}()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.ErrValidation
	}
	return nil
}
