package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.shortlink.dev/infra/go/cache/local"
	"go.shortlink.dev/infra/shortlink/go/auth"
	"go.shortlink.dev/infra/shortlink/go/clickindex"
	"go.shortlink.dev/infra/shortlink/go/clicks/memclickstore"
	"go.shortlink.dev/infra/shortlink/go/config"
	"go.shortlink.dev/infra/shortlink/go/dnsverify"
	"go.shortlink.dev/infra/shortlink/go/domains/memdomainstore"
	"go.shortlink.dev/infra/shortlink/go/jobqueue/memjobqueue"
	"go.shortlink.dev/infra/shortlink/go/links/memlinkstore"
	"go.shortlink.dev/infra/shortlink/go/livestats"
	"go.shortlink.dev/infra/shortlink/go/ratelimit"
	"go.shortlink.dev/infra/shortlink/go/redirect"
	"go.shortlink.dev/infra/shortlink/go/user/memuserstore"
)

// fakeResolver answers DNS lookups from fixed maps.
type fakeResolver struct {
	txt   map[string][]string
	addrs map[string][]string
}

func (f *fakeResolver) LookupTXT(ctx context.Context, fqdn string) ([]string, error) {
	records, ok := f.txt[fqdn]
	if !ok {
		return nil, dnsverify.ErrTokenNotFound
	}
	return records, nil
}

func (f *fakeResolver) LookupAddr(ctx context.Context, host string) (string, []string, error) {
	return "", f.addrs[host], nil
}

type testApp struct {
	app      *App
	router   http.Handler
	resolver *fakeResolver
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	cfg := &config.Config{
		SystemDomain: "sho.rt",
		ServerIP:     "192.0.2.10",
		JWTIssuer:    "shortlink",
		JWTAudience:  "shortlink-api",
	}
	c := local.New()
	users := memuserstore.New()
	domainStore := memdomainstore.New()
	linkStore := memlinkstore.New(cfg.SystemHost(), domainStore)
	domainStore.SetLinkCounter(linkStore.CountActiveByDomain)
	clickStore := memclickstore.New()
	index := clickindex.NewMock()
	queue := memjobqueue.New()
	engine := redirect.New(cfg.SystemHost(), domainStore, linkStore, clickStore, c, index, queue, nil)
	authSvc := auth.New(users, c, []byte("test-secret"), cfg.JWTIssuer, cfg.JWTAudience)
	authSvc.SetLoginDelayForTesting(func(ctx context.Context, d time.Duration) {})
	resolver := &fakeResolver{txt: map[string][]string{}, addrs: map[string][]string{}}
	app := &App{
		Config:   cfg,
		Auth:     authSvc,
		Users:    users,
		Domains:  domainStore,
		Links:    linkStore,
		Clicks:   clickStore,
		Cache:    c,
		Index:    index,
		Queue:    queue,
		Engine:   engine,
		Verifier: dnsverify.New(resolver, cfg.ServerIP),
		Limiter:  ratelimit.New(c),
		LiveStats: livestats.New(livestats.Sources{
			Queue:  queue,
			Index:  index,
			DB:     readyPinger{},
			Cache:  c,
			Users:  users,
			Links:  linkStore,
			Clicks: clickStore,
		}),
		DBPinger: readyPinger{},
	}
	return &testApp{app: app, router: app.Router(), resolver: resolver}
}

type readyPinger struct{}

func (readyPinger) Ping(ctx context.Context) error { return nil }

// do runs one request through the router and decodes the JSON response
// into out when it is non-nil.
func (ta *testApp) do(t *testing.T, method, path, token string, body, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Host = "sho.rt"
	req.RemoteAddr = "198.51.100.7:4242"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

// register creates an account and returns its access token.
func (ta *testApp) register(t *testing.T, email string) string {
	t.Helper()
	var resp tokenResponse
	w := ta.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":       email,
		"password":    "hunter2hunter2",
		"displayName": "Test User",
	}, &resp)
	require.Equal(t, http.StatusCreated, w.Code)
	return resp.Tokens.AccessToken
}

func (ta *testApp) createLink(t *testing.T, token string, body map[string]interface{}) linkBody {
	t.Helper()
	var l linkBody
	w := ta.do(t, http.MethodPost, "/api/links", token, body, &l)
	require.Equal(t, http.StatusCreated, w.Code)
	return l
}

func TestRegisterAndMe(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")

	var me userBody
	w := ta.do(t, http.MethodGet, "/api/auth/me", token, nil, &me)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "alice@example.com", me.Email)

	// No token, no access.
	w = ta.do(t, http.MethodGet, "/api/auth/me", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegister_DuplicateEmailIsConflict(t *testing.T) {
	ta := newTestApp(t)
	ta.register(t, "alice@example.com")
	w := ta.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":       "alice@example.com",
		"password":    "hunter2hunter2",
		"displayName": "Other",
	}, nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestRegister_RejectsBadInput(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "not-an-email", "password": "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "bob@example.com", "password": "short",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogin_RateLimitedAfterRepeatedFailures(t *testing.T) {
	ta := newTestApp(t)
	ta.register(t, "alice@example.com")
	for i := 0; i < 5; i++ {
		w := ta.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email": "alice@example.com", "password": "wrong-password",
		}, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := ta.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong-password",
	}, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestPasswordReset_NeverRevealsAccountsAndIsTightlyLimited(t *testing.T) {
	ta := newTestApp(t)
	ta.register(t, "alice@example.com")

	// Known and unknown addresses answer identically.
	for _, email := range []string{"alice@example.com", "nobody@example.com", "alice@example.com"} {
		w := ta.do(t, http.MethodPost, "/api/auth/password-reset", "", map[string]string{
			"email": email,
		}, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// The fourth request in the window trips the limiter.
	w := ta.do(t, http.MethodPost, "/api/auth/password-reset", "", map[string]string{
		"email": "alice@example.com",
	}, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestCreateLinkAndFollowRedirect(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")
	l := ta.createLink(t, token, map[string]interface{}{
		"originalUrl": "https://example.com/landing",
	})
	require.Len(t, l.ShortCode, 6)
	require.Equal(t, "https://sho.rt/"+l.ShortCode, l.FullShortURL)

	w := ta.do(t, http.MethodGet, "/"+l.ShortCode, "", nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://example.com/landing", w.Header().Get("Location"))
}

func TestCreateLink_ValidationFailures(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")

	// Not an absolute http(s) URL.
	w := ta.do(t, http.MethodPost, "/api/links", token, map[string]interface{}{
		"originalUrl": "javascript:alert(1)",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Reserved custom code.
	w = ta.do(t, http.MethodPost, "/api/links", token, map[string]interface{}{
		"originalUrl": "https://example.com", "customCode": "api",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Malformed custom code.
	w = ta.do(t, http.MethodPost, "/api/links", token, map[string]interface{}{
		"originalUrl": "https://example.com", "customCode": "no spaces!",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateLink_DuplicateCustomCodeIsConflict(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")
	ta.createLink(t, token, map[string]interface{}{
		"originalUrl": "https://example.com/a", "customCode": "launch",
	})
	w := ta.do(t, http.MethodPost, "/api/links", token, map[string]interface{}{
		"originalUrl": "https://example.com/b", "customCode": "launch",
	}, nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestLinks_OwnershipEnforced(t *testing.T) {
	ta := newTestApp(t)
	alice := ta.register(t, "alice@example.com")
	mallory := ta.register(t, "mallory@example.com")
	l := ta.createLink(t, alice, map[string]interface{}{
		"originalUrl": "https://example.com",
	})

	w := ta.do(t, http.MethodGet, "/api/links/"+string(l.ID), mallory, nil, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	w = ta.do(t, http.MethodDelete, "/api/links/"+string(l.ID), mallory, nil, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	w = ta.do(t, http.MethodGet, "/api/links/"+string(l.ID), alice, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDeleteLink_RedirectStopsServing(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")
	l := ta.createLink(t, token, map[string]interface{}{
		"originalUrl": "https://example.com",
	})

	// Warm the redirect cache, then delete.
	w := ta.do(t, http.MethodGet, "/"+l.ShortCode, "", nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	w = ta.do(t, http.MethodDelete, "/api/links/"+string(l.ID), token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ta.do(t, http.MethodGet, "/"+l.ShortCode, "", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateLink_DeactivationBlocksRedirect(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")
	l := ta.createLink(t, token, map[string]interface{}{
		"originalUrl": "https://example.com",
	})

	w := ta.do(t, http.MethodPut, "/api/links/"+string(l.ID), token, map[string]interface{}{
		"isActive": false,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ta.do(t, http.MethodGet, "/"+l.ShortCode, "", nil, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestPasswordProtectedLinkFlow(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")
	l := ta.createLink(t, token, map[string]interface{}{
		"originalUrl": "https://example.com/secret",
		"password":    "open sesame",
	})

	// A plain GET is challenged.
	w := ta.do(t, http.MethodGet, "/"+l.ShortCode, "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var challenge errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))
	require.True(t, challenge.PasswordRequired)

	// Wrong password, still 401.
	w = ta.do(t, http.MethodPost, "/"+l.ShortCode+"/password", "", map[string]string{
		"password": "guess",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Right password redirects exactly like the GET pipeline.
	w = ta.do(t, http.MethodPost, "/"+l.ShortCode+"/password", "", map[string]string{
		"password": "open sesame",
	}, nil)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://example.com/secret", w.Header().Get("Location"))
}

func TestDomains_CreateVerifyAndServe(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")

	var d domainBody
	w := ta.do(t, http.MethodPost, "/api/domains", token, map[string]interface{}{
		"host": "Go.Example.COM", "displayName": "Go links",
	}, &d)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "go.example.com", d.Host)
	require.False(t, d.IsVerified)
	require.NotNil(t, d.DNS)
	require.Equal(t, "_shortlink-verify.go.example.com", d.DNS.TXTName)
	require.Len(t, d.DNS.TXTValue, 64)

	// Verification fails until the TXT record exists.
	var verifyResp struct {
		Verified bool     `json:"verified"`
		Warnings []string `json:"warnings"`
	}
	w = ta.do(t, http.MethodPost, "/api/domains/"+string(d.ID)+"/verify", token, nil, &verifyResp)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, verifyResp.Verified)

	ta.resolver.txt[d.DNS.TXTName] = []string{"unrelated", d.DNS.TXTValue}
	ta.resolver.addrs["go.example.com"] = []string{"192.0.2.10"}
	// The warnings field is omitted from the response when empty, so clear
	// the value decoded from the previous call before re-decoding.
	verifyResp.Warnings = nil
	w = ta.do(t, http.MethodPost, "/api/domains/"+string(d.ID)+"/verify", token, nil, &verifyResp)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, verifyResp.Verified)
	require.Empty(t, verifyResp.Warnings)

	// A verified domain serves links under its own host.
	l := ta.createLink(t, token, map[string]interface{}{
		"originalUrl": "https://example.com/docs", "domainId": string(d.ID), "customCode": "docs",
	})
	require.Equal(t, "https://go.example.com/docs", l.FullShortURL)

	req := httptest.NewRequest(http.MethodGet, "/docs", nil)
	req.Host = "go.example.com"
	req.RemoteAddr = "198.51.100.7:4242"
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://example.com/docs", rec.Header().Get("Location"))

	// The same code does not resolve on the system host.
	w = ta.do(t, http.MethodGet, "/docs", "", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDomains_UnverifiedDomainRejectedForLinks(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")
	var d domainBody
	w := ta.do(t, http.MethodPost, "/api/domains", token, map[string]interface{}{
		"host": "go.example.com",
	}, &d)
	require.Equal(t, http.StatusCreated, w.Code)

	w = ta.do(t, http.MethodPost, "/api/links", token, map[string]interface{}{
		"originalUrl": "https://example.com", "domainId": string(d.ID),
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDomains_DeleteBlockedByLinks(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")
	var d domainBody
	w := ta.do(t, http.MethodPost, "/api/domains", token, map[string]interface{}{
		"host": "go.example.com",
	}, &d)
	require.Equal(t, http.StatusCreated, w.Code)
	ta.resolver.txt["_shortlink-verify.go.example.com"] = []string{d.DNS.TXTValue}
	w = ta.do(t, http.MethodPost, "/api/domains/"+string(d.ID)+"/verify", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ta.createLink(t, token, map[string]interface{}{
		"originalUrl": "https://example.com", "domainId": string(d.ID),
	})

	w = ta.do(t, http.MethodDelete, "/api/domains/"+string(d.ID), token, nil, nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestLogoutAll_InvalidatesEveryToken(t *testing.T) {
	ta := newTestApp(t)
	ta.register(t, "alice@example.com")

	// Two independent logins.
	tokens := make([]string, 2)
	for i := range tokens {
		var resp tokenResponse
		w := ta.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email": "alice@example.com", "password": "hunter2hunter2",
		}, &resp)
		require.Equal(t, http.StatusOK, w.Code)
		tokens[i] = resp.Tokens.AccessToken
	}

	w := ta.do(t, http.MethodPost, "/api/auth/logout-all", tokens[0], nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	for _, token := range tokens {
		w := ta.do(t, http.MethodGet, "/api/auth/me", token, nil, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	// A fresh login works again.
	w = ta.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "hunter2hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAnalytics_DegradedWhileIndexDown(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")

	w := ta.do(t, http.MethodGet, "/api/analytics/me", token, nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "DEPENDENCY_DEGRADED", body.Code)
}

func TestLinkStats_FallsBackToCountersWhileIndexDown(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")
	l := ta.createLink(t, token, map[string]interface{}{
		"originalUrl": "https://example.com",
	})
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/"+l.ShortCode, nil)
		req.Host = "sho.rt"
		req.RemoteAddr = fmt.Sprintf("198.51.100.%d:1", i+1)
		rec := httptest.NewRecorder()
		ta.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusFound, rec.Code)
	}

	var stats struct {
		Degraded     bool  `json:"degraded"`
		TotalClicks  int64 `json:"totalClicks"`
		UniqueClicks int64 `json:"uniqueClicks"`
	}
	w := ta.do(t, http.MethodGet, "/api/links/"+string(l.ID)+"/stats", token, nil, &stats)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, stats.Degraded)
	require.Equal(t, int64(3), stats.TotalClicks)
	require.Equal(t, int64(3), stats.UniqueClicks)
}

func TestAdmin_RequiresRole(t *testing.T) {
	ta := newTestApp(t)
	token := ta.register(t, "alice@example.com")
	w := ta.do(t, http.MethodGet, "/api/admin/stats", token, nil, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	ta := newTestApp(t)
	w := ta.do(t, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var ready struct {
		DB    bool `json:"db"`
		Cache bool `json:"cache"`
		Index bool `json:"index"`
	}
	w = ta.do(t, http.MethodGet, "/readyz", "", nil, &ready)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, ready.DB)
	require.True(t, ready.Cache)
	// The mock index is degraded, which does not fail readiness.
	require.False(t, ready.Index)
}
