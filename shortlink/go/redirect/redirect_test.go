package redirect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go.shortlink.dev/infra/go/cache/local"
	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/shortlink/go/apperr"
	"go.shortlink.dev/infra/shortlink/go/clickindex"
	"go.shortlink.dev/infra/shortlink/go/clicks/memclickstore"
	"go.shortlink.dev/infra/shortlink/go/domains"
	"go.shortlink.dev/infra/shortlink/go/domains/memdomainstore"
	"go.shortlink.dev/infra/shortlink/go/jobqueue"
	"go.shortlink.dev/infra/shortlink/go/links"
	"go.shortlink.dev/infra/shortlink/go/links/memlinkstore"
	"go.shortlink.dev/infra/shortlink/go/types"
)

const systemHost = "sho.rt"

var fakeNow = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)

// captureQueue records enqueued payloads; full simulates a full queue.
type captureQueue struct {
	full     bool
	enqueued []interface{}
}

func (q *captureQueue) Enqueue(ctx context.Context, kind jobqueue.Kind, payload interface{}) error {
	if q.full {
		return jobqueue.ErrQueueFull
	}
	q.enqueued = append(q.enqueued, payload)
	return nil
}
func (q *captureQueue) RegisterHandler(kind jobqueue.Kind, h jobqueue.Handler)           {}
func (q *captureQueue) RegisterBatchHandler(kind jobqueue.Kind, h jobqueue.BatchHandler) {}
func (q *captureQueue) Start(ctx context.Context)                                       {}
func (q *captureQueue) Stats() jobqueue.Stats                                           { return jobqueue.Stats{} }

// captureIndex records direct writes; broken simulates an outage.
type captureIndex struct {
	clickindex.MockIndex
	broken  bool
	tracked []clickindex.Doc
}

func (i *captureIndex) TrackClick(ctx context.Context, doc clickindex.Doc) error {
	if i.broken {
		return errors.New("index unavailable")
	}
	i.tracked = append(i.tracked, doc)
	return nil
}

type fixture struct {
	ctx     context.Context
	engine  *Engine
	domains *memdomainstore.Store
	links   *memlinkstore.Store
	clicks  *memclickstore.Store
	queue   *captureQueue
	index   *captureIndex
}

func setup(t *testing.T) *fixture {
	ctx := context.WithValue(context.Background(), now.ContextKey, fakeNow)
	f := &fixture{
		ctx:     ctx,
		domains: memdomainstore.New(),
		clicks:  memclickstore.New(),
		queue:   &captureQueue{},
		index:   &captureIndex{},
	}
	f.links = memlinkstore.New(systemHost, f.domains)
	f.engine = New(systemHost, f.domains, f.links, f.clicks, local.New(), f.index, f.queue, nil)
	return f
}

func (f *fixture) createLink(t *testing.T, req links.CreateRequest) *types.Link {
	if req.OwnerUserID == "" {
		req.OwnerUserID = "user-1"
	}
	l, err := f.links.Create(f.ctx, req)
	require.NoError(t, err)
	return l
}

func visit(code string) *Visit {
	return &Visit{
		Host:      systemHost,
		ShortCode: code,
		IP:        "1.2.3.4",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0",
	}
}

func TestResolve_BasicRedirect(t *testing.T) {
	f := setup(t)
	l := f.createLink(t, links.CreateRequest{
		OriginalURL:   "https://example.com/x",
		ShortCode:     "abc123",
		UTMParameters: map[string]string{"utm_source": "nl"},
	})

	res, err := f.engine.Resolve(f.ctx, visit("abc123"))
	require.NoError(t, err)
	require.Equal(t, "https://example.com/x?utm_source=nl", res.Location)
	require.False(t, res.Bot)

	n, err := f.clicks.CountByLink(f.ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	got, err := f.links.GetByID(f.ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ClickCount)
	require.Equal(t, int64(1), got.UniqueClicks)
	require.Len(t, f.queue.enqueued, 1)
}

func TestResolve_RepeatVisitIsNotUnique(t *testing.T) {
	f := setup(t)
	l := f.createLink(t, links.CreateRequest{OriginalURL: "https://example.com", ShortCode: "abc123"})

	for i := 0; i < 2; i++ {
		_, err := f.engine.Resolve(f.ctx, visit("abc123"))
		require.NoError(t, err)
	}
	got, err := f.links.GetByID(f.ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.ClickCount)
	require.Equal(t, int64(1), got.UniqueClicks)
	n, err := f.clicks.CountByLink(f.ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestResolve_ExpiredLinkIsGone(t *testing.T) {
	f := setup(t)
	l := f.createLink(t, links.CreateRequest{
		OriginalURL: "https://example.com",
		ShortCode:   "abc123",
		ExpiresAt:   fakeNow.Add(-time.Hour),
	})

	_, err := f.engine.Resolve(f.ctx, visit("abc123"))
	require.ErrorIs(t, err, apperr.ErrGone)

	n, err := f.clicks.CountByLink(f.ctx, l.ID)
	require.NoError(t, err)
	require.Zero(t, n)
	got, err := f.links.GetByID(f.ctx, l.ID)
	require.NoError(t, err)
	require.Zero(t, got.ClickCount)
}

func TestResolve_DeactivatedLinkIsBlocked(t *testing.T) {
	f := setup(t)
	l := f.createLink(t, links.CreateRequest{OriginalURL: "https://example.com", ShortCode: "abc123"})
	l.IsActive = false
	require.NoError(t, f.links.Update(f.ctx, l))
	f.engine.InvalidateLink(f.ctx, "", "abc123")

	_, err := f.engine.Resolve(f.ctx, visit("abc123"))
	require.ErrorIs(t, err, apperr.ErrBlocked)
}

func TestResolve_PasswordFlow(t *testing.T) {
	f := setup(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)
	l := f.createLink(t, links.CreateRequest{
		OriginalURL:  "https://example.com/secret",
		ShortCode:    "gated1",
		PasswordHash: string(hash),
	})

	// No password submitted.
	_, err = f.engine.Resolve(f.ctx, visit("gated1"))
	require.ErrorIs(t, err, apperr.ErrPasswordRequired)

	// Wrong password.
	v := visit("gated1")
	v.Password = "wrong"
	v.PasswordSubmitted = true
	_, err = f.engine.Resolve(f.ctx, v)
	require.ErrorIs(t, err, apperr.ErrPasswordInvalid)

	n, err := f.clicks.CountByLink(f.ctx, l.ID)
	require.NoError(t, err)
	require.Zero(t, n)

	// Correct password.
	v.Password = "letmein"
	res, err := f.engine.Resolve(f.ctx, v)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/secret", res.Location)
	n, err = f.clicks.CountByLink(f.ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestResolve_CustomDomain(t *testing.T) {
	f := setup(t)
	d, err := f.domains.Create(f.ctx, domains.CreateRequest{OwnerUserID: "user-1", Host: "go.acme.test"})
	require.NoError(t, err)
	require.NoError(t, f.domains.MarkVerified(f.ctx, d.ID, fakeNow))
	f.createLink(t, links.CreateRequest{OriginalURL: "https://acme.test/home", ShortCode: "home", DomainID: d.ID})

	// Host header with a port still resolves.
	v := visit("home")
	v.Host = "go.acme.test:443"
	res, err := f.engine.Resolve(f.ctx, v)
	require.NoError(t, err)
	require.Equal(t, "https://acme.test/home", res.Location)

	// An unknown host does not.
	v = visit("home")
	v.Host = "other.test"
	_, err = f.engine.Resolve(f.ctx, v)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	// Nor does the system host serve the custom-domain code.
	_, err = f.engine.Resolve(f.ctx, visit("home"))
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestResolve_BotShunt(t *testing.T) {
	f := setup(t)
	l := f.createLink(t, links.CreateRequest{OriginalURL: "https://example.com", ShortCode: "abc123"})

	v := visit("abc123")
	v.UserAgent = "Slackbot-LinkExpanding 1.0"
	res, err := f.engine.Resolve(f.ctx, v)
	require.NoError(t, err)
	require.True(t, res.Bot)
	require.Empty(t, res.Location)
	require.Equal(t, l.ID, res.Link.ID)

	// No click, no counters, no job.
	n, err := f.clicks.CountByLink(f.ctx, l.ID)
	require.NoError(t, err)
	require.Zero(t, n)
	got, err := f.links.GetByID(f.ctx, l.ID)
	require.NoError(t, err)
	require.Zero(t, got.ClickCount)
	require.Empty(t, f.queue.enqueued)
}

func TestResolve_MalformedCodes(t *testing.T) {
	f := setup(t)

	_, err := f.engine.Resolve(f.ctx, visit("favicon.ico"))
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.engine.Resolve(f.ctx, visit("has.dot"))
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.engine.Resolve(f.ctx, visit("bad!chars"))
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.engine.Resolve(f.ctx, visit("nosuchcode"))
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestResolve_FullQueueFallsBackToDirectIndexWrite(t *testing.T) {
	f := setup(t)
	l := f.createLink(t, links.CreateRequest{OriginalURL: "https://example.com", ShortCode: "abc123"})
	f.queue.full = true

	_, err := f.engine.Resolve(f.ctx, visit("abc123"))
	require.NoError(t, err)
	require.Len(t, f.index.tracked, 1)
	require.Equal(t, l.ID, f.index.tracked[0].LinkID)
}

func TestResolve_IndexOutageNeverFailsTheRedirect(t *testing.T) {
	f := setup(t)
	l := f.createLink(t, links.CreateRequest{OriginalURL: "https://example.com", ShortCode: "abc123"})
	f.queue.full = true
	f.index.broken = true

	for i := 0; i < 10; i++ {
		res, err := f.engine.Resolve(f.ctx, visit("abc123"))
		require.NoError(t, err)
		require.Equal(t, "https://example.com", res.Location)
	}
	// The primary store has every click even though the index has none.
	n, err := f.clicks.CountByLink(f.ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
	got, err := f.links.GetByID(f.ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.ClickCount)
	require.Empty(t, f.index.tracked)
}

func TestPreview_NoSideEffects(t *testing.T) {
	f := setup(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)
	l := f.createLink(t, links.CreateRequest{
		OriginalURL:  "https://example.com/secret",
		ShortCode:    "gated1",
		PasswordHash: string(hash),
	})

	// Preview skips the password gate and records nothing.
	got, err := f.engine.Preview(f.ctx, systemHost, "gated1")
	require.NoError(t, err)
	require.Equal(t, l.ID, got.ID)
	n, err := f.clicks.CountByLink(f.ctx, l.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}
