// Package redirect is the hot path: it resolves (host, shortCode) to a
// link, applies the access policy, records the click, and produces the
// final location. Everything downstream of the primary-store click
// insert is best-effort; the redirect itself never waits on analytics.
package redirect

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"go.shortlink.dev/infra/go/cache"
	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/go/util"
	"go.shortlink.dev/infra/shortlink/go/apperr"
	"go.shortlink.dev/infra/shortlink/go/clickindex"
	"go.shortlink.dev/infra/shortlink/go/clicks"
	"go.shortlink.dev/infra/shortlink/go/domains"
	"go.shortlink.dev/infra/shortlink/go/jobqueue"
	"go.shortlink.dev/infra/shortlink/go/links"
	"go.shortlink.dev/infra/shortlink/go/shorturl"
	"go.shortlink.dev/infra/shortlink/go/types"
	"go.shortlink.dev/infra/shortlink/go/useragent"
)

const (
	// linkCacheTTL bounds how stale a cached link can get; edits take at
	// most this long to reach the redirect path unless the cache entry is
	// invalidated explicitly.
	linkCacheTTL = 5 * time.Minute

	// popularLinksKey is the sorted set tracking redirect volume per link.
	popularLinksKey = "popular:links"
)

// GeoLocator resolves a client IP to a location. Lookups are best
// effort; an error means "unknown", which geo policy treats as matching
// neither list.
type GeoLocator interface {
	Locate(ctx context.Context, ip string) (country, city string, err error)
}

// NopLocator is a GeoLocator that never knows where anyone is.
type NopLocator struct{}

// Locate implements GeoLocator.
func (NopLocator) Locate(ctx context.Context, ip string) (string, string, error) {
	return "", "", nil
}

// Visit carries the per-request inputs of one redirect.
type Visit struct {
	Host      string
	ShortCode string
	IP        string
	UserAgent string
	Referrer  string
	// Password is the submitted password for gated links;
	// PasswordSubmitted distinguishes "no password sent" from an empty
	// one.
	Password          string
	PasswordSubmitted bool
}

// Result is a successful resolution. Location is empty on the bot shunt;
// the caller serves link metadata instead of redirecting.
type Result struct {
	Link     *types.Link
	Location string
	Bot      bool
}

// Engine runs the redirect pipeline.
type Engine struct {
	systemHost string
	domains    domains.Store
	links      links.Store
	clicks     clicks.Store
	cache      cache.Cache
	index      clickindex.Index
	queue      jobqueue.Service
	geo        GeoLocator

	redirects     metrics2.Counter
	botShunts     metrics2.Counter
	indexFallback metrics2.Counter
	indexDropped  metrics2.Counter
}

// New returns an Engine. queue may not be nil; pass a started service.
func New(systemHost string, domainStore domains.Store, linkStore links.Store, clickStore clicks.Store, c cache.Cache, index clickindex.Index, queue jobqueue.Service, geo GeoLocator) *Engine {
	if geo == nil {
		geo = NopLocator{}
	}
	return &Engine{
		systemHost:    shorturl.NormalizeHost(systemHost),
		domains:       domainStore,
		links:         linkStore,
		clicks:        clickStore,
		cache:         c,
		index:         index,
		queue:         queue,
		geo:           geo,
		redirects:     metrics2.GetCounter("redirect_served"),
		botShunts:     metrics2.GetCounter("redirect_bot_shunt"),
		indexFallback: metrics2.GetCounter("redirect_index_direct_write"),
		indexDropped:  metrics2.GetCounter("redirect_index_dropped"),
	}
}

func linkCacheKey(domainID types.DomainID, code string) string {
	return "link:" + string(domainID) + ":" + code
}

// InvalidateLink drops the cached copy of a link; called after edits and
// deletes so the redirect path converges immediately.
func (e *Engine) InvalidateLink(ctx context.Context, domainID types.DomainID, code string) {
	if err := e.cache.Delete(ctx, linkCacheKey(domainID, code)); err != nil {
		sklog.Errorf("Failed to invalidate cached link %s: %s", code, err)
	}
}

func validateCode(code string) error {
	if strings.Contains(code, ".") || code == "favicon.ico" {
		return skerr.Wrap(apperr.ErrNotFound)
	}
	if !shorturl.ValidCode(code) {
		return skerr.Wrap(apperr.ErrValidation)
	}
	return nil
}

// resolveDomain maps the Host header to a DomainID; the system host maps
// to the empty DomainID.
func (e *Engine) resolveDomain(ctx context.Context, host string) (types.DomainID, error) {
	host = shorturl.NormalizeHost(host)
	if host == "" || host == e.systemHost {
		return "", nil
	}
	d, err := e.domains.GetActiveByHost(ctx, host)
	if err != nil {
		return "", skerr.Wrap(apperr.ErrNotFound)
	}
	return d.ID, nil
}

// resolveLink loads the link through the single-flight link cache.
func (e *Engine) resolveLink(ctx context.Context, domainID types.DomainID, code string) (*types.Link, error) {
	l, err := cache.GetOrSet(ctx, e.cache, linkCacheKey(domainID, code), linkCacheTTL, func(ctx context.Context) (types.Link, error) {
		got, err := e.links.GetByCodeAndDomain(ctx, code, domainID)
		if err != nil {
			return types.Link{}, err
		}
		return *got, nil
	})
	if err != nil {
		if errors.Is(err, links.ErrNotFound) {
			return nil, skerr.Wrap(apperr.ErrNotFound)
		}
		return nil, err
	}
	return &l, nil
}

// checkPolicy applies the access gates in their fixed order: expiry,
// active flag, geo, password.
func (e *Engine) checkPolicy(ctx context.Context, l *types.Link, v *Visit) (country, city string, err error) {
	if l.Expired(now.Now(ctx)) {
		return "", "", skerr.Wrap(apperr.ErrGone)
	}
	if !l.IsActive {
		return "", "", skerr.Wrap(apperr.ErrBlocked)
	}
	country, city, geoErr := e.geo.Locate(ctx, v.IP)
	if geoErr != nil {
		sklog.Warningf("Geo lookup for %s failed: %s", v.IP, geoErr)
		country, city = "", ""
	}
	if l.GeoRestrictions.IsSet() && country != "" {
		listed := util.In(country, l.GeoRestrictions.Countries)
		if l.GeoRestrictions.Mode == types.GeoDeny && listed {
			return "", "", skerr.Wrap(apperr.ErrBlocked)
		}
		if l.GeoRestrictions.Mode == types.GeoAllow && !listed {
			return "", "", skerr.Wrap(apperr.ErrBlocked)
		}
	}
	if l.PasswordHash != "" {
		if !v.PasswordSubmitted {
			return "", "", skerr.Wrap(apperr.ErrPasswordRequired)
		}
		if bcrypt.CompareHashAndPassword([]byte(l.PasswordHash), []byte(v.Password)) != nil {
			return "", "", skerr.Wrap(apperr.ErrPasswordInvalid)
		}
	}
	return country, city, nil
}

// Resolve runs the full pipeline for one visit.
func (e *Engine) Resolve(ctx context.Context, v *Visit) (*Result, error) {
	if err := validateCode(v.ShortCode); err != nil {
		return nil, err
	}
	domainID, err := e.resolveDomain(ctx, v.Host)
	if err != nil {
		return nil, err
	}
	l, err := e.resolveLink(ctx, domainID, v.ShortCode)
	if err != nil {
		return nil, err
	}
	country, city, err := e.checkPolicy(ctx, l, v)
	if err != nil {
		return nil, err
	}
	if useragent.IsBot(v.UserAgent) {
		// Crawlers and unfurlers get metadata without a click; their
		// fetches would otherwise pollute the analytics.
		e.botShunts.Inc(1)
		return &Result{Link: l, Bot: true}, nil
	}
	e.recordClick(ctx, l, v, country, city)
	location, err := shorturl.BuildFinalURL(l.OriginalURL, l.UTMParameters)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	e.redirects.Inc(1)
	return &Result{Link: l, Location: location}, nil
}

// recordClick is the durability boundary: the primary-store insert is
// synchronous, everything after it is best-effort.
func (e *Engine) recordClick(ctx context.Context, l *types.Link, v *Visit, country, city string) {
	has, err := e.clicks.HasClickFromIP(ctx, l.ID, v.IP)
	if err != nil {
		sklog.Errorf("Uniqueness probe for link %s failed: %s", l.ID, err)
		// Unknown counts as non-unique.
		has = true
	}
	isUnique := !has
	click := &types.Click{
		LinkID:     l.ID,
		IPAddress:  v.IP,
		UserAgent:  v.UserAgent,
		Referrer:   v.Referrer,
		Country:    country,
		City:       city,
		DeviceType: useragent.Device(v.UserAgent),
		Browser:    useragent.Browser(v.UserAgent),
		OS:         useragent.OS(v.UserAgent),
		Timestamp:  now.Now(ctx),
	}
	if err := e.clicks.Insert(ctx, click); err != nil {
		// Without the row there is nothing to count or index.
		sklog.Errorf("Failed to insert click for link %s: %s", l.ID, err)
		return
	}
	if err := e.links.IncrementClicks(ctx, l.ID, isUnique, click.Timestamp); err != nil {
		sklog.Errorf("Failed to increment counters for link %s: %s", l.ID, err)
	}
	if err := e.cache.ZIncrBy(ctx, popularLinksKey, string(l.ID), 1); err != nil {
		sklog.Errorf("Failed to bump popular links: %s", err)
	}
	e.dispatchIndex(ctx, clickindex.DocFromClick(click, l))
}

// dispatchIndex hands the document to the click-tracking queue. A full
// queue falls back to a direct index write; if that also fails the
// document is dropped — the primary store already has the click.
func (e *Engine) dispatchIndex(ctx context.Context, doc clickindex.Doc) {
	err := e.queue.Enqueue(ctx, jobqueue.KindClickTracking, doc)
	if err == nil {
		return
	}
	if !errors.Is(err, jobqueue.ErrQueueFull) {
		sklog.Errorf("Failed to enqueue click for link %s: %s", doc.LinkID, err)
	}
	e.indexFallback.Inc(1)
	if err := e.index.TrackClick(ctx, doc); err != nil {
		e.indexDropped.Inc(1)
		sklog.Errorf("Dropping analytics document for link %s: %s", doc.LinkID, err)
	}
}

// Preview resolves without policy checks or side effects: no click, no
// counters, no policy rejection. Used by the admin UI and unfurlers.
func (e *Engine) Preview(ctx context.Context, host, code string) (*types.Link, error) {
	if err := validateCode(code); err != nil {
		return nil, err
	}
	domainID, err := e.resolveDomain(ctx, host)
	if err != nil {
		return nil, err
	}
	return e.resolveLink(ctx, domainID, code)
}
