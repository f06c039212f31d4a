// Package clickindex is the gateway to the analytics document index.
// Click documents are append-only; all dashboard aggregation queries run
// here rather than against the primary store.
package clickindex

import (
	"context"
	"time"

	"go.shortlink.dev/infra/shortlink/go/types"
)

// IndexName is the document index holding clicks.
const IndexName = "shortlink-clicks"

// Unknown is the facet bucket for documents missing a field.
const Unknown = "Unknown"

// Doc is one click document. The owner and link denormalizations
// (UserID, ShortCode, OriginalURL, Campaign) let per-user queries run
// without a join.
type Doc struct {
	LinkID      types.LinkID     `json:"linkId"`
	UserID      types.UserID     `json:"userId"`
	ShortCode   string           `json:"shortCode"`
	OriginalURL string           `json:"originalUrl"`
	Campaign    string           `json:"campaign,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	IPAddress   string           `json:"ipAddress,omitempty"`
	Country     string           `json:"country,omitempty"`
	City        string           `json:"city,omitempty"`
	DeviceType  types.DeviceType `json:"deviceType,omitempty"`
	Browser     string           `json:"browser,omitempty"`
	OS          string           `json:"os,omitempty"`
	Referrer    string           `json:"referrer,omitempty"`
	UserAgent   string           `json:"userAgent,omitempty"`
}

// DocFromClick builds a Doc from a Click and its Link.
func DocFromClick(c *types.Click, l *types.Link) Doc {
	return Doc{
		LinkID:      c.LinkID,
		UserID:      l.OwnerUserID,
		ShortCode:   l.ShortCode,
		OriginalURL: l.OriginalURL,
		Campaign:    l.Campaign,
		Timestamp:   c.Timestamp,
		IPAddress:   c.IPAddress,
		Country:     c.Country,
		City:        c.City,
		DeviceType:  c.DeviceType,
		Browser:     c.Browser,
		OS:          c.OS,
		Referrer:    c.Referrer,
		UserAgent:   c.UserAgent,
	}
}

// DailyCount is one date-histogram bucket.
type DailyCount struct {
	Date   string `json:"date"` // YYYY-MM-DD
	Clicks int64  `json:"clicks"`
}

// FacetCount is one terms bucket.
type FacetCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Stats is the aggregate view behind the link and user dashboards.
type Stats struct {
	TotalClicks  int64        `json:"totalClicks"`
	UniqueClicks int64        `json:"uniqueClicks"`
	DailyClicks  []DailyCount `json:"dailyClicks"`
	TopCountries []FacetCount `json:"topCountries"`
	TopDevices   []FacetCount `json:"topDevices"`
	TopBrowsers  []FacetCount `json:"topBrowsers"`
}

// SearchFilters narrows SearchClicks. Zero values mean "no filter".
type SearchFilters struct {
	Start      time.Time
	End        time.Time
	Campaign   string
	Country    string
	DeviceType types.DeviceType
	// Text matches against originalUrl and referrer.
	Text string
}

// SearchResults is one page of click documents.
type SearchResults struct {
	Total int64 `json:"total"`
	Docs  []Doc `json:"docs"`
}

// Index is the analytics gateway. Implementations must be safe for
// concurrent use.
type Index interface {
	// TrackClick writes one document.
	TrackClick(ctx context.Context, doc Doc) error

	// TrackClicksBatch bulk-writes docs and returns the number indexed.
	// Partial failure returns the success count and an error; the caller
	// re-queues the remainder.
	TrackClicksBatch(ctx context.Context, docs []Doc) (int, error)

	// GetClickStats aggregates one link over [start, end].
	GetClickStats(ctx context.Context, linkID types.LinkID, start, end time.Time) (*Stats, error)

	// GetUserAnalytics aggregates all of a user's links over the trailing
	// window.
	GetUserAnalytics(ctx context.Context, userID types.UserID, window time.Duration) (*Stats, error)

	// GetRealTimeClicks counts a user's clicks in the last nMinutes.
	GetRealTimeClicks(ctx context.Context, userID types.UserID, nMinutes int) (int64, error)

	// SearchClicks pages through a user's documents matching the filters.
	SearchClicks(ctx context.Context, userID types.UserID, filters SearchFilters, page, size int) (*SearchResults, error)

	// Ready reports whether the backend answered the last health probe.
	// Consumers degrade rather than fail when this is false.
	Ready() bool
}
