package clickindex

import (
	"context"
	"time"

	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/shortlink/go/types"
)

// MockIndex implements Index without a backend: writes are accepted and
// dropped, reads return empty aggregates, and Ready is always false so
// dashboards can show the degraded state. Used in development and when
// the real backend is unavailable at startup.
type MockIndex struct {
	dropped metrics2.Counter
}

// NewMock returns a backend-less Index.
func NewMock() *MockIndex {
	return &MockIndex{
		dropped: metrics2.GetCounter("clickindex_mock_dropped"),
	}
}

// TrackClick implements Index.
func (m *MockIndex) TrackClick(ctx context.Context, doc Doc) error {
	m.dropped.Inc(1)
	return nil
}

// TrackClicksBatch implements Index.
func (m *MockIndex) TrackClicksBatch(ctx context.Context, docs []Doc) (int, error) {
	m.dropped.Inc(int64(len(docs)))
	return len(docs), nil
}

// GetClickStats implements Index.
func (m *MockIndex) GetClickStats(ctx context.Context, linkID types.LinkID, start, end time.Time) (*Stats, error) {
	return emptyStats(), nil
}

// GetUserAnalytics implements Index.
func (m *MockIndex) GetUserAnalytics(ctx context.Context, userID types.UserID, window time.Duration) (*Stats, error) {
	return emptyStats(), nil
}

// GetRealTimeClicks implements Index.
func (m *MockIndex) GetRealTimeClicks(ctx context.Context, userID types.UserID, nMinutes int) (int64, error) {
	return 0, nil
}

// SearchClicks implements Index.
func (m *MockIndex) SearchClicks(ctx context.Context, userID types.UserID, filters SearchFilters, page, size int) (*SearchResults, error) {
	return &SearchResults{Docs: []Doc{}}, nil
}

// Ready implements Index.
func (m *MockIndex) Ready() bool {
	return false
}

func emptyStats() *Stats {
	return &Stats{
		DailyClicks:  []DailyCount{},
		TopCountries: []FacetCount{},
		TopDevices:   []FacetCount{},
		TopBrowsers:  []FacetCount{},
	}
}

var _ Index = (*MockIndex)(nil)
