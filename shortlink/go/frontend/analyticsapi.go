package frontend

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/shortlink/go/apperr"
	"go.shortlink.dev/infra/shortlink/go/clickindex"
	"go.shortlink.dev/infra/shortlink/go/types"
)

// analyticsApi serves the index-backed dashboard queries. Every route
// answers 503 DEPENDENCY_DEGRADED while the index is down; the per-link
// stats route on linksApi is the one with a primary-store fallback.
type analyticsApi struct {
	app *App
}

func (api *analyticsApi) RegisterHandlers(router chi.Router, general func(http.Handler) http.Handler) {
	router.Route("/api/analytics", func(r chi.Router) {
		r.Use(general, api.app.requireAuth)
		r.Get("/me", api.overviewHandler)
		r.Get("/realtime", api.realtimeHandler)
		r.Get("/search", api.searchHandler)
	})
}

func (api *analyticsApi) requireIndex(w http.ResponseWriter) bool {
	if !api.app.Index.Ready() {
		sendError(w, skerr.Wrap(apperr.ErrDependencyDegraded))
		return false
	}
	return true
}

func (api *analyticsApi) overviewHandler(w http.ResponseWriter, r *http.Request) {
	if !api.requireIndex(w) {
		return
	}
	u := userFromContext(r.Context())
	window := 30 * 24 * time.Hour
	if days, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && days > 0 && days <= 365 {
		window = time.Duration(days) * 24 * time.Hour
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	stats, err := api.app.Index.GetUserAnalytics(ctx, u.ID, window)
	if err != nil {
		sendError(w, skerr.Wrap(apperr.ErrDependencyDegraded))
		return
	}
	sendJSON(w, stats)
}

func (api *analyticsApi) realtimeHandler(w http.ResponseWriter, r *http.Request) {
	if !api.requireIndex(w) {
		return
	}
	u := userFromContext(r.Context())
	minutes := 5
	if v, err := strconv.Atoi(r.URL.Query().Get("minutes")); err == nil && v > 0 && v <= 60 {
		minutes = v
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	count, err := api.app.Index.GetRealTimeClicks(ctx, u.ID, minutes)
	if err != nil {
		sendError(w, skerr.Wrap(apperr.ErrDependencyDegraded))
		return
	}
	sendJSON(w, struct {
		Clicks  int64 `json:"clicks"`
		Minutes int   `json:"minutes"`
	}{Clicks: count, Minutes: minutes})
}

func (api *analyticsApi) searchHandler(w http.ResponseWriter, r *http.Request) {
	if !api.requireIndex(w) {
		return
	}
	u := userFromContext(r.Context())
	q := r.URL.Query()
	filters := clickindex.SearchFilters{
		Campaign:   q.Get("campaign"),
		Country:    q.Get("country"),
		DeviceType: types.DeviceType(q.Get("deviceType")),
		Text:       q.Get("q"),
	}
	if v, err := time.Parse(time.RFC3339, q.Get("start")); err == nil {
		filters.Start = v
	}
	if v, err := time.Parse(time.RFC3339, q.Get("end")); err == nil {
		filters.End = v
	}
	page := 1
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		page = v
	}
	size := defaultPageSize
	if v, err := strconv.Atoi(q.Get("size")); err == nil && v > 0 && v <= maxPageSize {
		size = v
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	results, err := api.app.Index.SearchClicks(ctx, u.ID, filters, page, size)
	if err != nil {
		sendError(w, skerr.Wrap(apperr.ErrDependencyDegraded))
		return
	}
	sendJSON(w, results)
}
