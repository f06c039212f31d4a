package frontend

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.shortlink.dev/infra/go/now"
)

// adminApi serves the operator surface: live stats and maintenance
// triggers.
type adminApi struct {
	app *App
}

func (api *adminApi) RegisterHandlers(router chi.Router, general func(http.Handler) http.Handler) {
	router.Route("/api/admin", func(r chi.Router) {
		r.Use(general, api.app.requireAuth, api.app.requireAdmin)
		r.Get("/stats", api.statsHandler)
		r.Handle("/live-stats", api.app.LiveStats)
		r.Post("/domains/reset-usage", api.resetUsageHandler)
	})
}

// statsHandler returns one snapshot on demand, the same frame the SSE
// stream pushes.
func (api *adminApi) statsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	snap, err := api.app.LiveStats.Gather(ctx)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, snap)
}

// resetUsageHandler zeroes monthly domain quotas that have rolled into a
// new month. Safe to trigger repeatedly.
func (api *adminApi) resetUsageHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	n, err := api.app.Domains.ResetMonthlyUsage(ctx, now.Now(ctx))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, struct {
		Reset int `json:"reset"`
	}{Reset: n})
}
