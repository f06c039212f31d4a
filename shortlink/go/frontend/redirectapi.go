package frontend

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.shortlink.dev/infra/shortlink/go/ratelimit"
	"go.shortlink.dev/infra/shortlink/go/redirect"
	"go.shortlink.dev/infra/shortlink/go/types"
)

// redirectApi serves the hot path: code resolution and the password
// retry for gated links.
type redirectApi struct {
	app *App
}

func (api *redirectApi) RegisterHandlers(router chi.Router) {
	router.Get("/preview/{shortCode}", api.previewHandler)
	router.Post("/{shortCode}/password", api.passwordHandler)
	router.Get("/{shortCode}", api.redirectHandler)
}

// previewBody is the destination metadata returned without following the
// redirect, and the shape served to crawlers on the redirect route.
type previewBody struct {
	ShortCode   string `json:"shortCode"`
	OriginalURL string `json:"originalUrl"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

func previewOf(l *types.Link) previewBody {
	return previewBody{
		ShortCode:   l.ShortCode,
		OriginalURL: l.OriginalURL,
		Title:       l.Title,
		Description: l.Description,
	}
}

func visitFrom(r *http.Request) *redirect.Visit {
	return &redirect.Visit{
		Host:      r.Host,
		ShortCode: chi.URLParam(r, "shortCode"),
		IP:        ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
	}
}

func (api *redirectApi) serve(w http.ResponseWriter, r *http.Request, visit *redirect.Visit) {
	ctx, cancel := context.WithTimeout(r.Context(), redirectTimeout)
	defer cancel()
	result, err := api.app.Engine.Resolve(ctx, visit)
	if err != nil {
		sendError(w, err)
		return
	}
	// Crawlers get the destination metadata instead of a 302 so link
	// previews render without being counted.
	if result.Bot {
		sendJSON(w, previewOf(result.Link))
		return
	}
	http.Redirect(w, r, result.Location, http.StatusFound)
}

func (api *redirectApi) redirectHandler(w http.ResponseWriter, r *http.Request) {
	api.serve(w, r, visitFrom(r))
}

func (api *redirectApi) passwordHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	visit := visitFrom(r)
	visit.Password = body.Password
	visit.PasswordSubmitted = true
	api.serve(w, r, visit)
}

func (api *redirectApi) previewHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), redirectTimeout)
	defer cancel()
	l, err := api.app.Engine.Preview(ctx, r.Host, chi.URLParam(r, "shortCode"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, previewOf(l))
}
