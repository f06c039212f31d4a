package frontend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/shortlink/go/apperr"
	"go.shortlink.dev/infra/shortlink/go/jobqueue"
	"go.shortlink.dev/infra/shortlink/go/links"
	"go.shortlink.dev/infra/shortlink/go/metadata"
	"go.shortlink.dev/infra/shortlink/go/ratelimit"
	"go.shortlink.dev/infra/shortlink/go/shorturl"
	"go.shortlink.dev/infra/shortlink/go/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// linksApi serves link CRUD and per-link stats.
type linksApi struct {
	app *App
}

func (api *linksApi) RegisterHandlers(router chi.Router, general func(http.Handler) http.Handler) {
	creation := api.app.Limiter.Middleware(ratelimit.LinkCreation, byUser)
	router.Route("/api/links", func(r chi.Router) {
		r.Use(general, api.app.requireAuth)
		r.With(creation).Post("/", api.createHandler)
		r.Get("/", api.listHandler)
		r.Get("/{id}", api.getHandler)
		r.Put("/{id}", api.updateHandler)
		r.Delete("/{id}", api.deleteHandler)
		r.Get("/{id}/stats", api.statsHandler)
	})
}

// byUser keys rate limits by the authenticated user, falling back to the
// client IP before authentication has run.
func byUser(r *http.Request) string {
	if u := userFromContext(r.Context()); u != nil {
		return string(u.ID)
	}
	return ratelimit.ClientIP(r)
}

// linkBody is the external shape of a link. The password hash is
// replaced by a boolean.
type linkBody struct {
	ID              types.LinkID          `json:"id"`
	DomainID        types.DomainID        `json:"domainId,omitempty"`
	OriginalURL     string                `json:"originalUrl"`
	ShortCode       string                `json:"shortCode"`
	FullShortURL    string                `json:"fullShortUrl"`
	CustomCode      bool                  `json:"customCode"`
	Title           string                `json:"title,omitempty"`
	Description     string                `json:"description,omitempty"`
	Campaign        string                `json:"campaign,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
	HasPassword     bool                  `json:"hasPassword"`
	ExpiresAt       *time.Time            `json:"expiresAt,omitempty"`
	IsActive        bool                  `json:"isActive"`
	ClickCount      int64                 `json:"clickCount"`
	UniqueClicks    int64                 `json:"uniqueClicks"`
	LastClickAt     *time.Time            `json:"lastClickAt,omitempty"`
	UTMParameters   map[string]string     `json:"utmParameters,omitempty"`
	URLMetadata     map[string]string     `json:"urlMetadata,omitempty"`
	GeoRestrictions types.GeoRestrictions `json:"geoRestrictions,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func linkOf(l *types.Link) linkBody {
	return linkBody{
		ID:              l.ID,
		DomainID:        l.DomainID,
		OriginalURL:     l.OriginalURL,
		ShortCode:       l.ShortCode,
		FullShortURL:    l.FullShortURL,
		CustomCode:      l.CustomCode,
		Title:           l.Title,
		Description:     l.Description,
		Campaign:        l.Campaign,
		Tags:            l.Tags,
		HasPassword:     l.PasswordHash != "",
		ExpiresAt:       optionalTime(l.ExpiresAt),
		IsActive:        l.IsActive,
		ClickCount:      l.ClickCount,
		UniqueClicks:    l.UniqueClicks,
		LastClickAt:     optionalTime(l.LastClickAt),
		UTMParameters:   l.UTMParameters,
		URLMetadata:     l.URLMetadata,
		GeoRestrictions: l.GeoRestrictions,
		CreatedAt:       l.CreatedAt,
	}
}

// validDestination accepts absolute http(s) URLs only.
func validDestination(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// loadOwned fetches the link and enforces owner-or-admin access.
func (api *linksApi) loadOwned(ctx context.Context, r *http.Request) (*types.Link, error) {
	u := userFromContext(ctx)
	l, err := api.app.Links.GetByID(ctx, types.LinkID(chi.URLParam(r, "id")))
	if err != nil {
		if errors.Is(err, links.ErrNotFound) {
			return nil, skerr.Wrap(apperr.ErrNotFound)
		}
		return nil, skerr.Wrap(err)
	}
	if l.OwnerUserID != u.ID && u.Role != types.RoleAdmin {
		return nil, skerr.Wrap(apperr.ErrForbidden)
	}
	return l, nil
}

type createLinkBody struct {
	OriginalURL     string                `json:"originalUrl"`
	DomainID        types.DomainID        `json:"domainId"`
	CustomCode      string                `json:"customCode"`
	Title           string                `json:"title"`
	Description     string                `json:"description"`
	Campaign        string                `json:"campaign"`
	Tags            []string              `json:"tags"`
	Password        string                `json:"password"`
	ExpiresAt       *time.Time            `json:"expiresAt"`
	UTMParameters   map[string]string     `json:"utmParameters"`
	GeoRestrictions types.GeoRestrictions `json:"geoRestrictions"`
}

// checkDomain enforces that the chosen custom domain belongs to the
// caller, is usable, and has monthly quota left.
func (api *linksApi) checkDomain(ctx context.Context, owner *types.User, domainID types.DomainID) error {
	if domainID == "" {
		return nil
	}
	d, err := api.app.Domains.GetByID(ctx, domainID)
	if err != nil {
		return skerr.Wrap(apperr.ErrValidation)
	}
	if d.OwnerUserID != owner.ID && owner.Role != types.RoleAdmin {
		return skerr.Wrap(apperr.ErrForbidden)
	}
	if !d.IsActive || !d.IsVerified {
		return skerr.Wrap(apperr.ErrValidation)
	}
	if d.MonthlyLinkLimit > 0 && d.CurrentMonthUsage >= d.MonthlyLinkLimit {
		return skerr.Wrap(apperr.ErrRateLimited)
	}
	return nil
}

func (api *linksApi) createHandler(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	var body createLinkBody
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if !validDestination(body.OriginalURL) {
		sendError(w, apperr.ErrValidation)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	if err := api.checkDomain(ctx, u, body.DomainID); err != nil {
		sendError(w, err)
		return
	}

	code := body.CustomCode
	custom := code != ""
	if custom {
		if !shorturl.ValidCode(code) || shorturl.IsReserved(code) {
			sendError(w, apperr.ErrValidation)
			return
		}
	} else {
		generated, err := links.GenerateUniqueShortCode(ctx, api.app.Links, body.DomainID)
		if err != nil {
			sendError(w, err)
			return
		}
		code = generated
	}

	req := links.CreateRequest{
		OwnerUserID:     u.ID,
		DomainID:        body.DomainID,
		OriginalURL:     body.OriginalURL,
		ShortCode:       code,
		CustomCode:      custom,
		Title:           body.Title,
		Description:     body.Description,
		Campaign:        body.Campaign,
		Tags:            body.Tags,
		UTMParameters:   body.UTMParameters,
		GeoRestrictions: body.GeoRestrictions,
	}
	if body.ExpiresAt != nil {
		req.ExpiresAt = *body.ExpiresAt
	}
	if body.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
		if err != nil {
			sendError(w, skerr.Wrap(err))
			return
		}
		req.PasswordHash = string(hash)
	}

	l, err := api.app.Links.Create(ctx, req)
	if err != nil {
		if errors.Is(err, links.ErrDuplicateShortCode) {
			sendError(w, skerr.Wrap(apperr.ErrConflict))
			return
		}
		sendError(w, err)
		return
	}
	if body.DomainID != "" {
		if err := api.app.Domains.IncrementUsage(ctx, body.DomainID); err != nil {
			sklog.Errorf("Failed to bump usage for domain %s: %s", body.DomainID, err)
		}
	}
	api.enqueueMetadataFetch(ctx, l)
	sendJSONStatus(w, http.StatusCreated, linkOf(l))
}

// enqueueMetadataFetch schedules the title/OG fetch; a full queue only
// costs the nicety, not the link.
func (api *linksApi) enqueueMetadataFetch(ctx context.Context, l *types.Link) {
	if !api.app.Config.AutoFetchMetadata || l.Title != "" {
		return
	}
	payload := metadata.FetchPayload{LinkID: l.ID}
	if err := api.app.Queue.Enqueue(ctx, jobqueue.KindMetadata, payload); err != nil {
		sklog.Warningf("Skipping metadata fetch for %s: %s", l.ID, err)
	}
}

func (api *linksApi) listHandler(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	q := r.URL.Query()
	opts := links.ListOptions{
		Search: q.Get("search"),
		Limit:  defaultPageSize,
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		if v > maxPageSize {
			v = maxPageSize
		}
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}
	if q.Has("domainId") {
		id := types.DomainID(q.Get("domainId"))
		opts.DomainID = &id
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	list, total, err := api.app.Links.List(ctx, u.ID, opts)
	if err != nil {
		sendError(w, err)
		return
	}
	out := make([]linkBody, 0, len(list))
	for _, l := range list {
		out = append(out, linkOf(l))
	}
	sendJSON(w, struct {
		Links  []linkBody `json:"links"`
		Total  int        `json:"total"`
		Limit  int        `json:"limit"`
		Offset int        `json:"offset"`
	}{Links: out, Total: total, Limit: opts.Limit, Offset: opts.Offset})
}

func (api *linksApi) getHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	l, err := api.loadOwned(ctx, r)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, linkOf(l))
}

type updateLinkBody struct {
	OriginalURL     *string                `json:"originalUrl"`
	Title           *string                `json:"title"`
	Description     *string                `json:"description"`
	Campaign        *string                `json:"campaign"`
	Tags            []string               `json:"tags"`
	Password        *string                `json:"password"`
	ExpiresAt       *time.Time             `json:"expiresAt"`
	IsActive        *bool                  `json:"isActive"`
	UTMParameters   map[string]string      `json:"utmParameters"`
	GeoRestrictions *types.GeoRestrictions `json:"geoRestrictions"`
}

func (api *linksApi) updateHandler(w http.ResponseWriter, r *http.Request) {
	var body updateLinkBody
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	l, err := api.loadOwned(ctx, r)
	if err != nil {
		sendError(w, err)
		return
	}
	if body.OriginalURL != nil {
		if !validDestination(*body.OriginalURL) {
			sendError(w, apperr.ErrValidation)
			return
		}
		l.OriginalURL = *body.OriginalURL
	}
	if body.Title != nil {
		l.Title = *body.Title
	}
	if body.Description != nil {
		l.Description = *body.Description
	}
	if body.Campaign != nil {
		l.Campaign = *body.Campaign
	}
	if body.Tags != nil {
		l.Tags = body.Tags
	}
	if body.Password != nil {
		if *body.Password == "" {
			l.PasswordHash = ""
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(*body.Password), bcrypt.DefaultCost)
			if err != nil {
				sendError(w, skerr.Wrap(err))
				return
			}
			l.PasswordHash = string(hash)
		}
	}
	if body.ExpiresAt != nil {
		l.ExpiresAt = *body.ExpiresAt
	}
	if body.IsActive != nil {
		l.IsActive = *body.IsActive
	}
	if body.UTMParameters != nil {
		l.UTMParameters = body.UTMParameters
	}
	if body.GeoRestrictions != nil {
		l.GeoRestrictions = *body.GeoRestrictions
	}
	if err := api.app.Links.Update(ctx, l); err != nil {
		sendError(w, err)
		return
	}
	// The redirect path may still hold the old copy.
	api.app.Engine.InvalidateLink(ctx, l.DomainID, l.ShortCode)
	sendJSON(w, linkOf(l))
}

func (api *linksApi) deleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	l, err := api.loadOwned(ctx, r)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := api.app.Links.SoftDelete(ctx, l.ID); err != nil {
		sendError(w, err)
		return
	}
	api.app.Engine.InvalidateLink(ctx, l.DomainID, l.ShortCode)
	sendJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: true})
}

// statsHandler returns aggregated click stats for one link, computed by
// the analytics index. When the index is down the caller gets the live
// counters from the primary store and a degraded flag.
func (api *linksApi) statsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	l, err := api.loadOwned(ctx, r)
	if err != nil {
		sendError(w, err)
		return
	}
	start, end := statsWindow(r)
	if !api.app.Index.Ready() {
		sendJSON(w, struct {
			Degraded     bool  `json:"degraded"`
			TotalClicks  int64 `json:"totalClicks"`
			UniqueClicks int64 `json:"uniqueClicks"`
		}{Degraded: true, TotalClicks: l.ClickCount, UniqueClicks: l.UniqueClicks})
		return
	}
	stats, err := api.app.Index.GetClickStats(ctx, l.ID, start, end)
	if err != nil {
		sendError(w, skerr.Wrap(apperr.ErrDependencyDegraded))
		return
	}
	sendJSON(w, stats)
}

// statsWindow parses the optional start/end query params, defaulting to
// the trailing 30 days.
func statsWindow(r *http.Request) (time.Time, time.Time) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if v, err := time.Parse(time.RFC3339, r.URL.Query().Get("start")); err == nil {
		start = v
	}
	if v, err := time.Parse(time.RFC3339, r.URL.Query().Get("end")); err == nil {
		end = v
	}
	return start, end
}
