package frontend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/shortlink/go/apperr"
	"go.shortlink.dev/infra/shortlink/go/dnsverify"
	"go.shortlink.dev/infra/shortlink/go/domains"
	"go.shortlink.dev/infra/shortlink/go/types"
)

// domainsApi serves custom-domain registration and verification.
type domainsApi struct {
	app *App
}

func (api *domainsApi) RegisterHandlers(router chi.Router, general func(http.Handler) http.Handler) {
	router.Route("/api/domains", func(r chi.Router) {
		r.Use(general, api.app.requireAuth)
		r.Post("/", api.createHandler)
		r.Get("/", api.listHandler)
		r.Get("/{id}", api.getHandler)
		r.Put("/{id}", api.updateHandler)
		r.Delete("/{id}", api.deleteHandler)
		r.Post("/{id}/verify", api.verifyHandler)
	})
}

// dnsInstructions tells the owner which records to create.
type dnsInstructions struct {
	TXTName  string `json:"txtName"`
	TXTValue string `json:"txtValue"`
	AName    string `json:"aName,omitempty"`
	AValue   string `json:"aValue,omitempty"`
}

type domainBody struct {
	ID                types.DomainID   `json:"id"`
	Host              string           `json:"host"`
	DisplayName       string           `json:"displayName,omitempty"`
	IsActive          bool             `json:"isActive"`
	IsVerified        bool             `json:"isVerified"`
	VerifiedAt        *time.Time       `json:"verifiedAt,omitempty"`
	MonthlyLinkLimit  int64            `json:"monthlyLinkLimit"`
	CurrentMonthUsage int64            `json:"currentMonthUsage"`
	CreatedAt         time.Time        `json:"createdAt"`
	DNS               *dnsInstructions `json:"dns,omitempty"`
}

// domainOf renders a domain; setup instructions are included until the
// domain verifies.
func (api *domainsApi) domainOf(d *types.Domain) domainBody {
	body := domainBody{
		ID:                d.ID,
		Host:              d.Host,
		DisplayName:       d.DisplayName,
		IsActive:          d.IsActive,
		IsVerified:        d.IsVerified,
		VerifiedAt:        optionalTime(d.VerifiedAt),
		MonthlyLinkLimit:  d.MonthlyLinkLimit,
		CurrentMonthUsage: d.CurrentMonthUsage,
		CreatedAt:         d.CreatedAt,
	}
	if !d.IsVerified {
		body.DNS = &dnsInstructions{
			TXTName:  fmt.Sprintf("%s.%s", dnsverify.VerificationPrefix, d.Host),
			TXTValue: d.VerificationToken,
			AName:    d.Host,
			AValue:   api.app.Config.ServerIP,
		}
	}
	return body
}

// validHost rejects hosts with schemes, paths, ports, or too few labels.
func validHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || strings.ContainsAny(host, "/:@ ") {
		return false
	}
	return strings.Count(host, ".") >= 1
}

// loadOwned fetches the domain and enforces owner-or-admin access.
func (api *domainsApi) loadOwned(ctx context.Context, r *http.Request) (*types.Domain, error) {
	u := userFromContext(ctx)
	d, err := api.app.Domains.GetByID(ctx, types.DomainID(chi.URLParam(r, "id")))
	if err != nil {
		if errors.Is(err, domains.ErrNotFound) {
			return nil, skerr.Wrap(apperr.ErrNotFound)
		}
		return nil, skerr.Wrap(err)
	}
	if d.OwnerUserID != u.ID && u.Role != types.RoleAdmin {
		return nil, skerr.Wrap(apperr.ErrForbidden)
	}
	return d, nil
}

func (api *domainsApi) createHandler(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	var body struct {
		Host             string `json:"host"`
		DisplayName      string `json:"displayName"`
		MonthlyLinkLimit int64  `json:"monthlyLinkLimit"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if !validHost(body.Host) {
		sendError(w, apperr.ErrValidation)
		return
	}
	// Registering the system host as a custom domain would shadow every
	// system link.
	if strings.ToLower(strings.TrimSpace(body.Host)) == api.app.Config.SystemHost() {
		sendError(w, apperr.ErrValidation)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	d, err := api.app.Domains.Create(ctx, domains.CreateRequest{
		OwnerUserID:      u.ID,
		Host:             body.Host,
		DisplayName:      body.DisplayName,
		MonthlyLinkLimit: body.MonthlyLinkLimit,
	})
	if err != nil {
		if errors.Is(err, domains.ErrDuplicateHost) {
			sendError(w, skerr.Wrap(apperr.ErrConflict))
			return
		}
		sendError(w, err)
		return
	}
	sendJSONStatus(w, http.StatusCreated, api.domainOf(d))
}

func (api *domainsApi) listHandler(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	list, err := api.app.Domains.ListByOwner(ctx, u.ID)
	if err != nil {
		sendError(w, err)
		return
	}
	out := make([]domainBody, 0, len(list))
	for _, d := range list {
		out = append(out, api.domainOf(d))
	}
	sendJSON(w, out)
}

func (api *domainsApi) getHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	d, err := api.loadOwned(ctx, r)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, api.domainOf(d))
}

func (api *domainsApi) updateHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName      *string `json:"displayName"`
		IsActive         *bool   `json:"isActive"`
		MonthlyLinkLimit *int64  `json:"monthlyLinkLimit"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	d, err := api.loadOwned(ctx, r)
	if err != nil {
		sendError(w, err)
		return
	}
	if body.DisplayName != nil {
		d.DisplayName = *body.DisplayName
	}
	if body.IsActive != nil {
		d.IsActive = *body.IsActive
	}
	if body.MonthlyLinkLimit != nil {
		// Only admins raise limits.
		if userFromContext(r.Context()).Role != types.RoleAdmin && *body.MonthlyLinkLimit > d.MonthlyLinkLimit {
			sendError(w, apperr.ErrForbidden)
			return
		}
		d.MonthlyLinkLimit = *body.MonthlyLinkLimit
	}
	if err := api.app.Domains.Update(ctx, d); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, api.domainOf(d))
}

func (api *domainsApi) deleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	d, err := api.loadOwned(ctx, r)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := api.app.Domains.Delete(ctx, d.ID); err != nil {
		if errors.Is(err, domains.ErrDomainHasLinks) {
			sendError(w, skerr.Wrap(apperr.ErrConflict))
			return
		}
		sendError(w, err)
		return
	}
	sendJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: true})
}

// verifyHandler runs the DNS TXT check. A failed lookup is not an error
// response; the owner simply is not verified yet.
func (api *domainsApi) verifyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	d, err := api.loadOwned(ctx, r)
	if err != nil {
		sendError(w, err)
		return
	}
	resp := struct {
		Verified bool     `json:"verified"`
		Warnings []string `json:"warnings,omitempty"`
	}{Verified: d.IsVerified}
	if !d.IsVerified {
		if err := api.app.Verifier.Verify(ctx, d.Host, d.VerificationToken); err == nil {
			if err := api.app.Domains.MarkVerified(ctx, d.ID, now.Now(ctx)); err != nil {
				sendError(w, err)
				return
			}
			resp.Verified = true
		}
	}
	// Pointing problems are advisory: verification proves ownership even
	// when the host does not resolve to us yet.
	resp.Warnings = api.app.Verifier.CheckPointing(ctx, d.Host)
	sendJSON(w, resp)
}
