package frontend

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"time"

	"github.com/go-chi/chi/v5"

	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/shortlink/go/apperr"
	"go.shortlink.dev/infra/shortlink/go/auth"
	"go.shortlink.dev/infra/shortlink/go/jobqueue"
	"go.shortlink.dev/infra/shortlink/go/ratelimit"
	"go.shortlink.dev/infra/shortlink/go/types"
	"go.shortlink.dev/infra/shortlink/go/user"
)

const minPasswordLength = 8

// authApi serves registration, login, token lifecycle, and session
// introspection.
type authApi struct {
	app *App
}

func (api *authApi) RegisterHandlers(router chi.Router) {
	limited := api.app.Limiter.Middleware(ratelimit.Auth, ratelimit.ByIP)
	resetLimited := api.app.Limiter.Middleware(ratelimit.PasswordReset, ratelimit.ByIP)
	router.With(limited).Post("/api/auth/register", api.registerHandler)
	router.With(limited).Post("/api/auth/login", api.loginHandler)
	router.With(resetLimited).Post("/api/auth/password-reset", api.passwordResetHandler)
	router.Post("/api/auth/refresh", api.refreshHandler)
	router.With(api.app.requireAuth).Post("/api/auth/logout", api.logoutHandler)
	router.With(api.app.requireAuth).Post("/api/auth/logout-all", api.logoutAllHandler)
	router.With(api.app.requireAuth).Get("/api/auth/me", api.meHandler)
	router.With(api.app.requireAuth).Get("/api/auth/sessions", api.sessionsHandler)
}

// userBody is the external shape of a user; the password hash and token
// version never leave the service.
type userBody struct {
	ID          types.UserID `json:"id"`
	Email       string       `json:"email"`
	DisplayName string       `json:"displayName"`
	Role        types.Role   `json:"role"`
	Avatar      string       `json:"avatar,omitempty"`
	Verified    bool         `json:"verified"`
	CreatedAt   time.Time    `json:"createdAt"`
}

func userOf(u *types.User) userBody {
	return userBody{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Avatar:      u.Avatar,
		Verified:    u.IsEmailVerified,
		CreatedAt:   u.CreatedAt,
	}
}

type tokenResponse struct {
	User   userBody        `json:"user"`
	Tokens *auth.TokenPair `json:"tokens"`
}

// mapAuthErr translates the auth service's closed error set to the
// taxonomy. Login failures deliberately distinguish unknown accounts
// from wrong passwords.
func mapAuthErr(err error) error {
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		return skerr.Wrap(apperr.ErrNotFound)
	case errors.Is(err, auth.ErrAccountDeactivated):
		return skerr.Wrap(apperr.ErrForbidden)
	case errors.Is(err, auth.ErrOAuthUserNoPassword):
		return skerr.Wrap(apperr.ErrValidation)
	case errors.Is(err, auth.ErrInvalidPassword):
		return skerr.Wrap(apperr.ErrUnauthenticated)
	case errors.Is(err, auth.ErrRateLimited):
		return skerr.Wrap(apperr.ErrRateLimited)
	case errors.Is(err, auth.ErrTokenInvalid):
		return skerr.Wrap(apperr.ErrUnauthenticated)
	case errors.Is(err, user.ErrDuplicateEmail):
		return skerr.Wrap(apperr.ErrConflict)
	default:
		return err
	}
}

func (api *authApi) registerHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if _, err := mail.ParseAddress(body.Email); err != nil {
		sendError(w, apperr.ErrValidation)
		return
	}
	if len(body.Password) < minPasswordLength {
		sendError(w, apperr.ErrValidation)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	u, tokens, err := api.app.Auth.Register(ctx, body.Email, body.Password, body.DisplayName, ratelimit.ClientIP(r), r.UserAgent())
	if err != nil {
		sendError(w, mapAuthErr(err))
		return
	}
	api.enqueueWelcomeEmail(ctx, u)
	sendJSONStatus(w, http.StatusCreated, tokenResponse{User: userOf(u), Tokens: tokens})
}

// enqueueWelcomeEmail schedules the welcome notification; registration
// never fails on it.
func (api *authApi) enqueueWelcomeEmail(ctx context.Context, u *types.User) {
	payload := struct {
		Template string       `json:"template"`
		UserID   types.UserID `json:"userId"`
		Email    string       `json:"email"`
	}{Template: "welcome", UserID: u.ID, Email: u.Email}
	if err := api.app.Queue.Enqueue(ctx, jobqueue.KindEmail, payload); err != nil {
		sklog.Warningf("Skipping welcome email for %s: %s", u.ID, err)
	}
}

// passwordResetHandler schedules a reset email. The response is the
// same whether or not the address has an account, so the endpoint
// cannot be used to enumerate users.
func (api *authApi) passwordResetHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	if _, err := mail.ParseAddress(body.Email); err != nil {
		sendError(w, apperr.ErrValidation)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	if u, err := api.app.Users.GetByEmail(ctx, body.Email); err == nil {
		payload := struct {
			Template string       `json:"template"`
			UserID   types.UserID `json:"userId"`
			Email    string       `json:"email"`
		}{Template: "password-reset", UserID: u.ID, Email: u.Email}
		if err := api.app.Queue.Enqueue(ctx, jobqueue.KindEmail, payload); err != nil {
			sklog.Warningf("Skipping password reset email for %s: %s", u.ID, err)
		}
	} else if !errors.Is(err, user.ErrNotFound) {
		sendError(w, err)
		return
	}
	sendJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: true})
}

func (api *authApi) loginHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	u, tokens, err := api.app.Auth.Login(ctx, body.Email, body.Password, ratelimit.ClientIP(r), r.UserAgent())
	if err != nil {
		sendError(w, mapAuthErr(err))
		return
	}
	sendJSON(w, tokenResponse{User: userOf(u), Tokens: tokens})
}

func (api *authApi) refreshHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		sendError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	tokens, err := api.app.Auth.Refresh(ctx, body.RefreshToken, ratelimit.ClientIP(r), r.UserAgent())
	if err != nil {
		sendError(w, mapAuthErr(err))
		return
	}
	sendJSON(w, struct {
		Tokens *auth.TokenPair `json:"tokens"`
	}{Tokens: tokens})
}

func (api *authApi) logoutHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	if err := api.app.Auth.Logout(ctx, bearerToken(r)); err != nil {
		sendError(w, mapAuthErr(err))
		return
	}
	sendJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: true})
}

func (api *authApi) logoutAllHandler(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	if err := api.app.Auth.LogoutAll(ctx, u.ID); err != nil {
		sendError(w, mapAuthErr(err))
		return
	}
	sendJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: true})
}

func (api *authApi) meHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, userOf(userFromContext(r.Context())))
}

func (api *authApi) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	sessions, err := api.app.Auth.Sessions(ctx, u.ID)
	if err != nil {
		sendError(w, err)
		return
	}
	// Tokens stay server-side; clients see the session metadata only.
	type sessionBody struct {
		SessionID    string    `json:"sessionId"`
		IssuedAt     time.Time `json:"issuedAt"`
		LastActivity time.Time `json:"lastActivity"`
		IP           string    `json:"ip"`
		UserAgent    string    `json:"userAgent"`
	}
	out := make([]sessionBody, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionBody{
			SessionID:    s.SessionID,
			IssuedAt:     s.IssuedAt,
			LastActivity: s.LastActivity,
			IP:           s.IP,
			UserAgent:    s.UserAgent,
		})
	}
	sendJSON(w, out)
}
