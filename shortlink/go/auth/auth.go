// Package auth issues and validates the two-token auth scheme: short
// lived access tokens and long lived refresh tokens, with a blacklist
// for individual revocation and a per-user token version for revoking
// everything at once.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"go.shortlink.dev/infra/go/cache"
	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/shortlink/go/ratelimit"
	"go.shortlink.dev/infra/shortlink/go/types"
	"go.shortlink.dev/infra/shortlink/go/user"
)

const (
	// AccessTTL and RefreshTTL are the token lifetimes.
	AccessTTL  = 15 * time.Minute
	RefreshTTL = 7 * 24 * time.Hour

	// TokenTypeAccess and TokenTypeRefresh are the values of the "type"
	// claim; a token is only valid for its own use.
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	// maxLoginAttempts failures within loginAttemptWindow lock the
	// (email, ip) pair out.
	maxLoginAttempts   = 5
	loginAttemptWindow = 15 * time.Minute

	blacklistPrefix = "blacklist:"
	sessionPrefix   = "session:"
)

// The closed set of login failures. The edge maps these to HTTP codes;
// the core never returns anything else for a failed login.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrAccountDeactivated  = errors.New("account is deactivated")
	ErrOAuthUserNoPassword = errors.New("account has no password; use OAuth login")
	ErrInvalidPassword     = errors.New("invalid password")
	ErrRateLimited         = errors.New("too many login attempts")
)

// ErrTokenInvalid covers every token verification failure: bad
// signature, expired, blacklisted, wrong type, stale token version, or
// deactivated user. Callers never learn which.
var ErrTokenInvalid = errors.New("token is invalid")

// Claims is the JWT payload shared by both token types. Refresh tokens
// leave Email and Role empty.
type Claims struct {
	jwt.RegisteredClaims
	UserID       types.UserID `json:"userId"`
	Email        string       `json:"email,omitempty"`
	Role         types.Role   `json:"role,omitempty"`
	TokenVersion int64        `json:"tokenVersion"`
	TokenType    string       `json:"type"`
}

// TokenPair is what a successful login, registration, or refresh mints.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expiresIn"`
}

// Service is the auth core. It is safe for concurrent use.
type Service struct {
	users    user.Store
	cache    cache.Cache
	secret   []byte
	issuer   string
	audience string

	// loginDelay slows down repeated failures before the lockout kicks
	// in; replaced in tests.
	loginDelay func(ctx context.Context, d time.Duration)

	loginFailures metrics2.Counter
}

// New returns a Service signing tokens with secret.
func New(users user.Store, c cache.Cache, secret []byte, issuer, audience string) *Service {
	return &Service{
		users:         users,
		cache:         c,
		secret:        secret,
		issuer:        issuer,
		audience:      audience,
		loginDelay:    sleep,
		loginFailures: metrics2.GetCounter("auth_login_failures"),
	}
}

// SetLoginDelayForTesting replaces the failure delay.
func (s *Service) SetLoginDelayForTesting(fn func(ctx context.Context, d time.Duration)) {
	s.loginDelay = fn
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func attemptKey(email, ip string) string {
	return fmt.Sprintf("login:attempt:%s:%s", user.NormalizeEmail(email), ip)
}

func sessionKey(userID types.UserID, sessionID string) string {
	return sessionPrefix + string(userID) + ":" + sessionID
}

func sessionPattern(userID types.UserID) string {
	return sessionPrefix + string(userID) + ":*"
}

// Register creates a user with a bcrypt-hashed password and logs them in.
func (s *Service) Register(ctx context.Context, email, password, displayName, ip, userAgent string) (*types.User, *TokenPair, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, skerr.Wrapf(err, "hashing password")
	}
	u, err := s.users.Create(ctx, user.CreateRequest{
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
	})
	if err != nil {
		return nil, nil, err
	}
	pair, err := s.createSession(ctx, u, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// Login authenticates a password user. Failures come from the closed
// error set; each failure feeds the per-(email, ip) lockout counter.
func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (*types.User, *TokenPair, error) {
	key := attemptKey(email, ip)
	if n, err := cache.Get[int64](ctx, s.cache, key); err == nil && n >= maxLoginAttempts {
		return nil, nil, skerr.Wrap(ErrRateLimited)
	}
	fail := func(cause error) (*types.User, *TokenPair, error) {
		s.loginFailures.Inc(1)
		n, err := s.cache.IncrBy(ctx, key, 1, loginAttemptWindow)
		if err != nil {
			sklog.Errorf("Failed to record login attempt for %s: %s", key, err)
		} else if d := ratelimit.Delay(n); d > 0 {
			s.loginDelay(ctx, d)
		}
		return nil, nil, skerr.Wrap(cause)
	}
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return fail(ErrUserNotFound)
		}
		return nil, nil, err
	}
	if !u.IsActive {
		return fail(ErrAccountDeactivated)
	}
	if u.PasswordHash == "" {
		return fail(ErrOAuthUserNoPassword)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return fail(ErrInvalidPassword)
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		sklog.Errorf("Failed to clear login attempts for %s: %s", key, err)
	}
	if err := s.users.UpdateLastSeen(ctx, u.ID, now.Now(ctx)); err != nil {
		sklog.Errorf("Failed to stamp last_seen_at for %s: %s", u.ID, err)
	}
	pair, err := s.createSession(ctx, u, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// LoginOAuth authenticates a provider identity, creating the local user
// on first login. OAuth users have a verified email and no password.
func (s *Service) LoginOAuth(ctx context.Context, googleID, email, displayName, avatar, ip, userAgent string) (*types.User, *TokenPair, error) {
	u, err := s.users.GetByGoogleID(ctx, googleID)
	if errors.Is(err, user.ErrNotFound) {
		// An existing password account with this email gets the provider id
		// attached instead of a duplicate account.
		u, err = s.users.GetByEmail(ctx, email)
		if err == nil {
			u.GoogleID = googleID
			u.IsEmailVerified = true
			if u.Avatar == "" {
				u.Avatar = avatar
			}
			err = s.users.Update(ctx, u)
		} else if errors.Is(err, user.ErrNotFound) {
			u, err = s.users.Create(ctx, user.CreateRequest{
				Email:           email,
				DisplayName:     displayName,
				GoogleID:        googleID,
				Avatar:          avatar,
				IsEmailVerified: true,
			})
		}
	}
	if err != nil {
		return nil, nil, err
	}
	if !u.IsActive {
		return nil, nil, skerr.Wrap(ErrAccountDeactivated)
	}
	if err := s.users.UpdateLastSeen(ctx, u.ID, now.Now(ctx)); err != nil {
		sklog.Errorf("Failed to stamp last_seen_at for %s: %s", u.ID, err)
	}
	pair, err := s.createSession(ctx, u, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

func (s *Service) mintToken(ctx context.Context, u *types.User, tokenType string, ttl time.Duration) (string, error) {
	issuedAt := now.Now(ctx)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   string(u.ID),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		UserID:       u.ID,
		TokenVersion: u.TokenVersion,
		TokenType:    tokenType,
	}
	if tokenType == TokenTypeAccess {
		claims.Email = u.Email
		claims.Role = u.Role
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", skerr.Wrapf(err, "signing %s token", tokenType)
	}
	return signed, nil
}

// MintPair issues an access/refresh pair without creating a session.
func (s *Service) MintPair(ctx context.Context, u *types.User) (*TokenPair, error) {
	access, err := s.mintToken(ctx, u, TokenTypeAccess, AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.mintToken(ctx, u, TokenTypeRefresh, RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(AccessTTL.Seconds()),
	}, nil
}

func (s *Service) createSession(ctx context.Context, u *types.User, ip, userAgent string) (*TokenPair, error) {
	pair, err := s.MintPair(ctx, u)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, skerr.Wrap(err)
	}
	session := types.Session{
		SessionID:    hex.EncodeToString(b),
		UserID:       u.ID,
		IssuedAt:     now.Now(ctx),
		LastActivity: now.Now(ctx),
		IP:           ip,
		UserAgent:    userAgent,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}
	if err := cache.Set(ctx, s.cache, sessionKey(u.ID, session.SessionID), session, RefreshTTL); err != nil {
		// The tokens work without the session record; the record only
		// enables sweeps and listing.
		sklog.Errorf("Failed to store session for %s: %s", u.ID, err)
	}
	return pair, nil
}

func (s *Service) isBlacklisted(ctx context.Context, token string) bool {
	present, err := s.cache.Exists(ctx, blacklistPrefix+token)
	if err != nil {
		// A cache outage must not lock everyone out; the token version
		// check still protects logout-all.
		sklog.Errorf("Blacklist check failed: %s", err)
		return false
	}
	return present
}

// blacklist stores the token until its own expiry.
func (s *Service) blacklist(ctx context.Context, token string, claims *Claims) {
	if claims == nil || claims.ExpiresAt == nil {
		return
	}
	remaining := claims.ExpiresAt.Time.Sub(now.Now(ctx))
	if remaining <= 0 {
		return
	}
	if err := s.cache.SetBytes(ctx, blacklistPrefix+token, []byte("1"), remaining); err != nil {
		sklog.Errorf("Failed to blacklist token: %s", err)
	}
}

// parse verifies the signature, expiry, issuer, and audience, returning
// the claims. The claims are returned even when a later policy check
// fails, so callers can blacklist the presented token.
func (s *Service) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, skerr.Fmt("unexpected signing method %q", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, skerr.Wrap(ErrTokenInvalid)
	}
	if !claims.VerifyIssuer(s.issuer, true) || !claims.VerifyAudience(s.audience, true) {
		return nil, skerr.Wrap(ErrTokenInvalid)
	}
	return claims, nil
}

// verify runs the full check: blacklist, signature and expiry, token
// type, account state, and token version. On a policy failure the parsed
// claims are returned alongside the error.
func (s *Service) verify(ctx context.Context, token, wantType string) (*types.User, *Claims, error) {
	if s.isBlacklisted(ctx, token) {
		return nil, nil, skerr.Wrap(ErrTokenInvalid)
	}
	claims, err := s.parse(token)
	if err != nil {
		return nil, nil, err
	}
	if claims.TokenType != wantType {
		return nil, claims, skerr.Wrap(ErrTokenInvalid)
	}
	u, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, claims, skerr.Wrap(ErrTokenInvalid)
	}
	if !u.IsActive {
		return nil, claims, skerr.Wrap(ErrTokenInvalid)
	}
	if u.TokenVersion != claims.TokenVersion {
		return nil, claims, skerr.Wrap(ErrTokenInvalid)
	}
	return u, claims, nil
}

// VerifyAccess validates an access token and returns its user.
func (s *Service) VerifyAccess(ctx context.Context, token string) (*types.User, *Claims, error) {
	return s.verify(ctx, token, TokenTypeAccess)
}

// Refresh rotates a refresh token: the presented token is blacklisted
// for its remaining lifetime and a fresh pair is minted. An invalid but
// well-signed refresh token is also blacklisted, so a stolen token can
// not be probed repeatedly.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*TokenPair, error) {
	u, claims, err := s.verify(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		s.blacklist(ctx, refreshToken, claims)
		return nil, err
	}
	s.blacklist(ctx, refreshToken, claims)
	s.dropSessionByToken(ctx, u.ID, refreshToken)
	if err := s.users.UpdateLastSeen(ctx, u.ID, now.Now(ctx)); err != nil {
		sklog.Errorf("Failed to stamp last_seen_at for %s: %s", u.ID, err)
	}
	return s.createSession(ctx, u, ip, userAgent)
}

// dropSessionByToken removes the session record holding the given
// refresh token, if any.
func (s *Service) dropSessionByToken(ctx context.Context, userID types.UserID, refreshToken string) {
	keys, err := s.cache.Keys(ctx, sessionPattern(userID))
	if err != nil {
		sklog.Errorf("Failed to list sessions for %s: %s", userID, err)
		return
	}
	for _, key := range keys {
		session, err := cache.Get[types.Session](ctx, s.cache, key)
		if err != nil {
			continue
		}
		if session.RefreshToken == refreshToken {
			if err := s.cache.Delete(ctx, key); err != nil {
				sklog.Errorf("Failed to delete session %s: %s", key, err)
			}
			return
		}
	}
}

// Logout blacklists the presented access token for its remaining
// lifetime, plus the refresh token recoverable from the session record,
// and removes the session.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	u, claims, err := s.verify(ctx, accessToken, TokenTypeAccess)
	if err != nil {
		return err
	}
	s.blacklist(ctx, accessToken, claims)
	keys, err := s.cache.Keys(ctx, sessionPattern(u.ID))
	if err != nil {
		sklog.Errorf("Failed to list sessions for %s: %s", u.ID, err)
		return nil
	}
	for _, key := range keys {
		session, err := cache.Get[types.Session](ctx, s.cache, key)
		if err != nil {
			continue
		}
		if session.AccessToken != accessToken {
			continue
		}
		if refreshClaims, err := s.parse(session.RefreshToken); err == nil {
			s.blacklist(ctx, session.RefreshToken, refreshClaims)
		}
		if err := s.cache.Delete(ctx, key); err != nil {
			sklog.Errorf("Failed to delete session %s: %s", key, err)
		}
		return nil
	}
	return nil
}

// LogoutAll invalidates every outstanding token and session for the
// user. The token version bump is the authoritative revocation; the
// session sweep additionally blacklists the known tokens so still-open
// clients fail fast.
func (s *Service) LogoutAll(ctx context.Context, userID types.UserID) error {
	if _, err := s.users.BumpTokenVersion(ctx, userID, now.Now(ctx)); err != nil {
		return err
	}
	keys, err := s.cache.Keys(ctx, sessionPattern(userID))
	if err != nil {
		sklog.Errorf("Failed to list sessions for %s: %s", userID, err)
		return nil
	}
	for _, key := range keys {
		session, err := cache.Get[types.Session](ctx, s.cache, key)
		if err == nil {
			if claims, err := s.parse(session.AccessToken); err == nil {
				s.blacklist(ctx, session.AccessToken, claims)
			}
			if claims, err := s.parse(session.RefreshToken); err == nil {
				s.blacklist(ctx, session.RefreshToken, claims)
			}
		}
		if err := s.cache.Delete(ctx, key); err != nil {
			sklog.Errorf("Failed to delete session %s: %s", key, err)
		}
	}
	return nil
}

// Sessions lists the user's live session records.
func (s *Service) Sessions(ctx context.Context, userID types.UserID) ([]types.Session, error) {
	keys, err := s.cache.Keys(ctx, sessionPattern(userID))
	if err != nil {
		return nil, skerr.Wrapf(err, "listing sessions for %s", userID)
	}
	ret := []types.Session{}
	for _, key := range keys {
		session, err := cache.Get[types.Session](ctx, s.cache, key)
		if err != nil {
			continue
		}
		ret = append(ret, session)
	}
	return ret, nil
}
