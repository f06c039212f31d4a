package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go.shortlink.dev/infra/go/cache/local"
	"go.shortlink.dev/infra/shortlink/go/types"
	"go.shortlink.dev/infra/shortlink/go/user"
	"go.shortlink.dev/infra/shortlink/go/user/memuserstore"
)

const (
	testEmail    = "someone@example.com"
	testPassword = "hunter22"
	testIP       = "203.0.113.9"
	testUA       = "test-agent"
)

func setup(t *testing.T) (context.Context, *Service, user.Store) {
	ctx := context.Background()
	users := memuserstore.New()
	s := New(users, local.New(), []byte("test-secret"), "shortlink", "shortlink-clients")
	s.SetLoginDelayForTesting(func(ctx context.Context, d time.Duration) {})
	return ctx, s, users
}

func register(t *testing.T, ctx context.Context, s *Service) (*types.User, *TokenPair) {
	u, pair, err := s.Register(ctx, testEmail, testPassword, "Someone", testIP, testUA)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	return u, pair
}

func TestRegisterAndVerifyAccess(t *testing.T) {
	ctx, s, _ := setup(t)
	u, pair := register(t, ctx, s)

	got, claims, err := s.VerifyAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)
	require.Equal(t, TokenTypeAccess, claims.TokenType)
	require.Equal(t, testEmail, claims.Email)
	require.Equal(t, types.RoleUser, claims.Role)
}

func TestVerifyAccess_RefreshTokenRejected(t *testing.T) {
	ctx, s, _ := setup(t)
	_, pair := register(t, ctx, s)
	_, _, err := s.VerifyAccess(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyAccess_TamperedTokenRejected(t *testing.T) {
	ctx, s, _ := setup(t)
	_, pair := register(t, ctx, s)
	_, _, err := s.VerifyAccess(ctx, pair.AccessToken+"x")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestLogin_ClosedErrorSet(t *testing.T) {
	ctx, s, users := setup(t)
	register(t, ctx, s)

	_, _, err := s.Login(ctx, "nobody@example.com", testPassword, testIP, testUA)
	require.ErrorIs(t, err, ErrUserNotFound)

	_, _, err = s.Login(ctx, testEmail, "wrong", testIP, testUA)
	require.ErrorIs(t, err, ErrInvalidPassword)

	// OAuth-only accounts cannot password-login.
	oauthUser, err := users.Create(ctx, user.CreateRequest{
		Email:           "oauth@example.com",
		GoogleID:        "google-123",
		IsEmailVerified: true,
	})
	require.NoError(t, err)
	_, _, err = s.Login(ctx, oauthUser.Email, testPassword, testIP, testUA)
	require.ErrorIs(t, err, ErrOAuthUserNoPassword)

	// Deactivated accounts are rejected before the password check.
	u, err := users.GetByEmail(ctx, testEmail)
	require.NoError(t, err)
	require.NoError(t, users.SetActive(ctx, u.ID, false))
	_, _, err = s.Login(ctx, testEmail, testPassword, testIP, testUA)
	require.ErrorIs(t, err, ErrAccountDeactivated)
}

func TestLogin_RateLimitedAfterRepeatedFailures(t *testing.T) {
	ctx, s, _ := setup(t)
	register(t, ctx, s)

	for i := 0; i < maxLoginAttempts; i++ {
		_, _, err := s.Login(ctx, testEmail, "wrong", testIP, testUA)
		require.ErrorIs(t, err, ErrInvalidPassword)
	}
	// Even the correct password is refused once the counter trips.
	_, _, err := s.Login(ctx, testEmail, testPassword, testIP, testUA)
	require.ErrorIs(t, err, ErrRateLimited)

	// A different IP is unaffected.
	_, _, err = s.Login(ctx, testEmail, testPassword, "198.51.100.7", testUA)
	require.NoError(t, err)
}

func TestLogin_FailuresEscalateDelayBeforeLockout(t *testing.T) {
	ctx, s, _ := setup(t)
	register(t, ctx, s)

	var delays []time.Duration
	s.SetLoginDelayForTesting(func(ctx context.Context, d time.Duration) {
		delays = append(delays, d)
	})

	for i := 0; i < maxLoginAttempts; i++ {
		_, _, err := s.Login(ctx, testEmail, "wrong", testIP, testUA)
		require.ErrorIs(t, err, ErrInvalidPassword)
	}
	// The first few failures pass without friction, then each one waits
	// a little longer than the last.
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
}

func TestLogin_SuccessClearsAttemptCounter(t *testing.T) {
	ctx, s, _ := setup(t)
	register(t, ctx, s)

	for i := 0; i < maxLoginAttempts-1; i++ {
		_, _, err := s.Login(ctx, testEmail, "wrong", testIP, testUA)
		require.ErrorIs(t, err, ErrInvalidPassword)
	}
	_, _, err := s.Login(ctx, testEmail, testPassword, testIP, testUA)
	require.NoError(t, err)

	// The slate is clean again.
	for i := 0; i < maxLoginAttempts-1; i++ {
		_, _, err := s.Login(ctx, testEmail, "wrong", testIP, testUA)
		require.ErrorIs(t, err, ErrInvalidPassword)
	}
	_, _, err = s.Login(ctx, testEmail, testPassword, testIP, testUA)
	require.NoError(t, err)
}

func TestLoginOAuth_CreatesUserOnFirstLogin(t *testing.T) {
	ctx, s, users := setup(t)
	u, pair, err := s.LoginOAuth(ctx, "google-123", "oauth@example.com", "OAuth Person", "http://avatar", testIP, testUA)
	require.NoError(t, err)
	require.True(t, u.IsEmailVerified)
	require.Empty(t, u.PasswordHash)
	require.NotEmpty(t, pair.AccessToken)

	// Second login reuses the account.
	u2, _, err := s.LoginOAuth(ctx, "google-123", "oauth@example.com", "OAuth Person", "http://avatar", testIP, testUA)
	require.NoError(t, err)
	require.Equal(t, u.ID, u2.ID)
	n, err := users.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestLoginOAuth_AttachesToExistingPasswordAccount(t *testing.T) {
	ctx, s, _ := setup(t)
	u, _ := register(t, ctx, s)
	u2, _, err := s.LoginOAuth(ctx, "google-999", testEmail, "Someone", "", testIP, testUA)
	require.NoError(t, err)
	require.Equal(t, u.ID, u2.ID)
	require.Equal(t, "google-999", u2.GoogleID)
}

func TestRefresh_RotationInvalidatesOldToken(t *testing.T) {
	ctx, s, _ := setup(t)
	_, pair := register(t, ctx, s)

	next, err := s.Refresh(ctx, pair.RefreshToken, testIP, testUA)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// The used refresh token is burned.
	_, err = s.Refresh(ctx, pair.RefreshToken, testIP, testUA)
	require.ErrorIs(t, err, ErrTokenInvalid)

	// The new one works.
	_, err = s.Refresh(ctx, next.RefreshToken, testIP, testUA)
	require.NoError(t, err)
}

func TestRefresh_AccessTokenRejected(t *testing.T) {
	ctx, s, _ := setup(t)
	_, pair := register(t, ctx, s)
	_, err := s.Refresh(ctx, pair.AccessToken, testIP, testUA)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestLogout_BlacklistsTokensAndDropsSession(t *testing.T) {
	ctx, s, _ := setup(t)
	u, pair := register(t, ctx, s)

	require.NoError(t, s.Logout(ctx, pair.AccessToken))

	_, _, err := s.VerifyAccess(ctx, pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = s.Refresh(ctx, pair.RefreshToken, testIP, testUA)
	require.ErrorIs(t, err, ErrTokenInvalid)

	sessions, err := s.Sessions(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestLogoutAll_InvalidatesEveryOutstandingToken(t *testing.T) {
	ctx, s, _ := setup(t)
	u, pair1 := register(t, ctx, s)
	_, pair2, err := s.Login(ctx, testEmail, testPassword, "198.51.100.7", testUA)
	require.NoError(t, err)

	sessions, err := s.Sessions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	require.NoError(t, s.LogoutAll(ctx, u.ID))

	for _, token := range []string{pair1.AccessToken, pair2.AccessToken} {
		_, _, err := s.VerifyAccess(ctx, token)
		require.ErrorIs(t, err, ErrTokenInvalid)
	}
	for _, token := range []string{pair1.RefreshToken, pair2.RefreshToken} {
		_, err := s.Refresh(ctx, token, testIP, testUA)
		require.ErrorIs(t, err, ErrTokenInvalid)
	}
	sessions, err = s.Sessions(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, sessions)

	// A fresh login works and its tokens carry the new version.
	_, pair3, err := s.Login(ctx, testEmail, testPassword, testIP, testUA)
	require.NoError(t, err)
	_, claims, err := s.VerifyAccess(ctx, pair3.AccessToken)
	require.NoError(t, err)
	require.Equal(t, int64(1), claims.TokenVersion)
}

func TestRegister_PasswordIsHashed(t *testing.T) {
	ctx, s, users := setup(t)
	register(t, ctx, s)
	u, err := users.GetByEmail(ctx, testEmail)
	require.NoError(t, err)
	require.NotEqual(t, testPassword, u.PasswordHash)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(testPassword)))
}
