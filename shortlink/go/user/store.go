// Package user defines storage for user identities.
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.shortlink.dev/infra/shortlink/go/types"
)

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateEmail is returned by Create when the case-folded email is
	// already taken.
	ErrDuplicateEmail = errors.New("email already registered")
)

// CreateRequest carries the fields needed to create a User.
type CreateRequest struct {
	Email           string
	PasswordHash    string
	DisplayName     string
	GoogleID        string
	Avatar          string
	IsEmailVerified bool
}

// Store persists Users. Users are soft-deactivated, never deleted.
type Store interface {
	// Create inserts a new user with RoleUser and IsActive=true.
	Create(ctx context.Context, req CreateRequest) (*types.User, error)

	// GetByID fetches a user by id.
	GetByID(ctx context.Context, id types.UserID) (*types.User, error)

	// GetByEmail fetches a user by case-folded email.
	GetByEmail(ctx context.Context, email string) (*types.User, error)

	// GetByGoogleID fetches a user by OAuth provider id.
	GetByGoogleID(ctx context.Context, googleID string) (*types.User, error)

	// Update writes the mutable profile fields of u.
	Update(ctx context.Context, u *types.User) error

	// UpdateLastSeen stamps lastSeenAt.
	UpdateLastSeen(ctx context.Context, id types.UserID, t time.Time) error

	// BumpTokenVersion atomically increments the user's token version and
	// returns the new value. The version never decreases.
	BumpTokenVersion(ctx context.Context, id types.UserID, loggedOutAt time.Time) (int64, error)

	// SetActive soft-activates or -deactivates the user.
	SetActive(ctx context.Context, id types.UserID, active bool) error

	// Count returns the total number of users.
	Count(ctx context.Context) (int64, error)
}

// NormalizeEmail lowercases and trims an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
