// Package memuserstore implements user.Store in memory, for tests and
// local development.
package memuserstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/shortlink/go/types"
	"go.shortlink.dev/infra/shortlink/go/user"
)

// Store implements user.Store.
type Store struct {
	mutex sync.RWMutex
	users map[types.UserID]*types.User
}

// New returns an empty in-memory user store.
func New() *Store {
	return &Store{
		users: map[types.UserID]*types.User{},
	}
}

// Create implements user.Store.
func (s *Store) Create(ctx context.Context, req user.CreateRequest) (*types.User, error) {
	email := user.NormalizeEmail(req.Email)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return nil, skerr.Wrap(user.ErrDuplicateEmail)
		}
	}
	u := &types.User{
		ID:              types.UserID(uuid.NewString()),
		Email:           email,
		PasswordHash:    req.PasswordHash,
		DisplayName:     req.DisplayName,
		Role:            types.RoleUser,
		IsActive:        true,
		IsEmailVerified: req.IsEmailVerified,
		GoogleID:        req.GoogleID,
		Avatar:          req.Avatar,
		TokenVersion:    0,
		CreatedAt:       now.Now(ctx),
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

// GetByID implements user.Store.
func (s *Store) GetByID(ctx context.Context, id types.UserID) (*types.User, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, skerr.Wrap(user.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

// GetByEmail implements user.Store.
func (s *Store) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	email = user.NormalizeEmail(email)
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, skerr.Wrap(user.ErrNotFound)
}

// GetByGoogleID implements user.Store.
func (s *Store) GetByGoogleID(ctx context.Context, googleID string) (*types.User, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, u := range s.users {
		if u.GoogleID != "" && u.GoogleID == googleID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, skerr.Wrap(user.ErrNotFound)
}

// Update implements user.Store.
func (s *Store) Update(ctx context.Context, u *types.User) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	stored, ok := s.users[u.ID]
	if !ok {
		return skerr.Wrap(user.ErrNotFound)
	}
	stored.DisplayName = u.DisplayName
	stored.Avatar = u.Avatar
	stored.PasswordHash = u.PasswordHash
	stored.GoogleID = u.GoogleID
	stored.IsEmailVerified = u.IsEmailVerified
	return nil
}

// UpdateLastSeen implements user.Store.
func (s *Store) UpdateLastSeen(ctx context.Context, id types.UserID, t time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	u, ok := s.users[id]
	if !ok {
		return skerr.Wrap(user.ErrNotFound)
	}
	u.LastSeenAt = t
	return nil
}

// BumpTokenVersion implements user.Store.
func (s *Store) BumpTokenVersion(ctx context.Context, id types.UserID, loggedOutAt time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, skerr.Wrap(user.ErrNotFound)
	}
	u.TokenVersion++
	u.LastLogoutAt = loggedOutAt
	return u.TokenVersion, nil
}

// SetActive implements user.Store.
func (s *Store) SetActive(ctx context.Context, id types.UserID, active bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	u, ok := s.users[id]
	if !ok {
		return skerr.Wrap(user.ErrNotFound)
	}
	u.IsActive = active
	return nil
}

// Count implements user.Store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return int64(len(s.users)), nil
}

var _ user.Store = (*Store)(nil)
