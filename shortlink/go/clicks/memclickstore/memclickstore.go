// Package memclickstore implements clicks.Store in memory, for tests and
// local development.
package memclickstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.shortlink.dev/infra/shortlink/go/clicks"
	"go.shortlink.dev/infra/shortlink/go/types"
)

// Store implements clicks.Store.
type Store struct {
	mutex  sync.RWMutex
	clicks []types.Click
}

// New returns an empty in-memory click store.
func New() *Store {
	return &Store{}
}

// Insert implements clicks.Store.
func (s *Store) Insert(ctx context.Context, c *types.Click) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cp := *c
	if cp.ID == "" {
		cp.ID = types.ClickID(uuid.NewString())
		c.ID = cp.ID
	}
	s.clicks = append(s.clicks, cp)
	return nil
}

// HasClickFromIP implements clicks.Store.
func (s *Store) HasClickFromIP(ctx context.Context, linkID types.LinkID, ip string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for i := range s.clicks {
		if s.clicks[i].LinkID == linkID && s.clicks[i].IPAddress == ip {
			return true, nil
		}
	}
	return false, nil
}

// CountByLink implements clicks.Store.
func (s *Store) CountByLink(ctx context.Context, linkID types.LinkID) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var n int64
	for i := range s.clicks {
		if s.clicks[i].LinkID == linkID {
			n++
		}
	}
	return n, nil
}

// CountSince implements clicks.Store.
func (s *Store) CountSince(ctx context.Context, t time.Time) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var n int64
	for i := range s.clicks {
		if !s.clicks[i].Timestamp.Before(t) {
			n++
		}
	}
	return n, nil
}

var _ clicks.Store = (*Store)(nil)
