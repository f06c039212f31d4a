// Package memdomainstore implements domains.Store in memory, for tests
// and local development.
package memdomainstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/shortlink/go/domains"
	"go.shortlink.dev/infra/shortlink/go/types"
)

// LinkCounter reports how many links still reference a domain; the links
// store provides one. A nil counter disables the has-links delete guard.
type LinkCounter func(ctx context.Context, id types.DomainID) (int, error)

// Store implements domains.Store.
type Store struct {
	mutex      sync.RWMutex
	domainsMap map[types.DomainID]*types.Domain
	linkCount  LinkCounter
}

// New returns an empty in-memory domain store.
func New() *Store {
	return &Store{
		domainsMap: map[types.DomainID]*types.Domain{},
	}
}

// SetLinkCounter wires in the delete guard. Called once at composition.
func (s *Store) SetLinkCounter(f LinkCounter) {
	s.linkCount = f
}

// Create implements domains.Store.
func (s *Store) Create(ctx context.Context, req domains.CreateRequest) (*types.Domain, error) {
	host := strings.ToLower(strings.TrimSpace(req.Host))
	token, err := domains.GenerateVerificationToken()
	if err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, d := range s.domainsMap {
		if d.Host == host {
			return nil, skerr.Wrap(domains.ErrDuplicateHost)
		}
	}
	d := &types.Domain{
		ID:                types.DomainID(uuid.NewString()),
		OwnerUserID:       req.OwnerUserID,
		Host:              host,
		DisplayName:       req.DisplayName,
		IsActive:          false,
		IsVerified:        false,
		VerificationToken: token,
		MonthlyLinkLimit:  req.MonthlyLinkLimit,
		LastUsageReset:    domains.MonthStart(now.Now(ctx)),
		CreatedAt:         now.Now(ctx),
	}
	s.domainsMap[d.ID] = d
	cp := *d
	return &cp, nil
}

// GetByID implements domains.Store.
func (s *Store) GetByID(ctx context.Context, id types.DomainID) (*types.Domain, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	d, ok := s.domainsMap[id]
	if !ok {
		return nil, skerr.Wrap(domains.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

// GetActiveByHost implements domains.Store.
func (s *Store) GetActiveByHost(ctx context.Context, host string) (*types.Domain, error) {
	host = strings.ToLower(host)
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, d := range s.domainsMap {
		if d.Host == host && d.IsActive && d.IsVerified {
			cp := *d
			return &cp, nil
		}
	}
	return nil, skerr.Wrap(domains.ErrNotFound)
}

// ListByOwner implements domains.Store.
func (s *Store) ListByOwner(ctx context.Context, owner types.UserID) ([]*types.Domain, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ret := []*types.Domain{}
	for _, d := range s.domainsMap {
		if d.OwnerUserID == owner {
			cp := *d
			ret = append(ret, &cp)
		}
	}
	return ret, nil
}

// MarkVerified implements domains.Store.
func (s *Store) MarkVerified(ctx context.Context, id types.DomainID, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	d, ok := s.domainsMap[id]
	if !ok {
		return skerr.Wrap(domains.ErrNotFound)
	}
	d.IsVerified = true
	d.IsActive = true
	d.VerifiedAt = at
	return nil
}

// Update implements domains.Store.
func (s *Store) Update(ctx context.Context, in *types.Domain) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	d, ok := s.domainsMap[in.ID]
	if !ok {
		return skerr.Wrap(domains.ErrNotFound)
	}
	d.DisplayName = in.DisplayName
	d.IsActive = in.IsActive
	d.SSLEnabled = in.SSLEnabled
	d.DNSRecords = in.DNSRecords
	d.MonthlyLinkLimit = in.MonthlyLinkLimit
	return nil
}

// Delete implements domains.Store.
func (s *Store) Delete(ctx context.Context, id types.DomainID) error {
	if s.linkCount != nil {
		n, err := s.linkCount(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return skerr.Wrap(domains.ErrDomainHasLinks)
		}
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.domainsMap[id]; !ok {
		return skerr.Wrap(domains.ErrNotFound)
	}
	delete(s.domainsMap, id)
	return nil
}

// IncrementUsage implements domains.Store.
func (s *Store) IncrementUsage(ctx context.Context, id types.DomainID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	d, ok := s.domainsMap[id]
	if !ok {
		return skerr.Wrap(domains.ErrNotFound)
	}
	d.CurrentMonthUsage++
	return nil
}

// ResetMonthlyUsage implements domains.Store.
func (s *Store) ResetMonthlyUsage(ctx context.Context, nowTime time.Time) (int, error) {
	monthStart := domains.MonthStart(nowTime)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := 0
	for _, d := range s.domainsMap {
		if d.LastUsageReset.Before(monthStart) {
			d.CurrentMonthUsage = 0
			d.LastUsageReset = monthStart
			n++
		}
	}
	return n, nil
}

var _ domains.Store = (*Store)(nil)
