// Package memlinkstore implements links.Store in memory, for tests and
// local development.
package memlinkstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/shortlink/go/domains"
	"go.shortlink.dev/infra/shortlink/go/links"
	"go.shortlink.dev/infra/shortlink/go/shorturl"
	"go.shortlink.dev/infra/shortlink/go/types"
)

type entry struct {
	link    types.Link
	deleted bool
}

// Store implements links.Store.
type Store struct {
	mutex      sync.RWMutex
	linksMap   map[types.LinkID]*entry
	systemHost string
	domains    domains.Store
}

// New returns an empty in-memory link store. systemHost is the host used
// for FullShortURL on system-domain links; domainStore resolves custom
// hosts and may be nil when only system-domain links are used.
func New(systemHost string, domainStore domains.Store) *Store {
	return &Store{
		linksMap:   map[types.LinkID]*entry{},
		systemHost: systemHost,
		domains:    domainStore,
	}
}

func (s *Store) hostFor(ctx context.Context, domainID types.DomainID) (string, error) {
	if domainID == "" {
		return s.systemHost, nil
	}
	d, err := s.domains.GetByID(ctx, domainID)
	if err != nil {
		return "", skerr.Wrapf(err, "resolving host for domain %s", domainID)
	}
	return d.Host, nil
}

// Create implements links.Store.
func (s *Store) Create(ctx context.Context, req links.CreateRequest) (*types.Link, error) {
	host, err := s.hostFor(ctx, req.DomainID)
	if err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, e := range s.linksMap {
		if e.link.ShortCode == req.ShortCode && e.link.DomainID == req.DomainID {
			return nil, skerr.Wrap(links.ErrDuplicateShortCode)
		}
	}
	l := types.Link{
		ID:              types.LinkID(uuid.NewString()),
		OwnerUserID:     req.OwnerUserID,
		DomainID:        req.DomainID,
		OriginalURL:     req.OriginalURL,
		ShortCode:       req.ShortCode,
		CustomCode:      req.CustomCode,
		Title:           req.Title,
		Description:     req.Description,
		Campaign:        req.Campaign,
		Tags:            req.Tags,
		PasswordHash:    req.PasswordHash,
		ExpiresAt:       req.ExpiresAt,
		IsActive:        true,
		UTMParameters:   req.UTMParameters,
		GeoRestrictions: req.GeoRestrictions,
		FullShortURL:    shorturl.FullShortURL(host, req.ShortCode),
		CreatedAt:       now.Now(ctx),
	}
	s.linksMap[l.ID] = &entry{link: l}
	cp := l
	return &cp, nil
}

// GetByID implements links.Store.
func (s *Store) GetByID(ctx context.Context, id types.LinkID) (*types.Link, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.linksMap[id]
	if !ok || e.deleted {
		return nil, skerr.Wrap(links.ErrNotFound)
	}
	cp := e.link
	return &cp, nil
}

// GetByCodeAndDomain implements links.Store.
func (s *Store) GetByCodeAndDomain(ctx context.Context, code string, domainID types.DomainID) (*types.Link, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, e := range s.linksMap {
		if !e.deleted && e.link.ShortCode == code && e.link.DomainID == domainID {
			cp := e.link
			return &cp, nil
		}
	}
	return nil, skerr.Wrap(links.ErrNotFound)
}

func matchesSearch(l *types.Link, search string) bool {
	if search == "" {
		return true
	}
	search = strings.ToLower(search)
	return strings.Contains(strings.ToLower(l.Title), search) ||
		strings.Contains(strings.ToLower(l.ShortCode), search) ||
		strings.Contains(strings.ToLower(l.OriginalURL), search)
}

// List implements links.Store.
func (s *Store) List(ctx context.Context, owner types.UserID, opts links.ListOptions) ([]*types.Link, int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	matched := []*types.Link{}
	for _, e := range s.linksMap {
		if e.deleted || e.link.OwnerUserID != owner {
			continue
		}
		if opts.DomainID != nil && e.link.DomainID != *opts.DomainID {
			continue
		}
		if !matchesSearch(&e.link, opts.Search) {
			continue
		}
		cp := e.link
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, total, nil
}

// Update implements links.Store.
func (s *Store) Update(ctx context.Context, l *types.Link) error {
	host, err := s.hostFor(ctx, l.DomainID)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.linksMap[l.ID]
	if !ok || e.deleted {
		return skerr.Wrap(links.ErrNotFound)
	}
	stored := &e.link
	stored.OriginalURL = l.OriginalURL
	stored.DomainID = l.DomainID
	stored.ShortCode = l.ShortCode
	stored.Title = l.Title
	stored.Description = l.Description
	stored.Campaign = l.Campaign
	stored.Tags = l.Tags
	stored.PasswordHash = l.PasswordHash
	stored.ExpiresAt = l.ExpiresAt
	stored.IsActive = l.IsActive
	stored.UTMParameters = l.UTMParameters
	stored.URLMetadata = l.URLMetadata
	stored.GeoRestrictions = l.GeoRestrictions
	stored.FullShortURL = shorturl.FullShortURL(host, l.ShortCode)
	l.FullShortURL = stored.FullShortURL
	return nil
}

// SoftDelete implements links.Store.
func (s *Store) SoftDelete(ctx context.Context, id types.LinkID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.linksMap[id]
	if !ok || e.deleted {
		return skerr.Wrap(links.ErrNotFound)
	}
	e.deleted = true
	return nil
}

// IncrementClicks implements links.Store.
func (s *Store) IncrementClicks(ctx context.Context, id types.LinkID, isUnique bool, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.linksMap[id]
	if !ok || e.deleted {
		return skerr.Wrap(links.ErrNotFound)
	}
	e.link.ClickCount++
	if isUnique {
		e.link.UniqueClicks++
	}
	e.link.LastClickAt = at
	return nil
}

// CountActiveByDomain implements links.Store.
func (s *Store) CountActiveByDomain(ctx context.Context, domainID types.DomainID) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	n := 0
	for _, e := range s.linksMap {
		if !e.deleted && e.link.DomainID == domainID {
			n++
		}
	}
	return n, nil
}

// ExistsCode implements links.Store.
func (s *Store) ExistsCode(ctx context.Context, code string, domainID types.DomainID) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, e := range s.linksMap {
		// Soft-deleted links still burn their code.
		if e.link.ShortCode == code && e.link.DomainID == domainID {
			return true, nil
		}
	}
	return false, nil
}

// Count implements links.Store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var n int64
	for _, e := range s.linksMap {
		if !e.deleted {
			n++
		}
	}
	return n, nil
}

var _ links.Store = (*Store)(nil)
