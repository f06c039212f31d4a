// Package links defines storage for short links.
package links

import (
	"context"
	"errors"
	"time"

	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/shortlink/go/shorturl"
	"go.shortlink.dev/infra/shortlink/go/types"
)

var (
	// ErrNotFound is returned when no link matches the lookup. Soft-deleted
	// links are not found.
	ErrNotFound = errors.New("link not found")
	// ErrDuplicateShortCode is returned by Create when the (code, domain)
	// pair is taken.
	ErrDuplicateShortCode = errors.New("short code already in use")
	// ErrShortCodeExhausted is returned by GenerateUniqueShortCode when it
	// gives up finding a free code.
	ErrShortCodeExhausted = errors.New("could not generate a unique short code")
)

// generateAttempts is the total number of random codes tried before
// giving up; after lengthenAfter collisions the candidate length grows
// by one.
const (
	generateAttempts = 10
	lengthenAfter    = 5
)

// CreateRequest carries the fields needed to create a Link.
type CreateRequest struct {
	OwnerUserID     types.UserID
	DomainID        types.DomainID // empty = system domain
	OriginalURL     string
	ShortCode       string // already validated; CustomCode reflects origin
	CustomCode      bool
	Title           string
	Description     string
	Campaign        string
	Tags            []string
	PasswordHash    string
	ExpiresAt       time.Time
	UTMParameters   map[string]string
	GeoRestrictions types.GeoRestrictions
}

// ListOptions filters and paginates List.
type ListOptions struct {
	// Search matches against title, short code and original URL.
	Search string
	// DomainID filters to one domain when non-nil; a pointer to the empty
	// DomainID selects system-domain links only.
	DomainID *types.DomainID
	Limit    int
	Offset   int
}

// Store persists Links. Deletes are soft: rows keep their click history
// and the short code stays burned.
type Store interface {
	// Create inserts a new active link. The FullShortURL is computed from
	// the resolved host and the short code.
	Create(ctx context.Context, req CreateRequest) (*types.Link, error)

	// GetByID fetches a link by id, including soft-deleted exclusion.
	GetByID(ctx context.Context, id types.LinkID) (*types.Link, error)

	// GetByCodeAndDomain fetches the link for a short code scoped to one
	// domain. The empty DomainID selects the system domain.
	GetByCodeAndDomain(ctx context.Context, code string, domainID types.DomainID) (*types.Link, error)

	// List returns the owner's links, newest first, plus the total count
	// ignoring pagination.
	List(ctx context.Context, owner types.UserID, opts ListOptions) ([]*types.Link, int, error)

	// Update writes the mutable fields of l and recomputes FullShortURL.
	Update(ctx context.Context, l *types.Link) error

	// SoftDelete marks the link deleted. The short code is not reusable.
	SoftDelete(ctx context.Context, id types.LinkID) error

	// IncrementClicks bumps clickCount, bumps uniqueClicks if isUnique, and
	// stamps lastClickAt.
	IncrementClicks(ctx context.Context, id types.LinkID, isUnique bool, at time.Time) error

	// CountActiveByDomain returns the number of non-deleted links on the
	// domain.
	CountActiveByDomain(ctx context.Context, domainID types.DomainID) (int, error)

	// ExistsCode reports whether the (code, domain) pair is taken,
	// including by soft-deleted links.
	ExistsCode(ctx context.Context, code string, domainID types.DomainID) (bool, error)

	// Count returns the total number of non-deleted links.
	Count(ctx context.Context) (int64, error)
}

// GenerateUniqueShortCode draws random codes until one is free on the
// given domain. After several collisions the code length grows by one;
// after generateAttempts total tries it fails with ErrShortCodeExhausted.
func GenerateUniqueShortCode(ctx context.Context, store Store, domainID types.DomainID) (string, error) {
	length := shorturl.DefaultCodeLength
	for attempt := 0; attempt < generateAttempts; attempt++ {
		if attempt == lengthenAfter {
			length++
		}
		code, err := shorturl.RandomCode(length)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		if shorturl.IsReserved(code) {
			continue
		}
		taken, err := store.ExistsCode(ctx, code, domainID)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", skerr.Wrap(ErrShortCodeExhausted)
}
