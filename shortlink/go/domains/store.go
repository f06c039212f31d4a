// Package domains defines storage for tenant-owned custom hosts.
package domains

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/shortlink/go/types"
)

var (
	// ErrNotFound is returned when no domain matches the lookup. An
	// inactive or unverified domain is not found by GetActiveByHost.
	ErrNotFound = errors.New("domain not found")
	// ErrDuplicateHost is returned by Create when the host is taken.
	ErrDuplicateHost = errors.New("host already registered")
	// ErrDomainHasLinks is returned by Delete when links still reference
	// the domain; callers must deactivate links first.
	ErrDomainHasLinks = errors.New("domain has active links; deactivate them first")
)

// CreateRequest carries the fields needed to register a Domain. It is
// created pending: inactive and unverified, with a fresh verification
// token.
type CreateRequest struct {
	OwnerUserID      types.UserID
	Host             string
	DisplayName      string
	MonthlyLinkLimit int64
}

// Store persists Domains.
type Store interface {
	// Create registers a new pending domain with a fresh verification
	// token.
	Create(ctx context.Context, req CreateRequest) (*types.Domain, error)

	// GetByID fetches a domain by id.
	GetByID(ctx context.Context, id types.DomainID) (*types.Domain, error)

	// GetActiveByHost returns the domain for a lowercased host only if it
	// is both active and verified.
	GetActiveByHost(ctx context.Context, host string) (*types.Domain, error)

	// ListByOwner returns all domains owned by the user.
	ListByOwner(ctx context.Context, owner types.UserID) ([]*types.Domain, error)

	// MarkVerified promotes the domain to verified and active.
	MarkVerified(ctx context.Context, id types.DomainID, at time.Time) error

	// Update writes the mutable fields (display name, active flag, ssl
	// flag, dns records blob, monthly limit).
	Update(ctx context.Context, d *types.Domain) error

	// Delete removes the domain. Fails with ErrDomainHasLinks when links
	// still reference it.
	Delete(ctx context.Context, id types.DomainID) error

	// IncrementUsage adds one to currentMonthUsage.
	IncrementUsage(ctx context.Context, id types.DomainID) error

	// ResetMonthlyUsage zeroes currentMonthUsage for every domain whose
	// lastUsageReset is before the start of the month containing now, and
	// stamps lastUsageReset. Idempotent within a month; returns the number
	// of domains reset.
	ResetMonthlyUsage(ctx context.Context, now time.Time) (int, error)
}

// GenerateVerificationToken returns a fresh 32-byte hex token.
func GenerateVerificationToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", skerr.Wrap(err)
	}
	return hex.EncodeToString(b), nil
}

// MonthStart returns midnight UTC on the first day of the month
// containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
