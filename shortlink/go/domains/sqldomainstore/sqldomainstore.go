// Package sqldomainstore implements domains.Store using an SQL database.
package sqldomainstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sql/pool"
	"go.shortlink.dev/infra/shortlink/go/domains"
	"go.shortlink.dev/infra/shortlink/go/types"
)

// statement is an SQL statement identifier.
type statement int

const (
	// The identifiers for all the SQL statements used.
	insertDomain statement = iota
	getByID
	getActiveByHost
	listByOwner
	markVerified
	updateDomain
	deleteDomain
	countLinks
	incrementUsage
	resetMonthlyUsage
)

const domainColumns = `
	id, owner_user_id, host, display_name, is_active, is_verified,
	verification_token, verified_at, ssl_enabled, dns_records,
	monthly_link_limit, current_month_usage, last_usage_reset, created_at`

// statements holds all the raw SQL statements.
var statements = map[statement]string{
	insertDomain: `
		INSERT INTO
			domains (id, owner_user_id, host, display_name, is_active,
				is_verified, verification_token, monthly_link_limit,
				current_month_usage, last_usage_reset, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
	getByID: `
		SELECT` + domainColumns + `
		FROM
			domains
		WHERE
			id=$1
	`,
	getActiveByHost: `
		SELECT` + domainColumns + `
		FROM
			domains
		WHERE
			host=$1 AND is_active AND is_verified
	`,
	listByOwner: `
		SELECT` + domainColumns + `
		FROM
			domains
		WHERE
			owner_user_id=$1
		ORDER BY
			created_at DESC
	`,
	markVerified: `
		UPDATE
			domains
		SET
			is_verified=TRUE,
			is_active=TRUE,
			verified_at=$1
		WHERE
			id=$2
	`,
	updateDomain: `
		UPDATE
			domains
		SET
			(display_name, is_active, ssl_enabled, dns_records, monthly_link_limit) = ($1, $2, $3, $4, $5)
		WHERE
			id=$6
	`,
	deleteDomain: `
		DELETE FROM
			domains
		WHERE
			id=$1
	`,
	countLinks: `
		SELECT
			COUNT(*)
		FROM
			links
		WHERE
			domain_id=$1 AND deleted_at IS NULL
	`,
	incrementUsage: `
		UPDATE
			domains
		SET
			current_month_usage = current_month_usage + 1
		WHERE
			id=$1
	`,
	resetMonthlyUsage: `
		UPDATE
			domains
		SET
			current_month_usage = 0,
			last_usage_reset = $1
		WHERE
			last_usage_reset < $1
	`,
}

// uniqueViolation is the SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// DomainStore implements the domains.Store interface using an SQL
// database.
type DomainStore struct {
	db pool.Pool
}

// New returns a new *DomainStore.
func New(db pool.Pool) *DomainStore {
	return &DomainStore{
		db: db,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanDomain(row pgx.Row) (*types.Domain, error) {
	d := &types.Domain{}
	var verifiedAt *time.Time
	var dnsRecords *string
	if err := row.Scan(
		&d.ID,
		&d.OwnerUserID,
		&d.Host,
		&d.DisplayName,
		&d.IsActive,
		&d.IsVerified,
		&d.VerificationToken,
		&verifiedAt,
		&d.SSLEnabled,
		&dnsRecords,
		&d.MonthlyLinkLimit,
		&d.CurrentMonthUsage,
		&d.LastUsageReset,
		&d.CreatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, skerr.Wrap(domains.ErrNotFound)
		}
		return nil, skerr.Wrapf(err, "scanning domain row")
	}
	if verifiedAt != nil {
		d.VerifiedAt = *verifiedAt
	}
	if dnsRecords != nil {
		d.DNSRecords = *dnsRecords
	}
	return d, nil
}

// Create implements domains.Store.
func (s *DomainStore) Create(ctx context.Context, req domains.CreateRequest) (*types.Domain, error) {
	token, err := domains.GenerateVerificationToken()
	if err != nil {
		return nil, err
	}
	d := &types.Domain{
		ID:                types.DomainID(uuid.NewString()),
		OwnerUserID:       req.OwnerUserID,
		Host:              strings.ToLower(strings.TrimSpace(req.Host)),
		DisplayName:       req.DisplayName,
		IsActive:          false,
		IsVerified:        false,
		VerificationToken: token,
		MonthlyLinkLimit:  req.MonthlyLinkLimit,
		LastUsageReset:    domains.MonthStart(now.Now(ctx)),
		CreatedAt:         now.Now(ctx),
	}
	if _, err := s.db.Exec(ctx, statements[insertDomain],
		d.ID, d.OwnerUserID, d.Host, d.DisplayName, d.IsActive, d.IsVerified,
		d.VerificationToken, d.MonthlyLinkLimit, d.CurrentMonthUsage,
		d.LastUsageReset, d.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, skerr.Wrap(domains.ErrDuplicateHost)
		}
		return nil, skerr.Wrapf(err, "inserting domain %s", d.Host)
	}
	return d, nil
}

// GetByID implements domains.Store.
func (s *DomainStore) GetByID(ctx context.Context, id types.DomainID) (*types.Domain, error) {
	return scanDomain(s.db.QueryRow(ctx, statements[getByID], id))
}

// GetActiveByHost implements domains.Store.
func (s *DomainStore) GetActiveByHost(ctx context.Context, host string) (*types.Domain, error) {
	return scanDomain(s.db.QueryRow(ctx, statements[getActiveByHost], strings.ToLower(host)))
}

// ListByOwner implements domains.Store.
func (s *DomainStore) ListByOwner(ctx context.Context, owner types.UserID) ([]*types.Domain, error) {
	rows, err := s.db.Query(ctx, statements[listByOwner], owner)
	if err != nil {
		return nil, skerr.Wrapf(err, "listing domains for %s", owner)
	}
	defer rows.Close()
	ret := []*types.Domain{}
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, d)
	}
	return ret, skerr.Wrap(rows.Err())
}

// MarkVerified implements domains.Store.
func (s *DomainStore) MarkVerified(ctx context.Context, id types.DomainID, at time.Time) error {
	tag, err := s.db.Exec(ctx, statements[markVerified], at, id)
	if err != nil {
		return skerr.Wrapf(err, "marking domain %s verified", id)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrap(domains.ErrNotFound)
	}
	return nil
}

// Update implements domains.Store.
func (s *DomainStore) Update(ctx context.Context, d *types.Domain) error {
	tag, err := s.db.Exec(ctx, statements[updateDomain],
		d.DisplayName, d.IsActive, d.SSLEnabled, d.DNSRecords, d.MonthlyLinkLimit, d.ID)
	if err != nil {
		return skerr.Wrapf(err, "updating domain %s", d.ID)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrap(domains.ErrNotFound)
	}
	return nil
}

// Delete implements domains.Store.
func (s *DomainStore) Delete(ctx context.Context, id types.DomainID) error {
	var n int64
	if err := s.db.QueryRow(ctx, statements[countLinks], id).Scan(&n); err != nil {
		return skerr.Wrapf(err, "counting links for domain %s", id)
	}
	if n > 0 {
		return skerr.Wrap(domains.ErrDomainHasLinks)
	}
	tag, err := s.db.Exec(ctx, statements[deleteDomain], id)
	if err != nil {
		return skerr.Wrapf(err, "deleting domain %s", id)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrap(domains.ErrNotFound)
	}
	return nil
}

// IncrementUsage implements domains.Store.
func (s *DomainStore) IncrementUsage(ctx context.Context, id types.DomainID) error {
	tag, err := s.db.Exec(ctx, statements[incrementUsage], id)
	if err != nil {
		return skerr.Wrapf(err, "incrementing usage for domain %s", id)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrap(domains.ErrNotFound)
	}
	return nil
}

// ResetMonthlyUsage implements domains.Store.
func (s *DomainStore) ResetMonthlyUsage(ctx context.Context, nowTime time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, statements[resetMonthlyUsage], domains.MonthStart(nowTime))
	if err != nil {
		return 0, skerr.Wrapf(err, "resetting monthly domain usage")
	}
	return int(tag.RowsAffected()), nil
}

var _ domains.Store = (*DomainStore)(nil)
