// Package sqllinkstore implements links.Store using an SQL database.
//
// The short URL host is resolved with a LEFT JOIN against the domains
// table; a NULL domain_id means the system domain.
package sqllinkstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sql/pool"
	"go.shortlink.dev/infra/shortlink/go/links"
	"go.shortlink.dev/infra/shortlink/go/shorturl"
	"go.shortlink.dev/infra/shortlink/go/types"
)

// statement is an SQL statement identifier.
type statement int

const (
	// The identifiers for all the SQL statements used.
	insertLink statement = iota
	getByID
	getByCodeAndDomain
	listByOwner
	countByOwner
	updateLink
	softDelete
	incrementClicks
	incrementUniqueClicks
	countActiveByDomain
	existsCode
	countLinks
)

// linkColumns selects every link field plus the resolved host. The
// domains join supplies the host for custom-domain links.
const linkColumns = `
	l.id, l.owner_user_id, l.domain_id, l.original_url, l.short_code,
	l.custom_code, l.title, l.description, l.campaign, l.tags,
	l.password_hash, l.expires_at, l.is_active, l.click_count,
	l.unique_clicks, l.last_click_at, l.utm_parameters, l.url_metadata,
	l.geo_restrictions, l.created_at, d.host`

const linkFrom = `
	FROM
		links l
	LEFT JOIN
		domains d ON l.domain_id = d.id`

// ownerFilter matches non-deleted links for one owner, optionally
// narrowed by search text and domain. The domain filter distinguishes
// "any domain" ($3 false) from "exactly this domain id, empty meaning
// the system domain" ($3 true, $4).
const ownerFilter = `
	WHERE
		l.owner_user_id = $1
		AND l.deleted_at IS NULL
		AND ($2 = '' OR l.title ILIKE '%' || $2 || '%'
			OR l.short_code ILIKE '%' || $2 || '%'
			OR l.original_url ILIKE '%' || $2 || '%')
		AND (NOT $3 OR COALESCE(l.domain_id, '') = $4)`

// statements holds all the raw SQL statements.
var statements = map[statement]string{
	insertLink: `
		INSERT INTO
			links (id, owner_user_id, domain_id, original_url, short_code,
				custom_code, title, description, campaign, tags, password_hash,
				expires_at, is_active, utm_parameters, url_metadata,
				geo_restrictions, full_short_url, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
	getByID: `
		SELECT` + linkColumns + linkFrom + `
		WHERE
			l.id=$1 AND l.deleted_at IS NULL
	`,
	getByCodeAndDomain: `
		SELECT` + linkColumns + linkFrom + `
		WHERE
			l.short_code=$1
			AND COALESCE(l.domain_id, '')=$2
			AND l.deleted_at IS NULL
	`,
	listByOwner: `
		SELECT` + linkColumns + linkFrom + ownerFilter + `
		ORDER BY
			l.created_at DESC
		LIMIT $5 OFFSET $6
	`,
	countByOwner: `
		SELECT
			COUNT(*)` + linkFrom + ownerFilter,
	updateLink: `
		UPDATE
			links
		SET
			(original_url, domain_id, short_code, title, description, campaign,
				tags, password_hash, expires_at, is_active, utm_parameters,
				url_metadata, geo_restrictions, full_short_url) =
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		WHERE
			id=$15 AND deleted_at IS NULL
	`,
	softDelete: `
		UPDATE
			links
		SET
			deleted_at=$1,
			is_active=FALSE
		WHERE
			id=$2 AND deleted_at IS NULL
	`,
	incrementClicks: `
		UPDATE
			links
		SET
			click_count = click_count + 1,
			last_click_at = $1
		WHERE
			id=$2 AND deleted_at IS NULL
	`,
	incrementUniqueClicks: `
		UPDATE
			links
		SET
			click_count = click_count + 1,
			unique_clicks = unique_clicks + 1,
			last_click_at = $1
		WHERE
			id=$2 AND deleted_at IS NULL
	`,
	countActiveByDomain: `
		SELECT
			COUNT(*)
		FROM
			links
		WHERE
			domain_id=$1 AND deleted_at IS NULL
	`,
	existsCode: `
		SELECT
			COUNT(*)
		FROM
			links
		WHERE
			short_code=$1 AND COALESCE(domain_id, '')=$2
	`,
	countLinks: `
		SELECT
			COUNT(*)
		FROM
			links
		WHERE
			deleted_at IS NULL
	`,
}

// uniqueViolation is the SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// LinkStore implements the links.Store interface using an SQL database.
type LinkStore struct {
	db         pool.Pool
	systemHost string
}

// New returns a new *LinkStore. systemHost is the host used for
// FullShortURL on system-domain links.
func New(db pool.Pool, systemHost string) *LinkStore {
	return &LinkStore{
		db:         db,
		systemHost: systemHost,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullableDomainID maps the empty (system) DomainID to a SQL NULL.
func nullableDomainID(id types.DomainID) interface{} {
	if id == "" {
		return nil
	}
	return id
}

func marshalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, skerr.Wrapf(err, "encoding jsonb column")
	}
	return b, nil
}

func (s *LinkStore) scanLink(row pgx.Row) (*types.Link, error) {
	l := &types.Link{}
	var domainID, host, passwordHash *string
	var expiresAt, lastClickAt *time.Time
	var utm, meta, geo []byte
	if err := row.Scan(
		&l.ID,
		&l.OwnerUserID,
		&domainID,
		&l.OriginalURL,
		&l.ShortCode,
		&l.CustomCode,
		&l.Title,
		&l.Description,
		&l.Campaign,
		&l.Tags,
		&passwordHash,
		&expiresAt,
		&l.IsActive,
		&l.ClickCount,
		&l.UniqueClicks,
		&lastClickAt,
		&utm,
		&meta,
		&geo,
		&l.CreatedAt,
		&host,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, skerr.Wrap(links.ErrNotFound)
		}
		return nil, skerr.Wrapf(err, "scanning link row")
	}
	if domainID != nil {
		l.DomainID = types.DomainID(*domainID)
	}
	if passwordHash != nil {
		l.PasswordHash = *passwordHash
	}
	if expiresAt != nil {
		l.ExpiresAt = *expiresAt
	}
	if lastClickAt != nil {
		l.LastClickAt = *lastClickAt
	}
	if len(utm) > 0 {
		if err := json.Unmarshal(utm, &l.UTMParameters); err != nil {
			return nil, skerr.Wrapf(err, "decoding utm_parameters")
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &l.URLMetadata); err != nil {
			return nil, skerr.Wrapf(err, "decoding url_metadata")
		}
	}
	if len(geo) > 0 {
		if err := json.Unmarshal(geo, &l.GeoRestrictions); err != nil {
			return nil, skerr.Wrapf(err, "decoding geo_restrictions")
		}
	}
	resolvedHost := s.systemHost
	if host != nil {
		resolvedHost = *host
	}
	l.FullShortURL = shorturl.FullShortURL(resolvedHost, l.ShortCode)
	return l, nil
}

func (s *LinkStore) hostFor(ctx context.Context, domainID types.DomainID) (string, error) {
	if domainID == "" {
		return s.systemHost, nil
	}
	var host string
	if err := s.db.QueryRow(ctx, `SELECT host FROM domains WHERE id=$1`, domainID).Scan(&host); err != nil {
		return "", skerr.Wrapf(err, "resolving host for domain %s", domainID)
	}
	return host, nil
}

// Create implements links.Store.
func (s *LinkStore) Create(ctx context.Context, req links.CreateRequest) (*types.Link, error) {
	host, err := s.hostFor(ctx, req.DomainID)
	if err != nil {
		return nil, err
	}
	l := &types.Link{
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
	utm, err := marshalJSON(l.UTMParameters)
	if err != nil {
		return nil, err
	}
	meta, err := marshalJSON(l.URLMetadata)
	if err != nil {
		return nil, err
	}
	geo, err := marshalJSON(l.GeoRestrictions)
	if err != nil {
		return nil, err
	}
	var expiresAt *time.Time
	if !l.ExpiresAt.IsZero() {
		expiresAt = &l.ExpiresAt
	}
	if _, err := s.db.Exec(ctx, statements[insertLink],
		l.ID, l.OwnerUserID, nullableDomainID(l.DomainID), l.OriginalURL,
		l.ShortCode, l.CustomCode, l.Title, l.Description, l.Campaign,
		l.Tags, l.PasswordHash, expiresAt, l.IsActive, utm, meta, geo,
		l.FullShortURL, l.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, skerr.Wrap(links.ErrDuplicateShortCode)
		}
		return nil, skerr.Wrapf(err, "inserting link %s", l.ShortCode)
	}
	return l, nil
}

// GetByID implements links.Store.
func (s *LinkStore) GetByID(ctx context.Context, id types.LinkID) (*types.Link, error) {
	return s.scanLink(s.db.QueryRow(ctx, statements[getByID], id))
}

// GetByCodeAndDomain implements links.Store.
func (s *LinkStore) GetByCodeAndDomain(ctx context.Context, code string, domainID types.DomainID) (*types.Link, error) {
	return s.scanLink(s.db.QueryRow(ctx, statements[getByCodeAndDomain], code, string(domainID)))
}

// List implements links.Store.
func (s *LinkStore) List(ctx context.Context, owner types.UserID, opts links.ListOptions) ([]*types.Link, int, error) {
	filterDomain := opts.DomainID != nil
	domainID := ""
	if filterDomain {
		domainID = string(*opts.DomainID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := s.db.QueryRow(ctx, statements[countByOwner],
		owner, opts.Search, filterDomain, domainID).Scan(&total); err != nil {
		return nil, 0, skerr.Wrapf(err, "counting links for %s", owner)
	}
	rows, err := s.db.Query(ctx, statements[listByOwner],
		owner, opts.Search, filterDomain, domainID, limit, opts.Offset)
	if err != nil {
		return nil, 0, skerr.Wrapf(err, "listing links for %s", owner)
	}
	defer rows.Close()
	ret := []*types.Link{}
	for rows.Next() {
		l, err := s.scanLink(rows)
		if err != nil {
			return nil, 0, err
		}
		ret = append(ret, l)
	}
	return ret, total, skerr.Wrap(rows.Err())
}

// Update implements links.Store.
func (s *LinkStore) Update(ctx context.Context, l *types.Link) error {
	host, err := s.hostFor(ctx, l.DomainID)
	if err != nil {
		return err
	}
	l.FullShortURL = shorturl.FullShortURL(host, l.ShortCode)
	utm, err := marshalJSON(l.UTMParameters)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(l.URLMetadata)
	if err != nil {
		return err
	}
	geo, err := marshalJSON(l.GeoRestrictions)
	if err != nil {
		return err
	}
	var expiresAt *time.Time
	if !l.ExpiresAt.IsZero() {
		expiresAt = &l.ExpiresAt
	}
	tag, err := s.db.Exec(ctx, statements[updateLink],
		l.OriginalURL, nullableDomainID(l.DomainID), l.ShortCode, l.Title,
		l.Description, l.Campaign, l.Tags, l.PasswordHash, expiresAt,
		l.IsActive, utm, meta, geo, l.FullShortURL, l.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return skerr.Wrap(links.ErrDuplicateShortCode)
		}
		return skerr.Wrapf(err, "updating link %s", l.ID)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrap(links.ErrNotFound)
	}
	return nil
}

// SoftDelete implements links.Store.
func (s *LinkStore) SoftDelete(ctx context.Context, id types.LinkID) error {
	tag, err := s.db.Exec(ctx, statements[softDelete], now.Now(ctx), id)
	if err != nil {
		return skerr.Wrapf(err, "soft-deleting link %s", id)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrap(links.ErrNotFound)
	}
	return nil
}

// IncrementClicks implements links.Store.
func (s *LinkStore) IncrementClicks(ctx context.Context, id types.LinkID, isUnique bool, at time.Time) error {
	stmt := statements[incrementClicks]
	if isUnique {
		stmt = statements[incrementUniqueClicks]
	}
	tag, err := s.db.Exec(ctx, stmt, at, id)
	if err != nil {
		return skerr.Wrapf(err, "incrementing clicks for %s", id)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrap(links.ErrNotFound)
	}
	return nil
}

// CountActiveByDomain implements links.Store.
func (s *LinkStore) CountActiveByDomain(ctx context.Context, domainID types.DomainID) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, statements[countActiveByDomain], domainID).Scan(&n); err != nil {
		return 0, skerr.Wrapf(err, "counting links on domain %s", domainID)
	}
	return n, nil
}

// ExistsCode implements links.Store.
func (s *LinkStore) ExistsCode(ctx context.Context, code string, domainID types.DomainID) (bool, error) {
	var n int
	if err := s.db.QueryRow(ctx, statements[existsCode], code, string(domainID)).Scan(&n); err != nil {
		return false, skerr.Wrapf(err, "checking code %s", code)
	}
	return n > 0, nil
}

// Count implements links.Store.
func (s *LinkStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, statements[countLinks]).Scan(&n); err != nil {
		return 0, skerr.Wrapf(err, "counting links")
	}
	return n, nil
}

var _ links.Store = (*LinkStore)(nil)
