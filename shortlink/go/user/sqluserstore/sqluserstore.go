// Package sqluserstore implements user.Store using an SQL database.
package sqluserstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sql/pool"
	"go.shortlink.dev/infra/shortlink/go/types"
	"go.shortlink.dev/infra/shortlink/go/user"
)

// statement is an SQL statement identifier.
type statement int

const (
	// The identifiers for all the SQL statements used.
	insertUser statement = iota
	getByID
	getByEmail
	getByGoogleID
	updateUser
	updateLastSeen
	bumpTokenVersion
	setActive
	countUsers
)

const userColumns = `
	id, email, password_hash, display_name, role, is_active,
	is_email_verified, google_id, avatar, token_version, last_seen_at,
	last_logout_at, created_at`

// statements holds all the raw SQL statements.
var statements = map[statement]string{
	insertUser: `
		INSERT INTO
			users (id, email, password_hash, display_name, role, is_active,
				is_email_verified, google_id, avatar, token_version, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
	getByID: `
		SELECT` + userColumns + `
		FROM
			users
		WHERE
			id=$1
	`,
	getByEmail: `
		SELECT` + userColumns + `
		FROM
			users
		WHERE
			email=$1
	`,
	getByGoogleID: `
		SELECT` + userColumns + `
		FROM
			users
		WHERE
			google_id=$1
	`,
	updateUser: `
		UPDATE
			users
		SET
			(display_name, avatar, password_hash, google_id, is_email_verified) = ($1, $2, $3, $4, $5)
		WHERE
			id=$6
	`,
	updateLastSeen: `
		UPDATE
			users
		SET
			last_seen_at=$1
		WHERE
			id=$2
	`,
	bumpTokenVersion: `
		UPDATE
			users
		SET
			token_version = token_version + 1,
			last_logout_at = $1
		WHERE
			id=$2
		RETURNING
			token_version
	`,
	setActive: `
		UPDATE
			users
		SET
			is_active=$1
		WHERE
			id=$2
	`,
	countUsers: `
		SELECT
			COUNT(*)
		FROM
			users
	`,
}

// uniqueViolation is the SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// UserStore implements the user.Store interface using an SQL database.
type UserStore struct {
	db pool.Pool
}

// New returns a new *UserStore.
func New(db pool.Pool) *UserStore {
	return &UserStore{
		db: db,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanUser(row pgx.Row) (*types.User, error) {
	u := &types.User{}
	var lastSeen, lastLogout *time.Time
	if err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.DisplayName,
		&u.Role,
		&u.IsActive,
		&u.IsEmailVerified,
		&u.GoogleID,
		&u.Avatar,
		&u.TokenVersion,
		&lastSeen,
		&lastLogout,
		&u.CreatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, skerr.Wrap(user.ErrNotFound)
		}
		return nil, skerr.Wrapf(err, "scanning user row")
	}
	if lastSeen != nil {
		u.LastSeenAt = *lastSeen
	}
	if lastLogout != nil {
		u.LastLogoutAt = *lastLogout
	}
	return u, nil
}

// Create implements user.Store.
func (s *UserStore) Create(ctx context.Context, req user.CreateRequest) (*types.User, error) {
	u := &types.User{
		ID:              types.UserID(uuid.NewString()),
		Email:           user.NormalizeEmail(req.Email),
		PasswordHash:    req.PasswordHash,
		DisplayName:     req.DisplayName,
		Role:            types.RoleUser,
		IsActive:        true,
		IsEmailVerified: req.IsEmailVerified,
		GoogleID:        req.GoogleID,
		Avatar:          req.Avatar,
		CreatedAt:       now.Now(ctx),
	}
	if _, err := s.db.Exec(ctx, statements[insertUser],
		u.ID, u.Email, u.PasswordHash, u.DisplayName, u.Role, u.IsActive,
		u.IsEmailVerified, u.GoogleID, u.Avatar, u.TokenVersion, u.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, skerr.Wrap(user.ErrDuplicateEmail)
		}
		return nil, skerr.Wrapf(err, "inserting user")
	}
	return u, nil
}

// GetByID implements user.Store.
func (s *UserStore) GetByID(ctx context.Context, id types.UserID) (*types.User, error) {
	return scanUser(s.db.QueryRow(ctx, statements[getByID], id))
}

// GetByEmail implements user.Store.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	return scanUser(s.db.QueryRow(ctx, statements[getByEmail], user.NormalizeEmail(email)))
}

// GetByGoogleID implements user.Store.
func (s *UserStore) GetByGoogleID(ctx context.Context, googleID string) (*types.User, error) {
	return scanUser(s.db.QueryRow(ctx, statements[getByGoogleID], googleID))
}

// Update implements user.Store.
func (s *UserStore) Update(ctx context.Context, u *types.User) error {
	tag, err := s.db.Exec(ctx, statements[updateUser],
		u.DisplayName, u.Avatar, u.PasswordHash, u.GoogleID, u.IsEmailVerified, u.ID)
	if err != nil {
		return skerr.Wrapf(err, "updating user %s", u.ID)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrap(user.ErrNotFound)
	}
	return nil
}

// UpdateLastSeen implements user.Store.
func (s *UserStore) UpdateLastSeen(ctx context.Context, id types.UserID, t time.Time) error {
	if _, err := s.db.Exec(ctx, statements[updateLastSeen], t, id); err != nil {
		return skerr.Wrapf(err, "stamping last_seen_at for %s", id)
	}
	return nil
}

// BumpTokenVersion implements user.Store.
func (s *UserStore) BumpTokenVersion(ctx context.Context, id types.UserID, loggedOutAt time.Time) (int64, error) {
	var version int64
	if err := s.db.QueryRow(ctx, statements[bumpTokenVersion], loggedOutAt, id).Scan(&version); err != nil {
		if err == pgx.ErrNoRows {
			return 0, skerr.Wrap(user.ErrNotFound)
		}
		return 0, skerr.Wrapf(err, "bumping token version for %s", id)
	}
	return version, nil
}

// SetActive implements user.Store.
func (s *UserStore) SetActive(ctx context.Context, id types.UserID, active bool) error {
	tag, err := s.db.Exec(ctx, statements[setActive], active, id)
	if err != nil {
		return skerr.Wrapf(err, "setting is_active for %s", id)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrap(user.ErrNotFound)
	}
	return nil
}

// Count implements user.Store.
func (s *UserStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, statements[countUsers]).Scan(&n); err != nil {
		return 0, skerr.Wrapf(err, "counting users")
	}
	return n, nil
}

var _ user.Store = (*UserStore)(nil)
