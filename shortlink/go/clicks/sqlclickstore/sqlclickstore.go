// Package sqlclickstore implements clicks.Store using an SQL database.
package sqlclickstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sql/pool"
	"go.shortlink.dev/infra/shortlink/go/clicks"
	"go.shortlink.dev/infra/shortlink/go/types"
)

// statement is an SQL statement identifier.
type statement int

const (
	// The identifiers for all the SQL statements used.
	insertClick statement = iota
	hasClickFromIP
	countByLink
	countSince
)

// statements holds all the raw SQL statements.
var statements = map[statement]string{
	insertClick: `
		INSERT INTO
			clicks (id, link_id, ip_address, user_agent, referrer,
				country, city, device_type, browser, os, is_bot, timestamp)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
	hasClickFromIP: `
		SELECT
			COUNT(*)
		FROM
			clicks
		WHERE
			link_id=$1 AND ip_address=$2
		LIMIT 1
	`,
	countByLink: `
		SELECT
			COUNT(*)
		FROM
			clicks
		WHERE
			link_id=$1
	`,
	countSince: `
		SELECT
			COUNT(*)
		FROM
			clicks
		WHERE
			timestamp >= $1
	`,
}

// ClickStore implements the clicks.Store interface using an SQL database.
type ClickStore struct {
	db pool.Pool
}

// New returns a new *ClickStore.
func New(db pool.Pool) *ClickStore {
	return &ClickStore{
		db: db,
	}
}

func args(c *types.Click) []interface{} {
	return []interface{}{
		c.ID, c.LinkID, c.IPAddress, c.UserAgent, c.Referrer, c.Country,
		c.City, c.DeviceType, c.Browser, c.OS, c.IsBot, c.Timestamp,
	}
}

func ensureID(c *types.Click) {
	if c.ID == "" {
		c.ID = types.ClickID(uuid.NewString())
	}
}

// Insert implements clicks.Store.
func (s *ClickStore) Insert(ctx context.Context, c *types.Click) error {
	ensureID(c)
	if _, err := s.db.Exec(ctx, statements[insertClick], args(c)...); err != nil {
		return skerr.Wrapf(err, "inserting click for link %s", c.LinkID)
	}
	return nil
}

// HasClickFromIP implements clicks.Store.
func (s *ClickStore) HasClickFromIP(ctx context.Context, linkID types.LinkID, ip string) (bool, error) {
	var n int
	if err := s.db.QueryRow(ctx, statements[hasClickFromIP], linkID, ip).Scan(&n); err != nil {
		return false, skerr.Wrapf(err, "probing clicks for link %s", linkID)
	}
	return n > 0, nil
}

// CountByLink implements clicks.Store.
func (s *ClickStore) CountByLink(ctx context.Context, linkID types.LinkID) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, statements[countByLink], linkID).Scan(&n); err != nil {
		return 0, skerr.Wrapf(err, "counting clicks for link %s", linkID)
	}
	return n, nil
}

// CountSince implements clicks.Store.
func (s *ClickStore) CountSince(ctx context.Context, t time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, statements[countSince], t).Scan(&n); err != nil {
		return 0, skerr.Wrapf(err, "counting clicks since %s", t)
	}
	return n, nil
}

var _ clicks.Store = (*ClickStore)(nil)
