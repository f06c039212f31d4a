// Package clicks defines storage for click records, the system of record
// behind the analytics index.
package clicks

import (
	"context"
	"time"

	"go.shortlink.dev/infra/shortlink/go/types"
)

// Store persists Clicks. Rows are append-only; there is no update or
// delete surface.
type Store interface {
	// Insert appends one click.
	Insert(ctx context.Context, c *types.Click) error

	// HasClickFromIP reports whether the link has already been visited from
	// the IP. Callers treat an error as "unknown", which makes the visit
	// count as non-unique.
	HasClickFromIP(ctx context.Context, linkID types.LinkID, ip string) (bool, error)

	// CountByLink returns the number of clicks recorded for the link.
	CountByLink(ctx context.Context, linkID types.LinkID) (int64, error)

	// CountSince returns the number of clicks recorded at or after t.
	CountSince(ctx context.Context, t time.Time) (int64, error)
}
