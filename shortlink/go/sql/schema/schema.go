// Package schema defines the SQL schema of the primary store.
package schema

import (
	"context"

	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sql/pool"
)

// Schema is the DDL for all tables. Statements are idempotent so Apply
// can run at every startup.
//
// Deletes on links and domains are soft (deleted_at); clicks are
// append-only and cascade away with their link. A NULL links.domain_id
// means the system domain, which is why the short-code uniqueness index
// goes through COALESCE.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	password_hash TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'user',
	is_active BOOL NOT NULL DEFAULT TRUE,
	is_email_verified BOOL NOT NULL DEFAULT FALSE,
	google_id TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT '',
	token_version INT8 NOT NULL DEFAULT 0,
	last_seen_at TIMESTAMPTZ,
	last_logout_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_unique ON users (lower(email));
CREATE INDEX IF NOT EXISTS users_google_id ON users (google_id) WHERE google_id != '';

CREATE TABLE IF NOT EXISTS domains (
	id TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	host TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	is_active BOOL NOT NULL DEFAULT FALSE,
	is_verified BOOL NOT NULL DEFAULT FALSE,
	verification_token TEXT NOT NULL,
	verified_at TIMESTAMPTZ,
	dns_records TEXT,
	ssl_enabled BOOL NOT NULL DEFAULT FALSE,
	monthly_link_limit INT8 NOT NULL DEFAULT 0,
	current_month_usage INT8 NOT NULL DEFAULT 0,
	last_usage_reset TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS domains_host_unique ON domains (lower(host)) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS domains_owner ON domains (owner_user_id);

CREATE TABLE IF NOT EXISTS links (
	id TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	domain_id TEXT REFERENCES domains (id) ON DELETE SET NULL,
	original_url TEXT NOT NULL,
	short_code TEXT NOT NULL,
	custom_code BOOL NOT NULL DEFAULT FALSE,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	campaign TEXT NOT NULL DEFAULT '',
	tags TEXT[] NOT NULL DEFAULT '{}',
	password_hash TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ,
	is_active BOOL NOT NULL DEFAULT TRUE,
	click_count INT8 NOT NULL DEFAULT 0,
	unique_clicks INT8 NOT NULL DEFAULT 0,
	last_click_at TIMESTAMPTZ,
	utm_parameters JSONB,
	url_metadata JSONB,
	geo_restrictions JSONB,
	full_short_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS links_code_per_domain ON links (short_code, COALESCE(domain_id, ''));
CREATE INDEX IF NOT EXISTS links_owner_created ON links (owner_user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS links_domain ON links (domain_id) WHERE domain_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS clicks (
	id TEXT PRIMARY KEY,
	link_id TEXT NOT NULL REFERENCES links (id) ON DELETE CASCADE,
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	referrer TEXT NOT NULL DEFAULT '',
	country TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	device_type TEXT NOT NULL DEFAULT '',
	browser TEXT NOT NULL DEFAULT '',
	os TEXT NOT NULL DEFAULT '',
	is_bot BOOL NOT NULL DEFAULT FALSE,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS clicks_link_ip ON clicks (link_id, ip_address);
CREATE INDEX IF NOT EXISTS clicks_timestamp ON clicks (timestamp);
`

// Apply creates any missing tables and indexes.
func Apply(ctx context.Context, db pool.Pool) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return skerr.Wrapf(err, "applying schema")
	}
	return nil
}
