// Package types holds the entities shared across the shortlink service.
// Entities reference each other by typed ID only; there are no in-memory
// object graphs.
package types

import (
	"time"
)

// UserID identifies a User.
type UserID string

// DomainID identifies a Domain. The empty string means "the system
// domain", i.e. a NULL domain_id in the links table.
type DomainID string

// LinkID identifies a Link.
type LinkID string

// ClickID identifies a Click.
type ClickID string

// Role is the access level of a User.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an identity that owns Domains and Links.
type User struct {
	ID              UserID
	Email           string // unique, case-folded
	PasswordHash    string // empty for OAuth-only users
	DisplayName     string
	Role            Role
	IsActive        bool
	IsEmailVerified bool
	GoogleID        string
	Avatar          string
	// TokenVersion is a monotonically increasing counter; bumping it
	// invalidates every outstanding token for the user.
	TokenVersion int64
	LastSeenAt   time.Time
	LastLogoutAt time.Time
	CreatedAt    time.Time
}

// Domain is a tenant-owned custom host. It participates in redirects only
// when both IsActive and IsVerified are set.
type Domain struct {
	ID                DomainID
	OwnerUserID       UserID
	Host              string // lowercased, unique system-wide
	DisplayName       string
	IsActive          bool
	IsVerified        bool
	VerificationToken string // 32-byte hex
	VerifiedAt        time.Time
	DNSRecords        string
	SSLEnabled        bool
	MonthlyLinkLimit  int64
	CurrentMonthUsage int64
	LastUsageReset    time.Time
	CreatedAt         time.Time
}

// GeoMode selects whether a country list is an allowlist or a denylist.
type GeoMode string

const (
	GeoAllow GeoMode = "allow"
	GeoDeny  GeoMode = "deny"
)

// GeoRestrictions limits who may follow a Link, by country. An unknown
// location is treated as not matching either list.
type GeoRestrictions struct {
	Mode      GeoMode  `json:"mode"`
	Countries []string `json:"countries"`
}

// IsSet returns true if any restriction is configured.
func (g GeoRestrictions) IsSet() bool {
	return len(g.Countries) > 0
}

// Link is a short URL.
type Link struct {
	ID          LinkID
	OwnerUserID UserID
	DomainID    DomainID // empty = system domain
	OriginalURL string
	ShortCode   string
	CustomCode  bool
	Title       string
	Description string
	Campaign    string
	Tags        []string
	// PasswordHash, when non-empty, gates the redirect behind a bcrypt
	// password check.
	PasswordHash    string
	ExpiresAt       time.Time // zero = never expires
	IsActive        bool
	ClickCount      int64
	UniqueClicks    int64
	LastClickAt     time.Time
	UTMParameters   map[string]string
	URLMetadata     map[string]string
	GeoRestrictions GeoRestrictions
	// FullShortURL is derived from the host and ShortCode and recomputed
	// on any ShortCode or DomainID change.
	FullShortURL string
	CreatedAt    time.Time
}

// Expired returns true if the link has an expiry in the past relative to
// the given time.
func (l *Link) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !l.ExpiresAt.After(now)
}

// DeviceType is the coarse device classification of a Click.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceBot     DeviceType = "bot"
)

// Click is one recorded visit. Click rows are append-only.
type Click struct {
	ID         ClickID
	LinkID     LinkID
	IPAddress  string
	UserAgent  string
	Referrer   string
	Country    string
	City       string
	DeviceType DeviceType
	Browser    string
	OS         string
	IsBot      bool
	Timestamp  time.Time
}

// Session is one login instance, stored in the KV cache.
type Session struct {
	SessionID    string    `json:"sessionId"` // opaque 32-byte hex
	UserID       UserID    `json:"userId"`
	IssuedAt     time.Time `json:"issuedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"userAgent"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
}
