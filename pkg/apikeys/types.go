package apikeys

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrKeyNotFound is returned when no key matches the presented secret
	ErrKeyNotFound = errors.New("api key not found")
	// ErrKeyInactive is returned for keys that were switched off
	ErrKeyInactive = errors.New("api key is inactive")
	// ErrKeyExpired is returned for keys past their expiry, active or not
	ErrKeyExpired = errors.New("api key has expired")
	// ErrIPNotAllowed is returned when the caller address is not on the key's allow-list
	ErrIPNotAllowed = errors.New("ip address not allowed for api key")
	// ErrRateLimited is returned when the key exceeded its per-minute budget
	ErrRateLimited = errors.New("api key rate limit exceeded")
)

// APIKey is a workspace-scoped credential with its own capability set
type APIKey struct {
	ID                 uuid.UUID  `json:"id"`
	WorkspaceID        int64      `json:"workspace_id"`
	Name               string     `json:"name"`
	KeyHash            string     `json:"-"`
	KeyPrefix          string     `json:"key_prefix"`
	CanRead            bool       `json:"can_read"`
	CanCreate          bool       `json:"can_create"`
	CanUpdate          bool       `json:"can_update"`
	CanDelete          bool       `json:"can_delete"`
	ScopeTables        []int64    `json:"scope_tables,omitempty"`
	ScopeViews         []int64    `json:"scope_views,omitempty"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	AllowedIPAddresses []string   `json:"allowed_ip_addresses,omitempty"`
	IsActive           bool       `json:"is_active"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	CreatedBy          *int64     `json:"created_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Expired reports whether the key has an expiry at or before now
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}
