package apikeys

import (
	"context"
	"net"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/gridguard/pkg/observability"
	"github.com/platinummonkey/gridguard/pkg/rbac"
)

// KeyStore is the part of Store the validator needs
type KeyStore interface {
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Validator authenticates presented API keys
type Validator struct {
	store     KeyStore
	generator *Generator
	limiter   RateLimiter
	metrics   *observability.Metrics
	logger    *observability.Logger
	now       func() time.Time
}

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithRateLimiter enforces each key's RateLimitPerMinute through rl
func WithRateLimiter(rl RateLimiter) ValidatorOption {
	return func(v *Validator) {
		v.limiter = rl
	}
}

// WithMetrics counts validations by result
func WithMetrics(m *observability.Metrics) ValidatorOption {
	return func(v *Validator) {
		v.metrics = m
	}
}

// WithLogger sets the logger used for limiter and touch failures
func WithLogger(l *observability.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = l
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a validator over store
func NewValidator(store KeyStore, opts ...ValidatorOption) *Validator {
	v := &Validator{
		store:     store,
		generator: NewGenerator(),
		logger:    observability.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate authenticates keyString presented from ip. Checks run in order:
// existence, expiry, active flag, IP allow-list, rate limit. Expiry comes
// first so a key the janitor has switched off still reports ErrKeyExpired. On success the
// key's LastUsedAt is updated.
func (v *Validator) Validate(ctx context.Context, keyString, ip string) (*APIKey, error) {
	key, err := v.validate(ctx, keyString, ip)
	v.record(err)
	return key, err
}

func (v *Validator) validate(ctx context.Context, keyString, ip string) (*APIKey, error) {
	if err := v.generator.ValidateFormat(keyString); err != nil {
		return nil, ErrKeyNotFound
	}

	key, err := v.store.GetByHash(ctx, v.generator.Hash(keyString))
	if err != nil {
		return nil, err
	}

	now := v.now()
	if key.Expired(now) {
		return nil, ErrKeyExpired
	}
	if !key.IsActive {
		return nil, ErrKeyInactive
	}
	if !ipAllowed(key.AllowedIPAddresses, ip) {
		return nil, ErrIPNotAllowed
	}

	if v.limiter != nil && key.RateLimitPerMinute > 0 {
		allowed, err := v.limiter.Allow(ctx, key.ID.String(), key.RateLimitPerMinute)
		if err != nil {
			v.logger.WithError(err).WithField("key_prefix", key.KeyPrefix).Warn("rate limiter unavailable, allowing request")
		}
		if !allowed {
			return nil, ErrRateLimited
		}
	}

	// A failed timestamp update does not reject an otherwise valid key.
	if err := v.store.Touch(ctx, key.ID, now); err != nil {
		v.logger.WithError(err).WithField("key_prefix", key.KeyPrefix).Warn("failed to record api key use")
	} else {
		key.LastUsedAt = &now
	}
	return key, nil
}

func (v *Validator) record(err error) {
	if v.metrics == nil {
		return
	}
	v.metrics.APIKeyValidationsTotal.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch err {
	case nil:
		return "valid"
	case ErrKeyNotFound:
		return "not_found"
	case ErrKeyInactive:
		return "inactive"
	case ErrKeyExpired:
		return "expired"
	case ErrIPNotAllowed:
		return "ip_not_allowed"
	case ErrRateLimited:
		return "rate_limited"
	}
	return "error"
}

// ipAllowed reports whether ip is on the allow-list. An empty list allows
// every address.
func ipAllowed(allowed []string, ip string) bool {
	if len(allowed) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	for _, a := range allowed {
		if a == ip {
			return true
		}
		if parsed != nil {
			if candidate := net.ParseIP(a); candidate != nil && candidate.Equal(parsed) {
				return true
			}
		}
	}
	return false
}

// Check reports whether key may perform op, optionally on a table and view.
// A non-empty scope list must contain the given resource.
func Check(key *APIKey, op rbac.Operation, tableID, viewID *int64) bool {
	if key == nil {
		return false
	}

	var enabled bool
	switch op {
	case rbac.OperationRead:
		enabled = key.CanRead
	case rbac.OperationCreate:
		enabled = key.CanCreate
	case rbac.OperationUpdate:
		enabled = key.CanUpdate
	case rbac.OperationDelete:
		enabled = key.CanDelete
	}
	if !enabled {
		return false
	}

	if tableID != nil && len(key.ScopeTables) > 0 && !slices.Contains(key.ScopeTables, *tableID) {
		return false
	}
	if viewID != nil && len(key.ScopeViews) > 0 && !slices.Contains(key.ScopeViews, *viewID) {
		return false
	}
	return true
}
