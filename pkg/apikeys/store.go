package apikeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/gridguard/pkg/rbac"
)

// GetMigrations returns the API key schema migrations. They are numbered from
// 100 so they can run alongside rbac.GetMigrations.
func GetMigrations() []rbac.Migration {
	return []rbac.Migration{
		{
			Version:     100,
			Description: "Create api_keys table",
			SQL: `
				CREATE TABLE IF NOT EXISTS api_keys (
					id UUID PRIMARY KEY,
					workspace_id BIGINT NOT NULL,
					name VARCHAR(255) NOT NULL,
					key_hash CHAR(64) NOT NULL UNIQUE,
					key_prefix VARCHAR(16) NOT NULL,
					can_read BOOLEAN NOT NULL DEFAULT TRUE,
					can_create BOOLEAN NOT NULL DEFAULT FALSE,
					can_update BOOLEAN NOT NULL DEFAULT FALSE,
					can_delete BOOLEAN NOT NULL DEFAULT FALSE,
					scope_tables BIGINT[] NOT NULL DEFAULT '{}',
					scope_views BIGINT[] NOT NULL DEFAULT '{}',
					rate_limit_per_minute INT NOT NULL DEFAULT 0,
					allowed_ip_addresses TEXT[] NOT NULL DEFAULT '{}',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					expires_at TIMESTAMPTZ,
					last_used_at TIMESTAMPTZ,
					created_by BIGINT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_api_keys_workspace ON api_keys(workspace_id);
			`,
		},
		{
			Version:     101,
			Description: "Index active api keys by expiry",
			SQL: `
				CREATE INDEX IF NOT EXISTS idx_api_keys_expiry ON api_keys(expires_at)
				WHERE is_active AND expires_at IS NOT NULL;
			`,
		},
	}
}

// Store persists API keys
type Store struct {
	db *sql.DB
}

// NewStore creates a new API key store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const keyColumns = `id, workspace_id, name, key_hash, key_prefix, can_read, can_create, can_update, can_delete,
	scope_tables, scope_views, rate_limit_per_minute, allowed_ip_addresses, is_active, expires_at, last_used_at, created_by, created_at`

func scanKey(row scanner) (*APIKey, error) {
	var k APIKey
	var expiresAt, lastUsedAt sql.NullTime
	var createdBy sql.NullInt64
	err := row.Scan(
		&k.ID,
		&k.WorkspaceID,
		&k.Name,
		&k.KeyHash,
		&k.KeyPrefix,
		&k.CanRead,
		&k.CanCreate,
		&k.CanUpdate,
		&k.CanDelete,
		pq.Array(&k.ScopeTables),
		pq.Array(&k.ScopeViews),
		&k.RateLimitPerMinute,
		pq.Array(&k.AllowedIPAddresses),
		&k.IsActive,
		&expiresAt,
		&lastUsedAt,
		&createdBy,
		&k.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Time
	}
	if createdBy.Valid {
		k.CreatedBy = &createdBy.Int64
	}
	return &k, nil
}

// utc normalizes timestamps before they are written so stored values never
// depend on the writer's time zone.
func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNilInt64s(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// Create stores a key. KeyHash and KeyPrefix must already be set; ID and
// CreatedAt are filled in when zero.
func (s *Store) Create(ctx context.Context, k *APIKey) error {
	if k.KeyHash == "" {
		return errors.New("api key hash is required")
	}
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	k.CreatedAt = k.CreatedAt.UTC()
	k.ExpiresAt = utc(k.ExpiresAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, workspace_id, name, key_hash, key_prefix, can_read, can_create, can_update, can_delete,
			scope_tables, scope_views, rate_limit_per_minute, allowed_ip_addresses, is_active, expires_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		k.ID, k.WorkspaceID, k.Name, k.KeyHash, k.KeyPrefix, k.CanRead, k.CanCreate, k.CanUpdate, k.CanDelete,
		pq.Array(nonNilInt64s(k.ScopeTables)), pq.Array(nonNilInt64s(k.ScopeViews)), k.RateLimitPerMinute,
		pq.Array(nonNilStrings(k.AllowedIPAddresses)), k.IsActive, k.ExpiresAt, k.CreatedBy, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// Get retrieves a key by ID
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*APIKey, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

// GetByHash retrieves a key by the hash of its secret
func (s *Store) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

// List returns the keys of a workspace, newest first
func (s *Store) List(ctx context.Context, workspaceID int64) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE workspace_id = $1 ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// SetActive switches a key on or off
func (s *Store) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Touch records that a key was used at at
func (s *Store) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at.UTC(), id); err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// DeleteWorkspace removes every key of a workspace
func (s *Store) DeleteWorkspace(ctx context.Context, workspaceID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE workspace_id = $1`, workspaceID); err != nil {
		return fmt.Errorf("failed to delete api keys: %w", err)
	}
	return nil
}

// DeactivateExpired switches off every active key whose expiry is at or
// before now and returns how many were changed.
func (s *Store) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = $1
		WHERE is_active = $2 AND expires_at IS NOT NULL AND expires_at <= $3`,
		false, true, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired api keys: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deactivated api keys: %w", err)
	}
	return n, nil
}
