package apikeys

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB opens an in-memory sqlite database with the api_keys table
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE api_keys (
			id TEXT PRIMARY KEY,
			workspace_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL,
			can_read BOOLEAN NOT NULL DEFAULT 1,
			can_create BOOLEAN NOT NULL DEFAULT 0,
			can_update BOOLEAN NOT NULL DEFAULT 0,
			can_delete BOOLEAN NOT NULL DEFAULT 0,
			scope_tables TEXT NOT NULL DEFAULT '{}',
			scope_views TEXT NOT NULL DEFAULT '{}',
			rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
			allowed_ip_addresses TEXT NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			expires_at TIMESTAMP,
			last_used_at TIMESTAMP,
			created_by INTEGER,
			created_at TIMESTAMP NOT NULL
		)
	`)
	require.NoError(t, err)
	return db
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	expires := fixedNow.Add(24 * time.Hour)
	creator := int64(5)

	k := &APIKey{
		WorkspaceID:        1,
		Name:               "ci",
		KeyHash:            NewGenerator().Hash("gg_secret"),
		KeyPrefix:          "gg_secret",
		CanRead:            true,
		CanUpdate:          true,
		ScopeTables:        []int64{10, 11},
		AllowedIPAddresses: []string{"10.0.0.1"},
		RateLimitPerMinute: 60,
		IsActive:           true,
		ExpiresAt:          &expires,
		CreatedBy:          &creator,
		CreatedAt:          fixedNow,
	}
	require.NoError(t, store.Create(ctx, k))
	assert.NotEqual(t, uuid.Nil, k.ID)

	got, err := store.GetByHash(ctx, k.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)
	assert.Equal(t, "ci", got.Name)
	assert.Equal(t, []int64{10, 11}, got.ScopeTables)
	assert.Empty(t, got.ScopeViews)
	assert.Equal(t, []string{"10.0.0.1"}, got.AllowedIPAddresses)
	assert.Equal(t, 60, got.RateLimitPerMinute)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))
	require.NotNil(t, got.CreatedBy)
	assert.Equal(t, creator, *got.CreatedBy)
	assert.Nil(t, got.LastUsedAt)

	byID, err := store.Get(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, k.KeyHash, byID.KeyHash)

	_, err = store.GetByHash(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.Error(t, store.Create(ctx, &APIKey{Name: "no hash"}))
}

func TestStore_TouchActivateDelete(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	k := &APIKey{WorkspaceID: 1, Name: "k", KeyHash: "h1", KeyPrefix: "gg_h1", IsActive: true}
	require.NoError(t, store.Create(ctx, k))

	require.NoError(t, store.Touch(ctx, k.ID, fixedNow))
	got, err := store.Get(ctx, k.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, fixedNow.Equal(*got.LastUsedAt))

	require.NoError(t, store.SetActive(ctx, k.ID, false))
	got, err = store.Get(ctx, k.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.ErrorIs(t, store.SetActive(ctx, uuid.New(), true), ErrKeyNotFound)

	require.NoError(t, store.Delete(ctx, k.ID))
	assert.ErrorIs(t, store.Delete(ctx, k.ID), ErrKeyNotFound)
}

func TestStore_ListAndDeleteWorkspace(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	for i, name := range []string{"old", "new"} {
		require.NoError(t, store.Create(ctx, &APIKey{
			WorkspaceID: 1, Name: name, KeyHash: name, KeyPrefix: "gg_" + name, IsActive: true,
			CreatedAt: fixedNow.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, store.Create(ctx, &APIKey{WorkspaceID: 2, Name: "other", KeyHash: "other", KeyPrefix: "gg_other"}))

	keys, err := store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "new", keys[0].Name)
	assert.Equal(t, "old", keys[1].Name)

	require.NoError(t, store.DeleteWorkspace(ctx, 1))
	keys, err = store.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, keys)
	keys, err = store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestStore_DeactivateExpired(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	past := fixedNow.Add(-time.Minute)
	future := fixedNow.Add(time.Minute)

	expired := &APIKey{WorkspaceID: 1, Name: "expired", KeyHash: "a", KeyPrefix: "gg_a", IsActive: true, ExpiresAt: &past}
	fresh := &APIKey{WorkspaceID: 1, Name: "fresh", KeyHash: "b", KeyPrefix: "gg_b", IsActive: true, ExpiresAt: &future}
	forever := &APIKey{WorkspaceID: 1, Name: "forever", KeyHash: "c", KeyPrefix: "gg_c", IsActive: true}
	for _, k := range []*APIKey{expired, fresh, forever} {
		require.NoError(t, store.Create(ctx, k))
	}

	n, err := store.DeactivateExpired(ctx, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	n, err = store.DeactivateExpired(ctx, fixedNow)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_DeactivateExpiredComparesInstants(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	east := time.FixedZone("UTC+2", 2*60*60)
	west := time.FixedZone("UTC-5", -5*60*60)

	// Expired half an hour ago, written with a local offset ahead of UTC.
	expiry := fixedNow.Add(-30 * time.Minute).In(east)
	k := &APIKey{WorkspaceID: 1, Name: "zoned", KeyHash: "z", KeyPrefix: "gg_z", IsActive: true, ExpiresAt: &expiry}
	require.NoError(t, store.Create(ctx, k))

	got, err := store.Get(ctx, k.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expiry), "stored %s, wrote %s", got.ExpiresAt, expiry)

	n, err := store.DeactivateExpired(ctx, fixedNow.Add(-time.Hour).In(west))
	require.NoError(t, err)
	assert.Zero(t, n, "not yet expired an hour earlier")

	n, err = store.DeactivateExpired(ctx, fixedNow.In(west))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_DeactivateExpiredError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE api_keys SET is_active = $1`)).
		WithArgs(false, true, fixedNow).
		WillReturnError(errors.New("lock timeout"))

	_, err = NewStore(db).DeactivateExpired(context.Background(), fixedNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to deactivate expired api keys")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_CreateAndRevoke(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	m := NewManager(store)

	k := &APIKey{WorkspaceID: 1, Name: "deploy", CanRead: true}
	plaintext, err := m.CreateKey(ctx, k)
	require.NoError(t, err)
	assert.True(t, k.IsActive)
	assert.Equal(t, NewGenerator().Prefix(plaintext), k.KeyPrefix)
	assert.NotContains(t, k.KeyHash, plaintext)

	v := NewValidator(store)
	got, err := v.Validate(ctx, plaintext, "")
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)

	require.NoError(t, m.RevokeKey(ctx, k))
	_, err = v.Validate(ctx, plaintext, "")
	assert.ErrorIs(t, err, ErrKeyInactive)

	past := time.Now().Add(-time.Hour)
	_, err = m.CreateKey(ctx, &APIKey{WorkspaceID: 1, Name: "stale", ExpiresAt: &past})
	assert.Error(t, err)
	_, err = m.CreateKey(ctx, &APIKey{WorkspaceID: 1})
	assert.Error(t, err)
}
