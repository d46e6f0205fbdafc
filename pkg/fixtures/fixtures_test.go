package fixtures

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gridguard/pkg/rbac"
)

func TestLoadFile(t *testing.T) {
	f, err := LoadFile("testdata/workspace.yaml")
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.Workspace)
	require.Len(t, f.Roles, 2)
	assert.Equal(t, []rbac.Capability{rbac.CapabilityCreateViews}, f.Roles[0].Capabilities)
	require.Len(t, f.Grants, 3)
	assert.Equal(t, rbac.LevelUpdate, f.Grants[0].Level)
	require.NotNil(t, f.Grants[1].User)
	assert.Equal(t, int64(10), *f.Grants[1].User)
	require.Len(t, f.Checks, 5)
	assert.Equal(t, "sales", f.Checks[3].Row[2001])

	assert.Equal(t, "sales", f.User(11).Attributes["department"])
	assert.Equal(t, rbac.User{ID: 99}, f.User(99))
}

func TestFixture_ChecksAgainstSnapshot(t *testing.T) {
	f, err := LoadFile("testdata/workspace.yaml")
	require.NoError(t, err)
	snap, err := f.Snapshot()
	require.NoError(t, err)

	e := rbac.NewEvaluator()
	for i, c := range f.Checks {
		got, err := e.Check(context.Background(), snap, f.User(c.User), c.Resource(f.Workspace), c.Operation, c.Row)
		require.NoError(t, err, "check %d", i)
		assert.Equal(t, c.Expect, got, "check %d", i)
	}

	has, err := e.HasCapability(snap, f.User(10), rbac.CapabilityCreateViews)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing workspace", `roles: []`, "workspace is required"},
		{"unknown key", "workspace: 1\nrolez: []", "failed to parse fixture"},
		{"bad level", "workspace: 1\ngrants:\n  - scope: table\n    table: 1\n    user: 1\n    level: OWNER", "failed to parse fixture"},
		{"bad scope", "workspace: 1\ngrants:\n  - scope: cell\n    table: 1\n    user: 1", "invalid scope"},
		{"duplicate role", "workspace: 1\nroles:\n  - name: a\n  - name: a", "already exists"},
		{"unknown capability", "workspace: 1\nroles:\n  - name: a\n    capabilities: [fly]", "unknown capability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFixture_SnapshotErrors(t *testing.T) {
	f, err := Load(strings.NewReader("workspace: 1\nassignments:\n  - user: 1\n    role: ghost"))
	require.NoError(t, err)
	_, err = f.Snapshot()
	assert.ErrorIs(t, err, rbac.ErrRoleNotFound)

	f, err = Load(strings.NewReader("workspace: 1\nroles:\n  - name: r\ngrants:\n  - scope: table\n    table: 1\n    user: 1\n    role: r"))
	require.NoError(t, err)
	_, err = f.Snapshot()
	assert.ErrorIs(t, err, rbac.ErrInvalidGrantSubject)

	f, err = Load(strings.NewReader("workspace: 1\nconditional_grants:\n  - table: 1\n    user: 1\n    field: 2\n    operator: like"))
	require.NoError(t, err)
	_, err = f.Snapshot()
	assert.Error(t, err)
}

func TestFixture_Apply(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	createSchema(t, db)

	f, err := LoadFile("testdata/workspace.yaml")
	require.NoError(t, err)

	store := rbac.NewStore(db)
	ctx := context.Background()
	roleIDs, err := f.Apply(ctx, store)
	require.NoError(t, err)
	assert.Len(t, roleIDs, 2)

	snap, err := store.LoadSnapshot(ctx, f.Workspace)
	require.NoError(t, err)

	e := rbac.NewEvaluator()
	for i, c := range f.Checks {
		got, err := e.Check(ctx, snap, f.User(c.User), c.Resource(f.Workspace), c.Operation, c.Row)
		require.NoError(t, err, "check %d", i)
		assert.Equal(t, c.Expect, got, "check %d", i)
	}

	// Role names are unique, so applying twice fails on the first role.
	_, err = f.Apply(ctx, store)
	assert.ErrorIs(t, err, rbac.ErrDuplicateRole)
}

// createSchema runs the sqlite equivalent of the rbac migrations
func createSchema(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`
		CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			can_create_tables BOOLEAN NOT NULL DEFAULT 0,
			can_delete_tables BOOLEAN NOT NULL DEFAULT 0,
			can_create_views BOOLEAN NOT NULL DEFAULT 0,
			can_manage_workspace BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE user_role_assignments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL,
			workspace_id INTEGER NOT NULL,
			assigned_by INTEGER,
			assigned_at TIMESTAMP NOT NULL
		);
		CREATE TABLE scoped_grants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id INTEGER NOT NULL,
			scope TEXT NOT NULL,
			table_id INTEGER NOT NULL,
			resource_id INTEGER NOT NULL,
			subject_type TEXT NOT NULL,
			subject_id INTEGER NOT NULL,
			permission_level TEXT NOT NULL,
			is_hidden BOOLEAN NOT NULL DEFAULT 0,
			can_create BOOLEAN NOT NULL DEFAULT 0,
			can_update BOOLEAN NOT NULL DEFAULT 0,
			can_delete BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE conditional_grants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			table_id INTEGER NOT NULL,
			subject_type TEXT NOT NULL,
			subject_id INTEGER NOT NULL,
			condition_field_id INTEGER NOT NULL,
			condition_operator TEXT NOT NULL,
			condition_value TEXT NOT NULL DEFAULT '',
			user_attribute_field TEXT NOT NULL DEFAULT '',
			user_attribute_operator TEXT NOT NULL DEFAULT '',
			user_attribute_value TEXT NOT NULL DEFAULT '',
			permission_level TEXT NOT NULL,
			can_read BOOLEAN NOT NULL DEFAULT 1,
			can_update BOOLEAN NOT NULL DEFAULT 0,
			can_delete BOOLEAN NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`)
	require.NoError(t, err)
}
