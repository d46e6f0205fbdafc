package rbac

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const testWorkspace int64 = 1

// setupTestDB opens an in-memory sqlite database carrying the permission
// schema. A single connection keeps every query on the same database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			can_create_tables BOOLEAN NOT NULL DEFAULT 0,
			can_delete_tables BOOLEAN NOT NULL DEFAULT 0,
			can_create_views BOOLEAN NOT NULL DEFAULT 0,
			can_manage_workspace BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(workspace_id, name)
		);

		CREATE TABLE user_role_assignments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL,
			workspace_id INTEGER NOT NULL,
			assigned_by INTEGER,
			assigned_at TIMESTAMP NOT NULL,
			UNIQUE(user_id, role_id, workspace_id)
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
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(scope, table_id, resource_id, subject_type, subject_id)
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

	return db
}

// snapshotFixture assembles snapshots in tests without a database
type snapshotFixture struct {
	t *testing.T
	b *SnapshotBuilder
}

func newFixture(t *testing.T) *snapshotFixture {
	return &snapshotFixture{t: t, b: NewSnapshotBuilder(testWorkspace)}
}

func (f *snapshotFixture) role(id int64, name string) *snapshotFixture {
	f.b.AddRole(Role{ID: id, WorkspaceID: testWorkspace, Name: name})
	return f
}

func (f *snapshotFixture) assign(userID, roleID int64) *snapshotFixture {
	f.b.AddAssignment(UserRoleAssignment{UserID: userID, RoleID: roleID, WorkspaceID: testWorkspace})
	return f
}

func (f *snapshotFixture) grant(scope Scope, tableID, resourceID int64, subject Subject, level PermissionLevel, flags GrantFlags) *snapshotFixture {
	f.b.AddGrant(ScopedGrant{
		WorkspaceID: testWorkspace,
		Scope:       scope,
		TableID:     tableID,
		ResourceID:  resourceID,
		Subject:     subject,
		Level:       level,
		Flags:       flags,
	})
	return f
}

func (f *snapshotFixture) conditional(g ConditionalGrant) *snapshotFixture {
	g.WorkspaceID = testWorkspace
	g.IsActive = true
	f.b.AddConditionalGrant(g)
	return f
}

func (f *snapshotFixture) build() *Snapshot {
	snap, err := f.b.Build()
	require.NoError(f.t, err)
	return snap
}

var allFlags = GrantFlags{CanCreate: true, CanUpdate: true, CanDelete: true}
