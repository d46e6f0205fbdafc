package rbac

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(setupTestDB(t))
}

func createRole(t *testing.T, s *Store, name string) *Role {
	t.Helper()
	role := &Role{WorkspaceID: testWorkspace, Name: name}
	require.NoError(t, s.CreateRole(context.Background(), role))
	return role
}

func TestStore_RoleLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	role := &Role{WorkspaceID: testWorkspace, Name: "editor", CanCreateViews: true}
	require.NoError(t, s.CreateRole(ctx, role))
	assert.NotZero(t, role.ID)
	assert.False(t, role.CreatedAt.IsZero())

	err := s.CreateRole(ctx, &Role{WorkspaceID: testWorkspace, Name: "editor"})
	assert.ErrorIs(t, err, ErrDuplicateRole)

	// Same name in another workspace is fine.
	require.NoError(t, s.CreateRole(ctx, &Role{WorkspaceID: testWorkspace + 1, Name: "editor"}))

	got, err := s.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "editor", got.Name)
	assert.True(t, got.CanCreateViews)

	byName, err := s.GetRoleByName(ctx, testWorkspace, "editor")
	require.NoError(t, err)
	assert.Equal(t, role.ID, byName.ID)

	role.Name = "author"
	role.CanManageWorkspace = true
	require.NoError(t, s.UpdateRole(ctx, role))

	roles, err := s.ListRoles(ctx, testWorkspace)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "author", roles[0].Name)
	assert.True(t, roles[0].CanManageWorkspace)

	_, err = s.GetRole(ctx, 404)
	assert.ErrorIs(t, err, ErrRoleNotFound)
	assert.ErrorIs(t, s.UpdateRole(ctx, &Role{ID: 404, Name: "x"}), ErrRoleNotFound)
	assert.Error(t, s.CreateRole(ctx, &Role{WorkspaceID: testWorkspace}))
}

func TestStore_AssignRoleIsUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	role := createRole(t, s, "viewer")

	admin := int64(1)
	a := &UserRoleAssignment{UserID: userU, RoleID: role.ID, WorkspaceID: testWorkspace}
	require.NoError(t, s.AssignRole(ctx, a))
	firstID := a.ID

	again := &UserRoleAssignment{UserID: userU, RoleID: role.ID, WorkspaceID: testWorkspace, AssignedBy: &admin}
	require.NoError(t, s.AssignRole(ctx, again))
	assert.Equal(t, firstID, again.ID)

	assignments, err := s.ListAssignments(ctx, testWorkspace)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.NotNil(t, assignments[0].AssignedBy)
	assert.Equal(t, admin, *assignments[0].AssignedBy)

	err = s.AssignRole(ctx, &UserRoleAssignment{UserID: userU, RoleID: 404, WorkspaceID: testWorkspace})
	assert.ErrorIs(t, err, ErrRoleNotFound)

	err = s.AssignRole(ctx, &UserRoleAssignment{UserID: userU, RoleID: role.ID, WorkspaceID: testWorkspace + 1})
	assert.ErrorIs(t, err, ErrRoleNotFound, "role belongs to another workspace")

	require.NoError(t, s.UnassignRole(ctx, userU, role.ID, testWorkspace))
	assert.ErrorIs(t, s.UnassignRole(ctx, userU, role.ID, testWorkspace), ErrAssignmentNotFound)
}

func TestStore_SetTablePermissionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	role := createRole(t, s, "editor")

	opts := TablePermissionOptions{CanUpdateRows: true}
	first, err := s.SetTablePermission(ctx, testWorkspace, tableT, RoleSubject(role.ID), LevelUpdate, opts)
	require.NoError(t, err)
	second, err := s.SetTablePermission(ctx, testWorkspace, tableT, RoleSubject(role.ID), LevelUpdate, opts)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM scoped_grants`).Scan(&count))
	assert.Equal(t, 1, count)

	// A changed level updates the same row.
	third, err := s.SetTablePermission(ctx, testWorkspace, tableT, RoleSubject(role.ID), LevelDelete, DefaultTablePermissionOptions())
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)

	g, err := s.GetGrant(ctx, TableResource(testWorkspace, tableT), RoleSubject(role.ID))
	require.NoError(t, err)
	assert.Equal(t, LevelDelete, g.Level)
	assert.Equal(t, tableT, g.ResourceID)
	assert.True(t, g.Flags.CanDelete)
}

func TestStore_SetPermissionValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SetFieldPermission(ctx, testWorkspace, tableT, fieldF, Subject{}, LevelRead, FieldPermissionOptions{})
	assert.ErrorIs(t, err, ErrInvalidGrantSubject)

	_, err = s.SetViewPermission(ctx, testWorkspace, tableT, viewV, UserSubject(userU), PermissionLevel(7), ViewPermissionOptions{})
	assert.ErrorIs(t, err, ErrInvalidPermissionLevel)

	_, err = s.SetRowPermission(ctx, testWorkspace, tableT, rowRow, RoleSubject(404), LevelRead, RowPermissionOptions{})
	assert.ErrorIs(t, err, ErrRoleNotFound)

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM scoped_grants`).Scan(&count))
	assert.Zero(t, count)
}

func TestStore_RevokeAndDeleteForResource(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := UserSubject(userU)

	_, err := s.SetTablePermission(ctx, testWorkspace, tableT, user, LevelRead, TablePermissionOptions{})
	require.NoError(t, err)
	_, err = s.SetFieldPermission(ctx, testWorkspace, tableT, fieldF, user, LevelRead, FieldPermissionOptions{IsHidden: true})
	require.NoError(t, err)
	_, err = s.SetRowPermission(ctx, testWorkspace, tableT, rowRow, user, LevelRead, RowPermissionOptions{})
	require.NoError(t, err)
	_, err = s.SetViewPermission(ctx, testWorkspace, tableT+1, viewV, user, LevelRead, ViewPermissionOptions{})
	require.NoError(t, err)
	require.NoError(t, s.CreateConditionalGrant(ctx, &ConditionalGrant{
		WorkspaceID: testWorkspace, TableID: tableT, Subject: user,
		ConditionFieldID: fieldPr, ConditionOperator: FieldEquals, Level: LevelRead, CanRead: true, IsActive: true,
	}))

	row := RowResource(testWorkspace, tableT, rowRow)
	require.NoError(t, s.RevokePermission(ctx, row, user))
	assert.ErrorIs(t, s.RevokePermission(ctx, row, user), ErrGrantNotFound)

	n, err := s.DeleteGrantsForResource(ctx, TableResource(testWorkspace, tableT))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "table grant, field grant and conditional grant")

	_, err = s.GetGrant(ctx, FieldResource(testWorkspace, tableT, fieldF), user)
	assert.ErrorIs(t, err, ErrGrantNotFound)
	_, err = s.GetGrant(ctx, ViewResource(testWorkspace, tableT+1, viewV), user)
	assert.NoError(t, err, "other tables are untouched")

	_, err = s.DeleteGrantsForResource(ctx, Resource{Scope: "cell", ID: 1})
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestStore_RowGrantsAreScopedToTheirTable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := UserSubject(userU)
	other := tableT + 1

	first, err := s.SetRowPermission(ctx, testWorkspace, tableT, rowRow, user, LevelDelete, RowPermissionOptions{CanUpdate: true, CanDelete: true})
	require.NoError(t, err)
	second, err := s.SetRowPermission(ctx, testWorkspace, other, rowRow, user, LevelNone, RowPermissionOptions{IsHidden: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	snap, err := s.LoadSnapshot(ctx, testWorkspace)
	require.NoError(t, err)
	e := NewEvaluator()
	assert.True(t, check(t, e, snap, RowResource(testWorkspace, tableT, rowRow), OperationDelete, nil))
	assert.False(t, check(t, e, snap, RowResource(testWorkspace, other, rowRow), OperationRead, nil))

	g, err := s.GetGrant(ctx, RowResource(testWorkspace, tableT, rowRow), user)
	require.NoError(t, err)
	assert.Equal(t, LevelDelete, g.Level)
	assert.Equal(t, tableT, g.TableID)

	require.NoError(t, s.RevokePermission(ctx, RowResource(testWorkspace, other, rowRow), user))
	_, err = s.GetGrant(ctx, RowResource(testWorkspace, tableT, rowRow), user)
	require.NoError(t, err, "revoking one table's row leaves the other")

	_, err = s.SetRowPermission(ctx, testWorkspace, other, rowRow, user, LevelRead, RowPermissionOptions{})
	require.NoError(t, err)
	n, err := s.DeleteGrantsForResource(ctx, RowResource(testWorkspace, other, rowRow))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.GetGrant(ctx, RowResource(testWorkspace, tableT, rowRow), user)
	assert.NoError(t, err)
}

func TestStore_GrantsRejectRolesFromOtherWorkspaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	foreign := &Role{WorkspaceID: testWorkspace + 1, Name: "outsider"}
	require.NoError(t, s.CreateRole(ctx, foreign))

	_, err := s.SetTablePermission(ctx, testWorkspace, tableT, RoleSubject(foreign.ID), LevelDelete, DefaultTablePermissionOptions())
	assert.ErrorIs(t, err, ErrRoleNotFound)

	err = s.CreateConditionalGrant(ctx, &ConditionalGrant{
		WorkspaceID: testWorkspace, TableID: tableT, Subject: RoleSubject(foreign.ID),
		ConditionFieldID: fieldPr, ConditionOperator: FieldIsEmpty, Level: LevelRead, CanRead: true, IsActive: true,
	})
	assert.ErrorIs(t, err, ErrRoleNotFound)

	_, err = s.SetTablePermission(ctx, testWorkspace+1, tableT, RoleSubject(foreign.ID), LevelRead, TablePermissionOptions{})
	assert.NoError(t, err)

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM conditional_grants`).Scan(&count))
	assert.Zero(t, count)
}

func TestStore_DeleteRoleCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	role := createRole(t, s, "temp")
	keep := createRole(t, s, "keep")

	require.NoError(t, s.AssignRole(ctx, &UserRoleAssignment{UserID: userU, RoleID: role.ID, WorkspaceID: testWorkspace}))
	require.NoError(t, s.AssignRole(ctx, &UserRoleAssignment{UserID: userU, RoleID: keep.ID, WorkspaceID: testWorkspace}))
	_, err := s.SetTablePermission(ctx, testWorkspace, tableT, RoleSubject(role.ID), LevelRead, TablePermissionOptions{})
	require.NoError(t, err)
	_, err = s.SetTablePermission(ctx, testWorkspace, tableT, RoleSubject(keep.ID), LevelRead, TablePermissionOptions{})
	require.NoError(t, err)
	require.NoError(t, s.CreateConditionalGrant(ctx, &ConditionalGrant{
		WorkspaceID: testWorkspace, TableID: tableT, Subject: RoleSubject(role.ID),
		ConditionFieldID: fieldPr, ConditionOperator: FieldIsEmpty, Level: LevelRead, IsActive: true,
	}))

	require.NoError(t, s.DeleteRole(ctx, role.ID))
	assert.ErrorIs(t, s.DeleteRole(ctx, role.ID), ErrRoleNotFound)

	snap, err := s.LoadSnapshot(ctx, testWorkspace)
	require.NoError(t, err)
	assert.Equal(t, []int64{keep.ID}, snap.UserRoleIDs(userU))
	assert.Empty(t, snap.RoleGrants(TableResource(testWorkspace, tableT), []int64{role.ID}))
	assert.Len(t, snap.RoleGrants(TableResource(testWorkspace, tableT), []int64{keep.ID}), 1)
	assert.Empty(t, snap.ConditionalGrants(tableT))
}

func TestStore_ConditionalGrantLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	g := &ConditionalGrant{
		WorkspaceID:           testWorkspace,
		Name:                  "own rows",
		TableID:               tableT,
		Subject:               UserSubject(userU),
		ConditionFieldID:      fieldPr,
		ConditionOperator:     FieldEquals,
		ConditionValue:        "ada",
		UserAttributeField:    "username",
		UserAttributeOperator: AttributeEquals,
		UserAttributeValue:    "ada",
		Level:                 LevelUpdate,
		CanRead:               true,
		CanUpdate:             true,
		IsActive:              true,
	}
	require.NoError(t, s.CreateConditionalGrant(ctx, g))
	require.NotZero(t, g.ID)

	got, err := s.GetConditionalGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "own rows", got.Name)
	assert.Equal(t, LevelUpdate, got.Level)
	assert.Equal(t, AttributeEquals, got.UserAttributeOperator)

	g.ConditionOperator = FieldContains
	g.Level = LevelDelete
	require.NoError(t, s.UpdateConditionalGrant(ctx, g))

	require.NoError(t, s.SetConditionalGrantActive(ctx, g.ID, false))
	snap, err := s.LoadSnapshot(ctx, testWorkspace)
	require.NoError(t, err)
	assert.Empty(t, snap.ConditionalGrants(tableT), "inactive grants are not loaded")

	require.NoError(t, s.SetConditionalGrantActive(ctx, g.ID, true))
	snap, err = s.LoadSnapshot(ctx, testWorkspace)
	require.NoError(t, err)
	loaded := snap.ConditionalGrants(tableT)
	require.Len(t, loaded, 1)
	assert.Equal(t, FieldContains, loaded[0].ConditionOperator)
	assert.Equal(t, LevelDelete, loaded[0].Level)

	require.NoError(t, s.DeleteConditionalGrant(ctx, g.ID))
	assert.ErrorIs(t, s.DeleteConditionalGrant(ctx, g.ID), ErrGrantNotFound)
	assert.ErrorIs(t, s.SetConditionalGrantActive(ctx, g.ID, true), ErrGrantNotFound)
	_, err = s.GetConditionalGrant(ctx, g.ID)
	assert.ErrorIs(t, err, ErrGrantNotFound)

	bad := *g
	bad.ConditionOperator = "like"
	assert.Error(t, s.CreateConditionalGrant(ctx, &bad))
}

func TestStore_LoadSnapshotEvaluates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	role := createRole(t, s, "editor")
	require.NoError(t, s.AssignRole(ctx, &UserRoleAssignment{UserID: userU, RoleID: role.ID, WorkspaceID: testWorkspace}))
	_, err := s.SetTablePermission(ctx, testWorkspace, tableT, RoleSubject(role.ID), LevelUpdate, TablePermissionOptions{CanUpdateRows: true})
	require.NoError(t, err)

	snap, err := s.LoadSnapshot(ctx, testWorkspace)
	require.NoError(t, err)

	e := NewEvaluator(WithDefaultPolicy(ClosedPolicy))
	res := TableResource(testWorkspace, tableT)
	assert.True(t, check(t, e, snap, res, OperationUpdate, nil))
	assert.False(t, check(t, e, snap, res, OperationDelete, nil))

	other, err := s.LoadSnapshot(ctx, testWorkspace+1)
	require.NoError(t, err)
	assert.Empty(t, other.UserRoleIDs(userU))
}

func TestStore_DeleteWorkspace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	role := createRole(t, s, "editor")
	require.NoError(t, s.AssignRole(ctx, &UserRoleAssignment{UserID: userU, RoleID: role.ID, WorkspaceID: testWorkspace}))
	_, err := s.SetTablePermission(ctx, testWorkspace, tableT, UserSubject(userU), LevelRead, TablePermissionOptions{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteWorkspace(ctx, testWorkspace))

	roles, err := s.ListRoles(ctx, testWorkspace)
	require.NoError(t, err)
	assert.Empty(t, roles)
	_, err = s.GetGrant(ctx, TableResource(testWorkspace, tableT), UserSubject(userU))
	assert.ErrorIs(t, err, ErrGrantNotFound)
}

func TestStore_NowIsInjectable(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	role := createRole(t, s, "clock")
	assert.Equal(t, fixed, role.CreatedAt)
}

func TestStore_SetPermissionRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, created_at FROM scoped_grants`)).
		WithArgs(ScopeField, fieldF, SubjectUser, userU, tableT).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO scoped_grants`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	s := NewStore(db)
	_, err = s.SetFieldPermission(context.Background(), testWorkspace, tableT, fieldF, UserSubject(userU), LevelRead, FieldPermissionOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create field grant")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetPermissionUpdatesExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT workspace_id FROM roles WHERE id = $1`)).
		WithArgs(roleR).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}).AddRow(testWorkspace))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, created_at FROM scoped_grants`)).
		WithArgs(ScopeView, viewV, SubjectRole, roleR, tableT).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(77, created))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scoped_grants`)).
		WithArgs("READ", true, false, false, true, sqlmock.AnyArg(), int64(77)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewStore(db)
	g, err := s.SetViewPermission(context.Background(), testWorkspace, tableT, viewV, RoleSubject(roleR), LevelRead,
		ViewPermissionOptions{IsHidden: true, CanDelete: true})
	require.NoError(t, err)
	assert.Equal(t, int64(77), g.ID)
	assert.Equal(t, created, g.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadSnapshotQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM roles WHERE workspace_id = $1`)).
		WithArgs(testWorkspace).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err = NewStore(db).LoadSnapshot(context.Background(), testWorkspace)
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, mock.ExpectationsWereMet())
}
