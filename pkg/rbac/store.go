package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store handles persistence of roles, assignments and grants. Every write
// runs in a single transaction so a grant is never visible half-written.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const roleColumns = `id, workspace_id, name, can_create_tables, can_delete_tables, can_create_views, can_manage_workspace, created_at, updated_at`

func scanRole(row scanner) (*Role, error) {
	var r Role
	err := row.Scan(
		&r.ID,
		&r.WorkspaceID,
		&r.Name,
		&r.CanCreateTables,
		&r.CanDeleteTables,
		&r.CanCreateViews,
		&r.CanManageWorkspace,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRole creates a new role. Names are unique within a workspace.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	if role.Name == "" {
		return fmt.Errorf("role name is required")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM roles WHERE workspace_id = $1 AND name = $2`,
			role.WorkspaceID, role.Name,
		).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateRole, role.Name)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check role name: %w", err)
		}

		now := s.now()
		err = tx.QueryRowContext(ctx, `
			INSERT INTO roles (workspace_id, name, can_create_tables, can_delete_tables, can_create_views, can_manage_workspace, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			role.WorkspaceID,
			role.Name,
			role.CanCreateTables,
			role.CanDeleteTables,
			role.CanCreateViews,
			role.CanManageWorkspace,
			now,
			now,
		).Scan(&role.ID)
		if err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}

		role.CreatedAt = now
		role.UpdatedAt = now
		return nil
	})
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE id = $1`, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleByName retrieves a role by its name within a workspace
func (s *Store) GetRoleByName(ctx context.Context, workspaceID int64, name string) (*Role, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE workspace_id = $1 AND name = $2`, workspaceID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles lists the roles of a workspace ordered by name
func (s *Store) ListRoles(ctx context.Context, workspaceID int64) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE workspace_id = $1 ORDER BY name ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// UpdateRole updates a role's capability flags and name
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	role.UpdatedAt = s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE roles
		SET name = $1, can_create_tables = $2, can_delete_tables = $3, can_create_views = $4, can_manage_workspace = $5, updated_at = $6
		WHERE id = $7`,
		role.Name,
		role.CanCreateTables,
		role.CanDeleteTables,
		role.CanCreateViews,
		role.CanManageWorkspace,
		role.UpdatedAt,
		role.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, role.ID)
	}
	return nil
}

// DeleteRole deletes a role together with its assignments and every grant
// naming it.
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_role_assignments WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("failed to delete role assignments: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM scoped_grants WHERE subject_type = $1 AND subject_id = $2`, SubjectRole, roleID); err != nil {
			return fmt.Errorf("failed to delete role grants: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conditional_grants WHERE subject_type = $1 AND subject_id = $2`, SubjectRole, roleID); err != nil {
			return fmt.Errorf("failed to delete role conditional grants: %w", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
		if err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
		}
		return nil
	})
}

// roleWorkspace returns the workspace owning roleID
func roleWorkspace(ctx context.Context, tx *sql.Tx, roleID int64) (int64, error) {
	var workspaceID int64
	err := tx.QueryRowContext(ctx, `SELECT workspace_id FROM roles WHERE id = $1`, roleID).Scan(&workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get role: %w", err)
	}
	return workspaceID, nil
}

// checkRoleWorkspace fails unless roleID exists and belongs to workspaceID
func checkRoleWorkspace(ctx context.Context, tx *sql.Tx, roleID, workspaceID int64) error {
	owner, err := roleWorkspace(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if owner != workspaceID {
		return fmt.Errorf("%w: role %d does not belong to workspace %d", ErrRoleNotFound, roleID, workspaceID)
	}
	return nil
}

// AssignRole assigns a role to a user. Assigning the same role twice updates
// the existing assignment.
func (s *Store) AssignRole(ctx context.Context, a *UserRoleAssignment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkRoleWorkspace(ctx, tx, a.RoleID, a.WorkspaceID); err != nil {
			return err
		}

		now := s.now()
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM user_role_assignments WHERE user_id = $1 AND role_id = $2 AND workspace_id = $3`,
			a.UserID, a.RoleID, a.WorkspaceID,
		).Scan(&existing)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx,
				`UPDATE user_role_assignments SET assigned_by = $1, assigned_at = $2 WHERE id = $3`,
				a.AssignedBy, now, existing); err != nil {
				return fmt.Errorf("failed to update role assignment: %w", err)
			}
			a.ID = existing
		case errors.Is(err, sql.ErrNoRows):
			err = tx.QueryRowContext(ctx, `
				INSERT INTO user_role_assignments (user_id, role_id, workspace_id, assigned_by, assigned_at)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id`,
				a.UserID, a.RoleID, a.WorkspaceID, a.AssignedBy, now,
			).Scan(&a.ID)
			if err != nil {
				return fmt.Errorf("failed to assign role: %w", err)
			}
		default:
			return fmt.Errorf("failed to look up role assignment: %w", err)
		}

		a.AssignedAt = now
		return nil
	})
}

// UnassignRole removes a user's role within a workspace
func (s *Store) UnassignRole(ctx context.Context, userID, roleID, workspaceID int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM user_role_assignments WHERE user_id = $1 AND role_id = $2 AND workspace_id = $3`,
		userID, roleID, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to unassign role: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: user %d has no role %d", ErrAssignmentNotFound, userID, roleID)
	}
	return nil
}

// ListAssignments returns every role assignment in a workspace
func (s *Store) ListAssignments(ctx context.Context, workspaceID int64) ([]UserRoleAssignment, error) {
	return listAssignments(ctx, s.db, workspaceID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func listAssignments(ctx context.Context, q querier, workspaceID int64) ([]UserRoleAssignment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, role_id, workspace_id, assigned_by, assigned_at
		FROM user_role_assignments
		WHERE workspace_id = $1
		ORDER BY id ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role assignments: %w", err)
	}
	defer rows.Close()

	var out []UserRoleAssignment
	for rows.Next() {
		var a UserRoleAssignment
		var assignedBy sql.NullInt64
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.WorkspaceID, &assignedBy, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}
		if assignedBy.Valid {
			id := assignedBy.Int64
			a.AssignedBy = &id
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const grantColumns = `id, workspace_id, scope, table_id, resource_id, subject_type, subject_id, permission_level, is_hidden, can_create, can_update, can_delete, created_at, updated_at`

func scanGrant(row scanner) (*ScopedGrant, error) {
	var g ScopedGrant
	var level string
	err := row.Scan(
		&g.ID,
		&g.WorkspaceID,
		&g.Scope,
		&g.TableID,
		&g.ResourceID,
		&g.Subject.Kind,
		&g.Subject.ID,
		&level,
		&g.Flags.IsHidden,
		&g.Flags.CanCreate,
		&g.Flags.CanUpdate,
		&g.Flags.CanDelete,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if g.Level, err = ParsePermissionLevel(level); err != nil {
		return nil, err
	}
	return &g, nil
}

// SetTablePermission creates or updates the subject's grant on a table
func (s *Store) SetTablePermission(ctx context.Context, workspaceID, tableID int64, subject Subject, level PermissionLevel, opts TablePermissionOptions) (*ScopedGrant, error) {
	return s.setPermission(ctx, &ScopedGrant{
		WorkspaceID: workspaceID,
		Scope:       ScopeTable,
		TableID:     tableID,
		ResourceID:  tableID,
		Subject:     subject,
		Level:       level,
		Flags:       opts.flags(),
	})
}

// SetFieldPermission creates or updates the subject's grant on a field
func (s *Store) SetFieldPermission(ctx context.Context, workspaceID, tableID, fieldID int64, subject Subject, level PermissionLevel, opts FieldPermissionOptions) (*ScopedGrant, error) {
	return s.setPermission(ctx, &ScopedGrant{
		WorkspaceID: workspaceID,
		Scope:       ScopeField,
		TableID:     tableID,
		ResourceID:  fieldID,
		Subject:     subject,
		Level:       level,
		Flags:       opts.flags(),
	})
}

// SetViewPermission creates or updates the subject's grant on a view
func (s *Store) SetViewPermission(ctx context.Context, workspaceID, tableID, viewID int64, subject Subject, level PermissionLevel, opts ViewPermissionOptions) (*ScopedGrant, error) {
	return s.setPermission(ctx, &ScopedGrant{
		WorkspaceID: workspaceID,
		Scope:       ScopeView,
		TableID:     tableID,
		ResourceID:  viewID,
		Subject:     subject,
		Level:       level,
		Flags:       opts.flags(),
	})
}

// SetRowPermission creates or updates the subject's grant on a row
func (s *Store) SetRowPermission(ctx context.Context, workspaceID, tableID, rowID int64, subject Subject, level PermissionLevel, opts RowPermissionOptions) (*ScopedGrant, error) {
	return s.setPermission(ctx, &ScopedGrant{
		WorkspaceID: workspaceID,
		Scope:       ScopeRow,
		TableID:     tableID,
		ResourceID:  rowID,
		Subject:     subject,
		Level:       level,
		Flags:       opts.flags(),
	})
}

// grantMatch selects one subject's grant on a resource. Row ids repeat across
// tables, so row grants are matched on their table as well.
const grantMatch = `scope = $1 AND resource_id = $2 AND subject_type = $3 AND subject_id = $4 AND (scope <> 'row' OR table_id = $5)`

// setPermission looks the grant up by (scope, resource, subject) and updates
// it in place, or inserts it when absent.
func (s *Store) setPermission(ctx context.Context, g *ScopedGrant) (*ScopedGrant, error) {
	if err := g.Subject.Validate(); err != nil {
		return nil, err
	}
	if g.Level < LevelNone || g.Level > LevelDelete {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPermissionLevel, int(g.Level))
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if g.Subject.Kind == SubjectRole {
			if err := checkRoleWorkspace(ctx, tx, g.Subject.ID, g.WorkspaceID); err != nil {
				return err
			}
		}

		now := s.now()
		var existingID int64
		var createdAt time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT id, created_at FROM scoped_grants
			WHERE `+grantMatch,
			g.Scope, g.ResourceID, g.Subject.Kind, g.Subject.ID, g.TableID,
		).Scan(&existingID, &createdAt)

		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `
				UPDATE scoped_grants
				SET permission_level = $1, is_hidden = $2, can_create = $3, can_update = $4, can_delete = $5, updated_at = $6
				WHERE id = $7`,
				g.Level.String(), g.Flags.IsHidden, g.Flags.CanCreate, g.Flags.CanUpdate, g.Flags.CanDelete, now, existingID,
			)
			if err != nil {
				return fmt.Errorf("failed to update %s grant: %w", g.Scope, err)
			}
			g.ID = existingID
			g.CreatedAt = createdAt
		case errors.Is(err, sql.ErrNoRows):
			err = tx.QueryRowContext(ctx, `
				INSERT INTO scoped_grants (workspace_id, scope, table_id, resource_id, subject_type, subject_id, permission_level, is_hidden, can_create, can_update, can_delete, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				RETURNING id`,
				g.WorkspaceID, g.Scope, g.TableID, g.ResourceID, g.Subject.Kind, g.Subject.ID, g.Level.String(),
				g.Flags.IsHidden, g.Flags.CanCreate, g.Flags.CanUpdate, g.Flags.CanDelete, now, now,
			).Scan(&g.ID)
			if err != nil {
				return fmt.Errorf("failed to create %s grant: %w", g.Scope, err)
			}
			g.CreatedAt = now
		default:
			return fmt.Errorf("failed to look up %s grant: %w", g.Scope, err)
		}

		g.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetGrant returns the subject's grant on a resource
func (s *Store) GetGrant(ctx context.Context, res Resource, subject Subject) (*ScopedGrant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		SELECT `+grantColumns+` FROM scoped_grants
		WHERE `+grantMatch,
		res.Scope, res.ID, subject.Kind, subject.ID, res.TableID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s for %s", ErrGrantNotFound, res, subject)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// RevokePermission deletes the subject's grant on a resource
func (s *Store) RevokePermission(ctx context.Context, res Resource, subject Subject) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM scoped_grants
		WHERE `+grantMatch,
		res.Scope, res.ID, subject.Kind, subject.ID, res.TableID)
	if err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s for %s", ErrGrantNotFound, res, subject)
	}
	return nil
}

// DeleteGrantsForResource removes every grant on a deleted resource. Deleting
// a table also removes the field, view, row and conditional grants within it.
func (s *Store) DeleteGrantsForResource(ctx context.Context, res Resource) (int64, error) {
	if !res.Scope.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidScope, res.Scope)
	}

	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var result sql.Result
		var err error
		switch res.Scope {
		case ScopeTable:
			result, err = tx.ExecContext(ctx, `DELETE FROM scoped_grants WHERE table_id = $1`, res.TableID)
		case ScopeRow:
			result, err = tx.ExecContext(ctx,
				`DELETE FROM scoped_grants WHERE scope = $1 AND table_id = $2 AND resource_id = $3`, res.Scope, res.TableID, res.ID)
		default:
			result, err = tx.ExecContext(ctx, `DELETE FROM scoped_grants WHERE scope = $1 AND resource_id = $2`, res.Scope, res.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to delete grants: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			deleted += n
		}

		switch res.Scope {
		case ScopeTable:
			result, err = tx.ExecContext(ctx, `DELETE FROM conditional_grants WHERE table_id = $1`, res.TableID)
		case ScopeField:
			result, err = tx.ExecContext(ctx, `DELETE FROM conditional_grants WHERE condition_field_id = $1`, res.ID)
		default:
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to delete conditional grants: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			deleted += n
		}
		return nil
	})
	return deleted, err
}

// DeleteWorkspace removes every role, assignment and grant of a workspace
func (s *Store) DeleteWorkspace(ctx context.Context, workspaceID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"conditional_grants", "scoped_grants", "user_role_assignments", "roles"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE workspace_id = $1`, workspaceID); err != nil {
				return fmt.Errorf("failed to delete %s: %w", table, err)
			}
		}
		return nil
	})
}

const conditionalColumns = `id, workspace_id, name, table_id, subject_type, subject_id, condition_field_id, condition_operator, condition_value,
	user_attribute_field, user_attribute_operator, user_attribute_value, permission_level, can_read, can_update, can_delete, is_active, created_at, updated_at`

func scanConditionalGrant(row scanner) (*ConditionalGrant, error) {
	var g ConditionalGrant
	var level string
	err := row.Scan(
		&g.ID,
		&g.WorkspaceID,
		&g.Name,
		&g.TableID,
		&g.Subject.Kind,
		&g.Subject.ID,
		&g.ConditionFieldID,
		&g.ConditionOperator,
		&g.ConditionValue,
		&g.UserAttributeField,
		&g.UserAttributeOperator,
		&g.UserAttributeValue,
		&level,
		&g.CanRead,
		&g.CanUpdate,
		&g.CanDelete,
		&g.IsActive,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if g.Level, err = ParsePermissionLevel(level); err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateConditionalGrant stores a new conditional grant
func (s *Store) CreateConditionalGrant(ctx context.Context, g *ConditionalGrant) error {
	if err := ValidateConditionalGrant(g); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if g.Subject.Kind == SubjectRole {
			if err := checkRoleWorkspace(ctx, tx, g.Subject.ID, g.WorkspaceID); err != nil {
				return err
			}
		}

		now := s.now()
		err := tx.QueryRowContext(ctx, `
			INSERT INTO conditional_grants (workspace_id, name, table_id, subject_type, subject_id, condition_field_id, condition_operator, condition_value,
				user_attribute_field, user_attribute_operator, user_attribute_value, permission_level, can_read, can_update, can_delete, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			RETURNING id`,
			g.WorkspaceID, g.Name, g.TableID, g.Subject.Kind, g.Subject.ID, g.ConditionFieldID, g.ConditionOperator, g.ConditionValue,
			g.UserAttributeField, g.UserAttributeOperator, g.UserAttributeValue, g.Level.String(), g.CanRead, g.CanUpdate, g.CanDelete,
			g.IsActive, now, now,
		).Scan(&g.ID)
		if err != nil {
			return fmt.Errorf("failed to create conditional grant: %w", err)
		}
		g.CreatedAt = now
		g.UpdatedAt = now
		return nil
	})
}

// GetConditionalGrant retrieves a conditional grant by ID
func (s *Store) GetConditionalGrant(ctx context.Context, id int64) (*ConditionalGrant, error) {
	g, err := scanConditionalGrant(s.db.QueryRowContext(ctx,
		`SELECT `+conditionalColumns+` FROM conditional_grants WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conditional grant %d", ErrGrantNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conditional grant: %w", err)
	}
	return g, nil
}

// UpdateConditionalGrant replaces the conditions and rights of a conditional grant
func (s *Store) UpdateConditionalGrant(ctx context.Context, g *ConditionalGrant) error {
	if err := ValidateConditionalGrant(g); err != nil {
		return err
	}

	g.UpdatedAt = s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE conditional_grants
		SET name = $1, condition_field_id = $2, condition_operator = $3, condition_value = $4,
			user_attribute_field = $5, user_attribute_operator = $6, user_attribute_value = $7,
			permission_level = $8, can_read = $9, can_update = $10, can_delete = $11, is_active = $12, updated_at = $13
		WHERE id = $14`,
		g.Name, g.ConditionFieldID, g.ConditionOperator, g.ConditionValue,
		g.UserAttributeField, g.UserAttributeOperator, g.UserAttributeValue,
		g.Level.String(), g.CanRead, g.CanUpdate, g.CanDelete, g.IsActive, g.UpdatedAt,
		g.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conditional grant: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: conditional grant %d", ErrGrantNotFound, g.ID)
	}
	return nil
}

// SetConditionalGrantActive activates or deactivates a conditional grant
// without deleting it.
func (s *Store) SetConditionalGrantActive(ctx context.Context, id int64, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conditional_grants SET is_active = $1, updated_at = $2 WHERE id = $3`,
		active, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update conditional grant: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: conditional grant %d", ErrGrantNotFound, id)
	}
	return nil
}

// DeleteConditionalGrant deletes a conditional grant
func (s *Store) DeleteConditionalGrant(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conditional_grants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conditional grant: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: conditional grant %d", ErrGrantNotFound, id)
	}
	return nil
}

// LoadSnapshot reads a workspace's roles, assignments and grants inside one
// transaction so they describe the same point in time.
func (s *Store) LoadSnapshot(ctx context.Context, workspaceID int64) (*Snapshot, error) {
	b := NewSnapshotBuilder(workspaceID)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+roleColumns+` FROM roles WHERE workspace_id = $1`, workspaceID)
		if err != nil {
			return fmt.Errorf("failed to load roles: %w", err)
		}
		for rows.Next() {
			role, err := scanRole(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan role: %w", err)
			}
			b.AddRole(*role)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to load roles: %w", err)
		}

		assignments, err := listAssignments(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		for _, a := range assignments {
			b.AddAssignment(a)
		}

		rows, err = tx.QueryContext(ctx,
			`SELECT `+grantColumns+` FROM scoped_grants WHERE workspace_id = $1`, workspaceID)
		if err != nil {
			return fmt.Errorf("failed to load grants: %w", err)
		}
		for rows.Next() {
			g, err := scanGrant(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan grant: %w", err)
			}
			b.AddGrant(*g)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to load grants: %w", err)
		}

		rows, err = tx.QueryContext(ctx,
			`SELECT `+conditionalColumns+` FROM conditional_grants WHERE workspace_id = $1 AND is_active = $2`, workspaceID, true)
		if err != nil {
			return fmt.Errorf("failed to load conditional grants: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			g, err := scanConditionalGrant(rows)
			if err != nil {
				return fmt.Errorf("failed to scan conditional grant: %w", err)
			}
			b.AddConditionalGrant(*g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return b.Build()
}
