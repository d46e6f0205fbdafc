// Package fixtures loads workspace permission data from YAML.
//
// A fixture describes users, roles, assignments and grants of one workspace.
// It can be turned into an in-memory snapshot for offline checks, or applied
// to a database through any Writer such as rbac.Store or
// rbac.PermissionChecker. Roles are referenced by name so a fixture applies
// cleanly to a database that assigns its own ids.
//
// Example:
//
//	workspace: 1
//	users:
//	  - id: 10
//	    username: ada
//	roles:
//	  - name: editor
//	    capabilities: [create_views]
//	assignments:
//	  - user: 10
//	    role: editor
//	grants:
//	  - scope: table
//	    table: 1000
//	    role: editor
//	    level: UPDATE
//	    can_update: true
//	checks:
//	  - user: 10
//	    scope: table
//	    table: 1000
//	    operation: update
//	    expect: true
package fixtures

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/gridguard/pkg/rbac"
)

// Fixture is the YAML document
type Fixture struct {
	Workspace         int64              `yaml:"workspace"`
	Users             []rbac.User        `yaml:"users"`
	Roles             []Role             `yaml:"roles"`
	Assignments       []Assignment       `yaml:"assignments"`
	Grants            []Grant            `yaml:"grants"`
	ConditionalGrants []ConditionalGrant `yaml:"conditional_grants"`
	Checks            []Check            `yaml:"checks"`
}

// Role is a named role with its capabilities
type Role struct {
	Name         string            `yaml:"name"`
	Capabilities []rbac.Capability `yaml:"capabilities"`
}

// Assignment gives a user a role by name
type Assignment struct {
	User int64  `yaml:"user"`
	Role string `yaml:"role"`
}

// Grant is a scoped grant. Exactly one of User and Role is set. For table
// grants Resource may be omitted.
type Grant struct {
	Scope     rbac.Scope           `yaml:"scope"`
	Table     int64                `yaml:"table"`
	Resource  int64                `yaml:"resource"`
	User      *int64               `yaml:"user"`
	Role      string               `yaml:"role"`
	Level     rbac.PermissionLevel `yaml:"level"`
	Hidden    bool                 `yaml:"hidden"`
	CanCreate bool                 `yaml:"can_create"`
	CanUpdate bool                 `yaml:"can_update"`
	CanDelete bool                 `yaml:"can_delete"`
}

// ConditionalGrant is a data-conditional row grant
type ConditionalGrant struct {
	Name          string                 `yaml:"name"`
	Table         int64                  `yaml:"table"`
	User          *int64                 `yaml:"user"`
	Role          string                 `yaml:"role"`
	Field         int64                  `yaml:"field"`
	Operator      rbac.FieldOperator     `yaml:"operator"`
	Value         string                 `yaml:"value"`
	UserAttribute string                 `yaml:"user_attribute"`
	UserOperator  rbac.AttributeOperator `yaml:"user_operator"`
	UserValue     string                 `yaml:"user_value"`
	Level         rbac.PermissionLevel   `yaml:"level"`
	CanRead       bool                   `yaml:"can_read"`
	CanUpdate     bool                   `yaml:"can_update"`
	CanDelete     bool                   `yaml:"can_delete"`
	Inactive      bool                   `yaml:"inactive"`
}

// Check is an expected decision
type Check struct {
	User       int64          `yaml:"user"`
	Scope      rbac.Scope     `yaml:"scope"`
	Table      int64          `yaml:"table"`
	ResourceID int64          `yaml:"resource"`
	Operation  rbac.Operation `yaml:"operation"`
	Row        rbac.RowData   `yaml:"row"`
	Expect     bool           `yaml:"expect"`
}

// Load parses a fixture from r
func Load(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile parses the fixture at path
func LoadFile(path string) (*Fixture, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	defer file.Close()
	return Load(file)
}

func (f *Fixture) validate() error {
	if f.Workspace == 0 {
		return fmt.Errorf("fixture workspace is required")
	}
	seen := make(map[string]bool, len(f.Roles))
	for _, r := range f.Roles {
		if r.Name == "" {
			return fmt.Errorf("fixture role without a name")
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: %s", rbac.ErrDuplicateRole, r.Name)
		}
		seen[r.Name] = true
		if _, err := r.toRole(f.Workspace); err != nil {
			return err
		}
	}
	for i, g := range f.Grants {
		if !g.Scope.Valid() {
			return fmt.Errorf("grant %d: %w: %q", i, rbac.ErrInvalidScope, g.Scope)
		}
	}
	return nil
}

func (r Role) toRole(workspaceID int64) (rbac.Role, error) {
	role := rbac.Role{WorkspaceID: workspaceID, Name: r.Name}
	for _, c := range r.Capabilities {
		switch c {
		case rbac.CapabilityCreateTables:
			role.CanCreateTables = true
		case rbac.CapabilityDeleteTables:
			role.CanDeleteTables = true
		case rbac.CapabilityCreateViews:
			role.CanCreateViews = true
		case rbac.CapabilityManageWorkspace:
			role.CanManageWorkspace = true
		default:
			return rbac.Role{}, fmt.Errorf("role %s: %w: %q", r.Name, rbac.ErrUnknownCapability, c)
		}
	}
	return role, nil
}

// User returns the fixture user with id, or a bare user when none is listed
func (f *Fixture) User(id int64) rbac.User {
	for _, u := range f.Users {
		if u.ID == id {
			return u
		}
	}
	return rbac.User{ID: id}
}

// subject resolves a user id or role name against roleIDs
func subject(user *int64, role string, roleIDs map[string]int64) (rbac.Subject, error) {
	var rolePtr *int64
	if role != "" {
		id, ok := roleIDs[role]
		if !ok {
			return rbac.Subject{}, fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, role)
		}
		rolePtr = &id
	}
	return rbac.SubjectFrom(user, rolePtr)
}

func (g Grant) resourceID() int64 {
	if g.Scope == rbac.ScopeTable || g.Resource == 0 {
		return g.Table
	}
	return g.Resource
}

func (g Grant) flags() rbac.GrantFlags {
	return rbac.GrantFlags{IsHidden: g.Hidden, CanCreate: g.CanCreate, CanUpdate: g.CanUpdate, CanDelete: g.CanDelete}
}

func (c ConditionalGrant) toGrant(workspaceID int64, s rbac.Subject) rbac.ConditionalGrant {
	return rbac.ConditionalGrant{
		WorkspaceID:           workspaceID,
		Name:                  c.Name,
		TableID:               c.Table,
		Subject:               s,
		ConditionFieldID:      c.Field,
		ConditionOperator:     c.Operator,
		ConditionValue:        c.Value,
		UserAttributeField:    c.UserAttribute,
		UserAttributeOperator: c.UserOperator,
		UserAttributeValue:    c.UserValue,
		Level:                 c.Level,
		CanRead:               c.CanRead,
		CanUpdate:             c.CanUpdate,
		CanDelete:             c.CanDelete,
		IsActive:              !c.Inactive,
	}
}

// Snapshot builds an in-memory snapshot. Roles get ids 1..n in listed order;
// grants and conditional grants likewise.
func (f *Fixture) Snapshot() (*rbac.Snapshot, error) {
	b := rbac.NewSnapshotBuilder(f.Workspace)

	roleIDs := make(map[string]int64, len(f.Roles))
	for i, r := range f.Roles {
		role, err := r.toRole(f.Workspace)
		if err != nil {
			return nil, err
		}
		role.ID = int64(i + 1)
		roleIDs[r.Name] = role.ID
		b.AddRole(role)
	}

	for _, a := range f.Assignments {
		roleID, ok := roleIDs[a.Role]
		if !ok {
			return nil, fmt.Errorf("assignment for user %d: %w: %s", a.User, rbac.ErrRoleNotFound, a.Role)
		}
		b.AddAssignment(rbac.UserRoleAssignment{UserID: a.User, RoleID: roleID, WorkspaceID: f.Workspace})
	}

	for i, g := range f.Grants {
		s, err := subject(g.User, g.Role, roleIDs)
		if err != nil {
			return nil, fmt.Errorf("grant %d: %w", i, err)
		}
		b.AddGrant(rbac.ScopedGrant{
			ID:          int64(i + 1),
			WorkspaceID: f.Workspace,
			Scope:       g.Scope,
			TableID:     g.Table,
			ResourceID:  g.resourceID(),
			Subject:     s,
			Level:       g.Level,
			Flags:       g.flags(),
		})
	}

	for i, c := range f.ConditionalGrants {
		s, err := subject(c.User, c.Role, roleIDs)
		if err != nil {
			return nil, fmt.Errorf("conditional grant %d: %w", i, err)
		}
		cg := c.toGrant(f.Workspace, s)
		cg.ID = int64(i + 1)
		if err := rbac.ValidateConditionalGrant(&cg); err != nil {
			return nil, fmt.Errorf("conditional grant %d: %w", i, err)
		}
		b.AddConditionalGrant(cg)
	}

	return b.Build()
}

// Resource returns the resource a check refers to
func (c Check) Resource(workspaceID int64) rbac.Resource {
	switch c.Scope {
	case rbac.ScopeField:
		return rbac.FieldResource(workspaceID, c.Table, c.ResourceID)
	case rbac.ScopeView:
		return rbac.ViewResource(workspaceID, c.Table, c.ResourceID)
	case rbac.ScopeRow:
		return rbac.RowResource(workspaceID, c.Table, c.ResourceID)
	}
	return rbac.TableResource(workspaceID, c.Table)
}

// Writer is the set of store operations Apply needs. Both rbac.Store and
// rbac.PermissionChecker implement it.
type Writer interface {
	CreateRole(ctx context.Context, role *rbac.Role) error
	AssignRole(ctx context.Context, a *rbac.UserRoleAssignment) error
	SetTablePermission(ctx context.Context, workspaceID, tableID int64, subject rbac.Subject, level rbac.PermissionLevel, opts rbac.TablePermissionOptions) (*rbac.ScopedGrant, error)
	SetFieldPermission(ctx context.Context, workspaceID, tableID, fieldID int64, subject rbac.Subject, level rbac.PermissionLevel, opts rbac.FieldPermissionOptions) (*rbac.ScopedGrant, error)
	SetViewPermission(ctx context.Context, workspaceID, tableID, viewID int64, subject rbac.Subject, level rbac.PermissionLevel, opts rbac.ViewPermissionOptions) (*rbac.ScopedGrant, error)
	SetRowPermission(ctx context.Context, workspaceID, tableID, rowID int64, subject rbac.Subject, level rbac.PermissionLevel, opts rbac.RowPermissionOptions) (*rbac.ScopedGrant, error)
	CreateConditionalGrant(ctx context.Context, g *rbac.ConditionalGrant) error
}

// Apply writes the fixture through w and returns the ids assigned to its roles
func (f *Fixture) Apply(ctx context.Context, w Writer) (map[string]int64, error) {
	roleIDs := make(map[string]int64, len(f.Roles))
	for _, r := range f.Roles {
		role, err := r.toRole(f.Workspace)
		if err != nil {
			return nil, err
		}
		if err := w.CreateRole(ctx, &role); err != nil {
			return nil, fmt.Errorf("failed to create role %s: %w", r.Name, err)
		}
		roleIDs[r.Name] = role.ID
	}

	for _, a := range f.Assignments {
		roleID, ok := roleIDs[a.Role]
		if !ok {
			return nil, fmt.Errorf("assignment for user %d: %w: %s", a.User, rbac.ErrRoleNotFound, a.Role)
		}
		if err := w.AssignRole(ctx, &rbac.UserRoleAssignment{UserID: a.User, RoleID: roleID, WorkspaceID: f.Workspace}); err != nil {
			return nil, fmt.Errorf("failed to assign role %s: %w", a.Role, err)
		}
	}

	for i, g := range f.Grants {
		s, err := subject(g.User, g.Role, roleIDs)
		if err != nil {
			return nil, fmt.Errorf("grant %d: %w", i, err)
		}
		if err := applyGrant(ctx, w, f.Workspace, g, s); err != nil {
			return nil, fmt.Errorf("grant %d: %w", i, err)
		}
	}

	for i, c := range f.ConditionalGrants {
		s, err := subject(c.User, c.Role, roleIDs)
		if err != nil {
			return nil, fmt.Errorf("conditional grant %d: %w", i, err)
		}
		cg := c.toGrant(f.Workspace, s)
		if err := w.CreateConditionalGrant(ctx, &cg); err != nil {
			return nil, fmt.Errorf("conditional grant %d: %w", i, err)
		}
	}

	return roleIDs, nil
}

func applyGrant(ctx context.Context, w Writer, workspaceID int64, g Grant, s rbac.Subject) error {
	var err error
	switch g.Scope {
	case rbac.ScopeTable:
		_, err = w.SetTablePermission(ctx, workspaceID, g.Table, s, g.Level,
			rbac.TablePermissionOptions{CanCreateRows: g.CanCreate, CanUpdateRows: g.CanUpdate, CanDeleteRows: g.CanDelete})
	case rbac.ScopeField:
		_, err = w.SetFieldPermission(ctx, workspaceID, g.Table, g.resourceID(), s, g.Level,
			rbac.FieldPermissionOptions{IsHidden: g.Hidden, CanUpdate: g.CanUpdate})
	case rbac.ScopeView:
		_, err = w.SetViewPermission(ctx, workspaceID, g.Table, g.resourceID(), s, g.Level,
			rbac.ViewPermissionOptions{IsHidden: g.Hidden, CanUpdate: g.CanUpdate, CanDelete: g.CanDelete})
	case rbac.ScopeRow:
		_, err = w.SetRowPermission(ctx, workspaceID, g.Table, g.resourceID(), s, g.Level,
			rbac.RowPermissionOptions{IsHidden: g.Hidden, CanUpdate: g.CanUpdate, CanDelete: g.CanDelete})
	default:
		err = fmt.Errorf("%w: %q", rbac.ErrInvalidScope, g.Scope)
	}
	return err
}
