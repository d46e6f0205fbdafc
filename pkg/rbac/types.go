package rbac

import (
	"fmt"
	"strings"
	"time"
)

// Scope is the resource granularity a grant applies to
type Scope string

const (
	ScopeTable Scope = "table"
	ScopeField Scope = "field"
	ScopeView  Scope = "view"
	ScopeRow   Scope = "row"
)

// Valid reports whether s is one of the four known scopes
func (s Scope) Valid() bool {
	switch s {
	case ScopeTable, ScopeField, ScopeView, ScopeRow:
		return true
	}
	return false
}

// Operation is an action requested on a resource
type Operation string

const (
	OperationRead   Operation = "read"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ParseOperation converts a string into an Operation
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OperationRead, OperationCreate, OperationUpdate, OperationDelete:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
}

// PermissionLevel is one point on the NONE < READ < UPDATE < CREATE < DELETE ladder.
// Each level implies every lower right.
type PermissionLevel int

const (
	LevelNone PermissionLevel = iota
	LevelRead
	LevelUpdate
	LevelCreate
	LevelDelete
)

var levelNames = []string{"NONE", "READ", "UPDATE", "CREATE", "DELETE"}

func (l PermissionLevel) String() string {
	if l < LevelNone || l > LevelDelete {
		return fmt.Sprintf("PermissionLevel(%d)", int(l))
	}
	return levelNames[l]
}

// ParsePermissionLevel converts a level name (case-insensitive) into a PermissionLevel
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return PermissionLevel(i), nil
		}
	}
	return LevelNone, fmt.Errorf("%w: %q", ErrInvalidPermissionLevel, s)
}

// MarshalText implements encoding.TextMarshaler
func (l PermissionLevel) MarshalText() ([]byte, error) {
	if l < LevelNone || l > LevelDelete {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPermissionLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *PermissionLevel) UnmarshalText(text []byte) error {
	parsed, err := ParsePermissionLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// operationRank maps an operation to the minimum level that grants it
var operationRank = map[Operation]PermissionLevel{
	OperationRead:   LevelRead,
	OperationUpdate: LevelUpdate,
	OperationCreate: LevelCreate,
	OperationDelete: LevelDelete,
}

// LevelAllows reports whether the ladder position level grants op
func LevelAllows(level PermissionLevel, op Operation) bool {
	required, ok := operationRank[op]
	if !ok {
		return false
	}
	return level >= required
}

// SubjectKind tags which kind of principal a grant is issued to
type SubjectKind string

const (
	SubjectUser SubjectKind = "user"
	SubjectRole SubjectKind = "role"
)

// Subject is the principal of a grant: exactly one user or one role
type Subject struct {
	Kind SubjectKind `json:"kind" yaml:"kind"`
	ID   int64       `json:"id" yaml:"id"`
}

// UserSubject returns a subject naming a single user
func UserSubject(userID int64) Subject {
	return Subject{Kind: SubjectUser, ID: userID}
}

// RoleSubject returns a subject naming a role
func RoleSubject(roleID int64) Subject {
	return Subject{Kind: SubjectRole, ID: roleID}
}

// SubjectFrom converts the nullable user/role pair used at the administration
// boundary into a Subject. Exactly one of the two must be set.
func SubjectFrom(userID, roleID *int64) (Subject, error) {
	switch {
	case userID != nil && roleID != nil:
		return Subject{}, fmt.Errorf("%w: both user and role set", ErrInvalidGrantSubject)
	case userID != nil:
		return UserSubject(*userID), nil
	case roleID != nil:
		return RoleSubject(*roleID), nil
	}
	return Subject{}, fmt.Errorf("%w: neither user nor role set", ErrInvalidGrantSubject)
}

// Validate checks the subject is well formed
func (s Subject) Validate() error {
	if s.Kind != SubjectUser && s.Kind != SubjectRole {
		return fmt.Errorf("%w: unknown subject kind %q", ErrInvalidGrantSubject, s.Kind)
	}
	if s.ID <= 0 {
		return fmt.Errorf("%w: %s id must be positive", ErrInvalidGrantSubject, s.Kind)
	}
	return nil
}

func (s Subject) String() string {
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

// Role is a named set of workspace capabilities
type Role struct {
	ID                 int64     `json:"id"`
	WorkspaceID        int64     `json:"workspace_id"`
	Name               string    `json:"name"`
	CanCreateTables    bool      `json:"can_create_tables"`
	CanDeleteTables    bool      `json:"can_delete_tables"`
	CanCreateViews     bool      `json:"can_create_views"`
	CanManageWorkspace bool      `json:"can_manage_workspace"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Capability names a role-level workspace capability
type Capability string

const (
	CapabilityCreateTables    Capability = "create_tables"
	CapabilityDeleteTables    Capability = "delete_tables"
	CapabilityCreateViews     Capability = "create_views"
	CapabilityManageWorkspace Capability = "manage_workspace"
)

// Has reports whether the role carries capability c
func (r Role) Has(c Capability) (bool, error) {
	switch c {
	case CapabilityCreateTables:
		return r.CanCreateTables, nil
	case CapabilityDeleteTables:
		return r.CanDeleteTables, nil
	case CapabilityCreateViews:
		return r.CanCreateViews, nil
	case CapabilityManageWorkspace:
		return r.CanManageWorkspace, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
}

// UserRoleAssignment binds a user to a role within a workspace
type UserRoleAssignment struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	RoleID      int64     `json:"role_id"`
	WorkspaceID int64     `json:"workspace_id"`
	AssignedBy  *int64    `json:"assigned_by,omitempty"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// GrantFlags holds the scope-specific booleans of a scoped grant. Which flags
// apply to which operation depends on the grant's scope, see scopeFlags.
type GrantFlags struct {
	IsHidden  bool `json:"is_hidden"`
	CanCreate bool `json:"can_create"`
	CanUpdate bool `json:"can_update"`
	CanDelete bool `json:"can_delete"`
}

// ScopedGrant is an explicit grant on a single table, field, view or row
type ScopedGrant struct {
	ID          int64           `json:"id"`
	WorkspaceID int64           `json:"workspace_id"`
	Scope       Scope           `json:"scope"`
	TableID     int64           `json:"table_id"`
	ResourceID  int64           `json:"resource_id"`
	Subject     Subject         `json:"subject"`
	Level       PermissionLevel `json:"permission_level"`
	Flags       GrantFlags      `json:"flags"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TablePermissionOptions are the flags defined for table grants
type TablePermissionOptions struct {
	CanCreateRows bool
	CanUpdateRows bool
	CanDeleteRows bool
}

// DefaultTablePermissionOptions leaves the ladder as the only restriction
func DefaultTablePermissionOptions() TablePermissionOptions {
	return TablePermissionOptions{CanCreateRows: true, CanUpdateRows: true, CanDeleteRows: true}
}

func (o TablePermissionOptions) flags() GrantFlags {
	return GrantFlags{CanCreate: o.CanCreateRows, CanUpdate: o.CanUpdateRows, CanDelete: o.CanDeleteRows}
}

// FieldPermissionOptions are the flags defined for field grants
type FieldPermissionOptions struct {
	IsHidden  bool
	CanUpdate bool
}

// DefaultFieldPermissionOptions returns a visible, editable field grant
func DefaultFieldPermissionOptions() FieldPermissionOptions {
	return FieldPermissionOptions{CanUpdate: true}
}

func (o FieldPermissionOptions) flags() GrantFlags {
	return GrantFlags{IsHidden: o.IsHidden, CanUpdate: o.CanUpdate}
}

// ViewPermissionOptions are the flags defined for view grants
type ViewPermissionOptions struct {
	IsHidden  bool
	CanUpdate bool
	CanDelete bool
}

// DefaultViewPermissionOptions returns a visible view grant without flag restrictions
func DefaultViewPermissionOptions() ViewPermissionOptions {
	return ViewPermissionOptions{CanUpdate: true, CanDelete: true}
}

func (o ViewPermissionOptions) flags() GrantFlags {
	return GrantFlags{IsHidden: o.IsHidden, CanUpdate: o.CanUpdate, CanDelete: o.CanDelete}
}

// RowPermissionOptions are the flags defined for row grants
type RowPermissionOptions struct {
	IsHidden  bool
	CanUpdate bool
	CanDelete bool
}

// DefaultRowPermissionOptions returns a visible row grant without flag restrictions
func DefaultRowPermissionOptions() RowPermissionOptions {
	return RowPermissionOptions{CanUpdate: true, CanDelete: true}
}

func (o RowPermissionOptions) flags() GrantFlags {
	return GrantFlags{IsHidden: o.IsHidden, CanUpdate: o.CanUpdate, CanDelete: o.CanDelete}
}

// FieldOperator is a comparison applied to a row's field value
type FieldOperator string

const (
	FieldEquals      FieldOperator = "equals"
	FieldNotEquals   FieldOperator = "not_equals"
	FieldContains    FieldOperator = "contains"
	FieldNotContains FieldOperator = "not_contains"
	FieldGreaterThan FieldOperator = "greater_than"
	FieldLessThan    FieldOperator = "less_than"
	FieldIsEmpty     FieldOperator = "is_empty"
	FieldIsNotEmpty  FieldOperator = "is_not_empty"
)

// AttributeOperator is a comparison applied to a requesting user's attribute
type AttributeOperator string

const (
	AttributeEquals     AttributeOperator = "equals"
	AttributeContains   AttributeOperator = "contains"
	AttributeStartsWith AttributeOperator = "starts_with"
	AttributeEndsWith   AttributeOperator = "ends_with"
)

// ConditionalGrant applies to row checks only when the row's data, and
// optionally the requesting user's attribute, satisfy its conditions.
type ConditionalGrant struct {
	ID                    int64             `json:"id"`
	WorkspaceID           int64             `json:"workspace_id"`
	Name                  string            `json:"name"`
	TableID               int64             `json:"table_id"`
	Subject               Subject           `json:"subject"`
	ConditionFieldID      int64             `json:"condition_field_id"`
	ConditionOperator     FieldOperator     `json:"condition_operator"`
	ConditionValue        string            `json:"condition_value"`
	UserAttributeField    string            `json:"user_attribute_field,omitempty"`
	UserAttributeOperator AttributeOperator `json:"user_attribute_operator,omitempty"`
	UserAttributeValue    string            `json:"user_attribute_value,omitempty"`
	Level                 PermissionLevel   `json:"granted_permission_level"`
	CanRead               bool              `json:"can_read"`
	CanUpdate             bool              `json:"can_update"`
	CanDelete             bool              `json:"can_delete"`
	IsActive              bool              `json:"is_active"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// HasUserCondition reports whether the grant also constrains the requester
func (g ConditionalGrant) HasUserCondition() bool {
	return g.UserAttributeField != ""
}

// User is the requesting principal as supplied by the caller
type User struct {
	ID         int64             `json:"id" yaml:"id"`
	Username   string            `json:"username" yaml:"username"`
	Email      string            `json:"email" yaml:"email"`
	FirstName  string            `json:"first_name" yaml:"first_name"`
	IsStaff    bool              `json:"is_staff" yaml:"is_staff"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes"`
}

// Attribute returns the string form of a named user attribute
func (u User) Attribute(name string) (string, bool) {
	switch name {
	case "id":
		return fmt.Sprintf("%d", u.ID), true
	case "username":
		return u.Username, true
	case "email":
		return u.Email, true
	case "first_name":
		return u.FirstName, true
	case "is_staff":
		return formatBool(u.IsStaff), true
	}
	v, ok := u.Attributes[name]
	return v, ok
}

// Resource identifies what a check is about. For table resources ID equals TableID.
type Resource struct {
	Scope       Scope `json:"scope"`
	WorkspaceID int64 `json:"workspace_id"`
	TableID     int64 `json:"table_id"`
	ID          int64 `json:"id"`
}

// TableResource returns a table-scoped resource
func TableResource(workspaceID, tableID int64) Resource {
	return Resource{Scope: ScopeTable, WorkspaceID: workspaceID, TableID: tableID, ID: tableID}
}

// FieldResource returns a field-scoped resource
func FieldResource(workspaceID, tableID, fieldID int64) Resource {
	return Resource{Scope: ScopeField, WorkspaceID: workspaceID, TableID: tableID, ID: fieldID}
}

// ViewResource returns a view-scoped resource
func ViewResource(workspaceID, tableID, viewID int64) Resource {
	return Resource{Scope: ScopeView, WorkspaceID: workspaceID, TableID: tableID, ID: viewID}
}

// RowResource returns a row-scoped resource
func RowResource(workspaceID, tableID, rowID int64) Resource {
	return Resource{Scope: ScopeRow, WorkspaceID: workspaceID, TableID: tableID, ID: rowID}
}

// Table returns the table-scoped resource containing r
func (r Resource) Table() Resource {
	return TableResource(r.WorkspaceID, r.TableID)
}

func (r Resource) String() string {
	if r.Scope == ScopeTable {
		return fmt.Sprintf("table:%d", r.TableID)
	}
	return fmt.Sprintf("%s:%d/%d", r.Scope, r.TableID, r.ID)
}

// RowData maps field ids to row values. A present key with a nil value is a null cell.
type RowData map[int64]any

// Decision is the outcome of an evaluation
type Decision struct {
	Allowed bool `json:"allowed"`
	// Engaged is false when no grant of any kind applied and the
	// default policy decided.
	Engaged       bool      `json:"engaged"`
	Reason        string    `json:"reason,omitempty"`
	MatchedGrants []string  `json:"matched_grants,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}
