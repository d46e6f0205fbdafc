package rbac

import (
	"fmt"
	"sort"
	"time"
)

// grantKey indexes scoped grants by (scope, resource, subject). Row ids are
// only unique within their table, so row keys also carry the table id.
type grantKey struct {
	scope      Scope
	tableID    int64
	resourceID int64
	subject    Subject
}

func keyFor(scope Scope, tableID, resourceID int64, subject Subject) grantKey {
	if scope != ScopeRow {
		tableID = 0
	}
	return grantKey{scope: scope, tableID: tableID, resourceID: resourceID, subject: subject}
}

// Snapshot is a point-in-time, read-only view of one workspace's roles,
// assignments, scoped grants and conditional grants. It is safe for
// concurrent use once built.
type Snapshot struct {
	workspaceID int64
	loadedAt    time.Time

	roles       map[int64]Role
	userRoles   map[int64][]int64
	grants      map[grantKey]*ScopedGrant
	subjectRefs map[Scope]map[Subject][]*ScopedGrant
	conditional map[int64][]*ConditionalGrant
}

// SnapshotBuilder assembles a Snapshot. It is not safe for concurrent use.
type SnapshotBuilder struct {
	snap *Snapshot
	err  error
}

// NewSnapshotBuilder starts an empty snapshot for workspaceID
func NewSnapshotBuilder(workspaceID int64) *SnapshotBuilder {
	return &SnapshotBuilder{
		snap: &Snapshot{
			workspaceID: workspaceID,
			roles:       make(map[int64]Role),
			userRoles:   make(map[int64][]int64),
			grants:      make(map[grantKey]*ScopedGrant),
			subjectRefs: make(map[Scope]map[Subject][]*ScopedGrant),
			conditional: make(map[int64][]*ConditionalGrant),
		},
	}
}

// AddRole registers a role definition
func (b *SnapshotBuilder) AddRole(role Role) *SnapshotBuilder {
	b.snap.roles[role.ID] = role
	return b
}

// AddAssignment registers a user-role assignment
func (b *SnapshotBuilder) AddAssignment(a UserRoleAssignment) *SnapshotBuilder {
	for _, existing := range b.snap.userRoles[a.UserID] {
		if existing == a.RoleID {
			return b
		}
	}
	b.snap.userRoles[a.UserID] = append(b.snap.userRoles[a.UserID], a.RoleID)
	return b
}

// AddGrant registers a scoped grant. A later grant for the same
// (scope, resource, subject) replaces the earlier one.
func (b *SnapshotBuilder) AddGrant(g ScopedGrant) *SnapshotBuilder {
	if b.err != nil {
		return b
	}
	if !g.Scope.Valid() {
		b.err = fmt.Errorf("%w: %q", ErrInvalidScope, g.Scope)
		return b
	}
	if err := g.Subject.Validate(); err != nil {
		b.err = err
		return b
	}
	if g.Scope == ScopeTable {
		g.ResourceID = g.TableID
	}

	key := keyFor(g.Scope, g.TableID, g.ResourceID, g.Subject)
	grant := &g
	if _, exists := b.snap.grants[key]; exists {
		refs := b.snap.subjectRefs[g.Scope][g.Subject]
		for i, ref := range refs {
			if keyFor(ref.Scope, ref.TableID, ref.ResourceID, ref.Subject) == key {
				refs[i] = grant
			}
		}
	} else {
		if b.snap.subjectRefs[g.Scope] == nil {
			b.snap.subjectRefs[g.Scope] = make(map[Subject][]*ScopedGrant)
		}
		b.snap.subjectRefs[g.Scope][g.Subject] = append(b.snap.subjectRefs[g.Scope][g.Subject], grant)
	}
	b.snap.grants[key] = grant
	return b
}

// AddConditionalGrant registers a conditional grant. Inactive grants are kept
// out of the evaluation index.
func (b *SnapshotBuilder) AddConditionalGrant(g ConditionalGrant) *SnapshotBuilder {
	if b.err != nil {
		return b
	}
	if err := g.Subject.Validate(); err != nil {
		b.err = err
		return b
	}
	if !g.IsActive {
		return b
	}
	grant := g
	b.snap.conditional[g.TableID] = append(b.snap.conditional[g.TableID], &grant)
	return b
}

// Build returns the finished snapshot or the first error encountered
func (b *SnapshotBuilder) Build() (*Snapshot, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, grants := range b.snap.conditional {
		sort.Slice(grants, func(i, j int) bool { return grants[i].ID < grants[j].ID })
	}
	b.snap.loadedAt = time.Now()
	snap := b.snap
	b.snap = nil
	return snap, nil
}

// WorkspaceID returns the workspace this snapshot describes
func (s *Snapshot) WorkspaceID() int64 {
	return s.workspaceID
}

// LoadedAt returns when the snapshot was built
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Role returns a role by id
func (s *Snapshot) Role(roleID int64) (Role, bool) {
	role, ok := s.roles[roleID]
	return role, ok
}

// UserRoleIDs returns the role ids assigned to userID. Ids of roles deleted
// after the assignment was read are still returned; they simply match no grants.
func (s *Snapshot) UserRoleIDs(userID int64) []int64 {
	return s.userRoles[userID]
}

// DirectGrant returns the user's own grant on a resource
func (s *Snapshot) DirectGrant(res Resource, userID int64) (*ScopedGrant, bool) {
	g, ok := s.grants[keyFor(res.Scope, res.TableID, res.ID, UserSubject(userID))]
	return g, ok
}

// RoleGrants returns the grants on a resource issued to any of roleIDs
func (s *Snapshot) RoleGrants(res Resource, roleIDs []int64) []*ScopedGrant {
	var out []*ScopedGrant
	for _, roleID := range roleIDs {
		if g, ok := s.grants[keyFor(res.Scope, res.TableID, res.ID, RoleSubject(roleID))]; ok {
			out = append(out, g)
		}
	}
	return out
}

// GrantsForSubject returns every grant at scope issued to subject
func (s *Snapshot) GrantsForSubject(scope Scope, subject Subject) []*ScopedGrant {
	return s.subjectRefs[scope][subject]
}

// ConditionalGrants returns the active conditional grants on a table
func (s *Snapshot) ConditionalGrants(tableID int64) []*ConditionalGrant {
	return s.conditional[tableID]
}

// subjectsFor returns the user's own subject followed by each of its role subjects
func (s *Snapshot) subjectsFor(userID int64) []Subject {
	roleIDs := s.userRoles[userID]
	subjects := make([]Subject, 0, len(roleIDs)+1)
	subjects = append(subjects, UserSubject(userID))
	for _, id := range roleIDs {
		subjects = append(subjects, RoleSubject(id))
	}
	return subjects
}
