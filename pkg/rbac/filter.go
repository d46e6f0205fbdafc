package rbac

// CollectionFilter prunes lists of tables, fields and views using the same
// grant data as the Evaluator, without evaluating each member. Rows are not
// filtered here; callers needing row-level pruning use Evaluator.CheckRows.
type CollectionFilter struct{}

// NewCollectionFilter creates a collection filter
func NewCollectionFilter() *CollectionFilter {
	return &CollectionFilter{}
}

// FilterTables restricts tableIDs to the tables the user, directly or through
// a role, holds a grant on. When no such grant exists for any table the
// collection passes through unchanged.
func (f *CollectionFilter) FilterTables(snap *Snapshot, user User, tableIDs []int64) []int64 {
	granted := make(map[int64]bool)
	for _, subject := range snap.subjectsFor(user.ID) {
		for _, g := range snap.GrantsForSubject(ScopeTable, subject) {
			granted[g.ResourceID] = true
		}
	}
	if len(granted) == 0 {
		return tableIDs
	}

	out := make([]int64, 0, len(tableIDs))
	for _, id := range tableIDs {
		if granted[id] {
			out = append(out, id)
		}
	}
	return out
}

// FilterFields drops fields hidden from the user
func (f *CollectionFilter) FilterFields(snap *Snapshot, user User, fieldIDs []int64) []int64 {
	return f.filterHidden(snap, user, ScopeField, fieldIDs)
}

// FilterViews drops views hidden from the user
func (f *CollectionFilter) FilterViews(snap *Snapshot, user User, viewIDs []int64) []int64 {
	return f.filterHidden(snap, user, ScopeView, viewIDs)
}

// filterHidden removes members whose direct grant is hidden or, lacking a
// direct grant, any of whose role grants is hidden.
func (f *CollectionFilter) filterHidden(snap *Snapshot, user User, scope Scope, ids []int64) []int64 {
	roleIDs := snap.UserRoleIDs(user.ID)
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !isHiddenFor(snap, scope, id, user.ID, roleIDs) {
			out = append(out, id)
		}
	}
	return out
}

func isHiddenFor(snap *Snapshot, scope Scope, id, userID int64, roleIDs []int64) bool {
	res := Resource{Scope: scope, WorkspaceID: snap.WorkspaceID(), ID: id}
	if g, ok := snap.DirectGrant(res, userID); ok {
		return g.Flags.IsHidden
	}
	for _, g := range snap.RoleGrants(res, roleIDs) {
		if g.Flags.IsHidden {
			return true
		}
	}
	return false
}
