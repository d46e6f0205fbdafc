package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/platinummonkey/gridguard/pkg/observability"
)

// FailurePolicy decides what a PermissionChecker does with an evaluation error
type FailurePolicy int

const (
	// FailClosed logs the error, counts it and denies
	FailClosed FailurePolicy = iota
	// FailLoud returns the error to the caller
	FailLoud
)

func (p FailurePolicy) String() string {
	if p == FailLoud {
		return "fail-loud"
	}
	return "fail-closed"
}

// ParseFailurePolicy maps "fail-closed" and "fail-loud" to a FailurePolicy
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-closed", "closed":
		return FailClosed, nil
	case "fail-loud", "loud":
		return FailLoud, nil
	}
	return FailClosed, fmt.Errorf("unknown failure policy %q", s)
}

// PermissionChecker answers permission questions by workspace id. It loads
// snapshots through a SnapshotCache and invalidates them on every write made
// through it.
type PermissionChecker struct {
	store     *Store
	cache     *SnapshotCache
	evaluator *Evaluator
	filter    *CollectionFilter
	failure   FailurePolicy
	logger    *observability.Logger
}

// NewPermissionChecker creates a permission checker
func NewPermissionChecker(store *Store, cache *SnapshotCache, evaluator *Evaluator, failure FailurePolicy, logger *observability.Logger) *PermissionChecker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &PermissionChecker{
		store:     store,
		cache:     cache,
		evaluator: evaluator,
		filter:    NewCollectionFilter(),
		failure:   failure,
		logger:    logger,
	}
}

// Snapshot returns the current snapshot of a workspace
func (pc *PermissionChecker) Snapshot(ctx context.Context, workspaceID int64) (*Snapshot, error) {
	snap, err := pc.cache.Get(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace %d: %w", workspaceID, err)
	}
	return snap, nil
}

// Check reports whether user may perform op on res
func (pc *PermissionChecker) Check(ctx context.Context, user User, res Resource, op Operation, row RowData) (bool, error) {
	d, err := pc.Decide(ctx, user, res, op, row)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Decide is Check with the reasoning attached. Under FailClosed an
// evaluation error yields a denying decision instead of an error; load
// failures are always returned.
func (pc *PermissionChecker) Decide(ctx context.Context, user User, res Resource, op Operation, row RowData) (*Decision, error) {
	snap, err := pc.Snapshot(ctx, res.WorkspaceID)
	if err != nil {
		return nil, err
	}

	d, err := pc.evaluator.Decide(ctx, snap, user, res, op, row)
	if err != nil {
		if pc.failure == FailClosed && IsEvaluationError(err) {
			observability.FromContext(ctx).WithError(err).
				WithField("resource", res.String()).
				Warn("denying after evaluation error")
			return &Decision{Allowed: false, Engaged: true, Reason: "evaluation error: " + err.Error()}, nil
		}
		return nil, err
	}
	return d, nil
}

// CheckRows evaluates op on many rows of one table. Under FailClosed a batch
// that fails to evaluate denies every row.
func (pc *PermissionChecker) CheckRows(ctx context.Context, workspaceID int64, user User, tableID int64, op Operation, rows map[int64]RowData) (map[int64]bool, error) {
	snap, err := pc.Snapshot(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	out, err := pc.evaluator.CheckRows(ctx, snap, user, tableID, op, rows)
	if err != nil {
		if pc.failure == FailClosed && IsEvaluationError(err) {
			observability.FromContext(ctx).WithError(err).
				WithField("table_id", tableID).
				Warn("denying row batch after evaluation error")
			denied := make(map[int64]bool, len(rows))
			for id := range rows {
				denied[id] = false
			}
			return denied, nil
		}
		return nil, err
	}
	return out, nil
}

// FilterTables returns the tables visible to user
func (pc *PermissionChecker) FilterTables(ctx context.Context, workspaceID int64, user User, tableIDs []int64) ([]int64, error) {
	snap, err := pc.Snapshot(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return pc.filter.FilterTables(snap, user, tableIDs), nil
}

// FilterFields returns the fields not hidden from user
func (pc *PermissionChecker) FilterFields(ctx context.Context, workspaceID int64, user User, fieldIDs []int64) ([]int64, error) {
	snap, err := pc.Snapshot(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return pc.filter.FilterFields(snap, user, fieldIDs), nil
}

// FilterViews returns the views not hidden from user
func (pc *PermissionChecker) FilterViews(ctx context.Context, workspaceID int64, user User, viewIDs []int64) ([]int64, error) {
	snap, err := pc.Snapshot(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return pc.filter.FilterViews(snap, user, viewIDs), nil
}

// HasCapability reports whether any of the user's roles carries c
func (pc *PermissionChecker) HasCapability(ctx context.Context, workspaceID int64, user User, c Capability) (bool, error) {
	snap, err := pc.Snapshot(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return pc.evaluator.HasCapability(snap, user, c)
}

// CreateRole creates a role and invalidates its workspace
func (pc *PermissionChecker) CreateRole(ctx context.Context, role *Role) error {
	if err := pc.store.CreateRole(ctx, role); err != nil {
		return err
	}
	pc.cache.Invalidate(role.WorkspaceID)
	return nil
}

// UpdateRole updates a role and invalidates its workspace
func (pc *PermissionChecker) UpdateRole(ctx context.Context, role *Role) error {
	if err := pc.store.UpdateRole(ctx, role); err != nil {
		return err
	}
	pc.cache.Invalidate(role.WorkspaceID)
	return nil
}

// DeleteRole deletes a role with its assignments and grants
func (pc *PermissionChecker) DeleteRole(ctx context.Context, roleID int64) error {
	role, err := pc.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := pc.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	pc.cache.Invalidate(role.WorkspaceID)
	return nil
}

// AssignRole assigns a role to a user
func (pc *PermissionChecker) AssignRole(ctx context.Context, a *UserRoleAssignment) error {
	if err := pc.store.AssignRole(ctx, a); err != nil {
		return err
	}
	pc.cache.Invalidate(a.WorkspaceID)
	return nil
}

// UnassignRole removes a role from a user
func (pc *PermissionChecker) UnassignRole(ctx context.Context, userID, roleID, workspaceID int64) error {
	if err := pc.store.UnassignRole(ctx, userID, roleID, workspaceID); err != nil {
		return err
	}
	pc.cache.Invalidate(workspaceID)
	return nil
}

// SetTablePermission creates or updates a table grant
func (pc *PermissionChecker) SetTablePermission(ctx context.Context, workspaceID, tableID int64, subject Subject, level PermissionLevel, opts TablePermissionOptions) (*ScopedGrant, error) {
	return pc.afterGrantWrite(workspaceID)(pc.store.SetTablePermission(ctx, workspaceID, tableID, subject, level, opts))
}

// SetFieldPermission creates or updates a field grant
func (pc *PermissionChecker) SetFieldPermission(ctx context.Context, workspaceID, tableID, fieldID int64, subject Subject, level PermissionLevel, opts FieldPermissionOptions) (*ScopedGrant, error) {
	return pc.afterGrantWrite(workspaceID)(pc.store.SetFieldPermission(ctx, workspaceID, tableID, fieldID, subject, level, opts))
}

// SetViewPermission creates or updates a view grant
func (pc *PermissionChecker) SetViewPermission(ctx context.Context, workspaceID, tableID, viewID int64, subject Subject, level PermissionLevel, opts ViewPermissionOptions) (*ScopedGrant, error) {
	return pc.afterGrantWrite(workspaceID)(pc.store.SetViewPermission(ctx, workspaceID, tableID, viewID, subject, level, opts))
}

// SetRowPermission creates or updates a row grant
func (pc *PermissionChecker) SetRowPermission(ctx context.Context, workspaceID, tableID, rowID int64, subject Subject, level PermissionLevel, opts RowPermissionOptions) (*ScopedGrant, error) {
	return pc.afterGrantWrite(workspaceID)(pc.store.SetRowPermission(ctx, workspaceID, tableID, rowID, subject, level, opts))
}

func (pc *PermissionChecker) afterGrantWrite(workspaceID int64) func(*ScopedGrant, error) (*ScopedGrant, error) {
	return func(g *ScopedGrant, err error) (*ScopedGrant, error) {
		if err != nil {
			return nil, err
		}
		pc.cache.Invalidate(workspaceID)
		return g, nil
	}
}

// RevokePermission deletes the subject's grant on res
func (pc *PermissionChecker) RevokePermission(ctx context.Context, res Resource, subject Subject) error {
	if err := pc.store.RevokePermission(ctx, res, subject); err != nil {
		return err
	}
	pc.cache.Invalidate(res.WorkspaceID)
	return nil
}

// DeleteGrantsForResource removes the grants of a deleted resource
func (pc *PermissionChecker) DeleteGrantsForResource(ctx context.Context, res Resource) (int64, error) {
	n, err := pc.store.DeleteGrantsForResource(ctx, res)
	if err != nil {
		return 0, err
	}
	pc.cache.Invalidate(res.WorkspaceID)
	return n, nil
}

// CreateConditionalGrant stores a conditional grant
func (pc *PermissionChecker) CreateConditionalGrant(ctx context.Context, g *ConditionalGrant) error {
	if err := pc.store.CreateConditionalGrant(ctx, g); err != nil {
		return err
	}
	pc.cache.Invalidate(g.WorkspaceID)
	return nil
}

// UpdateConditionalGrant replaces a conditional grant
func (pc *PermissionChecker) UpdateConditionalGrant(ctx context.Context, g *ConditionalGrant) error {
	if err := pc.store.UpdateConditionalGrant(ctx, g); err != nil {
		return err
	}
	pc.cache.Invalidate(g.WorkspaceID)
	return nil
}

// SetConditionalGrantActive toggles a conditional grant
func (pc *PermissionChecker) SetConditionalGrantActive(ctx context.Context, id int64, active bool) error {
	g, err := pc.store.GetConditionalGrant(ctx, id)
	if err != nil {
		return err
	}
	if err := pc.store.SetConditionalGrantActive(ctx, id, active); err != nil {
		return err
	}
	pc.cache.Invalidate(g.WorkspaceID)
	return nil
}

// DeleteConditionalGrant deletes a conditional grant
func (pc *PermissionChecker) DeleteConditionalGrant(ctx context.Context, id int64) error {
	g, err := pc.store.GetConditionalGrant(ctx, id)
	if err != nil {
		return err
	}
	if err := pc.store.DeleteConditionalGrant(ctx, id); err != nil {
		return err
	}
	pc.cache.Invalidate(g.WorkspaceID)
	return nil
}

// DeleteWorkspace removes all permission data of a workspace
func (pc *PermissionChecker) DeleteWorkspace(ctx context.Context, workspaceID int64) error {
	if err := pc.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	pc.cache.Invalidate(workspaceID)
	return nil
}
