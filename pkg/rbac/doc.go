// Package rbac resolves table, field, view and row permissions for a workspace.
//
// # Overview
//
// Access is granted by scoped grants issued to a user or a role, and by
// conditional grants that apply to a row only when its data (and optionally
// the requester's attributes) match. Levels form a ladder:
//
//	NONE < READ < UPDATE < CREATE < DELETE
//
// and each grant's scope-specific flags can narrow what its level allows.
//
// # Evaluation
//
// Grants for one workspace are loaded into an immutable Snapshot and
// evaluated without further I/O:
//
//	snap, err := store.LoadSnapshot(ctx, workspaceID)
//	eval := rbac.NewEvaluator(rbac.WithDefaultPolicy(rbac.ClosedPolicy))
//	ok, err := eval.Check(ctx, snap, user, rbac.RowResource(ws, table, row), rbac.OperationUpdate, rowData)
//
// When nothing applies at the requested scope, field, view and row checks
// defer to the table; a table with no grants at all is decided by the
// DefaultPolicy.
//
// A hidden direct grant on a field, view or row denies outright. Hidden role
// grants are skipped instead, so another role can still grant access.
//
// # Checker
//
// PermissionChecker loads snapshots through a SnapshotCache and invalidates
// the cache on writes made through it:
//
//	cache := rbac.NewSnapshotCache(store, 1024, 30*time.Second, metrics)
//	checker := rbac.NewPermissionChecker(store, cache, eval, rbac.FailClosed, logger)
//	visible, err := checker.FilterFields(ctx, ws, user, fieldIDs)
//
// # Storage
//
// Store persists roles, assignments and grants in Postgres (see
// GetMigrations). Every write runs in one transaction.
package rbac
