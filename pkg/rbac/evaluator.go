package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gridguard/pkg/observability"
)

const tracerName = "github.com/platinummonkey/gridguard/pkg/rbac"

// DefaultPolicy decides a table-scope check when no grant of any kind applies
type DefaultPolicy func(scope Scope, op Operation) bool

// OpenPolicy allows everything when no restriction layer is engaged
func OpenPolicy(Scope, Operation) bool { return true }

// ReadOnlyPolicy allows only reads when no restriction layer is engaged
func ReadOnlyPolicy(_ Scope, op Operation) bool { return op == OperationRead }

// ClosedPolicy denies everything when no restriction layer is engaged
func ClosedPolicy(Scope, Operation) bool { return false }

// ParseDefaultPolicy maps "open", "read-only" and "closed" to a policy
func ParseDefaultPolicy(name string) (DefaultPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "open":
		return OpenPolicy, nil
	case "read-only", "readonly":
		return ReadOnlyPolicy, nil
	case "closed":
		return ClosedPolicy, nil
	}
	return nil, fmt.Errorf("unknown default policy %q", name)
}

// scopeFlags is the decision table of which grant flag must also hold for an
// operation at each scope. Operations without an entry are decided by the
// ladder alone.
var scopeFlags = map[Scope]map[Operation]func(GrantFlags) bool{
	ScopeTable: {
		OperationCreate: func(f GrantFlags) bool { return f.CanCreate },
		OperationUpdate: func(f GrantFlags) bool { return f.CanUpdate },
		OperationDelete: func(f GrantFlags) bool { return f.CanDelete },
	},
	ScopeField: {
		OperationUpdate: func(f GrantFlags) bool { return f.CanUpdate },
	},
	ScopeView: {
		OperationUpdate: func(f GrantFlags) bool { return f.CanUpdate },
		OperationDelete: func(f GrantFlags) bool { return f.CanDelete },
	},
	ScopeRow: {
		OperationUpdate: func(f GrantFlags) bool { return f.CanUpdate },
		OperationDelete: func(f GrantFlags) bool { return f.CanDelete },
	},
}

// GrantAllows reports whether a scoped grant permits op: the ladder and, when
// the scope defines one, the operation's flag must both allow it.
func GrantAllows(g *ScopedGrant, op Operation) bool {
	if !LevelAllows(g.Level, op) {
		return false
	}
	if flag, ok := scopeFlags[g.Scope][op]; ok {
		return flag(g.Flags)
	}
	return true
}

// ConditionalAllows reports whether a matching conditional grant permits op
func ConditionalAllows(g *ConditionalGrant, op Operation) bool {
	if !LevelAllows(g.Level, op) {
		return false
	}
	switch op {
	case OperationRead:
		return g.CanRead
	case OperationUpdate:
		return g.CanUpdate
	case OperationDelete:
		return g.CanDelete
	}
	return true
}

// Evaluator resolves effective access from a Snapshot. It holds no per-call
// state and is safe for concurrent use.
type Evaluator struct {
	policy         DefaultPolicy
	logger         *observability.Logger
	metrics        *observability.Metrics
	tracer         trace.Tracer
	rowConcurrency int
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithDefaultPolicy sets the policy applied when no table grants exist
func WithDefaultPolicy(p DefaultPolicy) EvaluatorOption {
	return func(e *Evaluator) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithLogger sets the evaluator's logger
func WithLogger(l *observability.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *observability.Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(t trace.Tracer) EvaluatorOption {
	return func(e *Evaluator) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithRowConcurrency bounds the goroutines used by CheckRows
func WithRowConcurrency(n int) EvaluatorOption {
	return func(e *Evaluator) {
		if n > 0 {
			e.rowConcurrency = n
		}
	}
}

// NewEvaluator creates an evaluator with the open default policy
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		policy:         OpenPolicy,
		logger:         observability.NopLogger(),
		tracer:         otel.Tracer(tracerName),
		rowConcurrency: 8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check returns whether user may perform op on res. row is only consulted for
// row resources, where it enables conditional grants.
func (e *Evaluator) Check(ctx context.Context, snap *Snapshot, user User, res Resource, op Operation, row RowData) (bool, error) {
	d, err := e.Decide(ctx, snap, user, res, op, row)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Decide is Check with the reasoning attached
func (e *Evaluator) Decide(ctx context.Context, snap *Snapshot, user User, res Resource, op Operation, row RowData) (*Decision, error) {
	_, span := e.tracer.Start(ctx, "rbac.Decide", trace.WithAttributes(
		attribute.String("rbac.scope", string(res.Scope)),
		attribute.String("rbac.operation", string(op)),
		attribute.Int64("rbac.table_id", res.TableID),
		attribute.Int64("rbac.resource_id", res.ID),
		attribute.Int64("rbac.user_id", user.ID),
	))
	defer span.End()

	start := time.Now()
	d, err := e.decideChecked(snap, user, res, op, row)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.recordError(res, err)
		return nil, err
	}

	d.CheckedAt = time.Now()
	span.SetAttributes(
		attribute.Bool("rbac.allowed", d.Allowed),
		attribute.Bool("rbac.engaged", d.Engaged),
	)
	e.recordDecision(res, op, d, time.Since(start))
	return d, nil
}

func (e *Evaluator) decideChecked(snap *Snapshot, user User, res Resource, op Operation, row RowData) (*Decision, error) {
	if snap == nil {
		return nil, errors.New("nil snapshot")
	}
	if _, ok := operationRank[op]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	if !res.Scope.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, res.Scope)
	}
	return e.decide(snap, user, res, op, row)
}

func (e *Evaluator) decide(snap *Snapshot, user User, res Resource, op Operation, row RowData) (*Decision, error) {
	roleIDs := snap.UserRoleIDs(user.ID)
	d := &Decision{}
	found := false

	if g, ok := snap.DirectGrant(res, user.ID); ok {
		if res.Scope != ScopeTable && g.Flags.IsHidden {
			return &Decision{
				Allowed:       false,
				Engaged:       true,
				Reason:        "hidden by direct grant",
				MatchedGrants: []string{grantLabel(g)},
			}, nil
		}
		found = true
		if GrantAllows(g, op) {
			d.Allowed = true
			d.MatchedGrants = append(d.MatchedGrants, grantLabel(g))
		}
	}

	for _, g := range snap.RoleGrants(res, roleIDs) {
		if res.Scope != ScopeTable && g.Flags.IsHidden {
			continue
		}
		found = true
		if GrantAllows(g, op) {
			d.Allowed = true
			d.MatchedGrants = append(d.MatchedGrants, grantLabel(g))
		}
	}

	if res.Scope == ScopeRow && row != nil {
		for _, cg := range snap.ConditionalGrants(res.TableID) {
			if !subjectMatches(cg.Subject, user.ID, roleIDs) {
				continue
			}
			found = true

			matched, err := evaluateFieldCondition(cg, row)
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
			matched, err = evaluateUserCondition(cg, user)
			if err != nil {
				return nil, err
			}
			if matched && ConditionalAllows(cg, op) {
				d.Allowed = true
				d.MatchedGrants = append(d.MatchedGrants, fmt.Sprintf("conditional:%d", cg.ID))
			}
		}
	}

	if found {
		d.Engaged = true
		if d.Allowed {
			d.Reason = fmt.Sprintf("granted by %s", strings.Join(d.MatchedGrants, ", "))
		} else {
			d.Reason = fmt.Sprintf("no %s grant allows %s", res.Scope, op)
		}
		return d, nil
	}

	if res.Scope != ScopeTable {
		td, err := e.decide(snap, user, res.Table(), op, nil)
		if err != nil {
			return nil, err
		}
		td.Reason = fmt.Sprintf("no %s grants, table: %s", res.Scope, td.Reason)
		return td, nil
	}

	return &Decision{
		Allowed: e.policy(res.Scope, op),
		Engaged: false,
		Reason:  "no grants, default policy applied",
	}, nil
}

// CheckRows evaluates op on many rows of one table and returns the decision
// per row id. The first evaluation error cancels the batch.
func (e *Evaluator) CheckRows(ctx context.Context, snap *Snapshot, user User, tableID int64, op Operation, rows map[int64]RowData) (map[int64]bool, error) {
	ctx, span := e.tracer.Start(ctx, "rbac.CheckRows", trace.WithAttributes(
		attribute.Int64("rbac.table_id", tableID),
		attribute.String("rbac.operation", string(op)),
		attribute.Int("rbac.rows", len(rows)),
	))
	defer span.End()

	if snap == nil {
		return nil, errors.New("nil snapshot")
	}

	ids := make([]int64, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	allowed := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.rowConcurrency)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := RowResource(snap.WorkspaceID(), tableID, id)
			d, err := e.decideChecked(snap, user, res, op, rows[id])
			if err != nil {
				return fmt.Errorf("row %d: %w", id, err)
			}
			allowed[i] = d.Allowed
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.recordError(RowResource(snap.WorkspaceID(), tableID, 0), err)
		return nil, err
	}

	out := make(map[int64]bool, len(ids))
	for i, id := range ids {
		out[id] = allowed[i]
	}
	return out, nil
}

// HasCapability reports whether any of the user's roles carries capability c
func (e *Evaluator) HasCapability(snap *Snapshot, user User, c Capability) (bool, error) {
	if _, err := (Role{}).Has(c); err != nil {
		return false, err
	}
	for _, roleID := range snap.UserRoleIDs(user.ID) {
		role, ok := snap.Role(roleID)
		if !ok {
			continue
		}
		if has, _ := role.Has(c); has {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) recordDecision(res Resource, op Operation, d *Decision, elapsed time.Duration) {
	e.logger.WithFields(map[string]interface{}{
		"scope":    string(res.Scope),
		"resource": res.String(),
		"op":       string(op),
		"allowed":  d.Allowed,
		"engaged":  d.Engaged,
	}).Debug(d.Reason)

	if e.metrics == nil {
		return
	}
	result := "deny"
	if d.Allowed {
		result = "allow"
	}
	e.metrics.PermissionChecksTotal.WithLabelValues(string(res.Scope), string(op), result).Inc()
	e.metrics.PermissionCheckDuration.WithLabelValues(string(res.Scope)).Observe(elapsed.Seconds())
}

func (e *Evaluator) recordError(res Resource, err error) {
	e.logger.WithError(err).WithField("resource", res.String()).Warn("permission evaluation failed")
	if e.metrics != nil {
		e.metrics.EvaluationErrorsTotal.WithLabelValues(string(res.Scope)).Inc()
	}
}

func subjectMatches(s Subject, userID int64, roleIDs []int64) bool {
	switch s.Kind {
	case SubjectUser:
		return s.ID == userID
	case SubjectRole:
		for _, id := range roleIDs {
			if id == s.ID {
				return true
			}
		}
	}
	return false
}

func grantLabel(g *ScopedGrant) string {
	return fmt.Sprintf("%s:%d(%s)", g.Scope, g.ResourceID, g.Subject)
}
