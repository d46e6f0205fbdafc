package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGrantSubject is returned when a grant names both or neither of user and role
	ErrInvalidGrantSubject = errors.New("invalid grant subject")
	// ErrRoleNotFound is returned when a role lookup misses
	ErrRoleNotFound = errors.New("role not found")
	// ErrGrantNotFound is returned when a grant lookup misses
	ErrGrantNotFound = errors.New("grant not found")
	// ErrEvaluation is the sentinel wrapped by every *EvaluationError
	ErrEvaluation = errors.New("permission evaluation error")
	// ErrUnknownCapability is returned for capability names no role flag maps to
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrInvalidPermissionLevel is returned for levels outside the ladder
	ErrInvalidPermissionLevel = errors.New("invalid permission level")
	// ErrInvalidOperation is returned for operations other than read/create/update/delete
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrInvalidScope is returned for unknown scopes
	ErrInvalidScope = errors.New("invalid scope")
	// ErrDuplicateRole is returned when a role name is already taken in the workspace
	ErrDuplicateRole = errors.New("role name already exists in workspace")
	// ErrAssignmentNotFound is returned when removing a role the user does not hold
	ErrAssignmentNotFound = errors.New("role assignment not found")
)

// EvaluationError reports a conditional grant that could not be evaluated.
// It is distinct from a deny so callers can choose to fail closed or loud.
type EvaluationError struct {
	GrantID  int64
	FieldID  int64
	Operator string
	Reason   string
}

func (e *EvaluationError) Error() string {
	if e.FieldID != 0 {
		return fmt.Sprintf("conditional grant %d: %s (field %d, operator %q)", e.GrantID, e.Reason, e.FieldID, e.Operator)
	}
	return fmt.Sprintf("conditional grant %d: %s (operator %q)", e.GrantID, e.Reason, e.Operator)
}

// Unwrap lets errors.Is match ErrEvaluation
func (e *EvaluationError) Unwrap() error {
	return ErrEvaluation
}

// IsEvaluationError reports whether err is, or wraps, an evaluation error
func IsEvaluationError(err error) bool {
	return errors.Is(err, ErrEvaluation)
}
