package rbac

import (
	"fmt"
	"strconv"
	"strings"
)

// stringify renders a row value the way conditions compare it. Null becomes "".
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return formatBool(t)
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

// formatBool renders booleans as "True" and "False" for row cells and user
// attributes alike.
func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// isEmptyValue treats null and whitespace-only strings as empty
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	return strings.TrimSpace(stringify(v)) == ""
}

// isUnset is true for null and the empty string only
func isUnset(v any) bool {
	return v == nil || stringify(v) == ""
}

// compareOrdered compares actual with expected numerically when both parse as
// numbers, otherwise lexicographically. The fallback is defined behaviour.
func compareOrdered(actual, expected string) int {
	a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	b, errB := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if errA == nil && errB == nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}
	return strings.Compare(actual, expected)
}

// evaluateFieldCondition applies the grant's field condition to row.
func evaluateFieldCondition(g *ConditionalGrant, row RowData) (bool, error) {
	value, ok := row[g.ConditionFieldID]
	if !ok {
		return false, &EvaluationError{
			GrantID:  g.ID,
			FieldID:  g.ConditionFieldID,
			Operator: string(g.ConditionOperator),
			Reason:   "condition field missing from row data",
		}
	}

	// An empty cell contains nothing, and so trivially does not contain the target.
	switch g.ConditionOperator {
	case FieldEquals:
		return stringify(value) == g.ConditionValue, nil
	case FieldNotEquals:
		return stringify(value) != g.ConditionValue, nil
	case FieldContains:
		if isUnset(value) {
			return false, nil
		}
		return strings.Contains(stringify(value), g.ConditionValue), nil
	case FieldNotContains:
		if isUnset(value) {
			return true, nil
		}
		return !strings.Contains(stringify(value), g.ConditionValue), nil
	case FieldGreaterThan:
		return compareOrdered(stringify(value), g.ConditionValue) > 0, nil
	case FieldLessThan:
		return compareOrdered(stringify(value), g.ConditionValue) < 0, nil
	case FieldIsEmpty:
		return isEmptyValue(value), nil
	case FieldIsNotEmpty:
		return !isEmptyValue(value), nil
	}

	return false, &EvaluationError{
		GrantID:  g.ID,
		FieldID:  g.ConditionFieldID,
		Operator: string(g.ConditionOperator),
		Reason:   "unrecognized condition operator",
	}
}

// evaluateUserCondition applies the grant's user-attribute condition, if any.
// A missing attribute makes the condition false.
func evaluateUserCondition(g *ConditionalGrant, user User) (bool, error) {
	if !g.HasUserCondition() {
		return true, nil
	}

	switch g.UserAttributeOperator {
	case AttributeEquals, AttributeContains, AttributeStartsWith, AttributeEndsWith:
	default:
		return false, &EvaluationError{
			GrantID:  g.ID,
			Operator: string(g.UserAttributeOperator),
			Reason:   fmt.Sprintf("unrecognized user attribute operator for %q", g.UserAttributeField),
		}
	}

	actual, ok := user.Attribute(g.UserAttributeField)
	if !ok {
		return false, nil
	}

	switch g.UserAttributeOperator {
	case AttributeEquals:
		return actual == g.UserAttributeValue, nil
	case AttributeContains:
		return strings.Contains(actual, g.UserAttributeValue), nil
	case AttributeStartsWith:
		return strings.HasPrefix(actual, g.UserAttributeValue), nil
	default:
		return strings.HasSuffix(actual, g.UserAttributeValue), nil
	}
}

// ValidateConditionalGrant checks the operators and subject of g before it is stored
func ValidateConditionalGrant(g *ConditionalGrant) error {
	if err := g.Subject.Validate(); err != nil {
		return err
	}
	if g.Level < LevelNone || g.Level > LevelDelete {
		return fmt.Errorf("%w: %d", ErrInvalidPermissionLevel, int(g.Level))
	}
	switch g.ConditionOperator {
	case FieldEquals, FieldNotEquals, FieldContains, FieldNotContains,
		FieldGreaterThan, FieldLessThan, FieldIsEmpty, FieldIsNotEmpty:
	default:
		return fmt.Errorf("unsupported condition operator %q", g.ConditionOperator)
	}
	if g.HasUserCondition() {
		switch g.UserAttributeOperator {
		case AttributeEquals, AttributeContains, AttributeStartsWith, AttributeEndsWith:
		default:
			return fmt.Errorf("unsupported user attribute operator %q", g.UserAttributeOperator)
		}
	}
	return nil
}
