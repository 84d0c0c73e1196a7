package services

import (
	"fmt"
	"strings"

	"deskflow/internal/models"

	"github.com/spf13/cast"
)

// EvaluationError records a condition that could not be evaluated. The
// condition is treated as false.
type EvaluationError struct {
	Index     int
	Condition models.Condition
	Err       error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("condition %d (%s %s %q): %v", e.Index, e.Condition.Field, e.Condition.Operator, e.Condition.Value, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Matches reports whether every condition holds for the snapshot. An empty
// condition list always matches.
func Matches(conditions []models.Condition, snap Snapshot) bool {
	ok, _ := Evaluate(conditions, snap)
	return ok
}

// Evaluate is Matches plus the evaluation errors met on the way. It stops at
// the first false condition.
func Evaluate(conditions []models.Condition, snap Snapshot) (bool, []*EvaluationError) {
	var errs []*EvaluationError
	for i, cond := range conditions {
		ok, err := evaluateCondition(cond, snap)
		if err != nil {
			errs = append(errs, &EvaluationError{Index: i, Condition: cond, Err: err})
		}
		if !ok {
			return false, errs
		}
	}
	return true, errs
}

func evaluateCondition(cond models.Condition, snap Snapshot) (bool, error) {
	actual := snap.Get(cond.Field)
	expected := string(cond.Value)

	switch cond.Operator {
	case models.OpEquals:
		return actual == expected, nil
	case models.OpNotEquals:
		return actual != expected, nil
	case models.OpContains:
		return strings.Contains(actual, expected), nil
	case models.OpNotContains:
		return !strings.Contains(actual, expected), nil
	case models.OpGreaterThan, models.OpLessThan:
		a, err := cast.ToFloat64E(strings.TrimSpace(actual))
		if err != nil {
			return false, fmt.Errorf("field %q is not numeric: %q", cond.Field, actual)
		}
		b, err := cast.ToFloat64E(strings.TrimSpace(expected))
		if err != nil {
			return false, fmt.Errorf("value is not numeric: %q", expected)
		}
		if cond.Operator == models.OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	case models.OpIn:
		return inSet(actual, cond.Value.Items()), nil
	case models.OpNotIn:
		return !inSet(actual, cond.Value.Items()), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", cond.Operator)
	}
}

func inSet(v string, items []string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
