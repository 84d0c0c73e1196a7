package services

import (
	"encoding/json"
	"testing"

	"deskflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cond(field, op, value string) models.Condition {
	return models.Condition{Field: field, Operator: op, Value: models.ConditionValue(value)}
}

func TestEvaluateCondition_Operators(t *testing.T) {
	assignee := uint(7)
	snap := Snapshot{
		"title":           "Printer on fire",
		"priority":        "high",
		"category":        "Hardware",
		"ageMinutes":      42,
		FieldAssignedToID: &assignee,
	}

	cases := []struct {
		name string
		c    models.Condition
		want bool
	}{
		{"equals", cond("priority", models.OpEquals, "high"), true},
		{"equals is case sensitive", cond("category", models.OpEquals, "hardware"), false},
		{"not_equals", cond("priority", models.OpNotEquals, "low"), true},
		{"contains", cond("title", models.OpContains, "fire"), true},
		{"not_contains", cond("title", models.OpNotContains, "fire"), false},
		{"greater_than", cond("ageMinutes", models.OpGreaterThan, "30"), true},
		{"less_than", cond("ageMinutes", models.OpLessThan, "30"), false},
		{"in", cond("priority", models.OpIn, "critical, high"), true},
		{"not_in", cond("priority", models.OpNotIn, "critical,high"), false},
		{"pointer field", cond(FieldAssignedToID, models.OpEquals, "7"), true},
		{"missing field equals empty", cond("location", models.OpEquals, ""), true},
		{"missing field not in", cond("location", models.OpNotIn, "HQ"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluateCondition(tc.c, snap)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluate_NumericFailsClosed(t *testing.T) {
	snap := Snapshot{"title": "abc", "ageMinutes": 10}

	ok, errs := Evaluate([]models.Condition{cond("title", models.OpGreaterThan, "5")}, snap)
	assert.False(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, 0, errs[0].Index)

	ok, errs = Evaluate([]models.Condition{cond("ageMinutes", models.OpLessThan, "soon")}, snap)
	assert.False(t, ok)
	require.Len(t, errs, 1)

	// a missing field is "" and therefore not numeric either
	ok, _ = Evaluate([]models.Condition{cond("nope", models.OpLessThan, "5")}, snap)
	assert.False(t, ok)
}

func TestMatches_AllConditionsMustHold(t *testing.T) {
	snap := Snapshot{"priority": "high", "category": "Network"}

	assert.True(t, Matches(nil, snap))
	assert.True(t, Matches([]models.Condition{
		cond("priority", models.OpEquals, "high"),
		cond("category", models.OpIn, "Network,Hardware"),
	}, snap))
	assert.False(t, Matches([]models.Condition{
		cond("priority", models.OpEquals, "high"),
		cond("category", models.OpEquals, "Software"),
	}, snap))
}

func TestConditionValue_ListFromJSON(t *testing.T) {
	var c models.Condition
	require.NoError(t, json.Unmarshal([]byte(`{"field":"priority","operator":"in","value":["critical","high"]}`), &c))
	assert.Equal(t, models.ConditionValue("critical,high"), c.Value)
	assert.True(t, Matches([]models.Condition{c}, Snapshot{"priority": "critical"}))

	require.NoError(t, json.Unmarshal([]byte(`{"field":"ageMinutes","operator":"greater_than","value":15}`), &c))
	assert.Equal(t, models.ConditionValue("15"), c.Value)
}
