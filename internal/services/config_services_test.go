package services

import (
	"context"
	"testing"

	"deskflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowRuleService_Validation(t *testing.T) {
	svc := NewWorkflowRuleService(newTestDB(t), quietLogger())
	ctx := context.Background()

	cases := map[string]WorkflowRuleRequest{
		"no name":       {EntityType: models.EntityTicket, Trigger: models.TriggerCreated, Actions: []models.Action{commentAction("x")}},
		"no actions":    {Name: "n", EntityType: models.EntityTicket, Trigger: models.TriggerCreated},
		"bad trigger":   {Name: "n", EntityType: models.EntityTicket, Trigger: "deleted", Actions: []models.Action{commentAction("x")}},
		"asset prio":    {Name: "n", EntityType: models.EntityAsset, Trigger: models.TriggerPriorityChanged, Actions: []models.Action{commentAction("x")}},
		"bad status":    {Name: "n", EntityType: models.EntityTicket, Trigger: models.TriggerCreated, Actions: []models.Action{statusAction("exploded")}},
		"asset status":  {Name: "n", EntityType: models.EntityAsset, Trigger: models.TriggerCreated, Actions: []models.Action{statusAction(models.TicketStatusClosed)}},
		"bad template":  {Name: "n", EntityType: models.EntityTicket, Trigger: models.TriggerCreated, Actions: []models.Action{commentAction("{% if %}")}},
		"bad operator":  {Name: "n", EntityType: models.EntityTicket, Trigger: models.TriggerCreated, Conditions: []models.Condition{{Field: "status", Operator: "like", Value: models.ConditionValue("open")}}, Actions: []models.Action{commentAction("x")}},
		"asset by rule": {Name: "n", EntityType: models.EntityAsset, Trigger: models.TriggerCreated, Actions: []models.Action{{Type: models.ActionAssign, Params: &models.AssignParams{UseAssignmentRules: true}}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			req := req
			_, err := svc.CreateRule(ctx, &req)
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestWorkflowRuleService_CRUDAndToggle(t *testing.T) {
	svc := NewWorkflowRuleService(newTestDB(t), quietLogger())
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, &WorkflowRuleRequest{
		Name: "close stale", EntityType: models.EntityTicket, Trigger: models.TriggerUpdated, Priority: 3,
		Actions: []models.Action{statusAction(models.TicketStatusClosed)},
	})
	require.NoError(t, err)
	assert.True(t, rule.IsActive)
	assert.NotNil(t, rule.Conditions)

	toggled, err := svc.ToggleRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)
	active, err := svc.ActiveRules(ctx, models.EntityTicket, models.TriggerUpdated)
	require.NoError(t, err)
	assert.Empty(t, active)

	updated, err := svc.UpdateRule(ctx, rule.ID, &WorkflowRuleRequest{
		Name: "close stale v2", EntityType: models.EntityTicket, Trigger: models.TriggerUpdated, Priority: 7,
		Actions: []models.Action{commentAction("bye")},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Priority)
	assert.False(t, updated.IsActive)

	list, total, err := svc.ListRules(ctx, &WorkflowRuleListRequest{Page: 1, PageSize: 10, Trigger: models.TriggerUpdated})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, models.ActionAddComment, list[0].Actions[0].Type)

	require.NoError(t, svc.DeleteRule(ctx, rule.ID))
	_, err = svc.GetRule(ctx, rule.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.DeleteRule(ctx, rule.ID), ErrNotFound)
}

func TestSLAPolicyService_Validation(t *testing.T) {
	db := newTestDB(t)
	svc := NewSLAPolicyService(db, quietLogger())
	ctx := context.Background()

	bad := []SLAPolicyRequest{
		{Name: "p", Priority: "urgent", ResponseTimeMinutes: 10, ResolutionTimeMinutes: 60},
		{Name: "p", Priority: models.PriorityHigh, ResponseTimeMinutes: 0, ResolutionTimeMinutes: 60},
		{Name: "p", Priority: models.PriorityHigh, ResponseTimeMinutes: 60, ResolutionTimeMinutes: 30},
		{Name: "p", Priority: models.PriorityHigh, ResponseTimeMinutes: 10, ResolutionTimeMinutes: 60, NotifyBeforeMinutes: -5},
		{Name: "p", Priority: models.PriorityHigh, ResponseTimeMinutes: 10, ResolutionTimeMinutes: 60, EscalationEnabled: true},
		{Name: "p", Priority: models.PriorityHigh, ResponseTimeMinutes: 10, ResolutionTimeMinutes: 60, EscalationEnabled: true, EscalationUserID: 404},
	}
	for i := range bad {
		_, err := svc.CreatePolicy(ctx, &bad[i])
		assert.True(t, IsConfigurationError(err), "case %d: %v", i, err)
	}
}

func TestSLAPolicyService_CRUDAndToggle(t *testing.T) {
	db := newTestDB(t)
	svc := NewSLAPolicyService(db, quietLogger())
	ctx := context.Background()
	mgr := seedUser(t, db, models.User{Name: "Manager", Role: models.RoleAdmin})

	p, err := svc.CreatePolicy(ctx, &SLAPolicyRequest{
		Name: "Critical", Priority: models.PriorityCritical, ResponseTimeMinutes: 30, ResolutionTimeMinutes: 240,
		EscalationEnabled: true, EscalationUserID: mgr.ID, NotifyBeforeMinutes: 30,
	})
	require.NoError(t, err)
	assert.True(t, p.IsActive)

	toggled, err := svc.TogglePolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)

	active := true
	list, err := svc.ListPolicies(ctx, "", &active)
	require.NoError(t, err)
	assert.Empty(t, list)

	updated, err := svc.UpdatePolicy(ctx, p.ID, &SLAPolicyRequest{
		Name: "Critical", Priority: models.PriorityCritical, ResponseTimeMinutes: 15, ResolutionTimeMinutes: 120, IsActive: &active,
	})
	require.NoError(t, err)
	assert.Equal(t, 15, updated.ResponseTimeMinutes)
	assert.True(t, updated.IsActive)
	assert.False(t, updated.EscalationEnabled)

	require.NoError(t, svc.DeletePolicy(ctx, p.ID))
	_, err = svc.GetPolicy(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignmentRuleService_Validation(t *testing.T) {
	db := newTestDB(t)
	svc := NewAssignmentRuleService(db, NewGormCursorStore(db), quietLogger())
	ctx := context.Background()
	tech := seedUser(t, db, models.User{Name: "Tech", IsAvailable: true})

	bad := []AssignmentRuleRequest{
		{Name: "r", AssignmentType: "random"},
		{Name: "r", AssignmentType: models.StrategyRoundRobin},
		{Name: "r", AssignmentType: models.StrategySpecificUser},
		{Name: "r", AssignmentType: models.StrategySkillBased, RequiredSkills: []string{" "}},
		{Name: "r", AssignmentType: models.StrategyLocationBased},
		{Name: "r", AssignmentType: models.StrategyRoundRobin, TargetUsers: []uint{404}},
		{Name: "r", AssignmentType: models.StrategyLeastBusy, TargetUsers: []uint{tech.ID}},
		{Name: "r", AssignmentType: models.StrategySkillBased, RequiredSkills: []string{"vpn"}, TargetUsers: []uint{tech.ID}},
		{Name: "r", AssignmentType: models.StrategyLocationBased, Location: "Berlin", TargetUsers: []uint{tech.ID}},
	}
	for i := range bad {
		_, err := svc.CreateRule(ctx, &bad[i])
		assert.True(t, IsConfigurationError(err), "case %d: %v", i, err)
	}

	ok, err := svc.CreateRule(ctx, &AssignmentRuleRequest{Name: "any", AssignmentType: models.StrategyLeastBusy})
	require.NoError(t, err)
	assert.True(t, ok.IsActive)
}

func TestAssignmentRuleService_TargetChangeResetsCursor(t *testing.T) {
	db := newTestDB(t)
	cursors := NewGormCursorStore(db)
	svc := NewAssignmentRuleService(db, cursors, quietLogger())
	ctx := context.Background()
	a := seedUser(t, db, models.User{Name: "A", IsAvailable: true})
	b := seedUser(t, db, models.User{Name: "B", IsAvailable: true})

	rule, err := svc.CreateRule(ctx, &AssignmentRuleRequest{Name: "rr", AssignmentType: models.StrategyRoundRobin, TargetUsers: []uint{a.ID}})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := cursors.Next(ctx, rule.ID)
		require.NoError(t, err)
	}

	// same targets keep the cursor
	_, err = svc.UpdateRule(ctx, rule.ID, &AssignmentRuleRequest{Name: "rr renamed", AssignmentType: models.StrategyRoundRobin, TargetUsers: []uint{a.ID}})
	require.NoError(t, err)
	pos, err := cursors.Next(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)

	_, err = svc.UpdateRule(ctx, rule.ID, &AssignmentRuleRequest{Name: "rr", AssignmentType: models.StrategyRoundRobin, TargetUsers: []uint{a.ID, b.ID}})
	require.NoError(t, err)
	pos, err = cursors.Next(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	toggled, err := svc.ToggleRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)

	require.NoError(t, svc.DeleteRule(ctx, rule.ID))
	assert.ErrorIs(t, svc.DeleteRule(ctx, rule.ID), ErrNotFound)
}
