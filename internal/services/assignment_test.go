package services

import (
	"context"
	"testing"

	"deskflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func workload(id uint, active int, available bool) TechnicianWorkload {
	return TechnicianWorkload{UserID: id, ActiveTicketCount: active, IsAvailable: available}
}

func TestResolver_RoundRobinRotates(t *testing.T) {
	db := newTestDB(t)
	r := NewAssignmentResolver(NewGormCursorStore(db))
	rule := &models.AssignmentRule{ID: 1, AssignmentType: models.StrategyRoundRobin, TargetUsers: datatypes.JSONSlice[uint]{1, 2, 3}}
	pool := []TechnicianWorkload{workload(1, 0, true), workload(2, 0, true), workload(3, 0, true)}

	var got []uint
	for i := 0; i < 4; i++ {
		id, ok, err := r.Resolve(context.Background(), rule, pool)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, id)
	}
	assert.Equal(t, []uint{1, 2, 3, 1}, got)
}

func TestResolver_RoundRobinSkipsUnavailable(t *testing.T) {
	db := newTestDB(t)
	r := NewAssignmentResolver(NewGormCursorStore(db))
	rule := &models.AssignmentRule{ID: 2, AssignmentType: models.StrategyRoundRobin, TargetUsers: datatypes.JSONSlice[uint]{1, 2, 3}}
	pool := []TechnicianWorkload{workload(1, 0, true), workload(2, 0, false), workload(3, 0, true)}

	var got []uint
	for i := 0; i < 3; i++ {
		id, ok, err := r.Resolve(context.Background(), rule, pool)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, id)
	}
	assert.Equal(t, []uint{1, 3, 1}, got)
}

func TestResolver_RoundRobinNobodyAvailable(t *testing.T) {
	db := newTestDB(t)
	r := NewAssignmentResolver(NewGormCursorStore(db))
	rule := &models.AssignmentRule{ID: 3, AssignmentType: models.StrategyRoundRobin, TargetUsers: datatypes.JSONSlice[uint]{1, 2}}

	_, ok, err := r.Resolve(context.Background(), rule, []TechnicianWorkload{workload(1, 0, false), workload(2, 0, false)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolver_CursorSurvivesNewResolver(t *testing.T) {
	db := newTestDB(t)
	rule := &models.AssignmentRule{ID: 4, AssignmentType: models.StrategyRoundRobin, TargetUsers: datatypes.JSONSlice[uint]{1, 2, 3}}
	pool := []TechnicianWorkload{workload(1, 0, true), workload(2, 0, true), workload(3, 0, true)}

	first, _, err := NewAssignmentResolver(NewGormCursorStore(db)).Resolve(context.Background(), rule, pool)
	require.NoError(t, err)
	second, _, err := NewAssignmentResolver(NewGormCursorStore(db)).Resolve(context.Background(), rule, pool)
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
	assert.Equal(t, uint(2), second)
}

func TestResolver_LeastBusy(t *testing.T) {
	r := NewAssignmentResolver(nil)
	rule := &models.AssignmentRule{ID: 5, AssignmentType: models.StrategyLeastBusy}
	pool := []TechnicianWorkload{workload(1, 3, true), workload(2, 1, true), workload(3, 1, true), workload(4, 0, false)}

	id, ok, err := r.Resolve(context.Background(), rule, pool)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint(2), id)
}

func TestResolver_PoolStrategiesIgnoreTargetUsers(t *testing.T) {
	r := NewAssignmentResolver(nil)
	pool := []TechnicianWorkload{
		{UserID: 1, IsAvailable: true, Location: "Berlin", Skills: []string{"vpn"}},
		{UserID: 2, IsAvailable: true, Location: "Berlin", Skills: []string{"vpn"}, ActiveTicketCount: 3},
	}
	// rows saved before target_users was rejected for these strategies
	rules := []*models.AssignmentRule{
		{ID: 11, AssignmentType: models.StrategyLeastBusy, TargetUsers: datatypes.JSONSlice[uint]{2}},
		{ID: 12, AssignmentType: models.StrategySkillBased, RequiredSkills: datatypes.JSONSlice[string]{"vpn"}, TargetUsers: datatypes.JSONSlice[uint]{2}},
		{ID: 13, AssignmentType: models.StrategyLocationBased, Location: "berlin", TargetUsers: datatypes.JSONSlice[uint]{2}},
	}
	for _, rule := range rules {
		id, ok, err := r.Resolve(context.Background(), rule, pool)
		require.NoError(t, err)
		require.True(t, ok, rule.AssignmentType)
		assert.Equal(t, uint(1), id, rule.AssignmentType)
	}
}

func TestResolver_SkillBased(t *testing.T) {
	r := NewAssignmentResolver(nil)
	rule := &models.AssignmentRule{ID: 6, AssignmentType: models.StrategySkillBased, RequiredSkills: datatypes.JSONSlice[string]{"networking", "VPN"}}
	pool := []TechnicianWorkload{
		{UserID: 1, IsAvailable: true, Skills: []string{"Networking"}},
		{UserID: 2, IsAvailable: true, ActiveTicketCount: 4, Skills: []string{"networking", "vpn"}},
		{UserID: 3, IsAvailable: true, ActiveTicketCount: 2, Skills: []string{"NETWORKING", "Vpn", "printers"}},
	}
	id, ok, err := r.Resolve(context.Background(), rule, pool)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint(3), id)

	rule.RequiredSkills = datatypes.JSONSlice[string]{"mainframe"}
	_, ok, err = r.Resolve(context.Background(), rule, pool)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolver_LocationBased(t *testing.T) {
	r := NewAssignmentResolver(nil)
	rule := &models.AssignmentRule{ID: 7, AssignmentType: models.StrategyLocationBased, Location: "berlin"}
	pool := []TechnicianWorkload{
		{UserID: 1, IsAvailable: true, Location: "Paris"},
		{UserID: 2, IsAvailable: true, Location: "Berlin", ActiveTicketCount: 2},
		{UserID: 3, IsAvailable: true, Location: "BERLIN", ActiveTicketCount: 1},
	}
	id, ok, err := r.Resolve(context.Background(), rule, pool)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint(3), id)
}

func TestResolver_SpecificUser(t *testing.T) {
	db := newTestDB(t)
	r := NewAssignmentResolver(NewGormCursorStore(db))
	rule := &models.AssignmentRule{ID: 8, AssignmentType: models.StrategySpecificUser, TargetUsers: datatypes.JSONSlice[uint]{5}}

	id, ok, err := r.Resolve(context.Background(), rule, []TechnicianWorkload{workload(5, 9, true)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint(5), id)

	_, ok, err = r.Resolve(context.Background(), rule, []TechnicianWorkload{workload(5, 0, false)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssignmentService_FirstYieldingRuleWins(t *testing.T) {
	db := newTestDB(t)
	store := NewGormEntityStore(db, quietLogger())
	svc := NewAssignmentService(db, store, NewAssignmentResolver(NewGormCursorStore(db)), quietLogger())
	ctx := context.Background()

	alice := seedUser(t, db, models.User{Name: "Alice", IsAvailable: true})
	bob := seedUser(t, db, models.User{Name: "Bob", IsAvailable: true})
	carol := seedUser(t, db, models.User{Name: "Carol", IsAvailable: false})

	// highest priority rule only targets an unavailable user
	require.NoError(t, db.Create(&models.AssignmentRule{
		Name: "carol first", AssignmentType: models.StrategySpecificUser, Priority: 30, IsActive: true,
		TargetUsers: datatypes.JSONSlice[uint]{carol.ID},
	}).Error)
	t1 := &models.AssignmentRule{
		Name: "t1", AssignmentType: models.StrategySpecificUser, Priority: 20, IsActive: true,
		TargetUsers: datatypes.JSONSlice[uint]{alice.ID},
	}
	t2 := &models.AssignmentRule{
		Name: "t2", AssignmentType: models.StrategySpecificUser, Priority: 10, IsActive: true,
		TargetUsers: datatypes.JSONSlice[uint]{bob.ID},
	}
	require.NoError(t, db.Create(t1).Error)
	require.NoError(t, db.Create(t2).Error)

	ticket := seedTicket(t, db, models.Ticket{Title: "Laptop broken"})
	d, err := svc.Decide(ctx, ticket.ID, TicketSnapshot(ticket))
	require.NoError(t, err)
	require.True(t, d.Assigned)
	assert.Equal(t, t1.ID, d.RuleID)
	assert.Equal(t, alice.ID, d.UserID)
	assert.Len(t, d.Tried, 2)

	svc.RecordAssigned(ctx, d, ticket.ID)
	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalAssignments)
	assert.Equal(t, int64(1), stats.ExhaustedAttempts)
	assert.Equal(t, int64(1), stats.ByTechnician[alice.ID])
	assert.Equal(t, int64(3), stats.ActiveRules)
	assert.Len(t, stats.TechnicianWorkload, 3)
}

func TestAssignmentService_ConditionsGateRules(t *testing.T) {
	db := newTestDB(t)
	store := NewGormEntityStore(db, quietLogger())
	svc := NewAssignmentService(db, store, NewAssignmentResolver(NewGormCursorStore(db)), quietLogger())

	net := seedUser(t, db, models.User{Name: "Net Tech", IsAvailable: true})
	desk := seedUser(t, db, models.User{Name: "Desk Tech", IsAvailable: true})
	require.NoError(t, db.Create(&models.AssignmentRule{
		Name: "network", AssignmentType: models.StrategySpecificUser, Priority: 10, IsActive: true,
		Conditions:  datatypes.JSONSlice[models.Condition]{cond("category", models.OpEquals, "network")},
		TargetUsers: datatypes.JSONSlice[uint]{net.ID},
	}).Error)
	require.NoError(t, db.Create(&models.AssignmentRule{
		Name: "fallback", AssignmentType: models.StrategySpecificUser, Priority: 1, IsActive: true,
		TargetUsers: datatypes.JSONSlice[uint]{desk.ID},
	}).Error)

	tk := seedTicket(t, db, models.Ticket{Title: "Printer", Category: "hardware"})
	d, err := svc.Decide(context.Background(), tk.ID, TicketSnapshot(tk))
	require.NoError(t, err)
	assert.Equal(t, desk.ID, d.UserID)

	tk2 := seedTicket(t, db, models.Ticket{Title: "Switch", Category: "network"})
	d, err = svc.Decide(context.Background(), tk2.ID, TicketSnapshot(tk2))
	require.NoError(t, err)
	assert.Equal(t, net.ID, d.UserID)
}

func TestGormEntityStore_ListTechniciansCountsOpenTickets(t *testing.T) {
	db := newTestDB(t)
	store := NewGormEntityStore(db, quietLogger())
	a := seedUser(t, db, models.User{Name: "A", IsAvailable: true, Skills: "vpn, printers"})
	seedUser(t, db, models.User{Name: "Admin", Role: models.RoleAdmin})

	seedTicket(t, db, models.Ticket{Title: "1", AssignedToID: &a.ID})
	seedTicket(t, db, models.Ticket{Title: "2", AssignedToID: &a.ID, Status: models.TicketStatusInProgress})
	seedTicket(t, db, models.Ticket{Title: "3", AssignedToID: &a.ID, Status: models.TicketStatusClosed})

	list, err := store.ListTechnicians(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].ActiveTicketCount)
	assert.Equal(t, []string{"vpn", "printers"}, list[0].Skills)
}
