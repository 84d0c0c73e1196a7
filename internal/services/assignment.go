package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"deskflow/internal/metrics"
	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// AssignmentResolver picks a technician for a single assignment rule.
type AssignmentResolver struct {
	cursors CursorStore
	locks   sync.Map // rule id -> *sync.Mutex
}

func NewAssignmentResolver(cursors CursorStore) *AssignmentResolver {
	return &AssignmentResolver{cursors: cursors}
}

func (r *AssignmentResolver) ruleLock(ruleID uint) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(ruleID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Resolve returns the chosen user id. ok is false when no eligible technician
// exists, which is not an error.
func (r *AssignmentResolver) Resolve(ctx context.Context, rule *models.AssignmentRule, pool []TechnicianWorkload) (uint, bool, error) {
	available := make([]TechnicianWorkload, 0, len(pool))
	for _, w := range pool {
		if w.IsAvailable {
			available = append(available, w)
		}
	}

	switch rule.AssignmentType {
	case models.StrategyRoundRobin, models.StrategySpecificUser:
		return r.walkCursor(ctx, rule, available)
	case models.StrategyLeastBusy:
		return leastBusy(available)
	case models.StrategySkillBased:
		return leastBusy(withSkills(available, rule.RequiredSkills))
	case models.StrategyLocationBased:
		return leastBusy(atLocation(available, rule.Location))
	}
	return 0, false, fmt.Errorf("unsupported assignment strategy %q", rule.AssignmentType)
}

// walkCursor advances the rule's cursor through targetUsers. A position taken
// by an unavailable user is consumed, at most len(targetUsers) attempts.
func (r *AssignmentResolver) walkCursor(ctx context.Context, rule *models.AssignmentRule, available []TechnicianWorkload) (uint, bool, error) {
	targets := rule.TargetUsers
	if len(targets) == 0 {
		return 0, false, nil
	}
	eligible := make(map[uint]bool, len(available))
	for _, w := range available {
		eligible[w.UserID] = true
	}
	anyEligible := false
	for _, id := range targets {
		if eligible[id] {
			anyEligible = true
			break
		}
	}
	if !anyEligible {
		return 0, false, nil
	}

	mu := r.ruleLock(rule.ID)
	mu.Lock()
	defer mu.Unlock()

	n := int64(len(targets))
	for attempt := int64(0); attempt < n; attempt++ {
		pos, err := r.cursors.Next(ctx, rule.ID)
		if err != nil {
			return 0, false, err
		}
		candidate := targets[pos%n]
		if eligible[candidate] {
			return candidate, true, nil
		}
	}
	return 0, false, nil
}

func withSkills(pool []TechnicianWorkload, required []string) []TechnicianWorkload {
	out := make([]TechnicianWorkload, 0, len(pool))
	for _, w := range pool {
		have := make(map[string]bool, len(w.Skills))
		for _, s := range w.Skills {
			have[strings.ToLower(strings.TrimSpace(s))] = true
		}
		ok := true
		for _, s := range required {
			if !have[strings.ToLower(strings.TrimSpace(s))] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, w)
		}
	}
	return out
}

func atLocation(pool []TechnicianWorkload, location string) []TechnicianWorkload {
	loc := strings.TrimSpace(location)
	out := make([]TechnicianWorkload, 0, len(pool))
	for _, w := range pool {
		if strings.EqualFold(strings.TrimSpace(w.Location), loc) {
			out = append(out, w)
		}
	}
	return out
}

// leastBusy picks the minimum active ticket count, ties by lowest user id.
func leastBusy(pool []TechnicianWorkload) (uint, bool, error) {
	if len(pool) == 0 {
		return 0, false, nil
	}
	best := pool[0]
	for _, w := range pool[1:] {
		if w.ActiveTicketCount < best.ActiveTicketCount ||
			(w.ActiveTicketCount == best.ActiveTicketCount && w.UserID < best.UserID) {
			best = w
		}
	}
	return best.UserID, true, nil
}

// AssignmentDecision is the outcome of walking the active assignment rules.
type AssignmentDecision struct {
	RuleID   uint   `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Strategy string `json:"strategy"`
	UserID   uint   `json:"user_id"`
	Assigned bool   `json:"assigned"`
	Tried    []uint `json:"tried_rules,omitempty"`
}

// AssignmentService 按分配规则为工单选择技术员
type AssignmentService struct {
	db       *gorm.DB
	store    EntityStore
	resolver *AssignmentResolver
	logger   *logrus.Logger
	tracer   trace.Tracer
}

func NewAssignmentService(db *gorm.DB, store EntityStore, resolver *AssignmentResolver, logger *logrus.Logger) *AssignmentService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AssignmentService{
		db:       db,
		store:    store,
		resolver: resolver,
		logger:   logger,
		tracer:   otel.Tracer("deskflow.assignment"),
	}
}

// ActiveRules returns active assignment rules, highest priority first, ties
// by id.
func (s *AssignmentService) ActiveRules(ctx context.Context) ([]models.AssignmentRule, error) {
	var rules []models.AssignmentRule
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).
		Order("priority desc").Order("id asc").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load assignment rules: %w", err)
	}
	return rules, nil
}

// Decide walks the active rules for a ticket snapshot. The first matching rule
// that yields a technician wins. Nothing is written to the ticket.
func (s *AssignmentService) Decide(ctx context.Context, ticketID uint, snap Snapshot) (*AssignmentDecision, error) {
	ctx, span := s.tracer.Start(ctx, "assignment.decide")
	defer span.End()
	span.SetAttributes(attribute.Int64("assignment.ticket.id", int64(ticketID)))

	rules, err := s.ActiveRules(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	decision := &AssignmentDecision{}
	if len(rules) == 0 {
		return decision, nil
	}
	pool, err := s.store.ListTechnicians(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for i := range rules {
		rule := &rules[i]
		ok, evalErrs := Evaluate(rule.Conditions, snap)
		for _, e := range evalErrs {
			s.logger.WithFields(logrus.Fields{"assignment_rule_id": rule.ID, "ticket_id": ticketID}).Warnf("condition evaluation: %v", e)
		}
		if !ok {
			continue
		}
		decision.Tried = append(decision.Tried, rule.ID)

		userID, found, err := s.resolver.Resolve(ctx, rule, pool)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("assignment rule %d: %w", rule.ID, err)
		}
		if !found {
			s.record(ctx, rule.ID, ticketID, 0, rule.AssignmentType, models.AssignmentOutcomeExhausted)
			continue
		}
		decision.RuleID = rule.ID
		decision.RuleName = rule.Name
		decision.Strategy = rule.AssignmentType
		decision.UserID = userID
		decision.Assigned = true
		span.SetAttributes(attribute.Int64("assignment.user.id", int64(userID)), attribute.String("assignment.strategy", rule.AssignmentType))
		return decision, nil
	}
	return decision, nil
}

// RecordAssigned stores a successful assignment for the stats endpoint.
func (s *AssignmentService) RecordAssigned(ctx context.Context, d *AssignmentDecision, ticketID uint) {
	s.record(ctx, d.RuleID, ticketID, d.UserID, d.Strategy, models.AssignmentOutcomeAssigned)
}

func (s *AssignmentService) record(ctx context.Context, ruleID, ticketID, userID uint, strategy, outcome string) {
	metrics.IncAssignment(strategy, outcome)
	rec := &models.AssignmentRecord{
		RuleID:    ruleID,
		TicketID:  ticketID,
		UserID:    userID,
		Strategy:  strategy,
		Outcome:   outcome,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		s.logger.Warnf("assignment: record %s failed: %v", outcome, err)
	}
}

// AssignmentStats 分配统计
type AssignmentStats struct {
	TotalAssignments   int64                `json:"total_assignments"`
	ExhaustedAttempts  int64                `json:"exhausted_attempts"`
	ByStrategy         map[string]int64     `json:"by_strategy"`
	ByRule             map[uint]int64       `json:"by_rule"`
	ByTechnician       map[uint]int64       `json:"by_technician"`
	TotalRules         int64                `json:"total_rules"`
	ActiveRules        int64                `json:"active_rules"`
	TechnicianWorkload []TechnicianWorkload `json:"technician_workload"`
}

// GetStats aggregates assignment records and current workloads.
func (s *AssignmentService) GetStats(ctx context.Context) (*AssignmentStats, error) {
	ctx, span := s.tracer.Start(ctx, "assignment.stats")
	defer span.End()

	stats := &AssignmentStats{
		ByStrategy:   map[string]int64{},
		ByRule:       map[uint]int64{},
		ByTechnician: map[uint]int64{},
	}
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.AssignmentRule{}).Count(&stats.TotalRules).Error; err != nil {
		return nil, fmt.Errorf("failed to count rules: %w", err)
	}
	if err := db.Model(&models.AssignmentRule{}).Where("is_active = ?", true).Count(&stats.ActiveRules).Error; err != nil {
		return nil, fmt.Errorf("failed to count active rules: %w", err)
	}
	assigned := db.Model(&models.AssignmentRecord{}).Where("outcome = ?", models.AssignmentOutcomeAssigned)
	if err := assigned.Count(&stats.TotalAssignments).Error; err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}
	if err := db.Model(&models.AssignmentRecord{}).Where("outcome = ?", models.AssignmentOutcomeExhausted).
		Count(&stats.ExhaustedAttempts).Error; err != nil {
		return nil, fmt.Errorf("failed to count exhausted attempts: %w", err)
	}

	var byStrategy []struct {
		Strategy string
		Count    int64
	}
	if err := db.Model(&models.AssignmentRecord{}).Select("strategy, COUNT(*) AS count").
		Where("outcome = ?", models.AssignmentOutcomeAssigned).Group("strategy").Scan(&byStrategy).Error; err != nil {
		return nil, fmt.Errorf("failed to group by strategy: %w", err)
	}
	for _, r := range byStrategy {
		stats.ByStrategy[r.Strategy] = r.Count
	}

	var byRule []struct {
		RuleID uint
		Count  int64
	}
	if err := db.Model(&models.AssignmentRecord{}).Select("rule_id, COUNT(*) AS count").
		Where("outcome = ?", models.AssignmentOutcomeAssigned).Group("rule_id").Scan(&byRule).Error; err != nil {
		return nil, fmt.Errorf("failed to group by rule: %w", err)
	}
	for _, r := range byRule {
		stats.ByRule[r.RuleID] = r.Count
	}

	var byUser []struct {
		UserID uint
		Count  int64
	}
	if err := db.Model(&models.AssignmentRecord{}).Select("user_id, COUNT(*) AS count").
		Where("outcome = ?", models.AssignmentOutcomeAssigned).Group("user_id").Scan(&byUser).Error; err != nil {
		return nil, fmt.Errorf("failed to group by technician: %w", err)
	}
	for _, r := range byUser {
		stats.ByTechnician[r.UserID] = r.Count
	}

	workload, err := s.store.ListTechnicians(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(workload, func(i, j int) bool { return workload[i].UserID < workload[j].UserID })
	stats.TechnicianWorkload = workload
	return stats, nil
}
