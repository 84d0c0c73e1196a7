package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"deskflow/internal/metrics"
	"deskflow/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// DefaultSweepSchedule runs the SLA sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// SweepReport summarizes one pass over the live SLA states.
type SweepReport struct {
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration"`
	Evaluated   int            `json:"evaluated"`
	Transitions map[string]int `json:"transitions"`
	Escalations int            `json:"escalations"`
	Errors      int            `json:"errors"`
}

// SLAStats SLA 合规统计
type SLAStats struct {
	LiveByStatus       map[string]int64 `json:"live_by_status"`
	BreachesByPriority map[string]int64 `json:"breaches_by_priority"`
	ResponseBreaches   int64            `json:"response_breaches"`
	ResolutionBreaches int64            `json:"resolution_breaches"`
	FrozenStates       int64            `json:"frozen_states"`
	MetDeadline        int64            `json:"met_deadline"`
	ComplianceRate     float64          `json:"compliance_rate"`
	TotalPolicies      int64            `json:"total_policies"`
	ActivePolicies     int64            `json:"active_policies"`
}

// SLATracker 维护每个工单的 SLA 状态机并执行周期巡检
type SLATracker struct {
	db       *gorm.DB
	clock    *BusinessClock
	executor *ActionExecutor
	locks    *KeyedMutex
	now      func() time.Time
	sweeping atomic.Bool
	logger   *logrus.Logger
	tracer   trace.Tracer
}

func NewSLATracker(db *gorm.DB, clock *BusinessClock, executor *ActionExecutor, logger *logrus.Logger) *SLATracker {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = DefaultBusinessClock()
	}
	return &SLATracker{
		db:       db,
		clock:    clock,
		executor: executor,
		locks:    NewKeyedMutex(),
		now:      time.Now,
		logger:   logger,
		tracer:   otel.Tracer("deskflow.sla"),
	}
}

// SetClock replaces the time source.
func (s *SLATracker) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetLocks shares the dispatcher's entity lock so sweeps and dispatches on the
// same ticket never interleave.
func (s *SLATracker) SetLocks(l *KeyedMutex) {
	if l != nil {
		s.locks = l
	}
}

// HandleEvent keeps SLA state in step with ticket events. It runs under the
// dispatcher's entity lock and must not take it.
func (s *SLATracker) HandleEvent(ctx context.Context, evt Event, snap Snapshot) error {
	if evt.Entity.Type != models.EntityTicket {
		return nil
	}
	switch evt.Trigger {
	case models.TriggerCreated:
		_, err := s.Start(ctx, evt.Entity.ID, snap.Get(FieldPriority))
		return err
	case models.TriggerPriorityChanged:
		if snap.Get(FieldStatus) == models.TicketStatusClosed {
			return nil
		}
		// a reopened ticket keeps its frozen outcome
		frozen, err := s.isFrozen(ctx, evt.Entity.ID)
		if err != nil || frozen {
			return err
		}
		_, err = s.Start(ctx, evt.Entity.ID, snap.Get(FieldPriority))
		return err
	case models.TriggerStatusChanged:
		if snap.Get(FieldStatus) == models.TicketStatusClosed {
			return s.Freeze(ctx, evt.Entity.ID)
		}
	}
	return nil
}

func (s *SLATracker) isFrozen(ctx context.Context, ticketID uint) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.SLAState{}).
		Where("ticket_id = ? AND frozen_at IS NOT NULL", ticketID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to load sla state: %w", err)
	}
	return n > 0, nil
}

// PolicyFor returns the active policy for a priority. Several matches resolve
// to the most recently created one. A nil policy means none applies.
func (s *SLATracker) PolicyFor(ctx context.Context, priority string) (*models.SLAPolicy, error) {
	var policy models.SLAPolicy
	err := s.db.WithContext(ctx).
		Where("priority = ? AND is_active = ?", priority, true).
		Order("created_at desc").Order("id desc").
		First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sla policy: %w", err)
	}
	return &policy, nil
}

// Start computes fresh deadlines from now and resets the state to on_track
// with its notification markers cleared. Without a matching policy any
// existing state is removed.
func (s *SLATracker) Start(ctx context.Context, ticketID uint, priority string) (*models.SLAState, error) {
	ctx, span := s.tracer.Start(ctx, "sla.start")
	defer span.End()
	span.SetAttributes(attribute.Int64("sla.ticket_id", int64(ticketID)), attribute.String("sla.priority", priority))

	policy, err := s.PolicyFor(ctx, priority)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if policy == nil {
		if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Delete(&models.SLAState{}).Error; err != nil {
			return nil, fmt.Errorf("failed to clear sla state: %w", err)
		}
		s.logger.Debugf("No SLA policy for ticket %d priority %s", ticketID, priority)
		return nil, nil
	}

	now := s.now()
	var state models.SLAState
	err = s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).First(&state).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load sla state: %w", err)
	}
	state.TicketID = ticketID
	state.PolicyID = policy.ID
	state.Priority = priority
	state.StartedAt = now
	state.ResponseDeadline = s.clock.Deadline(now, policy.ResponseTimeMinutes, policy.BusinessHoursOnly)
	state.ResolutionDeadline = s.clock.Deadline(now, policy.ResolutionTimeMinutes, policy.BusinessHoursOnly)
	state.ResponseBreached = false
	state.ResolutionBreached = false
	state.Status = models.SLAOnTrack
	state.LastEvaluatedAt = nil
	state.AtRiskNotifiedAt = nil
	state.BreachedNotifiedAt = nil
	state.FrozenAt = nil
	state.MetDeadline = nil

	if err := s.db.WithContext(ctx).Save(&state).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to save sla state: %w", err)
	}
	s.logger.Infof("Started SLA for ticket %d: policy=%d response_due=%s resolution_due=%s",
		ticketID, policy.ID, state.ResponseDeadline.Format(time.RFC3339), state.ResolutionDeadline.Format(time.RFC3339))
	return &state, nil
}

// Freeze stops tracking a closed ticket and records whether it was resolved
// by the resolution deadline. Response breaches are reported on their own.
// The status is kept as it was for reporting.
func (s *SLATracker) Freeze(ctx context.Context, ticketID uint) error {
	var state models.SLAState
	err := s.db.WithContext(ctx).Where("ticket_id = ? AND frozen_at IS NULL", ticketID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load sla state: %w", err)
	}
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return fmt.Errorf("failed to load ticket: %w", err)
	}

	now := s.now()
	closedAt := now
	if ticket.ClosedAt != nil {
		closedAt = *ticket.ClosedAt
	}
	met := !closedAt.After(state.ResolutionDeadline)

	if err := s.db.WithContext(ctx).Model(&state).Updates(map[string]interface{}{
		"frozen_at":    now,
		"met_deadline": met,
	}).Error; err != nil {
		return fmt.Errorf("failed to freeze sla state: %w", err)
	}
	s.logger.Infof("Froze SLA for ticket %d: met=%v status=%s", ticketID, met, state.Status)
	return nil
}

// StateFor returns the SLA state of a ticket.
func (s *SLATracker) StateFor(ctx context.Context, ticketID uint) (*models.SLAState, error) {
	var state models.SLAState
	if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("sla state for ticket %d: %w", ticketID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load sla state: %w", err)
	}
	return &state, nil
}

// SLAView is a ticket's SLA state with its elapsed and remaining time. Under a
// business-hours policy both only count working time.
type SLAView struct {
	models.SLAState
	BusinessHoursOnly          bool `json:"business_hours_only"`
	ElapsedMinutes             int  `json:"elapsed_minutes"`
	ResolutionRemainingMinutes int  `json:"resolution_remaining_minutes"`
}

// ViewFor returns the SLA view of a ticket, measured up to now or to the
// moment it was frozen.
func (s *SLATracker) ViewFor(ctx context.Context, ticketID uint) (*SLAView, error) {
	state, err := s.StateFor(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	var policy models.SLAPolicy
	if err := s.db.WithContext(ctx).First(&policy, state.PolicyID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load sla policy: %w", err)
	}

	end := s.now()
	if state.FrozenAt != nil {
		end = *state.FrozenAt
	}
	elapsed := end.Sub(state.StartedAt)
	remaining := state.ResolutionDeadline.Sub(end)
	if policy.BusinessHoursOnly {
		elapsed = s.clock.WorkingTimeBetween(state.StartedAt, end)
		remaining = s.clock.WorkingTimeBetween(end, state.ResolutionDeadline)
		if end.After(state.ResolutionDeadline) {
			remaining = -remaining
		}
	}
	return &SLAView{
		SLAState:                   *state,
		BusinessHoursOnly:          policy.BusinessHoursOnly,
		ElapsedMinutes:             int(elapsed / time.Minute),
		ResolutionRemainingMinutes: int(remaining / time.Minute),
	}, nil
}

// Sweep evaluates every live state once. Only one sweep runs at a time; a
// concurrent call returns ErrSweepInProgress.
func (s *SLATracker) Sweep(ctx context.Context) (*SweepReport, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		metrics.IncSweep("skipped")
		return nil, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	ctx, span := s.tracer.Start(ctx, "sla.sweep")
	defer span.End()

	started := time.Now()
	report := &SweepReport{StartedAt: s.now(), Transitions: map[string]int{}}
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.SLAState{}).
		Joins("JOIN tickets ON tickets.id = sla_states.ticket_id").
		Where("sla_states.frozen_at IS NULL AND tickets.status <> ?", models.TicketStatusClosed).
		Order("sla_states.id asc").
		Pluck("sla_states.ticket_id", &ids).Error; err != nil {
		span.RecordError(err)
		metrics.IncSweep("failed")
		return nil, fmt.Errorf("failed to list sla states: %w", err)
	}

	for _, ticketID := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := s.evaluate(ctx, ticketID, report); err != nil {
			report.Errors++
			s.logger.WithField("ticket_id", ticketID).Errorf("sla evaluate: %v", err)
		}
	}

	report.Duration = time.Since(started)
	metrics.ObserveSweep(report.Duration)
	metrics.IncSweep("success")
	span.SetAttributes(attribute.Int("sla.evaluated", report.Evaluated), attribute.Int("sla.escalations", report.Escalations))
	if report.Evaluated > 0 {
		s.logger.Infof("SLA sweep: evaluated=%d escalations=%d errors=%d", report.Evaluated, report.Escalations, report.Errors)
	}
	return report, ctx.Err()
}

func (s *SLATracker) evaluate(ctx context.Context, ticketID uint, report *SweepReport) error {
	ref := EntityRef{Type: models.EntityTicket, ID: ticketID}
	unlock, err := s.locks.Lock(ctx, ref.String())
	if err != nil {
		return err
	}
	defer unlock()

	// reload under the lock: a dispatch may have restarted or frozen it
	var state models.SLAState
	if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if state.Frozen() {
		return nil
	}
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return err
	}
	if ticket.Status == models.TicketStatusClosed {
		return nil
	}
	var policy models.SLAPolicy
	if err := s.db.WithContext(ctx).First(&policy, state.PolicyID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := s.now()
	report.Evaluated++
	respBreached := state.ResponseBreached || (ticket.FirstResponseAt == nil && now.After(state.ResponseDeadline))
	resBreached := state.ResolutionBreached || now.After(state.ResolutionDeadline)
	atRiskFrom := state.ResolutionDeadline.Add(-time.Duration(policy.NotifyBeforeMinutes) * time.Minute)

	next := models.SLAOnTrack
	switch {
	case respBreached || resBreached:
		next = models.SLABreached
	case !now.Before(atRiskFrom):
		next = models.SLAAtRisk
	}
	if models.SLAStatusRank(next) < models.SLAStatusRank(state.Status) {
		next = state.Status
	}

	prev := state.Status
	if err := s.db.WithContext(ctx).Model(&models.SLAState{}).Where("id = ?", state.ID).Updates(map[string]interface{}{
		"status":              next,
		"response_breached":   respBreached,
		"resolution_breached": resBreached,
		"last_evaluated_at":   now,
	}).Error; err != nil {
		return fmt.Errorf("failed to update sla state: %w", err)
	}
	if next == prev {
		return nil
	}
	report.Transitions[next]++
	metrics.IncSLATransition(next)
	s.logger.WithFields(logrus.Fields{"ticket_id": ticketID, "from": prev, "to": next}).Info("SLA status changed")

	// escalations only fire on the tick that enters the status
	if next == models.SLAOnTrack || !policy.EscalationEnabled || policy.EscalationUserID == 0 {
		return nil
	}
	claimed, err := s.claimEscalation(ctx, state.ID, next, now)
	if err != nil || !claimed {
		return err
	}
	report.Escalations++
	metrics.IncEscalation(next)
	return s.escalate(ctx, ref, &state, &policy, next)
}

// claimEscalation sets the notification marker for status only if it is
// still unset. Exactly one caller ever wins the claim.
func (s *SLATracker) claimEscalation(ctx context.Context, stateID uint, status string, now time.Time) (bool, error) {
	column := "at_risk_notified_at"
	if status == models.SLABreached {
		column = "breached_notified_at"
	}
	res := s.db.WithContext(ctx).Model(&models.SLAState{}).
		Where("id = ? AND "+column+" IS NULL", stateID).
		Update(column, now)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim escalation: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SLATracker) escalate(ctx context.Context, ref EntityRef, state *models.SLAState, policy *models.SLAPolicy, status string) error {
	if s.executor == nil {
		return errors.New("no action executor configured")
	}
	msg := fmt.Sprintf("SLA %s: ticket #{{ entity_id }} \"{{ title }}\" ({{ priority }}) resolution due %s",
		status, state.ResolutionDeadline.In(s.clock.Location()).Format("2006-01-02 15:04 MST"))
	_, err := s.executor.Execute(ctx, models.Action{
		Type:   models.ActionSendNotification,
		Params: &models.NotifyParams{Message: msg, Recipients: []uint{policy.EscalationUserID}},
	}, ref)
	if err != nil {
		return fmt.Errorf("escalation for ticket %d: %w", ref.ID, err)
	}
	s.logger.Infof("Escalated SLA %s for ticket %d to user %d", status, ref.ID, policy.EscalationUserID)
	return nil
}

// Stats reports live state counts, breaches and compliance over frozen states.
func (s *SLATracker) Stats(ctx context.Context) (*SLAStats, error) {
	stats := &SLAStats{LiveByStatus: map[string]int64{}, BreachesByPriority: map[string]int64{}}
	db := s.db.WithContext(ctx)

	type bucket struct {
		Name  string
		Count int64
	}
	var live []bucket
	if err := db.Model(&models.SLAState{}).Select("status as name, count(*) as count").
		Where("frozen_at IS NULL").Group("status").Scan(&live).Error; err != nil {
		return nil, fmt.Errorf("failed to count sla states: %w", err)
	}
	for _, b := range live {
		stats.LiveByStatus[b.Name] = b.Count
	}
	var breaches []bucket
	if err := db.Model(&models.SLAState{}).Select("priority as name, count(*) as count").
		Where("status = ?", models.SLABreached).Group("priority").Scan(&breaches).Error; err != nil {
		return nil, fmt.Errorf("failed to count sla breaches: %w", err)
	}
	for _, b := range breaches {
		stats.BreachesByPriority[b.Name] = b.Count
	}

	counts := []struct {
		dst   *int64
		model interface{}
		where string
		args  []interface{}
	}{
		{&stats.ResponseBreaches, &models.SLAState{}, "response_breached = ?", []interface{}{true}},
		{&stats.ResolutionBreaches, &models.SLAState{}, "resolution_breached = ?", []interface{}{true}},
		{&stats.FrozenStates, &models.SLAState{}, "frozen_at IS NOT NULL", nil},
		{&stats.MetDeadline, &models.SLAState{}, "frozen_at IS NOT NULL AND met_deadline = ?", []interface{}{true}},
		{&stats.TotalPolicies, &models.SLAPolicy{}, "1 = 1", nil},
		{&stats.ActivePolicies, &models.SLAPolicy{}, "is_active = ?", []interface{}{true}},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Where(c.where, c.args...).Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("failed to compute sla stats: %w", err)
		}
	}

	stats.ComplianceRate = 1.0
	if stats.FrozenStates > 0 {
		stats.ComplianceRate = float64(stats.MetDeadline) / float64(stats.FrozenStates)
	}
	return stats, nil
}

// Run sweeps on schedule until ctx is cancelled. Ticks that fire while a
// sweep is still running are skipped.
func (s *SLATracker) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	cronLogger := cron.PrintfLogger(s.logger)
	c := cron.New(
		cron.WithLocation(s.clock.Location()),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && !errors.Is(err, context.Canceled) {
			s.logger.Errorf("scheduled sla sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sla sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	s.logger.Infof("SLA sweep scheduled: %s", schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
