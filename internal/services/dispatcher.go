package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"deskflow/internal/metrics"
	"deskflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// DefaultMaxDepth caps cascaded re-triggers within one dispatch.
const DefaultMaxDepth = 5

// Event is an entity lifecycle event. Previous carries the pre-change values
// for status_changed, priority_changed and assigned.
type Event struct {
	Entity   EntityRef
	Trigger  string
	Previous Snapshot
	Depth    int
	Chain    []string
}

// EventHook observes every event, root or cascaded, before rules run. Hooks
// are called with the entity lock held.
type EventHook interface {
	HandleEvent(ctx context.Context, evt Event, snap Snapshot) error
}

// RuleSource loads active workflow rules for an entity type and trigger.
type RuleSource interface {
	ActiveRules(ctx context.Context, entityType, trigger string) ([]models.WorkflowRule, error)
}

// ActionReport is the result of one action inside a rule.
type ActionReport struct {
	Index     int    `json:"index"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Exhausted bool   `json:"assignment_exhausted,omitempty"`
}

// RuleReport is the result of one matched rule.
type RuleReport struct {
	RuleID  uint           `json:"rule_id"`
	Name    string         `json:"name"`
	Trigger string         `json:"trigger"`
	Depth   int            `json:"depth"`
	Status  string         `json:"status"`
	Actions []ActionReport `json:"actions"`
}

// ExecutionReport summarizes a dispatch including its cascades.
type ExecutionReport struct {
	DispatchID          string       `json:"dispatch_id"`
	Entity              EntityRef    `json:"entity"`
	Events              int          `json:"events"`
	Rules               []RuleReport `json:"rules"`
	ActionsFailed       int          `json:"actions_failed"`
	AssignmentExhausted int          `json:"assignment_exhausted"`
	RecursionLimited    bool         `json:"recursion_limited"`
}

// Dispatcher runs workflow rules for entity events.
type Dispatcher struct {
	db       *gorm.DB
	rules    RuleSource
	store    EntityStore
	executor *ActionExecutor
	hooks    []EventHook
	locks    *KeyedMutex
	maxDepth int
	logger   *logrus.Logger
	tracer   trace.Tracer
}

func NewDispatcher(db *gorm.DB, rules RuleSource, store EntityStore, executor *ActionExecutor, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		db:       db,
		rules:    rules,
		store:    store,
		executor: executor,
		locks:    NewKeyedMutex(),
		maxDepth: DefaultMaxDepth,
		logger:   logger,
		tracer:   otel.Tracer("deskflow.workflow"),
	}
}

// SetMaxDepth changes the cascade cap. Non-positive values are ignored.
func (d *Dispatcher) SetMaxDepth(n int) {
	if n > 0 {
		d.maxDepth = n
	}
}

// AddHook registers an event hook. Hooks run in registration order.
func (d *Dispatcher) AddHook(h EventHook) { d.hooks = append(d.hooks, h) }

// Locks exposes the per-entity lock so other writers can serialize with
// dispatches.
func (d *Dispatcher) Locks() *KeyedMutex { return d.locks }

// Dispatch runs one root event and its cascades. A RecursionLimitError is
// returned together with the report.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) (*ExecutionReport, error) {
	return d.run(ctx, evt.Entity, []Event{evt})
}

// DispatchChange dispatches every trigger implied by an applied change.
func (d *Dispatcher) DispatchChange(ctx context.Context, change *EntityChange) (*ExecutionReport, error) {
	if change == nil || len(change.Triggers) == 0 {
		return &ExecutionReport{Entity: refOf(change)}, nil
	}
	return d.run(ctx, change.Ref, followUps(change, 0, nil))
}

// RunAction executes a single action outside of any rule and cascades its
// follow-up events from depth 1.
func (d *Dispatcher) RunAction(ctx context.Context, ref EntityRef, action models.Action) (*ActionOutcome, *ExecutionReport, error) {
	unlock, err := d.locks.Lock(ctx, ref.String())
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	out, err := d.executor.Execute(ctx, action, ref)
	if err != nil {
		return nil, nil, err
	}
	if out.Change == nil || len(out.Change.Triggers) == 0 {
		return out, &ExecutionReport{Entity: ref}, nil
	}
	report, err := d.runLocked(ctx, ref, followUps(out.Change, 1, []string{action.Type}))
	return out, report, err
}

// Apply runs mutate and dispatches the change it returns while holding the
// entity lock, so no other dispatch sees the entity half way. A mutate error
// is returned as is and nothing is dispatched.
func (d *Dispatcher) Apply(ctx context.Context, ref EntityRef, mutate func(ctx context.Context) (*EntityChange, error)) (*EntityChange, *ExecutionReport, error) {
	unlock, err := d.locks.Lock(ctx, ref.String())
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	change, err := mutate(ctx)
	if err != nil {
		return nil, nil, err
	}
	if change == nil || len(change.Triggers) == 0 {
		return change, &ExecutionReport{Entity: ref}, nil
	}
	report, err := d.runLocked(ctx, ref, followUps(change, 0, nil))
	return change, report, err
}

func (d *Dispatcher) run(ctx context.Context, ref EntityRef, events []Event) (*ExecutionReport, error) {
	unlock, err := d.locks.Lock(ctx, ref.String())
	if err != nil {
		return nil, err
	}
	defer unlock()
	return d.runLocked(ctx, ref, events)
}

// runLocked processes events breadth first: follow-ups of one depth run after
// every rule of that depth finished.
func (d *Dispatcher) runLocked(ctx context.Context, ref EntityRef, level []Event) (*ExecutionReport, error) {
	ctx, span := d.tracer.Start(ctx, "workflow.dispatch")
	defer span.End()

	started := time.Now()
	report := &ExecutionReport{DispatchID: uuid.NewString(), Entity: ref}
	span.SetAttributes(
		attribute.String("workflow.dispatch_id", report.DispatchID),
		attribute.String("workflow.entity", ref.String()),
	)
	log := d.logger.WithFields(logrus.Fields{
		"dispatch_id": report.DispatchID,
		"entity_type": ref.Type,
		"entity_id":   ref.ID,
	})

	var limitErr *RecursionLimitError
	for len(level) > 0 {
		var next []Event
		for _, evt := range level {
			if evt.Depth > d.maxDepth {
				if limitErr == nil {
					limitErr = &RecursionLimitError{Depth: evt.Depth, Chain: append(evt.Chain, evt.Trigger)}
				}
				report.RecursionLimited = true
				log.WithField("chain", strings.Join(append(evt.Chain, evt.Trigger), " > ")).
					Errorf("workflow recursion limit %d exceeded, check rules for loops", d.maxDepth)
				d.recordExecution(ctx, report.DispatchID, 0, evt, models.ExecutionAborted, 0, 0, ErrRecursionLimit.Error())
				metrics.IncDispatch(ref.Type, evt.Trigger, "aborted")
				continue
			}
			report.Events++
			next = append(next, d.handle(ctx, log, report, evt)...)
		}
		level = next
	}

	metrics.ObserveDispatch(ref.Type, time.Since(started))
	if limitErr != nil {
		span.RecordError(limitErr)
		return report, limitErr
	}
	return report, nil
}

// handle runs hooks and rules for one event and returns its follow-ups.
func (d *Dispatcher) handle(ctx context.Context, log *logrus.Entry, report *ExecutionReport, evt Event) []Event {
	log = log.WithFields(logrus.Fields{"trigger": evt.Trigger, "depth": evt.Depth})

	snap, err := d.store.GetEntity(ctx, evt.Entity)
	if err != nil {
		log.Errorf("load entity: %v", err)
		metrics.IncDispatch(evt.Entity.Type, evt.Trigger, "failed")
		return nil
	}
	if evt.Previous != nil {
		snap = snap.Clone()
		snap[FieldPreviousStatus] = evt.Previous.Get(FieldStatus)
		snap[FieldPreviousPriority] = evt.Previous.Get(FieldPriority)
		snap[FieldPreviousAssignee] = evt.Previous.Get(FieldAssignedToID)
	}

	for _, h := range d.hooks {
		if err := h.HandleEvent(ctx, evt, snap); err != nil {
			log.Warnf("event hook: %v", err)
		}
	}

	rules, err := d.rules.ActiveRules(ctx, evt.Entity.Type, evt.Trigger)
	if err != nil {
		log.Errorf("load rules: %v", err)
		metrics.IncDispatch(evt.Entity.Type, evt.Trigger, "failed")
		return nil
	}
	sortRules(rules)

	var next []Event
	for i := range rules {
		rule := &rules[i]
		rlog := log.WithField("rule_id", rule.ID)

		ok, evalErrs := Evaluate(rule.Conditions, snap)
		for _, e := range evalErrs {
			rlog.Warnf("condition evaluation: %v", e)
		}
		if !ok {
			continue
		}
		metrics.IncRuleMatched(evt.Trigger)

		rr := RuleReport{RuleID: rule.ID, Name: rule.Name, Trigger: evt.Trigger, Depth: evt.Depth}
		failed := 0
		var messages []string
		for idx, action := range rule.Actions {
			ar := ActionReport{Index: idx, Type: action.Type, Status: models.ExecutionSuccess}
			out, err := d.executor.ExecuteWith(ctx, action, evt.Entity, snap)
			if err != nil {
				failed++
				ar.Status = models.ExecutionFailed
				ar.Error = err.Error()
				messages = append(messages, fmt.Sprintf("action %d: %v", idx, err))
				rlog.WithFields(logrus.Fields{"action_index": idx, "action_type": action.Type}).Errorf("workflow action failed: %v", err)
				rr.Actions = append(rr.Actions, ar)
				continue
			}
			if out.Exhausted {
				ar.Exhausted = true
				report.AssignmentExhausted++
				rlog.WithField("action_index", idx).Info("no eligible technician for assignment")
			}
			rr.Actions = append(rr.Actions, ar)
			if out.Change != nil {
				next = append(next, followUps(out.Change, evt.Depth+1, append(evt.Chain, evt.Trigger))...)
			}
		}

		rr.Status = executionStatus(len(rule.Actions), failed)
		report.ActionsFailed += failed
		report.Rules = append(report.Rules, rr)
		d.recordExecution(ctx, report.DispatchID, rule.ID, evt, rr.Status, len(rule.Actions), failed, strings.Join(messages, "; "))
		metrics.IncDispatch(evt.Entity.Type, evt.Trigger, rr.Status)
	}
	return next
}

func (d *Dispatcher) recordExecution(ctx context.Context, dispatchID string, ruleID uint, evt Event, status string, run, failed int, message string) {
	if d.db == nil {
		return
	}
	exec := &models.WorkflowExecution{
		DispatchID:    dispatchID,
		RuleID:        ruleID,
		EntityType:    evt.Entity.Type,
		EntityID:      evt.Entity.ID,
		Trigger:       evt.Trigger,
		Depth:         evt.Depth,
		Status:        status,
		ActionsRun:    run,
		ActionsFailed: failed,
		Message:       message,
		CreatedAt:     time.Now(),
	}
	if err := d.db.WithContext(context.WithoutCancel(ctx)).Create(exec).Error; err != nil {
		d.logger.Warnf("workflow: record execution failed: %v", err)
	}
}

// ListExecutions returns audit records, newest first.
func (d *Dispatcher) ListExecutions(ctx context.Context, ruleID, entityID uint, entityType string, limit int) ([]models.WorkflowExecution, error) {
	if d.db == nil {
		return nil, errors.New("no database configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := d.db.WithContext(ctx).Model(&models.WorkflowExecution{})
	if ruleID != 0 {
		q = q.Where("rule_id = ?", ruleID)
	}
	if entityID != 0 {
		q = q.Where("entity_id = ?", entityID)
	}
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	var out []models.WorkflowExecution
	if err := q.Order("id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return out, nil
}

func followUps(change *EntityChange, depth int, chain []string) []Event {
	out := make([]Event, 0, len(change.Triggers))
	for _, trig := range change.Triggers {
		out = append(out, Event{
			Entity:   change.Ref,
			Trigger:  trig,
			Previous: change.Before,
			Depth:    depth,
			Chain:    append([]string(nil), chain...),
		})
	}
	return out
}

// sortRules orders by priority desc, then creation order.
func sortRules(rules []models.WorkflowRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

func executionStatus(total, failed int) string {
	switch {
	case failed == 0:
		return models.ExecutionSuccess
	case failed < total:
		return models.ExecutionPartial
	}
	return models.ExecutionFailed
}

func refOf(change *EntityChange) EntityRef {
	if change == nil {
		return EntityRef{}
	}
	return change.Ref
}
