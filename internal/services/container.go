package services

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Options tunes the service graph built by NewContainer. Zero values fall
// back to package defaults.
type Options struct {
	Cursors       CursorStore
	Clock         *BusinessClock
	MaxDepth      int
	ActionTimeout time.Duration
	AutoAssign    bool
}

// Container 持有一套完整接线的服务实例
type Container struct {
	DB              *gorm.DB
	Store           *GormEntityStore
	Notifications   *NotificationService
	Comments        *CommentService
	Assignment      *AssignmentService
	Executor        *ActionExecutor
	WorkflowRules   *WorkflowRuleService
	AssignmentRules *AssignmentRuleService
	SLAPolicies     *SLAPolicyService
	Dispatcher      *Dispatcher
	SLA             *SLATracker
	Tickets         *TicketService
}

// NewContainer wires the services in dependency order. The SLA tracker is
// registered as a dispatcher hook and shares its per-entity locks.
func NewContainer(db *gorm.DB, opts Options, logger *logrus.Logger) *Container {
	if logger == nil {
		logger = logrus.New()
	}
	cursors := opts.Cursors
	if cursors == nil {
		cursors = NewGormCursorStore(db)
	}
	clock := opts.Clock
	if clock == nil {
		clock = DefaultBusinessClock()
	}

	c := &Container{DB: db}
	c.Store = NewGormEntityStore(db, logger)
	c.Notifications = NewNotificationService(db, logger)
	c.Store.SetNotifier(c.Notifications)
	c.Comments = NewCommentService(db, logger)
	c.Assignment = NewAssignmentService(db, c.Store, NewAssignmentResolver(cursors), logger)
	c.Executor = NewActionExecutor(c.Store, c.Notifications, c.Comments, c.Assignment, logger)
	if opts.ActionTimeout > 0 {
		c.Executor.SetTimeout(opts.ActionTimeout)
	}
	c.WorkflowRules = NewWorkflowRuleService(db, logger)
	c.AssignmentRules = NewAssignmentRuleService(db, cursors, logger)
	c.SLAPolicies = NewSLAPolicyService(db, logger)

	c.Dispatcher = NewDispatcher(db, c.WorkflowRules, c.Store, c.Executor, logger)
	c.Dispatcher.SetMaxDepth(opts.MaxDepth)

	c.SLA = NewSLATracker(db, clock, c.Executor, logger)
	c.SLA.SetLocks(c.Dispatcher.Locks())
	c.Dispatcher.AddHook(c.SLA)

	c.Tickets = NewTicketService(db, c.Store, c.Dispatcher, c.Comments, logger)
	c.Tickets.SetAutoAssign(opts.AutoAssign)
	return c
}
