package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deskflow/internal/metrics"
	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
)

// Assigner resolves a technician through the assignment rules.
type Assigner interface {
	Decide(ctx context.Context, ticketID uint, snap Snapshot) (*AssignmentDecision, error)
	RecordAssigned(ctx context.Context, d *AssignmentDecision, ticketID uint)
}

// ActionOutcome is what one executed action did.
type ActionOutcome struct {
	Type       string              `json:"type"`
	Change     *EntityChange       `json:"-"`
	Assignment *AssignmentDecision `json:"assignment,omitempty"`
	Exhausted  bool                `json:"assignment_exhausted,omitempty"`
	Rendered   string              `json:"rendered,omitempty"`
	Recipients []uint              `json:"recipients,omitempty"`
}

// Triggers returns the follow-up events the action caused.
func (o *ActionOutcome) Triggers() []string {
	if o == nil || o.Change == nil {
		return nil
	}
	return o.Change.Triggers
}

// DefaultActionTimeout bounds a single action when none is configured.
const DefaultActionTimeout = 5 * time.Second

// ActionExecutor applies one action to an entity through its collaborators.
type ActionExecutor struct {
	store    EntityStore
	notifier Notifier
	comments CommentWriter
	assigner Assigner
	renderer *MessageRenderer
	timeout  time.Duration
	logger   *logrus.Logger
}

func NewActionExecutor(store EntityStore, notifier Notifier, comments CommentWriter, assigner Assigner, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{
		store:    store,
		notifier: notifier,
		comments: comments,
		assigner: assigner,
		renderer: NewMessageRenderer(),
		timeout:  DefaultActionTimeout,
		logger:   logger,
	}
}

// SetTimeout changes the per-action deadline. Non-positive values are ignored.
func (e *ActionExecutor) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// Renderer exposes the template renderer for write-time validation.
func (e *ActionExecutor) Renderer() *MessageRenderer { return e.renderer }

// Execute runs the action under the executor timeout. Every failure is an
// *ActionError.
func (e *ActionExecutor) Execute(ctx context.Context, action models.Action, ref EntityRef) (*ActionOutcome, error) {
	return e.ExecuteWith(ctx, action, ref, nil)
}

// ExecuteWith is Execute with event fields (previousStatus and the like)
// available to templates. Stored entity fields take precedence.
func (e *ActionExecutor) ExecuteWith(ctx context.Context, action models.Action, ref EntityRef, eventSnap Snapshot) (*ActionOutcome, error) {
	if err := action.Validate(); err != nil {
		metrics.IncAction(action.Type, string(ActionInvalidParams))
		return nil, invalidParams(action.Type, "%v", err)
	}

	type result struct {
		out *ActionOutcome
		err error
	}
	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		out, err := e.execute(tctx, action, ref, eventSnap)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			var ae *ActionError
			if !errors.As(r.err, &ae) {
				ae = &ActionError{Kind: ActionCollaborator, ActionType: action.Type, Err: r.err}
				if errors.Is(r.err, context.DeadlineExceeded) {
					ae.Kind = ActionTimeout
				}
			}
			metrics.IncAction(action.Type, string(ae.Kind))
			return nil, ae
		}
		metrics.IncAction(action.Type, "success")
		return r.out, nil
	case <-tctx.Done():
		metrics.IncAction(action.Type, string(ActionTimeout))
		return nil, &ActionError{Kind: ActionTimeout, ActionType: action.Type, Err: fmt.Errorf("no result after %s: %w", e.timeout, tctx.Err())}
	}
}

func (e *ActionExecutor) execute(ctx context.Context, action models.Action, ref EntityRef, eventSnap Snapshot) (*ActionOutcome, error) {
	out := &ActionOutcome{Type: action.Type}

	switch p := action.Params.(type) {
	case *models.AssignParams:
		return e.assign(ctx, p, ref, out)

	case *models.ChangeStatusParams:
		if err := validateStatus(ref.Type, p.Status); err != nil {
			return nil, invalidParams(action.Type, "%v", err)
		}
		status := p.Status
		change, err := e.store.UpdateEntity(ctx, ref, EntityPatch{Status: &status})
		if err != nil {
			return nil, err
		}
		out.Change = change
		return out, nil

	case *models.ChangePriorityParams:
		if ref.Type != models.EntityTicket {
			return nil, invalidParams(action.Type, "%s has no priority", ref.Type)
		}
		priority := p.Priority
		change, err := e.store.UpdateEntity(ctx, ref, EntityPatch{Priority: &priority})
		if err != nil {
			return nil, err
		}
		out.Change = change
		return out, nil

	case *models.CommentParams:
		if e.comments == nil {
			return nil, errors.New("no comment writer configured")
		}
		text, err := e.render(ctx, action.Type, p.Text, ref, eventSnap)
		if err != nil {
			return nil, err
		}
		if err := e.comments.AddComment(ctx, ref, text); err != nil {
			return nil, err
		}
		out.Rendered = text
		return out, nil

	case *models.NotifyParams:
		return e.notify(ctx, action.Type, p, ref, eventSnap, out)
	}
	return nil, invalidParams(action.Type, "unexpected params %T", action.Params)
}

func (e *ActionExecutor) assign(ctx context.Context, p *models.AssignParams, ref EntityRef, out *ActionOutcome) (*ActionOutcome, error) {
	userID := p.UserID
	var decision *AssignmentDecision
	if userID == 0 {
		if ref.Type != models.EntityTicket {
			return nil, invalidParams(models.ActionAssign, "assignment rules only apply to tickets")
		}
		if e.assigner == nil {
			return nil, errors.New("no assignment service configured")
		}
		snap, err := e.store.GetEntity(ctx, ref)
		if err != nil {
			return nil, err
		}
		decision, err = e.assigner.Decide(ctx, ref.ID, snap)
		if err != nil {
			return nil, err
		}
		out.Assignment = decision
		if !decision.Assigned {
			out.Exhausted = true
			return out, nil
		}
		userID = decision.UserID
	}

	change, err := e.store.UpdateEntity(ctx, ref, EntityPatch{AssignedToID: &userID})
	if err != nil {
		if errors.Is(err, ErrNotFound) && p.UserID != 0 {
			return nil, invalidParams(models.ActionAssign, "%v", err)
		}
		return nil, err
	}
	out.Change = change
	if decision != nil {
		e.assigner.RecordAssigned(ctx, decision, ref.ID)
	}
	return out, nil
}

func (e *ActionExecutor) notify(ctx context.Context, actionType string, p *models.NotifyParams, ref EntityRef, eventSnap Snapshot, out *ActionOutcome) (*ActionOutcome, error) {
	if e.notifier == nil {
		return nil, errors.New("no notifier configured")
	}
	snap, err := e.snapshot(ctx, ref, eventSnap)
	if err != nil {
		return nil, err
	}
	recipients := append([]uint(nil), p.Recipients...)
	if p.NotifyAssignee {
		if id := currentAssignee(snap); id != 0 {
			recipients = append(recipients, id)
		}
	}
	recipients = dedupeIDs(recipients)
	if len(recipients) == 0 {
		return nil, invalidParams(actionType, "no recipients resolved")
	}
	text, err := e.renderer.Render(p.Message, ref, snap)
	if err != nil {
		return nil, invalidParams(actionType, "%v", err)
	}
	channel := models.ChannelInApp
	if actionType == models.ActionSendWhatsApp {
		channel = models.ChannelWhatsApp
	}
	if err := e.notifier.Send(ctx, OutboundMessage{Entity: ref, Channel: channel, Message: text, Recipients: recipients}); err != nil {
		return nil, err
	}
	out.Rendered = text
	out.Recipients = recipients
	return out, nil
}

func (e *ActionExecutor) render(ctx context.Context, actionType, src string, ref EntityRef, eventSnap Snapshot) (string, error) {
	snap, err := e.snapshot(ctx, ref, eventSnap)
	if err != nil {
		return "", err
	}
	text, err := e.renderer.Render(src, ref, snap)
	if err != nil {
		return "", invalidParams(actionType, "%v", err)
	}
	return text, nil
}

func (e *ActionExecutor) snapshot(ctx context.Context, ref EntityRef, eventSnap Snapshot) (Snapshot, error) {
	snap, err := e.store.GetEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(eventSnap) == 0 {
		return snap, nil
	}
	merged := snap.Clone()
	for k, v := range eventSnap {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged, nil
}
