package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gorm.io/datatypes"
)

const (
	EntityTicket = "ticket"
	EntityAsset  = "asset"
)

// 触发事件
const (
	TriggerCreated         = "created"
	TriggerStatusChanged   = "status_changed"
	TriggerAssigned        = "assigned"
	TriggerPriorityChanged = "priority_changed"
	TriggerUpdated         = "updated"
)

// 条件运算符
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIn          = "in"
	OpNotIn       = "not_in"
)

// 动作类型
const (
	ActionAssign           = "assign"
	ActionChangeStatus     = "change_status"
	ActionChangePriority   = "change_priority"
	ActionAddComment       = "add_comment"
	ActionSendNotification = "send_notification"
	ActionSendWhatsApp     = "send_whatsapp"
)

// IsValidEntityType reports whether t names an entity the engine can observe.
func IsValidEntityType(t string) bool { return t == EntityTicket || t == EntityAsset }

// IsValidTrigger reports whether t is a supported lifecycle trigger.
func IsValidTrigger(t string) bool {
	switch t {
	case TriggerCreated, TriggerStatusChanged, TriggerAssigned, TriggerPriorityChanged, TriggerUpdated:
		return true
	}
	return false
}

// IsValidOperator reports whether op is a supported condition operator.
func IsValidOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan, OpIn, OpNotIn:
		return true
	}
	return false
}

// ConditionValue holds the right-hand side of a condition. Lists are kept
// comma-joined so in/not_in can treat them as a set.
type ConditionValue string

// UnmarshalJSON accepts a string, a number, a bool or a list of scalars.
func (v *ConditionValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = ConditionValue(s)
		return nil
	}
	var list []interface{}
	if err := json.Unmarshal(b, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, it := range list {
			parts = append(parts, cast.ToString(it))
		}
		*v = ConditionValue(strings.Join(parts, ","))
		return nil
	}
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("condition value: %w", err)
	}
	*v = ConditionValue(cast.ToString(raw))
	return nil
}

// Items splits the value into trimmed set members.
func (v ConditionValue) Items() []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(string(v), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// Condition 单个 (field, operator, value) 条件
type Condition struct {
	Field    string         `json:"field"`
	Operator string         `json:"operator"`
	Value    ConditionValue `json:"value"`
}

// Validate checks the condition shape. It does not look at entity data.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return errors.New("condition field is required")
	}
	if !IsValidOperator(c.Operator) {
		return fmt.Errorf("unsupported operator %q", c.Operator)
	}
	return nil
}

// ActionParams is the typed payload of an Action. Concrete types:
// *AssignParams, *ChangeStatusParams, *ChangePriorityParams, *CommentParams,
// *NotifyParams.
type ActionParams interface {
	validate(actionType string) error
}

type AssignParams struct {
	UserID             uint `json:"user_id,omitempty"`
	UseAssignmentRules bool `json:"use_assignment_rules,omitempty"`
}

func (p *AssignParams) validate(string) error {
	if p.UserID == 0 && !p.UseAssignmentRules {
		return errors.New("assign requires user_id or use_assignment_rules")
	}
	return nil
}

type ChangeStatusParams struct {
	Status string `json:"status"`
}

func (p *ChangeStatusParams) validate(string) error {
	if strings.TrimSpace(p.Status) == "" {
		return errors.New("change_status requires status")
	}
	return nil
}

type ChangePriorityParams struct {
	Priority string `json:"priority"`
}

func (p *ChangePriorityParams) validate(string) error {
	if !IsValidPriority(p.Priority) {
		return fmt.Errorf("invalid priority %q", p.Priority)
	}
	return nil
}

type CommentParams struct {
	Text string `json:"text"`
}

func (p *CommentParams) validate(string) error {
	if strings.TrimSpace(p.Text) == "" {
		return errors.New("add_comment requires text")
	}
	return nil
}

// NotifyParams serves both send_notification and send_whatsapp.
type NotifyParams struct {
	Message        string `json:"message"`
	Recipients     []uint `json:"recipients"`
	NotifyAssignee bool   `json:"notify_assignee,omitempty"`
}

func (p *NotifyParams) validate(actionType string) error {
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("%s requires message", actionType)
	}
	if len(p.Recipients) == 0 && !p.NotifyAssignee {
		return fmt.Errorf("%s requires recipients", actionType)
	}
	return nil
}

// Action 规则命中后执行的单个动作
type Action struct {
	Type   string       `json:"type"`
	Params ActionParams `json:"params"`
}

// NewActionParams returns an empty payload for the given action type.
func NewActionParams(actionType string) (ActionParams, error) {
	switch actionType {
	case ActionAssign:
		return &AssignParams{}, nil
	case ActionChangeStatus:
		return &ChangeStatusParams{}, nil
	case ActionChangePriority:
		return &ChangePriorityParams{}, nil
	case ActionAddComment:
		return &CommentParams{}, nil
	case ActionSendNotification, ActionSendWhatsApp:
		return &NotifyParams{}, nil
	}
	return nil, fmt.Errorf("unsupported action type %q", actionType)
}

type actionWire struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	params := []byte("null")
	if a.Params != nil {
		b, err := json.Marshal(a.Params)
		if err != nil {
			return nil, err
		}
		params = b
	}
	return json.Marshal(actionWire{Type: a.Type, Params: params})
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var w actionWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	params, err := NewActionParams(w.Type)
	if err != nil {
		return err
	}
	if len(w.Params) > 0 && string(w.Params) != "null" {
		if err := json.Unmarshal(w.Params, params); err != nil {
			return fmt.Errorf("%s params: %w", w.Type, err)
		}
	}
	a.Type = w.Type
	a.Params = params
	return nil
}

// Validate checks that the payload matches the action type and is complete.
func (a Action) Validate() error {
	if _, err := NewActionParams(a.Type); err != nil {
		return err
	}
	if a.Params == nil {
		return fmt.Errorf("%s requires params", a.Type)
	}
	if !paramsMatch(a.Type, a.Params) {
		return fmt.Errorf("%s params have wrong shape %T", a.Type, a.Params)
	}
	return a.Params.validate(a.Type)
}

func paramsMatch(actionType string, p ActionParams) bool {
	switch p.(type) {
	case *AssignParams:
		return actionType == ActionAssign
	case *ChangeStatusParams:
		return actionType == ActionChangeStatus
	case *ChangePriorityParams:
		return actionType == ActionChangePriority
	case *CommentParams:
		return actionType == ActionAddComment
	case *NotifyParams:
		return actionType == ActionSendNotification || actionType == ActionSendWhatsApp
	}
	return false
}

// MutatesEntity reports whether the action writes to the entity itself and
// may therefore re-trigger the dispatcher.
func (a Action) MutatesEntity() bool {
	switch a.Type {
	case ActionAssign, ActionChangeStatus, ActionChangePriority:
		return true
	}
	return false
}

// WorkflowRule 工作流规则（UI 中的 workflow template）
type WorkflowRule struct {
	ID          uint                           `gorm:"primaryKey" json:"id"`
	Name        string                         `gorm:"not null" json:"name"`
	Description string                         `gorm:"type:text" json:"description"`
	EntityType  string                         `gorm:"index:idx_rule_lookup;not null" json:"entity_type"`
	Trigger     string                         `gorm:"column:trigger_event;index:idx_rule_lookup;not null" json:"trigger"`
	Priority    int                            `json:"priority"`
	IsActive    bool                           `gorm:"index" json:"is_active"`
	Conditions  datatypes.JSONSlice[Condition] `json:"conditions"`
	Actions     datatypes.JSONSlice[Action]    `json:"actions"`
	CreatedAt   time.Time                      `json:"created_at"`
	UpdatedAt   time.Time                      `json:"updated_at"`
}

// WorkflowExecution 规则执行审计记录
type WorkflowExecution struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	DispatchID    string    `gorm:"index;size:36" json:"dispatch_id"`
	RuleID        uint      `gorm:"index" json:"rule_id"`
	EntityType    string    `gorm:"index:idx_execution_entity" json:"entity_type"`
	EntityID      uint      `gorm:"index:idx_execution_entity" json:"entity_id"`
	Trigger       string    `gorm:"column:trigger_event" json:"trigger"`
	Depth         int       `json:"depth"`
	Status        string    `gorm:"index" json:"status"` // success, partial, failed, aborted
	ActionsRun    int       `json:"actions_run"`
	ActionsFailed int       `json:"actions_failed"`
	Message       string    `gorm:"type:text" json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ExecutionSuccess = "success"
	ExecutionPartial = "partial"
	ExecutionFailed  = "failed"
	ExecutionAborted = "aborted"
)
