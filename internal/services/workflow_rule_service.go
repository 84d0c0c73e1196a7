package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WorkflowRuleService 工作流规则配置
type WorkflowRuleService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	renderer *MessageRenderer
}

func NewWorkflowRuleService(db *gorm.DB, logger *logrus.Logger) *WorkflowRuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkflowRuleService{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("deskflow.workflow_rules"),
		renderer: NewMessageRenderer(),
	}
}

// WorkflowRuleRequest 创建/更新工作流规则请求
type WorkflowRuleRequest struct {
	Name        string             `json:"name" binding:"required"`
	Description string             `json:"description"`
	EntityType  string             `json:"entity_type" binding:"required"`
	Trigger     string             `json:"trigger" binding:"required"`
	Priority    int                `json:"priority"`
	IsActive    *bool              `json:"is_active"`
	Conditions  []models.Condition `json:"conditions"`
	Actions     []models.Action    `json:"actions"`
}

// WorkflowRuleListRequest 规则列表筛选
type WorkflowRuleListRequest struct {
	Page       int    `form:"page,default=1"`
	PageSize   int    `form:"page_size,default=20"`
	EntityType string `form:"entity_type"`
	Trigger    string `form:"trigger"`
	Active     *bool  `form:"is_active"`
}

func (s *WorkflowRuleService) validate(req *WorkflowRuleRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return configErr("name", "is required")
	}
	if !models.IsValidEntityType(req.EntityType) {
		return configErr("entity_type", "unsupported entity type %q", req.EntityType)
	}
	if !models.IsValidTrigger(req.Trigger) {
		return configErr("trigger", "unsupported trigger %q", req.Trigger)
	}
	if req.EntityType == models.EntityAsset && req.Trigger == models.TriggerPriorityChanged {
		return configErr("trigger", "assets have no priority")
	}
	for i, c := range req.Conditions {
		if err := c.Validate(); err != nil {
			return configErr(fmt.Sprintf("conditions[%d]", i), "%v", err)
		}
	}
	if len(req.Actions) == 0 {
		return configErr("actions", "at least one action is required")
	}
	for i, a := range req.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if err := a.Validate(); err != nil {
			return configErr(field, "%v", err)
		}
		if err := s.validateActionForEntity(req.EntityType, a); err != nil {
			return configErr(field, "%v", err)
		}
	}
	return nil
}

func (s *WorkflowRuleService) validateActionForEntity(entityType string, a models.Action) error {
	switch p := a.Params.(type) {
	case *models.ChangeStatusParams:
		return validateStatus(entityType, p.Status)
	case *models.ChangePriorityParams:
		if entityType != models.EntityTicket {
			return errors.New("change_priority only applies to tickets")
		}
	case *models.AssignParams:
		if p.UserID == 0 && entityType != models.EntityTicket {
			return errors.New("assignment rules only apply to tickets")
		}
	case *models.CommentParams:
		return s.renderer.Validate(p.Text)
	case *models.NotifyParams:
		return s.renderer.Validate(p.Message)
	}
	return nil
}

// CreateRule 创建工作流规则
func (s *WorkflowRuleService) CreateRule(ctx context.Context, req *WorkflowRuleRequest) (*models.WorkflowRule, error) {
	ctx, span := s.tracer.Start(ctx, "workflow_rules.create")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.rule.name", req.Name), attribute.String("workflow.rule.trigger", req.Trigger))

	if err := s.validate(req); err != nil {
		return nil, err
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	now := time.Now()
	rule := &models.WorkflowRule{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		EntityType:  req.EntityType,
		Trigger:     req.Trigger,
		Priority:    req.Priority,
		IsActive:    active,
		Conditions:  conditionSlice(req.Conditions),
		Actions:     datatypes.JSONSlice[models.Action](req.Actions),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create workflow rule: %w", err)
	}
	s.logger.Infof("Created workflow rule: id=%d name=%s %s/%s", rule.ID, rule.Name, rule.EntityType, rule.Trigger)
	return rule, nil
}

// GetRule 获取规则
func (s *WorkflowRuleService) GetRule(ctx context.Context, id uint) (*models.WorkflowRule, error) {
	var rule models.WorkflowRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("workflow rule %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow rule: %w", err)
	}
	return &rule, nil
}

// ListRules 规则列表
func (s *WorkflowRuleService) ListRules(ctx context.Context, req *WorkflowRuleListRequest) ([]models.WorkflowRule, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.WorkflowRule{})
	if req.EntityType != "" {
		query = query.Where("entity_type = ?", req.EntityType)
	}
	if req.Trigger != "" {
		query = query.Where("trigger_event = ?", req.Trigger)
	}
	if req.Active != nil {
		query = query.Where("is_active = ?", *req.Active)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count workflow rules: %w", err)
	}
	query = query.Order("priority desc").Order("id asc")
	if req.PageSize > 0 {
		page := req.Page
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * req.PageSize).Limit(req.PageSize)
	}
	var rules []models.WorkflowRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list workflow rules: %w", err)
	}
	return rules, total, nil
}

// UpdateRule 替换规则定义
func (s *WorkflowRuleService) UpdateRule(ctx context.Context, id uint, req *WorkflowRuleRequest) (*models.WorkflowRule, error) {
	ctx, span := s.tracer.Start(ctx, "workflow_rules.update")
	defer span.End()
	span.SetAttributes(attribute.Int64("workflow.rule.id", int64(id)))

	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}
	rule.Name = strings.TrimSpace(req.Name)
	rule.Description = req.Description
	rule.EntityType = req.EntityType
	rule.Trigger = req.Trigger
	rule.Priority = req.Priority
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	rule.Conditions = conditionSlice(req.Conditions)
	rule.Actions = datatypes.JSONSlice[models.Action](req.Actions)
	rule.UpdatedAt = time.Now()

	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update workflow rule: %w", err)
	}
	s.logger.Infof("Updated workflow rule: id=%d", id)
	return rule, nil
}

// DeleteRule 删除规则
func (s *WorkflowRuleService) DeleteRule(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.WorkflowRule{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete workflow rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("workflow rule %d: %w", id, ErrNotFound)
	}
	s.logger.Infof("Deleted workflow rule: id=%d", id)
	return nil
}

// ToggleRule 启用/停用规则
func (s *WorkflowRuleService) ToggleRule(ctx context.Context, id uint) (*models.WorkflowRule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.IsActive = !rule.IsActive
	if err := s.db.WithContext(ctx).Model(rule).Update("is_active", rule.IsActive).Error; err != nil {
		return nil, fmt.Errorf("failed to toggle workflow rule: %w", err)
	}
	s.logger.Infof("Toggled workflow rule: id=%d active=%v", id, rule.IsActive)
	return rule, nil
}

// ActiveRules 返回某实体类型与触发器下的启用规则，priority 降序
func (s *WorkflowRuleService) ActiveRules(ctx context.Context, entityType, trigger string) ([]models.WorkflowRule, error) {
	var rules []models.WorkflowRule
	if err := s.db.WithContext(ctx).
		Where("entity_type = ? AND trigger_event = ? AND is_active = ?", entityType, trigger, true).
		Order("priority desc").Order("id asc").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load workflow rules: %w", err)
	}
	return rules, nil
}

func conditionSlice(in []models.Condition) datatypes.JSONSlice[models.Condition] {
	if in == nil {
		return datatypes.JSONSlice[models.Condition]{}
	}
	return datatypes.JSONSlice[models.Condition](in)
}
