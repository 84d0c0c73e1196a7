package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SLAPolicyService SLA 策略配置
type SLAPolicyService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewSLAPolicyService(db *gorm.DB, logger *logrus.Logger) *SLAPolicyService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SLAPolicyService{db: db, logger: logger}
}

// SLAPolicyRequest 创建/更新 SLA 策略请求
type SLAPolicyRequest struct {
	Name                  string `json:"name" binding:"required"`
	Priority              string `json:"priority" binding:"required"`
	ResponseTimeMinutes   int    `json:"response_time_minutes"`
	ResolutionTimeMinutes int    `json:"resolution_time_minutes"`
	BusinessHoursOnly     bool   `json:"business_hours_only"`
	EscalationEnabled     bool   `json:"escalation_enabled"`
	EscalationUserID      uint   `json:"escalation_user_id"`
	NotifyBeforeMinutes   int    `json:"notify_before_minutes"`
	IsActive              *bool  `json:"is_active"`
}

func (s *SLAPolicyService) validate(ctx context.Context, req *SLAPolicyRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return configErr("name", "is required")
	}
	if !models.IsValidPriority(req.Priority) {
		return configErr("priority", "unsupported priority %q", req.Priority)
	}
	if req.ResponseTimeMinutes <= 0 {
		return configErr("response_time_minutes", "must be positive")
	}
	if req.ResolutionTimeMinutes <= 0 {
		return configErr("resolution_time_minutes", "must be positive")
	}
	if req.ResolutionTimeMinutes < req.ResponseTimeMinutes {
		return configErr("resolution_time_minutes", "must not be shorter than the response time")
	}
	if req.NotifyBeforeMinutes < 0 {
		return configErr("notify_before_minutes", "must not be negative")
	}
	if req.EscalationEnabled {
		if req.EscalationUserID == 0 {
			return configErr("escalation_user_id", "required when escalation is enabled")
		}
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", req.EscalationUserID).Count(&n).Error; err != nil {
			return fmt.Errorf("failed to check escalation user: %w", err)
		}
		if n == 0 {
			return configErr("escalation_user_id", "user %d does not exist", req.EscalationUserID)
		}
	}
	return nil
}

func (s *SLAPolicyService) apply(p *models.SLAPolicy, req *SLAPolicyRequest) {
	p.Name = strings.TrimSpace(req.Name)
	p.Priority = req.Priority
	p.ResponseTimeMinutes = req.ResponseTimeMinutes
	p.ResolutionTimeMinutes = req.ResolutionTimeMinutes
	p.BusinessHoursOnly = req.BusinessHoursOnly
	p.EscalationEnabled = req.EscalationEnabled
	p.EscalationUserID = req.EscalationUserID
	p.NotifyBeforeMinutes = req.NotifyBeforeMinutes
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
}

// CreatePolicy 创建 SLA 策略
func (s *SLAPolicyService) CreatePolicy(ctx context.Context, req *SLAPolicyRequest) (*models.SLAPolicy, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}
	policy := &models.SLAPolicy{IsActive: true}
	s.apply(policy, req)
	if err := s.db.WithContext(ctx).Create(policy).Error; err != nil {
		return nil, fmt.Errorf("failed to create sla policy: %w", err)
	}
	s.logger.Infof("Created SLA policy: id=%d priority=%s", policy.ID, policy.Priority)
	return policy, nil
}

// GetPolicy 获取 SLA 策略
func (s *SLAPolicyService) GetPolicy(ctx context.Context, id uint) (*models.SLAPolicy, error) {
	var policy models.SLAPolicy
	if err := s.db.WithContext(ctx).First(&policy, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("sla policy %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get sla policy: %w", err)
	}
	return &policy, nil
}

// ListPolicies 列出策略，可按优先级和启用状态筛选
func (s *SLAPolicyService) ListPolicies(ctx context.Context, priority string, active *bool) ([]models.SLAPolicy, error) {
	query := s.db.WithContext(ctx).Model(&models.SLAPolicy{})
	if priority != "" {
		query = query.Where("priority = ?", priority)
	}
	if active != nil {
		query = query.Where("is_active = ?", *active)
	}
	var policies []models.SLAPolicy
	if err := query.Order("priority asc").Order("created_at desc").Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("failed to list sla policies: %w", err)
	}
	return policies, nil
}

// UpdatePolicy 更新策略。已有的 SLA 状态保留原截止时间，直到下次优先级变更。
func (s *SLAPolicyService) UpdatePolicy(ctx context.Context, id uint, req *SLAPolicyRequest) (*models.SLAPolicy, error) {
	policy, err := s.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}
	s.apply(policy, req)
	policy.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(policy).Error; err != nil {
		return nil, fmt.Errorf("failed to update sla policy: %w", err)
	}
	s.logger.Infof("Updated SLA policy: id=%d", id)
	return policy, nil
}

// DeletePolicy 删除策略
func (s *SLAPolicyService) DeletePolicy(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.SLAPolicy{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete sla policy: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sla policy %d: %w", id, ErrNotFound)
	}
	s.logger.Infof("Deleted SLA policy: id=%d", id)
	return nil
}

// TogglePolicy 启用/停用策略
func (s *SLAPolicyService) TogglePolicy(ctx context.Context, id uint) (*models.SLAPolicy, error) {
	policy, err := s.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	policy.IsActive = !policy.IsActive
	if err := s.db.WithContext(ctx).Model(policy).Update("is_active", policy.IsActive).Error; err != nil {
		return nil, fmt.Errorf("failed to toggle sla policy: %w", err)
	}
	return policy, nil
}
