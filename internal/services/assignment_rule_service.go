package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AssignmentRuleService 分配规则配置
type AssignmentRuleService struct {
	db      *gorm.DB
	cursors CursorStore
	logger  *logrus.Logger
}

func NewAssignmentRuleService(db *gorm.DB, cursors CursorStore, logger *logrus.Logger) *AssignmentRuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AssignmentRuleService{db: db, cursors: cursors, logger: logger}
}

// AssignmentRuleRequest 创建/更新分配规则请求
type AssignmentRuleRequest struct {
	Name           string             `json:"name" binding:"required"`
	AssignmentType string             `json:"assignment_type" binding:"required"`
	Priority       int                `json:"priority"`
	IsActive       *bool              `json:"is_active"`
	Conditions     []models.Condition `json:"conditions"`
	TargetUsers    []uint             `json:"target_users"`
	RequiredSkills []string           `json:"required_skills"`
	Location       string             `json:"location"`
}

func (s *AssignmentRuleService) validate(ctx context.Context, req *AssignmentRuleRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return configErr("name", "is required")
	}
	if !models.IsValidStrategy(req.AssignmentType) {
		return configErr("assignment_type", "unsupported strategy %q", req.AssignmentType)
	}
	for i, c := range req.Conditions {
		if err := c.Validate(); err != nil {
			return configErr(fmt.Sprintf("conditions[%d]", i), "%v", err)
		}
	}
	switch req.AssignmentType {
	case models.StrategyRoundRobin, models.StrategySpecificUser:
		if len(req.TargetUsers) == 0 {
			return configErr("target_users", "required for %s", req.AssignmentType)
		}
	case models.StrategySkillBased:
		if len(cleanSkills(req.RequiredSkills)) == 0 {
			return configErr("required_skills", "required for skill_based")
		}
	case models.StrategyLocationBased:
		if strings.TrimSpace(req.Location) == "" {
			return configErr("location", "required for location_based")
		}
	}
	// pool strategies draw from every available technician
	if !usesTargets(req.AssignmentType) && len(req.TargetUsers) > 0 {
		return configErr("target_users", "not supported for %s", req.AssignmentType)
	}
	if ids := dedupeIDs(req.TargetUsers); len(ids) > 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id IN ?", ids).Count(&n).Error; err != nil {
			return fmt.Errorf("failed to check target users: %w", err)
		}
		if int(n) != len(ids) {
			return configErr("target_users", "unknown user id in %v", ids)
		}
	}
	return nil
}

func usesTargets(strategy string) bool {
	return strategy == models.StrategyRoundRobin || strategy == models.StrategySpecificUser
}

func (s *AssignmentRuleService) apply(r *models.AssignmentRule, req *AssignmentRuleRequest) {
	r.Name = strings.TrimSpace(req.Name)
	r.AssignmentType = req.AssignmentType
	r.Priority = req.Priority
	if req.IsActive != nil {
		r.IsActive = *req.IsActive
	}
	r.Conditions = conditionSlice(req.Conditions)
	r.TargetUsers = datatypes.JSONSlice[uint](dedupeIDs(req.TargetUsers))
	r.RequiredSkills = datatypes.JSONSlice[string](cleanSkills(req.RequiredSkills))
	r.Location = strings.TrimSpace(req.Location)
}

// CreateRule 创建分配规则
func (s *AssignmentRuleService) CreateRule(ctx context.Context, req *AssignmentRuleRequest) (*models.AssignmentRule, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}
	rule := &models.AssignmentRule{IsActive: true}
	s.apply(rule, req)
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to create assignment rule: %w", err)
	}
	s.logger.Infof("Created assignment rule: id=%d strategy=%s", rule.ID, rule.AssignmentType)
	return rule, nil
}

// GetRule 获取分配规则
func (s *AssignmentRuleService) GetRule(ctx context.Context, id uint) (*models.AssignmentRule, error) {
	var rule models.AssignmentRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("assignment rule %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get assignment rule: %w", err)
	}
	return &rule, nil
}

// ListRules 分配规则列表，按执行顺序
func (s *AssignmentRuleService) ListRules(ctx context.Context, active *bool) ([]models.AssignmentRule, error) {
	query := s.db.WithContext(ctx).Model(&models.AssignmentRule{})
	if active != nil {
		query = query.Where("is_active = ?", *active)
	}
	var rules []models.AssignmentRule
	if err := query.Order("priority desc").Order("id asc").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list assignment rules: %w", err)
	}
	return rules, nil
}

// UpdateRule 更新分配规则。目标用户变化时轮询游标归零。
func (s *AssignmentRuleService) UpdateRule(ctx context.Context, id uint, req *AssignmentRuleRequest) (*models.AssignmentRule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}
	before := slices.Clone([]uint(rule.TargetUsers))
	s.apply(rule, req)
	rule.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to update assignment rule: %w", err)
	}
	if !slices.Equal(before, []uint(rule.TargetUsers)) {
		s.resetCursor(ctx, id)
	}
	s.logger.Infof("Updated assignment rule: id=%d", id)
	return rule, nil
}

// DeleteRule 删除分配规则及其游标
func (s *AssignmentRuleService) DeleteRule(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.AssignmentRule{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete assignment rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("assignment rule %d: %w", id, ErrNotFound)
	}
	s.resetCursor(ctx, id)
	s.logger.Infof("Deleted assignment rule: id=%d", id)
	return nil
}

// ToggleRule 启用/停用分配规则
func (s *AssignmentRuleService) ToggleRule(ctx context.Context, id uint) (*models.AssignmentRule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.IsActive = !rule.IsActive
	if err := s.db.WithContext(ctx).Model(rule).Update("is_active", rule.IsActive).Error; err != nil {
		return nil, fmt.Errorf("failed to toggle assignment rule: %w", err)
	}
	return rule, nil
}

func (s *AssignmentRuleService) resetCursor(ctx context.Context, id uint) {
	if s.cursors == nil {
		return
	}
	if err := s.cursors.Reset(ctx, id); err != nil {
		s.logger.Warnf("reset cursor for assignment rule %d: %v", id, err)
	}
}

func cleanSkills(in []string) []string {
	out := make([]string, 0, len(in))
	for _, sk := range in {
		if sk = strings.TrimSpace(sk); sk != "" {
			out = append(out, sk)
		}
	}
	return out
}
