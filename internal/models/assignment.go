package models

import (
	"time"

	"gorm.io/datatypes"
)

// 分配策略
const (
	StrategyRoundRobin    = "round_robin"
	StrategyLeastBusy     = "least_busy"
	StrategySkillBased    = "skill_based"
	StrategyLocationBased = "location_based"
	StrategySpecificUser  = "specific_user"
)

// IsValidStrategy reports whether s is a supported assignment strategy.
func IsValidStrategy(s string) bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastBusy, StrategySkillBased, StrategyLocationBased, StrategySpecificUser:
		return true
	}
	return false
}

// AssignmentRule 工单自动分配规则
type AssignmentRule struct {
	ID             uint                           `gorm:"primaryKey" json:"id"`
	Name           string                         `gorm:"not null" json:"name"`
	AssignmentType string                         `gorm:"not null" json:"assignment_type"`
	Priority       int                            `json:"priority"`
	IsActive       bool                           `gorm:"index" json:"is_active"`
	Conditions     datatypes.JSONSlice[Condition] `json:"conditions"`
	TargetUsers    datatypes.JSONSlice[uint]      `json:"target_users"`
	RequiredSkills datatypes.JSONSlice[string]    `json:"required_skills"`
	Location       string                         `json:"location"`
	CreatedAt      time.Time                      `json:"created_at"`
	UpdatedAt      time.Time                      `json:"updated_at"`
}

// AssignmentCursor 轮询游标，按规则持久化，重启后继续
type AssignmentCursor struct {
	RuleID    uint      `gorm:"primaryKey;autoIncrement:false" json:"rule_id"`
	Position  int64     `gorm:"not null;default:0" json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AssignmentRecord 分配结果记录，用于统计
type AssignmentRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RuleID    uint      `gorm:"index" json:"rule_id"` // 0 表示由工作流动作直接指定
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	UserID    uint      `gorm:"index" json:"user_id"` // exhausted 时为 0
	Strategy  string    `gorm:"index" json:"strategy"`
	Outcome   string    `gorm:"index" json:"outcome"` // assigned, exhausted
	CreatedAt time.Time `json:"created_at"`
}

const (
	AssignmentOutcomeAssigned  = "assigned"
	AssignmentOutcomeExhausted = "exhausted"
)
