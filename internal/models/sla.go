package models

import "time"

// SLA 状态
const (
	SLAOnTrack  = "on_track"
	SLAAtRisk   = "at_risk"
	SLABreached = "breached"
)

// SLAStatusRank orders SLA statuses so transitions can be kept monotonic.
func SLAStatusRank(status string) int {
	switch status {
	case SLAAtRisk:
		return 1
	case SLABreached:
		return 2
	}
	return 0
}

// SLAPolicy SLA 策略，按工单优先级匹配
type SLAPolicy struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	Name                  string    `gorm:"not null" json:"name"`
	Priority              string    `gorm:"index;not null" json:"priority"`
	ResponseTimeMinutes   int       `gorm:"not null" json:"response_time_minutes"`
	ResolutionTimeMinutes int       `gorm:"not null" json:"resolution_time_minutes"`
	BusinessHoursOnly     bool      `json:"business_hours_only"`
	EscalationEnabled     bool      `json:"escalation_enabled"`
	EscalationUserID      uint      `json:"escalation_user_id"`
	NotifyBeforeMinutes   int       `json:"notify_before_minutes"`
	IsActive              bool      `gorm:"index" json:"is_active"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// SLAState 单个工单的 SLA 跟踪状态，由 SLATracker 维护
type SLAState struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	TicketID           uint       `gorm:"uniqueIndex;not null" json:"ticket_id"`
	PolicyID           uint       `gorm:"index;not null" json:"policy_id"`
	Priority           string     `gorm:"index" json:"priority"`
	StartedAt          time.Time  `json:"started_at"`
	ResponseDeadline   time.Time  `json:"response_deadline"`
	ResolutionDeadline time.Time  `json:"resolution_deadline"`
	ResponseBreached   bool       `json:"response_breached"`
	ResolutionBreached bool       `json:"resolution_breached"`
	Status             string     `gorm:"index;not null" json:"status"`
	LastEvaluatedAt    *time.Time `json:"last_evaluated_at"`
	AtRiskNotifiedAt   *time.Time `json:"at_risk_notified_at"`
	BreachedNotifiedAt *time.Time `json:"breached_notified_at"`
	FrozenAt           *time.Time `gorm:"index" json:"frozen_at"`
	MetDeadline        *bool      `json:"met_deadline"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Frozen reports whether the ticket reached its terminal status.
func (s *SLAState) Frozen() bool { return s.FrozenAt != nil }
