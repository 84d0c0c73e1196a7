package models

import (
	"strings"
	"time"
)

// 工单状态
const (
	TicketStatusOpen       = "open"
	TicketStatusInProgress = "in_progress"
	TicketStatusPending    = "pending"
	TicketStatusResolved   = "resolved"
	TicketStatusClosed     = "closed"
)

// 工单优先级，与 SLA 策略的 priority 一一对应
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// 资产状态
const (
	AssetStatusAvailable   = "available"
	AssetStatusAssigned    = "assigned"
	AssetStatusMaintenance = "maintenance"
	AssetStatusRetired     = "retired"
)

// 用户角色
const (
	RoleAdmin      = "admin"
	RoleTechnician = "technician"
	RoleUser       = "user"
)

var (
	ticketStatuses = []string{TicketStatusOpen, TicketStatusInProgress, TicketStatusPending, TicketStatusResolved, TicketStatusClosed}
	priorities     = []string{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	assetStatuses  = []string{AssetStatusAvailable, AssetStatusAssigned, AssetStatusMaintenance, AssetStatusRetired}
)

// TicketStatuses returns the allowed ticket status values.
func TicketStatuses() []string { return append([]string(nil), ticketStatuses...) }

// Priorities returns the allowed ticket priority values.
func Priorities() []string { return append([]string(nil), priorities...) }

// AssetStatuses returns the allowed asset status values.
func AssetStatuses() []string { return append([]string(nil), assetStatuses...) }

// IsValidTicketStatus reports whether s is a known ticket status.
func IsValidTicketStatus(s string) bool { return contains(ticketStatuses, s) }

// IsValidPriority reports whether p is a known priority.
func IsValidPriority(p string) bool { return contains(priorities, p) }

// IsValidAssetStatus reports whether s is a known asset status.
func IsValidAssetStatus(s string) bool { return contains(assetStatuses, s) }

// IsTerminalTicketStatus closed 是唯一的终态
func IsTerminalTicketStatus(s string) bool { return s == TicketStatusClosed }

func contains(list []string, v string) bool {
	for _, it := range list {
		if it == v {
			return true
		}
	}
	return false
}

// 用户模型（管理员/技术员/普通用户）
type User struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `json:"name"`
	Email       string    `gorm:"uniqueIndex;not null" json:"email"`
	Role        string    `gorm:"index;default:'user'" json:"role"`
	IsAvailable bool      `json:"is_available"`
	Skills      string    `json:"skills"` // 技能，逗号分隔
	Location    string    `json:"location"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SkillList 解析逗号分隔的技能列表
func (u *User) SkillList() []string {
	if u.Skills == "" {
		return nil
	}
	parts := strings.Split(u.Skills, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// 工单模型
type Ticket struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Title           string     `gorm:"not null" json:"title"`
	Description     string     `gorm:"type:text" json:"description"`
	Status          string     `gorm:"index;default:'open'" json:"status"`
	Priority        string     `gorm:"index;default:'medium'" json:"priority"`
	Category        string     `json:"category"`
	Location        string     `json:"location"`
	Tags            string     `json:"tags"` // 逗号分隔
	RequesterID     uint       `gorm:"index" json:"requester_id"`
	AssignedToID    *uint      `gorm:"index" json:"assigned_to_id"`
	FirstResponseAt *time.Time `json:"first_response_at"`
	ClosedAt        *time.Time `json:"closed_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// 资产模型
type Asset struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"not null" json:"name"`
	AssetTag     string    `gorm:"uniqueIndex" json:"asset_tag"`
	Category     string    `json:"category"`
	Status       string    `gorm:"index;default:'available'" json:"status"`
	Location     string    `json:"location"`
	AssignedToID *uint     `gorm:"index" json:"assigned_to_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// 评论，AuthorID 为 0 且 IsSystem 为 true 时表示系统自动生成
type Comment struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EntityType string    `gorm:"index:idx_comment_entity;not null" json:"entity_type"`
	EntityID   uint      `gorm:"index:idx_comment_entity;not null" json:"entity_id"`
	AuthorID   uint      `json:"author_id"`
	IsSystem   bool      `json:"is_system"`
	Text       string    `gorm:"type:text" json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// 通知发件箱，投递由外部通道负责
type Notification struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EntityType  string    `gorm:"index:idx_notification_entity" json:"entity_type"`
	EntityID    uint      `gorm:"index:idx_notification_entity" json:"entity_id"`
	RecipientID uint      `gorm:"index" json:"recipient_id"`
	Channel     string    `gorm:"default:'in_app'" json:"channel"` // in_app, whatsapp
	Message     string    `gorm:"type:text" json:"message"`
	Status      string    `gorm:"index;default:'queued'" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	ChannelInApp    = "in_app"
	ChannelWhatsApp = "whatsapp"
)
