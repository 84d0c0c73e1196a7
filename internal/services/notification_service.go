package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboundMessage is one notification handed to the Notifier.
type OutboundMessage struct {
	Entity     EntityRef
	Channel    string
	Message    string
	Recipients []uint
}

// Notifier accepts notifications for delivery. A nil error means the message
// was accepted, not that it was delivered.
type Notifier interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// CommentWriter appends system comments to an entity.
type CommentWriter interface {
	AddComment(ctx context.Context, ref EntityRef, text string) error
}

// NotificationService 通知发件箱，每个接收人写入一条 queued 记录
type NotificationService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewNotificationService(db *gorm.DB, logger *logrus.Logger) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationService{db: db, logger: logger}
}

// Send 将通知写入发件箱
func (s *NotificationService) Send(ctx context.Context, msg OutboundMessage) error {
	recipients := dedupeIDs(msg.Recipients)
	if len(recipients) == 0 {
		return errors.New("no recipients")
	}
	channel := msg.Channel
	if channel == "" {
		channel = models.ChannelInApp
	}
	now := time.Now()
	rows := make([]models.Notification, 0, len(recipients))
	for _, r := range recipients {
		rows = append(rows, models.Notification{
			EntityType:  msg.Entity.Type,
			EntityID:    msg.Entity.ID,
			RecipientID: r,
			Channel:     channel,
			Message:     msg.Message,
			Status:      "queued",
			CreatedAt:   now,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"entity_type": msg.Entity.Type,
		"entity_id":   msg.Entity.ID,
		"channel":     channel,
		"recipients":  len(rows),
	}).Info("notification queued")
	return nil
}

// ListForRecipient 返回某用户的通知，最新在前
func (s *NotificationService) ListForRecipient(ctx context.Context, userID uint, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.Notification
	if err := s.db.WithContext(ctx).Where("recipient_id = ?", userID).Order("id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

// CommentService 实体评论
type CommentService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewCommentService(db *gorm.DB, logger *logrus.Logger) *CommentService {
	if logger == nil {
		logger = logrus.New()
	}
	return &CommentService{db: db, logger: logger}
}

// AddComment 添加系统评论
func (s *CommentService) AddComment(ctx context.Context, ref EntityRef, text string) error {
	_, err := s.create(ctx, ref, 0, text, true)
	return err
}

// AddUserComment 添加用户评论
func (s *CommentService) AddUserComment(ctx context.Context, ref EntityRef, authorID uint, text string) (*models.Comment, error) {
	return s.create(ctx, ref, authorID, text, false)
}

func (s *CommentService) create(ctx context.Context, ref EntityRef, authorID uint, text string, system bool) (*models.Comment, error) {
	c := &models.Comment{
		EntityType: ref.Type,
		EntityID:   ref.ID,
		AuthorID:   authorID,
		IsSystem:   system,
		Text:       text,
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}
	return c, nil
}

// List 返回实体评论，按时间正序
func (s *CommentService) List(ctx context.Context, ref EntityRef) ([]models.Comment, error) {
	var out []models.Comment
	if err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", ref.Type, ref.ID).
		Order("id asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return out, nil
}

func dedupeIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
