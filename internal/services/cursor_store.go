package services

import (
	"context"
	"fmt"
	"strconv"

	"deskflow/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorStore persists round-robin cursors per assignment rule. Next is an
// atomic increment that returns the value before the increment.
type CursorStore interface {
	Next(ctx context.Context, ruleID uint) (int64, error)
	Reset(ctx context.Context, ruleID uint) error
}

// GormCursorStore keeps cursors in the assignment_cursors table.
type GormCursorStore struct {
	db *gorm.DB
}

func NewGormCursorStore(db *gorm.DB) *GormCursorStore {
	return &GormCursorStore{db: db}
}

// Next increments the rule's cursor row in one transaction and reads it back.
// A missing row is created on first use.
func (s *GormCursorStore) Next(ctx context.Context, ruleID uint) (int64, error) {
	var pos int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.AssignmentCursor{}).
			Where("rule_id = ?", ruleID).
			UpdateColumn("position", gorm.Expr("position + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			created := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&models.AssignmentCursor{RuleID: ruleID, Position: 1})
			if created.Error != nil {
				return created.Error
			}
			if created.RowsAffected == 1 {
				pos = 1
				return nil
			}
			// lost the insert race, the row exists now
			if err := tx.Model(&models.AssignmentCursor{}).
				Where("rule_id = ?", ruleID).
				UpdateColumn("position", gorm.Expr("position + ?", 1)).Error; err != nil {
				return err
			}
		}
		var cur models.AssignmentCursor
		if err := tx.Where("rule_id = ?", ruleID).First(&cur).Error; err != nil {
			return err
		}
		pos = cur.Position
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("advance cursor for rule %d: %w", ruleID, err)
	}
	return pos - 1, nil
}

func (s *GormCursorStore) Reset(ctx context.Context, ruleID uint) error {
	if err := s.db.WithContext(ctx).Where("rule_id = ?", ruleID).Delete(&models.AssignmentCursor{}).Error; err != nil {
		return fmt.Errorf("reset cursor for rule %d: %w", ruleID, err)
	}
	return nil
}

// RedisCursorStore keeps cursors as Redis counters so several instances
// share one rotation.
type RedisCursorStore struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewRedisCursorStore(client redis.Cmdable, keyPrefix string) *RedisCursorStore {
	if keyPrefix == "" {
		keyPrefix = "deskflow:rr:"
	}
	return &RedisCursorStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisCursorStore) key(ruleID uint) string {
	return s.keyPrefix + strconv.FormatUint(uint64(ruleID), 10)
}

func (s *RedisCursorStore) Next(ctx context.Context, ruleID uint) (int64, error) {
	v, err := s.client.Incr(ctx, s.key(ruleID)).Result()
	if err != nil {
		return 0, fmt.Errorf("advance cursor for rule %d: %w", ruleID, err)
	}
	return v - 1, nil
}

func (s *RedisCursorStore) Reset(ctx context.Context, ruleID uint) error {
	if err := s.client.Del(ctx, s.key(ruleID)).Err(); err != nil {
		return fmt.Errorf("reset cursor for rule %d: %w", ruleID, err)
	}
	return nil
}
