package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"gorm.io/gorm"
)

// EntityPatch is the set of rule-driven mutations an action may apply.
type EntityPatch struct {
	Status       *string
	Priority     *string
	AssignedToID *uint
}

// EntityChange describes an applied patch. Triggers lists the lifecycle
// events the change implies, in dispatch order.
type EntityChange struct {
	Ref      EntityRef
	Before   Snapshot
	After    Snapshot
	Triggers []string
}

// TechnicianWorkload is the derived view the assignment resolver ranks.
type TechnicianWorkload struct {
	UserID            uint     `json:"user_id"`
	Name              string   `json:"name"`
	ActiveTicketCount int      `json:"active_ticket_count"`
	IsAvailable       bool     `json:"is_available"`
	Skills            []string `json:"skills"`
	Location          string   `json:"location"`
}

// EntityStore reads and mutates tickets and assets on behalf of the engine.
type EntityStore interface {
	GetEntity(ctx context.Context, ref EntityRef) (Snapshot, error)
	UpdateEntity(ctx context.Context, ref EntityRef, patch EntityPatch) (*EntityChange, error)
	ListTechnicians(ctx context.Context) ([]TechnicianWorkload, error)
}

// GormEntityStore is the database-backed EntityStore.
type GormEntityStore struct {
	db       *gorm.DB
	logger   *logrus.Logger
	notifier Notifier
	now      func() time.Time
}

func NewGormEntityStore(db *gorm.DB, logger *logrus.Logger) *GormEntityStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &GormEntityStore{db: db, logger: logger, now: time.Now}
}

// SetNotifier enables assignee notifications on assignment changes.
func (s *GormEntityStore) SetNotifier(n Notifier) { s.notifier = n }

func (s *GormEntityStore) GetEntity(ctx context.Context, ref EntityRef) (Snapshot, error) {
	switch ref.Type {
	case models.EntityTicket:
		t, err := s.loadTicket(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return TicketSnapshot(t), nil
	case models.EntityAsset:
		a, err := s.loadAsset(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return AssetSnapshot(a), nil
	}
	return nil, fmt.Errorf("unsupported entity type %q", ref.Type)
}

func (s *GormEntityStore) loadTicket(ctx context.Context, id uint) (*models.Ticket, error) {
	var t models.Ticket
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	return &t, nil
}

func (s *GormEntityStore) loadAsset(ctx context.Context, id uint) (*models.Asset, error) {
	var a models.Asset
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("asset %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load asset: %w", err)
	}
	return &a, nil
}

// UpdateEntity validates the patch against the entity type's enums, writes
// the changed columns and reports the implied triggers.
func (s *GormEntityStore) UpdateEntity(ctx context.Context, ref EntityRef, patch EntityPatch) (*EntityChange, error) {
	before, err := s.GetEntity(ctx, ref)
	if err != nil {
		return nil, err
	}

	updates := make(map[string]interface{})
	var triggers []string

	if patch.Status != nil && *patch.Status != before.Get(FieldStatus) {
		if err := validateStatus(ref.Type, *patch.Status); err != nil {
			return nil, err
		}
		updates["status"] = *patch.Status
		if ref.Type == models.EntityTicket && models.IsTerminalTicketStatus(*patch.Status) {
			now := s.now()
			updates["closed_at"] = &now
		}
		triggers = append(triggers, models.TriggerStatusChanged)
	}
	if patch.Priority != nil && *patch.Priority != before.Get(FieldPriority) {
		if ref.Type != models.EntityTicket {
			return nil, fmt.Errorf("%s has no priority", ref.Type)
		}
		if !models.IsValidPriority(*patch.Priority) {
			return nil, fmt.Errorf("invalid priority %q", *patch.Priority)
		}
		updates["priority"] = *patch.Priority
		triggers = append(triggers, models.TriggerPriorityChanged)
	}
	assigneeChanged := false
	if patch.AssignedToID != nil && *patch.AssignedToID != currentAssignee(before) {
		if *patch.AssignedToID == 0 {
			updates["assigned_to_id"] = nil
		} else {
			if err := s.requireUser(ctx, *patch.AssignedToID); err != nil {
				return nil, err
			}
			updates["assigned_to_id"] = *patch.AssignedToID
		}
		assigneeChanged = true
		triggers = append(triggers, models.TriggerAssigned)
	}

	change := &EntityChange{Ref: ref, Before: before, After: before, Triggers: triggers}
	if len(updates) == 0 {
		return change, nil
	}

	model, err := modelFor(ref.Type)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", ref.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", ref.Type, err)
	}
	s.logger.WithFields(logrus.Fields{"entity_type": ref.Type, "entity_id": ref.ID, "triggers": triggers}).Debug("entity updated")

	after, err := s.GetEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	change.After = after

	if assigneeChanged && s.notifier != nil && patch.AssignedToID != nil && *patch.AssignedToID != 0 {
		msg := fmt.Sprintf("%s #%d has been assigned to you", ref.Type, ref.ID)
		if title := after.Get("title"); title != "" {
			msg = fmt.Sprintf("%s #%d has been assigned to you: %s", ref.Type, ref.ID, title)
		}
		if err := s.notifier.Send(ctx, OutboundMessage{Entity: ref, Channel: models.ChannelInApp, Message: msg, Recipients: []uint{*patch.AssignedToID}}); err != nil {
			s.logger.Warnf("assignee notification for %s failed: %v", ref, err)
		}
	}
	return change, nil
}

func (s *GormEntityStore) requireUser(ctx context.Context, id uint) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListTechnicians returns every technician with their open workload, ordered
// by user id.
func (s *GormEntityStore) ListTechnicians(ctx context.Context) ([]TechnicianWorkload, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Where("role = ?", models.RoleTechnician).Order("id asc").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list technicians: %w", err)
	}

	type countRow struct {
		AssignedToID uint
		Count        int
	}
	var rows []countRow
	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Select("assigned_to_id, COUNT(*) AS count").
		Where("assigned_to_id IS NOT NULL AND status <> ?", models.TicketStatusClosed).
		Group("assigned_to_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count workloads: %w", err)
	}
	counts := make(map[uint]int, len(rows))
	for _, r := range rows {
		counts[r.AssignedToID] = r.Count
	}

	out := make([]TechnicianWorkload, 0, len(users))
	for i := range users {
		u := &users[i]
		out = append(out, TechnicianWorkload{
			UserID:            u.ID,
			Name:              u.Name,
			ActiveTicketCount: counts[u.ID],
			IsAvailable:       u.IsAvailable,
			Skills:            u.SkillList(),
			Location:          u.Location,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func currentAssignee(snap Snapshot) uint {
	return cast.ToUint(snap.Get(FieldAssignedToID))
}

func validateStatus(entityType, status string) error {
	switch entityType {
	case models.EntityTicket:
		if !models.IsValidTicketStatus(status) {
			return fmt.Errorf("invalid ticket status %q (allowed: %s)", status, strings.Join(models.TicketStatuses(), ", "))
		}
	case models.EntityAsset:
		if !models.IsValidAssetStatus(status) {
			return fmt.Errorf("invalid asset status %q (allowed: %s)", status, strings.Join(models.AssetStatuses(), ", "))
		}
	default:
		return fmt.Errorf("unsupported entity type %q", entityType)
	}
	return nil
}

func modelFor(entityType string) (interface{}, error) {
	switch entityType {
	case models.EntityTicket:
		return &models.Ticket{}, nil
	case models.EntityAsset:
		return &models.Asset{}, nil
	}
	return nil, fmt.Errorf("unsupported entity type %q", entityType)
}
