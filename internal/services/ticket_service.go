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

// TicketService 工单与资产生命周期，变更后驱动工作流
type TicketService struct {
	db         *gorm.DB
	store      *GormEntityStore
	dispatcher *Dispatcher
	comments   *CommentService
	autoAssign bool
	now        func() time.Time
	logger     *logrus.Logger
}

// NewTicketService 创建工单服务
func NewTicketService(db *gorm.DB, store *GormEntityStore, dispatcher *Dispatcher, comments *CommentService, logger *logrus.Logger) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketService{
		db:         db,
		store:      store,
		dispatcher: dispatcher,
		comments:   comments,
		autoAssign: true,
		now:        time.Now,
		logger:     logger,
	}
}

// SetAutoAssign toggles assignment-rule resolution for tickets that are still
// unassigned after their creation rules ran.
func (s *TicketService) SetAutoAssign(on bool) { s.autoAssign = on }

// TicketCreateRequest 创建工单请求
type TicketCreateRequest struct {
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	Location     string `json:"location"`
	Priority     string `json:"priority"`
	Tags         string `json:"tags"`
	RequesterID  uint   `json:"requester_id"`
	AssignedToID *uint  `json:"assigned_to_id"`
}

// TicketUpdateRequest 更新工单请求
type TicketUpdateRequest struct {
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	Category     *string `json:"category"`
	Location     *string `json:"location"`
	Tags         *string `json:"tags"`
	Status       *string `json:"status"`
	Priority     *string `json:"priority"`
	AssignedToID *uint   `json:"assigned_to_id"`
}

// TicketListRequest 工单列表请求
type TicketListRequest struct {
	Page         int      `form:"page,default=1"`
	PageSize     int      `form:"page_size,default=20"`
	Status       []string `form:"status"`
	Priority     []string `form:"priority"`
	AssignedToID *uint    `form:"assigned_to_id"`
	Search       string   `form:"search"`
}

// AssetCreateRequest 创建资产请求
type AssetCreateRequest struct {
	Name         string `json:"name" binding:"required"`
	AssetTag     string `json:"asset_tag" binding:"required"`
	Category     string `json:"category"`
	Status       string `json:"status"`
	Location     string `json:"location"`
	AssignedToID *uint  `json:"assigned_to_id"`
}

// AssetUpdateRequest 更新资产请求
type AssetUpdateRequest struct {
	Name         *string `json:"name"`
	Category     *string `json:"category"`
	Location     *string `json:"location"`
	Status       *string `json:"status"`
	AssignedToID *uint   `json:"assigned_to_id"`
}

// Mutation is an applied change plus the automation it caused. Automation
// failures never undo the change.
type Mutation[T any] struct {
	Entity     T                  `json:"entity"`
	Automation []*ExecutionReport `json:"automation,omitempty"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// CreateTicket 创建工单并触发 created 规则；仍未分配时按分配规则自动分配
func (s *TicketService) CreateTicket(ctx context.Context, req *TicketCreateRequest) (*Mutation[*models.Ticket], error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, invalid("title is required")
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if !models.IsValidPriority(req.Priority) {
		return nil, invalid("unsupported priority %q", req.Priority)
	}
	if req.AssignedToID != nil && *req.AssignedToID == 0 {
		req.AssignedToID = nil
	}
	if req.AssignedToID != nil {
		if err := s.requireUser(ctx, *req.AssignedToID); err != nil {
			return nil, err
		}
	}

	ticket := &models.Ticket{
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		Status:       models.TicketStatusOpen,
		Priority:     req.Priority,
		Category:     req.Category,
		Location:     req.Location,
		Tags:         req.Tags,
		RequesterID:  req.RequesterID,
		AssignedToID: req.AssignedToID,
	}
	if err := s.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	s.logger.Infof("Created ticket %d", ticket.ID)

	// automation runs to completion even if the caller goes away
	dctx := context.WithoutCancel(ctx)
	ref := EntityRef{Type: models.EntityTicket, ID: ticket.ID}
	result := &Mutation[*models.Ticket]{}
	report, err := s.dispatcher.Dispatch(dctx, Event{Entity: ref, Trigger: models.TriggerCreated})
	s.collect(result, ref, report, err)

	if s.autoAssign {
		if current, err := s.GetTicket(dctx, ticket.ID); err == nil && current.AssignedToID == nil && current.Status != models.TicketStatusClosed {
			_, report, err := s.dispatcher.RunAction(dctx, ref, models.Action{
				Type: models.ActionAssign, Params: &models.AssignParams{UseAssignmentRules: true},
			})
			s.collect(result, ref, report, err)
		}
	}

	result.Entity, err = s.GetTicket(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetTicket 根据ID获取工单
func (s *TicketService) GetTicket(ctx context.Context, id uint) (*models.Ticket, error) {
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return &ticket, nil
}

// ListTickets 获取工单列表
func (s *TicketService) ListTickets(ctx context.Context, req *TicketListRequest) ([]models.Ticket, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Ticket{})
	if len(req.Status) > 0 {
		query = query.Where("status IN ?", req.Status)
	}
	if len(req.Priority) > 0 {
		query = query.Where("priority IN ?", req.Priority)
	}
	if req.AssignedToID != nil {
		query = query.Where("assigned_to_id = ?", *req.AssignedToID)
	}
	if req.Search != "" {
		term := "%" + strings.ToLower(req.Search) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ? OR LOWER(tags) LIKE ?", term, term, term)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tickets: %w", err)
	}
	page, size := req.Page, req.PageSize
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	var tickets []models.Ticket
	if err := query.Order("created_at desc").Order("id desc").Offset((page - 1) * size).Limit(size).Find(&tickets).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list tickets: %w", err)
	}
	return tickets, total, nil
}

// UpdateTicket 更新工单。状态、优先级、负责人走实体存储以产生对应触发器，
// 其他字段变化产生 updated。
func (s *TicketService) UpdateTicket(ctx context.Context, id uint, req *TicketUpdateRequest) (*Mutation[*models.Ticket], error) {
	if req.Status != nil {
		if err := validateStatus(models.EntityTicket, *req.Status); err != nil {
			return nil, invalid("%v", err)
		}
	}
	if req.Priority != nil && !models.IsValidPriority(*req.Priority) {
		return nil, invalid("unsupported priority %q", *req.Priority)
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return nil, invalid("title must not be empty")
	}

	fields := map[string]*string{
		"title": req.Title, "description": req.Description, "category": req.Category,
		"location": req.Location, "tags": req.Tags,
	}
	ref := EntityRef{Type: models.EntityTicket, ID: id}
	result := &Mutation[*models.Ticket]{}
	_, report, err := s.dispatcher.Apply(context.WithoutCancel(ctx), ref, func(ctx context.Context) (*EntityChange, error) {
		return s.mutate(ctx, ref, fields, EntityPatch{Status: req.Status, Priority: req.Priority, AssignedToID: req.AssignedToID})
	})
	if err != nil && report == nil {
		return nil, err
	}
	s.collect(result, ref, report, err)

	result.Entity, err = s.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddComment records a user comment. The first comment by anyone other than
// the requester is the ticket's first response.
func (s *TicketService) AddComment(ctx context.Context, ticketID, authorID uint, text string) (*models.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid("comment text is required")
	}
	ticket, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	ref := EntityRef{Type: models.EntityTicket, ID: ticketID}
	comment, err := s.comments.AddUserComment(ctx, ref, authorID, strings.TrimSpace(text))
	if err != nil {
		return nil, err
	}
	if ticket.FirstResponseAt == nil && authorID != ticket.RequesterID {
		res := s.db.WithContext(ctx).Model(&models.Ticket{}).
			Where("id = ? AND first_response_at IS NULL", ticketID).
			Update("first_response_at", s.now())
		if res.Error != nil {
			return nil, fmt.Errorf("failed to record first response: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			s.logger.Infof("First response on ticket %d by user %d", ticketID, authorID)
		}
	}
	return comment, nil
}

// ListComments 工单评论
func (s *TicketService) ListComments(ctx context.Context, ticketID uint) ([]models.Comment, error) {
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	return s.comments.List(ctx, EntityRef{Type: models.EntityTicket, ID: ticketID})
}

// CreateAsset 创建资产并触发 created 规则
func (s *TicketService) CreateAsset(ctx context.Context, req *AssetCreateRequest) (*Mutation[*models.Asset], error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.AssetTag) == "" {
		return nil, invalid("name and asset_tag are required")
	}
	if req.Status == "" {
		req.Status = models.AssetStatusAvailable
	}
	if err := validateStatus(models.EntityAsset, req.Status); err != nil {
		return nil, invalid("%v", err)
	}
	if req.AssignedToID != nil && *req.AssignedToID == 0 {
		req.AssignedToID = nil
	}
	if req.AssignedToID != nil {
		if err := s.requireUser(ctx, *req.AssignedToID); err != nil {
			return nil, err
		}
	}
	var dup int64
	if err := s.db.WithContext(ctx).Model(&models.Asset{}).Where("asset_tag = ?", req.AssetTag).Count(&dup).Error; err != nil {
		return nil, fmt.Errorf("failed to check asset tag: %w", err)
	}
	if dup > 0 {
		return nil, invalid("asset tag %q already exists", req.AssetTag)
	}

	asset := &models.Asset{
		Name:         strings.TrimSpace(req.Name),
		AssetTag:     strings.TrimSpace(req.AssetTag),
		Category:     req.Category,
		Status:       req.Status,
		Location:     req.Location,
		AssignedToID: req.AssignedToID,
	}
	if err := s.db.WithContext(ctx).Create(asset).Error; err != nil {
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}
	s.logger.Infof("Created asset %d (%s)", asset.ID, asset.AssetTag)

	ref := EntityRef{Type: models.EntityAsset, ID: asset.ID}
	result := &Mutation[*models.Asset]{}
	report, err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), Event{Entity: ref, Trigger: models.TriggerCreated})
	s.collect(result, ref, report, err)

	result.Entity, err = s.GetAsset(ctx, asset.ID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetAsset 根据ID获取资产
func (s *TicketService) GetAsset(ctx context.Context, id uint) (*models.Asset, error) {
	var asset models.Asset
	if err := s.db.WithContext(ctx).First(&asset, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("asset %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return &asset, nil
}

// UpdateAsset 更新资产
func (s *TicketService) UpdateAsset(ctx context.Context, id uint, req *AssetUpdateRequest) (*Mutation[*models.Asset], error) {
	if req.Status != nil {
		if err := validateStatus(models.EntityAsset, *req.Status); err != nil {
			return nil, invalid("%v", err)
		}
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, invalid("name must not be empty")
	}
	fields := map[string]*string{"name": req.Name, "category": req.Category, "location": req.Location}
	ref := EntityRef{Type: models.EntityAsset, ID: id}
	result := &Mutation[*models.Asset]{}
	_, report, err := s.dispatcher.Apply(context.WithoutCancel(ctx), ref, func(ctx context.Context) (*EntityChange, error) {
		return s.mutate(ctx, ref, fields, EntityPatch{Status: req.Status, AssignedToID: req.AssignedToID})
	})
	if err != nil && report == nil {
		return nil, err
	}
	s.collect(result, ref, report, err)

	result.Entity, err = s.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// mutate writes plain fields and the tracked patch, then merges their
// triggers. Plain field edits add updated.
func (s *TicketService) mutate(ctx context.Context, ref EntityRef, fields map[string]*string, patch EntityPatch) (*EntityChange, error) {
	before, err := s.store.GetEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	if patch.AssignedToID != nil && *patch.AssignedToID != 0 {
		if err := s.requireUser(ctx, *patch.AssignedToID); err != nil {
			return nil, err
		}
	}

	updates := make(map[string]interface{})
	for column, v := range fields {
		if v == nil {
			continue
		}
		if before.Get(column) != *v {
			updates[column] = *v
		}
	}
	if len(updates) > 0 {
		model, err := modelFor(ref.Type)
		if err != nil {
			return nil, err
		}
		if err := s.db.WithContext(ctx).Model(model).Where("id = ?", ref.ID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update %s: %w", ref.Type, err)
		}
	}

	change, err := s.store.UpdateEntity(ctx, ref, patch)
	if err != nil {
		return nil, err
	}
	change.Before = before
	if len(updates) > 0 {
		change.Triggers = append(change.Triggers, models.TriggerUpdated)
		if change.After, err = s.store.GetEntity(ctx, ref); err != nil {
			return nil, err
		}
	}
	return change, nil
}

func (s *TicketService) collect(result interface{ add(*ExecutionReport) }, ref EntityRef, report *ExecutionReport, err error) {
	if err != nil {
		// automation problems are logged; the user-facing mutation stands
		s.logger.WithField("entity", ref.String()).Errorf("workflow dispatch: %v", err)
	}
	if report != nil && len(report.Rules) > 0 {
		result.add(report)
	}
}

func (m *Mutation[T]) add(r *ExecutionReport) { m.Automation = append(m.Automation, r) }

func (s *TicketService) requireUser(ctx context.Context, id uint) error {
	if err := s.store.requireUser(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalid("user %d does not exist", id)
		}
		return err
	}
	return nil
}
