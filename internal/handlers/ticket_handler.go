package handlers

import (
	"net/http"

	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
)

// TicketHandler 工单与资产生命周期；每次变更都会触发工作流分发
type TicketHandler struct {
	tickets *services.TicketService
}

func NewTicketHandler(tickets *services.TicketService) *TicketHandler {
	return &TicketHandler{tickets: tickets}
}

// CommentRequest 评论请求
type CommentRequest struct {
	Text string `json:"text" binding:"required"`
}

// @Router /api/tickets [post]
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	var req services.TicketCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.RequesterID == 0 {
		req.RequesterID = currentUserID(c)
	}
	res, err := h.tickets.CreateTicket(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// @Router /api/tickets [get]
func (h *TicketHandler) ListTickets(c *gin.Context) {
	var req services.TicketListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err)
		return
	}
	list, total, err := h.tickets.ListTickets(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, paginated(list, total, req.Page, req.PageSize))
}

// @Router /api/tickets/{id} [get]
func (h *TicketHandler) GetTicket(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tk, err := h.tickets.GetTicket(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tk)
}

// UpdateTicket 局部更新；自动化失败不影响本次变更
// @Router /api/tickets/{id} [patch]
func (h *TicketHandler) UpdateTicket(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req services.TicketUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.tickets.UpdateTicket(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Router /api/tickets/{id}/comments [post]
func (h *TicketHandler) AddComment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cm, err := h.tickets.AddComment(c.Request.Context(), id, currentUserID(c), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cm)
}

// @Router /api/tickets/{id}/comments [get]
func (h *TicketHandler) ListComments(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	list, err := h.tickets.ListComments(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "total": len(list)})
}

// @Router /api/assets [post]
func (h *TicketHandler) CreateAsset(c *gin.Context) {
	var req services.AssetCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.tickets.CreateAsset(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// @Router /api/assets/{id} [get]
func (h *TicketHandler) GetAsset(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	a, err := h.tickets.GetAsset(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// @Router /api/assets/{id} [patch]
func (h *TicketHandler) UpdateAsset(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req services.AssetUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.tickets.UpdateAsset(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
