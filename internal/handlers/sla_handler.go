package handlers

import (
	"context"
	"net/http"

	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
)

// SLAHandler SLA 策略管理、统计与手动巡检
type SLAHandler struct {
	policies *services.SLAPolicyService
	tracker  *services.SLATracker
}

func NewSLAHandler(policies *services.SLAPolicyService, tracker *services.SLATracker) *SLAHandler {
	return &SLAHandler{policies: policies, tracker: tracker}
}

// @Router /api/workflows/sla-policies [get]
func (h *SLAHandler) ListPolicies(c *gin.Context) {
	list, err := h.policies.ListPolicies(c.Request.Context(), c.Query("priority"), queryBool(c, "is_active"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "total": len(list)})
}

// @Router /api/workflows/sla-policies [post]
func (h *SLAHandler) CreatePolicy(c *gin.Context) {
	var req services.SLAPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.policies.CreatePolicy(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// @Router /api/workflows/sla-policies/{id} [get]
func (h *SLAHandler) GetPolicy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := h.policies.GetPolicy(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// UpdatePolicy 更新策略；已有 SLA 状态保留原截止时间
// @Router /api/workflows/sla-policies/{id} [put]
func (h *SLAHandler) UpdatePolicy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req services.SLAPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.policies.UpdatePolicy(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// @Router /api/workflows/sla-policies/{id} [delete]
func (h *SLAHandler) DeletePolicy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.policies.DeletePolicy(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "删除成功"})
}

// @Router /api/workflows/sla-policies/{id}/toggle [patch]
func (h *SLAHandler) TogglePolicy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := h.policies.TogglePolicy(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Stats SLA 合规统计
// @Router /api/workflows/sla-stats [get]
func (h *SLAHandler) Stats(c *gin.Context) {
	stats, err := h.tracker.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Sweep 立即执行一次巡检；已有巡检运行时返回 409
// @Router /api/workflows/sla-sweep [post]
func (h *SLAHandler) Sweep(c *gin.Context) {
	report, err := h.tracker.Sweep(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// TicketState 单个工单的 SLA 状态
// @Router /api/tickets/{id}/sla [get]
func (h *SLAHandler) TicketState(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	st, err := h.tracker.ViewFor(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
