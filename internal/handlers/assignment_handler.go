package handlers

import (
	"net/http"

	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
)

// AssignmentHandler 分配规则管理与统计
type AssignmentHandler struct {
	rules      *services.AssignmentRuleService
	assignment *services.AssignmentService
}

func NewAssignmentHandler(rules *services.AssignmentRuleService, assignment *services.AssignmentService) *AssignmentHandler {
	return &AssignmentHandler{rules: rules, assignment: assignment}
}

// @Router /api/workflows/assignment-rules [get]
func (h *AssignmentHandler) ListRules(c *gin.Context) {
	rules, err := h.rules.ListRules(c.Request.Context(), queryBool(c, "is_active"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rules, "total": len(rules)})
}

// @Router /api/workflows/assignment-rules [post]
func (h *AssignmentHandler) CreateRule(c *gin.Context) {
	var req services.AssignmentRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.rules.CreateRule(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// @Router /api/workflows/assignment-rules/{id} [get]
func (h *AssignmentHandler) GetRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rule, err := h.rules.GetRule(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 更新规则；目标成员变化时轮询游标归零
// @Router /api/workflows/assignment-rules/{id} [put]
func (h *AssignmentHandler) UpdateRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req services.AssignmentRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := h.rules.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// @Router /api/workflows/assignment-rules/{id} [delete]
func (h *AssignmentHandler) DeleteRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.rules.DeleteRule(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "删除成功"})
}

// @Router /api/workflows/assignment-rules/{id}/toggle [patch]
func (h *AssignmentHandler) ToggleRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rule, err := h.rules.ToggleRule(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Stats 分配统计
// @Router /api/workflows/assignment-stats [get]
func (h *AssignmentHandler) Stats(c *gin.Context) {
	stats, err := h.assignment.GetStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
