package handlers

import (
	"net/http"

	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
)

// WorkflowHandler 工作流模板（规则）与执行记录
type WorkflowHandler struct {
	rules      *services.WorkflowRuleService
	dispatcher *services.Dispatcher
}

func NewWorkflowHandler(rules *services.WorkflowRuleService, dispatcher *services.Dispatcher) *WorkflowHandler {
	return &WorkflowHandler{rules: rules, dispatcher: dispatcher}
}

// ListTemplates 分页列出工作流规则
// @Router /api/workflows/templates [get]
func (h *WorkflowHandler) ListTemplates(c *gin.Context) {
	var req services.WorkflowRuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err)
		return
	}
	rules, total, err := h.rules.ListRules(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, paginated(rules, total, req.Page, req.PageSize))
}

// CreateTemplate 创建工作流规则
// @Router /api/workflows/templates [post]
func (h *WorkflowHandler) CreateTemplate(c *gin.Context) {
	var req services.WorkflowRuleRequest
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

// @Router /api/workflows/templates/{id} [get]
func (h *WorkflowHandler) GetTemplate(c *gin.Context) {
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

// @Router /api/workflows/templates/{id} [put]
func (h *WorkflowHandler) UpdateTemplate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req services.WorkflowRuleRequest
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

// @Router /api/workflows/templates/{id} [delete]
func (h *WorkflowHandler) DeleteTemplate(c *gin.Context) {
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

// ToggleTemplate 切换启用状态并返回规则
// @Router /api/workflows/templates/{id}/toggle [patch]
func (h *WorkflowHandler) ToggleTemplate(c *gin.Context) {
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

// ListExecutions 执行审计记录，可按 rule_id / entity_id / entity_type 过滤
// @Router /api/workflows/executions [get]
func (h *WorkflowHandler) ListExecutions(c *gin.Context) {
	limit := int(queryUint(c, "limit"))
	out, err := h.dispatcher.ListExecutions(c.Request.Context(),
		queryUint(c, "rule_id"), queryUint(c, "entity_id"), c.Query("entity_type"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "total": len(out)})
}
