package handlers

import (
	"deskflow/internal/config"
	"deskflow/internal/middleware"
	"deskflow/internal/models"
	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the /api surface. Everything under /api needs a bearer
// token; configuration writes and the manual sweep need the admin role.
func RegisterRoutes(r gin.IRouter, cfg *config.Config, c *services.Container) {
	wf := NewWorkflowHandler(c.WorkflowRules, c.Dispatcher)
	as := NewAssignmentHandler(c.AssignmentRules, c.Assignment)
	sla := NewSLAHandler(c.SLAPolicies, c.SLA)
	tk := NewTicketHandler(c.Tickets)

	api := r.Group("/api", middleware.AuthMiddleware(cfg))

	workflows := api.Group("/workflows", middleware.AdminForWrites(models.RoleAdmin))
	{
		workflows.GET("/templates", wf.ListTemplates)
		workflows.POST("/templates", wf.CreateTemplate)
		workflows.GET("/templates/:id", wf.GetTemplate)
		workflows.PUT("/templates/:id", wf.UpdateTemplate)
		workflows.DELETE("/templates/:id", wf.DeleteTemplate)
		workflows.PATCH("/templates/:id/toggle", wf.ToggleTemplate)
		workflows.GET("/executions", wf.ListExecutions)

		workflows.GET("/assignment-rules", as.ListRules)
		workflows.POST("/assignment-rules", as.CreateRule)
		workflows.GET("/assignment-rules/:id", as.GetRule)
		workflows.PUT("/assignment-rules/:id", as.UpdateRule)
		workflows.DELETE("/assignment-rules/:id", as.DeleteRule)
		workflows.PATCH("/assignment-rules/:id/toggle", as.ToggleRule)
		workflows.GET("/assignment-stats", as.Stats)

		workflows.GET("/sla-policies", sla.ListPolicies)
		workflows.POST("/sla-policies", sla.CreatePolicy)
		workflows.GET("/sla-policies/:id", sla.GetPolicy)
		workflows.PUT("/sla-policies/:id", sla.UpdatePolicy)
		workflows.DELETE("/sla-policies/:id", sla.DeletePolicy)
		workflows.PATCH("/sla-policies/:id/toggle", sla.TogglePolicy)
		workflows.GET("/sla-stats", sla.Stats)
		workflows.POST("/sla-sweep", sla.Sweep)
	}

	tickets := api.Group("/tickets")
	{
		tickets.GET("", tk.ListTickets)
		tickets.POST("", tk.CreateTicket)
		tickets.GET("/:id", tk.GetTicket)
		tickets.PATCH("/:id", tk.UpdateTicket)
		tickets.GET("/:id/comments", tk.ListComments)
		tickets.POST("/:id/comments", tk.AddComment)
		tickets.GET("/:id/sla", sla.TicketState)
	}

	assets := api.Group("/assets")
	{
		assets.POST("", tk.CreateAsset)
		assets.GET("/:id", tk.GetAsset)
		assets.PATCH("/:id", tk.UpdateAsset)
	}
}

// CORSMiddleware applies the configured CORS headers and answers preflight
// requests with 204.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	cors := cfg.Security.CORS
	origins := joinOr(cors.AllowedOrigins, "*")
	methods := joinOr(cors.AllowedMethods, "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	headers := joinOr(cors.AllowedHeaders, "Content-Type, Authorization")
	return func(c *gin.Context) {
		if !cors.Enabled {
			c.Next()
			return
		}
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", headers)
		c.Header("Access-Control-Allow-Methods", methods)
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
