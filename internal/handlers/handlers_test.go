package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deskflow/internal/config"
	"deskflow/internal/middleware"
	"deskflow/internal/models"
	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type apiFixture struct {
	db     *gorm.DB
	router *gin.Engine
	admin  string
	tech   string
	techID uint
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cfg := config.GetDefaultConfig()
	container := services.NewContainer(db, services.Options{MaxDepth: cfg.Workflow.MaxDepth}, log)

	r := gin.New()
	r.Use(gin.Recovery())
	health := NewHealthHandler(db, nil, "test")
	r.GET("/ready", health.Ready)
	RegisterRoutes(r, cfg, container)

	admin := models.User{Name: "Admin", Email: "admin@example.com", Role: models.RoleAdmin}
	tech := models.User{Name: "Tech", Email: "tech@example.com", Role: models.RoleTechnician, IsAvailable: true}
	require.NoError(t, db.Create(&admin).Error)
	require.NoError(t, db.Create(&tech).Error)

	adminTok, err := middleware.IssueToken(cfg.JWT.Secret, admin.ID, []string{models.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	techTok, err := middleware.IssueToken(cfg.JWT.Secret, tech.ID, []string{models.RoleTechnician}, time.Hour)
	require.NoError(t, err)
	return &apiFixture{db: db, router: r, admin: adminTok, tech: techTok, techID: tech.ID}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body=%s", w.Body.String())
	return out
}

var commentTemplate = map[string]any{
	"name":        "ack",
	"entity_type": models.EntityTicket,
	"trigger":     models.TriggerCreated,
	"priority":    10,
	"actions": []map[string]any{
		{"type": models.ActionAddComment, "params": map[string]any{"text": "Received {{ title }}"}},
	},
}

func TestTemplates_CRUDAndToggle(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/workflows/templates", f.admin, commentTemplate)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.WorkflowRule](t, w)
	assert.True(t, created.IsActive)
	path := fmt.Sprintf("/api/workflows/templates/%d", created.ID)

	w = f.do(t, http.MethodGet, "/api/workflows/templates?trigger=created", f.tech, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[PaginatedResponse](t, w)
	assert.Equal(t, int64(1), page.Total)

	w = f.do(t, http.MethodPatch, path+"/toggle", f.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[models.WorkflowRule](t, w).IsActive)

	bad := map[string]any{"name": "bad", "entity_type": models.EntityTicket, "trigger": models.TriggerCreated,
		"actions": []map[string]any{{"type": models.ActionChangeStatus, "params": map[string]any{"status": "exploded"}}}}
	w = f.do(t, http.MethodPut, path, f.admin, bad)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "INVALID_CONFIGURATION", decode[ErrorResponse](t, w).Error)

	w = f.do(t, http.MethodDelete, path, f.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, path, f.admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/workflows/templates/abc", f.admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowRoutes_AdminOnlyWrites(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/workflows/templates", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/workflows/templates", f.tech, nil).Code)

	writes := []struct{ method, path string }{
		{http.MethodPost, "/api/workflows/templates"},
		{http.MethodPut, "/api/workflows/templates/1"},
		{http.MethodDelete, "/api/workflows/templates/1"},
		{http.MethodPatch, "/api/workflows/templates/1/toggle"},
		{http.MethodPost, "/api/workflows/assignment-rules"},
		{http.MethodPatch, "/api/workflows/assignment-rules/1/toggle"},
		{http.MethodPost, "/api/workflows/sla-policies"},
		{http.MethodDelete, "/api/workflows/sla-policies/1"},
		{http.MethodPost, "/api/workflows/sla-sweep"},
	}
	for _, wr := range writes {
		w := f.do(t, wr.method, wr.path, f.tech, commentTemplate)
		assert.Equal(t, http.StatusForbidden, w.Code, "%s %s", wr.method, wr.path)
	}
}

func TestAssignmentRules_ValidationAndStats(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/workflows/assignment-rules", f.admin, map[string]any{
		"name": "rr", "assignment_type": models.StrategyRoundRobin, "target_users": []uint{999},
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/workflows/assignment-rules", f.admin, map[string]any{
		"name": "rr", "assignment_type": models.StrategyRoundRobin, "target_users": []uint{f.techID},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rule := decode[models.AssignmentRule](t, w)

	w = f.do(t, http.MethodPatch, fmt.Sprintf("/api/workflows/assignment-rules/%d/toggle", rule.ID), f.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[models.AssignmentRule](t, w).IsActive)

	w = f.do(t, http.MethodGet, "/api/workflows/assignment-stats", f.tech, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stats := decode[services.AssignmentStats](t, w)
	assert.Equal(t, int64(1), stats.TotalRules)
	assert.Equal(t, int64(0), stats.ActiveRules)
}

func TestTickets_LifecycleRunsAutomation(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/workflows/templates", f.admin, commentTemplate).Code)

	w := f.do(t, http.MethodPost, "/api/tickets", f.tech, map[string]any{"title": "VPN broken"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[services.Mutation[models.Ticket]](t, w)
	require.Len(t, res.Automation, 1)
	assert.Equal(t, f.techID, res.Entity.RequesterID)
	id := res.Entity.ID

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/tickets/%d/comments", id), f.admin, map[string]any{"text": "looking"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/tickets/%d/comments", id), f.tech, nil)
	require.Equal(t, http.StatusOK, w.Code)
	comments := decode[struct {
		Data []models.Comment `json:"data"`
	}](t, w)
	require.Len(t, comments.Data, 2)
	assert.Equal(t, "Received VPN broken", comments.Data[0].Text)

	w = f.do(t, http.MethodPatch, fmt.Sprintf("/api/tickets/%d", id), f.tech, map[string]any{"status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPatch, fmt.Sprintf("/api/tickets/%d", id), f.tech, map[string]any{"status": models.TicketStatusInProgress})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.TicketStatusInProgress, decode[services.Mutation[models.Ticket]](t, w).Entity.Status)

	w = f.do(t, http.MethodGet, "/api/workflows/executions?entity_id="+fmt.Sprint(id), f.tech, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/tickets/9999", f.tech, nil).Code)
}

func TestSLA_PolicyStateSweepAndStats(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/workflows/sla-policies", f.admin, map[string]any{
		"name": "high", "priority": models.PriorityHigh, "response_time_minutes": 60, "resolution_time_minutes": 30,
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/workflows/sla-policies", f.admin, map[string]any{
		"name": "high", "priority": models.PriorityHigh, "response_time_minutes": 60, "resolution_time_minutes": 480,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/tickets", f.tech, map[string]any{"title": "Server down", "priority": models.PriorityHigh})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[services.Mutation[models.Ticket]](t, w).Entity.ID

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/tickets/%d/sla", id), f.tech, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[services.SLAView](t, w)
	assert.Equal(t, models.SLAOnTrack, view.Status)
	assert.False(t, view.BusinessHoursOnly)
	assert.InDelta(t, 480, view.ResolutionRemainingMinutes, 1)

	w = f.do(t, http.MethodPost, "/api/tickets", f.tech, map[string]any{"title": "Mouse", "priority": models.PriorityLow})
	require.Equal(t, http.StatusCreated, w.Code)
	low := decode[services.Mutation[models.Ticket]](t, w).Entity.ID
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, fmt.Sprintf("/api/tickets/%d/sla", low), f.tech, nil).Code)

	w = f.do(t, http.MethodPost, "/api/workflows/sla-sweep", f.admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[services.SweepReport](t, w).Evaluated)

	w = f.do(t, http.MethodGet, "/api/workflows/sla-stats", f.tech, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[services.SLAStats](t, w)
	assert.Equal(t, int64(1), stats.TotalPolicies)
	assert.Equal(t, int64(1), stats.LiveByStatus[models.SLAOnTrack])
}

func TestAssets_CreateAndUpdate(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/assets", f.tech, map[string]any{"name": "Laptop", "asset_tag": "LT-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[services.Mutation[models.Asset]](t, w).Entity.ID

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/assets", f.tech, map[string]any{"name": "Dup", "asset_tag": "LT-1"}).Code)

	w = f.do(t, http.MethodPatch, fmt.Sprintf("/api/assets/%d", id), f.tech, map[string]any{"status": models.AssetStatusRetired})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.AssetStatusRetired, decode[services.Mutation[models.Asset]](t, w).Entity.Status)
}

func TestReady_ReportsDatabase(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":{"status":"up"`)
}
