package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"deskflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var startTime = time.Now()

// HealthHandler 健康与就绪检查
type HealthHandler struct {
	db      *gorm.DB
	redis   redis.Cmdable
	version string
}

// NewHealthHandler redis may be nil when cursors live in the database.
func NewHealthHandler(db *gorm.DB, rdb redis.Cmdable, version string) *HealthHandler {
	return &HealthHandler{db: db, redis: rdb, version: version}
}

// ServiceInfo 依赖服务状态
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	GoVersion string                 `json:"go_version"`
	Services  map[string]ServiceInfo `json:"services,omitempty"`
}

// Health 存活检查，不访问依赖
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		GoVersion: runtime.Version(),
	})
}

// Ready 检查数据库（以及可选的 Redis），任一失败返回 503
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "ready",
		Version:   h.version,
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		GoVersion: runtime.Version(),
		Services:  map[string]ServiceInfo{"database": h.pingDB(ctx)},
	}
	if h.redis != nil {
		resp.Services["redis"] = h.pingRedis(ctx)
	}
	code := http.StatusOK
	for _, s := range resp.Services {
		if s.Status != "up" {
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
	}
	total, byPrefix := metrics.RateLimitSnapshot()
	c.JSON(code, gin.H{
		"health":      resp,
		"rate_limits": gin.H{"dropped_total": total, "by_prefix": byPrefix},
	})
}

func (h *HealthHandler) pingDB(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "down", Error: "database not configured"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return ServiceInfo{Status: "down", Error: err.Error()}
	}
	return ServiceInfo{Status: "up", Latency: time.Since(start).String()}
}

func (h *HealthHandler) pingRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ServiceInfo{Status: "down", Error: err.Error()}
	}
	return ServiceInfo{Status: "up", Latency: time.Since(start).String()}
}
