package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // sla.timezone must resolve on minimal images

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	SLA        SLAConfig        `mapstructure:"sla"`
	Assignment AssignmentConfig `mapstructure:"assignment"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	Path            string        `mapstructure:"path"` // sqlite file
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds the driver connection string.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslmode)
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

type JWTConfig struct {
	Secret    string        `mapstructure:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`    // MB
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"` // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"` // 0.0~1.0
	ServiceName string  `mapstructure:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `mapstructure:"enabled"`
	RequestsPerMinute int                   `mapstructure:"requests_per_minute"`
	Burst             int                   `mapstructure:"burst"`
	Paths             []PathRateLimitConfig `mapstructure:"paths"`
	WhitelistIPs      []string              `mapstructure:"whitelist_ips"`
}

// PathRateLimitConfig overrides the global limit for a path prefix.
type PathRateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Prefix            string `mapstructure:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
}

// WorkflowConfig 工作流分发配置
type WorkflowConfig struct {
	MaxDepth      int           `mapstructure:"max_depth"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	AutoAssign    bool          `mapstructure:"auto_assign"`
}

// SLAConfig SLA 巡检与工作时间
type SLAConfig struct {
	SweepEnabled  bool   `mapstructure:"sweep_enabled"`
	SweepSchedule string `mapstructure:"sweep_schedule"`
	Timezone      string `mapstructure:"timezone"`
	BusinessStart int    `mapstructure:"business_start"`
	BusinessEnd   int    `mapstructure:"business_end"`
}

// Location resolves the configured time zone, UTC when unset.
func (s SLAConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// AssignmentConfig 轮询游标存储
type AssignmentConfig struct {
	CursorStore string `mapstructure:"cursor_store"` // database, redis
	RedisPrefix string `mapstructure:"redis_prefix"`
}

// Load decodes the current viper state.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Assignment.CursorStore {
	case "", "database", "redis":
	default:
		return fmt.Errorf("unsupported cursor store %q", c.Assignment.CursorStore)
	}
	if c.SLA.BusinessStart < 0 || c.SLA.BusinessEnd > 24 || c.SLA.BusinessStart >= c.SLA.BusinessEnd {
		return fmt.Errorf("invalid business hours %d-%d", c.SLA.BusinessStart, c.SLA.BusinessEnd)
	}
	if _, err := c.SLA.Location(); err != nil {
		return fmt.Errorf("invalid sla timezone %q: %w", c.SLA.Timezone, err)
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return fmt.Errorf("jwt secret must be set")
	}
	return nil
}

// SetDefaults registers every default with viper so env overrides and
// partial config files still decode completely.
func SetDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.name", d.Database.Name)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)

	v.SetDefault("jwt.secret", d.JWT.Secret)
	v.SetDefault("jwt.expires_in", d.JWT.ExpiresIn)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.file_path", d.Log.FilePath)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("monitoring.enabled", d.Monitoring.Enabled)
	v.SetDefault("monitoring.metrics_path", d.Monitoring.MetricsPath)
	v.SetDefault("monitoring.tracing.enabled", d.Monitoring.Tracing.Enabled)
	v.SetDefault("monitoring.tracing.endpoint", d.Monitoring.Tracing.Endpoint)
	v.SetDefault("monitoring.tracing.insecure", d.Monitoring.Tracing.Insecure)
	v.SetDefault("monitoring.tracing.sample_ratio", d.Monitoring.Tracing.SampleRatio)
	v.SetDefault("monitoring.tracing.service_name", d.Monitoring.Tracing.ServiceName)

	v.SetDefault("security.cors.enabled", d.Security.CORS.Enabled)
	v.SetDefault("security.cors.allowed_origins", d.Security.CORS.AllowedOrigins)
	v.SetDefault("security.cors.allowed_methods", d.Security.CORS.AllowedMethods)
	v.SetDefault("security.cors.allowed_headers", d.Security.CORS.AllowedHeaders)
	v.SetDefault("security.rate_limiting.enabled", d.Security.RateLimiting.Enabled)
	v.SetDefault("security.rate_limiting.requests_per_minute", d.Security.RateLimiting.RequestsPerMinute)
	v.SetDefault("security.rate_limiting.burst", d.Security.RateLimiting.Burst)

	v.SetDefault("workflow.max_depth", d.Workflow.MaxDepth)
	v.SetDefault("workflow.action_timeout", d.Workflow.ActionTimeout)
	v.SetDefault("workflow.auto_assign", d.Workflow.AutoAssign)

	v.SetDefault("sla.sweep_enabled", d.SLA.SweepEnabled)
	v.SetDefault("sla.sweep_schedule", d.SLA.SweepSchedule)
	v.SetDefault("sla.timezone", d.SLA.Timezone)
	v.SetDefault("sla.business_start", d.SLA.BusinessStart)
	v.SetDefault("sla.business_end", d.SLA.BusinessEnd)

	v.SetDefault("assignment.cursor_store", d.Assignment.CursorStore)
	v.SetDefault("assignment.redis_prefix", d.Assignment.RedisPrefix)
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "deskflow",
			SSLMode:         "disable",
			Path:            "./deskflow.db",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/deskflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "deskflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 300,
				Burst:             50,
			},
		},
		Workflow: WorkflowConfig{
			MaxDepth:      5,
			ActionTimeout: 5 * time.Second,
			AutoAssign:    true,
		},
		SLA: SLAConfig{
			SweepEnabled:  true,
			SweepSchedule: "@every 1m",
			Timezone:      "UTC",
			BusinessStart: 9,
			BusinessEnd:   17,
		},
		Assignment: AssignmentConfig{
			CursorStore: "database",
			RedisPrefix: "deskflow:rr:",
		},
	}
}
