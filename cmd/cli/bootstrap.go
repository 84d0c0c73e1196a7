package cli

import (
	"fmt"

	"deskflow/internal/config"
	"deskflow/internal/models"
	"deskflow/internal/services"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// loadConfig decodes viper state and initializes the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.DSN())
	default:
		dialector = postgres.Open(cfg.Database.DSN())
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	if cfg.Database.Driver == "sqlite" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logrus.Warnf("gorm tracing plugin: %v", err)
		}
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_tickets_status_priority ON tickets(status, priority)",
		"CREATE INDEX IF NOT EXISTS idx_sla_states_live ON sla_states(frozen_at, status)",
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			logrus.Warnf("create index: %v", err)
		}
	}
	return nil
}

// newRedis returns nil unless cursors are stored in redis.
func newRedis(cfg *config.Config) *redis.Client {
	if cfg.Assignment.CursorStore != "redis" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
}

func buildContainer(cfg *config.Config, db *gorm.DB, rdb *redis.Client) (*services.Container, error) {
	loc, err := cfg.SLA.Location()
	if err != nil {
		return nil, err
	}
	opts := services.Options{
		Clock:         services.NewBusinessClock(loc, cfg.SLA.BusinessStart, cfg.SLA.BusinessEnd),
		MaxDepth:      cfg.Workflow.MaxDepth,
		ActionTimeout: cfg.Workflow.ActionTimeout,
		AutoAssign:    cfg.Workflow.AutoAssign,
	}
	if rdb != nil {
		opts.Cursors = services.NewRedisCursorStore(rdb, cfg.Assignment.RedisPrefix)
	}
	return services.NewContainer(db, opts, logrus.StandardLogger()), nil
}
