package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"deskflow/internal/config"
	"deskflow/internal/handlers"
	"deskflow/internal/middleware"
	"deskflow/internal/observability"
	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

var flagAutoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the SLA sweep scheduler",
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&flagAutoMigrate, "migrate", false, "run database migrations before serving")
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// OpenTelemetry 初始化（可选）
	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logrus.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if flagAutoMigrate {
		if err := migrate(db); err != nil {
			return err
		}
	}
	rdb := newRedis(cfg)
	if rdb != nil {
		defer rdb.Close()
	}
	container, err := buildContainer(cfg, db, rdb)
	if err != nil {
		return err
	}

	if cfg.SLA.SweepEnabled {
		go func() {
			if err := container.SLA.Run(ctx, cfg.SLA.SweepSchedule); err != nil {
				logrus.Errorf("sla scheduler stopped: %v", err)
			}
		}()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: setupRouter(cfg, db, rdb, container),
	}
	go func() {
		logrus.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	logrus.Info("Server exited")
	return nil
}

func setupRouter(cfg *config.Config, db *gorm.DB, rdb *redis.Client, c *services.Container) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(handlers.CORSMiddleware(cfg))
	router.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// a nil *redis.Client must not become a non-nil interface
	var cache redis.Cmdable
	if rdb != nil {
		cache = rdb
	}
	health := handlers.NewHealthHandler(db, cache, Version)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if cfg.Monitoring.Enabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	handlers.RegisterRoutes(router, cfg, c)
	return router
}
