package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/casapps/labops/src/internal/backup"
	"github.com/casapps/labops/src/internal/cache"
	"github.com/casapps/labops/src/internal/errors"
	"github.com/casapps/labops/src/internal/notifications"
	"github.com/casapps/labops/src/internal/services"
)

// Server wires the HTTP API, the scheduler and the watchdog together
type Server struct {
	echo      *echo.Echo
	config    *viper.Viper
	db        *gorm.DB
	logger    *slog.Logger
	cache     *cache.Manager
	engine    *backup.Engine
	scheduler *backup.Scheduler
	watchdog  *backup.Watchdog
	jobs      *services.JobService
	startTime time.Time
	cancelBg  context.CancelFunc
}

// New creates a new server instance
func New(cfg *viper.Viper, db *gorm.DB, logger *slog.Logger, executor backup.Executor) *Server {
	loc := loadLocation(cfg, logger)

	cacheManager := cache.NewManager(cfg)
	notifier := notifications.NewService(cfg, logger)

	var artifactStore backup.ArtifactStore
	if cfg.GetString("backup.artifact_store") != "none" {
		artifactStore = backup.LocalArtifactStore{}
	}

	engine := backup.NewEngine(db, logger, notifier, artifactStore, loc)

	schedConfig := backup.SchedulerConfig{
		Interval:    cfg.GetDuration("scheduler.interval"),
		MaxParallel: cfg.GetInt("scheduler.max_parallel"),
	}
	scheduler := backup.NewScheduler(db, engine, executor, logger, schedConfig, loc)
	watchdog := backup.NewWatchdog(db, engine, logger, cfg.GetDuration("scheduler.watchdog_interval"))

	jobs := services.NewJobService(db, cfg, cacheManager, engine, executor, logger, loc)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewEchoValidator()

	errorHandler := errors.NewHandler(logger, cfg.GetString("environment") == "production")
	e.HTTPErrorHandler = errorHandler.HTTPErrorHandler

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:      e,
		config:    cfg,
		db:        db,
		logger:    logger,
		cache:     cacheManager,
		engine:    engine,
		scheduler: scheduler,
		watchdog:  watchdog,
		jobs:      jobs,
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Start launches the scheduler, the watchdog and the HTTP listener
func (s *Server) Start(addr string) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBg = cancel

	go s.scheduler.Run(bgCtx)
	go s.watchdog.Run(bgCtx)

	s.logger.Info("server starting", "addr", addr)
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the background loops, waits for in-flight runs and closes
// the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBg != nil {
		s.cancelBg()
	}
	s.scheduler.Wait()
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("cache close failed", "error", err)
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	code := http.StatusOK

	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.Ping() != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, map[string]interface{}{
		"status": status,
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func loadLocation(cfg *viper.Viper, logger *slog.Logger) *time.Location {
	name := cfg.GetString("scheduler.timezone")
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("invalid timezone, falling back to UTC", "timezone", name)
		return time.UTC
	}
	return loc
}
