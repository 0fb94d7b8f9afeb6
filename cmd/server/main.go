package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/memodb-io/pokersync/internal/bootstrap"
	"github.com/memodb-io/pokersync/internal/config"
	"github.com/memodb-io/pokersync/internal/infra/cache"
	"github.com/memodb-io/pokersync/internal/infra/changebus"
	"github.com/memodb-io/pokersync/internal/infra/db"
	"github.com/memodb-io/pokersync/internal/modules/handler"
	"github.com/memodb-io/pokersync/internal/router"
	"github.com/memodb-io/pokersync/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// @title						Planning Poker Membership API
// @version					0.1.0
// @description				Sessions, participant admission and live participant views for planning poker.
// @host						localhost:8029
// @BasePath					/api/v1
// @securityDefinitions.apikey	ClientID
// @in							header
// @name						X-Client-ID
func main() {
	inj := bootstrap.BuildContainer()

	cfg := do.MustInvoke[*config.Config](inj)
	log := do.MustInvoke[*zap.Logger](inj)
	defer func() { _ = log.Sync() }()

	if cfg.Telemetry.Enabled {
		if _, err := telemetry.SetupTracing(cfg); err != nil {
			log.Warn("setup tracing", zap.Error(err))
		}
		if _, err := telemetry.SetupMetrics(cfg); err != nil {
			log.Warn("setup metrics", zap.Error(err))
		}
	}

	gdb := do.MustInvoke[*gorm.DB](inj)
	if cfg.Telemetry.Enabled {
		if err := db.RegisterOpenTelemetryPlugin(gdb); err != nil {
			log.Warn("register gorm tracing", zap.Error(err))
		}
	}
	// redis is only dialed when a driver needs it
	if cfg.Telemetry.Enabled && (cfg.ChangeBus.Driver == changebus.DriverRedis || cfg.Identity.Driver == "redis") {
		if err := cache.RegisterOpenTelemetryPlugin(do.MustInvoke[*redis.Client](inj)); err != nil {
			log.Warn("register redis instrumentation", zap.Error(err))
		}
	}

	bus := do.MustInvoke[changebus.Bus](inj)

	engine := router.NewRouter(router.RouterDeps{
		Config:          cfg,
		Log:             log,
		SessionHandler:  do.MustInvoke[*handler.SessionHandler](inj),
		IdentityHandler: do.MustInvoke[*handler.IdentityHandler](inj),
		WatchHandler:    do.MustInvoke[*handler.WatchHandler](inj),
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr), zap.String("changebus", cfg.ChangeBus.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	if err := bus.Close(); err != nil {
		log.Warn("close change bus", zap.Error(err))
	}
	if err := telemetry.ShutdownMetrics(shutdownCtx); err != nil {
		log.Warn("shutdown metrics", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown tracing", zap.Error(err))
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
