package db

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/memodb-io/pokersync/internal/config"
	"github.com/memodb-io/pokersync/internal/modules/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

var sslmodeRegex = regexp.MustCompile(`(?i)\bsslmode\s*=\s*\w+`)

// DSN returns the configured DSN, forcing sslmode=require when TLS is enabled.
func DSN(cfg *config.Config) string {
	dsn := cfg.Database.DSN
	if !cfg.Database.EnableTLS {
		return dsn
	}
	if sslmodeRegex.MatchString(dsn) {
		return sslmodeRegex.ReplaceAllString(dsn, "sslmode=require")
	}
	if !strings.HasSuffix(dsn, " ") {
		dsn += " "
	}
	return dsn + "sslmode=require"
}

func New(cfg *config.Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(DSN(cfg)), gcfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpen)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdle)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)
	return db, nil
}

// Migrate creates the session and participant tables. gen_random_uuid() is built in from postgres 13.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Session{}, &model.Participant{})
}

// PoolConfig parses the database DSN into a pgx pool config capped at maxConns. The change bus
// sizes its pools on its own settings, never on gorm's max_open.
func PoolConfig(cfg *config.Config, maxConns int) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		pcfg.MaxConns = int32(maxConns)
	}
	return pcfg, nil
}

// NewPool opens and pings a pgx pool for the postgres change bus.
func NewPool(ctx context.Context, cfg *config.Config, maxConns int) (*pgxpool.Pool, error) {
	pcfg, err := PoolConfig(cfg, maxConns)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// RegisterOpenTelemetryPlugin must run after telemetry.SetupTracing so the plugin picks up the
// global tracer provider.
func RegisterOpenTelemetryPlugin(db *gorm.DB) error {
	return db.Use(tracing.NewPlugin())
}
