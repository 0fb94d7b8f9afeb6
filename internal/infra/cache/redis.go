package cache

import (
	"context"
	"crypto/tls"

	"github.com/memodb-io/pokersync/internal/config"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// New connects the client shared by the redis change bus and the identity store.
func New(cfg *config.Config) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}
	if cfg.Redis.EnableTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// RegisterOpenTelemetryPlugin instruments tracing and metrics with the global providers.
func RegisterOpenTelemetryPlugin(rdb *redis.Client) error {
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		return err
	}
	return redisotel.InstrumentMetrics(rdb)
}

func Close(rdb *redis.Client) error {
	return rdb.Close()
}
