package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/memodb-io/pokersync/internal/config"
	"github.com/memodb-io/pokersync/internal/infra/cache"
	"github.com/memodb-io/pokersync/internal/infra/changebus"
	"github.com/memodb-io/pokersync/internal/infra/db"
	"github.com/memodb-io/pokersync/internal/infra/logger"
	mq "github.com/memodb-io/pokersync/internal/infra/queue"
	"github.com/memodb-io/pokersync/internal/modules/handler"
	"github.com/memodb-io/pokersync/internal/modules/repo"
	"github.com/memodb-io/pokersync/internal/modules/service"
	"github.com/memodb-io/pokersync/internal/pkg/identity"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BuildContainer registers every provider lazily; infrastructure a chosen driver does not
// need (rabbitmq, the pgx pool) is never dialed.
func BuildContainer() *do.Injector {
	inj := do.New()

	// config
	do.Provide(inj, func(i *do.Injector) (*config.Config, error) {
		return config.Load()
	})

	// logger
	do.Provide(inj, func(i *do.Injector) (*zap.Logger, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return logger.New(cfg.Log.Level)
	})

	// DB
	do.Provide(inj, func(i *do.Injector) (*gorm.DB, error) {
		cfg := do.MustInvoke[*config.Config](i)
		d, err := db.New(cfg)
		if err != nil {
			return nil, err
		}
		// [optional] auto migrate
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(d); err != nil {
				return nil, err
			}
		}
		return d, nil
	})

	// pgx pools, only used by the postgres change bus. Listeners pin their connection, so
	// publishes get a pool of their own.
	do.ProvideNamed(inj, PoolChangeBusPublish, func(i *do.Injector) (*pgxpool.Pool, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return db.NewPool(context.Background(), cfg, cfg.ChangeBus.PublishConns)
	})
	do.ProvideNamed(inj, PoolChangeBusListen, func(i *do.Injector) (*pgxpool.Pool, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return db.NewPool(context.Background(), cfg, cfg.ChangeBus.ListenConns)
	})

	// Redis
	do.Provide(inj, func(i *do.Injector) (*redis.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return cache.New(cfg)
	})

	// RabbitMQ DialFunc for connection and reconnection
	do.Provide(inj, func(i *do.Injector) (mq.DialFunc, error) {
		cfg := do.MustInvoke[*config.Config](i)

		dialFn := func() (*amqp.Connection, error) {
			useTLS := cfg.RabbitMQ.EnableTLS || strings.HasPrefix(cfg.RabbitMQ.URL, "amqps://")
			if useTLS {
				tlsConfig := &tls.Config{
					MinVersion: tls.VersionTLS12,
				}
				url := cfg.RabbitMQ.URL
				if strings.HasPrefix(url, "amqp://") {
					url = strings.Replace(url, "amqp://", "amqps://", 1)
				}
				return amqp.DialTLS(url, tlsConfig)
			}
			return amqp.Dial(cfg.RabbitMQ.URL)
		}

		return dialFn, nil
	})

	// RabbitMQ Connection
	do.Provide(inj, func(i *do.Injector) (*amqp.Connection, error) {
		dialFn := do.MustInvoke[mq.DialFunc](i)
		return dialFn()
	})

	// RabbitMQ Publisher
	do.Provide(inj, func(i *do.Injector) (*mq.Publisher, error) {
		cfg := do.MustInvoke[*config.Config](i)
		conn := do.MustInvoke[*amqp.Connection](i)
		log := do.MustInvoke[*zap.Logger](i)
		dialFn := do.MustInvoke[mq.DialFunc](i)
		return mq.NewPublisher(conn, log, cfg, dialFn)
	})

	// Change bus
	do.Provide(inj, func(i *do.Injector) (changebus.Bus, error) {
		cfg := do.MustInvoke[*config.Config](i)
		log := do.MustInvoke[*zap.Logger](i).Named("changebus")
		return newChangeBus(i, cfg, log)
	})

	// Client identity
	do.Provide(inj, func(i *do.Injector) (identity.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		switch cfg.Identity.Driver {
		case "memory":
			return identity.NewMemoryStore(), nil
		case "redis", "":
			return identity.NewRedisStore(do.MustInvoke[*redis.Client](i), cfg.IdentityTTL()), nil
		default:
			return nil, fmt.Errorf("unknown identity driver %q", cfg.Identity.Driver)
		}
	})

	// Repo
	do.Provide(inj, func(i *do.Injector) (repo.SessionRepo, error) {
		return repo.NewSessionRepo(do.MustInvoke[*gorm.DB](i)), nil
	})
	do.Provide(inj, func(i *do.Injector) (repo.ParticipantRepo, error) {
		return repo.NewParticipantRepo(do.MustInvoke[*gorm.DB](i)), nil
	})

	// Service
	do.Provide(inj, func(i *do.Injector) (service.SessionService, error) {
		return service.NewSessionService(
			do.MustInvoke[repo.SessionRepo](i),
			do.MustInvoke[repo.ParticipantRepo](i),
			do.MustInvoke[changebus.Bus](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (service.MembershipService, error) {
		return service.NewMembershipService(
			do.MustInvoke[repo.SessionRepo](i),
			do.MustInvoke[repo.ParticipantRepo](i),
			do.MustInvoke[changebus.Bus](i),
			do.MustInvoke[*zap.Logger](i),
			do.MustInvoke[*config.Config](i),
		), nil
	})

	// Handler
	do.Provide(inj, func(i *do.Injector) (*handler.SessionHandler, error) {
		return handler.NewSessionHandler(
			do.MustInvoke[service.SessionService](i),
			do.MustInvoke[identity.Store](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (*handler.IdentityHandler, error) {
		return handler.NewIdentityHandler(do.MustInvoke[identity.Store](i)), nil
	})
	do.Provide(inj, func(i *do.Injector) (*handler.WatchHandler, error) {
		return handler.NewWatchHandler(
			do.MustInvoke[service.MembershipService](i),
			do.MustInvoke[identity.Store](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})
	return inj
}

const (
	PoolChangeBusPublish = "pgxpool.changebus.publish"
	PoolChangeBusListen  = "pgxpool.changebus.listen"
)

func newChangeBus(i *do.Injector, cfg *config.Config, log *zap.Logger) (changebus.Bus, error) {
	switch cfg.ChangeBus.Driver {
	case changebus.DriverMemory:
		return changebus.NewMemoryBus(cfg.ChangeBus.BufferSize), nil
	case changebus.DriverRedis, "":
		rdb, err := do.Invoke[*redis.Client](i)
		if err != nil {
			return nil, err
		}
		return changebus.NewRedisBus(rdb, log), nil
	case changebus.DriverRabbitMQ:
		pub, err := do.Invoke[*mq.Publisher](i)
		if err != nil {
			return nil, err
		}
		return changebus.NewRabbitMQBus(pub, cfg, log), nil
	case changebus.DriverPostgres:
		publish, err := do.InvokeNamed[*pgxpool.Pool](i, PoolChangeBusPublish)
		if err != nil {
			return nil, err
		}
		listen, err := do.InvokeNamed[*pgxpool.Pool](i, PoolChangeBusListen)
		if err != nil {
			return nil, err
		}
		return changebus.NewPostgresBus(publish, listen, cfg.PublishTimeout(), log), nil
	default:
		return nil, fmt.Errorf("unknown change bus driver %q", cfg.ChangeBus.Driver)
	}
}
