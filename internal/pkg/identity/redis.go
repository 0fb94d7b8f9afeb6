package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pokersync:identity:"

type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore keeps identities for ttl after their last write; ttl <= 0 keeps them forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, clientID string) (*Identity, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+clientID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoIdentity
	}
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := sonic.UnmarshalString(raw, &id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &id, nil
}

func (s *RedisStore) Set(ctx context.Context, clientID string, id Identity) error {
	raw, err := sonic.MarshalString(id)
	if err != nil {
		return err
	}
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	return s.rdb.Set(ctx, keyPrefix+clientID, raw, ttl).Err()
}
