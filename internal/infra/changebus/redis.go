package changebus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus fans events out over redis pub/sub, one channel per session.
type RedisBus struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisBus(rdb *redis.Client, log *zap.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	return b.rdb.Publish(ctx, channelName(ev.SessionID), payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, sessionID uuid.UUID, h Handlers) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channelName(sessionID))

	// The first reply confirms the subscription is registered on the server.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channelName(sessionID), err)
	}

	sub := &redisSub{ps: ps, exited: make(chan struct{})}
	msgs := ps.Channel()
	go func() {
		defer close(sub.exited)
		defer func() {
			if !sub.closing.Load() {
				sub.lost = ErrSubscriptionLost
			}
		}()
		for msg := range msgs {
			var ev Event
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
				b.log.Warn("drop undecodable change event", zap.Error(err), zap.String("channel", msg.Channel))
				continue
			}
			if err := ev.Validate(); err != nil || ev.SessionID != sessionID {
				b.log.Warn("drop foreign or malformed change event", zap.Error(err), zap.String("channel", msg.Channel))
				continue
			}
			h.Dispatch(ev)
		}
	}()
	return sub, nil
}

// Close is a no-op; the redis client is owned by the container.
func (b *RedisBus) Close() error { return nil }

// redisSub's message channel closes only through Unsubscribe; go-redis re-subscribes on its
// own after a dropped connection.
type redisSub struct {
	ps      *redis.PubSub
	exited  chan struct{}
	once    sync.Once
	closing atomic.Bool
	err     error
	lost    error
}

func (s *redisSub) Unsubscribe() error {
	s.once.Do(func() {
		s.closing.Store(true)
		s.err = s.ps.Close()
		<-s.exited
	})
	return s.err
}

func (s *redisSub) Done() <-chan struct{} { return s.exited }

func (s *redisSub) Err() error { return s.lost }
