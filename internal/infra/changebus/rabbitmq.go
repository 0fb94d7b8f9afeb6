package changebus

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/config"
	mq "github.com/memodb-io/pokersync/internal/infra/queue"
	"go.uber.org/zap"
)

// RabbitMQBus publishes to a topic exchange with routing keys
// participants.<session_id>.<insert|update|delete>; every subscription binds its own
// exclusive queue to participants.<session_id>.*.
type RabbitMQBus struct {
	pub *mq.Publisher
	cfg *config.Config
	log *zap.Logger
}

func NewRabbitMQBus(pub *mq.Publisher, cfg *config.Config, log *zap.Logger) *RabbitMQBus {
	return &RabbitMQBus{pub: pub, cfg: cfg, log: log}
}

func routingKey(sessionID uuid.UUID, t EventType) string {
	return fmt.Sprintf("%s.%s.%s", ParticipantsTable, sessionID, strings.ToLower(string(t)))
}

func bindingKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("%s.%s.*", ParticipantsTable, sessionID)
}

func (b *RabbitMQBus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return b.pub.PublishJSON(ctx, b.cfg.RabbitMQ.ExchangeName.ParticipantChange, routingKey(ev.SessionID, ev.Type), ev)
}

func (b *RabbitMQBus) Subscribe(ctx context.Context, sessionID uuid.UUID, h Handlers) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := mq.NewSubscriber(b.pub.Conn(), b.cfg.RabbitMQ.ExchangeName.ParticipantChange, bindingKey(sessionID), b.cfg.ChangeBus.BufferSize, b.log, b.cfg)
	if err != nil {
		return nil, fmt.Errorf("declare participant queue: %w", err)
	}

	err = sub.Consume(func(_ context.Context, body []byte) error {
		var ev Event
		if err := sonic.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode change event: %w", err)
		}
		if err := ev.Validate(); err != nil {
			return err
		}
		if ev.SessionID != sessionID {
			return nil
		}
		h.Dispatch(ev)
		return nil
	})
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("consume participant queue: %w", err)
	}
	return rabbitSub{sub}, nil
}

type rabbitSub struct{ *mq.Subscriber }

func (s rabbitSub) Unsubscribe() error { return s.Close() }

func (s rabbitSub) Err() error {
	if err := s.Subscriber.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSubscriptionLost, err)
	}
	return nil
}

func (b *RabbitMQBus) Close() error { return b.pub.Close() }
