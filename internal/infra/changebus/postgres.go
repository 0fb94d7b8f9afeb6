package changebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresBus rides on LISTEN/NOTIFY of the identity store itself. Each subscription pins one
// connection of the listen pool for as long as it listens, so NOTIFY goes through a separate
// publish pool that watchers can never exhaust.
type PostgresBus struct {
	publish        *pgxpool.Pool
	listen         *pgxpool.Pool
	publishTimeout time.Duration
	log            *zap.Logger
}

func NewPostgresBus(publish, listen *pgxpool.Pool, publishTimeout time.Duration, log *zap.Logger) *PostgresBus {
	return &PostgresBus{publish: publish, listen: listen, publishTimeout: publishTimeout, log: log}
}

func (b *PostgresBus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := sonic.MarshalString(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if b.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.publishTimeout)
		defer cancel()
	}
	_, err = b.publish.Exec(ctx, "SELECT pg_notify($1, $2)", channelName(ev.SessionID), payload)
	return err
}

func (b *PostgresBus) Subscribe(ctx context.Context, sessionID uuid.UUID, h Handlers) (Subscription, error) {
	conn, err := b.listen.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	channel := channelName(sessionID)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	sub := &pgSub{conn: conn, cancel: cancel, exited: make(chan struct{})}

	go func() {
		defer close(sub.exited)
		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil && !errors.Is(err, context.Canceled) {
					b.log.Error("postgres change listener stopped", zap.Error(err), zap.String("channel", channel))
					sub.lost = fmt.Errorf("%w: %v", ErrSubscriptionLost, err)
				}
				return
			}
			var ev Event
			if err := sonic.UnmarshalString(n.Payload, &ev); err != nil {
				b.log.Warn("drop undecodable change event", zap.Error(err), zap.String("channel", n.Channel))
				continue
			}
			if err := ev.Validate(); err != nil || ev.SessionID != sessionID {
				b.log.Warn("drop foreign or malformed change event", zap.Error(err), zap.String("channel", n.Channel))
				continue
			}
			h.Dispatch(ev)
		}
	}()
	return sub, nil
}

// Close is a no-op; the pools are owned by the container.
func (b *PostgresBus) Close() error { return nil }

type pgSub struct {
	conn   *pgxpool.Conn
	cancel context.CancelFunc
	exited chan struct{}
	once   sync.Once
	lost   error
}

func (s *pgSub) Done() <-chan struct{} { return s.exited }

func (s *pgSub) Err() error { return s.lost }

func (s *pgSub) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.exited
		// A cancelled wait leaves the session in an unknown state; closing it makes the
		// pool discard the connection on release instead of reusing a LISTENing one.
		_ = s.conn.Conn().Close(context.Background())
		s.conn.Release()
	})
	return nil
}
