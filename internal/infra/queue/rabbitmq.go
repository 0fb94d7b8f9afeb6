package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/memodb-io/pokersync/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DialFunc opens a fresh broker connection; used for the first dial and for reconnects.
type DialFunc func() (*amqp.Connection, error)

// tableCarrier adapts amqp.Table to TextMapCarrier for OpenTelemetry propagation
type tableCarrier struct {
	table amqp.Table
}

func (c tableCarrier) Get(key string) string {
	if val, ok := c.table[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", val)
	}
	return ""
}

func (c tableCarrier) Set(key, value string) {
	c.table[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c.table))
	for k := range c.table {
		keys = append(keys, k)
	}
	return keys
}

type Publisher struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	dial DialFunc
	log  *zap.Logger
	cfg  *config.Config
}

// NewPublisher opens a channel on conn and declares the participant change exchange.
func NewPublisher(conn *amqp.Connection, log *zap.Logger, cfg *config.Config, dial DialFunc) (*Publisher, error) {
	p := &Publisher{conn: conn, dial: dial, log: log, cfg: cfg}
	if err := p.openChannel(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(0, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	if err := DeclareTopicExchange(ch, p.cfg.RabbitMQ.ExchangeName.ParticipantChange); err != nil {
		_ = ch.Close()
		return err
	}
	p.ch = ch
	return nil
}

// reconnect replaces a dead connection/channel. Caller holds p.mu.
func (p *Publisher) reconnect() error {
	if p.conn == nil || p.conn.IsClosed() {
		if p.dial == nil {
			return amqp.ErrClosed
		}
		conn, err := p.dial()
		if err != nil {
			return fmt.Errorf("redial rabbitmq: %w", err)
		}
		p.conn = conn
	}
	return p.openChannel()
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	return p.ch.Close()
}

// Conn returns the connection currently backing the publisher.
func (p *Publisher) Conn() *amqp.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *Publisher) PublishJSON(ctx context.Context, exchangeName string, routingKey string, body any) error {
	b, err := sonic.Marshal(body)
	if err != nil {
		return err
	}

	// Create a span for the publish operation
	tracer := otel.Tracer(p.cfg.App.Name)
	ctx, span := tracer.Start(ctx, "rabbitmq.publish",
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", exchangeName),
			attribute.String("messaging.destination_kind", "exchange"),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
		))
	defer span.End()

	// Inject trace context into message headers
	headers := make(amqp.Table)
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier{table: headers})

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         b,
		Headers:      headers,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, publishing)
	if errors.Is(err, amqp.ErrClosed) {
		p.log.Warn("rabbitmq channel closed, reconnecting publisher", zap.String("exchange", exchangeName))
		if rerr := p.reconnect(); rerr != nil {
			span.RecordError(rerr)
			return rerr
		}
		err = p.ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, publishing)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int("messaging.message.body.size", len(b)))
	return nil
}

func DeclareTopicExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Subscriber consumes from a private, auto-deleted queue bound to one routing pattern.
// The queue disappears with the channel, so closing the subscriber is the unsubscribe.
type Subscriber struct {
	ch        *amqp.Channel
	q         amqp.Queue
	log       *zap.Logger
	cfg       *config.Config
	once      sync.Once
	err       error
	closing   atomic.Bool
	consuming atomic.Bool
	// done is closed when the consume loop exits; lost says why when Close did not cause it.
	done chan struct{}
	lost error
}

func NewSubscriber(conn *amqp.Connection, exchangeName string, bindingKey string, prefetch int, log *zap.Logger, cfg *config.Config) (*Subscriber, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := DeclareTopicExchange(ch, exchangeName); err != nil {
		_ = ch.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, bindingKey, exchangeName, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Subscriber{ch: ch, q: q, log: log, cfg: cfg, done: make(chan struct{})}, nil
}

// Consume registers the consumer and returns once the broker accepted it. Messages are
// handled sequentially on one goroutine; a handler error drops the message instead of
// requeueing it onto a queue nobody else reads.
func (s *Subscriber) Consume(handler func(ctx context.Context, body []byte) error) error {
	msgs, err := s.ch.Consume(s.q.Name, "", false, true, false, false, nil)
	if err != nil {
		return err
	}
	closed := s.ch.NotifyClose(make(chan *amqp.Error, 1))

	tracer := otel.Tracer(s.cfg.App.Name)
	propagator := otel.GetTextMapPropagator()
	s.consuming.Store(true)

	go func() {
		defer close(s.done)
		defer func() {
			if s.closing.Load() {
				return
			}
			s.lost = errors.New("rabbitmq consumer stopped")
			select {
			case reason := <-closed:
				if reason != nil {
					s.lost = fmt.Errorf("rabbitmq channel closed: %w", reason)
				}
			default:
			}
			s.log.Warn("rabbitmq consumer stopped", zap.String("queue", s.q.Name), zap.Error(s.lost))
		}()
		for m := range msgs {
			msgCtx := context.Background()
			if m.Headers != nil {
				msgCtx = propagator.Extract(msgCtx, tableCarrier{table: m.Headers})
			}

			msgCtx, span := tracer.Start(msgCtx, "rabbitmq.consume",
				trace.WithAttributes(
					attribute.String("messaging.system", "rabbitmq"),
					attribute.String("messaging.destination", s.q.Name),
					attribute.String("messaging.destination_kind", "queue"),
					attribute.String("messaging.operation", "receive"),
					attribute.Int("messaging.message.body.size", len(m.Body)),
				))

			if err := handler(msgCtx, m.Body); err != nil {
				span.RecordError(err)
				_ = m.Nack(false, false)
				s.log.Sugar().Errorw("consume error", "err", err, "queue", s.q.Name)
				span.End()
				continue
			}

			_ = m.Ack(false)
			span.End()
		}
	}()
	return nil
}

func (s *Subscriber) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		s.err = s.ch.Close()
		if s.consuming.Load() {
			<-s.done
		}
	})
	return s.err
}

// Done is closed once the consume loop has exited.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err is nil after Close and otherwise reports why consuming stopped. Read it after Done.
func (s *Subscriber) Err() error { return s.lost }
