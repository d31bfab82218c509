package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"streamview/internal/core/domain"
	"streamview/pkg/circuitbreaker"
	"streamview/pkg/tracing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config configures the session-event mirror.
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	Channel  string
}

// SessionEvent is the wire form of a mirrored session notification.
// Other viewer instances on the same host subscribe to react to
// sign-ins and sign-outs without polling the backend themselves.
type SessionEvent struct {
	InstanceID string                  `json:"instance_id"`
	Timestamp  time.Time               `json:"timestamp"`
	Kind       domain.NotificationKind `json:"kind"`
	UserID     domain.UserID           `json:"user_id,omitempty"`
}

// Mirror republishes session notifications onto a redis channel.
// Publishes go through a circuit breaker so a dead redis cannot slow
// the session layer down; mirrored events are best-effort by design
// and dropped when the breaker is open.
type Mirror struct {
	client     *redis.Client
	breaker    *circuitbreaker.CircuitBreaker
	channel    string
	instanceID string
	logger     *zap.SugaredLogger

	unsubscribe func()
}

// NewMirror connects the mirror to redis. It does not verify the
// connection; the first publish or Ping does.
func NewMirror(cfg Config, logger *zap.SugaredLogger) *Mirror {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Channel == "" {
		cfg.Channel = "streamview:session"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	m := &Mirror{
		client:     client,
		breaker:    breaker,
		channel:    cfg.Channel,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("fanout breaker state changed", "from", from, "to", to)
	})
	return m
}

// Ping verifies the redis connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Attach subscribes the mirror to a session notification source.
func (m *Mirror) Attach(subscribe func(func(domain.Notification)) func()) {
	m.unsubscribe = subscribe(func(n domain.Notification) {
		go m.publish(n)
	})
}

func (m *Mirror) publish(n domain.Notification) {
	event := SessionEvent{
		InstanceID: m.instanceID,
		Timestamp:  time.Now(),
		Kind:       n.Kind,
		UserID:     n.UserID(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Errorw("session event marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "fanout.publish",
		trace.WithAttributes(tracing.UserIDKey.String(string(event.UserID))))
	defer span.End()

	err = m.breaker.Execute(ctx, func() error {
		return m.client.Publish(ctx, m.channel, data).Err()
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		m.logger.Debugw("session event dropped", "kind", n.Kind, "error", err)
		return
	}
	m.logger.Debugw("session event mirrored", "kind", n.Kind, "user_id", event.UserID)
}

// Listen delivers mirrored events from other instances until the
// context is canceled. Events published by this instance are skipped.
func (m *Mirror) Listen(ctx context.Context, handler func(SessionEvent)) error {
	pubsub := m.client.Subscribe(ctx, m.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("fanout subscribe failed: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event SessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				m.logger.Warnw("malformed session event", "error", err)
				continue
			}
			if event.InstanceID == m.instanceID {
				continue
			}
			handler(event)
		}
	}
}

// Close detaches from the notification source and closes the client.
func (m *Mirror) Close() error {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	return m.client.Close()
}
