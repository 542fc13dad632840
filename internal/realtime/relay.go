// ABOUTME: Redis pub/sub relay that carries events between gateway instances
// ABOUTME: Each instance tags what it sends and ignores its own echoes

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// relayClient is the subset of *redis.Client the relay uses.
type relayClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// envelope is the relay wire format.
type envelope struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
	Event  *Event `json:"event"`
}

// RedisRelay forwards locally published events to other instances and
// re-publishes their events to the local broadcaster.
type RedisRelay struct {
	client  relayClient
	channel string
	origin  string
	local   Publisher
	logger  *slog.Logger
}

// NewRedisRelay creates a relay on channel. Remote events are delivered to local.
func NewRedisRelay(client relayClient, channel string, local Publisher, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		local:   local,
		logger:  logger.With("component", "relay"),
	}
}

// Origin returns this instance's relay identity.
func (r *RedisRelay) Origin() string {
	return r.origin
}

// Publish sends the event to the other instances. Local delivery is the
// broadcaster's job, so the count is always zero.
func (r *RedisRelay) Publish(ctx context.Context, topic string, event *Event) (int, error) {
	data, err := json.Marshal(envelope{Origin: r.origin, Topic: topic, Event: event})
	if err != nil {
		return 0, fmt.Errorf("encoding relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return 0, fmt.Errorf("relaying event: %w", err)
	}
	return 0, nil
}

// Run subscribes to the relay channel and delivers remote events locally
// until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", "channel", r.channel, "origin", r.origin)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, []byte(msg.Payload))
		}
	}
}

// handle decodes one relayed envelope and re-publishes it locally.
func (r *RedisRelay) handle(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("discarding malformed relay message", "error", err)
		return
	}
	if env.Origin == r.origin || env.Event == nil {
		return
	}
	if _, err := r.local.Publish(ctx, env.Topic, env.Event); err != nil {
		r.logger.Warn("local delivery of relayed event failed", "topic", env.Topic, "error", err)
	}
}

var _ Publisher = (*RedisRelay)(nil)
