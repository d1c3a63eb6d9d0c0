package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
)

// Envelope is a delivery as shared between instances.
type Envelope struct {
	Origin  string          `json:"origin"`
	Rooms   []string        `json:"rooms"`
	Event   string          `json:"event"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// Relay carries deliveries to other server instances.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
}

// RedisRelay fans deliveries out over a Redis pub/sub channel and applies
// deliveries published by other instances to the local hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  zerolog.Logger
}

func NewRedisRelay(ctx context.Context, redisURL, channel string, hub *Hub, logger zerolog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRelay{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger.With().Str("component", "relay").Logger(),
	}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return err
	}
	metrics.RelayPublished.Inc()
	return nil
}

// Run applies remote deliveries until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.apply(msg.Payload)
		}
	}
}

func (r *RedisRelay) apply(payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("invalid relay envelope")
		return
	}
	if env.Origin == r.hub.ID() {
		return
	}
	r.hub.deliverLocal(env.Rooms, env.Event, env.Frame, env.Exclude)
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
