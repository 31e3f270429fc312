package alert

import (
	"context"
	"encoding/json"

	"github.com/eq-rebalancer/internal/errors"
	"github.com/redis/go-redis/v9"
)

// RedisSink publishes alerts as JSON on a pub/sub channel
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink creates a Redis pub/sub sink
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "drift-alerts"
	}
	return &RedisSink{client: client, channel: channel}
}

// Name returns the sink name
func (s *RedisSink) Name() string {
	return "redis"
}

// Channel returns the pub/sub channel alerts are published on
func (s *RedisSink) Channel() string {
	return s.channel
}

// Notify publishes the alert
func (s *RedisSink) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return errors.NewNotificationError(s.Name(), err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return errors.NewNotificationError(s.Name(), err)
	}
	return nil
}
