package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

// redisPublisher is the part of *redis.Client the publisher needs.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher fans committed change notifications out over Redis pub/sub.
// The channel is the event topic, optionally prefixed.
type RedisPublisher struct {
	client redisPublisher
	prefix string
	log    *zap.Logger
}

func NewRedisPublisher(client redisPublisher, prefix string, log *zap.Logger) *RedisPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPublisher{client: client, prefix: prefix, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, event domain.EventEnvelope) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := p.prefix + topic
	receivers, err := p.client.Publish(ctx, channel, string(data)).Result()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	if receivers == 0 {
		p.log.Debug("redis publish had no subscribers", zap.String("channel", channel), zap.String("event_id", event.EventID))
	}
	return nil
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, url string, log *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("redis connected", zap.String("addr", opts.Addr))
	return client, nil
}
