package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher delivers a payload to subscribers of channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher fans messages out over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher backed by Redis.
func NewRedisPublisher(addr, password string, db int) *RedisPublisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisPublisher{client: rdb}
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("notify: redis ping: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a subscription to channel. Callers close it.
func (p *RedisPublisher) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return p.client.Subscribe(ctx, channel)
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
