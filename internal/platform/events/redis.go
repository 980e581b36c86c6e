package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Envelope is the JSON document written to the channel.
type Envelope struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher fans events out over a Redis pub/sub channel.
type RedisPublisher struct {
	client  redisPublisher
	channel string
	now     func() time.Time
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return newRedisPublisher(client, channel)
}

func newRedisPublisher(client redisPublisher, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, now: time.Now}
}

// Publish wraps payload in an Envelope and publishes it. It returns the
// number of subscribers that received the message.
func (p *RedisPublisher) Publish(ctx context.Context, kind string, payload interface{}) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	msg, err := json.Marshal(Envelope{Kind: kind, Payload: raw, PublishedAt: p.now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	n, err := p.client.Publish(ctx, p.channel, msg).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s to %s: %w", kind, p.channel, err)
	}
	return n, nil
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
