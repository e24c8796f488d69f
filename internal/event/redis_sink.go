package event

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

// RedisSink 把事件以 JSON 发布到一个 Redis pub/sub 频道。
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink 创建一个 RedisSink。
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis:" + s.channel }

func (s *RedisSink) Send(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
