// README: Sink publishing ride events as JSON on a Redis pub/sub channel.
package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type RedisSink struct {
	events
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	s := &RedisSink{client: client, channel: channel}
	s.events = newEvents(s.Publish)
	return s
}

func (s *RedisSink) Channel() string { return s.channel }

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", s.channel, err)
	}
	return nil
}
