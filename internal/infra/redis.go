// README: Redis client initialization for the driver GEO index and event pub/sub.
package infra

import (
	"context"

	"github.com/redis/go-redis/v9"
)

func NewRedis(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// RedisReachable pings the client once; callers fall back to in-process
// implementations when it is not.
func RedisReachable(ctx context.Context, c *redis.Client) bool {
	return c.Ping(ctx).Err() == nil
}
