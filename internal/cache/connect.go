package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"voicegate/internal/config"
)

// ErrRedisNotReady is returned when the Redis server cannot be reached
// within the configured retry budget.
var ErrRedisNotReady = errors.New("redis server is not ready")

// Connect establishes a Redis connection with bounded retries. The caller
// decides what a failure means; the gate runs without a cache, so startup
// may choose to log and continue.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.URL.Unmask())
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < cfg.RetryAttempts; attempt++ {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}
