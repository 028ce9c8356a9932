// Package cache implements the short-TTL read-through context cache over
// Redis. The cache is never a source of truth: absence always triggers a
// fresh store read, and an unreachable backend degrades every operation to
// a fall-through (fail-open, not fail-closed).
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"voicegate/internal/types"
)

// keyPrefix namespaces cache entries so the instance can share a Redis
// database with other services.
const keyPrefix = "voicegate:ctx:"

// Client is the minimal Redis surface the cache uses, satisfied by
// *redis.Client.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ContextCache stores the combined (status + quota remaining) gate context
// per device with a short TTL as the final staleness backstop.
type ContextCache struct {
	rdb    Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a ContextCache with the given TTL.
func New(rdb Client, ttl time.Duration, logger *slog.Logger) *ContextCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextCache{rdb: rdb, ttl: ttl, logger: logger}
}

// Fetch returns the cached context for the device, or (nil, false) on miss.
// Backend errors and corrupt entries are treated as misses. A nil receiver
// (no cache configured) always misses.
func (c *ContextCache) Fetch(ctx context.Context, deviceKey string) (*types.CachedContext, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, keyPrefix+deviceKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WarnContext(ctx, "cache read failed, falling through to store",
				"device_key", deviceKey,
				"error", err,
			)
		}
		return nil, false
	}

	var cc types.CachedContext
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.WarnContext(ctx, "corrupt cache entry dropped",
			"device_key", deviceKey,
			"error", err,
		)
		_ = c.rdb.Del(ctx, keyPrefix+deviceKey).Err()
		return nil, false
	}
	return &cc, true
}

// Put stores the context with the configured TTL. Best-effort: failures are
// logged and swallowed, the next reader simply misses.
func (c *ContextCache) Put(ctx context.Context, cc *types.CachedContext) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(cc)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to marshal cache entry", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+cc.DeviceKey, raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache write failed",
			"device_key", cc.DeviceKey,
			"error", err,
		)
	}
}

// Invalidate deletes the device's cache entry. Callers treat failures as
// non-fatal; the TTL bounds any remaining staleness window.
func (c *ContextCache) Invalidate(ctx context.Context, deviceKey string) error {
	if c == nil {
		return nil
	}
	return c.rdb.Del(ctx, keyPrefix+deviceKey).Err()
}
