// Package quota implements the atomic usage checker: a check-and-increment
// over per-device period buckets with bounded retries and fail-open
// semantics. Denial-by-infrastructure-failure is explicitly avoided: after
// exhausting retries the checker allows the request rather than blocking
// the user.
package quota

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"voicegate/internal/billing"
	"voicegate/internal/config"
	"voicegate/internal/types"
)

// UsageStore is the transactional storage surface of the checker,
// implemented by db.QuotaRepo.
type UsageStore interface {
	// CheckAndIncrement atomically consumes one unit across every period
	// granularity or none; limits supply snapshots for buckets opened now.
	CheckAndIncrement(ctx context.Context, deviceKey string, limits map[types.PeriodKind]int, now time.Time) (allowed bool, remaining map[types.PeriodKind]int, err error)
}

// SubscriptionSource resolves the device's current status, which selects
// the limit snapshot for newly opened buckets.
type SubscriptionSource interface {
	Ensure(ctx context.Context, deviceKey string) (*types.Subscription, error)
}

// Checker coordinates the quota transaction with retry, backoff, and cache
// invalidation.
type Checker struct {
	store   UsageStore
	subs    SubscriptionSource
	limits  billing.LimitRegistry
	cache   billing.CacheInvalidator
	cfg     config.QuotaConfig
	nowFn   func() time.Time
	sleepFn func(time.Duration)
	logger  *slog.Logger
}

// CheckerConfig holds the dependencies for creating a Checker.
type CheckerConfig struct {
	Store         UsageStore
	Subscriptions SubscriptionSource
	Limits        billing.LimitRegistry
	Cache         billing.CacheInvalidator
	Quota         config.QuotaConfig
	NowFn         func() time.Time
	SleepFn       func(time.Duration)
	Logger        *slog.Logger
}

// NewChecker creates a Checker. Nil NowFn/SleepFn default to the clock.
func NewChecker(cfg CheckerConfig) *Checker {
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	sleepFn := cfg.SleepFn
	if sleepFn == nil {
		sleepFn = time.Sleep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store:   cfg.Store,
		subs:    cfg.Subscriptions,
		limits:  cfg.Limits,
		cache:   cfg.Cache,
		cfg:     cfg.Quota,
		nowFn:   nowFn,
		sleepFn: sleepFn,
		logger:  logger,
	}
}

// CheckAndIncrement consumes one unit of the device's quota, or denies with
// quota_exceeded when a bucket is at its limit. Transient store failures
// are retried with jittered exponential backoff; exhaustion fails open.
func (c *Checker) CheckAndIncrement(ctx context.Context, deviceKey string) (types.Decision, error) {
	sub, err := c.subs.Ensure(ctx, deviceKey)
	if err != nil {
		c.logger.ErrorContext(ctx, "quota check failing open: subscription lookup failed",
			"device_key", deviceKey,
			"error", err,
		)
		return types.Allow(""), nil
	}
	limits := c.limits.Limits(sub.Status)

	var lastErr error
	attempts := c.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.sleepFn(c.backoff(attempt))
		}

		allowed, remaining, err := c.store.CheckAndIncrement(ctx, deviceKey, limits, c.nowFn())
		if err != nil {
			lastErr = err
			continue
		}

		if !allowed {
			return types.Deny(sub.Status, types.DenyQuotaExceeded), nil
		}

		// The cached context embeds remaining counts, so every increment
		// makes it stale; drop it and let the next read rebuild.
		c.invalidate(ctx, deviceKey)

		for kind, left := range remaining {
			if left == 0 {
				c.logger.InfoContext(ctx, "quota limit boundary reached",
					"device_key", deviceKey,
					"period_kind", string(kind),
				)
			}
		}
		return types.Allow(sub.Status), nil
	}

	c.logger.ErrorContext(ctx, "quota check failing open after retries",
		"device_key", deviceKey,
		"attempts", attempts,
		"error", lastErr,
	)
	return types.Allow(sub.Status), nil
}

// backoff returns the jittered exponential wait before the given retry
// attempt (attempt >= 1).
func (c *Checker) backoff(attempt int) time.Duration {
	wait := float64(c.cfg.RetryMinWait) * math.Pow(2, float64(attempt-1))
	if max := float64(c.cfg.RetryMaxWait); wait > max {
		wait = max
	}
	// Jitter in [0.5, 1.5) spreads concurrent retries for the same device.
	return time.Duration(wait * (0.5 + rand.Float64()))
}

func (c *Checker) invalidate(ctx context.Context, deviceKey string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, deviceKey); err != nil {
		c.logger.WarnContext(ctx, "cache invalidation failed after increment",
			"device_key", deviceKey,
			"error", err,
		)
	}
}
