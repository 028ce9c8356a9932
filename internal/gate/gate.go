// Package gate is the single decision point consumed by the serving
// pipeline: CanProcess before generating a response, RecordUsage after a
// request has actually been served.
package gate

import (
	"context"
	"log/slog"
	"time"

	"voicegate/internal/billing"
	"voicegate/internal/types"
)

// ContextCache is the read-through cache surface. A nil cache is valid:
// every read falls through to the store.
type ContextCache interface {
	Fetch(ctx context.Context, deviceKey string) (*types.CachedContext, bool)
	Put(ctx context.Context, cc *types.CachedContext)
}

// SubscriptionSource resolves the device's subscription row, creating the
// initial limited_free_trial row on first contact.
type SubscriptionSource interface {
	Ensure(ctx context.Context, deviceKey string) (*types.Subscription, error)
}

// QuotaSnapshotter reads the device's current-period buckets without
// locking, for cache rebuilds.
type QuotaSnapshotter interface {
	Snapshot(ctx context.Context, deviceKey string, limits map[types.PeriodKind]int, now time.Time) (map[types.PeriodKind]types.QuotaUsage, error)
}

// UsageRecorder is the atomic quota checker.
type UsageRecorder interface {
	CheckAndIncrement(ctx context.Context, deviceKey string) (types.Decision, error)
}

// Gate decides, per device, whether the serving pipeline may process a
// request, and records usage once a request has been served.
type Gate struct {
	cache  ContextCache
	subs   SubscriptionSource
	quota  QuotaSnapshotter
	limits billing.LimitRegistry
	usage  UsageRecorder
	nowFn  func() time.Time
	logger *slog.Logger
}

// Config holds the dependencies for creating a Gate.
type Config struct {
	Cache         ContextCache
	Subscriptions SubscriptionSource
	Quota         QuotaSnapshotter
	Limits        billing.LimitRegistry
	Usage         UsageRecorder
	NowFn         func() time.Time
	Logger        *slog.Logger
}

// New creates a Gate.
func New(cfg Config) *Gate {
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cache:  cfg.Cache,
		subs:   cfg.Subscriptions,
		quota:  cfg.Quota,
		limits: cfg.Limits,
		usage:  cfg.Usage,
		nowFn:  nowFn,
		logger: logger,
	}
}

// CanProcess returns the gate decision for one serving request.
//
// paid and paid_trial always allow. limited_free_trial allows while quota
// remains and denies with quota_exceeded once exhausted. billing_problem
// and grace_period preserve access (grace) unless quota is exhausted.
//
// Store failures below the gate never surface as denials: the decision
// fails open per the engine's propagation policy.
func (g *Gate) CanProcess(ctx context.Context, deviceKey string) types.Decision {
	cc, err := g.load(ctx, deviceKey)
	if err != nil {
		g.logger.ErrorContext(ctx, "gate failing open: context load failed",
			"device_key", deviceKey,
			"error", err,
		)
		return types.Allow("")
	}

	switch cc.Status {
	case types.StatusPaid, types.StatusPaidTrial:
		return types.Allow(cc.Status)

	case types.StatusLimitedFreeTrial:
		if cc.QuotaExhausted() {
			return types.Deny(cc.Status, types.DenyQuotaExceeded)
		}
		return types.Allow(cc.Status)

	case types.StatusBillingProblem, types.StatusGracePeriod:
		if cc.QuotaExhausted() {
			return types.Deny(cc.Status, types.DenyQuotaExceeded)
		}
		return types.Allow(cc.Status)

	default:
		return types.Deny(cc.Status, types.DenySubscriptionRequired)
	}
}

// RecordUsage consumes one unit of quota for an already-served request.
// Called strictly after serving, so denied or failed requests never burn
// quota. A denial here means the serving decision raced a limit boundary;
// it is logged and absorbed.
func (g *Gate) RecordUsage(ctx context.Context, deviceKey string) {
	decision, err := g.usage.CheckAndIncrement(ctx, deviceKey)
	if err != nil {
		g.logger.ErrorContext(ctx, "usage recording failed",
			"device_key", deviceKey,
			"error", err,
		)
		return
	}
	if !decision.Allowed {
		g.logger.InfoContext(ctx, "usage recorded past limit boundary",
			"device_key", deviceKey,
			"status", string(decision.Status),
		)
	}
}

// load returns a fresh-or-rebuilt context for the device. Cache misses
// rebuild from a consistent read of the subscription and quota rows and
// repopulate the cache.
func (g *Gate) load(ctx context.Context, deviceKey string) (*types.CachedContext, error) {
	if g.cache != nil {
		if cc, ok := g.cache.Fetch(ctx, deviceKey); ok {
			return cc, nil
		}
	}

	sub, err := g.subs.Ensure(ctx, deviceKey)
	if err != nil {
		return nil, err
	}

	limits := g.limits.Limits(sub.Status)
	buckets, err := g.quota.Snapshot(ctx, deviceKey, limits, g.nowFn())
	if err != nil {
		return nil, err
	}

	remaining := make(map[types.PeriodKind]int, len(buckets))
	for kind, bucket := range buckets {
		remaining[kind] = bucket.Remaining()
	}

	cc := &types.CachedContext{
		DeviceKey:            deviceKey,
		Status:               sub.Status,
		GracePeriodExpiresAt: sub.GracePeriodExpiresAt,
		QuotaRemaining:       remaining,
		CachedAt:             g.nowFn().UTC(),
	}
	if g.cache != nil {
		g.cache.Put(ctx, cc)
	}
	return cc, nil
}
