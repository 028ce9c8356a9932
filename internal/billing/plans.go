package billing

import "voicegate/internal/types"

// QuotaLimits maps each period granularity to its request limit.
// 0 means unlimited at that granularity.
type QuotaLimits map[types.PeriodKind]int

// LimitRegistry defines the authoritative per-status quota limits.
// This is the single source of truth for what each subscription tier
// allows, and supplies the limit_snapshot when a quota bucket is opened.
type LimitRegistry interface {
	// Limits returns the quota limits for the given subscription status.
	// Unknown statuses get the most restrictive (free trial) limits to
	// fail safely.
	Limits(status types.SubscriptionStatus) QuotaLimits
}

// limitDefaults defines the shipped per-status limits.
//
//	| Status             | Daily | Weekly | Monthly |
//	|--------------------|-------|--------|---------|
//	| limited_free_trial | 25    | 100    | 300     |
//	| paid_trial         | 0     | 0      | 0       |
//	| paid               | 0     | 0      | 0       |
//	| billing_problem    | 200   | 1000   | 3000    |
//	| grace_period       | 200   | 1000   | 3000    |
//
// Paid tiers are unlimited (buckets are still tracked for reporting).
// Grace statuses keep generous but bounded limits: access is preserved
// pending recovery, not unmetered.
var limitDefaults = map[types.SubscriptionStatus]QuotaLimits{
	types.StatusLimitedFreeTrial: {
		types.PeriodDaily:   25,
		types.PeriodWeekly:  100,
		types.PeriodMonthly: 300,
	},
	types.StatusPaidTrial: {
		types.PeriodDaily:   0,
		types.PeriodWeekly:  0,
		types.PeriodMonthly: 0,
	},
	types.StatusPaid: {
		types.PeriodDaily:   0,
		types.PeriodWeekly:  0,
		types.PeriodMonthly: 0,
	},
	types.StatusBillingProblem: {
		types.PeriodDaily:   200,
		types.PeriodWeekly:  1000,
		types.PeriodMonthly: 3000,
	},
	types.StatusGracePeriod: {
		types.PeriodDaily:   200,
		types.PeriodWeekly:  1000,
		types.PeriodMonthly: 3000,
	},
}

type staticLimitRegistry struct {
	limits map[types.SubscriptionStatus]QuotaLimits
}

// NewStaticLimitRegistry returns a LimitRegistry backed by the shipped
// per-status limits, with optional per-status overrides applied.
func NewStaticLimitRegistry(overrides map[types.SubscriptionStatus]QuotaLimits) LimitRegistry {
	m := make(map[types.SubscriptionStatus]QuotaLimits, len(limitDefaults))
	for status, limits := range limitDefaults {
		copied := make(QuotaLimits, len(limits))
		for k, v := range limits {
			copied[k] = v
		}
		m[status] = copied
	}
	for status, limits := range overrides {
		copied := make(QuotaLimits, len(limits))
		for k, v := range limits {
			copied[k] = v
		}
		m[status] = copied
	}
	return &staticLimitRegistry{limits: m}
}

// Limits returns the quota limits for the given status, falling back to
// the free-trial limits for unknown statuses.
func (r *staticLimitRegistry) Limits(status types.SubscriptionStatus) QuotaLimits {
	if limits, ok := r.limits[status]; ok {
		return limits
	}
	return r.limits[types.StatusLimitedFreeTrial]
}
