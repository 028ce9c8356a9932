// Package types defines the shared domain model for the voicegate billing
// engine: subscriptions, provider events, quota buckets, and the error
// taxonomy used across all packages.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Subscription is the single per-device row holding subscription truth.
// Status transitions flow only through the state machine; StatusVersion is
// a monotonic counter used to reject stale concurrent writes, and
// LastEventAt is the provider timestamp of the newest event applied by the
// last replay. Informational; the resolver never filters the ledger by it.
type Subscription struct {
	DeviceKey              string             `json:"device_key"`
	Status                 SubscriptionStatus `json:"status"`
	ProviderCustomerID     *string            `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID *string            `json:"provider_subscription_id,omitempty"`
	TrialStartedAt         *time.Time         `json:"trial_started_at,omitempty"`
	GracePeriodExpiresAt   *time.Time         `json:"grace_period_expires_at,omitempty"`
	StatusVersion          int64              `json:"status_version"`
	LastEventAt            *time.Time         `json:"last_event_at,omitempty"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// InGrace reports whether the subscription currently sits inside an
// unexpired grace window.
func (s *Subscription) InGrace(now time.Time) bool {
	return s.Status == StatusGracePeriod &&
		s.GracePeriodExpiresAt != nil &&
		now.Before(*s.GracePeriodExpiresAt)
}

// ProviderEvent is one row of the append-only event ledger. ProviderEventID
// is the idempotency key; ProviderCreatedAt is the authoritative ordering
// timestamp (never ingestion time).
type ProviderEvent struct {
	ProviderEventID   string          `json:"provider_event_id"`
	DeviceKey         string          `json:"device_key"`
	Type              EventType       `json:"event_type"`
	RawType           string          `json:"raw_type,omitempty"` // original provider string for unknown types
	ProviderCreatedAt time.Time       `json:"provider_created_at"`
	Payload           json.RawMessage `json:"payload"`
	ReceivedAt        time.Time       `json:"received_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
}

// QuotaUsage is one per-device, per-period usage bucket. Count is never
// decremented; a period rollover opens a new bucket instead. LimitSnapshot
// freezes the limit in effect when the bucket was opened so mid-period plan
// changes cannot retroactively deny usage already granted.
type QuotaUsage struct {
	DeviceKey     string     `json:"device_key"`
	PeriodKind    PeriodKind `json:"period_kind"`
	PeriodKey     string     `json:"period_key"`
	Count         int        `json:"count"`
	LimitSnapshot int        `json:"limit_snapshot"`
}

// Remaining returns the unused portion of the bucket. A zero LimitSnapshot
// means unlimited and reports -1.
func (q *QuotaUsage) Remaining() int {
	if q.LimitSnapshot == 0 {
		return -1
	}
	r := q.LimitSnapshot - q.Count
	if r < 0 {
		return 0
	}
	return r
}

// PeriodKeyFor formats the bucket key for a period kind at the given instant.
// Keys are UTC: "2006-01-02" daily, ISO week "2006-W02" weekly, "2006-01"
// monthly.
func PeriodKeyFor(kind PeriodKind, at time.Time) string {
	at = at.UTC()
	switch kind {
	case PeriodDaily:
		return at.Format("2006-01-02")
	case PeriodWeekly:
		year, week := at.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case PeriodMonthly:
		return at.Format("2006-01")
	default:
		return at.Format("2006-01-02")
	}
}

// CachedContext is the ephemeral read-through cache value consumed by the
// gate: combined subscription status plus remaining quota per period.
// It is never a source of truth; absence always triggers a fresh read.
type CachedContext struct {
	DeviceKey            string                 `json:"device_key"`
	Status               SubscriptionStatus     `json:"status"`
	GracePeriodExpiresAt *time.Time             `json:"grace_period_expires_at,omitempty"`
	QuotaRemaining       map[PeriodKind]int     `json:"quota_remaining_by_period"`
	CachedAt             time.Time              `json:"cached_at"`
}

// QuotaExhausted reports whether any period bucket has zero remaining.
// A remaining value of -1 means unlimited for that period.
func (c *CachedContext) QuotaExhausted() bool {
	for _, remaining := range c.QuotaRemaining {
		if remaining == 0 {
			return true
		}
	}
	return false
}

// Decision is the gate's answer for a single serving request.
type Decision struct {
	Allowed bool               `json:"allowed"`
	Reason  DenyReason         `json:"reason,omitempty"`
	Status  SubscriptionStatus `json:"status"`
}

// Allow builds an allowing decision for the given status.
func Allow(status SubscriptionStatus) Decision {
	return Decision{Allowed: true, Status: status}
}

// Deny builds a denying decision with the given reason.
func Deny(status SubscriptionStatus, reason DenyReason) Decision {
	return Decision{Allowed: false, Reason: reason, Status: status}
}
