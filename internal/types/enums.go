package types

// SubscriptionStatus is the access tier of a device, derived exclusively from
// provider events by the state machine. No other component writes it.
type SubscriptionStatus string

const (
	// StatusLimitedFreeTrial is the initial state on first contact and the
	// state a device falls back to when a grace period expires unrecovered.
	StatusLimitedFreeTrial SubscriptionStatus = "limited_free_trial"

	// StatusPaidTrial is entered on the first successful checkout.
	StatusPaidTrial SubscriptionStatus = "paid_trial"

	// StatusPaid is entered only on an authoritative payment-success signal.
	StatusPaid SubscriptionStatus = "paid"

	// StatusBillingProblem records a payment failure. It always carries a
	// grace timer; see StatusGracePeriod.
	StatusBillingProblem SubscriptionStatus = "billing_problem"

	// StatusGracePeriod is the timed sub-state entered atomically with a
	// payment failure. Access is preserved until grace_period_expires_at.
	StatusGracePeriod SubscriptionStatus = "grace_period"
)

// Transitional reports whether the status is one the reconciler treats as
// unsettled: a device parked here with no recent events is a candidate for
// an authoritative resync against the provider.
func (s SubscriptionStatus) Transitional() bool {
	return s == StatusBillingProblem || s == StatusGracePeriod
}

// EventType identifies a provider webhook event. The set is closed: anything
// outside it is carried as EventUnknown with the raw type preserved.
type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.session.completed"
	EventInvoicePaid       EventType = "invoice.payment_succeeded"
	EventPaymentFailed     EventType = "invoice.payment_failed"
	EventSubUpdated        EventType = "customer.subscription.updated"
	EventSubDeleted        EventType = "customer.subscription.deleted"

	// EventReconcilerSync is the synthetic event type the reconciler feeds
	// through the state machine after an authoritative provider read.
	EventReconcilerSync EventType = "reconciler.sync"

	// EventUnknown tags event types we do not recognize. They are recorded
	// in the ledger for audit and never applied.
	EventUnknown EventType = "unknown"
)

// Known reports whether the event type participates in winner resolution.
func (t EventType) Known() bool {
	switch t {
	case EventCheckoutCompleted, EventInvoicePaid, EventPaymentFailed,
		EventSubUpdated, EventSubDeleted, EventReconcilerSync:
		return true
	}
	return false
}

// PeriodKind is the granularity of a quota bucket.
type PeriodKind string

const (
	PeriodDaily   PeriodKind = "daily"
	PeriodWeekly  PeriodKind = "weekly"
	PeriodMonthly PeriodKind = "monthly"
)

// AllPeriodKinds lists every granularity the quota checker enforces,
// in the order buckets are locked (stable order avoids lock inversion).
var AllPeriodKinds = []PeriodKind{PeriodDaily, PeriodWeekly, PeriodMonthly}

// DenyReason explains a gate denial. These are the only user-visible
// failures the engine produces.
type DenyReason string

const (
	DenyQuotaExceeded        DenyReason = "quota_exceeded"
	DenySubscriptionRequired DenyReason = "subscription_required"
)

// RecordOutcome is the result of an event ledger insert.
type RecordOutcome string

const (
	// RecordInserted means the event was new and persisted.
	RecordInserted RecordOutcome = "inserted"
	// RecordDuplicate means the provider redelivered an event we already
	// hold. This is an idempotent success, never an error.
	RecordDuplicate RecordOutcome = "duplicate_ignored"
)
