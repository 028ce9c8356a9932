package billing

import (
	"time"

	"voicegate/internal/types"
)

// replayResult reports how the derived state differs from the persisted row.
type replayResult struct {
	// Changed is true when any replay-owned field differs from the
	// persisted row; unchanged replays skip the write entirely.
	Changed bool
	// StatusChanged is true when the subscription status differs from the
	// persisted state. Cache invalidation hinges on this.
	StatusChanged bool
}

// replay derives the subscription state from the device's complete event
// history, always starting over from the initial limited_free_trial state.
// That makes the result a pure function of (ordered events, now): an event
// delivered late but timestamped early lands in its chronological slot and
// still determines the outcome, and re-running after a concurrent-write
// conflict is safe.
//
// A grace window that already elapsed with no later success is demoted
// during the replay itself; otherwise every resolve would resurrect a
// grace period the sweep had expired.
//
// Callers must pass events already sorted by sortChronological.
func replay(sub *types.Subscription, events []types.ProviderEvent, graceWindow time.Duration, now time.Time) (*types.Subscription, replayResult) {
	next := *sub
	next.Status = types.StatusLimitedFreeTrial
	next.TrialStartedAt = nil
	next.GracePeriodExpiresAt = nil
	next.LastEventAt = nil
	next.ProviderCustomerID = nil
	next.ProviderSubscriptionID = nil

	for i := range events {
		ev := &events[i]
		applyEvent(&next, ev, graceWindow)
		next.LastEventAt = timePtr(ev.ProviderCreatedAt)
	}

	if next.Status == types.StatusGracePeriod &&
		next.GracePeriodExpiresAt != nil &&
		!now.Before(*next.GracePeriodExpiresAt) {
		next.Status = types.StatusLimitedFreeTrial
		next.GracePeriodExpiresAt = nil
	}

	res := replayResult{StatusChanged: next.Status != sub.Status}
	res.Changed = res.StatusChanged ||
		!timePtrEqual(next.TrialStartedAt, sub.TrialStartedAt) ||
		!timePtrEqual(next.GracePeriodExpiresAt, sub.GracePeriodExpiresAt) ||
		!timePtrEqual(next.LastEventAt, sub.LastEventAt) ||
		!strPtrEqual(next.ProviderCustomerID, sub.ProviderCustomerID) ||
		!strPtrEqual(next.ProviderSubscriptionID, sub.ProviderSubscriptionID)
	if res.Changed {
		next.StatusVersion = sub.StatusVersion + 1
	}
	return &next, res
}

// applyEvent mutates next according to one event. Transition rules:
//
//   - checkout.session.completed: limited_free_trial -> paid_trial (first
//     successful checkout); always captures provider identifiers.
//   - invoice.payment_succeeded: any state -> paid. This is the sole
//     authoritative signal for paid.
//   - invoice.payment_failed: paid_trial/paid -> grace_period with the
//     grace timer anchored at the event's provider timestamp. The
//     billing-problem condition and its timer are recorded in the same
//     transition; an existing unexpired timer is never extended by a
//     repeated failure.
//   - customer.subscription.updated: refreshes provider identifiers only.
//     A subscription marked active is necessary-but-not-sufficient for
//     paid and must never promote on its own.
//   - customer.subscription.deleted: any state -> limited_free_trial.
//   - reconciler.sync: sets the authoritative status read from the
//     provider.
func applyEvent(next *types.Subscription, ev *types.ProviderEvent, graceWindow time.Duration) {
	details := decodeDetails(ev)
	captureProviderIDs(next, details)

	switch ev.Type {
	case types.EventCheckoutCompleted:
		if next.Status == types.StatusLimitedFreeTrial {
			next.Status = types.StatusPaidTrial
			next.TrialStartedAt = timePtr(ev.ProviderCreatedAt)
		}

	case types.EventInvoicePaid:
		next.Status = types.StatusPaid
		next.GracePeriodExpiresAt = nil

	case types.EventPaymentFailed:
		switch next.Status {
		case types.StatusPaidTrial, types.StatusPaid:
			next.Status = types.StatusGracePeriod
			next.GracePeriodExpiresAt = timePtr(ev.ProviderCreatedAt.Add(graceWindow))
		case types.StatusGracePeriod, types.StatusBillingProblem:
			// Timer already running; a further failure changes nothing.
		default:
			// A failure for a device that never paid carries no transition.
		}

	case types.EventSubUpdated:
		// Identifiers only, captured above.

	case types.EventSubDeleted:
		next.Status = types.StatusLimitedFreeTrial
		next.GracePeriodExpiresAt = nil
		next.ProviderSubscriptionID = nil

	case types.EventReconcilerSync:
		if details.Status != "" {
			next.Status = details.Status
			switch details.Status {
			case types.StatusGracePeriod, types.StatusBillingProblem:
				if next.GracePeriodExpiresAt == nil {
					next.GracePeriodExpiresAt = timePtr(ev.ProviderCreatedAt.Add(graceWindow))
				}
			default:
				next.GracePeriodExpiresAt = nil
			}
		}
	}
}

// expireGrace transitions an expired grace period to limited_free_trial.
// Returns false when the subscription is not in an expired grace window.
func expireGrace(sub *types.Subscription, now time.Time) (*types.Subscription, bool) {
	if sub.Status != types.StatusGracePeriod ||
		sub.GracePeriodExpiresAt == nil ||
		now.Before(*sub.GracePeriodExpiresAt) {
		return sub, false
	}
	next := *sub
	next.Status = types.StatusLimitedFreeTrial
	next.GracePeriodExpiresAt = nil
	next.StatusVersion = sub.StatusVersion + 1
	return &next, true
}

func captureProviderIDs(next *types.Subscription, details eventDetails) {
	if details.CustomerID != "" {
		next.ProviderCustomerID = strPtr(details.CustomerID)
	}
	if details.SubscriptionID != "" {
		next.ProviderSubscriptionID = strPtr(details.SubscriptionID)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
