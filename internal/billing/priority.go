package billing

import (
	"sort"

	"voicegate/internal/types"
)

// PriorityTable decides the winner when two events for the same device carry
// the same provider timestamp. Higher rank wins: within a timestamp tie the
// resolver applies events in ascending rank so the highest-ranked event is
// applied last and drives the resulting state.
//
// The defaults encode provider semantics: a payment success always outranks
// a payment failure for the same billing cycle, and both outrank a bare
// subscription-updated notification. The table is policy, not mechanism;
// deployments override it via NewPriorityTable.
type PriorityTable map[types.EventType]int

// defaultPriorities is the shipped ranking. Unlisted types rank 0.
var defaultPriorities = PriorityTable{
	types.EventReconcilerSync:    100,
	types.EventInvoicePaid:       90,
	types.EventCheckoutCompleted: 80,
	types.EventPaymentFailed:     70,
	types.EventSubDeleted:        60,
	types.EventSubUpdated:        50,
}

// NewPriorityTable returns the default table with the given overrides
// applied. Passing nil yields the defaults.
func NewPriorityTable(overrides map[types.EventType]int) PriorityTable {
	t := make(PriorityTable, len(defaultPriorities)+len(overrides))
	for k, v := range defaultPriorities {
		t[k] = v
	}
	for k, v := range overrides {
		t[k] = v
	}
	return t
}

// Rank returns the priority rank for an event type. Unknown types rank 0.
func (t PriorityTable) Rank(et types.EventType) int {
	return t[et]
}

// sortChronological orders events by provider_created_at ascending,
// tie-breaking equal timestamps by ascending rank so the winner applies
// last. Ingestion order never participates.
func sortChronological(events []types.ProviderEvent, priorities PriorityTable) {
	sort.SliceStable(events, func(i, j int) bool {
		ti, tj := events[i].ProviderCreatedAt, events[j].ProviderCreatedAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return priorities.Rank(events[i].Type) < priorities.Rank(events[j].Type)
	})
}
