package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/internal/types"
)

// fakeSubStore is an in-memory SubscriptionStore with optimistic locking
// semantics, plus hooks for injecting conflicts.
type fakeSubStore struct {
	sub        *types.Subscription
	ensureErr  error
	updateErr  error
	conflictN  int // reject this many Updates with a stale-write conflict
	updates    int
	calls      *[]string
}

func (s *fakeSubStore) Ensure(_ context.Context, deviceKey string) (*types.Subscription, error) {
	if s.ensureErr != nil {
		return nil, s.ensureErr
	}
	if s.sub == nil {
		s.sub = &types.Subscription{
			DeviceKey: deviceKey,
			Status:    types.StatusLimitedFreeTrial,
		}
	}
	copied := *s.sub
	return &copied, nil
}

func (s *fakeSubStore) Update(_ context.Context, sub *types.Subscription, expectedVersion int64) error {
	if s.calls != nil {
		*s.calls = append(*s.calls, "update")
	}
	if s.updateErr != nil {
		return s.updateErr
	}
	if s.conflictN > 0 {
		s.conflictN--
		// Simulate the concurrent writer: the persisted version moved on.
		s.sub.StatusVersion = expectedVersion + 1
		return types.NewAppError(types.ErrCodeConflictStaleWrite, "concurrent write", nil)
	}
	if s.sub.StatusVersion != expectedVersion {
		return types.NewAppError(types.ErrCodeConflictStaleWrite, "concurrent write", nil)
	}
	copied := *sub
	s.sub = &copied
	s.updates++
	return nil
}

type fakeLedger struct {
	events     []types.ProviderEvent
	recordOut  types.RecordOutcome
	recordErr  error
	listErr    error
	processed  []string
}

func (l *fakeLedger) Record(_ context.Context, ev *types.ProviderEvent) (types.RecordOutcome, error) {
	if l.recordErr != nil {
		return "", l.recordErr
	}
	if l.recordOut == types.RecordDuplicate {
		return types.RecordDuplicate, nil
	}
	l.events = append(l.events, *ev)
	return types.RecordInserted, nil
}

func (l *fakeLedger) List(_ context.Context, deviceKey string) ([]types.ProviderEvent, error) {
	if l.listErr != nil {
		return nil, l.listErr
	}
	var out []types.ProviderEvent
	for _, ev := range l.events {
		if ev.DeviceKey != deviceKey || ev.Type == types.EventUnknown {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *fakeLedger) MarkProcessed(_ context.Context, ids []string, _ time.Time) error {
	l.processed = append(l.processed, ids...)
	return nil
}

type fakeInvalidator struct {
	keys  []string
	err   error
	calls *[]string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, deviceKey string) error {
	if f.calls != nil {
		*f.calls = append(*f.calls, "invalidate")
	}
	f.keys = append(f.keys, deviceKey)
	return f.err
}

func newTestResolver(subs *fakeSubStore, ledger *fakeLedger, cache *fakeInvalidator) *Resolver {
	return NewResolver(ResolverConfig{
		Subscriptions: subs,
		Ledger:        ledger,
		Cache:         cache,
		GraceWindow:   testGraceWindow,
		NowFn:         func() time.Time { return baseTime.Add(2 * time.Hour) },
	})
}

func TestResolver_Ingest_AppliesNewEvent(t *testing.T) {
	subs := &fakeSubStore{}
	ledger := &fakeLedger{}
	cache := &fakeInvalidator{}
	r := newTestResolver(subs, ledger, cache)

	ev := event("evt_1", types.EventCheckoutCompleted, baseTime)
	outcome, err := r.Ingest(context.Background(), &ev)
	require.NoError(t, err)
	assert.Equal(t, types.RecordInserted, outcome)

	assert.Equal(t, types.StatusPaidTrial, subs.sub.Status)
	assert.Equal(t, int64(1), subs.sub.StatusVersion)
	require.NotNil(t, subs.sub.LastEventAt)
	assert.Equal(t, baseTime, *subs.sub.LastEventAt)
	assert.Equal(t, []string{"evt_1"}, ledger.processed)
	assert.Equal(t, []string{ev.DeviceKey}, cache.keys)
}

func TestResolver_Ingest_DuplicateShortCircuits(t *testing.T) {
	subs := &fakeSubStore{}
	ledger := &fakeLedger{recordOut: types.RecordDuplicate}
	r := newTestResolver(subs, ledger, &fakeInvalidator{})

	ev := event("evt_1", types.EventCheckoutCompleted, baseTime)
	outcome, err := r.Ingest(context.Background(), &ev)
	require.NoError(t, err)
	assert.Equal(t, types.RecordDuplicate, outcome)
	assert.Equal(t, 0, subs.updates, "duplicates never touch the subscription")
}

func TestResolver_Resolve_UnchangedReplaySkipsWrite(t *testing.T) {
	subs := &fakeSubStore{}
	ledger := &fakeLedger{}
	r := newTestResolver(subs, ledger, &fakeInvalidator{})

	ev := event("evt_1", types.EventCheckoutCompleted, baseTime)
	_, err := r.Ingest(context.Background(), &ev)
	require.NoError(t, err)
	require.Equal(t, 1, subs.updates)

	// Re-resolving the same history converges to the same row.
	require.NoError(t, r.Resolve(context.Background(), ev.DeviceKey))
	assert.Equal(t, 1, subs.updates, "an unchanged derivation is not rewritten")
	assert.Equal(t, int64(1), subs.sub.StatusVersion)
}

func TestResolver_Ingest_UnknownTypeRecordedNotApplied(t *testing.T) {
	subs := &fakeSubStore{}
	ledger := &fakeLedger{}
	r := newTestResolver(subs, ledger, &fakeInvalidator{})

	ev := event("evt_1", types.EventUnknown, baseTime)
	ev.RawType = "customer.tax_id.created"
	outcome, err := r.Ingest(context.Background(), &ev)
	require.NoError(t, err)
	assert.Equal(t, types.RecordInserted, outcome)
	assert.Equal(t, 0, subs.updates)
	require.Len(t, ledger.events, 1, "retained for audit")
}

func TestResolver_Ingest_RecordFailureReturnsEmptyOutcome(t *testing.T) {
	ledger := &fakeLedger{recordErr: types.NewAppError(types.ErrCodeInternalDB, "insert failed", nil)}
	r := newTestResolver(&fakeSubStore{}, ledger, &fakeInvalidator{})

	ev := event("evt_1", types.EventCheckoutCompleted, baseTime)
	outcome, err := r.Ingest(context.Background(), &ev)
	require.Error(t, err)
	assert.Equal(t, types.RecordOutcome(""), outcome)
}

func TestResolver_Ingest_LateEarlierPaymentStillPromotes(t *testing.T) {
	// The subscription update (T1) is delivered first; the payment success
	// (T0) only arrives afterwards. Because every resolve replays the full
	// history in provider-timestamp order, the success lands in its slot
	// and the device ends up paid instead of losing the event for good.
	subs := &fakeSubStore{}
	ledger := &fakeLedger{}
	r := newTestResolver(subs, ledger, &fakeInvalidator{})

	updated := event("evt_upd", types.EventSubUpdated, baseTime.Add(time.Hour))
	_, err := r.Ingest(context.Background(), &updated)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLimitedFreeTrial, subs.sub.Status)

	success := event("evt_paid", types.EventInvoicePaid, baseTime)
	_, err = r.Ingest(context.Background(), &success)
	require.NoError(t, err)

	assert.Equal(t, types.StatusPaid, subs.sub.Status,
		"a payment delivered after a later-stamped event must still apply")
	require.NotNil(t, subs.sub.LastEventAt)
	assert.Equal(t, updated.ProviderCreatedAt, *subs.sub.LastEventAt)
}

func TestResolver_Ingest_LateEarlierFailureDoesNotRegress(t *testing.T) {
	// The success (T1) arrives first; the failure (T0) arrives second. The
	// replay applies the failure before the success, so the success stays
	// the final word.
	subs := &fakeSubStore{}
	ledger := &fakeLedger{}
	r := newTestResolver(subs, ledger, &fakeInvalidator{})

	success := event("evt_paid", types.EventInvoicePaid, baseTime.Add(time.Hour))
	_, err := r.Ingest(context.Background(), &success)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaid, subs.sub.Status)

	failure := event("evt_fail", types.EventPaymentFailed, baseTime)
	_, err = r.Ingest(context.Background(), &failure)
	require.NoError(t, err)

	assert.Equal(t, types.StatusPaid, subs.sub.Status, "older event must not regress the state")
	assert.Nil(t, subs.sub.GracePeriodExpiresAt)
}

func TestResolver_Resolve_RetriesOnStaleWriteConflict(t *testing.T) {
	subs := &fakeSubStore{conflictN: 1}
	ledger := &fakeLedger{}
	r := newTestResolver(subs, ledger, &fakeInvalidator{})

	ev := event("evt_1", types.EventCheckoutCompleted, baseTime)
	_, err := r.Ingest(context.Background(), &ev)
	require.NoError(t, err)
	assert.Equal(t, 1, subs.updates, "second attempt succeeds after re-deriving")
}

func TestResolver_Resolve_GivesUpAfterMaxAttempts(t *testing.T) {
	subs := &fakeSubStore{conflictN: maxResolveAttempts}
	ledger := &fakeLedger{}
	r := newTestResolver(subs, ledger, &fakeInvalidator{})

	ev := event("evt_1", types.EventCheckoutCompleted, baseTime)
	_, err := r.Ingest(context.Background(), &ev)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictStaleWrite, appErr.Code)
}

func TestResolver_Resolve_InvalidatesBeforeWrite(t *testing.T) {
	var order []string
	subs := &fakeSubStore{calls: &order}
	ledger := &fakeLedger{}
	cache := &fakeInvalidator{calls: &order}
	r := newTestResolver(subs, ledger, cache)

	ev := event("evt_1", types.EventCheckoutCompleted, baseTime)
	_, err := r.Ingest(context.Background(), &ev)
	require.NoError(t, err)

	require.Equal(t, []string{"invalidate", "update"}, order,
		"the cache entry must be gone before the new row is visible")
}

func TestResolver_Resolve_NoStatusChangeSkipsInvalidation(t *testing.T) {
	subs := &fakeSubStore{}
	ledger := &fakeLedger{}
	cache := &fakeInvalidator{}
	r := newTestResolver(subs, ledger, cache)

	// A payment failure on a free-trial device does not change status, but
	// the derived bookkeeping (last event, provider ids) still differs.
	ev := event("evt_1", types.EventPaymentFailed, baseTime)
	_, err := r.Ingest(context.Background(), &ev)
	require.NoError(t, err)
	assert.Empty(t, cache.keys)
	assert.Equal(t, 1, subs.updates, "the bookkeeping write still lands")
}

func TestResolver_Resolve_CacheFailureDoesNotBlockTransition(t *testing.T) {
	subs := &fakeSubStore{}
	ledger := &fakeLedger{}
	cache := &fakeInvalidator{err: errors.New("redis down")}
	r := newTestResolver(subs, ledger, cache)

	ev := event("evt_1", types.EventCheckoutCompleted, baseTime)
	_, err := r.Ingest(context.Background(), &ev)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaidTrial, subs.sub.Status)
}

func TestResolver_ExpireGrace(t *testing.T) {
	expiry := baseTime.Add(testGraceWindow)
	subs := &fakeSubStore{sub: &types.Subscription{
		DeviceKey:            "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6",
		Status:               types.StatusGracePeriod,
		GracePeriodExpiresAt: &expiry,
		StatusVersion:        2,
	}}
	cache := &fakeInvalidator{}
	r := NewResolver(ResolverConfig{
		Subscriptions: subs,
		Ledger:        &fakeLedger{},
		Cache:         cache,
		GraceWindow:   testGraceWindow,
		NowFn:         func() time.Time { return baseTime.Add(100 * time.Hour) },
	})

	err := r.ExpireGrace(context.Background(), "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6")
	require.NoError(t, err)
	assert.Equal(t, types.StatusLimitedFreeTrial, subs.sub.Status)
	assert.Equal(t, int64(3), subs.sub.StatusVersion)
	assert.Len(t, cache.keys, 1)
}

func TestResolver_ExpireGrace_NoopWhenNotExpired(t *testing.T) {
	expiry := baseTime.Add(testGraceWindow)
	subs := &fakeSubStore{sub: &types.Subscription{
		DeviceKey:            "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6",
		Status:               types.StatusGracePeriod,
		GracePeriodExpiresAt: &expiry,
	}}
	r := NewResolver(ResolverConfig{
		Subscriptions: subs,
		Ledger:        &fakeLedger{},
		GraceWindow:   testGraceWindow,
		NowFn:         func() time.Time { return baseTime.Add(time.Hour) },
	})

	err := r.ExpireGrace(context.Background(), "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6")
	require.NoError(t, err)
	assert.Equal(t, types.StatusGracePeriod, subs.sub.Status)
	assert.Equal(t, 0, subs.updates)
}
