package scheduler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/internal/config"
	"voicegate/internal/external"
	"voicegate/internal/types"
)

const testDeviceKey = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeScanner struct {
	mu      sync.Mutex
	subs    map[string]*types.Subscription
	stale   []string
	expired []string
	ensErr  error
}

func (f *fakeScanner) Ensure(_ context.Context, deviceKey string) (*types.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensErr != nil {
		return nil, f.ensErr
	}
	if sub, ok := f.subs[deviceKey]; ok {
		return sub, nil
	}
	return &types.Subscription{DeviceKey: deviceKey, Status: types.StatusLimitedFreeTrial}, nil
}

func (f *fakeScanner) ListStaleTransitional(context.Context, time.Time, int) ([]string, error) {
	return f.stale, nil
}

func (f *fakeScanner) ListExpiredGrace(context.Context, time.Time, int) ([]string, error) {
	return f.expired, nil
}

type fakeProvider struct {
	mu      sync.Mutex
	state   *external.ProviderState
	err     error
	fetched []string
}

func (f *fakeProvider) FetchSubscriptionState(_ context.Context, subID string) (*external.ProviderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, subID)
	return f.state, f.err
}

type fakeResolver struct {
	mu       sync.Mutex
	ingested []*types.ProviderEvent
	resolved []string
	expired  []string
	ingErr   error
	resErr   error
	expErr   error
}

func (f *fakeResolver) Ingest(_ context.Context, ev *types.ProviderEvent) (types.RecordOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, ev)
	if f.ingErr != nil {
		return "", f.ingErr
	}
	return types.RecordInserted, nil
}

func (f *fakeResolver) Resolve(_ context.Context, deviceKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, deviceKey)
	return f.resErr
}

func (f *fakeResolver) ExpireGrace(_ context.Context, deviceKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, deviceKey)
	return f.expErr
}

type fakeInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, deviceKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, deviceKey)
	return nil
}

func strPtr(s string) *string { return &s }

func newTestReconciler(subs *fakeScanner, provider *fakeProvider, resolver *fakeResolver, cache *fakeInvalidator) *Reconciler {
	return New(Config{
		Subscriptions: subs,
		Provider:      provider,
		Resolver:      resolver,
		Cache:         cache,
		Reconcile: config.ReconcileConfig{
			Interval:       time.Minute,
			StaleAfter:     time.Hour,
			ScanBatchSize:  100,
			MaxConcurrency: 4,
		},
		NowFn:  func() time.Time { return testNow },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestResyncDevice_FeedsProviderStateThroughLedger(t *testing.T) {
	subs := &fakeScanner{subs: map[string]*types.Subscription{
		testDeviceKey: {
			DeviceKey:              testDeviceKey,
			Status:                 types.StatusBillingProblem,
			ProviderCustomerID:     strPtr("cus_1"),
			ProviderSubscriptionID: strPtr("sub_1"),
		},
	}}
	provider := &fakeProvider{state: &external.ProviderState{
		Status:         types.StatusPaid,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		AsOf:           testNow,
	}}
	resolver := &fakeResolver{}
	cache := &fakeInvalidator{}
	rc := newTestReconciler(subs, provider, resolver, cache)

	require.NoError(t, rc.ResyncDevice(context.Background(), testDeviceKey))

	assert.Equal(t, []string{"sub_1"}, provider.fetched)
	require.Len(t, resolver.ingested, 1)
	ev := resolver.ingested[0]
	assert.Equal(t, types.EventReconcilerSync, ev.Type)
	assert.Equal(t, testDeviceKey, ev.DeviceKey)
	assert.True(t, strings.HasPrefix(ev.ProviderEventID, "resync_"))
	assert.True(t, testNow.Equal(ev.ProviderCreatedAt))
	assert.Equal(t, []string{testDeviceKey}, cache.keys, "resync always drops the cached context")
}

func TestResyncDevice_NoProviderSubscriptionReplaysLedger(t *testing.T) {
	subs := &fakeScanner{subs: map[string]*types.Subscription{
		testDeviceKey: {DeviceKey: testDeviceKey, Status: types.StatusLimitedFreeTrial},
	}}
	provider := &fakeProvider{}
	resolver := &fakeResolver{}
	cache := &fakeInvalidator{}
	rc := newTestReconciler(subs, provider, resolver, cache)

	require.NoError(t, rc.ResyncDevice(context.Background(), testDeviceKey))

	assert.Empty(t, provider.fetched, "nothing to ask the provider about")
	assert.Equal(t, []string{testDeviceKey}, resolver.resolved)
	assert.Equal(t, []string{testDeviceKey}, cache.keys)
}

func TestResyncDevice_ProviderFailureSurfaces(t *testing.T) {
	subs := &fakeScanner{subs: map[string]*types.Subscription{
		testDeviceKey: {
			DeviceKey:              testDeviceKey,
			Status:                 types.StatusBillingProblem,
			ProviderSubscriptionID: strPtr("sub_1"),
		},
	}}
	provider := &fakeProvider{err: types.NewAppError(types.ErrCodeUpstreamProvider, "timeout", nil)}
	resolver := &fakeResolver{}
	rc := newTestReconciler(subs, provider, resolver, &fakeInvalidator{})

	err := rc.ResyncDevice(context.Background(), testDeviceKey)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamProvider, appErr.Code)
	assert.Empty(t, resolver.ingested)
}

func TestSweep_ResyncsStaleAndExpiresGrace(t *testing.T) {
	staleKey := "b1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"
	graceKey := "c1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"

	subs := &fakeScanner{
		subs: map[string]*types.Subscription{
			staleKey: {
				DeviceKey:              staleKey,
				Status:                 types.StatusBillingProblem,
				ProviderSubscriptionID: strPtr("sub_stale"),
			},
		},
		stale:   []string{staleKey},
		expired: []string{graceKey},
	}
	provider := &fakeProvider{state: &external.ProviderState{
		Status:         types.StatusPaid,
		SubscriptionID: "sub_stale",
		AsOf:           testNow,
	}}
	resolver := &fakeResolver{}
	cache := &fakeInvalidator{}
	rc := newTestReconciler(subs, provider, resolver, cache)

	rc.Sweep(context.Background())

	assert.Equal(t, []string{"sub_stale"}, provider.fetched)
	assert.Len(t, resolver.ingested, 1)
	assert.Equal(t, []string{graceKey}, resolver.expired)
	assert.Contains(t, cache.keys, staleKey)
	assert.Contains(t, cache.keys, graceKey, "expired grace drops the cached context")
}

func TestSweep_PerDeviceFailuresDoNotStopThePass(t *testing.T) {
	badKey := "d1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"
	goodKey := "e1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"

	subs := &fakeScanner{
		subs: map[string]*types.Subscription{
			badKey: {
				DeviceKey:              badKey,
				Status:                 types.StatusGracePeriod,
				ProviderSubscriptionID: strPtr("sub_bad"),
			},
			goodKey: {DeviceKey: goodKey, Status: types.StatusGracePeriod},
		},
		stale: []string{badKey, goodKey},
	}
	// Provider errors for every fetch; only badKey has a subscription id, so
	// goodKey still converges via ledger replay.
	provider := &fakeProvider{err: types.NewAppError(types.ErrCodeUpstreamProvider, "down", nil)}
	resolver := &fakeResolver{}
	rc := newTestReconciler(subs, provider, resolver, &fakeInvalidator{})

	rc.Sweep(context.Background())

	assert.Equal(t, []string{goodKey}, resolver.resolved)
}

func TestSweep_GraceExpiryFailureSkipsInvalidation(t *testing.T) {
	graceKey := testDeviceKey
	subs := &fakeScanner{expired: []string{graceKey}}
	resolver := &fakeResolver{expErr: types.NewAppError(types.ErrCodeConflictStaleWrite, "stale", nil)}
	cache := &fakeInvalidator{}
	rc := newTestReconciler(subs, &fakeProvider{}, resolver, cache)

	rc.Sweep(context.Background())

	assert.Equal(t, []string{graceKey}, resolver.expired)
	assert.Empty(t, cache.keys, "nothing changed, nothing to invalidate")
}

func TestRunPeriodic_SweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	subs := &fakeScanner{expired: []string{testDeviceKey}}
	resolver := &fakeResolver{}
	rc := newTestReconciler(subs, &fakeProvider{}, resolver, &fakeInvalidator{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rc.RunPeriodic(ctx) }()

	require.Eventually(t, func() bool {
		resolver.mu.Lock()
		defer resolver.mu.Unlock()
		return len(resolver.expired) > 0
	}, time.Second, 5*time.Millisecond, "first sweep runs before the first tick")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("RunPeriodic did not stop on cancel")
	}
}
