// Package scheduler runs the background reconciliation loops that keep local
// subscription state converged with the billing provider: the stale-device
// sweep, the grace-period expiry sweep, and on-demand device resyncs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"voicegate/internal/billing"
	"voicegate/internal/config"
	"voicegate/internal/external"
	"voicegate/internal/types"
)

// SubscriptionScanner is the subset of the subscription repository the
// reconciler needs: row lookup plus the two sweep queries.
type SubscriptionScanner interface {
	Ensure(ctx context.Context, deviceKey string) (*types.Subscription, error)
	ListStaleTransitional(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// StateResolver feeds synthetic events through the same ledger path real
// webhooks take. Implemented by *billing.Resolver.
type StateResolver interface {
	Ingest(ctx context.Context, ev *types.ProviderEvent) (types.RecordOutcome, error)
	Resolve(ctx context.Context, deviceKey string) error
	ExpireGrace(ctx context.Context, deviceKey string) error
}

// CacheInvalidator drops a device's cached serving context.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, deviceKey string) error
}

// Reconciler converges local subscription rows with provider truth.
type Reconciler struct {
	subs     SubscriptionScanner
	provider external.ProviderReader
	resolver StateResolver
	cache    CacheInvalidator
	cfg      config.ReconcileConfig
	nowFn    func() time.Time
	logger   *slog.Logger
}

// Config bundles the Reconciler's dependencies.
type Config struct {
	Subscriptions SubscriptionScanner
	Provider      external.ProviderReader
	Resolver      StateResolver
	Cache         CacheInvalidator
	Reconcile     config.ReconcileConfig
	NowFn         func() time.Time
	Logger        *slog.Logger
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		subs:     cfg.Subscriptions,
		provider: cfg.Provider,
		resolver: cfg.Resolver,
		cache:    cfg.Cache,
		cfg:      cfg.Reconcile,
		nowFn:    nowFn,
		logger:   logger,
	}
}

// ResyncDevice fetches the device's current state from the billing provider
// and feeds it through the event ledger as a synthetic sync event, so the
// resync obeys the same ordering and idempotency rules as real webhooks.
// Devices with no provider subscription on file get a ledger replay only.
func (rc *Reconciler) ResyncDevice(ctx context.Context, deviceKey string) error {
	sub, err := rc.subs.Ensure(ctx, deviceKey)
	if err != nil {
		return err
	}

	if sub.ProviderSubscriptionID == nil || *sub.ProviderSubscriptionID == "" {
		// Nothing to ask the provider about. Replay any unapplied ledger
		// events so the row still converges.
		rc.logger.InfoContext(ctx, "resync without provider subscription, replaying ledger",
			"device_key", deviceKey,
			"status", sub.Status,
		)
		if err := rc.resolver.Resolve(ctx, deviceKey); err != nil {
			return err
		}
		rc.invalidate(ctx, deviceKey)
		return nil
	}

	state, err := rc.provider.FetchSubscriptionState(ctx, *sub.ProviderSubscriptionID)
	if err != nil {
		return err
	}

	customerID := ""
	if sub.ProviderCustomerID != nil {
		customerID = *sub.ProviderCustomerID
	}
	if state.CustomerID != "" {
		customerID = state.CustomerID
	}

	ev, err := billing.NewReconcilerSyncEvent(
		"resync_"+uuid.NewString(),
		deviceKey,
		state.Status,
		customerID,
		state.SubscriptionID,
		state.AsOf,
	)
	if err != nil {
		return err
	}

	if _, err := rc.resolver.Ingest(ctx, ev); err != nil {
		return err
	}

	// The sync event already invalidated on a status change; invalidate
	// again unconditionally so a resync always discards cached quota too.
	rc.invalidate(ctx, deviceKey)

	rc.logger.InfoContext(ctx, "device resynced",
		"device_key", deviceKey,
		"provider_status", state.Status,
	)
	return nil
}

// RunPeriodic runs the sweep loop until the context is canceled. Each tick
// resyncs devices stuck in a transitional status and expires lapsed grace
// periods.
func (rc *Reconciler) RunPeriodic(ctx context.Context) error {
	ticker := time.NewTicker(rc.cfg.Interval)
	defer ticker.Stop()

	// Run one sweep immediately so a restarted worker does not wait a full
	// interval to catch up.
	rc.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rc.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass. Per-device failures are logged and
// skipped; the device stays eligible for the next pass.
func (rc *Reconciler) Sweep(ctx context.Context) {
	now := rc.nowFn().UTC()

	rc.sweepStale(ctx, now)
	rc.sweepGrace(ctx, now)
}

func (rc *Reconciler) sweepStale(ctx context.Context, now time.Time) {
	cutoff := now.Add(-rc.cfg.StaleAfter)
	keys, err := rc.subs.ListStaleTransitional(ctx, cutoff, rc.cfg.ScanBatchSize)
	if err != nil {
		rc.logger.ErrorContext(ctx, "stale subscription scan failed", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}

	rc.logger.InfoContext(ctx, "resyncing stale transitional subscriptions",
		"count", len(keys),
		"cutoff", cutoff,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.cfg.MaxConcurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := rc.ResyncDevice(gctx, key); err != nil {
				rc.logger.ErrorContext(gctx, "stale device resync failed",
					"device_key", key,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (rc *Reconciler) sweepGrace(ctx context.Context, now time.Time) {
	keys, err := rc.subs.ListExpiredGrace(ctx, now, rc.cfg.ScanBatchSize)
	if err != nil {
		rc.logger.ErrorContext(ctx, "expired grace scan failed", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}

	rc.logger.InfoContext(ctx, "expiring lapsed grace periods", "count", len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.cfg.MaxConcurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := rc.resolver.ExpireGrace(gctx, key); err != nil {
				rc.logger.ErrorContext(gctx, "grace expiry failed",
					"device_key", key,
					"error", err,
				)
				return nil
			}
			rc.invalidate(gctx, key)
			return nil
		})
	}
	_ = g.Wait()
}

func (rc *Reconciler) invalidate(ctx context.Context, deviceKey string) {
	if rc.cache == nil {
		return
	}
	if err := rc.cache.Invalidate(ctx, deviceKey); err != nil {
		rc.logger.WarnContext(ctx, "cache invalidation failed during reconcile",
			"device_key", deviceKey,
			"error", err,
		)
	}
}
