package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"voicegate/internal/types"
)

// maxResolveAttempts bounds the re-derivation loop on concurrent-write
// conflicts. Each retry restarts from the freshly persisted state, so a
// small bound suffices: losing the race twice in a row means another
// resolver already applied this device's events.
const maxResolveAttempts = 3

// SubscriptionStore is the persistence surface the resolver writes through.
// It is the only component that calls Update; that is what makes the
// resolver the single writer of subscription status for both the webhook
// flow and the reconciler.
type SubscriptionStore interface {
	// Ensure returns the device's subscription row, creating it in
	// limited_free_trial on first contact.
	Ensure(ctx context.Context, deviceKey string) (*types.Subscription, error)

	// Update persists a transition while status_version still equals
	// expectedVersion; otherwise returns ErrCodeConflictStaleWrite.
	Update(ctx context.Context, sub *types.Subscription, expectedVersion int64) error
}

// EventLedger is the append-only idempotent event store.
type EventLedger interface {
	Record(ctx context.Context, ev *types.ProviderEvent) (types.RecordOutcome, error)
	List(ctx context.Context, deviceKey string) ([]types.ProviderEvent, error)
	MarkProcessed(ctx context.Context, eventIDs []string, at time.Time) error
}

// CacheInvalidator deletes a device's cached gate context. Invalidation is
// best-effort: an unreachable cache must never block a status transition,
// the TTL is the backstop.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, deviceKey string) error
}

// Resolver ingests provider events and re-derives subscription state from
// the ledger. After every insert it replays the device's full event history
// in provider-timestamp order (never arrival order) from the initial state,
// so an event delivered late but timestamped early still determines the
// outcome no matter how far the subscription has already advanced.
type Resolver struct {
	subs        SubscriptionStore
	ledger      EventLedger
	cache       CacheInvalidator
	priorities  PriorityTable
	graceWindow time.Duration
	nowFn       func() time.Time
	logger      *slog.Logger
}

// ResolverConfig holds the dependencies for creating a Resolver.
type ResolverConfig struct {
	Subscriptions SubscriptionStore
	Ledger        EventLedger
	Cache         CacheInvalidator
	Priorities    PriorityTable
	GraceWindow   time.Duration
	NowFn         func() time.Time
	Logger        *slog.Logger
}

// NewResolver creates a Resolver. A nil Priorities table uses the defaults;
// a nil NowFn uses time.Now.
func NewResolver(cfg ResolverConfig) *Resolver {
	priorities := cfg.Priorities
	if priorities == nil {
		priorities = NewPriorityTable(nil)
	}
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		subs:        cfg.Subscriptions,
		ledger:      cfg.Ledger,
		cache:       cfg.Cache,
		priorities:  priorities,
		graceWindow: cfg.GraceWindow,
		nowFn:       nowFn,
		logger:      logger,
	}
}

// Ingest records one provider event and, if it is new and of a known type,
// re-resolves the device's subscription state. Duplicate deliveries are
// acknowledged with no state change; unknown types are retained for audit
// and never applied.
func (r *Resolver) Ingest(ctx context.Context, ev *types.ProviderEvent) (types.RecordOutcome, error) {
	outcome, err := r.ledger.Record(ctx, ev)
	if err != nil {
		return "", err
	}
	if outcome == types.RecordDuplicate {
		return outcome, nil
	}
	if ev.Type == types.EventUnknown {
		r.logger.InfoContext(ctx, "unknown event type recorded, not applied",
			"provider_event_id", ev.ProviderEventID,
			"raw_type", ev.RawType,
			"device_key", ev.DeviceKey,
		)
		return outcome, nil
	}

	if err := r.Resolve(ctx, ev.DeviceKey); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// Resolve re-derives the device's subscription state by replaying its full
// event history from the initial state. The replay is a pure function of
// (ordered events, now): it converges to the same answer whether an event
// arrived in order or weeks late, and re-running it is always safe, which
// is what makes the stale-write retry loop and duplicate deliveries
// harmless. Unchanged derivations skip the write.
func (r *Resolver) Resolve(ctx context.Context, deviceKey string) error {
	var lastErr error
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		sub, err := r.subs.Ensure(ctx, deviceKey)
		if err != nil {
			return err
		}

		events, err := r.ledger.List(ctx, deviceKey)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		sortChronological(events, r.priorities)
		next, res := replay(sub, events, r.graceWindow, r.nowFn())
		if !res.Changed {
			r.markProcessed(ctx, events)
			return nil
		}

		// Invalidate-then-write: a reader racing this transition may
		// rebuild from the old row, but never observe an entry computed
		// from data older than this invalidation once the write lands.
		if res.StatusChanged {
			r.invalidate(ctx, deviceKey)
		}

		if err := r.subs.Update(ctx, next, sub.StatusVersion); err != nil {
			var appErr *types.AppError
			if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictStaleWrite {
				lastErr = err
				continue
			}
			return err
		}

		r.markProcessed(ctx, events)

		if res.StatusChanged {
			r.logger.InfoContext(ctx, "subscription status transition",
				"device_key", deviceKey,
				"from", string(sub.Status),
				"to", string(next.Status),
				"status_version", next.StatusVersion,
				"events_applied", len(events),
			)
		}
		return nil
	}
	return lastErr
}

// ExpireGrace demotes a device whose grace window elapsed with no
// intervening success to limited_free_trial. Invoked by the reconciler
// sweep; uses the same optimistic write path as event resolution.
func (r *Resolver) ExpireGrace(ctx context.Context, deviceKey string) error {
	var lastErr error
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		sub, err := r.subs.Ensure(ctx, deviceKey)
		if err != nil {
			return err
		}
		next, expired := expireGrace(sub, r.nowFn())
		if !expired {
			return nil
		}

		r.invalidate(ctx, deviceKey)

		if err := r.subs.Update(ctx, next, sub.StatusVersion); err != nil {
			var appErr *types.AppError
			if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictStaleWrite {
				lastErr = err
				continue
			}
			return err
		}

		r.logger.InfoContext(ctx, "grace period expired",
			"device_key", deviceKey,
			"expired_at", sub.GracePeriodExpiresAt,
		)
		return nil
	}
	return lastErr
}

func (r *Resolver) invalidate(ctx context.Context, deviceKey string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, deviceKey); err != nil {
		r.logger.WarnContext(ctx, "cache invalidation failed, relying on TTL",
			"device_key", deviceKey,
			"error", err,
		)
	}
}

func (r *Resolver) markProcessed(ctx context.Context, events []types.ProviderEvent) {
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ProviderEventID
	}
	if err := r.ledger.MarkProcessed(ctx, ids, r.nowFn()); err != nil {
		// Bookkeeping only; the full-history replay is idempotent, so a
		// missed stamp never changes an outcome.
		r.logger.WarnContext(ctx, "failed to mark events processed", "error", err)
	}
}
