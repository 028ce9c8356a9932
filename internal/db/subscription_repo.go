package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"voicegate/internal/types"
)

// SubscriptionRepo persists the single per-device subscription row.
//
// Key invariants:
//   - The status column is written only through Update, which is called
//     exclusively by the state machine (the single write path shared by the
//     webhook flow and the reconciler).
//   - Update uses optimistic locking on status_version: a concurrent
//     transition makes the write a no-op and the caller re-derives from the
//     freshly persisted state.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

const subscriptionColumns = `device_key, status, provider_customer_id,
	       provider_subscription_id, trial_started_at, grace_period_expires_at,
	       status_version, last_event_at, updated_at`

// Ensure returns the subscription row for the device, creating it in the
// initial limited_free_trial state on first contact. The insert races safely:
// ON CONFLICT DO NOTHING followed by a read yields whichever row won.
func (r *SubscriptionRepo) Ensure(ctx context.Context, deviceKey string) (*types.Subscription, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (device_key, status, status_version, updated_at)
		 VALUES ($1, $2, 0, NOW())
		 ON CONFLICT (device_key) DO NOTHING`,
		deviceKey, types.StatusLimitedFreeTrial,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to ensure subscription row", err)
	}
	return r.Get(ctx, deviceKey)
}

// Get returns the subscription row for the device.
func (r *SubscriptionRepo) Get(ctx context.Context, deviceKey string) (*types.Subscription, error) {
	var sub types.Subscription
	err := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE device_key = $1`,
		deviceKey,
	).Scan(
		&sub.DeviceKey, &sub.Status, &sub.ProviderCustomerID,
		&sub.ProviderSubscriptionID, &sub.TrialStartedAt, &sub.GracePeriodExpiresAt,
		&sub.StatusVersion, &sub.LastEventAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return &sub, nil
}

// Update persists a state machine transition using optimistic locking.
// The write applies only while status_version still equals expectedVersion;
// a concurrent transition yields ErrCodeConflictStaleWrite and the caller
// must re-derive from the current persisted state.
func (r *SubscriptionRepo) Update(ctx context.Context, sub *types.Subscription, expectedVersion int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1,
		     provider_customer_id = $2,
		     provider_subscription_id = $3,
		     trial_started_at = $4,
		     grace_period_expires_at = $5,
		     status_version = $6,
		     last_event_at = $7,
		     updated_at = NOW()
		 WHERE device_key = $8
		   AND status_version = $9`,
		sub.Status,
		sub.ProviderCustomerID,
		sub.ProviderSubscriptionID,
		sub.TrialStartedAt,
		sub.GracePeriodExpiresAt,
		sub.StatusVersion,
		sub.LastEventAt,
		sub.DeviceKey,
		expectedVersion,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "stale subscription write rejected (optimistic lock)",
			"device_key", sub.DeviceKey,
			"expected_version", expectedVersion,
		)
		return types.NewAppError(types.ErrCodeConflictStaleWrite,
			"subscription was modified concurrently", nil)
	}
	return nil
}

// ListStaleTransitional returns devices parked in a transitional status
// (billing_problem/grace_period) whose last applied event is older than the
// cutoff. These are the reconciler's periodic scan candidates.
func (r *SubscriptionRepo) ListStaleTransitional(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT device_key
		 FROM subscriptions
		 WHERE status IN ($1, $2)
		   AND (last_event_at IS NULL OR last_event_at < $3)
		 ORDER BY updated_at
		 LIMIT $4`,
		types.StatusBillingProblem, types.StatusGracePeriod, cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stale subscriptions", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan device key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate stale subscriptions", err)
	}
	return keys, nil
}

// ListExpiredGrace returns devices whose grace window has elapsed with no
// intervening success event. The sweep demotes them to limited_free_trial
// through the state machine, never directly.
func (r *SubscriptionRepo) ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT device_key
		 FROM subscriptions
		 WHERE status = $1
		   AND grace_period_expires_at IS NOT NULL
		   AND grace_period_expires_at < $2
		 ORDER BY grace_period_expires_at
		 LIMIT $3`,
		types.StatusGracePeriod, now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired grace periods", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan device key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate expired grace periods", err)
	}
	return keys, nil
}
