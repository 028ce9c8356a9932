package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"voicegate/internal/types"
)

// QuotaRepo owns the quota_usage table. Counts move in exactly one place:
// CheckAndIncrement, a single transaction that locks the device's
// current-period rows, compares against the frozen limit snapshots, and
// increments only if every granularity is under its limit.
//
// Locks are scoped to one device_key; cross-device requests never contend.
// Buckets are locked in AllPeriodKinds order so concurrent callers for the
// same device cannot deadlock.
type QuotaRepo struct {
	pool   TxBeginner
	db     DBTX
	logger *slog.Logger
}

// NewQuotaRepo creates a QuotaRepo. pool and db are both satisfied by the
// same *pgxpool.Pool; they are separate parameters so tests can fake the
// transactional and read paths independently.
func NewQuotaRepo(pool TxBeginner, db DBTX, logger *slog.Logger) *QuotaRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaRepo{pool: pool, db: db, logger: logger}
}

// CheckAndIncrement atomically consumes one unit of quota across every
// period granularity, or none at all.
//
// limits supplies the limit_snapshot for any bucket that does not yet exist
// for the current period (taken from the subscription status at creation
// time); existing buckets keep the snapshot they were opened with. A
// snapshot of 0 means unlimited at that granularity.
//
// Returns allowed=false with no increment if any bucket is at its limit.
// The remaining map reflects the state after the call (post-increment when
// allowed).
func (r *QuotaRepo) CheckAndIncrement(
	ctx context.Context,
	deviceKey string,
	limits map[types.PeriodKind]int,
	now time.Time,
) (allowed bool, remaining map[types.PeriodKind]int, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin quota transaction", err)
	}
	defer func() {
		if err != nil || !allowed {
			_ = tx.Rollback(ctx)
		}
	}()

	remaining = make(map[types.PeriodKind]int, len(types.AllPeriodKinds))
	buckets := make([]types.QuotaUsage, 0, len(types.AllPeriodKinds))

	for _, kind := range types.AllPeriodKinds {
		key := types.PeriodKeyFor(kind, now)

		// Opening the bucket before locking keeps the lock path uniform:
		// by the time we reach FOR UPDATE the row always exists.
		if _, err = tx.Exec(ctx,
			`INSERT INTO quota_usage (device_key, period_kind, period_key, count, limit_snapshot)
			 VALUES ($1, $2, $3, 0, $4)
			 ON CONFLICT (device_key, period_kind, period_key) DO NOTHING`,
			deviceKey, kind, key, limits[kind],
		); err != nil {
			return false, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to open quota bucket", err)
		}

		bucket := types.QuotaUsage{DeviceKey: deviceKey, PeriodKind: kind, PeriodKey: key}
		if err = tx.QueryRow(ctx,
			`SELECT count, limit_snapshot
			 FROM quota_usage
			 WHERE device_key = $1 AND period_kind = $2 AND period_key = $3
			 FOR UPDATE`,
			deviceKey, kind, key,
		).Scan(&bucket.Count, &bucket.LimitSnapshot); err != nil {
			return false, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock quota bucket", err)
		}

		if bucket.LimitSnapshot != 0 && bucket.Count >= bucket.LimitSnapshot {
			remaining[kind] = 0
			r.logger.InfoContext(ctx, "quota denied",
				"device_key", deviceKey,
				"period_kind", string(kind),
				"period_key", key,
				"count", bucket.Count,
				"limit", bucket.LimitSnapshot,
			)
			return false, remaining, nil
		}

		buckets = append(buckets, bucket)
	}

	for _, bucket := range buckets {
		if _, err = tx.Exec(ctx,
			`UPDATE quota_usage
			 SET count = count + 1, updated_at = now()
			 WHERE device_key = $1 AND period_kind = $2 AND period_key = $3`,
			deviceKey, bucket.PeriodKind, bucket.PeriodKey,
		); err != nil {
			return false, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to increment quota bucket", err)
		}
		bucket.Count++
		remaining[bucket.PeriodKind] = bucket.Remaining()
	}

	if err = tx.Commit(ctx); err != nil {
		return false, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to commit quota transaction", err)
	}
	return true, remaining, nil
}

// Snapshot returns the device's current-period buckets without locking,
// synthesizing zero-count buckets (with limits from the current status) for
// periods that have not been opened yet. The cache rebuild path uses this.
func (r *QuotaRepo) Snapshot(
	ctx context.Context,
	deviceKey string,
	limits map[types.PeriodKind]int,
	now time.Time,
) (map[types.PeriodKind]types.QuotaUsage, error) {
	out := make(map[types.PeriodKind]types.QuotaUsage, len(types.AllPeriodKinds))
	for _, kind := range types.AllPeriodKinds {
		key := types.PeriodKeyFor(kind, now)
		bucket := types.QuotaUsage{
			DeviceKey:     deviceKey,
			PeriodKind:    kind,
			PeriodKey:     key,
			LimitSnapshot: limits[kind],
		}
		err := r.db.QueryRow(ctx,
			`SELECT count, limit_snapshot
			 FROM quota_usage
			 WHERE device_key = $1 AND period_kind = $2 AND period_key = $3`,
			deviceKey, kind, key,
		).Scan(&bucket.Count, &bucket.LimitSnapshot)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read quota bucket", err)
		}
		out[kind] = bucket
	}
	return out, nil
}
