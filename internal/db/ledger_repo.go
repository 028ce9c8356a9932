package db

import (
	"context"
	"log/slog"
	"time"

	"voicegate/internal/types"
)

// EventLedgerRepo is the append-only idempotent store of provider events.
// provider_event_id carries a unique constraint; a conflicting insert is a
// no-op success (DuplicateIgnored), which is the engine's idempotency
// guarantee against at-least-once webhook delivery.
//
// Raw payloads are retained even for events that never become winners, to
// support reconciliation and audit.
type EventLedgerRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewEventLedgerRepo creates an EventLedgerRepo backed by the given
// database connection.
func NewEventLedgerRepo(db DBTX, logger *slog.Logger) *EventLedgerRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLedgerRepo{db: db, logger: logger}
}

// Record appends an event to the ledger. Duplicate provider_event_ids are
// swallowed by ON CONFLICT DO NOTHING and reported as RecordDuplicate.
func (r *EventLedgerRepo) Record(ctx context.Context, ev *types.ProviderEvent) (types.RecordOutcome, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscription_events
		   (provider_event_id, device_key, event_type, raw_type,
		    provider_created_at, payload, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (provider_event_id) DO NOTHING`,
		ev.ProviderEventID,
		ev.DeviceKey,
		ev.Type,
		ev.RawType,
		ev.ProviderCreatedAt,
		ev.Payload,
		ev.ReceivedAt,
	)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to record provider event", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "duplicate provider event ignored",
			"provider_event_id", ev.ProviderEventID,
			"device_key", ev.DeviceKey,
		)
		return types.RecordDuplicate, nil
	}
	return types.RecordInserted, nil
}

// List returns the device's complete known-typed event history, ordered
// chronologically by the provider's own clock (received_at only breaks
// exact DB-level ties; same-timestamp winner resolution happens in the
// resolver). The resolver replays the whole history on every resolve, so
// there is deliberately no cursor here: filtering would let a late event
// with an early timestamp slip past the derivation for good.
func (r *EventLedgerRepo) List(ctx context.Context, deviceKey string) ([]types.ProviderEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT provider_event_id, device_key, event_type, raw_type,
		        provider_created_at, payload, received_at, processed_at
		 FROM subscription_events
		 WHERE device_key = $1
		   AND event_type != $2
		 ORDER BY provider_created_at, received_at`,
		deviceKey, types.EventUnknown,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list ledger events", err)
	}
	defer rows.Close()

	var events []types.ProviderEvent
	for rows.Next() {
		var ev types.ProviderEvent
		if err := rows.Scan(
			&ev.ProviderEventID, &ev.DeviceKey, &ev.Type, &ev.RawType,
			&ev.ProviderCreatedAt, &ev.Payload, &ev.ReceivedAt, &ev.ProcessedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate ledger events", err)
	}
	return events, nil
}

// MarkProcessed stamps processed_at on the given events after the resolver
// has applied them. Already-stamped rows keep their original timestamp.
func (r *EventLedgerRepo) MarkProcessed(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`UPDATE subscription_events
		 SET processed_at = $1
		 WHERE provider_event_id = ANY($2)
		   AND processed_at IS NULL`,
		at, eventIDs,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark events processed", err)
	}
	return nil
}
