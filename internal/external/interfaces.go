// Package external is the anti-corruption layer between the billing engine
// and the payment provider. All outbound HTTP calls route through the
// BaseClient, which enforces circuit breaking, retries with backoff, and
// error mapping.
package external

import (
	"context"
	"time"

	"voicegate/internal/types"
)

// WebhookVerifier abstracts provider webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature
	// header and signing secret. Returns nil on success.
	Verify(payload []byte, header string, secret string) error
}

// ProviderState is the authoritative subscription snapshot the reconciler
// reads from the provider.
type ProviderState struct {
	Status         types.SubscriptionStatus
	CustomerID     string
	SubscriptionID string
	// AsOf is the provider-side timestamp of the snapshot, used as the
	// provider_created_at of the synthetic reconciler event.
	AsOf time.Time
}

// ProviderReader fetches authoritative subscription state for
// reconciliation.
type ProviderReader interface {
	// FetchSubscriptionState retrieves the current state of a provider
	// subscription by its provider-side identifier.
	FetchSubscriptionState(ctx context.Context, providerSubscriptionID string) (*ProviderState, error)
}
