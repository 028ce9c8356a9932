package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"voicegate/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements ProviderReader by making direct HTTP calls to the
// Stripe REST API through BaseClient. This routes reconciliation reads
// through the engine's resilience infrastructure (circuit breaker, retries,
// error mapping) and makes testing with httptest straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with a breaker-wrapped BaseClient.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"voicegate/1.0",
	)
	return newStripeClient(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient, useful for tests that control retry and sleep behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	return newStripeClient(base, cfg)
}

func newStripeClient(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// stripeSubscription is the minimal shape of GET /v1/subscriptions/{id}.
type stripeSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Created  int64  `json:"created"`
}

// FetchSubscriptionState retrieves the authoritative subscription state
// from Stripe for reconciliation.
func (c *StripeClient) FetchSubscriptionState(ctx context.Context, providerSubscriptionID string) (*ProviderState, error) {
	url := fmt.Sprintf("%s/v1/subscriptions/%s", c.baseURL, providerSubscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build provider request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("provider returned %d for subscription read", resp.StatusCode),
			fmt.Errorf("stripe response: %s", string(body)),
		)
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProvider, "failed to decode provider subscription", err)
	}

	return &ProviderState{
		Status:         mapProviderStatus(sub.Status),
		CustomerID:     sub.Customer,
		SubscriptionID: sub.ID,
		AsOf:           time.Now().UTC(),
	}, nil
}

// mapProviderStatus translates Stripe subscription statuses into the
// domain's subscription tiers.
func mapProviderStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active":
		return types.StatusPaid
	case "trialing":
		return types.StatusPaidTrial
	case "past_due", "unpaid":
		return types.StatusGracePeriod
	case "canceled", "incomplete", "incomplete_expired":
		return types.StatusLimitedFreeTrial
	default:
		return types.StatusLimitedFreeTrial
	}
}

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification: HMAC-SHA256 with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header
// and signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

// Compile-time interface assertions.
var (
	_ ProviderReader  = (*StripeClient)(nil)
	_ WebhookVerifier = (*StripeVerifier)(nil)
)
