package external

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/internal/types"
)

func newStripeTestClient(baseURL string) *StripeClient {
	base := NewBaseClient(nil, "stripe-test", RetryPolicy{
		MaxRetries: 1,
		MinWait:    time.Millisecond,
		MaxWait:    time.Millisecond,
	}, "voicegate-test/1.0", WithSleepFunc(func(time.Duration) {}))
	return NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: types.SecretString("sk_test_123"),
		BaseURL:   baseURL,
	})
}

func TestFetchSubscriptionState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/sub_123", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer ")
		fmt.Fprint(w, `{
			"id": "sub_123",
			"customer": "cus_9",
			"status": "active",
			"created": 1772366400
		}`)
	}))
	defer srv.Close()

	c := newStripeTestClient(srv.URL)
	state, err := c.FetchSubscriptionState(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaid, state.Status)
	assert.Equal(t, "cus_9", state.CustomerID)
	assert.Equal(t, "sub_123", state.SubscriptionID)
	assert.False(t, state.AsOf.IsZero())
}

func TestFetchSubscriptionState_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := newStripeTestClient(srv.URL)
	_, err := c.FetchSubscriptionState(context.Background(), "sub_missing")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamProvider, appErr.Code)
}

func TestFetchSubscriptionState_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{truncated`)
	}))
	defer srv.Close()

	c := newStripeTestClient(srv.URL)
	_, err := c.FetchSubscriptionState(context.Background(), "sub_123")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamProvider, appErr.Code)
}

func TestMapProviderStatus(t *testing.T) {
	cases := map[string]types.SubscriptionStatus{
		"active":              types.StatusPaid,
		"trialing":            types.StatusPaidTrial,
		"past_due":            types.StatusGracePeriod,
		"unpaid":              types.StatusGracePeriod,
		"canceled":            types.StatusLimitedFreeTrial,
		"incomplete":          types.StatusLimitedFreeTrial,
		"incomplete_expired":  types.StatusLimitedFreeTrial,
		"something_brand_new": types.StatusLimitedFreeTrial,
	}
	for provider, want := range cases {
		assert.Equal(t, want, mapProviderStatus(provider), "status %q", provider)
	}
}
