// Package handlers contains the HTTP handler implementations for the
// voicegate API.
//
// The webhook handler is NOT behind any auth middleware -- it is called
// directly by the billing provider. Security is provided by verifying the
// Stripe-Signature header using HMAC-SHA256.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"voicegate/internal/billing"
	"voicegate/internal/core"
	"voicegate/internal/external"
	"voicegate/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a provider webhook
// payload (64 KB). Billing event payloads are small; this limit protects
// against abuse.
const maxWebhookBodySize = 64 * 1024

// EventIngester accepts a verified provider event for ledger insertion and
// state resolution. Implemented by *billing.Resolver.
type EventIngester interface {
	Ingest(ctx context.Context, ev *types.ProviderEvent) (types.RecordOutcome, error)
}

// WebhookHandler receives asynchronous billing events from the provider.
// It is unauthenticated (no API key) but verifies the provider signature.
type WebhookHandler struct {
	verifier external.WebhookVerifier
	ingester EventIngester
	secret   string
	nowFn    func() time.Time
	logger   *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler with the provided dependencies.
func NewWebhookHandler(
	verifier external.WebhookVerifier,
	ingester EventIngester,
	secret string,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier: verifier,
		ingester: ingester,
		secret:   secret,
		nowFn:    time.Now,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. This is kept separate from the
// gate routes because webhook routes are public.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/billing", h.Handle)
}

// Handle processes an incoming billing webhook.
//
//  1. Reads the raw body with a size limit.
//  2. Verifies the Stripe-Signature header; failures are 401.
//  3. Parses and ingests the event. Duplicates, unknown event types, and
//     signature-valid payloads that cannot be parsed are acknowledged with
//     200 so the provider stops retrying.
//  4. Ledger write failures return 5xx so the provider retries later; the
//     idempotent ledger makes the retry safe.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	ev, err := billing.ParseWebhookEvent(payload, h.nowFn().UTC())
	if err != nil {
		// The signature already checked out, so this body is what the
		// provider sent; redelivery would fail the same way forever.
		// Acknowledge and drop.
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event, acknowledged and dropped",
			"error", err,
		)
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: webhookAck{Received: true}})
		return
	}

	if ev.DeviceKey == "" {
		// Events we cannot attribute to a device are acknowledged and
		// dropped; retrying will not make the payload grow a device key.
		h.logger.WarnContext(r.Context(), "webhook event missing device key",
			"event_id", ev.ProviderEventID,
			"event_type", ev.RawType,
		)
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: webhookAck{Received: true}})
		return
	}

	outcome, err := h.ingester.Ingest(r.Context(), ev)
	if err != nil {
		if outcome == "" {
			// The ledger insert failed: the event was NOT durably recorded.
			// Surface the failure so the provider redelivers; the idempotent
			// ledger makes the retry safe.
			h.logger.ErrorContext(r.Context(), "webhook event ingestion failed",
				"event_id", ev.ProviderEventID,
				"event_type", ev.Type,
				"error", err,
			)
			core.Error(w, r, err)
			return
		}
		// Recorded but not yet applied. Acknowledge so the provider stops
		// retrying; the reconciler replays unapplied ledger events.
		h.logger.ErrorContext(r.Context(), "webhook event recorded, resolution deferred",
			"event_id", ev.ProviderEventID,
			"event_type", ev.Type,
			"device_key", ev.DeviceKey,
			"error", err,
		)
	}

	h.logger.InfoContext(r.Context(), "webhook event processed",
		"event_id", ev.ProviderEventID,
		"event_type", ev.Type,
		"device_key", ev.DeviceKey,
		"outcome", outcome,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: webhookAck{
		Received:  true,
		Duplicate: outcome == types.RecordDuplicate,
	}})
}

type webhookAck struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}
