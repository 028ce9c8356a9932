package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"voicegate/internal/core"
	"voicegate/internal/types"
)

// SubscriptionReader loads a device's persisted subscription row.
// Implemented by *db.SubscriptionRepo.
type SubscriptionReader interface {
	Get(ctx context.Context, deviceKey string) (*types.Subscription, error)
}

// SubscriptionHandler exposes read-only subscription state for support
// tooling and device status screens.
type SubscriptionHandler struct {
	subs   SubscriptionReader
	logger *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(subs SubscriptionReader, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{subs: subs, logger: logger}
}

// RegisterRoutes mounts the subscription read endpoint.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/devices/{deviceKey}/subscription", h.Get)
}

type subscriptionResponse struct {
	DeviceKey            string     `json:"device_key"`
	Status               string     `json:"status"`
	TrialStartedAt       *time.Time `json:"trial_started_at,omitempty"`
	GracePeriodExpiresAt *time.Time `json:"grace_period_expires_at,omitempty"`
	LastEventAt          *time.Time `json:"last_event_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Get returns the device's current subscription state. Unknown devices are
// 404; they have never completed first contact.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	deviceKey := chi.URLParam(r, "deviceKey")
	if !types.ValidDeviceKey(deviceKey) {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationDeviceKey,
			"device key must be 32 lowercase hex characters",
			nil,
		))
		return
	}

	sub, err := h.subs.Get(r.Context(), deviceKey)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse{
		DeviceKey:            sub.DeviceKey,
		Status:               string(sub.Status),
		TrialStartedAt:       sub.TrialStartedAt,
		GracePeriodExpiresAt: sub.GracePeriodExpiresAt,
		LastEventAt:          sub.LastEventAt,
		UpdatedAt:            sub.UpdatedAt,
	}})
}
