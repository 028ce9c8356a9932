package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"voicegate/internal/core"
	"voicegate/internal/types"
)

// ResyncEnqueuer hands a device off to the background resync queue.
// Implemented by *queue.ResyncProducer.
type ResyncEnqueuer interface {
	Enqueue(ctx context.Context, deviceKey string) error
}

// DeviceResyncer performs an inline provider resync. Implemented by
// *scheduler.Reconciler and used when no queue is configured.
type DeviceResyncer interface {
	ResyncDevice(ctx context.Context, deviceKey string) error
}

// ResyncHandler triggers an on-demand reconciliation of one device against
// the billing provider. Support tooling calls this when a device's local
// state is suspected stale.
type ResyncHandler struct {
	enqueuer ResyncEnqueuer
	resyncer DeviceResyncer
	logger   *slog.Logger
}

// NewResyncHandler creates a ResyncHandler. enqueuer may be nil; resyncs
// then run inline on the request.
func NewResyncHandler(enqueuer ResyncEnqueuer, resyncer DeviceResyncer, logger *slog.Logger) *ResyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResyncHandler{
		enqueuer: enqueuer,
		resyncer: resyncer,
		logger:   logger,
	}
}

// RegisterRoutes mounts the resync endpoint.
func (h *ResyncHandler) RegisterRoutes(r chi.Router) {
	r.Post("/devices/{deviceKey}/resync", h.Resync)
}

// Resync queues (or runs) a provider resync for the device in the path.
func (h *ResyncHandler) Resync(w http.ResponseWriter, r *http.Request) {
	deviceKey := chi.URLParam(r, "deviceKey")
	if !types.ValidDeviceKey(deviceKey) {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationDeviceKey,
			"device key must be 32 lowercase hex characters",
			nil,
		))
		return
	}

	if h.enqueuer != nil {
		if err := h.enqueuer.Enqueue(r.Context(), deviceKey); err != nil {
			h.logger.ErrorContext(r.Context(), "failed to enqueue resync",
				"device_key", deviceKey,
				"error", err,
			)
			core.Error(w, r, err)
			return
		}
		core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: map[string]string{
			"device_key": deviceKey,
			"state":      "queued",
		}})
		return
	}

	if err := h.resyncer.ResyncDevice(r.Context(), deviceKey); err != nil {
		h.logger.ErrorContext(r.Context(), "inline resync failed",
			"device_key", deviceKey,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{
		"device_key": deviceKey,
		"state":      "synced",
	}})
}
