package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"voicegate/internal/core"
	"voicegate/internal/types"
)

// RequestGate decides whether a device may have a request served and records
// completed usage. Implemented by *gate.Gate.
type RequestGate interface {
	CanProcess(ctx context.Context, deviceKey string) types.Decision
	RecordUsage(ctx context.Context, deviceKey string)
}

// GateHandler exposes the serving gate to the voice pipeline. The pipeline
// calls CanProcess before doing any expensive work and RecordUsage after a
// request was actually served.
type GateHandler struct {
	gate          RequestGate
	deviceKeySalt []byte
	logger        *slog.Logger
}

// NewGateHandler creates a GateHandler.
func NewGateHandler(gate RequestGate, deviceKeySalt []byte, logger *slog.Logger) *GateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GateHandler{
		gate:          gate,
		deviceKeySalt: deviceKeySalt,
		logger:        logger,
	}
}

// RegisterRoutes mounts the gate endpoints.
func (h *GateHandler) RegisterRoutes(r chi.Router) {
	r.Post("/gate/can-process", h.CanProcess)
	r.Post("/gate/record-usage", h.RecordUsage)
}

// gateRequest identifies a device either by its derived key or by the raw
// hardware identifier. Edge deployments that cannot run the derivation send
// hardware_id and we derive the key server-side.
type gateRequest struct {
	DeviceKey  string `json:"device_key,omitempty"`
	HardwareID string `json:"hardware_id,omitempty"`
}

type decisionResponse struct {
	Allowed bool   `json:"allowed"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// deviceKey resolves the request to a validated device key.
func (h *GateHandler) deviceKey(req *gateRequest) (string, error) {
	if req.HardwareID != "" {
		return types.DeriveDeviceKey(req.HardwareID, h.deviceKeySalt)
	}
	if !types.ValidDeviceKey(req.DeviceKey) {
		return "", types.NewAppError(
			types.ErrCodeValidationDeviceKey,
			"device_key must be 32 lowercase hex characters",
			nil,
		)
	}
	return req.DeviceKey, nil
}

// CanProcess returns the gate decision for one serving request.
func (h *GateHandler) CanProcess(w http.ResponseWriter, r *http.Request) {
	var req gateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	key, err := h.deviceKey(&req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	decision := h.gate.CanProcess(r.Context(), key)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: decisionResponse{
		Allowed: decision.Allowed,
		Status:  string(decision.Status),
		Reason:  string(decision.Reason),
	}})
}

// RecordUsage counts one served request against the device's quota buckets.
// It always returns 202: usage accounting never blocks the pipeline, and
// any quota boundary it crosses is enforced on the NEXT CanProcess call.
func (h *GateHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req gateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	key, err := h.deviceKey(&req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.gate.RecordUsage(r.Context(), key)

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: map[string]bool{"recorded": true}})
}
