package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/internal/types"
)

func requestWithID(id string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	return req.WithContext(types.WithRequestID(req.Context(), id))
}

func TestJSON_WritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, requestWithID("req-1"), http.StatusOK, APIResponse{Data: map[string]string{"hello": "world"}})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"hello":"world"}}`, rec.Body.String())
}

func TestJSON_UnmarshalableDataFallsBack(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, requestWithID("req-1"), http.StatusOK, map[string]any{"bad": func() {}})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeInternalUnexpected))
}

func TestError_AppErrorDrivesStatus(t *testing.T) {
	cases := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrCodeValidationDeviceKey, http.StatusBadRequest},
		{types.ErrCodeAuthSignatureInvalid, http.StatusUnauthorized},
		{types.ErrCodeNotFoundSubscription, http.StatusNotFound},
		{types.ErrCodeConflictStaleWrite, http.StatusConflict},
		{types.ErrCodeUpstreamProvider, http.StatusBadGateway},
		{types.ErrCodeInternalDB, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		Error(rec, requestWithID("req-1"), types.NewAppError(tc.code, "boom", nil))
		assert.Equal(t, tc.want, rec.Code, "code %s", tc.code)

		var resp APIErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, string(tc.code), resp.Error.Code)
		assert.Equal(t, "req-1", resp.Error.RequestID)
	}
}

func TestError_WrappedAppErrorStillMapped(t *testing.T) {
	rec := httptest.NewRecorder()
	wrappedErr := fmt.Errorf("loading device: %w",
		types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription", nil))
	Error(rec, requestWithID("req-1"), wrappedErr)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestError_UnknownErrorHidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, requestWithID("req-1"), fmt.Errorf("pq: secret table is gone"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret table")
	assert.Contains(t, rec.Body.String(), "an unexpected error occurred")
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
		var p payload
		require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, &p))
		assert.Equal(t, "ok", p.Name)
	})

	t.Run("malformed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
		var p payload
		err := DecodeJSON(httptest.NewRecorder(), req, &p)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeValidationInvalidJSON, appErr.Code)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok","extra":1}`))
		var p payload
		assert.Error(t, DecodeJSON(httptest.NewRecorder(), req, &p))
	})

	t.Run("oversized body rejected", func(t *testing.T) {
		big := `{"name":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
		var p payload
		assert.Error(t, DecodeJSON(httptest.NewRecorder(), req, &p))
	})
}
