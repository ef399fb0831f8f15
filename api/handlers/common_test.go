package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/types"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"k": "v"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"k": "v"}, resp.Data)
}

func TestWriteError_StatusFromCode(t *testing.T) {
	w := httptest.NewRecorder()
	err := types.NewError(types.ErrNodeNotFound, "node \"x\" not found").WithNode("x").WithCause(errors.New("lookup"))
	WriteError(w, err, zap.NewNop())

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeResponse(t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NODE_NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "x", resp.Error.NodeID)
	assert.Equal(t, "lookup", resp.Error.Details)
}

func TestWriteErr_PlainErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErr(w, errors.New("boom"), nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, string(types.ErrInternal), resp.Error.Code)
	assert.Equal(t, "boom", resp.Error.Details)
}

func TestWriteErrorMessage_ExplicitStatus(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorMessage(w, http.StatusTeapot, types.ErrInvalidRequest, "short and stout", nil)
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", decodeResponse(t, w).Error.Message)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrRunNotFound, http.StatusNotFound},
		{types.ErrCheckpointNotFound, http.StatusNotFound},
		{types.ErrAlreadyRunning, http.StatusConflict},
		{types.ErrNoActiveRun, http.StatusConflict},
		{types.ErrInvalidGraph, http.StatusUnprocessableEntity},
		{types.ErrUnreachableTarget, http.StatusUnprocessableEntity},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrAcquireTimeout, http.StatusGatewayTimeout},
		{types.ErrResourceUnavailable, http.StatusServiceUnavailable},
		{types.ErrNodeFailed, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"name":"crawl"}`},
		{name: "unknown field", body: `{"name":"crawl","extra":1}`, wantErr: true},
		{name: "malformed", body: `{"name":`, wantErr: true},
		{name: "empty", body: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.body == "" {
				r.Body = http.NoBody
			}
			var dst payload
			err := DecodeJSONBody(w, r, &dst, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "crawl", dst.Name)
		})
	}
}

func TestValidateContentType(t *testing.T) {
	for ct, ok := range map[string]bool{
		"application/json":                true,
		"application/json; charset=utf-8": true,
		"text/plain":                      false,
		"":                                false,
	} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", ct)
		assert.Equal(t, ok, ValidateContentType(w, r, nil), ct)
		if !ok {
			assert.Equal(t, http.StatusBadRequest, w.Code)
		}
	}
}
