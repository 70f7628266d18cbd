package httputil

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/microcredit_relay/internal/errors"
	"github.com/R3E-Network/microcredit_relay/internal/logging"
)

// =============================================================================
// ServiceClient Tests
// =============================================================================

func TestServiceClient_PostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "key-1", r.Header.Get("X-API-Key"))
		assert.Equal(t, "trace-9", r.Header.Get(TraceIDHeader))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "value", body["key"])

		WriteJSON(w, http.StatusOK, map[string]string{"txHash": "0x01"})
	}))
	defer server.Close()

	client := NewServiceClient(ServiceClientConfig{
		BaseURL: server.URL + "/",
		Headers: map[string]string{"X-API-Key": "key-1"},
	})

	ctx := logging.WithTraceID(context.Background(), "trace-9")
	var out map[string]string
	require.NoError(t, client.PostJSON(ctx, "/test", map[string]string{"key": "value"}, &out))
	assert.Equal(t, "0x01", out["txHash"])
}

func TestDecodeResponse_ErrorPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, errors.MissingParameter("borrower"))
	}))
	defer server.Close()

	client := NewServiceClient(ServiceClientConfig{BaseURL: server.URL})
	err := client.PostJSON(context.Background(), "/x", map[string]string{}, nil)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, stderrors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "Missing parameters: borrower", statusErr.Message)
}

func TestDecodeResponse_NilTargetDrainsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewServiceClient(ServiceClientConfig{BaseURL: server.URL})
	resp, err := client.Get(context.Background(), "/")
	require.NoError(t, err)
	assert.NoError(t, DecodeResponse(resp, nil))
}

// =============================================================================
// Response Helpers
// =============================================================================

func TestWriteError_ServiceError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.TransactionReverted("0xdead"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "transaction reverted", body["error"])
	assert.Equal(t, "0xdead", body["txHash"])
}

func TestWriteError_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, stderrors.New("connection refused\ndetails"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"connection refused"`)
}

func TestReadAllStrict(t *testing.T) {
	data, err := ReadAllStrict(strings.NewReader("abc"), 3)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	_, err = ReadAllStrict(strings.NewReader("abcd"), 3)
	assert.Error(t, err)
}

func TestReadBody_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	_, err := ReadBody(req)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, errors.HTTPStatus(err))
}
