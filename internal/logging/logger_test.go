package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-123")
	assert.Equal(t, "trace-123", GetTraceID(ctx))
	assert.Empty(t, GetTraceID(context.Background()))
}

func TestNewTraceIDUnique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestWithContextAddsMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := New("relay", "debug", "json")
	logger.SetOutput(&buf)

	ctx := WithSigner(WithTraceID(context.Background(), "t-1"), "0xabc")
	logger.Info(ctx, "hello", map[string]interface{}{"operation": "attest"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "relay", entry["service"])
	assert.Equal(t, "t-1", entry["trace_id"])
	assert.Equal(t, "0xabc", entry["signer"])
	assert.Equal(t, "attest", entry["operation"])
	assert.Equal(t, "hello", entry["msg"])
}

func TestLogRequestLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{200, "info"},
		{400, "warning"},
		{500, "error"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := New("relay", "debug", "json")
		logger.SetOutput(&buf)

		logger.LogRequest(context.Background(), "POST", "/api/meta/attest", tt.status, 15*time.Millisecond)

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, tt.level, entry["level"], "status %d", tt.status)
		assert.EqualValues(t, tt.status, entry["status"])
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	logger := New("relay", "verbose", "text")
	assert.Equal(t, "info", logger.GetLevel().String())
}
