package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *ProxyError
		status    int
		kind      string
		retryable bool
	}{
		{"missing auth", NewMissingAuthError(), http.StatusUnauthorized, KindMissingAuth, false},
		{"invalid key", NewInvalidKeyError(), http.StatusUnauthorized, KindInvalidKey, false},
		{"expired key", NewKeyExpiredError("2026-01-01"), http.StatusForbidden, KindKeyExpired, false},
		{"daily limit", NewDailyLimitError(100, 100), http.StatusTooManyRequests, KindDailyLimit, true},
		{"invalid model", NewInvalidModelError("a", "b"), http.StatusBadRequest, KindInvalidModel, false},
		{"unavailable", NewServiceUnavailableError("all sources busy"), http.StatusServiceUnavailable, KindServiceUnavailable, true},
		{"timeout", NewTimeoutError(), http.StatusGatewayTimeout, KindTimeout, true},
		{"internal", NewInternalError("boom"), http.StatusInternalServerError, KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.StatusCode)
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, tt.retryable, tt.err.Retryable)
			assert.NotEmpty(t, tt.err.Message)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestNewDailyLimitError_UsageFields(t *testing.T) {
	err := NewDailyLimitError(42, 100)
	assert.Equal(t, 42, err.Extra["current_usage"])
	assert.Equal(t, 100, err.Extra["daily_limit"])
}

func TestNewUpstreamError(t *testing.T) {
	err := NewUpstreamError(http.StatusBadGateway, `{"error":"overloaded"}`)
	assert.Equal(t, http.StatusBadGateway, err.StatusCode)
	assert.True(t, err.Retryable)
	assert.Equal(t, `{"error":"overloaded"}`, err.Extra["details"])

	// 4xx upstream statuses are not worth retrying.
	assert.False(t, NewUpstreamError(http.StatusTooManyRequests, "").Retryable)
}

func TestHTTPStatusCode_Fallback(t *testing.T) {
	pe := &ProxyError{Kind: KindInternal}
	assert.Equal(t, http.StatusInternalServerError, pe.HTTPStatusCode())
}

func TestAsProxyError(t *testing.T) {
	original := NewTimeoutError()
	assert.Same(t, original, AsProxyError(original))

	wrapped := AsProxyError(errors.New("plain failure"))
	require.NotNil(t, wrapped)
	assert.Equal(t, KindInternal, wrapped.Kind)
	assert.Equal(t, "plain failure", wrapped.Message)
}
