// Package errors defines unified error types for proxy dispatch operations.
// Every failure surfaced to a caller is mapped to one of these kinds so the
// HTTP layer can render a consistent error envelope.
package errors

import (
	"fmt"
	"net/http"
)

// ProxyError represents a standardized dispatch failure.
// It carries everything the entry handler needs to build the client response.
type ProxyError struct {
	StatusCode int    `json:"-"`
	Kind       string `json:"error"`
	Message    string `json:"message"`
	Retryable  bool   `json:"-"`

	// Extra holds kind-specific response fields, e.g. current_usage and
	// daily_limit for quota denials or details for upstream failures.
	Extra map[string]any `json:"-"`
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("[%s] %s (code=%d)", e.Kind, e.Message, e.StatusCode)
}

// HTTPStatusCode returns the status code to surface to the caller.
func (e *ProxyError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error kinds, matching the wire-level "error" field verbatim.
const (
	KindMissingAuth        = "Missing or invalid Authorization header"
	KindInvalidKey         = "Invalid API key"
	KindKeyExpired         = "API key has expired"
	KindDailyLimit         = "Daily limit reached"
	KindInvalidModel       = "Invalid model"
	KindServiceUnavailable = "Service Unavailable"
	KindUpstream           = "Upstream API error"
	KindTimeout            = "Request timeout"
	KindInternal           = "Internal server error"
)

// NewMissingAuthError reports a missing or malformed Authorization header (401).
func NewMissingAuthError() *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusUnauthorized,
		Kind:       KindMissingAuth,
		Message:    "provide your API key as a Bearer token",
	}
}

// NewInvalidKeyError reports an unknown API key (401).
func NewInvalidKeyError() *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusUnauthorized,
		Kind:       KindInvalidKey,
		Message:    "the provided API key does not exist",
	}
}

// NewKeyExpiredError reports a key past its expiry date (403).
func NewKeyExpiredError(expiry string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusForbidden,
		Kind:       KindKeyExpired,
		Message:    fmt.Sprintf("this API key expired on %s", expiry),
	}
}

// NewDailyLimitError reports quota exhaustion (429) with usage fields.
func NewDailyLimitError(current, limit int) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusTooManyRequests,
		Kind:       KindDailyLimit,
		Message:    "daily request limit reached, resets at midnight UTC",
		Retryable:  true,
		Extra: map[string]any{
			"current_usage": current,
			"daily_limit":   limit,
		},
	}
}

// NewInvalidModelError reports a model mismatch (400).
func NewInvalidModelError(requested, expected string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusBadRequest,
		Kind:       KindInvalidModel,
		Message:    fmt.Sprintf("model %q is not available, use %q", requested, expected),
		Extra: map[string]any{
			"type": "invalid_request_error",
		},
	}
}

// NewServiceUnavailableError reports waterfall exhaustion (503).
func NewServiceUnavailableError(message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusServiceUnavailable,
		Kind:       KindServiceUnavailable,
		Message:    message,
		Retryable:  true,
	}
}

// NewUpstreamError mirrors a non-2xx upstream response, carrying the
// upstream body in details.
func NewUpstreamError(statusCode int, details string) *ProxyError {
	return &ProxyError{
		StatusCode: statusCode,
		Kind:       KindUpstream,
		Message:    fmt.Sprintf("upstream returned status %d", statusCode),
		Retryable:  statusCode >= 500,
		Extra: map[string]any{
			"details": details,
		},
	}
}

// NewTimeoutError reports an upstream deadline expiry (504).
func NewTimeoutError() *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusGatewayTimeout,
		Kind:       KindTimeout,
		Message:    "upstream did not respond within the request deadline",
		Retryable:  true,
	}
}

// NewInternalError reports an unexpected failure (500).
func NewInternalError(message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusInternalServerError,
		Kind:       KindInternal,
		Message:    message,
	}
}

// AsProxyError coerces any error into a *ProxyError, wrapping unknown
// errors as internal failures.
func AsProxyError(err error) *ProxyError {
	if pe, ok := err.(*ProxyError); ok {
		return pe
	}
	return NewInternalError(err.Error())
}
