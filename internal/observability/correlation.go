// Package observability provides correlation ID propagation, structured
// logging, and tracing for the proxy.
package observability

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CorrelationIDHeader is the HTTP header used to carry correlation IDs.
const CorrelationIDHeader = "X-Correlation-ID"

const maxCorrelationIDLen = 128

// correlationIDKey is the context key for correlation IDs.
type correlationIDKey struct{}

// NewCorrelationID generates a new unique correlation ID.
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID adds a correlation ID to the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext extracts the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// CorrelationMiddleware adopts a caller-supplied correlation ID or mints a
// new one, stores it on the request context, and echoes it on the response.
// Per-request context storage replaces any process-wide correlation state so
// concurrent requests never observe each other's IDs.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if sanitized, ok := sanitizeCorrelationID(id); ok {
			id = sanitized
		} else {
			id = NewCorrelationID()
		}

		w.Header().Set(CorrelationIDHeader, id)

		ctx := ContextWithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sanitizeCorrelationID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxCorrelationIDLen {
		return "", false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return "", false
		}
	}
	return value, true
}
