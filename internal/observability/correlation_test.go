package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runMiddleware(t *testing.T, header string) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var ctxID string
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = CorrelationIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	if header != "" {
		req.Header.Set(CorrelationIDHeader, header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return ctxID, rec
}

func TestCorrelationMiddleware_AdoptsCallerID(t *testing.T) {
	ctxID, rec := runMiddleware(t, "req-abc.123_xyz")
	assert.Equal(t, "req-abc.123_xyz", ctxID)
	assert.Equal(t, "req-abc.123_xyz", rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationMiddleware_MintsWhenAbsent(t *testing.T) {
	ctxID, rec := runMiddleware(t, "")
	require.NotEmpty(t, ctxID)
	assert.Equal(t, ctxID, rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationMiddleware_RejectsUnsafeIDs(t *testing.T) {
	for _, bad := range []string{
		"has spaces",
		"newline\nid",
		"emoji-é",
		strings.Repeat("a", 200),
	} {
		ctxID, _ := runMiddleware(t, bad)
		assert.NotEqual(t, bad, ctxID, "unsafe id %q must be replaced", bad)
		assert.NotEmpty(t, ctxID)
	}
}

func TestCorrelationMiddleware_UniquePerRequest(t *testing.T) {
	first, _ := runMiddleware(t, "")
	second, _ := runMiddleware(t, "")
	assert.NotEqual(t, first, second)
}

func TestCorrelationIDFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, CorrelationIDFromContext(req.Context()))
}
