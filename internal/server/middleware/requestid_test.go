package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textgate/textgate/internal/server/reqctx"
)

func serveRequestID(t *testing.T, req *http.Request) (seen string, echoed string) {
	t.Helper()
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = reqctx.ID(r.Context())
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return seen, rec.Header().Get(reqctx.Header)
}

func TestRequestIDKeepsCallerID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(reqctx.Header, "caller-123")

	seen, echoed := serveRequestID(t, req)
	assert.Equal(t, "caller-123", seen)
	assert.Equal(t, "caller-123", echoed)
}

func TestRequestIDReplacesUnsafeCallerID(t *testing.T) {
	for _, bad := range []string{"two words", "new\nline", strings.Repeat("x", 200)} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(reqctx.Header, bad)

		seen, echoed := serveRequestID(t, req)
		assert.NotEqual(t, bad, seen)
		assert.Equal(t, seen, echoed)
		_, err := uuid.Parse(seen)
		require.NoError(t, err)
	}
}

func TestRequestIDPrefersChiID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(reqctx.Header, "caller-123")
	req = req.WithContext(context.WithValue(req.Context(), chimw.RequestIDKey, "chi-abc"))

	seen, echoed := serveRequestID(t, req)
	assert.Equal(t, "chi-abc", seen)
	assert.Equal(t, "chi-abc", echoed)
}
