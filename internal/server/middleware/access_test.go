package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/textgate/textgate/internal/errors"
)

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trust   bool
		want    string
	}{
		{name: "remote addr", remote: "10.0.0.7:5555", want: "10.0.0.7"},
		{name: "forwarded ignored without trust", remote: "10.0.0.7:5555",
			headers: map[string]string{"X-Forwarded-For": "1.2.3.4"}, want: "10.0.0.7"},
		{name: "first forwarded entry", remote: "10.0.0.7:5555", trust: true,
			headers: map[string]string{"X-Forwarded-For": " 1.2.3.4 , 5.6.7.8"}, want: "1.2.3.4"},
		{name: "real ip fallback", remote: "10.0.0.7:5555", trust: true,
			headers: map[string]string{"X-Real-IP": "9.9.9.9"}, want: "9.9.9.9"},
		{name: "remote without port", remote: "10.0.0.8", want: "10.0.0.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ResolveClientIP(req, tt.trust))
		})
	}
}

func TestClientIPStoresIdentity(t *testing.T) {
	var seen string
	handler := ClientIP(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIdentity(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "203.0.113.9", seen)
}

func TestAllowList(t *testing.T) {
	list := NewAllowList([]string{"127.0.0.1", " 10.1.0.0/16 ", "", "bogus/99"})
	require.True(t, list.Enabled())

	assert.True(t, list.Allows("127.0.0.1"))
	assert.True(t, list.Allows("10.1.44.2"))
	assert.False(t, list.Allows("10.2.0.1"))
	assert.False(t, list.Allows("not-an-ip"))

	empty := NewAllowList(nil)
	assert.False(t, empty.Enabled())
	assert.True(t, empty.Allows("198.51.100.1"))
}

func TestAllowListHandlerRejectsWithForbidden(t *testing.T) {
	list := NewAllowList([]string{"127.0.0.1"})
	called := false
	handler := ClientIP(false)(list.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})))

	req := httptest.NewRequest(http.MethodGet, "/join_queue", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "FORBIDDEN", body.Error.Code)
	assert.Equal(t, "Client address is not allowed", body.Error.Message)
	assert.NotContains(t, rec.Body.String(), "192.0.2.10")

	req = httptest.NewRequest(http.MethodGet, "/join_queue", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoveryHidesPanicDetails(t *testing.T) {
	handler := RequestID(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("database password leaked")
	})))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database password")
	assert.NotContains(t, rec.Body.String(), "goroutine")

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestAllowListHandlerPassesThroughWhenEmpty(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	handler := ClientIP(false)(NewAllowList([]string{" ", ""}).Handler(next))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/join_queue", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
