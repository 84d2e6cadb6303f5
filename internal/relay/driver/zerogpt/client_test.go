package zerogpt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/relay/driver"
)

func TestDetectSendsInputTextCookieAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "session=abc", r.Header.Get("Cookie"))
		assert.Equal(t, "https://www.zerogpt.com", r.Header.Get("Origin"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"input_text": "some text"}, body)

		_, _ = w.Write([]byte(`{"success":true,"data":{"fakePercentage":12.5}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "session=abc")
	c.HTTPClient = server.Client()
	c.Headers = map[string]string{"Origin": "https://www.zerogpt.com", "Cookie": "from-headers"}

	out, err := c.Detect(context.Background(), core.ZeroGPTRequest{InputText: "some text"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{"fakePercentage":12.5}}`, string(out))
}

func TestDetectWithoutCookieSendsNone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Cookie"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	_, err := c.Detect(context.Background(), core.ZeroGPTRequest{InputText: "x"})
	require.NoError(t, err)
}

func TestDetectAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"cookie expired"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "stale").Detect(context.Background(), core.ZeroGPTRequest{InputText: "x"})
	var perr *driver.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.IsAuth())
}

func TestDetectRejectsNonJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>blocked</html>`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "").Detect(context.Background(), core.ZeroGPTRequest{InputText: "x"})
	var perr *driver.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusOK, perr.StatusCode)
}

func TestDetectNotConfigured(t *testing.T) {
	_, err := NewClient("", "").Detect(context.Background(), core.ZeroGPTRequest{InputText: "x"})
	require.Error(t, err)
}
