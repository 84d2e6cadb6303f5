package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textgate/textgate/internal/config"
	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/core/engine"
	"github.com/textgate/textgate/internal/core/store"
	apperrors "github.com/textgate/textgate/internal/errors"
	"github.com/textgate/textgate/internal/relay"
	"github.com/textgate/textgate/internal/server/handlers"
)

const testClient = "192.0.2.10"

type stubRelay struct {
	calls int
}

func (s *stubRelay) Join(context.Context, []byte) (json.RawMessage, error) {
	s.calls++
	return json.RawMessage(`{"event_id":"evt-1"}`), nil
}

func (s *stubRelay) QueueData(context.Context, string) ([]string, error) {
	s.calls++
	return []string{}, nil
}

func (s *stubRelay) QueueResult(_ context.Context, sessionHash string) (*core.PolledResult, error) {
	s.calls++
	return &core.PolledResult{SessionHash: sessionHash, State: core.QueueDone, Complete: true}, nil
}

func (s *stubRelay) Humanize(context.Context, []byte) (*relay.HumanizeResult, error) {
	s.calls++
	return &relay.HumanizeResult{Join: json.RawMessage(`{}`)}, nil
}

func (s *stubRelay) Detect(context.Context, []byte) (json.RawMessage, error) {
	s.calls++
	return json.RawMessage(`{"success":true}`), nil
}

type testServer struct {
	srv     *Server
	limiter *engine.RateLimiter
	stats   *store.MemoryStatsStore
	relay   *stubRelay
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{
		Access: config.AccessConfig{TrustForwarded: true},
		RateLimit: config.RateLimitConfig{
			Quota:  5,
			Window: time.Minute,
			Categories: map[string]config.CategoryConfig{
				"zerogpt": {Quota: 5, Window: time.Minute},
			},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	limiter := engine.NewRateLimiter(cfg.RateLimits(), 0)
	limiter.Clock = func() time.Time { return now }

	ts := &testServer{
		limiter: limiter,
		stats:   store.NewMemoryStatsStore(),
		relay:   &stubRelay{},
	}
	ts.srv = New(cfg, Deps{Limiter: limiter, Relay: ts.relay, Stats: ts.stats})
	return ts
}

func (ts *testServer) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = testClient + ":41234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/does-not-exist", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, decodeEnvelope(t, rec).Error.Code)

	rec = ts.do(http.MethodGet, "/join_queue", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, apperrors.CodeMethodNotAllowed, decodeEnvelope(t, rec).Error.Code)
}

func TestJoinQueueFromFreshClientIsAdmitted(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/join_queue", `{"data":[],"fn_index":0,"trigger_id":1,"session_hash":"s1"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"event_id":"evt-1"}`, rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))

	window := ts.limiter.Snapshot(core.NewClientKey(testClient, core.CategoryGeneral))
	assert.Len(t, window, 1)
	assert.Equal(t, store.Counters{Allowed: 1}, ts.stats.Total())
}

func TestDetectSixthRequestIsRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < 5; i++ {
		rec := ts.do(http.MethodPost, "/zerogpt-test", `{"input_text":"hi"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := ts.do(http.MethodPost, "/zerogpt-test", `{"input_text":"hi"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	body := decodeEnvelope(t, rec)
	assert.Equal(t, apperrors.CodeRateLimited, body.Error.Code)
	assert.Equal(t, "Rate limit exceeded. Try again in 1 minute.", body.Error.Message)
	assert.NotContains(t, rec.Body.String(), testClient)

	assert.Equal(t, 5, ts.relay.calls, "rejected request must not reach the relay")
	assert.Equal(t, store.Counters{Allowed: 5, Denied: 1}, ts.stats.Total())
}

func TestCategoriesDoNotShareQuota(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/zerogpt-test", `{"input_text":"hi"}`, nil).Code)
	}
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/queue_data/s1", "", nil).Code)
}

func TestForwardedClientsHaveSeparateBuckets(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/queue_result/s1", "", nil).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, ts.do(http.MethodGet, "/queue_result/s1", "", nil).Code)

	rec := ts.do(http.MethodGet, "/queue_result/s1", "", map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ts.limiter.Snapshot(core.NewClientKey("198.51.100.7", core.CategoryGeneral)), 1)
}

func TestHealthIsNotRateLimited(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < 10; i++ {
		rec := ts.do(http.MethodGet, "/health", "", nil)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}
	assert.Zero(t, ts.limiter.Len())
}

func TestHealthIgnoresFailingStatsBackend(t *testing.T) {
	handlers.InitHealthManager("test")
	t.Cleanup(func() { handlers.InitHealthManager("test") })

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	redisStats := store.NewRedisStatsStore(rdb)
	t.Cleanup(func() { _ = rdb.Close() })

	handlers.GetHealthManager().RegisterChecker("stats", handlers.CheckerFunc(func(ctx context.Context) error {
		if _, err := redisStats.Totals(ctx); err != nil {
			return handlers.Degraded(err)
		}
		return nil
	}))

	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "stats")

	rec = ts.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stats":"degraded"`)
}

func TestAllowListRejectsUnknownClients(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Access.AllowedIPs = []string{"10.0.0.0/8"}
	})

	rec := ts.do(http.MethodPost, "/zerogpt-test", `{"input_text":"hi"}`, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperrors.CodeForbidden, decodeEnvelope(t, rec).Error.Code)
	assert.Zero(t, ts.relay.calls)
	assert.Zero(t, ts.limiter.Len(), "forbidden clients are not counted")

	rec = ts.do(http.MethodPost, "/zerogpt-test", `{"input_text":"hi"}`, map[string]string{"X-Forwarded-For": "10.1.2.3"})
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.NotEqual(t, http.StatusForbidden, ts.do(http.MethodGet, "/health", "", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodOptions, "/join_queue", "", map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": http.MethodPost,
	})

	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Zero(t, ts.relay.calls)
}

func TestRelayRoutesDisabledWithoutService(t *testing.T) {
	srv := New(&config.Config{}, Deps{})

	req := httptest.NewRequest(http.MethodPost, "/join_queue", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddr(t *testing.T) {
	srv := New(&config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 8000}}, Deps{})
	assert.Equal(t, "127.0.0.1:8000", srv.Addr())
	assert.Equal(t, 8000, srv.Port())
}
