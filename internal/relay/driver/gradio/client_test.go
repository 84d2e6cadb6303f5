package gradio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/relay/driver"
)

const (
	pendingStream   = "data: {\"msg\":\"estimation\",\"rank\":0}\n\ndata: {\"msg\":\"process_starts\"}\n"
	completedStream = "data: {\"msg\":\"process_starts\"}\n\ndata: {\"msg\":\"process_completed\",\"output\":{\"data\":[\"done\"]},\"success\":true}\n\ndata: {\"msg\":\"close_stream\"}\n"
)

func newTestClient(server *httptest.Server, attempts int) *Client {
	c := NewClient(server.URL+"/gradio_api/queue/join?__theme=system", server.URL+"/gradio_api/queue/data")
	c.HTTPClient = server.Client()
	c.Timeout = time.Second
	c.PollOptions.Attempts = attempts
	c.PollOptions.Interval = time.Millisecond
	return c
}

func humanizeRequest() core.HumanizeRequest {
	return core.HumanizeRequest{
		Body:        []byte(`{"data":["hi"],"fn_index":0,"trigger_id":1,"session_hash":"s1"}`),
		SessionHash: "s1",
	}
}

func TestJoinForwardsBodyAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/gradio_api/queue/join", r.URL.Path)
		assert.Equal(t, "system", r.URL.Query().Get("__theme"))
		assert.Equal(t, "https://space.example", r.Header.Get("Origin"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"data":["hi"],"fn_index":0,"trigger_id":1,"session_hash":"s1"}`, string(body))

		_, _ = w.Write([]byte(`{"event_id":"abc123"}`))
	}))
	defer server.Close()

	c := newTestClient(server, 3)
	c.Headers = map[string]string{"origin": "https://space.example"}

	ack, err := c.Join(context.Background(), humanizeRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_id":"abc123"}`, string(ack))
}

func TestJoinFailureIsProviderError(t *testing.T) {
	var dataCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gradio_api/queue/data" {
			dataCalls.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(server, 3)
	_, err := c.Join(context.Background(), humanizeRequest())
	require.Error(t, err)

	var perr *driver.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
	assert.Equal(t, int32(0), dataCalls.Load(), "join failure must not poll")
}

func TestJoinRejectsEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := newTestClient(server, 1).Join(context.Background(), humanizeRequest())
	var perr *driver.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusOK, perr.StatusCode)
}

func TestDataReturnsNonEmptyLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "abc", r.URL.Query().Get("session_hash"))
		_, _ = w.Write([]byte("data: one\r\n\r\n\ndata: two\n"))
	}))
	defer server.Close()

	lines, err := newTestClient(server, 1).Data(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"data: one", "data: two"}, lines)
}

// slowStream sends each event as its own flushed chunk, gap apart.
func slowStream(events []string, gap time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range events {
			_, _ = io.WriteString(w, event+"\n\n")
			w.(http.Flusher).Flush()
			time.Sleep(gap)
		}
	}
}

func TestDataKeepsReadingActiveStreamPastTimeout(t *testing.T) {
	events := []string{
		`data: {"msg":"estimation"}`,
		`data: {"msg":"process_starts"}`,
		`data: {"msg":"process_generating"}`,
		`data: {"msg":"process_generating"}`,
		`data: {"msg":"process_generating"}`,
		`data: {"msg":"process_generating"}`,
		`data: {"msg":"process_completed","output":{"data":["done"]}}`,
	}
	server := httptest.NewServer(slowStream(events, 60*time.Millisecond))
	defer server.Close()

	c := newTestClient(server, 1)
	c.Timeout = 200 * time.Millisecond

	lines, err := c.Data(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, events, lines)

	result, err := c.Poll(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "process_completed", result.Message)
}

func TestPollUsesLinesReceivedBeforeStreamStalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"msg\":\"process_starts\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	c := newTestClient(server, 2)
	c.Timeout = 50 * time.Millisecond

	result, err := c.Poll(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, result.Complete)
	assert.Equal(t, 2, result.Attempts)
	assert.Zero(t, result.Failures)
	assert.Equal(t, "process_starts", result.Message)
}

func TestPollStopsOnCompletion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(pendingStream))
			return
		}
		_, _ = w.Write([]byte(completedStream))
	}))
	defer server.Close()

	c := newTestClient(server, 10)
	var attempts []int
	c.OnAttempt = func(attempt int, ok bool) { attempts = append(attempts, attempt) }

	result, err := c.Poll(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, core.QueueDone, result.State)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int32(3), calls.Load(), "no attempts after completion")
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, "process_completed", result.Message)
	assert.Contains(t, result.Line, `"success":true`, "close_stream is skipped")
}

func TestPollExhaustsBudgetWithPendingSnapshot(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(pendingStream))
	}))
	defer server.Close()

	result, err := newTestClient(server, 4).Poll(context.Background(), "s1")
	require.NoError(t, err, "exhaustion with a snapshot is not an error")
	assert.False(t, result.Complete)
	assert.Equal(t, core.QueueDone, result.State)
	assert.Equal(t, 4, result.Attempts)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, "process_starts", result.Message)
}

func TestPollSwallowsAttemptErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(completedStream))
	}))
	defer server.Close()

	result, err := newTestClient(server, 5).Poll(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 1, result.Failures)
}

func TestPollAllAttemptsFail(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result, err := newTestClient(server, 3).Poll(context.Background(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	var perr *driver.ProviderError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, result.Failures)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPollWithoutDataLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"msg\":\"heartbeat\"}\n: comment\n"))
	}))
	defer server.Close()

	_, err := newTestClient(server, 2).Poll(context.Background(), "s1")
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestPollHonoursCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(pendingStream))
	}))
	defer server.Close()

	c := newTestClient(server, 1000)
	c.PollOptions.Interval = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := c.Poll(ctx, "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, result.Attempts, 1000)
}

func TestLatestSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		wantOK  bool
		payload string
		pending bool
	}{
		{
			name:    "last data line wins",
			lines:   []string{`data: {"msg":"estimation"}`, `data: {"msg":"process_completed"}`},
			wantOK:  true,
			payload: `{"msg":"process_completed"}`,
		},
		{
			name:    "housekeeping skipped",
			lines:   []string{`data: {"msg":"process_generating"}`, `data: {"msg":"heartbeat"}`},
			wantOK:  true,
			payload: `{"msg":"process_generating"}`,
			pending: true,
		},
		{
			name:    "non-json falls back to substring",
			lines:   []string{`data: still estimation in progress`},
			wantOK:  true,
			payload: `still estimation in progress`,
			pending: true,
		},
		{
			name:   "no data lines",
			lines:  []string{`event: ping`, `id: 3`},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, ok := latestSnapshot(tt.lines, DefaultIgnoreMarkers)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.payload, snap.payload)
			assert.Equal(t, tt.pending, isPending(snap, DefaultPendingMarkers))
		})
	}
}

func TestCustomMarkers(t *testing.T) {
	snap, ok := latestSnapshot([]string{`data: {"msg":"queued"}`}, nil)
	require.True(t, ok)
	assert.True(t, isPending(snap, []string{"queued"}))
	assert.False(t, isPending(snap, DefaultPendingMarkers))
}

func TestWithSessionHashEncodes(t *testing.T) {
	got, err := withSessionHash("https://space.example/gradio_api/queue/data", "a b&c")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("https://space.example/gradio_api/queue/data?session_hash=%s", "a+b%26c"), got)
}
