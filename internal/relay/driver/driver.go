// Package driver holds what the upstream clients share: the provider error
// type, static header replay, outbound pacing, tracing and the request helper.
package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 16 << 20

// ErrIdleTimeout means a streaming call received nothing for IdleTimeout.
var ErrIdleTimeout = fmt.Errorf("upstream stream idle: %w", context.DeadlineExceeded)

// RequestInfo describes one finished upstream call.
type RequestInfo struct {
	Driver     string
	Operation  string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Observer receives every finished upstream call. Used for metrics.
type Observer func(RequestInfo)

// Call is a single outbound HTTP request.
type Call struct {
	Driver    string
	Operation string
	Method    string
	URL       string
	Body      []byte
	Headers   map[string]string

	// Set is applied after Headers and wins over them.
	Set http.Header

	HTTPClient *http.Client
	Timeout    time.Duration
	Pacer      *Pacer

	// IdleTimeout turns the call into a stream read: the timer restarts
	// every time bytes arrive, and when it (or ctx) ends a 2xx stream that
	// already delivered complete lines, those lines are returned.
	IdleTimeout time.Duration
	Observer   Observer

	SessionHash string
	Attempt     int
}

// Reply is a 2xx upstream response.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends call and returns the response for 2xx statuses. Any other status
// yields a *ProviderError.
func Do(ctx context.Context, call Call) (reply *Reply, err error) {
	start := time.Now()
	status := 0
	respBytes := 0

	defer func() {
		elapsed := time.Since(start)
		if call.Observer != nil {
			call.Observer(RequestInfo{
				Driver:     call.Driver,
				Operation:  call.Operation,
				StatusCode: status,
				Duration:   elapsed,
				Err:        err,
			})
		}
		entry := TraceEntry{
			Driver:        call.Driver,
			Operation:     call.Operation,
			Endpoint:      redactQuery(call.URL),
			Method:        call.Method,
			SessionHash:   call.SessionHash,
			Attempt:       call.Attempt,
			RequestBytes:  len(call.Body),
			StatusCode:    status,
			ResponseBytes: respBytes,
			DurationMs:    elapsed.Milliseconds(),
		}
		if err != nil {
			entry.Error = err.Error()
		}
		Trace(entry)
	}()

	if err := call.Pacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for %s pacer: %w", call.Driver, err)
	}

	ctx, cancel := withTimeout(ctx, call.Timeout)
	if cancel != nil {
		defer cancel()
	}

	var idle *idleTimer
	if call.IdleTimeout > 0 {
		ctx, idle = withIdleTimeout(ctx, call.IdleTimeout)
		defer idle.stop()
	}

	var body io.Reader
	if call.Body != nil {
		body = bytes.NewReader(call.Body)
	}
	method := call.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, call.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	ApplyHeaders(req, call.Headers)
	for name, values := range call.Set {
		req.Header.Del(name)
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	client := call.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", idleCause(ctx, err))
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup
	status = resp.StatusCode

	var reader io.Reader = resp.Body
	if idle != nil {
		reader = idle.wrap(resp.Body)
	}
	respBody, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		partial := completeLines(respBody)
		if idle == nil || len(partial) == 0 || !stoppedByTimer(ctx) || !is2xx(resp.StatusCode) {
			respBytes = len(respBody)
			return nil, fmt.Errorf("read response: %w", idleCause(ctx, err))
		}
		respBody = partial
	}
	respBytes = len(respBody)

	if !is2xx(resp.StatusCode) {
		return nil, &ProviderError{
			Provider:    call.Driver,
			Operation:   call.Operation,
			StatusCode:  resp.StatusCode,
			Message:     snippet(respBody),
			RawResponse: respBody,
		}
	}

	return &Reply{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, nil
	}
	return context.WithTimeout(ctx, timeout)
}

func is2xx(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

type idleTimer struct {
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelCauseFunc
}

func withIdleTimeout(ctx context.Context, timeout time.Duration) (context.Context, *idleTimer) {
	ctx, cancel := context.WithCancelCause(ctx)
	t := &idleTimer{timeout: timeout, cancel: cancel}
	t.timer = time.AfterFunc(timeout, func() { cancel(ErrIdleTimeout) })
	return ctx, t
}

func (t *idleTimer) stop() {
	t.timer.Stop()
	t.cancel(nil)
}

func (t *idleTimer) wrap(r io.Reader) io.Reader {
	return &idleReader{r: r, timer: t}
}

type idleReader struct {
	r     io.Reader
	timer *idleTimer
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.timer.Reset(r.timer.timeout)
	}
	return n, err
}

// stoppedByTimer reports whether ctx ended through a deadline or the idle
// timer rather than a cancellation by the caller.
func stoppedByTimer(ctx context.Context) bool {
	cause := context.Cause(ctx)
	return errors.Is(cause, ErrIdleTimeout) || errors.Is(cause, context.DeadlineExceeded)
}

func idleCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrIdleTimeout) && !errors.Is(err, ErrIdleTimeout) {
		return fmt.Errorf("%w: %w", ErrIdleTimeout, err)
	}
	return err
}

// completeLines drops a trailing partial line.
func completeLines(body []byte) []byte {
	i := bytes.LastIndexByte(body, '\n')
	if i < 0 {
		return nil
	}
	return body[:i+1]
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

// redactQuery drops the query string so session hashes and tokens in URLs
// stay out of traces.
func redactQuery(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
