// Package gradio talks to a Gradio queue: join a session, then poll its
// event stream until the job finishes or the attempt budget runs out.
package gradio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/relay/driver"
)

const (
	driverName = "gradio"

	DefaultAttempts = 10
	DefaultInterval = time.Second

	dataPrefix = "data:"
)

var (
	DefaultPendingMarkers = []string{"estimation", "process_starts", "process_generating"}
	DefaultIgnoreMarkers  = []string{"heartbeat", "close_stream"}
)

var (
	// ErrNoSnapshot means every poll attempt finished without a usable
	// data line.
	ErrNoSnapshot = errors.New("no queue snapshot received")

	errPending = errors.New("job still pending")
)

// PollOptions bounds the polling loop.
type PollOptions struct {
	Attempts       int
	Interval       time.Duration
	PendingMarkers []string
	IgnoreMarkers  []string
}

// Client is a Gradio queue client. Timeout bounds a join; for data reads it
// is an idle timeout.
type Client struct {
	JoinURL     string
	DataURL     string
	Headers     map[string]string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Pacer       *driver.Pacer
	Observer    driver.Observer
	PollOptions PollOptions

	// OnAttempt is called after every poll attempt with the attempt number
	// and whether it produced a response.
	OnAttempt func(attempt int, ok bool)
}

// NewClient returns a client with default poll options.
func NewClient(joinURL, dataURL string) *Client {
	return &Client{
		JoinURL: strings.TrimSpace(joinURL),
		DataURL: strings.TrimSpace(dataURL),
		PollOptions: PollOptions{
			Attempts:       DefaultAttempts,
			Interval:       DefaultInterval,
			PendingMarkers: DefaultPendingMarkers,
			IgnoreMarkers:  DefaultIgnoreMarkers,
		},
	}
}

// Name returns the driver identifier.
func (c *Client) Name() string {
	return driverName
}

// Join submits a validated payload to the queue. The upstream body is
// returned as-is; it is an acknowledgment, not the result.
func (c *Client) Join(ctx context.Context, req core.HumanizeRequest) (json.RawMessage, error) {
	if c == nil || c.JoinURL == "" {
		return nil, fmt.Errorf("gradio client not configured")
	}

	reply, err := driver.Do(ctx, driver.Call{
		Driver:      driverName,
		Operation:   "join",
		Method:      http.MethodPost,
		URL:         c.JoinURL,
		Body:        req.Body,
		Headers:     c.Headers,
		Set:         http.Header{"Content-Type": []string{"application/json"}},
		HTTPClient:  c.HTTPClient,
		Timeout:     c.Timeout,
		Pacer:       c.Pacer,
		Observer:    c.Observer,
		SessionHash: req.SessionHash,
	})
	if err != nil {
		return nil, err
	}

	body := bytes.TrimSpace(reply.Body)
	if len(body) == 0 || !json.Valid(body) {
		return nil, &driver.ProviderError{
			Provider:    driverName,
			Operation:   "join",
			StatusCode:  reply.StatusCode,
			Message:     "join response is not a JSON body",
			RawResponse: reply.Body,
		}
	}
	return json.RawMessage(body), nil
}

// Data reads the event stream for a session once and returns its non-empty
// lines. Timeout is applied as an idle timeout: a stream that keeps sending
// is read until the upstream closes it or ctx ends, and the complete lines
// received by then are returned.
func (c *Client) Data(ctx context.Context, sessionHash string) ([]string, error) {
	return c.data(ctx, sessionHash, 0)
}

func (c *Client) data(ctx context.Context, sessionHash string, attempt int) ([]string, error) {
	if c == nil || c.DataURL == "" {
		return nil, fmt.Errorf("gradio client not configured")
	}

	endpoint, err := withSessionHash(c.DataURL, sessionHash)
	if err != nil {
		return nil, err
	}

	reply, err := driver.Do(ctx, driver.Call{
		Driver:      driverName,
		Operation:   "data",
		Method:      http.MethodGet,
		URL:         endpoint,
		Headers:     c.Headers,
		Set:         http.Header{"Accept": []string{"text/event-stream"}},
		HTTPClient:  c.HTTPClient,
		IdleTimeout: c.Timeout,
		Pacer:       c.Pacer,
		Observer:    c.Observer,
		SessionHash: sessionHash,
		Attempt:     attempt,
	})
	if err != nil {
		return nil, err
	}

	return splitLines(reply.Body), nil
}

// Poll drives the POLLING state for one session.
//
// Outcomes:
//   - a snapshot without a pending marker: Complete result, nil error
//   - budget exhausted with a pending snapshot: incomplete result, nil error
//   - budget exhausted with no snapshot at all: ErrNoSnapshot
//   - ctx cancelled or expired: the context error
func (c *Client) Poll(ctx context.Context, sessionHash string) (*core.PolledResult, error) {
	if c == nil {
		return nil, fmt.Errorf("gradio client not configured")
	}

	opts := c.pollOptions()
	result := &core.PolledResult{
		SessionHash: sessionHash,
		State:       core.QueuePolling,
	}

	var (
		seen    bool
		lastErr error
	)

	op := func() error {
		result.Attempts++
		lines, err := c.data(ctx, sessionHash, result.Attempts)
		if c.OnAttempt != nil {
			c.OnAttempt(result.Attempts, err == nil)
		}
		if err != nil {
			result.Failures++
			lastErr = err
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		snap, ok := latestSnapshot(lines, opts.IgnoreMarkers)
		if !ok {
			return ErrNoSnapshot
		}

		seen = true
		result.Line = snap.payload
		result.Message = snap.msg
		result.ObservedAt = time.Now().UTC()
		if isPending(snap, opts.PendingMarkers) {
			return errPending
		}
		return nil
	}

	retries := uint64(opts.Attempts - 1)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Interval), retries),
		ctx,
	)

	err := backoff.Retry(op, policy)
	result.State = core.QueueDone

	switch {
	case err == nil:
		result.Complete = true
		return result, nil
	case ctx.Err() != nil:
		return result, fmt.Errorf("poll session %s: %w", sessionHash, ctx.Err())
	case !seen:
		if lastErr != nil {
			return result, fmt.Errorf("%w after %d attempts: %w", ErrNoSnapshot, result.Attempts, lastErr)
		}
		return result, fmt.Errorf("%w after %d attempts", ErrNoSnapshot, result.Attempts)
	default:
		// Budget exhausted while the job was still pending.
		return result, nil
	}
}

func (c *Client) pollOptions() PollOptions {
	opts := c.PollOptions
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Interval < 0 {
		opts.Interval = 0
	}
	if opts.PendingMarkers == nil {
		opts.PendingMarkers = DefaultPendingMarkers
	}
	if opts.IgnoreMarkers == nil {
		opts.IgnoreMarkers = DefaultIgnoreMarkers
	}
	return opts
}

type snapshot struct {
	payload string
	msg     string
	hasMsg  bool
}

// latestSnapshot returns the last data line that is not a housekeeping event.
func latestSnapshot(lines []string, ignore []string) (snapshot, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if payload == "" {
			continue
		}

		snap := snapshot{payload: payload}
		var envelope struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal([]byte(payload), &envelope); err == nil && envelope.Msg != "" {
			snap.hasMsg = true
			snap.msg = envelope.Msg
		}

		if matchesMarker(snap, ignore) {
			continue
		}
		return snap, true
	}
	return snapshot{}, false
}

func isPending(snap snapshot, pending []string) bool {
	return matchesMarker(snap, pending)
}

// matchesMarker compares the JSON msg field exactly, falling back to a
// substring test for payloads without one.
func matchesMarker(snap snapshot, markers []string) bool {
	for _, marker := range markers {
		if marker == "" {
			continue
		}
		if snap.hasMsg {
			if snap.msg == marker {
				return true
			}
			continue
		}
		if strings.Contains(snap.payload, marker) {
			return true
		}
	}
	return false
}

func splitLines(body []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func withSessionHash(raw, sessionHash string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse data url: %w", err)
	}
	q := u.Query()
	q.Set("session_hash", sessionHash)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
