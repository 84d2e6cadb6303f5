// Package relay coordinates validation and the upstream clients for the
// humanize queue and the detection endpoint.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/textgate/textgate/internal/config"
	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/core/validate"
	"github.com/textgate/textgate/internal/metrics"
	"github.com/textgate/textgate/internal/observability"
	"github.com/textgate/textgate/internal/relay/driver"
	"github.com/textgate/textgate/internal/relay/driver/gradio"
	"github.com/textgate/textgate/internal/relay/driver/zerogpt"
)

// Caller-facing messages.
const (
	msgQueueUnavailable   = "Service temporarily unavailable"
	msgZeroGPTUnavailable = "ZeroGPT service unavailable"
	msgInvalidHumanize    = "Invalid request format"
	msgInvalidZeroGPT     = "Missing input_text field"
	msgMissingSession     = "session_hash is required"
)

// Logger is the subset of the server logger the service writes to.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
}

// Service runs the relay operations. PollDeadline caps every queue read,
// poll loop and humanize call; zero leaves them bound by ctx alone.
type Service struct {
	Gradio       *gradio.Client
	ZeroGPT      *zerogpt.Client
	Logger       Logger
	PollDeadline time.Duration
}

// HumanizeResult is the combined outcome of a join followed by a poll.
type HumanizeResult struct {
	Join   json.RawMessage    `json:"join"`
	Result *core.PolledResult `json:"result"`
}

// NewService builds both upstream clients from cfg. Observers feed the
// upstream and poll metrics.
func NewService(cfg *config.Config) *Service {
	httpClient := &http.Client{}
	observer := metrics.UpstreamObserver()

	g := gradio.NewClient(cfg.Gradio.JoinURL, cfg.Gradio.DataURL)
	g.Headers = cloneHeaders(cfg.Gradio.Headers)
	g.HTTPClient = httpClient
	g.Timeout = cfg.Gradio.Timeout
	g.Pacer = driver.NewPacer(cfg.Gradio.RPS, cfg.Gradio.Burst)
	g.Observer = observer
	g.OnAttempt = func(_ int, ok bool) { metrics.RecordPollAttempt(ok) }
	g.PollOptions = gradio.PollOptions{
		Attempts:       cfg.Gradio.Poll.Attempts,
		Interval:       cfg.Gradio.Poll.Interval,
		PendingMarkers: cfg.Gradio.Poll.PendingMarkers,
		IgnoreMarkers:  cfg.Gradio.Poll.IgnoreMarkers,
	}

	z := zerogpt.NewClient(cfg.ZeroGPT.URL, cfg.ZeroGPT.Cookie)
	z.Headers = cloneHeaders(cfg.ZeroGPT.Headers)
	z.HTTPClient = httpClient
	if cfg.ZeroGPT.Timeout > 0 {
		z.Timeout = cfg.ZeroGPT.Timeout
	}
	z.Pacer = driver.NewPacer(cfg.ZeroGPT.RPS, cfg.ZeroGPT.Burst)
	z.Observer = observer

	return &Service{Gradio: g, ZeroGPT: z, PollDeadline: cfg.PollDeadline()}
}

func (s *Service) withPollDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.PollDeadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.PollDeadline)
}

// Join validates a humanize payload and submits it to the queue. The upstream
// acknowledgment is returned unchanged.
func (s *Service) Join(ctx context.Context, payload []byte) (json.RawMessage, error) {
	start := time.Now()
	req, err := validate.ParseHumanize(payload)
	if err != nil {
		return nil, s.fail("join", mapValidationError(err, msgInvalidHumanize), start)
	}

	ack, err := s.Gradio.Join(ctx, req)
	if err != nil {
		return nil, s.fail("join", mapUpstreamError(err, s.Gradio.Name(), msgQueueUnavailable), start,
			zap.String("session_hash", req.SessionHash))
	}

	s.succeed("join", start, zap.String("session_hash", req.SessionHash))
	return ack, nil
}

// QueueData fetches the event stream for sessionHash once.
func (s *Service) QueueData(ctx context.Context, sessionHash string) ([]string, error) {
	start := time.Now()
	sessionHash = strings.TrimSpace(sessionHash)
	if sessionHash == "" {
		return nil, s.fail("queue_data", &Error{Kind: KindInvalidShape, Reason: "missing_session", Message: msgMissingSession, Fields: []string{"session_hash"}}, start)
	}

	ctx, cancel := s.withPollDeadline(ctx)
	defer cancel()

	lines, err := s.Gradio.Data(ctx, sessionHash)
	if err != nil {
		return nil, s.fail("queue_data", mapUpstreamError(err, s.Gradio.Name(), msgQueueUnavailable), start,
			zap.String("session_hash", sessionHash))
	}

	s.succeed("queue_data", start, zap.String("session_hash", sessionHash), zap.Int("lines", len(lines)))
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}

// QueueResult runs the bounded poll loop for sessionHash. An exhausted budget
// with a pending snapshot is a result with Complete=false, not an error.
func (s *Service) QueueResult(ctx context.Context, sessionHash string) (*core.PolledResult, error) {
	start := time.Now()
	sessionHash = strings.TrimSpace(sessionHash)
	if sessionHash == "" {
		return nil, s.fail("queue_result", &Error{Kind: KindInvalidShape, Reason: "missing_session", Message: msgMissingSession, Fields: []string{"session_hash"}}, start)
	}

	ctx, cancel := s.withPollDeadline(ctx)
	defer cancel()

	result, err := s.Gradio.Poll(ctx, sessionHash)
	if err != nil {
		fields := []zap.Field{zap.String("session_hash", sessionHash)}
		if result != nil {
			fields = append(fields, zap.Int("attempts", result.Attempts), zap.Int("failures", result.Failures))
		}
		return nil, s.fail("queue_result", mapUpstreamError(err, s.Gradio.Name(), msgQueueUnavailable), start, fields...)
	}

	s.succeed("queue_result", start,
		zap.String("session_hash", sessionHash),
		zap.Int("attempts", result.Attempts),
		zap.Bool("complete", result.Complete))
	if !result.Complete {
		s.logger().Warn("Queue poll budget exhausted before completion",
			zap.String("session_hash", sessionHash),
			zap.String("last_message", result.Message))
	}
	return result, nil
}

// Humanize joins the queue and polls the same session to completion.
func (s *Service) Humanize(ctx context.Context, payload []byte) (*HumanizeResult, error) {
	start := time.Now()
	req, err := validate.ParseHumanize(payload)
	if err != nil {
		return nil, s.fail("humanize", mapValidationError(err, msgInvalidHumanize), start)
	}

	ctx, cancel := s.withPollDeadline(ctx)
	defer cancel()

	ack, err := s.Gradio.Join(ctx, req)
	if err != nil {
		return nil, s.fail("humanize", mapUpstreamError(err, s.Gradio.Name(), msgQueueUnavailable), start,
			zap.String("session_hash", req.SessionHash), zap.String("stage", "join"))
	}

	result, err := s.Gradio.Poll(ctx, req.SessionHash)
	if err != nil {
		return nil, s.fail("humanize", mapUpstreamError(err, s.Gradio.Name(), msgQueueUnavailable), start,
			zap.String("session_hash", req.SessionHash), zap.String("stage", "poll"))
	}

	s.succeed("humanize", start,
		zap.String("session_hash", req.SessionHash),
		zap.Int("attempts", result.Attempts),
		zap.Bool("complete", result.Complete))
	return &HumanizeResult{Join: ack, Result: result}, nil
}

// Detect validates a detection payload and forwards input_text.
func (s *Service) Detect(ctx context.Context, payload []byte) (json.RawMessage, error) {
	start := time.Now()
	req, err := validate.ParseZeroGPT(payload)
	if err != nil {
		return nil, s.fail("detect", mapValidationError(err, msgInvalidZeroGPT), start)
	}

	body, err := s.ZeroGPT.Detect(ctx, req)
	if err != nil {
		return nil, s.fail("detect", mapUpstreamError(err, s.ZeroGPT.Name(), msgZeroGPTUnavailable), start,
			zap.Int("input_chars", len(req.InputText)))
	}

	s.succeed("detect", start, zap.Int("input_chars", len(req.InputText)))
	return body, nil
}

func (s *Service) succeed(operation string, start time.Time, fields ...zap.Field) {
	metrics.RecordOperation(operation, true)
	fields = append(fields, zap.String("operation", operation), zap.Duration("duration", time.Since(start)))
	s.logger().Debug("Relay operation completed", fields...)
}

func (s *Service) fail(operation string, rerr *Error, start time.Time, fields ...zap.Field) *Error {
	metrics.RecordOperation(operation, false)

	fields = append(fields,
		zap.String("operation", operation),
		zap.String("kind", string(rerr.Kind)),
		zap.String("reason", rerr.Reason),
		zap.Duration("duration", time.Since(start)))
	if rerr.Provider != "" {
		fields = append(fields, zap.String("provider", rerr.Provider))
	}
	if rerr.StatusCode > 0 {
		fields = append(fields, zap.Int("upstream_status", rerr.StatusCode))
	}
	if rerr.Err != nil {
		fields = append(fields, zap.Error(rerr.Err))
	}

	logger := s.logger()
	switch {
	case rerr.Reason == ReasonAuth:
		logger.Warn("Upstream rejected configured credentials; refresh headers or cookie", fields...)
	case rerr.Kind == KindUpstreamUnavailable:
		logger.Warn("Upstream call failed", fields...)
	default:
		logger.Debug("Rejected invalid payload", fields...)
	}
	return rerr
}

func (s *Service) logger() Logger {
	if s.Logger != nil {
		return s.Logger
	}
	if observability.ServerLogger != nil {
		return observability.ServerLogger
	}
	return zap.NewNop()
}

func cloneHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
