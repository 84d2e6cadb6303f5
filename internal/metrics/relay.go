package metrics

import (
	"strconv"

	"github.com/textgate/textgate/internal/observability"
	"github.com/textgate/textgate/internal/relay/driver"
)

// Rate limiter and upstream metric names
const (
	RateLimitDecisionsName   = "ratelimit_decisions_total"
	RateLimitTrackedKeysName = "ratelimit_tracked_keys"
	UpstreamRequestsName     = "upstream_requests_total"
	UpstreamDurationName     = "upstream_request_duration_ms"
	QueuePollAttemptsName    = "queue_poll_attempts_total"
)

// RecordRateLimitDecision counts one admission decision per category.
func RecordRateLimitDecision(category string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}

	incr(RateLimitDecisionsName, map[string]string{
		"category": category,
		"decision": decision,
	})
}

// SetTrackedKeys reports how many client keys the limiter holds.
func SetTrackedKeys(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			RateLimitTrackedKeysName,
			float64(count),
			nil,
		)
	}
}

// RecordUpstreamRequest records one finished upstream call.
func RecordUpstreamRequest(info driver.RequestInfo) {
	outcome := "success"
	if info.Err != nil {
		outcome = "failure"
	}
	status := "none"
	if info.StatusCode > 0 {
		status = strconv.Itoa(info.StatusCode)
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			UpstreamRequestsName,
			1,
			map[string]string{
				"driver":    info.Driver,
				"operation": info.Operation,
				"outcome":   outcome,
				"status":    status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			UpstreamDurationName,
			info.Duration,
			map[string]string{
				"driver":    info.Driver,
				"operation": info.Operation,
			},
		)
	}
}

// UpstreamObserver adapts RecordUpstreamRequest to a driver.Observer.
func UpstreamObserver() driver.Observer {
	return RecordUpstreamRequest
}

// RecordPollAttempt counts a single queue poll attempt.
func RecordPollAttempt(ok bool) {
	result := "response"
	if !ok {
		result = "error"
	}

	incr(QueuePollAttemptsName, map[string]string{"result": result})
}
