package metrics

import (
	"strconv"

	"github.com/textgate/textgate/internal/observability"
)

// Error response metric names
const (
	ErrorsTotalName      = "errors_total"
	PanicsTotalName      = "panics_total"
	ErrorsByEndpointName = "errors_by_endpoint"
)

// RecordError counts one error response. The class label separates caller
// mistakes (client) from relay or upstream failures (server).
func RecordError(errorCode string, httpStatus int) {
	incr(ErrorsTotalName, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
		"class":       statusClass(httpStatus),
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	incr(PanicsTotalName, nil)
}

// RecordErrorByEndpoint counts an error against its route pattern.
func RecordErrorByEndpoint(endpoint string, errorCode string) {
	incr(ErrorsByEndpointName, map[string]string{
		"endpoint":   endpoint,
		"error_code": errorCode,
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "server"
	case status >= 400:
		return "client"
	default:
		return "other"
	}
}

func incr(name string, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(name, 1, labels)
	}
}
