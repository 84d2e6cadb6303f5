package observability

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

// DefaultMetricsPort is used when the exporter address cannot be resolved.
const DefaultMetricsPort = 9090

var (
	// TelemetrySystem receives every relay, limiter and HTTP metric.
	TelemetrySystem *telemetry.System

	// PrometheusExporter serves TelemetrySystem in Prometheus text format.
	PrometheusExporter *exporters.PrometheusExporter

	metricsMu   sync.Mutex
	metricsPort int
)

// MetricsOptions configures the Prometheus exporter.
type MetricsOptions struct {
	// Namespace prefixes every metric name, e.g. textgate_relay_operations_total.
	Namespace string

	// Port is the exporter listen port; 0 picks a free one.
	Port int

	// BearerToken, when set, is required on every scrape of the exporter.
	BearerToken string
}

// InitMetrics starts the exporter and installs the telemetry system that
// feeds it. Calling it again replaces both.
func InitMetrics(opts MetricsOptions) error {
	if opts.Namespace == "" {
		return fmt.Errorf("metrics namespace is required")
	}
	port := max(opts.Port, 0)

	cfg := exporters.DefaultPrometheusConfig()
	cfg.Prefix = opts.Namespace
	cfg.Endpoint = fmt.Sprintf(":%d", port)
	cfg.BearerToken = opts.BearerToken
	cfg.QuietMode = true
	// Scrapes arrive through the /metrics proxy from one address.
	cfg.RateLimitPerMinute = 0

	exporter := exporters.NewPrometheusExporterWithConfig(cfg)
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter: %w", err)
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: exporter,
	})
	if err != nil {
		_ = exporter.Stop()
		return fmt.Errorf("create telemetry system: %w", err)
	}

	resolved, err := resolvePort(exporter.GetAddr())
	if err != nil {
		resolved = port
		if resolved == 0 {
			resolved = DefaultMetricsPort
		}
	}

	metricsMu.Lock()
	previous := PrometheusExporter
	PrometheusExporter = exporter
	TelemetrySystem = sys
	metricsPort = resolved
	metricsMu.Unlock()

	if previous != nil {
		_ = previous.Stop()
	}
	return nil
}

// ShutdownMetrics stops the exporter and clears the telemetry system.
func ShutdownMetrics() error {
	metricsMu.Lock()
	exporter := PrometheusExporter
	PrometheusExporter = nil
	TelemetrySystem = nil
	metricsPort = 0
	metricsMu.Unlock()

	if exporter == nil {
		return nil
	}
	return exporter.Stop()
}

// MetricsPort returns the port the exporter listens on, or 0 before
// InitMetrics.
func MetricsPort() int {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	return metricsPort
}

func resolvePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
