package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/textgate/textgate/internal/config"
	apperrors "github.com/textgate/textgate/internal/errors"
	"github.com/textgate/textgate/internal/observability"
)

var metricsProxyClient = &http.Client{
	Timeout: 5 * time.Second,
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// MetricsHandler proxies the exporter's Prometheus output so /metrics can be
// scraped on the main HTTP port. The exporter bearer token, when configured,
// is added here and never required from the caller.
func MetricsHandler(cfg config.MetricsConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proxyMetrics(w, r, cfg)
	}
}

func proxyMetrics(w http.ResponseWriter, r *http.Request, cfg config.MetricsConfig) {
	if observability.PrometheusExporter == nil {
		apperrors.RespondWithEnvelope(w, r, apperrors.NewServiceUnavailableError("Metrics exporter not initialized"))
		return
	}

	metricsURL := fmt.Sprintf("http://127.0.0.1:%d/metrics", exporterPort(cfg.Port))
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, metricsURL, nil)
	if err != nil {
		apperrors.RespondWithEnvelope(w, r, apperrors.WrapInternal(r.Context(), err, "Unable to construct metrics request"))
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	if cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}

	resp, err := metricsProxyClient.Do(req)
	if err != nil {
		env, _ := apperrors.NewServiceUnavailableError("Prometheus exporter unavailable").
			WithContext(map[string]interface{}{
				"metrics_url":   metricsURL,
				"wrapped_error": err.Error(),
			})
		apperrors.RespondWithEnvelope(w, r, env)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logWarn("Failed to close metrics response body", zap.Error(err))
		}
	}()

	for key, values := range resp.Header {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if resp.Header.Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logWarn("Failed to write metrics response", zap.Error(err))
	}
}

func exporterPort(configured int) int {
	if port := observability.MetricsPort(); port > 0 {
		return port
	}
	if configured > 0 {
		return configured
	}
	return observability.DefaultMetricsPort
}

func logWarn(msg string, fields ...zap.Field) {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Warn(msg, fields...)
	}
}
