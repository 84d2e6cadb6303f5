package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	apperrors "github.com/textgate/textgate/internal/errors"
	"github.com/textgate/textgate/internal/metrics"
)

// HealthResponse is the static /health body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Timestamp string            `json:"timestamp"`
	Info      map[string]string `json:"info,omitempty"`
}

// ProbeResponse represents individual probe response
type ProbeResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthManager manages health checks and probe states
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	info     map[string]string
	version  string
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		info:     make(map[string]string),
		version:  version,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// SetInfo publishes a static value in the aggregate health response, such as
// the configured rate limits. Reloads overwrite it.
func (hm *HealthManager) SetInfo(key, value string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.info[key] = value
}

func (hm *HealthManager) infoSnapshot() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	if len(hm.info) == 0 {
		return nil
	}
	out := make(map[string]string, len(hm.info))
	for k, v := range hm.info {
		out[k] = v
	}
	return out
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

// CheckHealth calls f.
func (f CheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// Check results reported per checker.
const (
	checkHealthy   = "healthy"
	checkDegraded  = "degraded"
	checkUnhealthy = "unhealthy"
	checkTimeout   = "timeout"
)

type degradedError struct {
	err error
}

func (e degradedError) Error() string { return e.err.Error() }

func (e degradedError) Unwrap() error { return e.err }

// Degraded marks a checker failure as non-fatal: the probe reports
// "degraded" and still answers 200.
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return degradedError{err: err}
}

// runHealthChecks executes all registered health checks
func (hm *HealthManager) runHealthChecks(ctx context.Context) map[string]string {
	checks := make(map[string]string)

	hm.mu.RLock()
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	for name, checker := range checkers {
		if ctx.Err() != nil {
			checks[name] = checkTimeout
			continue
		}
		start := time.Now()
		err := checker.CheckHealth(ctx)
		metrics.RecordHealthCheck(name, err == nil, time.Since(start))

		var degraded degradedError
		switch {
		case err == nil:
			checks[name] = checkHealthy
		case stderrors.As(err, &degraded):
			checks[name] = checkDegraded
		default:
			checks[name] = checkUnhealthy
		}
	}

	return checks
}

// determineOverallStatus determines overall health status
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	degraded := false
	for _, status := range checks {
		switch status {
		case checkUnhealthy:
			return checkUnhealthy
		case checkDegraded, checkTimeout:
			degraded = true
		}
	}
	if degraded {
		return checkDegraded
	}
	return checkHealthy
}

// HealthHandler answers the aggregate health endpoint. It is static: it runs
// no checkers and touches no dependency, so it stays cheap for unthrottled
// callers. Dependency checks live behind /health/ready and /health/startup.
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Status:    checkHealthy,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Info:      hm.infoSnapshot(),
	})
}

// LivenessHandler reports that the process is serving requests.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ProbeResponse{Status: checkHealthy, Timestamp: time.Now().UTC()})
}

// ReadinessHandler runs the registered checkers. Only an unhealthy checker
// fails the probe; degraded ones are reported with a 200.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.probe(w, r, "ready", 5*time.Second)
}

// StartupHandler runs the registered checkers with a shorter budget.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.probe(w, r, "startup", 3*time.Second)
}

func (hm *HealthManager) probe(w http.ResponseWriter, r *http.Request, name string, budget time.Duration) {
	ctx, cancel := context.WithTimeout(r.Context(), budget)
	defer cancel()

	checks := hm.runHealthChecks(ctx)
	status := hm.determineOverallStatus(checks)

	if status == checkUnhealthy {
		envelope := apperrors.NewServiceUnavailableError(name+" probe failed")
		envelope = enrichHealthEnvelope(envelope, name, status, checks)
		apperrors.RespondWithError(w, r, envelope)
		return
	}

	writeJSON(w, ProbeResponse{Status: status, Timestamp: time.Now().UTC(), Checks: checks})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	details := map[string]interface{}{
		"status": status,
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	if probe != "" {
		details["probe"] = probe
	}
	envelope = envelope.WithDetails(details)

	contextData := map[string]interface{}{
		"status": status,
	}
	if probe != "" {
		contextData["probe"] = probe
	}

	var unhealthy []string
	for name, result := range checks {
		if result != "healthy" {
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		contextData["unhealthy_checks"] = unhealthy
	}

	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

// Global health manager instance
var globalHealthManager *HealthManager

// InitHealthManager initializes the global health manager
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the global health manager
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

// LivenessHandler answers liveness through the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		writeJSON(w, ProbeResponse{Status: checkHealthy, Timestamp: time.Now().UTC()})
		return
	}
	globalHealthManager.LivenessHandler(w, r)
}

// ReadinessHandler answers readiness through the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager != nil {
		globalHealthManager.ReadinessHandler(w, r)
		return
	}

	envelope := apperrors.NewServiceUnavailableError("health manager not initialized")
	envelope = enrichHealthEnvelope(envelope, "ready", "unknown", nil)
	apperrors.RespondWithError(w, r, envelope)
}

// StartupHandler answers startup through the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager != nil {
		globalHealthManager.StartupHandler(w, r)
		return
	}

	envelope := apperrors.NewServiceUnavailableError("health manager not initialized")
	envelope = enrichHealthEnvelope(envelope, "startup", "unknown", nil)
	apperrors.RespondWithError(w, r, envelope)
}

// HealthHandler answers the static health endpoint, with or without a
// global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		writeJSON(w, HealthResponse{Status: checkHealthy, Timestamp: time.Now().UTC().Format(time.RFC3339)})
		return
	}
	globalHealthManager.HealthHandler(w, r)
}
