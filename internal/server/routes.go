package server

import (
	"context"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/textgate/textgate/internal/appid"
	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/observability"
	"github.com/textgate/textgate/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	// Health endpoints are never rate limited or allow-listed
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	// Version endpoint
	s.router.Get("/version", handlers.VersionHandler)

	s.router.Get("/metrics", MetricsHandler(s.metrics))

	s.registerRelayRoutes()

	// Admin signal endpoint (optional, requires TEXTGATE_ADMIN_TOKEN)
	s.registerAdminEndpoint()
}

// registerRelayRoutes mounts the upstream endpoints behind the allow-list and
// their rate limit category.
func (s *Server) registerRelayRoutes() {
	if s.relay == nil || s.relay.Service == nil {
		if observability.ServerLogger != nil {
			observability.ServerLogger.Warn("Relay service not configured; relay endpoints disabled")
		}
		return
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.allow.Handler)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimited(core.CategoryGeneral))
			r.Post("/join_queue", s.relay.JoinQueue)
			r.Get("/queue_data/{session_hash}", s.relay.QueueData)
			r.Get("/queue_result/{session_hash}", s.relay.QueueResult)
			r.Post("/humanize", s.relay.Humanize)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimited(core.CategoryZeroGPT))
			r.Post("/zerogpt-test", s.relay.Detect)
		})
	})
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	ctx := context.Background()
	identity, _ := appid.Get(ctx)
	envPrefix := "TEXTGATE_"
	if identity != nil && identity.EnvPrefix != "" {
		envPrefix = identity.EnvPrefix
	}

	adminToken := os.Getenv(envPrefix + "ADMIN_TOKEN")
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
		}
		return
	}

	// Create HTTP signal handler with bearer token auth and rate limiting
	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})

	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
