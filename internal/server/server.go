package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/textgate/textgate/internal/config"
	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/core/engine"
	"github.com/textgate/textgate/internal/core/store"
	apperrors "github.com/textgate/textgate/internal/errors"
	"github.com/textgate/textgate/internal/observability"
	"github.com/textgate/textgate/internal/server/handlers"
	servermw "github.com/textgate/textgate/internal/server/middleware"
	"github.com/textgate/textgate/internal/server/reqctx"
)

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Limiter *engine.RateLimiter
	Relay   handlers.RelayService
	Stats   store.StatsStore
}

// Server represents the HTTP server
type Server struct {
	router  *chi.Mux
	server  *http.Server
	cfg     config.ServerConfig
	metrics config.MetricsConfig
	host    string
	port    int
	limiter *engine.RateLimiter
	stats   store.StatsStore
	relay   *handlers.RelayHandler
	allow   *servermw.AllowList
}

// New creates a new HTTP server instance
func New(cfg *config.Config, deps Deps) *Server {
	if cfg == nil {
		cfg = &config.Config{}
	}

	r := chi.NewRouter()

	// Our custom middleware in correct order (RequestID → Metrics → Recovery → CORS → client identity)
	r.Use(servermw.RequestID)      // 1. Request ID (early for correlation)
	r.Use(servermw.RequestMetrics) // 2. Metrics (measure everything)
	r.Use(servermw.Recovery)       // 3. Panic recovery
	r.Use(corsHandler(cfg.CORS))
	r.Use(servermw.ClientIP(cfg.Access.TrustForwarded))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithEnvelope(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithEnvelope(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router:  r,
		cfg:     cfg.Server,
		metrics: cfg.Metrics,
		host:    cfg.Server.Host,
		port:    cfg.Server.Port,
		limiter: deps.Limiter,
		stats:   deps.Stats,
		relay:   &handlers.RelayHandler{Service: deps.Relay},
		allow:   servermw.NewAllowList(cfg.Access.AllowedIPs),
	}

	s.registerRoutes()

	return s
}

func corsHandler(cfg config.CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{reqctx.Header, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           300,
	})
}

// rateLimited returns middleware counting requests against category.
func (s *Server) rateLimited(category core.Category) func(http.Handler) http.Handler {
	return servermw.RateLimit{
		Limiter:  s.limiter,
		Category: category,
		Stats:    s.stats,
	}.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Addr:         ln.Addr().String(),
		Handler:      s.router,
		ReadTimeout:  durationOr(s.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout: durationOr(s.cfg.WriteTimeout, config.DefaultWriteTimeout),
		IdleTimeout:  durationOr(s.cfg.IdleTimeout, 120*time.Second),
	}

	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Starting HTTP server",
			zap.String("host", s.host),
			zap.Int("port", s.port),
			zap.String("addr", ln.Addr().String()),
			zap.Bool("allow_list", s.allow.Enabled()))
	}

	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Shutting down HTTP server")
	}
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns host:port.
func (s *Server) Addr() string {
	host := strings.TrimSpace(s.host)
	return net.JoinHostPort(host, fmt.Sprint(s.port))
}

// Port returns the server port for testing
func (s *Server) Port() int {
	return s.port
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
