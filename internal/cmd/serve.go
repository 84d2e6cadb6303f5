package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/textgate/textgate/internal/appid"
	"github.com/textgate/textgate/internal/config"
	"github.com/textgate/textgate/internal/core/engine"
	"github.com/textgate/textgate/internal/core/store"
	errwrap "github.com/textgate/textgate/internal/errors"
	"github.com/textgate/textgate/internal/metrics"
	"github.com/textgate/textgate/internal/observability"
	"github.com/textgate/textgate/internal/relay"
	"github.com/textgate/textgate/internal/server"
	"github.com/textgate/textgate/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates app identity metadata
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (i identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case i.binaryName == "":
		return errwrap.NewInternalError("app identity missing binary name")
	case i.envPrefix == "":
		return errwrap.NewInternalError("app identity missing env prefix")
	case i.configName == "":
		return errwrap.NewInternalError("app identity missing config name")
	}
	return nil
}

// statsHealthChecker reports whether the stats backend answers. Stats are
// best-effort, so a failure only degrades readiness.
type statsHealthChecker struct {
	stats store.StatsStore
}

func (s statsHealthChecker) CheckHealth(ctx context.Context) error {
	if s.stats == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := s.stats.Totals(ctx); err != nil {
		return handlers.Degraded(errwrap.WrapInternal(ctx, err, "stats backend unreachable"))
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP relay server",
	Long: `Start the HTTP relay server with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload config (rate limits, log level, upstream headers and cookie)

The config file is also watched; edits are applied the same way as SIGHUP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		cfg, err := loadConfig(ctx, flagOverrides(cmd))
		if err != nil {
			return errwrap.WrapInternal(ctx, err, "config load failed")
		}

		logLevel := cfg.Logging.Level
		if verbose {
			logLevel = "debug"
		}
		observability.InitServerLogger(identity.BinaryName, logLevel, cfg.Logging.Profile, namespace)

		if cfg.Metrics.Enabled {
			metricsNamespace := cfg.Metrics.Namespace
			if metricsNamespace == "" {
				metricsNamespace = namespace
			}
			if err := observability.InitMetrics(observability.MetricsOptions{
				Namespace:   metricsNamespace,
				Port:        cfg.Metrics.Port,
				BearerToken: cfg.Metrics.BearerToken,
			}); err != nil {
				observability.ServerLogger.Error("Failed to initialize metrics",
					zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}
		metrics.SetServerStartTime(time.Now().Unix())

		observability.ServerLogger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", cfg.Metrics.Port),
			zap.String("rate_limits", cfg.Summary()),
			zap.String("config_file", config.ConfigFileUsed()))

		if cfg.ZeroGPT.Cookie == "" {
			observability.ServerLogger.Warn("No ZeroGPT cookie configured; detection requests may be rejected upstream")
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		defer cancelRun()

		limiter := engine.NewRateLimiter(cfg.RateLimits(), cfg.RateLimit.MaxKeys)
		limiter.StartJanitor(runCtx, cfg.RateLimit.SweepInterval)

		stats, err := store.Open(ctx, cfg.RateLimit.Stats)
		if err != nil {
			observability.ServerLogger.Warn("Stats store unavailable; admission stats disabled",
				zap.String("driver", cfg.RateLimit.Stats.Driver),
				zap.Error(err))
			stats, _ = store.Open(ctx, config.StatsConfig{Driver: store.DriverNone})
		}

		relaySvc := relay.NewReloadable(cfg)

		// Initialize health manager
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.SetInfo("rate_limits", cfg.Summary())
		hm.SetInfo("stats_driver", stats.Driver())
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
		hm.RegisterChecker("app_identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})
		hm.RegisterChecker("stats", statsHealthChecker{stats: stats})
		hm.RegisterChecker("rate_limiter", handlers.CheckerFunc(func(context.Context) error {
			if capacity := cfg.RateLimit.MaxKeys; capacity > 0 && limiter.Len() >= capacity {
				return handlers.Degraded(errwrap.NewInternalError("rate limiter at key capacity"))
			}
			return nil
		}))
		hm.RegisterChecker("upstreams", handlers.CheckerFunc(func(context.Context) error {
			current := relaySvc.Current()
			if current == nil || current.Gradio.JoinURL == "" || current.Gradio.DataURL == "" || current.ZeroGPT.URL == "" {
				return errwrap.NewInternalError("upstream endpoints not configured")
			}
			return nil
		}))

		handlers.SetAppIdentity(identity)

		srv := server.New(cfg, server.Deps{
			Limiter: limiter,
			Relay:   relaySvc,
			Stats:   stats,
		})

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Register graceful shutdown handlers (LIFO order - last registered, first executed)
		// Handler 1: Flush logger (executed last)
		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Flushing logger...")
			if err := observability.ServerLogger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				observability.ServerLogger.Warn("Logger sync returned error (may be benign)",
					zap.Error(err))
			}
			return nil
		})

		// Handler 2: Close stats store, stop the janitor and the metrics exporter
		signals.OnShutdown(func(ctx context.Context) error {
			cancelRun()
			if err := stats.Close(); err != nil {
				observability.ServerLogger.Warn("Failed to close stats store", zap.Error(err))
			}
			if err := observability.ShutdownMetrics(); err != nil {
				observability.ServerLogger.Warn("Failed to stop metrics exporter", zap.Error(err))
			}
			return nil
		})

		// Handler 3: Shutdown HTTP server (executed first)
		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			observability.ServerLogger.Info("HTTP server stopped gracefully")
			return nil
		})

		applyConfig := func(next *config.Config) {
			limiter.SetLimits(next.RateLimits())
			observability.SetServerLogLevel(next.Logging.Level)
			relaySvc.Reload(next)
			hm.SetInfo("rate_limits", next.Summary())
			observability.ServerLogger.Info("Configuration applied",
				zap.String("rate_limits", next.Summary()),
				zap.String("log_level", next.Logging.Level))
		}

		// Register config reload handler (SIGHUP)
		signals.OnReload(func(ctx context.Context) error {
			observability.ServerLogger.Info("Received SIGHUP: attempting config reload")

			next, err := config.Reload(ctx)
			if err != nil {
				observability.ServerLogger.Error("Failed to reload config",
					zap.String("file", config.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "config reload failed")
			}
			applyConfig(next)
			return nil
		})

		watching := config.Watch(func(event fsnotify.Event, next *config.Config, err error) {
			if err != nil {
				observability.ServerLogger.Warn("Ignoring invalid config change",
					zap.String("file", event.Name),
					zap.Error(err))
				return
			}
			observability.ServerLogger.Info("Config file changed", zap.String("file", event.Name))
			applyConfig(next)
		})
		if watching {
			observability.ServerLogger.Debug("Watching config file", zap.String("file", config.ConfigFileUsed()))
		}

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			observability.ServerLogger.Warn("Failed to enable double-tap force quit",
				zap.Error(err))
		}

		// Start server in background goroutine
		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		// Start signal listener in background
		go func() {
			if err := signals.Listen(ctx); err != nil {
				observability.ServerLogger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		// Wait for error or shutdown completion
		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}

		return nil
	},
}

// flagOverrides turns explicitly set serve flags into runtime overrides.
func flagOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		overrides["server.host"] = serverHost
	}
	if cmd.Flags().Changed("port") {
		overrides["server.port"] = serverPort
	}
	return overrides
}

func init() {
	rootCmd.AddCommand(serveCmd)

	identity, _ := appid.Get(context.Background())
	envPrefix := "TEXTGATE_"
	if identity != nil && identity.EnvPrefix != "" {
		envPrefix = identity.EnvPrefix
	}

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (env "+envPrefix+"HOST)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (env "+envPrefix+"PORT)")
}
