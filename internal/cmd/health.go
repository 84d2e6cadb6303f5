package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/textgate/textgate/internal/config"
	errwrap "github.com/textgate/textgate/internal/errors"
	"github.com/textgate/textgate/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Run a self-health check to verify the relay can start with the current configuration.",
	Run: func(cmd *cobra.Command, args []string) {
		if observability.CLILogger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewInternalError("Logger not initialized"))
			return
		}
		logger := observability.CLILogger
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			logger.Error("❌ FAIL: Version information missing")
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewInternalError("Version information missing"))
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		logger.Info("✅ Version information available")

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapInternal(cmd.Context(), err, "config load failed"))
			return
		}
		source := config.ConfigFileUsed()
		if source == "" {
			source = "defaults + environment"
		}
		logger.Info("✅ Configuration loaded", zap.String("source", source))
		logger.Info("✅ Rate limits: "+cfg.Summary(), zap.String("rate_limits", cfg.Summary()))

		if cfg.ZeroGPT.Cookie == "" {
			logger.Warn("⚠️  No ZeroGPT cookie configured")
		} else {
			logger.Info("✅ ZeroGPT cookie configured")
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
