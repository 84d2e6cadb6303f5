package observability

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitCLILogger(t *testing.T) {
	InitCLILogger("textgate-test", true)
	require.NotNil(t, CLILogger)

	CLILogger.Debug("cli debug message", zap.String("mode", "verbose"))
}

func TestInitServerLoggerProfiles(t *testing.T) {
	for _, profile := range []string{"STRUCTURED", "SIMPLE", ""} {
		t.Run(profile, func(t *testing.T) {
			InitServerLogger("textgate-test", "info", profile, "textgate")
			require.NotNil(t, ServerLogger)

			ServerLogger.Info("server log message",
				zap.String("component", "test"),
				zap.String("client_key", "10.0.0.1_zerogpt"))
		})
	}
}

func TestSetServerLogLevel(t *testing.T) {
	ServerLogger = nil
	SetServerLogLevel("debug") // no logger yet: no-op

	InitServerLogger("textgate-test", "info", "STRUCTURED")
	for _, level := range []string{"trace", "debug", "info", "warn", "error", "bogus"} {
		SetServerLogLevel(level)
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLogLevel("debug"))
	assert.Equal(t, "WARN", parseLogLevel(" Warning "))
	assert.Equal(t, "TRACE", parseLogLevel("TRACE"))
	assert.Equal(t, "INFO", parseLogLevel(""))
}

func TestResolvePort(t *testing.T) {
	port, err := resolvePort("127.0.0.1:9090")
	require.NoError(t, err)
	assert.Equal(t, 9090, port)

	_, err = resolvePort("nonsense")
	require.Error(t, err)
}

func TestEmbeddedCrucibleVersion(t *testing.T) {
	version := crucible.GetVersion()
	assert.NotEmpty(t, version.Gofulmen)
	assert.NotEmpty(t, version.Crucible)
}
