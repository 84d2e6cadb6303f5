package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textgate/textgate/internal/core"
)

// isolate keeps Load away from any real user config file.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	SetConfigFile("")
	t.Cleanup(func() { SetConfigFile("") })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify rate limit defaults
		assert.Equal(t, 5, cfg.RateLimit.Quota)
		assert.Equal(t, time.Minute, cfg.RateLimit.Window)
		assert.Equal(t, 2*time.Minute, cfg.RateLimit.SweepInterval)
		require.Contains(t, cfg.RateLimit.Categories, "zerogpt")
		assert.Equal(t, 20, cfg.RateLimit.Categories["zerogpt"].Quota)
		assert.Equal(t, time.Minute, cfg.RateLimit.Categories["zerogpt"].Window)
		assert.Equal(t, "none", cfg.RateLimit.Stats.Driver)

		// Verify upstream defaults
		assert.Equal(t, DefaultGradioJoinURL, cfg.Gradio.JoinURL)
		assert.Equal(t, DefaultGradioDataURL, cfg.Gradio.DataURL)
		assert.Equal(t, 10*time.Second, cfg.Gradio.Timeout)
		assert.Equal(t, 10, cfg.Gradio.Poll.Attempts)
		assert.Equal(t, time.Second, cfg.Gradio.Poll.Interval)
		assert.Equal(t, []string{"estimation", "process_starts", "process_generating"}, cfg.Gradio.Poll.PendingMarkers)
		assert.Equal(t, DefaultZeroGPTURL, cfg.ZeroGPT.URL)
		assert.Equal(t, 30*time.Second, cfg.ZeroGPT.Timeout)
		assert.Empty(t, cfg.ZeroGPT.Cookie)

		// Verify logging and metrics defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)

		assert.Empty(t, ConfigFileUsed())
		assert.Same(t, cfg, GetConfig())
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)

		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("TEXTGATE_SERVER_PORT", "7070")
		t.Setenv("TEXTGATE_RATE_LIMIT_WINDOW", "30s")
		t.Setenv("TEXTGATE_ZEROGPT_COOKIE", "session=abc")
		t.Setenv("TEXTGATE_ALLOWED_ORIGINS", "https://a.example, https://b.example")
		t.Setenv("TEXTGATE_METRICS_BEARER_TOKEN", "scrape-token")
		t.Setenv("TEXTGATE_METRICS_NAMESPACE", "relay")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "scrape-token", cfg.Metrics.BearerToken)
		assert.Equal(t, "relay", cfg.Metrics.Namespace)

		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
		assert.Equal(t, "session=abc", cfg.ZeroGPT.Cookie)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	})

	t.Run("ShortEnvAlias", func(t *testing.T) {
		isolate(t)
		t.Setenv("TEXTGATE_PORT", "6060")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6060, cfg.Server.Port)
	})

	t.Run("Precedence", func(t *testing.T) {
		isolate(t)
		path := writeConfig(t, "server:\n  port: 7000\n  host: filehost\n")
		SetConfigFile(path)
		t.Setenv("TEXTGATE_SERVER_PORT", "7100")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "filehost", cfg.Server.Host, "file beats defaults")
		assert.Equal(t, 7100, cfg.Server.Port, "env beats file")

		cfg, err = Load(ctx, map[string]any{"server": map[string]any{"port": 7200}})
		require.NoError(t, err)
		assert.Equal(t, 7200, cfg.Server.Port, "runtime overrides beat env")
		assert.Equal(t, path, ConfigFileUsed())
	})

	t.Run("FileSections", func(t *testing.T) {
		isolate(t)
		SetConfigFile(writeConfig(t, `
rate_limit:
  quota: 3
  window: 10s
  categories:
    zerogpt:
      quota: 7
      window: 1m
gradio:
  headers:
    origin: https://example.test
  poll:
    attempts: 4
    interval: 250ms
zerogpt:
  headers:
    user-agent: textgate-test
`))

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3, cfg.RateLimit.Quota)
		assert.Equal(t, 7, cfg.RateLimit.Categories["zerogpt"].Quota)
		assert.Equal(t, "https://example.test", cfg.Gradio.Headers["origin"])
		assert.Equal(t, 4, cfg.Gradio.Poll.Attempts)
		assert.Equal(t, 250*time.Millisecond, cfg.Gradio.Poll.Interval)
		assert.Equal(t, "textgate-test", cfg.ZeroGPT.Headers["user-agent"])

		limits := cfg.RateLimits()
		assert.Equal(t, 3, limits[core.CategoryGeneral].RequestsPerWindow)
		assert.Equal(t, 10*time.Second, limits[core.CategoryGeneral].WindowDuration)
		assert.Equal(t, 7, limits[core.CategoryZeroGPT].RequestsPerWindow)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))

		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		isolate(t)

		_, err := Load(ctx, map[string]any{"rate_limit": map[string]any{"quota": 0}})
		require.Error(t, err)

		_, err = Load(ctx, map[string]any{"gradio": map[string]any{"join_url": "not-a-url"}})
		require.Error(t, err)

		_, err = Load(ctx, map[string]any{"rate_limit": map[string]any{"stats": map[string]any{"driver": "etcd"}}})
		require.Error(t, err)
	})
}

func TestSummary(t *testing.T) {
	isolate(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5/min general, 20/min zerogpt", cfg.Summary())
}

func TestPollDeadlineStaysBelowWriteTimeout(t *testing.T) {
	isolate(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50*time.Second, cfg.Gradio.Poll.Deadline)
	assert.Equal(t, 50*time.Second, cfg.PollDeadline())

	cases := []struct {
		name         string
		writeTimeout time.Duration
		deadline     time.Duration
		want         time.Duration
	}{
		{"configured deadline fits", time.Minute, 30 * time.Second, 30 * time.Second},
		{"capped at write timeout", 10 * time.Second, 50 * time.Second, 9 * time.Second},
		{"unset deadline uses cap", 400 * time.Millisecond, 0, 360 * time.Millisecond},
		{"unset write timeout uses server default", 0, 0, 54 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Config{}
			c.Server.WriteTimeout = tc.writeTimeout
			c.Gradio.Poll.Deadline = tc.deadline
			assert.Equal(t, tc.want, c.PollDeadline())
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := &Config{}
	cfg.ZeroGPT.Cookie = "secret"
	cfg.ZeroGPT.Headers = map[string]string{"Cookie": "secret", "origin": "https://x"}
	cfg.RateLimit.Stats.Redis.Password = "pw"
	cfg.Metrics.BearerToken = "scrape-token"

	out := cfg.Redacted()
	assert.Equal(t, redacted, out.ZeroGPT.Cookie)
	assert.Equal(t, redacted, out.ZeroGPT.Headers["Cookie"])
	assert.Equal(t, "https://x", out.ZeroGPT.Headers["origin"])
	assert.Equal(t, redacted, out.RateLimit.Stats.Redis.Password)
	assert.Equal(t, redacted, out.Metrics.BearerToken)
	assert.Equal(t, "secret", cfg.ZeroGPT.Cookie, "original untouched")
}

func TestReloadKeepsOverrides(t *testing.T) {
	isolate(t)

	_, err := Load(context.Background(), map[string]any{"server": map[string]any{"port": 8181}})
	require.NoError(t, err)

	cfg, err := Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)
}
