package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/core/engine"
)

// Upstream endpoints used when nothing else is configured.
const (
	DefaultGradioJoinURL = "https://conversantech-humanizer-ai.hf.space/gradio_api/queue/join?__theme=system"
	DefaultGradioDataURL = "https://conversantech-humanizer-ai.hf.space/gradio_api/queue/data"
	DefaultZeroGPTURL    = "https://api.zerogpt.com/api/detect/detectText"
)

// DefaultWriteTimeout is the server write timeout when none is configured.
const DefaultWriteTimeout = 60 * time.Second

// redacted replaces secret values in Redacted output.
const redacted = "********"

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "SIMPLE")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.namespace", "")
	v.SetDefault("metrics.bearer_token", "")

	// Health defaults
	v.SetDefault("health.enabled", true)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allow_credentials", false)

	v.SetDefault("access.allowed_ips", []string{})
	v.SetDefault("access.trust_forwarded", true)

	// Rate limit defaults: 5/min general, 20/min zerogpt
	v.SetDefault("rate_limit.quota", 5)
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.sweep_interval", "2m")
	v.SetDefault("rate_limit.max_keys", engine.DefaultMaxKeys)
	v.SetDefault("rate_limit.categories", map[string]any{
		string(core.CategoryZeroGPT): map[string]any{"quota": 20, "window": "60s"},
	})
	v.SetDefault("rate_limit.stats.driver", "none")
	v.SetDefault("rate_limit.stats.prefix", "textgate:ratelimit")
	v.SetDefault("rate_limit.stats.ttl", "24h")
	v.SetDefault("rate_limit.stats.track_keys", false)
	v.SetDefault("rate_limit.stats.redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.stats.redis.password", "")
	v.SetDefault("rate_limit.stats.redis.db", 0)

	// Humanizer queue defaults
	v.SetDefault("gradio.join_url", DefaultGradioJoinURL)
	v.SetDefault("gradio.data_url", DefaultGradioDataURL)
	v.SetDefault("gradio.headers", map[string]string{})
	v.SetDefault("gradio.timeout", "10s")
	v.SetDefault("gradio.rps", 0)
	v.SetDefault("gradio.burst", 1)
	v.SetDefault("gradio.poll.attempts", 10)
	v.SetDefault("gradio.poll.interval", "1s")
	v.SetDefault("gradio.poll.deadline", "50s")
	v.SetDefault("gradio.poll.pending_markers", []string{"estimation", "process_starts", "process_generating"})
	v.SetDefault("gradio.poll.ignore_markers", []string{"heartbeat", "close_stream"})

	// Detector defaults
	v.SetDefault("zerogpt.url", DefaultZeroGPTURL)
	v.SetDefault("zerogpt.headers", map[string]string{})
	v.SetDefault("zerogpt.cookie", "")
	v.SetDefault("zerogpt.timeout", "30s")
	v.SetDefault("zerogpt.rps", 0)
	v.SetDefault("zerogpt.burst", 1)
}

// PollDeadline returns the budget for one poll loop. It never reaches the
// server write timeout so a slow upstream still gets an error envelope
// instead of a dropped connection.
func (c *Config) PollDeadline() time.Duration {
	writeTimeout := c.Server.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	deadline := c.Gradio.Poll.Deadline
	if limit := writeTimeout * 9 / 10; deadline <= 0 || deadline > limit {
		deadline = limit
	}
	return deadline
}

// RateLimits converts the rate limit section into limiter categories.
// The top-level quota and window form the general category.
func (c *Config) RateLimits() map[core.Category]engine.RateLimit {
	limits := map[core.Category]engine.RateLimit{
		core.CategoryGeneral: {
			RequestsPerWindow: c.RateLimit.Quota,
			WindowDuration:    c.RateLimit.Window,
		},
	}
	for name, category := range c.RateLimit.Categories {
		key := core.Category(strings.ToLower(strings.TrimSpace(name)))
		if key == "" {
			continue
		}
		limits[key] = engine.RateLimit{
			RequestsPerWindow: category.Quota,
			WindowDuration:    category.Window,
		}
	}
	return limits
}

// Summary describes the effective limits the way the health endpoint reports
// them, e.g. "5/min general, 20/min zerogpt".
func (c *Config) Summary() string {
	limits := c.RateLimits()
	parts := []string{describeLimit(core.CategoryGeneral, limits[core.CategoryGeneral])}
	if zerogpt, ok := limits[core.CategoryZeroGPT]; ok {
		parts = append(parts, describeLimit(core.CategoryZeroGPT, zerogpt))
	}
	return strings.Join(parts, ", ")
}

func describeLimit(category core.Category, limit engine.RateLimit) string {
	unit := limit.WindowDuration.String()
	if limit.WindowDuration == time.Minute {
		unit = "min"
	}
	return fmt.Sprintf("%d/%s %s", limit.RequestsPerWindow, unit, category)
}

// Redacted returns a copy of c with credentials masked for display.
func (c *Config) Redacted() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Gradio.Headers = redactHeaders(c.Gradio.Headers)
	out.ZeroGPT.Headers = redactHeaders(c.ZeroGPT.Headers)
	if out.ZeroGPT.Cookie != "" {
		out.ZeroGPT.Cookie = redacted
	}
	if out.RateLimit.Stats.Redis.Password != "" {
		out.RateLimit.Stats.Redis.Password = redacted
	}
	if out.Metrics.BearerToken != "" {
		out.Metrics.BearerToken = redacted
	}
	return &out
}

func redactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		switch strings.ToLower(name) {
		case "cookie", "authorization", "x-api-key", "proxy-authorization":
			out[name] = redacted
		default:
			out[name] = value
		}
	}
	return out
}
