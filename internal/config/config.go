package config

import (
	"time"
)

// Config represents the complete application configuration.
// Precedence, highest first: runtime overrides, environment variables
// (TEXTGATE_ prefix), config file, defaults.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Access    AccessConfig    `mapstructure:"access"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Gradio    GradioConfig    `mapstructure:"gradio"`
	ZeroGPT   ZeroGPTConfig   `mapstructure:"zerogpt"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`

	// Namespace prefixes metric names; empty uses the app telemetry namespace.
	Namespace string `mapstructure:"namespace"`

	// BearerToken protects the exporter port; the /metrics proxy sends it.
	BearerToken string `mapstructure:"bearer_token"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// AccessConfig controls the optional client address allow-list.
// An empty AllowedIPs list disables the check.
type AccessConfig struct {
	AllowedIPs []string `mapstructure:"allowed_ips"`

	// TrustForwarded honours X-Forwarded-For / X-Real-IP when deriving the
	// client identity. Enable only behind a trusted proxy.
	TrustForwarded bool `mapstructure:"trust_forwarded"`
}

// RateLimitConfig configures the per-client sliding windows.
type RateLimitConfig struct {
	Quota         int                       `mapstructure:"quota"`
	Window        time.Duration             `mapstructure:"window"`
	SweepInterval time.Duration             `mapstructure:"sweep_interval"`
	MaxKeys       int                       `mapstructure:"max_keys"`
	Categories    map[string]CategoryConfig `mapstructure:"categories"`
	Stats         StatsConfig               `mapstructure:"stats"`
}

// CategoryConfig is a quota/window pair for one endpoint category.
type CategoryConfig struct {
	Quota  int           `mapstructure:"quota"`
	Window time.Duration `mapstructure:"window"`
}

// StatsConfig selects where admission decisions are counted.
// Driver is one of: none, memory, redis.
type StatsConfig struct {
	Driver    string        `mapstructure:"driver"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	TrackKeys bool          `mapstructure:"track_keys"`
	Redis     RedisConfig   `mapstructure:"redis"`
}

// RedisConfig contains the connection settings for the Redis stats store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GradioConfig configures the queue-based humanizer backend. Timeout bounds
// a join call; for the data stream it is an idle timeout that restarts
// whenever bytes arrive.
type GradioConfig struct {
	JoinURL string            `mapstructure:"join_url"`
	DataURL string            `mapstructure:"data_url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
	RPS     float64           `mapstructure:"rps"`
	Burst   int               `mapstructure:"burst"`
	Poll    PollConfig        `mapstructure:"poll"`
}

// PollConfig bounds the queue polling loop. Deadline caps a whole poll
// (and a humanize join plus poll); see Config.PollDeadline.
type PollConfig struct {
	Attempts       int           `mapstructure:"attempts"`
	Interval       time.Duration `mapstructure:"interval"`
	Deadline       time.Duration `mapstructure:"deadline"`
	PendingMarkers []string      `mapstructure:"pending_markers"`
	IgnoreMarkers  []string      `mapstructure:"ignore_markers"`
}

// ZeroGPTConfig configures the detection backend. Cookie and Headers are
// credentials-adjacent and have no defaults.
type ZeroGPTConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Cookie  string            `mapstructure:"cookie"`
	Timeout time.Duration     `mapstructure:"timeout"`
	RPS     float64           `mapstructure:"rps"`
	Burst   int               `mapstructure:"burst"`
}
