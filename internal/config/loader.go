// Package config provides centralized configuration management for textgate.
// Values are layered with viper: defaults, then an optional YAML config file,
// then TEXTGATE_* environment variables, then runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/textgate/textgate/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex

	configFile       string
	activeViper      *viper.Viper
	lastOverrides    []map[string]any
	activeConfigPath string
)

// envAliases maps short environment variable names onto config keys in
// addition to the automatic TEXTGATE_<SECTION>_<KEY> form.
var envAliases = map[string][]string{
	"server.host":                 {"HOST"},
	"server.port":                 {"PORT"},
	"logging.level":               {"LOG_LEVEL"},
	"metrics.port":                {"METRICS_PORT"},
	"metrics.enabled":             {"METRICS_ENABLED"},
	"cors.allowed_origins":        {"ALLOWED_ORIGINS"},
	"access.allowed_ips":          {"ALLOWED_IPS"},
	"rate_limit.quota":            {"QUOTA"},
	"rate_limit.window":           {"WINDOW"},
	"rate_limit.stats.redis.addr": {"REDIS_ADDR"},
	"gradio.poll.attempts":        {"POLL_ATTEMPTS"},
	"gradio.poll.interval":        {"POLL_INTERVAL"},
	"zerogpt.cookie":              {"ZEROGPT_COOKIE"},
}

// SetConfigFile pins the config file path; an empty path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration from all layers and stores it as the current
// configuration. It is safe to call repeatedly (config reload).
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	identity, err := appid.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load app identity: %w", err)
	}

	configMu.RLock()
	explicitFile := configFile
	configMu.RUnlock()

	v := viper.New()
	SetDefaults(v)

	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := gfconfig.GetAppConfigDir(identity.ConfigName); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("./config")
	}

	prefix := identity.EnvPrefixWithoutSeparator()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := []string{key, prefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
		for _, alias := range aliases {
			names = append(names, prefix+"_"+alias)
		}
		// first name is the key itself; the rest are env lookups in order
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicitFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, overrides := range runtimeOverrides {
		applyOverrides(v, "", overrides)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	activeViper = v
	lastOverrides = runtimeOverrides
	activeConfigPath = v.ConfigFileUsed()
	configMu.Unlock()

	return cfg, nil
}

// Reload re-runs Load with the runtime overrides of the previous call.
func Reload(ctx context.Context) (*Config, error) {
	configMu.RLock()
	overrides := lastOverrides
	configMu.RUnlock()
	return Load(ctx, overrides...)
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// ConfigFileUsed returns the path of the file the current config was read
// from, or "" when running on defaults and environment only.
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return activeConfigPath
}

// DefaultConfigPath returns the XDG location of the user config file.
func DefaultConfigPath() string {
	identity, _ := appid.Get(context.Background())
	dir := gfconfig.GetAppConfigDir(identity.ConfigName)
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Watch invokes onChange whenever the active config file changes on disk.
// It returns false when there is no file to watch.
func Watch(onChange func(event fsnotify.Event, cfg *Config, err error)) bool {
	configMu.RLock()
	v := activeViper
	configMu.RUnlock()

	if v == nil || v.ConfigFileUsed() == "" {
		return false
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		cfg, err := decode(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err == nil {
			configMu.Lock()
			appConfig = cfg
			configMu.Unlock()
		}
		if onChange != nil {
			onChange(event, cfg, err)
		}
	})
	v.WatchConfig()
	return true
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.RateLimit.Quota <= 0 {
		return fmt.Errorf("rate_limit.quota must be positive, got %d", c.RateLimit.Quota)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window)
	}
	for name, category := range c.RateLimit.Categories {
		if category.Quota <= 0 || category.Window <= 0 {
			return fmt.Errorf("rate_limit.categories.%s needs a positive quota and window", name)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.RateLimit.Stats.Driver)) {
	case "", "none", "memory", "redis":
	default:
		return fmt.Errorf("rate_limit.stats.driver %q is not supported", c.RateLimit.Stats.Driver)
	}
	if c.Gradio.Poll.Attempts <= 0 {
		return fmt.Errorf("gradio.poll.attempts must be positive, got %d", c.Gradio.Poll.Attempts)
	}
	if c.Gradio.Poll.Interval < 0 {
		return fmt.Errorf("gradio.poll.interval must not be negative, got %s", c.Gradio.Poll.Interval)
	}
	for key, raw := range map[string]string{
		"gradio.join_url": c.Gradio.JoinURL,
		"gradio.data_url": c.Gradio.DataURL,
		"zerogpt.url":     c.ZeroGPT.URL,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s is not an absolute URL: %q", key, raw)
		}
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.CORS.AllowedOrigins = cleanList(cfg.CORS.AllowedOrigins)
	cfg.Access.AllowedIPs = cleanList(cfg.Access.AllowedIPs)
	cfg.Gradio.Poll.PendingMarkers = cleanList(cfg.Gradio.Poll.PendingMarkers)
	cfg.Gradio.Poll.IgnoreMarkers = cleanList(cfg.Gradio.Poll.IgnoreMarkers)

	return cfg, nil
}

// applyOverrides flattens nested override maps into dotted keys and sets them
// on v so they win over environment and file values.
func applyOverrides(v *viper.Viper, prefix string, overrides map[string]any) {
	for key, value := range overrides {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok && !isLeafMap(path) {
			applyOverrides(v, path, nested)
			continue
		}
		v.Set(path, value)
	}
}

// isLeafMap reports keys whose value is a free-form map that must be set whole.
func isLeafMap(path string) bool {
	switch path {
	case "gradio.headers", "zerogpt.headers":
		return true
	}
	return false
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}
