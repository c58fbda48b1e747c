// Package config loads Flynn's configuration with Viper and exposes it to
// plugins through the plugin.Config interface.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seancwalsh/flynn/pkg/plugin"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides: FLYNN_SERVER_PORT=9090.
const EnvPrefix = "FLYNN"

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// Load reads configuration from configPath (or flynn.yaml in the usual
// search paths when empty) layered over defaults and FLYNN_* environment
// variables. A missing config file is not an error.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("flynn")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/flynn")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// SetDefaults registers every default Flynn understands.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("server.rate_limit_burst", 100)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)
	v.SetDefault("database.path", "flynn.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.access_token_ttl", "24h")

	v.SetDefault("plugins.detection.warning_threshold", 2.0)
	v.SetDefault("plugins.detection.critical_threshold", 3.0)
	v.SetDefault("plugins.detection.min_sample_days", 7)
	v.SetDefault("plugins.detection.enable_day_of_week_adjustment", true)
	v.SetDefault("plugins.detection.workers", 1)
	v.SetDefault("plugins.detection.child_timeout", "30s")
	v.SetDefault("plugins.detection.duplicate_policy", "append")
	v.SetDefault("plugins.detection.schedule_enabled", true)
	v.SetDefault("plugins.detection.run_at", "02:00")
	v.SetDefault("plugins.detection.anomaly_retention", "8760h")
	v.SetDefault("plugins.detection.maintenance_interval", "1h")

	v.SetDefault("plugins.notify.enabled", true)
	v.SetDefault("plugins.notify.url", "")
	v.SetDefault("plugins.notify.timeout", "10s")
	v.SetDefault("plugins.notify.min_severity", "warning")
	v.SetDefault("plugins.notify.quiet_hours_start", "")
	v.SetDefault("plugins.notify.quiet_hours_end", "")
	v.SetDefault("plugins.notify.timezone", "UTC")
}

// ViperConfig wraps a Viper instance to implement plugin.Config.
type ViperConfig struct {
	v *viper.Viper
}

// New creates a Config backed by the given Viper instance.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

func (c *ViperConfig) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

func (c *ViperConfig) Get(key string) any {
	return c.v.Get(key)
}

func (c *ViperConfig) GetString(key string) string {
	return c.v.GetString(key)
}

func (c *ViperConfig) GetInt(key string) int {
	return c.v.GetInt(key)
}

func (c *ViperConfig) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func (c *ViperConfig) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

func (c *ViperConfig) IsSet(key string) bool {
	return c.v.IsSet(key)
}

// Sub scopes the config to key. A missing section yields an empty config
// so plugins fall back to their own defaults.
func (c *ViperConfig) Sub(key string) plugin.Config {
	sub := c.v.Sub(key)
	if sub == nil {
		return New(nil)
	}
	return New(sub)
}

// Viper returns the underlying Viper instance for top-level settings.
func (c *ViperConfig) Viper() *viper.Viper {
	return c.v
}
