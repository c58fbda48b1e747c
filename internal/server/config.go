package server

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the HTTP server configuration, read from the "server" section.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	TrustProxy     bool          `mapstructure:"trust_proxy"` // honor X-Forwarded-For for rate limiting
}

// ConfigFrom reads the server section from v. Keys are read one by one so
// FLYNN_SERVER_* environment overrides apply.
func ConfigFrom(v *viper.Viper) (Config, error) {
	cfg := Config{
		Host:           v.GetString("server.host"),
		Port:           v.GetInt("server.port"),
		ReadTimeout:    v.GetDuration("server.read_timeout"),
		WriteTimeout:   v.GetDuration("server.write_timeout"),
		RateLimitRPS:   v.GetFloat64("server.rate_limit_rps"),
		RateLimitBurst: v.GetInt("server.rate_limit_burst"),
		TrustProxy:     v.GetBool("server.trust_proxy"),
	}
	switch {
	case cfg.Port < 0 || cfg.Port > 65535:
		return Config{}, fmt.Errorf("server.port %d out of range", cfg.Port)
	case cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst < 1:
		return Config{}, fmt.Errorf("server rate limit %v/s burst %d must be positive", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return cfg, nil
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
