// Package config loads and validates the proxy's configuration from config.yaml, environment
// variables, and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the root configuration document described by SPEC_FULL.md §6.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Groups         []Group              `mapstructure:"groups"`
	RedisURL       string               `mapstructure:"redis_url"`
	RedisKeyPrefix string               `mapstructure:"redis_key_prefix"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	MaxFailuresThreshold   int `mapstructure:"max_failures_threshold"`
	TemporaryBlockMinutes  int `mapstructure:"temporary_block_minutes"`
	RetryAfterCeilingSecs  int `mapstructure:"retry_after_ceiling_secs"`

	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

// ServerConfig holds listener and request-shaping options.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	ConnectTimeoutSecs int `mapstructure:"connect_timeout_secs"`
	RequestTimeoutSecs int `mapstructure:"request_timeout_secs"`
	ShutdownGraceSecs  int `mapstructure:"shutdown_grace_secs"`

	MaxTokensPerRequest int   `mapstructure:"max_tokens_per_request"`
	MaxRequestBytes     int64 `mapstructure:"max_request_bytes"`
	TopP                float64 `mapstructure:"top_p"`
	InjectTopP          bool    `mapstructure:"inject_top_p"`

	MaxRequestRetries int `mapstructure:"max_request_retries"`
}

// Group is a named bundle of keys sharing an egress proxy and target URL.
type Group struct {
	Name      string   `mapstructure:"name"`
	APIKeys   []string `mapstructure:"api_keys"`
	TargetURL string   `mapstructure:"target_url"`
	ProxyURL  string   `mapstructure:"proxy_url"`
}

// CircuitBreakerConfig parameterizes the per-URL breaker described in SPEC_FULL.md §4.4.
type CircuitBreakerConfig struct {
	FailureThreshold    uint32 `mapstructure:"failure_threshold"`
	RecoveryTimeoutSecs int    `mapstructure:"recovery_timeout_secs"`
	SuccessThreshold    uint32 `mapstructure:"success_threshold"`
}

func (c CircuitBreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSecs) * time.Second
}

// HealthCheckConfig drives the supplemented active health-check sweep.
type HealthCheckConfig struct {
	IntervalSecs int `mapstructure:"interval_secs"`
}

func (c HealthCheckConfig) Enabled() bool {
	return c.IntervalSecs > 0
}

// LoggingConfig selects log verbosity.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig is the thin ambient client-auth gate; end-client authentication proper is an
// external collaborator per SPEC_FULL.md §1.
type AuthConfig struct {
	ClientKeys []string `mapstructure:"client_keys"`
}

const envPrefix = "GKEYPROXY"

// Load reads config.yaml (if present) from path, layers in environment variables using the
// GKEYPROXY_ prefix, and validates the result.
func Load(path string) (*Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.connect_timeout_secs", 10)
	v.SetDefault("server.request_timeout_secs", 60)
	v.SetDefault("server.shutdown_grace_secs", 30)
	v.SetDefault("server.max_tokens_per_request", 250000)
	v.SetDefault("server.max_request_bytes", 10*1024*1024)
	v.SetDefault("server.max_request_retries", 8)

	// An empty default registers redis_url with viper so a GKEYPROXY_REDIS_URL override is seen
	// by Unmarshal; AutomaticEnv alone only affects keys viper already knows.
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_key_prefix", "gkeyproxy")

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout_secs", 60)
	v.SetDefault("circuit_breaker.success_threshold", 3)

	v.SetDefault("max_failures_threshold", 5)
	v.SetDefault("temporary_block_minutes", 1)
	v.SetDefault("retry_after_ceiling_secs", 3600)

	v.SetDefault("health_check.interval_secs", 0)
	v.SetDefault("logging.level", "info")
}

func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = gotenv.Load(path)
}

// ValidationError aggregates every problem found while validating a Config so an operator sees
// all misconfigurations at once instead of fixing them one at a time.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Errors, "; "))
}

// Validate checks the loaded configuration for internal consistency. It is run once at
// startup; any failure is a fatal, non-zero-exit condition.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.MaxTokensPerRequest < 250000 {
		errs = append(errs, "server.max_tokens_per_request must be at least 250000")
	}
	if c.Server.MaxRequestBytes <= 0 {
		errs = append(errs, "server.max_request_bytes must be positive")
	}
	if len(c.Groups) == 0 {
		errs = append(errs, "at least one group must be configured")
	}
	for _, g := range c.Groups {
		if g.Name == "" {
			errs = append(errs, "every group must have a name")
		}
		if len(g.APIKeys) == 0 {
			errs = append(errs, fmt.Sprintf("group %q has no api_keys", g.Name))
		}
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		errs = append(errs, "circuit_breaker.failure_threshold must be positive")
	}
	if c.CircuitBreaker.SuccessThreshold == 0 {
		errs = append(errs, "circuit_breaker.success_threshold must be positive")
	}
	if c.MaxFailuresThreshold <= 0 {
		errs = append(errs, "max_failures_threshold must be positive")
	}
	if c.TemporaryBlockMinutes <= 0 {
		errs = append(errs, "temporary_block_minutes must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// DistributedStore reports whether a Redis-backed KeyStore is configured.
func (c *Config) DistributedStore() bool {
	return c.RedisURL != ""
}
