// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/weft-dev/weft/internal/health"
	"github.com/weft-dev/weft/internal/orchestrator"
	"github.com/weft-dev/weft/internal/provider"
	"github.com/weft-dev/weft/internal/resilience"
	"github.com/weft-dev/weft/internal/resource"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// Config is the top-level Weft configuration.
type Config struct {
	Server       ServerConfig              `mapstructure:"server"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Orchestrator orchestrator.Config       `mapstructure:"orchestrator"`
	Health       health.Config             `mapstructure:"health"`
	Resources    resource.Config           `mapstructure:"resources"`
	Events       EventsConfig              `mapstructure:"events"`
	Log          LogConfig                 `mapstructure:"log"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// ProviderConfig holds endpoint, credentials, and routing configuration
// for one upstream generation provider.
type ProviderConfig struct {
	Endpoint      string          `mapstructure:"endpoint"`
	APIKey        string          `mapstructure:"api_key"`
	Priority      int             `mapstructure:"priority"`
	MaxConcurrent int             `mapstructure:"max_concurrent"`
	Timeout       time.Duration   `mapstructure:"timeout"`
	Limits        provider.Limits `mapstructure:"limits"`
}

// EventsConfig controls the event broadcaster.
type EventsConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultListen is where the status server binds when unconfigured.
const DefaultListen = "127.0.0.1:8372"

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix WEFT_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("events.queue_size", 256)

	v.SetDefault("orchestrator.strategy", orchestrator.StrategyPriority)
	v.SetDefault("orchestrator.retry.max_retries", resilience.DefaultMaxRetries)
	v.SetDefault("orchestrator.retry.base_delay", resilience.DefaultBaseDelay)
	v.SetDefault("orchestrator.retry.max_delay", resilience.DefaultMaxDelay)
	v.SetDefault("orchestrator.retry.backoff_multiplier", resilience.DefaultBackoffMultiplier)
	v.SetDefault("orchestrator.retry.jitter_enabled", true)
	v.SetDefault("orchestrator.breaker.failure_threshold", resilience.DefaultFailureThreshold)
	v.SetDefault("orchestrator.breaker.open_timeout", resilience.DefaultOpenTimeout)

	v.SetDefault("health.basic_interval", health.DefaultBasicInterval)
	v.SetDefault("health.detailed_interval", health.DefaultDetailedInterval)
	v.SetDefault("health.check_timeout", health.DefaultCheckTimeout)
	v.SetDefault("health.retention", health.DefaultRetention)
	v.SetDefault("health.alert_cooldown", health.DefaultAlertCooldown)
	v.SetDefault("health.alert_retention", health.DefaultAlertRetention)
	v.SetDefault("health.capacity_utilization", health.DefaultCapacityUtilization)
	v.SetDefault("health.thresholds.consecutive_failures", health.DefaultConsecutiveFailures)
	v.SetDefault("health.thresholds.response_time", health.DefaultResponseTime)
	v.SetDefault("health.thresholds.success_rate", health.DefaultSuccessRate)
	v.SetDefault("health.thresholds.error_rate", health.DefaultErrorRate)

	v.SetDefault("resources.sample_interval", resource.DefaultSampleInterval)
	v.SetDefault("resources.memory_threshold", resource.DefaultMemoryThreshold)
	v.SetDefault("resources.cpu_threshold", resource.DefaultCPUThreshold)
	v.SetDefault("resources.scale_up_threshold", resource.DefaultScaleUpThreshold)
	v.SetDefault("resources.scale_down_threshold", resource.DefaultScaleDownThreshold)
	v.SetDefault("resources.scale_up_cooldown", resource.DefaultScaleUpCooldown)
	v.SetDefault("resources.scale_down_cooldown", resource.DefaultScaleDownCooldown)
	v.SetDefault("resources.min_concurrency", resource.DefaultMinConcurrency)
	v.SetDefault("resources.max_concurrency", resource.DefaultMaxConcurrency)

	// Environment
	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, wefterr.Errorf(wefterr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wefterr.Errorf(wefterr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns all
// validation errors found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateProviders()...)
	errs = append(errs, c.validateOrchestrator()...)
	errs = append(errs, c.validateHealth()...)
	errs = append(errs, c.validateResources()...)
	errs = append(errs, c.validateLog()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: server.listen must not be empty"))
		return errs
	}

	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err,
		))
		return errs
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateProviders() []error {
	var errs []error

	for name, p := range c.Providers {
		if p.Endpoint == "" {
			errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
				"config: providers.%s.endpoint must not be empty", name))
		}
		if p.Priority < 0 {
			errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
				"config: providers.%s.priority must not be negative, got %d", name, p.Priority))
		}
		if p.Timeout < 0 {
			errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
				"config: providers.%s.timeout must not be negative, got %s", name, p.Timeout))
		}
		if p.Limits.RequestsPerMinute < 0 || p.Limits.TokensPerMinute < 0 || p.Limits.MaxConcurrent < 0 {
			errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
				"config: providers.%s.limits must not be negative", name))
		}
	}

	return errs
}

func (c *Config) validateOrchestrator() []error {
	var errs []error

	validStrategies := map[string]bool{
		"": true,
		orchestrator.StrategyPriority:    true,
		orchestrator.StrategyRoundRobin:  true,
		orchestrator.StrategyPerformance: true,
	}
	if !validStrategies[c.Orchestrator.Strategy] {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: orchestrator.strategy must be one of [priority, round_robin, performance], got %q",
			c.Orchestrator.Strategy,
		))
	}

	r := c.Orchestrator.Retry
	if r.MaxRetries < 0 {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: orchestrator.retry.max_retries must not be negative, got %d", r.MaxRetries))
	}
	if r.BackoffMultiplier < 1 {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: orchestrator.retry.backoff_multiplier must be at least 1, got %g", r.BackoffMultiplier))
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: orchestrator.retry.max_delay %s must not be below base_delay %s", r.MaxDelay, r.BaseDelay))
	}

	return errs
}

func (c *Config) validateHealth() []error {
	var errs []error

	if c.Health.BasicInterval <= 0 {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: health.basic_interval must be greater than 0, got %s", c.Health.BasicInterval))
	}
	if c.Health.DetailedInterval <= 0 {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: health.detailed_interval must be greater than 0, got %s", c.Health.DetailedInterval))
	}
	if sr := c.Health.Thresholds.SuccessRate; sr <= 0 || sr > 1 {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: health.thresholds.success_rate must be in (0, 1], got %g", sr))
	}
	if er := c.Health.Thresholds.ErrorRate; er <= 0 || er > 1 {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: health.thresholds.error_rate must be in (0, 1], got %g", er))
	}

	return errs
}

func (c *Config) validateResources() []error {
	var errs []error

	fractions := map[string]float64{
		"resources.memory_threshold":     c.Resources.MemoryThreshold,
		"resources.cpu_threshold":        c.Resources.CPUThreshold,
		"resources.scale_up_threshold":   c.Resources.ScaleUpThreshold,
		"resources.scale_down_threshold": c.Resources.ScaleDownThreshold,
	}
	for key, val := range fractions {
		if val <= 0 || val > 1 {
			errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
				"config: %s must be in (0, 1], got %g", key, val))
		}
	}

	if c.Resources.ScaleDownThreshold >= c.Resources.ScaleUpThreshold {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: resources.scale_down_threshold %g must be below scale_up_threshold %g",
			c.Resources.ScaleDownThreshold, c.Resources.ScaleUpThreshold,
		))
	}

	if c.Resources.MinConcurrency <= 0 {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: resources.min_concurrency must be greater than 0, got %d", c.Resources.MinConcurrency))
	}
	if c.Resources.MaxConcurrency < c.Resources.MinConcurrency {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: resources.max_concurrency %d must not be below min_concurrency %d",
			c.Resources.MaxConcurrency, c.Resources.MinConcurrency,
		))
	}

	return errs
}

func (c *Config) validateLog() []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: log.level must be one of [debug, info, warn, error], got %q", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"config: log.format must be one of [text, json], got %q", c.Log.Format))
	}

	return errs
}
