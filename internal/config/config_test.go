// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weft-dev/weft/internal/config"
	"github.com/weft-dev/weft/internal/health"
	"github.com/weft-dev/weft/internal/orchestrator"
	"github.com/weft-dev/weft/internal/resource"
	wefterr "github.com/weft-dev/weft/pkg/errors"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.DefaultListen, cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 256, cfg.Events.QueueSize)

	assert.Equal(t, orchestrator.StrategyPriority, cfg.Orchestrator.Strategy)
	assert.Equal(t, 3, cfg.Orchestrator.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Orchestrator.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.Retry.MaxDelay)
	assert.InDelta(t, 2.0, cfg.Orchestrator.Retry.BackoffMultiplier, 1e-9)
	assert.True(t, cfg.Orchestrator.Retry.JitterEnabled)
	assert.Equal(t, uint32(5), cfg.Orchestrator.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Orchestrator.Breaker.OpenTimeout)

	assert.Equal(t, 30*time.Second, cfg.Health.BasicInterval)
	assert.Equal(t, 5*time.Minute, cfg.Health.DetailedInterval)
	assert.Equal(t, 3, cfg.Health.Thresholds.ConsecutiveFailures)
	assert.InDelta(t, health.DefaultSuccessRate, cfg.Health.Thresholds.SuccessRate, 1e-9)

	assert.Equal(t, 10*time.Second, cfg.Resources.SampleInterval)
	assert.InDelta(t, resource.DefaultScaleUpThreshold, cfg.Resources.ScaleUpThreshold, 1e-9)
	assert.Equal(t, 4, cfg.Resources.MinConcurrency)
	assert.Equal(t, 64, cfg.Resources.MaxConcurrency)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "0.0.0.0:9000"
log:
  level: debug
  format: json
providers:
  scribe:
    endpoint: "https://scribe.example.com"
    api_key: "sk-test"
    priority: 1
    timeout: 90s
    limits:
      requests_per_minute: 120
      tokens_per_minute: 50000
      max_concurrent: 8
  muse:
    endpoint: "https://muse.example.com"
    priority: 2
orchestrator:
  strategy: performance
  retry:
    max_retries: 5
    base_delay: 250ms
resources:
  min_concurrency: 2
  max_concurrency: 32
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.Len(t, cfg.Providers, 2)
	scribe := cfg.Providers["scribe"]
	assert.Equal(t, "https://scribe.example.com", scribe.Endpoint)
	assert.Equal(t, "sk-test", scribe.APIKey)
	assert.Equal(t, 1, scribe.Priority)
	assert.Equal(t, 90*time.Second, scribe.Timeout)
	assert.Equal(t, 120, scribe.Limits.RequestsPerMinute)
	assert.Equal(t, 8, scribe.Limits.MaxConcurrent)

	assert.Equal(t, orchestrator.StrategyPerformance, cfg.Orchestrator.Strategy)
	assert.Equal(t, 5, cfg.Orchestrator.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.Retry.BaseDelay)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.Retry.MaxDelay)
	assert.Equal(t, 2, cfg.Resources.MinConcurrency)
	assert.Equal(t, 32, cfg.Resources.MaxConcurrency)
}

func TestLoadStructuredFixture(t *testing.T) {
	doc := map[string]any{
		"server": map[string]any{"listen": "127.0.0.1:8400"},
		"providers": map[string]any{
			"scribe": map[string]any{
				"endpoint": "https://scribe.example.com",
				"priority": 3,
			},
		},
		"orchestrator": map[string]any{"strategy": orchestrator.StrategyRoundRobin},
	}
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)

	cfg, err := config.Load(writeConfig(t, string(raw)))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8400", cfg.Server.Listen)
	assert.Equal(t, orchestrator.StrategyRoundRobin, cfg.Orchestrator.Strategy)
	assert.Equal(t, 3, cfg.Providers["scribe"].Priority)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WEFT_SERVER_LISTEN", "127.0.0.1:7000")
	t.Setenv("WEFT_LOG_LEVEL", "warn")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Listen)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, wefterr.HasCode(err, wefterr.CodeConfigLoadReadFailure))
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "server: [not: a: mapping")
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad listen address",
			yaml:    "server:\n  listen: \"no-port-here\"\n",
			wantErr: "server.listen",
		},
		{
			name:    "port out of range",
			yaml:    "server:\n  listen: \"127.0.0.1:99999\"\n",
			wantErr: "port must be between",
		},
		{
			name:    "unknown strategy",
			yaml:    "orchestrator:\n  strategy: dice\n",
			wantErr: "orchestrator.strategy",
		},
		{
			name:    "backoff multiplier below one",
			yaml:    "orchestrator:\n  retry:\n    backoff_multiplier: 0.5\n",
			wantErr: "backoff_multiplier",
		},
		{
			name:    "max delay below base delay",
			yaml:    "orchestrator:\n  retry:\n    base_delay: 10s\n    max_delay: 1s\n",
			wantErr: "max_delay",
		},
		{
			name:    "provider without endpoint",
			yaml:    "providers:\n  scribe:\n    priority: 1\n",
			wantErr: "providers.scribe.endpoint",
		},
		{
			name:    "success rate out of range",
			yaml:    "health:\n  thresholds:\n    success_rate: 1.5\n",
			wantErr: "success_rate",
		},
		{
			name:    "scale thresholds inverted",
			yaml:    "resources:\n  scale_up_threshold: 0.3\n  scale_down_threshold: 0.8\n",
			wantErr: "scale_down_threshold",
		},
		{
			name:    "max concurrency below min",
			yaml:    "resources:\n  min_concurrency: 10\n  max_concurrency: 5\n",
			wantErr: "max_concurrency",
		},
		{
			name:    "bad log level",
			yaml:    "log:\n  level: loud\n",
			wantErr: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := config.Load(path)
			require.Error(t, err)
			assert.True(t, wefterr.HasCode(err, wefterr.CodeConfigValidateInvalidValue), "got %v", err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "bad"
log:
  level: loud
`)
	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.listen")
	assert.Contains(t, err.Error(), "log.level")
}
