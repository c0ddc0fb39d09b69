// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

// Package health runs continuous provider health monitoring: a cheap
// basic probe loop, a deeper detailed loop that also inspects capacity
// utilization and trend, and rate-limited alerting on top of both.
// Routing decisions stay with the circuit breaker and orchestrator; this
// package only observes and reports.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/weft-dev/weft/internal/events"
	"github.com/weft-dev/weft/internal/provider"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// Default monitor parameters.
const (
	DefaultBasicInterval    = 30 * time.Second
	DefaultDetailedInterval = 5 * time.Minute
	DefaultCheckTimeout     = 5 * time.Second
	DefaultRetention        = 2 * time.Hour
	DefaultAlertCooldown    = 5 * time.Minute
	DefaultAlertRetention   = 24 * time.Hour

	DefaultConsecutiveFailures = 3
	DefaultResponseTime        = 5 * time.Second
	DefaultSuccessRate         = 0.8
	DefaultErrorRate           = 0.3
	DefaultCapacityUtilization = 0.9

	// minSamplesForRates is how many records a provider needs before
	// rate-based alert rules apply.
	minSamplesForRates = 5
)

// AlertThresholds configures the alert rules.
type AlertThresholds struct {
	ConsecutiveFailures int           `mapstructure:"consecutive_failures"`
	ResponseTime        time.Duration `mapstructure:"response_time"`
	SuccessRate         float64       `mapstructure:"success_rate"`
	ErrorRate           float64       `mapstructure:"error_rate"`
}

// Config configures the Monitor.
type Config struct {
	BasicInterval       time.Duration   `mapstructure:"basic_interval"`
	DetailedInterval    time.Duration   `mapstructure:"detailed_interval"`
	CheckTimeout        time.Duration   `mapstructure:"check_timeout"`
	Retention           time.Duration   `mapstructure:"retention"`
	AlertCooldown       time.Duration   `mapstructure:"alert_cooldown"`
	AlertRetention      time.Duration   `mapstructure:"alert_retention"`
	CapacityUtilization float64         `mapstructure:"capacity_utilization"`
	Thresholds          AlertThresholds `mapstructure:"thresholds"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BasicInterval:       DefaultBasicInterval,
		DetailedInterval:    DefaultDetailedInterval,
		CheckTimeout:        DefaultCheckTimeout,
		Retention:           DefaultRetention,
		AlertCooldown:       DefaultAlertCooldown,
		AlertRetention:      DefaultAlertRetention,
		CapacityUtilization: DefaultCapacityUtilization,
		Thresholds: AlertThresholds{
			ConsecutiveFailures: DefaultConsecutiveFailures,
			ResponseTime:        DefaultResponseTime,
			SuccessRate:         DefaultSuccessRate,
			ErrorRate:           DefaultErrorRate,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BasicInterval <= 0 {
		c.BasicInterval = d.BasicInterval
	}
	if c.DetailedInterval <= 0 {
		c.DetailedInterval = d.DetailedInterval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = d.AlertCooldown
	}
	if c.AlertRetention <= 0 {
		c.AlertRetention = d.AlertRetention
	}
	if c.CapacityUtilization <= 0 {
		c.CapacityUtilization = d.CapacityUtilization
	}
	if c.Thresholds.ConsecutiveFailures <= 0 {
		c.Thresholds.ConsecutiveFailures = d.Thresholds.ConsecutiveFailures
	}
	if c.Thresholds.ResponseTime <= 0 {
		c.Thresholds.ResponseTime = d.Thresholds.ResponseTime
	}
	if c.Thresholds.SuccessRate <= 0 {
		c.Thresholds.SuccessRate = d.Thresholds.SuccessRate
	}
	if c.Thresholds.ErrorRate <= 0 {
		c.Thresholds.ErrorRate = d.Thresholds.ErrorRate
	}
	return c
}

// ProviderHealth is the per-provider section of a report.
type ProviderHealth struct {
	Name                string                 `json:"name"`
	Status              string                 `json:"status"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	SuccessRate         float64                `json:"success_rate"`
	ErrorRate           float64                `json:"error_rate"`
	AvgResponseTime     time.Duration          `json:"avg_response_time"`
	LastChecked         time.Time              `json:"last_checked"`
	Samples             int                    `json:"samples"`
	Trend               Trend                  `json:"trend"`
	Usage               provider.UsageSnapshot `json:"usage"`
}

// Report is a point-in-time view of every monitored provider.
type Report struct {
	GeneratedAt  time.Time        `json:"generated_at"`
	Providers    []ProviderHealth `json:"providers"`
	RecentAlerts []Alert          `json:"recent_alerts"`
}

// Monitor polls registered providers and raises alerts. Construct with
// NewMonitor, subscribe sinks on the broadcaster, then Start.
type Monitor struct {
	cfg      Config
	registry *provider.Registry
	bus      *events.Broadcaster
	logger   *slog.Logger

	mu        sync.Mutex
	histories map[string]*history

	alerts  *alertLog
	nowFunc func() time.Time

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewMonitor creates a Monitor over the registry. The broadcaster may be
// nil when no event sinks are wired.
func NewMonitor(reg *provider.Registry, bus *events.Broadcaster, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:       cfg,
		registry:  reg,
		bus:       bus,
		logger:    logger,
		histories: make(map[string]*history),
		alerts:    newAlertLog(cfg.AlertCooldown, cfg.AlertRetention),
		nowFunc:   time.Now,
	}
}

// Start launches the basic and detailed check loops. They run until Stop
// or context cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.loop(loopCtx, m.cfg.BasicInterval, m.RunBasicChecks)
	go m.loop(loopCtx, m.cfg.DetailedInterval, m.RunDetailedChecks)

	m.logger.Info("health monitor started",
		"basic_interval", m.cfg.BasicInterval,
		"detailed_interval", m.cfg.DetailedInterval)
}

// Stop cancels the loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// RunBasicChecks probes every registered provider once. Exported so the
// serve loop and tests can drive checks without waiting on the ticker.
func (m *Monitor) RunBasicChecks(ctx context.Context) {
	for _, entry := range m.registry.List() {
		m.checkProvider(ctx, entry, CheckBasic)
	}
}

// RunDetailedChecks probes every provider and additionally evaluates
// capacity utilization and trend.
func (m *Monitor) RunDetailedChecks(ctx context.Context) {
	for _, entry := range m.registry.List() {
		m.checkProvider(ctx, entry, CheckDetailed)
		m.evaluateCapacity(entry)
		m.evaluateTrend(entry.Name())
	}
}

func (m *Monitor) checkProvider(ctx context.Context, entry *provider.Entry, kind CheckType) {
	name := entry.Name()

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	start := m.nowFunc()
	err := entry.Provider().Ping(checkCtx)
	elapsed := m.nowFunc().Sub(start)
	cancel()

	m.RecordOutcome(name, err == nil, elapsed, kind)

	if err != nil {
		m.logger.Warn("health check failed", "provider", name, "check", string(kind), "error", err)
		m.publish(events.Event{
			Type:     events.TypeHealthCheckFailed,
			Provider: name,
			Data:     map[string]any{"check_type": string(kind), "error": err.Error()},
		})
		m.evaluateFailureAlerts(name)
		return
	}

	m.publish(events.Event{
		Type:     events.TypeHealthCheckCompleted,
		Provider: name,
		Data:     map[string]any{"check_type": string(kind), "response_time": elapsed.String()},
	})
}

// RecordOutcome appends an observed outcome to a provider's history.
// The orchestrator reports live request outcomes through this as well,
// so routing traffic sharpens the same history the probes build.
func (m *Monitor) RecordOutcome(name string, success bool, responseTime time.Duration, kind CheckType) {
	m.ensureHistory(name).append(Record{
		Timestamp:    m.nowFunc(),
		Success:      success,
		ResponseTime: responseTime,
		CheckType:    kind,
	})
}

func (m *Monitor) ensureHistory(name string) *history {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histories[name]
	if !ok {
		h = newHistory(m.cfg.Retention)
		h.nowFunc = m.nowFunc
		m.histories[name] = h
	}
	return h
}

// evaluateFailureAlerts applies the basic-check alert rules for one
// provider. Each rule raises at most one alert per cooldown window.
func (m *Monitor) evaluateFailureAlerts(name string) {
	records, consecutive := m.ensureHistory(name).snapshot()
	s := computeStats(records)

	if consecutive >= m.cfg.Thresholds.ConsecutiveFailures {
		m.raise(Alert{
			Type:     AlertConsecutiveFailures,
			Severity: SeverityHigh,
			Provider: name,
			Message:  fmt.Sprintf("%d consecutive failed checks", consecutive),
			Data:     map[string]any{"consecutive_failures": consecutive},
		})
	}

	if s.Samples >= minSamplesForRates {
		if s.SuccessRate < m.cfg.Thresholds.SuccessRate {
			m.raise(Alert{
				Type:     AlertLowSuccessRate,
				Severity: SeverityHigh,
				Provider: name,
				Message:  fmt.Sprintf("success rate %.2f below threshold %.2f", s.SuccessRate, m.cfg.Thresholds.SuccessRate),
				Data:     map[string]any{"success_rate": s.SuccessRate},
			})
		}
		if s.ErrorRate > m.cfg.Thresholds.ErrorRate {
			m.raise(Alert{
				Type:     AlertHighErrorRate,
				Severity: SeverityMedium,
				Provider: name,
				Message:  fmt.Sprintf("error rate %.2f above threshold %.2f", s.ErrorRate, m.cfg.Thresholds.ErrorRate),
				Data:     map[string]any{"error_rate": s.ErrorRate},
			})
		}
	}

	if s.Samples > 0 && s.AvgResponseTime > m.cfg.Thresholds.ResponseTime {
		m.raise(Alert{
			Type:     AlertSlowResponses,
			Severity: SeverityMedium,
			Provider: name,
			Message:  fmt.Sprintf("average response time %s above threshold %s", s.AvgResponseTime, m.cfg.Thresholds.ResponseTime),
			Data:     map[string]any{"avg_response_time": s.AvgResponseTime.String()},
		})
	}
}

// evaluateCapacity raises an alert when any configured limit is more
// than the utilization threshold consumed.
func (m *Monitor) evaluateCapacity(entry *provider.Entry) {
	limits := entry.Config().Limits
	usage := entry.Usage()

	check := func(kind string, used, limit int) {
		if limit <= 0 {
			return
		}
		utilization := float64(used) / float64(limit)
		if utilization > m.cfg.CapacityUtilization {
			m.raise(Alert{
				Type:     AlertCapacityPressure,
				Severity: SeverityHigh,
				Provider: entry.Name(),
				Message:  fmt.Sprintf("%s at %.0f%% of limit %d", kind, utilization*100, limit),
				Data:     map[string]any{"kind": kind, "used": used, "limit": limit},
			})
		}
	}

	check("requests_per_minute", usage.RequestsLastMinute, limits.RequestsPerMinute)
	check("tokens_per_minute", usage.TokensLastMinute, limits.TokensPerMinute)
	check("concurrent", usage.InFlight, limits.MaxConcurrent)
}

func (m *Monitor) evaluateTrend(name string) {
	records, _ := m.ensureHistory(name).snapshot()
	if computeTrend(records, m.nowFunc()) == TrendDegrading {
		m.raise(Alert{
			Type:     AlertDegradingTrend,
			Severity: SeverityMedium,
			Provider: name,
			Message:  "success rate trending down over the last hour",
		})
	}
}

func (m *Monitor) raise(a Alert) {
	if !m.alerts.tryRaise(a) {
		return
	}
	m.logger.Warn("alert raised", "provider", a.Provider, "type", a.Type, "severity", string(a.Severity), "message", a.Message)
	m.publish(events.Event{
		Type:     events.TypeAlert,
		Provider: a.Provider,
		Data: map[string]any{
			"alert_type": a.Type,
			"severity":   string(a.Severity),
			"message":    a.Message,
		},
	})
}

func (m *Monitor) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// ProviderHealth builds the report section for one provider.
func (m *Monitor) ProviderHealth(name string) (ProviderHealth, error) {
	entry, err := m.registry.Get(name)
	if err != nil {
		return ProviderHealth{}, wefterr.Wrap(err, wefterr.CodeHealthNotMonitored,
			"provider is not monitored", wefterr.FieldProvider(name))
	}
	return m.providerHealth(entry), nil
}

func (m *Monitor) providerHealth(entry *provider.Entry) ProviderHealth {
	name := entry.Name()
	records, consecutive := m.ensureHistory(name).snapshot()
	s := computeStats(records)

	status := "healthy"
	if consecutive >= m.cfg.Thresholds.ConsecutiveFailures {
		status = "unhealthy"
	} else if s.Samples >= minSamplesForRates && s.SuccessRate < m.cfg.Thresholds.SuccessRate {
		status = "unhealthy"
	}

	return ProviderHealth{
		Name:                name,
		Status:              status,
		ConsecutiveFailures: consecutive,
		SuccessRate:         s.SuccessRate,
		ErrorRate:           s.ErrorRate,
		AvgResponseTime:     s.AvgResponseTime,
		LastChecked:         s.LastChecked,
		Samples:             s.Samples,
		Trend:               computeTrend(records, m.nowFunc()),
		Usage:               entry.Usage(),
	}
}

// Report builds a point-in-time health report for all providers,
// including alerts raised within the retention window.
func (m *Monitor) Report() Report {
	entries := m.registry.List()
	report := Report{
		GeneratedAt:  m.nowFunc(),
		Providers:    make([]ProviderHealth, 0, len(entries)),
		RecentAlerts: m.alerts.recent(),
	}
	for _, entry := range entries {
		report.Providers = append(report.Providers, m.providerHealth(entry))
	}
	return report
}

// Healthy reports whether a provider is currently judged usable. Unknown
// providers (no history yet) count as healthy so fresh registrations
// receive traffic.
func (m *Monitor) Healthy(name string) bool {
	entry, err := m.registry.Get(name)
	if err != nil {
		return false
	}
	return m.providerHealth(entry).Status == "healthy"
}

// Trim prunes history and alert storage to their retention windows.
// Invoked by the resource manager's optimization pass.
func (m *Monitor) Trim() {
	m.mu.Lock()
	histories := make([]*history, 0, len(m.histories))
	for _, h := range m.histories {
		histories = append(histories, h)
	}
	m.mu.Unlock()

	for _, h := range histories {
		h.mu.Lock()
		h.pruneLocked()
		h.mu.Unlock()
	}
	m.alerts.trim()
}

// SetNowFunc overrides the time source (for testing). Must be called
// before Start and before any recorded outcomes.
func (m *Monitor) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
	m.alerts.nowFunc = fn
}
