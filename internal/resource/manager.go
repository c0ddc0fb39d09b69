// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

// Package resource tracks process and host utilization and adapts an
// internal concurrency ceiling to it. The manager samples utilization on
// an interval, scales the ceiling up or down with per-direction
// cooldowns, runs one-shot optimizations under memory or CPU pressure,
// and gates request admission for the orchestrator.
package resource

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/weft-dev/weft/internal/events"
)

// Default manager parameters.
const (
	DefaultSampleInterval = 10 * time.Second

	DefaultMemoryThreshold = 0.85
	DefaultCPUThreshold    = 0.90

	DefaultScaleUpThreshold   = 0.80
	DefaultScaleDownThreshold = 0.30
	DefaultScaleUpCooldown    = 5 * time.Minute
	DefaultScaleDownCooldown  = 10 * time.Minute

	DefaultMinConcurrency = 4
	DefaultMaxConcurrency = 64

	// scaleUpFactor grows the ceiling by half, scaleDownFactor shrinks
	// it by a fifth.
	scaleUpFactor   = 1.5
	scaleDownFactor = 0.8

	// hysteresisRatio: once an optimization fires, it does not re-arm
	// until utilization falls below this share of its threshold.
	hysteresisRatio = 0.8
)

// Config configures the Manager.
type Config struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`

	// MemoryThreshold and CPUThreshold trigger one-shot optimizations.
	// MemoryThreshold is also the admission ceiling.
	MemoryThreshold float64 `mapstructure:"memory_threshold"`
	CPUThreshold    float64 `mapstructure:"cpu_threshold"`

	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold"`
	ScaleUpCooldown    time.Duration `mapstructure:"scale_up_cooldown"`
	ScaleDownCooldown  time.Duration `mapstructure:"scale_down_cooldown"`

	MinConcurrency int `mapstructure:"min_concurrency"`
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval:     DefaultSampleInterval,
		MemoryThreshold:    DefaultMemoryThreshold,
		CPUThreshold:       DefaultCPUThreshold,
		ScaleUpThreshold:   DefaultScaleUpThreshold,
		ScaleDownThreshold: DefaultScaleDownThreshold,
		ScaleUpCooldown:    DefaultScaleUpCooldown,
		ScaleDownCooldown:  DefaultScaleDownCooldown,
		MinConcurrency:     DefaultMinConcurrency,
		MaxConcurrency:     DefaultMaxConcurrency,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = d.MemoryThreshold
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = d.CPUThreshold
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = d.ScaleUpThreshold
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = d.ScaleDownThreshold
	}
	if c.ScaleUpCooldown <= 0 {
		c.ScaleUpCooldown = d.ScaleUpCooldown
	}
	if c.ScaleDownCooldown <= 0 {
		c.ScaleDownCooldown = d.ScaleDownCooldown
	}
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = d.MinConcurrency
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	return c
}

// Optimizer is a pressure-relief hook run during an optimization pass
// (history trimming, cache eviction). Hooks must be fast and safe to
// call repeatedly.
type Optimizer func()

// Status is a read-only snapshot of the manager's state.
type Status struct {
	Memory         float64       `json:"memory"`
	PeakMemory     float64       `json:"peak_memory"`
	CPU            float64       `json:"cpu"`
	PeakCPU        float64       `json:"peak_cpu"`
	Concurrency    int           `json:"concurrency"`
	MinConcurrency int           `json:"min_concurrency"`
	MaxConcurrency int           `json:"max_concurrency"`
	InFlight       int           `json:"in_flight"`
	Completed      int64         `json:"completed"`
	AvgDuration    time.Duration `json:"avg_duration"`
	LastScaled     time.Time     `json:"last_scaled,omitempty"`
	LastSampled    time.Time     `json:"last_sampled,omitempty"`
}

// Manager owns the resource state. Construct with NewManager, then Start
// the sampling loop; CanAdmit and RecordCompletion are safe for
// concurrent use from request paths.
type Manager struct {
	cfg     Config
	sampler Sampler
	bus     *events.Broadcaster
	logger  *slog.Logger

	mu          sync.RWMutex
	current     Utilization
	peak        Utilization
	concurrency int
	inFlight    int
	completed   int64
	avgDuration time.Duration
	lastScaled  time.Time
	lastSampled time.Time

	memOptimized bool
	cpuOptimized bool
	optimizers   []Optimizer

	nowFunc func() time.Time
	gcFunc  func()

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a Manager. A nil sampler uses the host sampler; a
// nil broadcaster disables events.
func NewManager(sampler Sampler, bus *events.Broadcaster, cfg Config, logger *slog.Logger) *Manager {
	if sampler == nil {
		sampler = NewSystemSampler()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:         cfg,
		sampler:     sampler,
		bus:         bus,
		logger:      logger,
		concurrency: cfg.MinConcurrency,
		nowFunc:     time.Now,
		gcFunc:      func() { debug.FreeOSMemory() },
	}
}

// AddOptimizer registers a pressure-relief hook. Must be called before
// Start.
func (m *Manager) AddOptimizer(fn Optimizer) {
	m.optimizers = append(m.optimizers, fn)
}

// Start launches the sampling loop.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.SampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.RunSample(loopCtx)
			}
		}
	}()

	m.logger.Info("resource manager started",
		"sample_interval", m.cfg.SampleInterval,
		"concurrency", m.cfg.MinConcurrency,
		"max_concurrency", m.cfg.MaxConcurrency)
}

// Stop cancels the sampling loop and waits for it to exit.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.wg.Wait()
	m.logger.Info("resource manager stopped")
}

// RunSample takes one utilization sample and applies scaling and
// optimization rules. Exported so tests can drive the loop
// deterministically; the background loop calls it on every tick.
func (m *Manager) RunSample(ctx context.Context) {
	u, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("utilization sample failed", "error", err)
		return
	}
	m.apply(u)
}

func (m *Manager) apply(u Utilization) {
	m.mu.Lock()
	m.current = u
	m.lastSampled = m.nowFunc()
	m.peak.Memory = math.Max(m.peak.Memory, u.Memory)
	m.peak.CPU = math.Max(m.peak.CPU, u.CPU)
	m.mu.Unlock()

	m.evaluateScaling(u)
	m.evaluateOptimizations(u)
}

// evaluateScaling raises or lowers the concurrency ceiling. Each
// direction has its own cooldown measured from the last scaling action
// in either direction.
func (m *Manager) evaluateScaling(u Utilization) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	pressure := math.Max(u.Memory, u.CPU)

	switch {
	case pressure > m.cfg.ScaleUpThreshold && m.concurrency < m.cfg.MaxConcurrency:
		if !m.lastScaled.IsZero() && now.Sub(m.lastScaled) < m.cfg.ScaleUpCooldown {
			return
		}
		from := m.concurrency
		m.concurrency = min(m.cfg.MaxConcurrency, max(from+1, int(math.Ceil(float64(from)*scaleUpFactor))))
		m.lastScaled = now
		m.logger.Info("scaled up", "from", from, "to", m.concurrency,
			"memory", fmt.Sprintf("%.2f", u.Memory), "cpu", fmt.Sprintf("%.2f", u.CPU))
		m.publish(events.TypeScaledUp, map[string]any{
			"from": from, "to": m.concurrency, "memory": u.Memory, "cpu": u.CPU,
		})

	case u.Memory < m.cfg.ScaleDownThreshold && u.CPU < m.cfg.ScaleDownThreshold &&
		m.concurrency > m.cfg.MinConcurrency:
		if !m.lastScaled.IsZero() && now.Sub(m.lastScaled) < m.cfg.ScaleDownCooldown {
			return
		}
		from := m.concurrency
		m.concurrency = max(m.cfg.MinConcurrency, int(math.Floor(float64(from)*scaleDownFactor)))
		m.lastScaled = now
		m.logger.Info("scaled down", "from", from, "to", m.concurrency)
		m.publish(events.TypeScaledDown, map[string]any{
			"from": from, "to": m.concurrency, "memory": u.Memory, "cpu": u.CPU,
		})
	}
}

// evaluateOptimizations runs the one-shot optimization pass when memory
// or CPU crosses its threshold. Each trigger latches and does not re-arm
// until utilization drops below hysteresisRatio of the threshold.
func (m *Manager) evaluateOptimizations(u Utilization) {
	m.mu.Lock()

	runMem := false
	if u.Memory > m.cfg.MemoryThreshold && !m.memOptimized {
		m.memOptimized = true
		runMem = true
	} else if m.memOptimized && u.Memory < m.cfg.MemoryThreshold*hysteresisRatio {
		m.memOptimized = false
	}

	runCPU := false
	if u.CPU > m.cfg.CPUThreshold && !m.cpuOptimized {
		m.cpuOptimized = true
		runCPU = true
	} else if m.cpuOptimized && u.CPU < m.cfg.CPUThreshold*hysteresisRatio {
		m.cpuOptimized = false
	}
	m.mu.Unlock()

	if !runMem && !runCPU {
		return
	}

	for _, fn := range m.optimizers {
		fn()
	}
	if runMem {
		m.gcFunc()
	}

	m.logger.Info("optimizations applied", "memory_trigger", runMem, "cpu_trigger", runCPU)
	m.publish(events.TypeOptimizationsApplied, map[string]any{
		"memory_trigger": runMem, "cpu_trigger": runCPU,
		"memory": u.Memory, "cpu": u.CPU,
	})
}

// CanAdmit reports whether a new request may start, and reserves a slot
// when it may. A true return must be paired with RecordCompletion once
// the request finishes; without the reservation two concurrent callers
// could both pass an idle check.
func (m *Manager) CanAdmit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Memory >= m.cfg.MemoryThreshold {
		return false
	}
	if m.inFlight >= m.concurrency {
		return false
	}
	m.inFlight++
	return true
}

// RecordCompletion releases an admission slot and folds the request
// duration into the rolling average.
func (m *Manager) RecordCompletion(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight > 0 {
		m.inFlight--
	}
	m.completed++
	if m.avgDuration == 0 {
		m.avgDuration = d
	} else {
		// Exponential moving average, recent requests weighted at 10%.
		m.avgDuration = (m.avgDuration*9 + d) / 10
	}
}

// Drain blocks until every admitted request has completed or ctx is
// done, and reports whether the manager drained fully.
func (m *Manager) Drain(ctx context.Context) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.RLock()
		idle := m.inFlight == 0
		m.mu.RUnlock()
		if idle {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Concurrency returns the current ceiling.
func (m *Manager) Concurrency() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.concurrency
}

// Snapshot returns the current resource status.
func (m *Manager) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Memory:         m.current.Memory,
		PeakMemory:     m.peak.Memory,
		CPU:            m.current.CPU,
		PeakCPU:        m.peak.CPU,
		Concurrency:    m.concurrency,
		MinConcurrency: m.cfg.MinConcurrency,
		MaxConcurrency: m.cfg.MaxConcurrency,
		InFlight:       m.inFlight,
		Completed:      m.completed,
		AvgDuration:    m.avgDuration,
		LastScaled:     m.lastScaled,
		LastSampled:    m.lastSampled,
	}
}

func (m *Manager) publish(t events.Type, data map[string]any) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: t, Data: data})
	}
}

// SetNowFunc overrides the time source (for testing). Must be called
// before Start.
func (m *Manager) SetNowFunc(fn func() time.Time) { m.nowFunc = fn }

// SetGCFunc overrides the forced-collection hook (for testing).
func (m *Manager) SetGCFunc(fn func()) { m.gcFunc = fn }
