// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProviderMetrics are aggregate counters for one provider.
type ProviderMetrics struct {
	Requests   int64         `json:"requests"`
	Successes  int64         `json:"successes"`
	Failures   int64         `json:"failures"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// MetricsSnapshot is a point-in-time view of the aggregate counters.
type MetricsSnapshot struct {
	TotalRequests     int64                      `json:"total_requests"`
	Succeeded         int64                      `json:"succeeded"`
	Failed            int64                      `json:"failed"`
	Fallbacks         int64                      `json:"fallbacks"`
	AdmissionRejected int64                      `json:"admission_rejected"`
	Exhausted         int64                      `json:"exhausted"`
	Providers         map[string]ProviderMetrics `json:"providers"`
}

type providerCounters struct {
	requests     atomic.Int64
	successes    atomic.Int64
	failures     atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
}

// metrics tracks request outcomes. Counter updates are lock-free on the
// hot path; the per-provider map only locks on first sight of a name.
type metrics struct {
	total             atomic.Int64
	succeeded         atomic.Int64
	failed            atomic.Int64
	fallbacks         atomic.Int64
	admissionRejected atomic.Int64
	exhausted         atomic.Int64

	mu        sync.RWMutex
	providers map[string]*providerCounters
}

func newMetrics() *metrics {
	return &metrics{providers: make(map[string]*providerCounters)}
}

func (m *metrics) counters(name string) *providerCounters {
	m.mu.RLock()
	c, ok := m.providers[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.providers[name]; ok {
		return c
	}
	c = &providerCounters{}
	m.providers[name] = c
	return c
}

func (m *metrics) recordRequest()           { m.total.Add(1) }
func (m *metrics) recordAdmissionRejected() { m.admissionRejected.Add(1) }
func (m *metrics) recordFallback()          { m.fallbacks.Add(1) }
func (m *metrics) recordExhausted()         { m.exhausted.Add(1) }

func (m *metrics) recordOutcome(name string, success bool, latency time.Duration) {
	c := m.counters(name)
	c.requests.Add(1)
	c.totalLatency.Add(int64(latency))
	if success {
		c.successes.Add(1)
		m.succeeded.Add(1)
	} else {
		c.failures.Add(1)
		m.failed.Add(1)
	}
}

func (m *metrics) snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TotalRequests:     m.total.Load(),
		Succeeded:         m.succeeded.Load(),
		Failed:            m.failed.Load(),
		Fallbacks:         m.fallbacks.Load(),
		AdmissionRejected: m.admissionRejected.Load(),
		Exhausted:         m.exhausted.Load(),
		Providers:         make(map[string]ProviderMetrics),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.providers {
		pm := ProviderMetrics{
			Requests:  c.requests.Load(),
			Successes: c.successes.Load(),
			Failures:  c.failures.Load(),
		}
		if pm.Requests > 0 {
			pm.AvgLatency = time.Duration(c.totalLatency.Load() / pm.Requests)
		}
		snap.Providers[name] = pm
	}
	return snap
}
