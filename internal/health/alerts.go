// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package health

import (
	"sync"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert rule types.
const (
	AlertConsecutiveFailures = "consecutive_failures"
	AlertLowSuccessRate      = "low_success_rate"
	AlertSlowResponses       = "slow_responses"
	AlertHighErrorRate       = "high_error_rate"
	AlertCapacityPressure    = "capacity_pressure"
	AlertDegradingTrend      = "degrading_trend"
)

// Alert is a raised health alert.
type Alert struct {
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Provider  string         `json:"provider"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// alertLog stores raised alerts for the report window and rate-limits
// emission per (provider, type) key.
type alertLog struct {
	mu        sync.Mutex
	alerts    []Alert
	lastFired map[string]time.Time
	cooldown  time.Duration
	retention time.Duration
	nowFunc   func() time.Time
}

func newAlertLog(cooldown, retention time.Duration) *alertLog {
	return &alertLog{
		lastFired: make(map[string]time.Time),
		cooldown:  cooldown,
		retention: retention,
		nowFunc:   time.Now,
	}
}

// tryRaise records the alert unless the same (provider, type) key fired
// within the cooldown window. Returns true when the alert was emitted.
func (l *alertLog) tryRaise(a Alert) bool {
	now := l.nowFunc()
	key := a.Provider + "/" + a.Type

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastFired[key]; ok && now.Sub(last) < l.cooldown {
		return false
	}

	l.lastFired[key] = now
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	l.alerts = append(l.alerts, a)
	l.pruneLocked(now)
	return true
}

// recent returns alerts raised within the retention window, newest last.
func (l *alertLog) recent() []Alert {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	out := make([]Alert, len(l.alerts))
	copy(out, l.alerts)
	return out
}

// trim drops stored alerts beyond the retention window. Used by the
// resource manager's optimization pass to bound memory.
func (l *alertLog) trim() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.nowFunc())
}

func (l *alertLog) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.retention)
	idx := 0
	for idx < len(l.alerts) && l.alerts[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		l.alerts = append(l.alerts[:0], l.alerts[idx:]...)
	}

	for key, at := range l.lastFired {
		if at.Before(cutoff) {
			delete(l.lastFired, key)
		}
	}
}
