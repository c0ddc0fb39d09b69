// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlertCooldownDeduplicates(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := newAlertLog(5*time.Minute, 24*time.Hour)
	l.nowFunc = func() time.Time { return now }

	a := Alert{Type: AlertLowSuccessRate, Severity: SeverityHigh, Provider: "scribe"}

	assert.True(t, l.tryRaise(a))
	assert.False(t, l.tryRaise(a), "same provider and type within cooldown must not fire")

	now = now.Add(4 * time.Minute)
	assert.False(t, l.tryRaise(a))

	now = now.Add(2 * time.Minute)
	assert.True(t, l.tryRaise(a), "cooldown elapsed, alert fires again")

	assert.Len(t, l.recent(), 2)
}

func TestAlertCooldownIsPerProviderAndType(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := newAlertLog(5*time.Minute, 24*time.Hour)
	l.nowFunc = func() time.Time { return now }

	assert.True(t, l.tryRaise(Alert{Type: AlertLowSuccessRate, Provider: "scribe"}))
	assert.True(t, l.tryRaise(Alert{Type: AlertSlowResponses, Provider: "scribe"}))
	assert.True(t, l.tryRaise(Alert{Type: AlertLowSuccessRate, Provider: "muse"}))
	assert.Len(t, l.recent(), 3)
}

func TestAlertRetentionPruning(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := newAlertLog(time.Minute, 24*time.Hour)
	l.nowFunc = func() time.Time { return now }

	assert.True(t, l.tryRaise(Alert{Type: AlertHighErrorRate, Provider: "scribe"}))

	now = now.Add(25 * time.Hour)
	assert.Empty(t, l.recent(), "alerts beyond retention are dropped")

	// The lastFired entry is pruned too, so the alert can fire fresh.
	assert.True(t, l.tryRaise(Alert{Type: AlertHighErrorRate, Provider: "scribe"}))
}

func TestAlertTimestampDefaultsToNow(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := newAlertLog(time.Minute, time.Hour)
	l.nowFunc = func() time.Time { return now }

	l.tryRaise(Alert{Type: AlertDegradingTrend, Provider: "scribe"})
	got := l.recent()
	assert.Len(t, got, 1)
	assert.Equal(t, now, got[0].Timestamp)
}
