// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package provider

import (
	"sync"
	"time"
)

const usageWindow = time.Minute

// UsageSnapshot is a point-in-time view of a provider's recent load,
// compared against its configured limits by the health monitor.
type UsageSnapshot struct {
	RequestsLastMinute int `json:"requests_last_minute"`
	TokensLastMinute   int `json:"tokens_last_minute"`
	InFlight           int `json:"in_flight"`
}

// usageTracker counts requests and tokens over a sliding one-minute
// window plus a live in-flight gauge. Safe for concurrent use.
type usageTracker struct {
	mu       sync.Mutex
	samples  []usageSample
	inFlight int
	nowFunc  func() time.Time
}

type usageSample struct {
	at     time.Time
	tokens int
}

func newUsageTracker() *usageTracker {
	return &usageTracker{nowFunc: time.Now}
}

// begin records the start of a call.
func (u *usageTracker) begin() {
	u.mu.Lock()
	u.inFlight++
	u.mu.Unlock()
}

// tryBegin records the start of a call unless limit > 0 and the
// in-flight gauge has already reached it.
func (u *usageTracker) tryBegin(limit int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if limit > 0 && u.inFlight >= limit {
		return false
	}
	u.inFlight++
	return true
}

// end records call completion with the tokens it consumed.
func (u *usageTracker) end(tokens int) {
	now := u.nowFunc()

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.inFlight > 0 {
		u.inFlight--
	}
	u.samples = append(u.samples, usageSample{at: now, tokens: tokens})
	u.pruneLocked(now)
}

// snapshot returns current window counts.
func (u *usageTracker) snapshot() UsageSnapshot {
	now := u.nowFunc()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.pruneLocked(now)

	snap := UsageSnapshot{InFlight: u.inFlight, RequestsLastMinute: len(u.samples)}
	for _, s := range u.samples {
		snap.TokensLastMinute += s.tokens
	}
	return snap
}

func (u *usageTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-usageWindow)
	idx := 0
	for idx < len(u.samples) && u.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		u.samples = append(u.samples[:0], u.samples[idx:]...)
	}
}
