// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package health

import (
	"sync"
	"time"
)

// CheckType distinguishes cheap connectivity probes from deep checks.
type CheckType string

const (
	CheckBasic    CheckType = "basic"
	CheckDetailed CheckType = "detailed"
)

// Record is one timestamped check outcome.
type Record struct {
	Timestamp    time.Time     `json:"timestamp"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	CheckType    CheckType     `json:"check_type"`
}

// Trend is the direction of a provider's recent success history.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
	TrendUnknown   Trend = "unknown"
)

// trendBand is the success-rate delta beyond which the trend is no
// longer considered stable.
const trendBand = 0.1

// trendWindow is how much history the trend computation splits in half.
const trendWindow = time.Hour

// minTrendSamples is the minimum number of records in each half before
// a trend is reported.
const minTrendSamples = 3

// history is a per-provider record log bounded by a retention window,
// not by count. Appends prune anything older than the window.
type history struct {
	mu                  sync.Mutex
	records             []Record
	retention           time.Duration
	consecutiveFailures int
	nowFunc             func() time.Time
}

func newHistory(retention time.Duration) *history {
	return &history{retention: retention, nowFunc: time.Now}
}

func (h *history) append(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec.Success {
		h.consecutiveFailures = 0
	} else {
		h.consecutiveFailures++
	}

	h.records = append(h.records, rec)
	h.pruneLocked()
}

func (h *history) pruneLocked() {
	cutoff := h.nowFunc().Add(-h.retention)
	idx := 0
	for idx < len(h.records) && h.records[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		h.records = append(h.records[:0], h.records[idx:]...)
	}
}

func (h *history) snapshot() (records []Record, consecutiveFailures int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()

	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out, h.consecutiveFailures
}

// stats summarises a record set.
type stats struct {
	Samples         int
	SuccessRate     float64
	ErrorRate       float64
	AvgResponseTime time.Duration
	LastChecked     time.Time
}

func computeStats(records []Record) stats {
	s := stats{Samples: len(records)}
	if len(records) == 0 {
		return s
	}

	successes := 0
	var totalRT time.Duration
	for _, r := range records {
		if r.Success {
			successes++
		}
		totalRT += r.ResponseTime
	}

	s.SuccessRate = float64(successes) / float64(len(records))
	s.ErrorRate = 1 - s.SuccessRate
	s.AvgResponseTime = totalRT / time.Duration(len(records))
	s.LastChecked = records[len(records)-1].Timestamp
	return s
}

// computeTrend splits the trailing hour of records in half and compares
// success rates. It reports TrendUnknown until both halves carry enough
// samples to be meaningful.
func computeTrend(records []Record, now time.Time) Trend {
	cutoff := now.Add(-trendWindow)
	recent := records[:0:0]
	for _, r := range records {
		if !r.Timestamp.Before(cutoff) {
			recent = append(recent, r)
		}
	}

	mid := len(recent) / 2
	older, newer := recent[:mid], recent[mid:]
	if len(older) < minTrendSamples || len(newer) < minTrendSamples {
		return TrendUnknown
	}

	delta := computeStats(newer).SuccessRate - computeStats(older).SuccessRate
	switch {
	case delta > trendBand:
		return TrendImproving
	case delta < -trendBand:
		return TrendDegrading
	default:
		return TrendStable
	}
}
