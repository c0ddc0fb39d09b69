// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package resource_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weft-dev/weft/internal/events"
	"github.com/weft-dev/weft/internal/resource"
)

type fakeSampler struct {
	mu  sync.Mutex
	u   resource.Utilization
	err error
}

func (f *fakeSampler) Sample(context.Context) (resource.Utilization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.u, f.err
}

func (f *fakeSampler) set(mem, cpu float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.u = resource.Utilization{Memory: mem, CPU: cpu}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(bus *events.Broadcaster) (*resource.Manager, *fakeSampler, *clock) {
	sampler := &fakeSampler{}
	clk := &clock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	m := resource.NewManager(sampler, bus, resource.Config{
		MinConcurrency: 4,
		MaxConcurrency: 16,
	}, nil)
	m.SetNowFunc(clk.Now)
	m.SetGCFunc(func() {})
	return m, sampler, clk
}

func TestScaleUpRespectsCooldown(t *testing.T) {
	m, sampler, clk := newTestManager(nil)
	require.Equal(t, 4, m.Concurrency())

	sampler.set(0.90, 0.50)
	m.RunSample(context.Background())
	assert.Equal(t, 6, m.Concurrency(), "ceiling grows by half")

	// Still hot, but inside the cooldown window.
	clk.Advance(time.Minute)
	m.RunSample(context.Background())
	assert.Equal(t, 6, m.Concurrency(), "no second scale-up within cooldown")

	clk.Advance(5 * time.Minute)
	m.RunSample(context.Background())
	assert.Equal(t, 9, m.Concurrency(), "cooldown elapsed, scale-up permitted")
}

func TestScaleUpClampsToMax(t *testing.T) {
	m, sampler, clk := newTestManager(nil)

	sampler.set(0.95, 0.95)
	for i := 0; i < 10; i++ {
		m.RunSample(context.Background())
		clk.Advance(6 * time.Minute)
	}
	assert.Equal(t, 16, m.Concurrency())
}

func TestScaleDownUsesLongerCooldownAndClampsToMin(t *testing.T) {
	m, sampler, clk := newTestManager(nil)

	// Grow the ceiling first so there is something to shed.
	sampler.set(0.90, 0.50)
	m.RunSample(context.Background())
	require.Equal(t, 6, m.Concurrency())

	sampler.set(0.10, 0.10)
	clk.Advance(6 * time.Minute)
	m.RunSample(context.Background())
	assert.Equal(t, 6, m.Concurrency(), "scale-down cooldown is longer than scale-up's")

	clk.Advance(5 * time.Minute)
	m.RunSample(context.Background())
	assert.Equal(t, 4, m.Concurrency(), "floor(6*0.8) clamped to min")

	clk.Advance(11 * time.Minute)
	m.RunSample(context.Background())
	assert.Equal(t, 4, m.Concurrency(), "never below min")
}

func TestScaleDownRequiresBothResourcesIdle(t *testing.T) {
	m, sampler, clk := newTestManager(nil)

	sampler.set(0.90, 0.50)
	m.RunSample(context.Background())
	require.Equal(t, 6, m.Concurrency())

	// Memory idle but CPU busy: hold steady.
	sampler.set(0.10, 0.60)
	clk.Advance(11 * time.Minute)
	m.RunSample(context.Background())
	assert.Equal(t, 6, m.Concurrency())
}

func TestOptimizationHysteresis(t *testing.T) {
	m, sampler, _ := newTestManager(nil)

	var optimized, collected int
	m.AddOptimizer(func() { optimized++ })
	m.SetGCFunc(func() { collected++ })

	sampler.set(0.90, 0.10)
	m.RunSample(context.Background())
	assert.Equal(t, 1, optimized)
	assert.Equal(t, 1, collected)

	// Still over threshold: latched, no re-trigger.
	m.RunSample(context.Background())
	m.RunSample(context.Background())
	assert.Equal(t, 1, optimized)

	// Dropping below the threshold alone is not enough to re-arm.
	sampler.set(0.80, 0.10)
	m.RunSample(context.Background())
	sampler.set(0.90, 0.10)
	m.RunSample(context.Background())
	assert.Equal(t, 1, optimized)

	// Below 80% of the threshold the latch releases.
	sampler.set(0.50, 0.10)
	m.RunSample(context.Background())
	sampler.set(0.90, 0.10)
	m.RunSample(context.Background())
	assert.Equal(t, 2, optimized)
	assert.Equal(t, 2, collected)
}

func TestCPUOptimizationDoesNotForceCollection(t *testing.T) {
	m, sampler, _ := newTestManager(nil)

	var optimized, collected int
	m.AddOptimizer(func() { optimized++ })
	m.SetGCFunc(func() { collected++ })

	sampler.set(0.10, 0.95)
	m.RunSample(context.Background())
	assert.Equal(t, 1, optimized)
	assert.Equal(t, 0, collected, "CPU pressure trims but does not force collection")
}

func TestCanAdmitReservesSlots(t *testing.T) {
	m, _, _ := newTestManager(nil)
	require.Equal(t, 4, m.Concurrency())

	for i := 0; i < 4; i++ {
		assert.True(t, m.CanAdmit())
	}
	assert.False(t, m.CanAdmit(), "ceiling reached")

	m.RecordCompletion(100 * time.Millisecond)
	assert.True(t, m.CanAdmit(), "completion frees a slot")
}

func TestCanAdmitRejectsUnderMemoryPressure(t *testing.T) {
	m, sampler, _ := newTestManager(nil)

	sampler.set(0.90, 0.10)
	m.RunSample(context.Background())
	assert.False(t, m.CanAdmit())

	sampler.set(0.50, 0.10)
	m.RunSample(context.Background())
	assert.True(t, m.CanAdmit())
}

func TestRecordCompletionRollingAverage(t *testing.T) {
	m, _, _ := newTestManager(nil)

	m.RecordCompletion(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, m.Snapshot().AvgDuration)

	m.RecordCompletion(200 * time.Millisecond)
	assert.Equal(t, 110*time.Millisecond, m.Snapshot().AvgDuration)
	assert.Equal(t, int64(2), m.Snapshot().Completed)
}

func TestSnapshotTracksPeaks(t *testing.T) {
	m, sampler, _ := newTestManager(nil)

	sampler.set(0.70, 0.40)
	m.RunSample(context.Background())
	sampler.set(0.30, 0.60)
	m.RunSample(context.Background())

	s := m.Snapshot()
	assert.InDelta(t, 0.30, s.Memory, 1e-9)
	assert.InDelta(t, 0.70, s.PeakMemory, 1e-9)
	assert.InDelta(t, 0.60, s.CPU, 1e-9)
	assert.InDelta(t, 0.60, s.PeakCPU, 1e-9)
	assert.Equal(t, 4, s.Concurrency)
	assert.Equal(t, 16, s.MaxConcurrency)
}

func TestSampleFailureKeepsLastState(t *testing.T) {
	m, sampler, _ := newTestManager(nil)

	sampler.set(0.70, 0.40)
	m.RunSample(context.Background())

	sampler.mu.Lock()
	sampler.err = errors.New("probe failed")
	sampler.mu.Unlock()
	m.RunSample(context.Background())

	assert.InDelta(t, 0.70, m.Snapshot().Memory, 1e-9)
}

func TestScalingEventsPublished(t *testing.T) {
	bus := events.NewBroadcaster(16, nil)
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(events.SubscriberFunc(func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}))
	bus.Start()

	m, sampler, clk := newTestManager(bus)
	sampler.set(0.90, 0.90)
	m.RunSample(context.Background())
	sampler.set(0.10, 0.10)
	clk.Advance(11 * time.Minute)
	m.RunSample(context.Background())
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	var types []events.Type
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.TypeScaledUp)
	assert.Contains(t, types, events.TypeScaledDown)
	assert.Contains(t, types, events.TypeOptimizationsApplied)
}

func TestStartStopLifecycle(t *testing.T) {
	sampler := &fakeSampler{}
	sampler.set(0.50, 0.50)
	m := resource.NewManager(sampler, nil, resource.Config{
		SampleInterval: 5 * time.Millisecond,
		MinConcurrency: 2,
		MaxConcurrency: 8,
	}, nil)

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return !m.Snapshot().LastSampled.IsZero()
	}, time.Second, time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestDrainWaitsForInFlight(t *testing.T) {
	m, _, _ := newTestManager(nil)
	require.True(t, m.CanAdmit())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.False(t, m.Drain(ctx))

	m.RecordCompletion(5 * time.Millisecond)
	assert.True(t, m.Drain(context.Background()))
}
