// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package orchestrator

import (
	"sort"
	"sync/atomic"

	"github.com/weft-dev/weft/internal/health"
	"github.com/weft-dev/weft/internal/provider"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// Strategy names accepted in configuration.
const (
	StrategyPriority    = "priority"
	StrategyRoundRobin  = "round_robin"
	StrategyPerformance = "performance"
)

// Strategy orders candidate providers for a request. Order must not
// mutate its input and must be safe for concurrent use.
type Strategy interface {
	Name() string
	Order(entries []*provider.Entry) []*provider.Entry
}

// NewStrategy builds the named strategy. The performance strategy needs
// the health monitor for its scoring input.
func NewStrategy(name string, monitor *health.Monitor) (Strategy, error) {
	switch name {
	case StrategyPriority, "":
		return priorityStrategy{}, nil
	case StrategyRoundRobin:
		return &roundRobinStrategy{}, nil
	case StrategyPerformance:
		return &performanceStrategy{monitor: monitor}, nil
	default:
		return nil, wefterr.Errorf(wefterr.CodeConfigValidateInvalidValue,
			"unknown load-balancing strategy %q", name)
	}
}

// priorityStrategy orders by static priority rank, lower first. The sort
// is stable so ties keep registration order.
type priorityStrategy struct{}

func (priorityStrategy) Name() string { return StrategyPriority }

func (priorityStrategy) Order(entries []*provider.Entry) []*provider.Entry {
	out := make([]*provider.Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Config().Priority < out[j].Config().Priority
	})
	return out
}

// roundRobinStrategy rotates a cursor across the candidate list so load
// spreads evenly over healthy providers.
type roundRobinStrategy struct {
	cursor atomic.Uint64
}

func (*roundRobinStrategy) Name() string { return StrategyRoundRobin }

func (s *roundRobinStrategy) Order(entries []*provider.Entry) []*provider.Entry {
	if len(entries) == 0 {
		return nil
	}
	start := int((s.cursor.Add(1) - 1) % uint64(len(entries)))
	out := make([]*provider.Entry, 0, len(entries))
	out = append(out, entries[start:]...)
	out = append(out, entries[:start]...)
	return out
}

// latencyFloor keeps the performance score finite for near-zero
// observed latencies.
const latencyFloor = 0.001

// performanceStrategy orders by observed success rate over average
// latency: score = successRate / max(avgLatencySeconds, 1ms). Providers
// without history score as a full success rate at one second, so fresh
// registrations rank above degraded providers but below proven fast
// ones.
type performanceStrategy struct {
	monitor *health.Monitor
}

func (*performanceStrategy) Name() string { return StrategyPerformance }

func (s *performanceStrategy) Order(entries []*provider.Entry) []*provider.Entry {
	out := make([]*provider.Entry, len(entries))
	copy(out, entries)
	scores := make(map[string]float64, len(entries))
	for _, e := range entries {
		scores[e.Name()] = s.score(e.Name())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].Name()] > scores[out[j].Name()]
	})
	return out
}

func (s *performanceStrategy) score(name string) float64 {
	if s.monitor == nil {
		return 1
	}
	ph, err := s.monitor.ProviderHealth(name)
	if err != nil || ph.Samples == 0 {
		return 1
	}
	lat := ph.AvgResponseTime.Seconds()
	if lat < latencyFloor {
		lat = latencyFloor
	}
	return ph.SuccessRate / lat
}
