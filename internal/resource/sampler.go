// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package resource

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// Utilization is one point-in-time sample, both values in [0, 1].
type Utilization struct {
	Memory float64 `json:"memory"`
	CPU    float64 `json:"cpu"`
}

// Sampler measures current utilization. The manager polls it on its
// sampling interval; implementations should return quickly.
type Sampler interface {
	Sample(ctx context.Context) (Utilization, error)
}

// cpuSampleWindow is how long the CPU sampler observes per reading.
const cpuSampleWindow = 100 * time.Millisecond

// systemSampler reads host memory and CPU through gopsutil, falling
// back to Go runtime heap statistics when the host probe fails (e.g.
// restricted containers without /proc access).
type systemSampler struct{}

// NewSystemSampler returns the default host-level sampler.
func NewSystemSampler() Sampler { return systemSampler{} }

func (systemSampler) Sample(ctx context.Context) (Utilization, error) {
	var u Utilization

	vm, memErr := mem.VirtualMemoryWithContext(ctx)
	if memErr == nil {
		u.Memory = vm.UsedPercent / 100
	} else {
		u.Memory = runtimeMemoryFraction()
	}

	pct, cpuErr := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if cpuErr == nil && len(pct) > 0 {
		u.CPU = pct[0] / 100
	}

	if memErr != nil && cpuErr != nil {
		return u, wefterr.Wrap(cpuErr, wefterr.CodeResourceSampleFailure,
			"host utilization probe failed")
	}
	return u, nil
}

// runtimeMemoryFraction approximates memory pressure from the Go heap:
// allocated bytes over total obtained from the OS.
func runtimeMemoryFraction() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0
	}
	return float64(ms.Alloc) / float64(ms.Sys)
}
