package dispatcher

import (
	"context"
	"sync/atomic"

	"github.com/cryoetlab/tomopipe/internal/ports"
)

// Resource class labels used in metrics and the status API.
const (
	ClassCPU = "cpu"
	ClassGPU = "gpu"
)

// Pool is a pair of counting semaphores over the configured CPU and GPU
// slots. Acquire blocks until a slot frees or the context is cancelled;
// slots are released by the dispatcher when a stage finishes.
type Pool struct {
	cpu chan struct{}
	gpu chan struct{}

	cpuInUse atomic.Int64
	gpuInUse atomic.Int64

	metrics ports.Metrics
}

// NewPool creates a pool with the given slot capacities. A zero GPU capacity
// is valid; GPU stages then block forever, which configuration validation
// rules out for enabled GPU stages.
func NewPool(cpus, gpus int, metrics ports.Metrics) *Pool {
	p := &Pool{
		cpu:     make(chan struct{}, cpus),
		gpu:     make(chan struct{}, gpus),
		metrics: metrics,
	}
	p.report()
	return p
}

// AcquireCPU blocks until a CPU slot is free.
func (p *Pool) AcquireCPU(ctx context.Context) error {
	select {
	case p.cpu <- struct{}{}:
		p.cpuInUse.Add(1)
		p.report()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseCPU returns a CPU slot.
func (p *Pool) ReleaseCPU() {
	<-p.cpu
	p.cpuInUse.Add(-1)
	p.report()
}

// AcquireGPU blocks until a GPU slot is free.
func (p *Pool) AcquireGPU(ctx context.Context) error {
	select {
	case p.gpu <- struct{}{}:
		p.gpuInUse.Add(1)
		p.report()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseGPU returns a GPU slot.
func (p *Pool) ReleaseGPU() {
	<-p.gpu
	p.gpuInUse.Add(-1)
	p.report()
}

// Usage returns the current slot occupancy and capacities.
func (p *Pool) Usage() (cpuInUse, cpuCap, gpuInUse, gpuCap int) {
	return int(p.cpuInUse.Load()), cap(p.cpu), int(p.gpuInUse.Load()), cap(p.gpu)
}

func (p *Pool) report() {
	if p.metrics == nil {
		return
	}
	p.metrics.SetSlotUsage(ClassCPU, int(p.cpuInUse.Load()), cap(p.cpu))
	p.metrics.SetSlotUsage(ClassGPU, int(p.gpuInUse.Load()), cap(p.gpu))
}
