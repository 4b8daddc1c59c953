// Package dispatcher runs ready stages on the machine's CPU and GPU slots.
// Tasks queue per resource class in FIFO order; a task starts only once its
// class has a free slot. GPU-class stages that also need a CPU slot hold
// both for their entire run.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

// Task is one stage execution handed to the dispatcher. OnStart fires after
// the slots are granted, immediately before Run; OnDone fires after the
// slots are released. Both post back into the scheduler loop.
type Task struct {
	Dataset string
	Stage   domain.Stage
	Need    domain.ResourceNeed
	Timeout time.Duration
	Run     func(ctx context.Context) error
	OnStart func()
	OnDone  func(err error)
}

// Dispatcher owns the per-class queues and the goroutines draining them.
type Dispatcher struct {
	pool   *Pool
	logger *zap.Logger

	cpuQueue chan *Task
	gpuQueue chan *Task

	mu        sync.Mutex
	running   map[string][]context.CancelFunc
	cancelled map[string]struct{}

	wg sync.WaitGroup
}

const queueDepth = 256

// New creates a dispatcher over the given slot pool.
func New(pool *Pool, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		pool:      pool,
		logger:    logger,
		cpuQueue:  make(chan *Task, queueDepth),
		gpuQueue:  make(chan *Task, queueDepth),
		running:   make(map[string][]context.CancelFunc),
		cancelled: make(map[string]struct{}),
	}
}

// Start launches the queue-draining loops. They run until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(2)
	go d.drain(ctx, d.cpuQueue)
	go d.drain(ctx, d.gpuQueue)
}

// Wait blocks until the drain loops and all running tasks have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Submit enqueues a task on its resource class's queue. A full queue is
// reported as resource exhaustion; the caller keeps the stage Ready and
// resubmits on a later scheduling pass.
func (d *Dispatcher) Submit(t *Task) error {
	q := d.cpuQueue
	if t.Need.GPU {
		q = d.gpuQueue
	}
	select {
	case q <- t:
		return nil
	default:
		return domain.ErrResourceExhausted
	}
}

// CancelDataset aborts the dataset's running stages and marks it so queued
// tasks are dropped at dequeue. Safe to call for unknown datasets.
func (d *Dispatcher) CancelDataset(id string) {
	d.mu.Lock()
	d.cancelled[id] = struct{}{}
	cancels := d.running[id]
	delete(d.running, id)
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	d.logger.Info("cancelled running stages",
		zap.String("dataset", id),
		zap.Int("count", len(cancels)))
}

// Usage exposes the slot pool occupancy for the status API.
func (d *Dispatcher) Usage() (cpuInUse, cpuCap, gpuInUse, gpuCap int) {
	return d.pool.Usage()
}

// drain pops tasks in FIFO order and blocks until the task's slots are
// granted, so a queue head never loses its place to a later arrival.
func (d *Dispatcher) drain(ctx context.Context, queue chan *Task) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			if d.isCancelled(t.Dataset) {
				t.OnDone(context.Canceled)
				continue
			}
			if err := d.acquire(ctx, t.Need); err != nil {
				// Shutdown while waiting for slots.
				return
			}
			d.wg.Add(1)
			go d.run(ctx, t)
		}
	}
}

// acquire claims the slots a task needs. GPU first, then CPU; CPU holders
// never wait on GPU slots, so the two-step grab cannot deadlock.
func (d *Dispatcher) acquire(ctx context.Context, need domain.ResourceNeed) error {
	if need.GPU {
		if err := d.pool.AcquireGPU(ctx); err != nil {
			return err
		}
	}
	if need.CPU {
		if err := d.pool.AcquireCPU(ctx); err != nil {
			if need.GPU {
				d.pool.ReleaseGPU()
			}
			return err
		}
	}
	return nil
}

func (d *Dispatcher) release(need domain.ResourceNeed) {
	if need.CPU {
		d.pool.ReleaseCPU()
	}
	if need.GPU {
		d.pool.ReleaseGPU()
	}
}

func (d *Dispatcher) run(ctx context.Context, t *Task) {
	defer d.wg.Done()

	var runCtx context.Context
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if !d.register(t.Dataset, cancel) {
		// Cancelled between dequeue and start.
		d.release(t.Need)
		t.OnDone(context.Canceled)
		return
	}

	t.OnStart()

	d.logger.Debug("stage started",
		zap.String("dataset", t.Dataset),
		zap.String("stage", string(t.Stage)))

	var err error
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("stage panicked",
				zap.String("dataset", t.Dataset),
				zap.String("stage", string(t.Stage)),
				zap.Any("panic", r))
			err = domain.NewDeterministicStageError(t.Stage, fmt.Sprintf("panic: %v", r), nil)
		}
		d.deregister(t.Dataset)
		d.release(t.Need)
		t.OnDone(err)
	}()
	err = t.Run(runCtx)
}

func (d *Dispatcher) isCancelled(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.cancelled[id]
	return ok
}

func (d *Dispatcher) register(id string, cancel context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cancelled[id]; ok {
		return false
	}
	d.running[id] = append(d.running[id], cancel)
	return true
}

func (d *Dispatcher) deregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Dropping any one entry is enough: entries are only ever consumed
	// together by CancelDataset, and cancelling an already-finished task's
	// context is a no-op.
	cancels := d.running[id]
	if len(cancels) > 0 {
		d.running[id] = cancels[:len(cancels)-1]
	}
	if len(d.running[id]) == 0 {
		delete(d.running, id)
	}
}
