package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

func newTestDispatcher(t *testing.T, cpus, gpus int) (*Dispatcher, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := New(NewPool(cpus, gpus, nil), zap.NewNop())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return d, cancel
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunsTaskAndReleasesSlots(t *testing.T) {
	d, _ := newTestDispatcher(t, 2, 1)

	var started, done atomic.Bool
	err := d.Submit(&Task{
		Dataset: "a",
		Stage:   domain.StageCTFEstimation,
		Need:    domain.ResourceNeed{CPU: true},
		Run:     func(ctx context.Context) error { return nil },
		OnStart: func() { started.Store(true) },
		OnDone:  func(err error) { done.Store(true) },
	})
	require.NoError(t, err)

	waitFor(t, done.Load, "task did not finish")
	assert.True(t, started.Load())

	cpuInUse, cpuCap, gpuInUse, gpuCap := d.Usage()
	assert.Equal(t, 0, cpuInUse)
	assert.Equal(t, 2, cpuCap)
	assert.Equal(t, 0, gpuInUse)
	assert.Equal(t, 1, gpuCap)
}

func TestConcurrencyNeverExceedsSlots(t *testing.T) {
	d, _ := newTestDispatcher(t, 2, 0)

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	wg.Add(8)

	for i := 0; i < 8; i++ {
		err := d.Submit(&Task{
			Dataset: "a",
			Stage:   domain.StageCTFEstimation,
			Need:    domain.ResourceNeed{CPU: true},
			Run: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			},
			OnStart: func() {},
			OnDone:  func(err error) { wg.Done() },
		})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestGPUTaskHoldsBothSlots(t *testing.T) {
	d, _ := newTestDispatcher(t, 1, 1)

	release := make(chan struct{})
	var gpuStarted atomic.Bool
	err := d.Submit(&Task{
		Dataset: "a",
		Stage:   domain.StageMotionCorrection,
		Need:    domain.ResourceNeed{GPU: true, CPU: true},
		Run: func(ctx context.Context) error {
			gpuStarted.Store(true)
			<-release
			return nil
		},
		OnStart: func() {},
		OnDone:  func(err error) {},
	})
	require.NoError(t, err)

	waitFor(t, gpuStarted.Load, "GPU task did not start")

	// The lone CPU slot is held by the GPU task, so a CPU task must wait.
	var cpuDone atomic.Bool
	err = d.Submit(&Task{
		Dataset: "b",
		Stage:   domain.StageCTFEstimation,
		Need:    domain.ResourceNeed{CPU: true},
		Run:     func(ctx context.Context) error { return nil },
		OnStart: func() {},
		OnDone:  func(err error) { cpuDone.Store(true) },
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, cpuDone.Load())

	close(release)
	waitFor(t, cpuDone.Load, "CPU task did not run after GPU task released")
}

func TestTimeoutCancelsRun(t *testing.T) {
	d, _ := newTestDispatcher(t, 1, 0)

	errCh := make(chan error, 1)
	err := d.Submit(&Task{
		Dataset: "a",
		Stage:   domain.StageCTFEstimation,
		Need:    domain.ResourceNeed{CPU: true},
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnStart: func() {},
		OnDone:  func(err error) { errCh <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not time out")
	}
}

func TestCancelDatasetAbortsRunningAndQueued(t *testing.T) {
	d, _ := newTestDispatcher(t, 1, 0)

	runningErr := make(chan error, 1)
	started := make(chan struct{})
	err := d.Submit(&Task{
		Dataset: "a",
		Stage:   domain.StageCTFEstimation,
		Need:    domain.ResourceNeed{CPU: true},
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		OnStart: func() {},
		OnDone:  func(err error) { runningErr <- err },
	})
	require.NoError(t, err)
	<-started

	// Second task for the same dataset sits in the queue behind the first.
	queuedErr := make(chan error, 1)
	err = d.Submit(&Task{
		Dataset: "a",
		Stage:   domain.StageTrackingFiducial,
		Need:    domain.ResourceNeed{CPU: true},
		Run:     func(ctx context.Context) error { return nil },
		OnStart: func() { t.Error("queued task must not start after cancel") },
		OnDone:  func(err error) { queuedErr <- err },
	})
	require.NoError(t, err)

	d.CancelDataset("a")

	assert.ErrorIs(t, <-runningErr, context.Canceled)
	assert.ErrorIs(t, <-queuedErr, context.Canceled)
}

func TestPanickingRunReleasesSlots(t *testing.T) {
	d, _ := newTestDispatcher(t, 1, 1)

	errCh := make(chan error, 1)
	err := d.Submit(&Task{
		Dataset: "a",
		Stage:   domain.StageReconstruction,
		Need:    domain.ResourceNeed{GPU: true, CPU: true},
		Run:     func(ctx context.Context) error { panic("tool wrapper bug") },
		OnStart: func() {},
		OnDone:  func(err error) { errCh <- err },
	})
	require.NoError(t, err)

	var panicErr error
	select {
	case panicErr = <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("panicking task never reported done")
	}
	require.Error(t, panicErr)
	assert.False(t, domain.IsTransient(panicErr))
	assert.Contains(t, panicErr.Error(), "panic")

	// Both slots came back: a follow-up task can run.
	var ranAgain atomic.Bool
	err = d.Submit(&Task{
		Dataset: "b",
		Stage:   domain.StageReconstruction,
		Need:    domain.ResourceNeed{GPU: true, CPU: true},
		Run:     func(ctx context.Context) error { return nil },
		OnStart: func() {},
		OnDone:  func(err error) { ranAgain.Store(true) },
	})
	require.NoError(t, err)
	waitFor(t, ranAgain.Load, "slots were not released after the panic")

	cpuInUse, _, gpuInUse, _ := d.Usage()
	assert.Equal(t, 0, cpuInUse)
	assert.Equal(t, 0, gpuInUse)
}

func TestSubmitFullQueue(t *testing.T) {
	d := New(NewPool(1, 0, nil), zap.NewNop())
	// Not started: nothing drains the queue.

	var err error
	for i := 0; i <= queueDepth; i++ {
		err = d.Submit(&Task{
			Dataset: "a",
			Need:    domain.ResourceNeed{CPU: true},
			Run:     func(ctx context.Context) error { return nil },
			OnStart: func() {},
			OnDone:  func(err error) {},
		})
	}
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)
}
