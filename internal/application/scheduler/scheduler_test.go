package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cryoetlab/tomopipe/internal/application/dispatcher"
	"github.com/cryoetlab/tomopipe/internal/application/registry"
	"github.com/cryoetlab/tomopipe/internal/domain"
	"github.com/cryoetlab/tomopipe/internal/ports"
	eventsmem "github.com/cryoetlab/tomopipe/pkg/adapters/events/memory"
	storagemem "github.com/cryoetlab/tomopipe/pkg/adapters/storage/memory"
)

type nopMetrics struct{}

func (nopMetrics) RecordDatasetDiscovered()                                 {}
func (nopMetrics) RecordDatasetFinished(status string)                      {}
func (nopMetrics) RecordStageOutcome(stage, status string, d time.Duration) {}
func (nopMetrics) RecordStageRetry(stage string)                            {}
func (nopMetrics) SetSlotUsage(class string, inUse, capacity int)           {}
func (nopMetrics) SetDatasetCounts(processing, succeeded, failed, canc int) {}

// scriptRunner scripts per-stage outcomes by attempt number and records the
// order stages were started in.
type scriptRunner struct {
	mu      sync.Mutex
	calls   map[domain.Stage]int
	order   []domain.Stage
	outcome func(stage domain.Stage, attempt int) error
	gate    map[domain.Stage]chan struct{}
}

func newScriptRunner(outcome func(stage domain.Stage, attempt int) error) *scriptRunner {
	return &scriptRunner{
		calls:   make(map[domain.Stage]int),
		outcome: outcome,
		gate:    make(map[domain.Stage]chan struct{}),
	}
}

func (r *scriptRunner) Run(ctx context.Context, ds *domain.Dataset, stage domain.Stage) (string, error) {
	r.mu.Lock()
	r.calls[stage]++
	attempt := r.calls[stage]
	r.order = append(r.order, stage)
	gate := r.gate[stage]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if err := r.outcome(stage, attempt); err != nil {
		return "", err
	}
	return "/out/" + string(stage), nil
}

func (r *scriptRunner) attempts(stage domain.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stage]
}

func (r *scriptRunner) startedBefore(a, b domain.Stage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ai, bi := -1, -1
	for i, s := range r.order {
		if s == a && ai == -1 {
			ai = i
		}
		if s == b && bi == -1 {
			bi = i
		}
	}
	return ai != -1 && bi != -1 && ai < bi
}

func fullToggles() domain.StageToggles {
	return domain.StageToggles{
		MotionCorrection: true,
		CTF:              true,
		DoseWeighting:    true,
		PostProcess:      true,
		Denoising:        true,
		Tracking:         domain.TrackFiducial,
	}
}

type fixture struct {
	sched  *Scheduler
	reg    *registry.Registry
	runner *scriptRunner
	cancel context.CancelFunc
}

func newFixture(t *testing.T, toggles domain.StageToggles, runner *scriptRunner, policy RetryPolicy) *fixture {
	return newFixtureWithStore(t, storagemem.NewStore(), toggles, runner, policy)
}

func newFixtureWithStore(t *testing.T, store ports.StateStore, toggles domain.StageToggles, runner *scriptRunner, policy RetryPolicy) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	graph := domain.NewGraph(toggles)
	reg := registry.New(store, false, zap.NewNop())
	require.NoError(t, reg.Restore(ctx))
	disp := dispatcher.New(dispatcher.NewPool(4, 2, nil), zap.NewNop())
	disp.Start(ctx)

	if policy.TimeoutFor == nil {
		policy.TimeoutFor = func(domain.Stage) time.Duration { return 5 * time.Second }
	}

	sched := New(graph, reg, disp, runner, eventsmem.NewBus(), nopMetrics{}, policy, zap.NewNop())
	sched.Start(ctx)

	t.Cleanup(func() {
		cancel()
		sched.Wait()
	})
	return &fixture{sched: sched, reg: reg, runner: runner, cancel: cancel}
}

func defaultPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Ceiling: 10 * time.Millisecond}
}

func discover(f *fixture, id string) {
	graph := domain.NewGraph(fullToggles())
	f.sched.Discovered(domain.NewDataset(id, "/raw/"+id, time.Now(), domain.AcquisitionMeta{}, graph))
}

func waitStatus(t *testing.T, f *fixture, id string, want domain.DatasetStatus) *domain.Dataset {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ds, err := f.reg.Get(id)
		if err == nil && ds.Status == want {
			return ds
		}
		time.Sleep(5 * time.Millisecond)
	}
	ds, _ := f.reg.Get(id)
	t.Fatalf("dataset %s never reached %s (last: %+v)", id, want, ds)
	return nil
}

func TestPipelineRunsToCompletion(t *testing.T) {
	runner := newScriptRunner(func(domain.Stage, int) error { return nil })
	f := newFixture(t, fullToggles(), runner, defaultPolicy())

	discover(f, "Position_01")
	ds := waitStatus(t, f, "Position_01", domain.DatasetSucceeded)

	for stage, st := range ds.Stages {
		if stage == domain.StageTrackingPatch {
			assert.Equal(t, domain.StageSkipped, st.Status)
			continue
		}
		assert.Equal(t, domain.StageSucceeded, st.Status, string(stage))
		assert.Equal(t, 1, st.Attempts, string(stage))
		assert.Equal(t, "/out/"+string(stage), st.Artifact)
	}

	// Dependency order held.
	assert.True(t, runner.startedBefore(domain.StageMotionCorrection, domain.StageCTFEstimation))
	assert.True(t, runner.startedBefore(domain.StageTrackingFiducial, domain.StageFinalAlignment))
	assert.True(t, runner.startedBefore(domain.StageFinalAlignment, domain.StageReconstruction))
	assert.True(t, runner.startedBefore(domain.StageReconstruction, domain.StagePostProcess))
}

func TestDisabledStagesSkippedAndBypassed(t *testing.T) {
	toggles := fullToggles()
	toggles.CTF = false
	toggles.DoseWeighting = false
	toggles.Denoising = false

	runner := newScriptRunner(func(domain.Stage, int) error { return nil })
	f := newFixture(t, toggles, runner, defaultPolicy())

	graph := domain.NewGraph(toggles)
	f.sched.Discovered(domain.NewDataset("x", "/raw/x", time.Now(), domain.AcquisitionMeta{}, graph))

	ds := waitStatus(t, f, "x", domain.DatasetSucceeded)
	assert.Equal(t, domain.StageSkipped, ds.Stage(domain.StageCTFEstimation).Status)
	assert.Equal(t, domain.StageSkipped, ds.Stage(domain.StageDoseWeighting).Status)
	assert.Equal(t, domain.StageSucceeded, ds.Stage(domain.StageFinalAlignment).Status)
	assert.Equal(t, 0, runner.attempts(domain.StageCTFEstimation))
}

func TestDeterministicFailurePropagates(t *testing.T) {
	runner := newScriptRunner(func(stage domain.Stage, attempt int) error {
		if stage == domain.StageTrackingFiducial {
			return domain.NewDeterministicStageError(stage, "tracking diverged", nil)
		}
		return nil
	})
	f := newFixture(t, fullToggles(), runner, defaultPolicy())

	discover(f, "x")
	ds := waitStatus(t, f, "x", domain.DatasetFailed)

	assert.Equal(t, domain.StageSucceeded, ds.Stage(domain.StageMotionCorrection).Status)
	assert.Equal(t, domain.StageFailed, ds.Stage(domain.StageTrackingFiducial).Status)
	assert.Equal(t, 1, ds.Stage(domain.StageTrackingFiducial).Attempts, "deterministic failures are not retried")

	// Transitive dependents are failed, not left pending.
	for _, dep := range []domain.Stage{
		domain.StageFinalAlignment,
		domain.StageDoseWeighting,
		domain.StageReconstruction,
		domain.StagePostProcess,
		domain.StageDenoising,
	} {
		assert.Equal(t, domain.StageFailed, ds.Stage(dep).Status, string(dep))
		assert.Contains(t, ds.Stage(dep).LastError, "upstream")
	}

	// CTF does not depend on tracking and still completes.
	assert.Equal(t, domain.StageSucceeded, ds.Stage(domain.StageCTFEstimation).Status)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	runner := newScriptRunner(func(stage domain.Stage, attempt int) error {
		if stage == domain.StageCTFEstimation && attempt == 1 {
			return domain.NewTransientStageError(stage, "scratch disk full", nil)
		}
		return nil
	})
	f := newFixture(t, fullToggles(), runner, defaultPolicy())

	discover(f, "x")
	ds := waitStatus(t, f, "x", domain.DatasetSucceeded)

	assert.Equal(t, domain.StageSucceeded, ds.Stage(domain.StageCTFEstimation).Status)
	assert.Equal(t, 2, ds.Stage(domain.StageCTFEstimation).Attempts)
}

func TestTransientRetriesExhausted(t *testing.T) {
	runner := newScriptRunner(func(stage domain.Stage, attempt int) error {
		if stage == domain.StageMotionCorrection {
			return domain.NewTransientStageError(stage, "gpu busy", nil)
		}
		return nil
	})
	f := newFixture(t, fullToggles(), runner, defaultPolicy())

	discover(f, "x")
	ds := waitStatus(t, f, "x", domain.DatasetFailed)

	mc := ds.Stage(domain.StageMotionCorrection)
	assert.Equal(t, domain.StageFailed, mc.Status)
	assert.Equal(t, 3, mc.Attempts)
	assert.Nil(t, mc.RetryAt)
}

func TestCancelMidPipeline(t *testing.T) {
	runner := newScriptRunner(func(domain.Stage, int) error { return nil })
	runner.gate[domain.StageMotionCorrection] = make(chan struct{})
	f := newFixture(t, fullToggles(), runner, defaultPolicy())

	discover(f, "x")

	// Wait until motion correction is actually running.
	deadline := time.Now().Add(5 * time.Second)
	for runner.attempts(domain.StageMotionCorrection) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, runner.attempts(domain.StageMotionCorrection))

	require.NoError(t, f.sched.Cancel("x"))
	// Cancel again: idempotent.
	require.NoError(t, f.sched.Cancel("x"))

	ds := waitStatus(t, f, "x", domain.DatasetCancelled)
	assert.Equal(t, domain.StageCancelled, ds.Stage(domain.StageMotionCorrection).Status)
	assert.Equal(t, domain.StageCancelled, ds.Stage(domain.StageCTFEstimation).Status)

	// Nothing downstream ever started.
	assert.Equal(t, 0, runner.attempts(domain.StageFinalAlignment))
}

func TestCancelUnknownDataset(t *testing.T) {
	runner := newScriptRunner(func(domain.Stage, int) error { return nil })
	f := newFixture(t, fullToggles(), runner, defaultPolicy())

	assert.ErrorIs(t, f.sched.Cancel("nope"), domain.ErrNotFound)
}

// waitAttempt blocks until the runner has started the given stage once.
func waitAttempt(t *testing.T, runner *scriptRunner, stage domain.Stage) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for runner.attempts(stage) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, runner.attempts(stage))
}

func TestShutdownInterruptedStageStaysRunning(t *testing.T) {
	// A stage aborted by context cancellation with no cancel request on
	// record was killed by the daemon shutting down. It must not be
	// persisted as Cancelled: Restore only re-queues Running stages.
	runner := newScriptRunner(func(stage domain.Stage, _ int) error {
		if stage == domain.StageTrackingFiducial {
			return context.Canceled
		}
		return nil
	})
	f := newFixture(t, fullToggles(), runner, defaultPolicy())

	discover(f, "x")
	waitAttempt(t, runner, domain.StageTrackingFiducial)
	time.Sleep(100 * time.Millisecond)

	ds, err := f.reg.Get("x")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetProcessing, ds.Status)
	assert.Equal(t, domain.StageRunning, ds.Stage(domain.StageTrackingFiducial).Status)
	assert.Equal(t, 0, runner.attempts(domain.StageFinalAlignment), "dependents stay put")
}

func TestResumeAfterRestartSkipsCompletedStages(t *testing.T) {
	store := storagemem.NewStore()

	// First run: final alignment is interrupted mid-flight by shutdown.
	interrupted := newScriptRunner(func(stage domain.Stage, _ int) error {
		if stage == domain.StageFinalAlignment {
			return context.Canceled
		}
		return nil
	})
	f1 := newFixtureWithStore(t, store, fullToggles(), interrupted, defaultPolicy())

	discover(f1, "Position_02")
	waitAttempt(t, interrupted, domain.StageFinalAlignment)
	time.Sleep(100 * time.Millisecond)

	f1.cancel()
	f1.sched.Wait()

	ds, err := f1.reg.Get("Position_02")
	require.NoError(t, err)
	require.Equal(t, domain.DatasetProcessing, ds.Status)
	require.Equal(t, domain.StageSucceeded, ds.Stage(domain.StageMotionCorrection).Status)

	// Second run over the same store: the dataset completes without
	// re-executing anything that already succeeded.
	resumed := newScriptRunner(func(domain.Stage, int) error { return nil })
	f2 := newFixtureWithStore(t, store, fullToggles(), resumed, defaultPolicy())

	ds = waitStatus(t, f2, "Position_02", domain.DatasetSucceeded)
	assert.Equal(t, 0, resumed.attempts(domain.StageMotionCorrection))
	assert.Equal(t, 0, resumed.attempts(domain.StageTrackingFiducial))
	assert.Equal(t, 1, resumed.attempts(domain.StageFinalAlignment))
	assert.Equal(t, 2, ds.Stage(domain.StageFinalAlignment).Attempts, "attempt count survives the restart")
	assert.Equal(t, "/out/"+string(domain.StageMotionCorrection), ds.Stage(domain.StageMotionCorrection).Artifact)
}

func TestDuplicateDiscoveryIgnored(t *testing.T) {
	runner := newScriptRunner(func(domain.Stage, int) error { return nil })
	f := newFixture(t, fullToggles(), runner, defaultPolicy())

	discover(f, "x")
	waitStatus(t, f, "x", domain.DatasetSucceeded)

	before := runner.attempts(domain.StageMotionCorrection)
	discover(f, "x")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, runner.attempts(domain.StageMotionCorrection))
}

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	ceiling := 5 * time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{7, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.attempt, base, ceiling), "attempt %d", tc.attempt)
	}

	assert.Equal(t, base, Backoff(0, base, ceiling), "attempt below 1 clamps to base")
}
