// Package scheduler drives every dataset through the stage graph. A single
// event loop owns all state transitions: discovery, readiness evaluation,
// dispatch, outcome handling, retry timers and cancellation all funnel
// through one goroutine, so no registry mutation ever races another.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryoetlab/tomopipe/internal/application/dispatcher"
	"github.com/cryoetlab/tomopipe/internal/application/registry"
	"github.com/cryoetlab/tomopipe/internal/domain"
	"github.com/cryoetlab/tomopipe/internal/ports"
)

// StageRunner executes one stage of one dataset and returns the path of the
// artifact it produced. Implementations classify failures via StageError.
type StageRunner interface {
	Run(ctx context.Context, ds *domain.Dataset, stage domain.Stage) (artifact string, err error)
}

// RetryPolicy bounds transient-failure retries.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Ceiling     time.Duration
	// TimeoutFor returns the execution timeout for a stage.
	TimeoutFor func(domain.Stage) time.Duration
}

// Scheduler is the orchestration event loop.
type Scheduler struct {
	graph   *domain.Graph
	reg     *registry.Registry
	disp    *dispatcher.Dispatcher
	runner  StageRunner
	bus     ports.EventBus
	metrics ports.Metrics
	policy  RetryPolicy
	logger  *zap.Logger

	events chan schedEvent
	done   chan struct{}

	// starved tracks Ready stages that could not be queued because the
	// dispatch queue was full; they are resubmitted on later loop passes.
	starved map[string][]domain.Stage

	// cancelRequested marks datasets an operator asked to cancel. A Canceled
	// stage outcome without this mark is the daemon shutting down, not a
	// cancellation: the stage must stay Running so a restart re-queues it.
	cancelRequested map[string]struct{}
}

// schedEvent is one message into the loop.
type schedEvent struct {
	kind     eventKind
	dataset  *domain.Dataset // discovered
	id       string
	stage    domain.Stage
	err      error
	artifact string
	duration time.Duration
}

type eventKind int

const (
	evDiscovered eventKind = iota
	evStageStarted
	evStageFinished
	evRetryDue
	evCancel
)

// New creates a scheduler. Start must be called before any datasets are
// submitted.
func New(
	graph *domain.Graph,
	reg *registry.Registry,
	disp *dispatcher.Dispatcher,
	runner StageRunner,
	bus ports.EventBus,
	metrics ports.Metrics,
	policy RetryPolicy,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		graph:           graph,
		reg:             reg,
		disp:            disp,
		runner:          runner,
		bus:             bus,
		metrics:         metrics,
		policy:          policy,
		logger:          logger,
		events:          make(chan schedEvent, 1024),
		done:            make(chan struct{}),
		starved:         make(map[string][]domain.Stage),
		cancelRequested: make(map[string]struct{}),
	}
}

// Start launches the event loop. Restored datasets are evaluated first so a
// resumed process picks up every dataset at its first non-terminal stage.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Wait blocks until the loop has exited.
func (s *Scheduler) Wait() {
	<-s.done
}

// Discovered submits a newly arrived dataset to the loop.
func (s *Scheduler) Discovered(ds *domain.Dataset) {
	s.events <- schedEvent{kind: evDiscovered, dataset: ds, id: ds.ID}
}

// Cancel requests cancellation of a dataset. The request is idempotent;
// cancelling an unknown dataset returns ErrNotFound.
func (s *Scheduler) Cancel(id string) error {
	if !s.reg.Known(id) {
		return domain.ErrNotFound
	}
	s.events <- schedEvent{kind: evCancel, id: id}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	// Resume: every restored dataset is re-evaluated from its current
	// stage states.
	for _, ds := range s.reg.List() {
		if ds.Status == domain.DatasetProcessing {
			s.evaluate(ctx, ds.ID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, ev schedEvent) {
	switch ev.kind {
	case evDiscovered:
		s.onDiscovered(ctx, ev.dataset)
	case evStageStarted:
		s.onStageStarted(ctx, ev.id, ev.stage)
	case evStageFinished:
		s.onStageFinished(ctx, ev)
	case evRetryDue:
		s.onRetryDue(ctx, ev.id, ev.stage)
	case evCancel:
		s.onCancel(ctx, ev.id)
	}
}

func (s *Scheduler) onDiscovered(ctx context.Context, ds *domain.Dataset) {
	if err := s.reg.Add(ctx, ds); err != nil {
		var dup *domain.DuplicateDatasetError
		if errors.As(err, &dup) {
			s.logger.Warn("duplicate dataset ignored", zap.String("dataset", ds.ID))
		} else {
			s.logger.Error("failed to register dataset",
				zap.String("dataset", ds.ID), zap.Error(err))
		}
		return
	}

	s.metrics.RecordDatasetDiscovered()
	s.publish(ctx, domain.TopicDatasetEvents, domain.Event{
		Type:    domain.EventDatasetDiscovered,
		Dataset: ds.ID,
		Data:    map[string]any{"raw_dir": ds.RawDir, "images": ds.Meta.ImageCount},
	})

	for stage, st := range ds.Stages {
		if st.Status == domain.StageSkipped {
			s.publish(ctx, domain.TopicStageEvents, domain.Event{
				Type:    domain.EventStageSkipped,
				Dataset: ds.ID,
				Stage:   stage,
			})
		}
	}

	s.logger.Info("dataset discovered",
		zap.String("dataset", ds.ID),
		zap.String("raw_dir", ds.RawDir),
		zap.Int("images", ds.Meta.ImageCount))

	s.evaluate(ctx, ds.ID)
	s.reportCounts()
}

// evaluate promotes every Pending stage whose dependencies are satisfied to
// Ready and hands it to the dispatcher.
func (s *Scheduler) evaluate(ctx context.Context, id string) {
	ds, err := s.reg.Get(id)
	if err != nil {
		return
	}
	if ds.Status == domain.DatasetCancelled {
		return
	}

	for _, stage := range s.graph.Stages() {
		st := ds.Stage(stage)
		if st == nil || st.Status != domain.StagePending {
			continue
		}
		if !s.depsSatisfied(ds, stage) {
			continue
		}
		s.makeReady(ctx, id, stage)
	}
}

func (s *Scheduler) depsSatisfied(ds *domain.Dataset, stage domain.Stage) bool {
	for _, dep := range s.graph.Deps(stage) {
		st := ds.Stage(dep)
		if st == nil || !st.Status.Satisfies() {
			return false
		}
	}
	return true
}

func (s *Scheduler) makeReady(ctx context.Context, id string, stage domain.Stage) {
	if err := s.reg.TransitionStage(ctx, id, stage, domain.StageReady, nil); err != nil {
		s.logger.Error("failed to mark stage ready",
			zap.String("dataset", id), zap.String("stage", string(stage)), zap.Error(err))
		return
	}
	s.publish(ctx, domain.TopicStageEvents, domain.Event{
		Type:    domain.EventStageReady,
		Dataset: id,
		Stage:   stage,
	})
	s.dispatch(ctx, id, stage)
}

func (s *Scheduler) dispatch(ctx context.Context, id string, stage domain.Stage) {
	ds, err := s.reg.Get(id)
	if err != nil {
		return
	}

	var artifact string
	task := &dispatcher.Task{
		Dataset: id,
		Stage:   stage,
		Need:    s.graph.Resource(stage),
		Timeout: s.policy.TimeoutFor(stage),
		Run: func(runCtx context.Context) error {
			out, err := s.runner.Run(runCtx, ds, stage)
			artifact = out
			return err
		},
		OnStart: func() {
			s.events <- schedEvent{kind: evStageStarted, id: id, stage: stage}
		},
	}
	started := time.Now()
	task.OnDone = func(err error) {
		s.events <- schedEvent{
			kind:     evStageFinished,
			id:       id,
			stage:    stage,
			err:      err,
			artifact: artifact,
			duration: time.Since(started),
		}
	}

	if err := s.disp.Submit(task); err != nil {
		// Queue full: the stage stays Ready and is resubmitted on the next
		// outcome event.
		s.starved[id] = append(s.starved[id], stage)
		s.logger.Warn("dispatch queue full",
			zap.String("dataset", id), zap.String("stage", string(stage)))
	}
}

func (s *Scheduler) onStageStarted(ctx context.Context, id string, stage domain.Stage) {
	err := s.reg.TransitionStage(ctx, id, stage, domain.StageRunning, func(st *domain.StageState) {
		now := time.Now()
		st.StartedAt = &now
		st.Attempts++
		st.RetryAt = nil
	})
	if err != nil {
		s.logger.Error("failed to mark stage running",
			zap.String("dataset", id), zap.String("stage", string(stage)), zap.Error(err))
		return
	}
	s.publish(ctx, domain.TopicStageEvents, domain.Event{
		Type:    domain.EventStageStarted,
		Dataset: id,
		Stage:   stage,
	})
}

func (s *Scheduler) onStageFinished(ctx context.Context, ev schedEvent) {
	id, stage := ev.id, ev.stage
	ds, err := s.reg.Get(id)
	if err != nil {
		return
	}
	st := ds.Stage(stage)
	if st == nil {
		return
	}

	_, requested := s.cancelRequested[id]

	switch {
	case ev.err == nil:
		s.succeed(ctx, id, stage, ev.artifact, ev.duration)
	case errors.Is(ev.err, context.Canceled) && !requested && st.Status != domain.StageCancelled:
		// Shutdown killed the run, not an operator. Leave the stage Running
		// so Restore resets it to Pending and a restart re-executes it.
		s.logger.Info("stage interrupted by shutdown",
			zap.String("dataset", id), zap.String("stage", string(stage)))
		return
	case errors.Is(ev.err, context.Canceled) || st.Status == domain.StageCancelled:
		s.cancelStage(ctx, id, stage)
	default:
		s.fail(ctx, id, stage, ev.err, ev.duration)
	}

	s.redispatchStarved(ctx)
	s.finishIfTerminal(ctx, id)
	s.reportCounts()
}

func (s *Scheduler) succeed(ctx context.Context, id string, stage domain.Stage, artifact string, duration time.Duration) {
	err := s.reg.TransitionStage(ctx, id, stage, domain.StageSucceeded, func(st *domain.StageState) {
		now := time.Now()
		st.CompletedAt = &now
		st.LastError = ""
		if artifact != "" {
			st.Artifact = artifact
		}
	})
	if err != nil {
		s.logger.Error("failed to mark stage succeeded",
			zap.String("dataset", id), zap.String("stage", string(stage)), zap.Error(err))
		return
	}

	s.metrics.RecordStageOutcome(string(stage), string(domain.StageSucceeded), duration)
	s.publish(ctx, domain.TopicStageEvents, domain.Event{
		Type:    domain.EventStageSucceeded,
		Dataset: id,
		Stage:   stage,
		Data:    map[string]any{"duration_seconds": duration.Seconds()},
	})

	s.logger.Info("stage succeeded",
		zap.String("dataset", id),
		zap.String("stage", string(stage)),
		zap.Duration("duration", duration))

	s.evaluate(ctx, id)
}

func (s *Scheduler) fail(ctx context.Context, id string, stage domain.Stage, runErr error, duration time.Duration) {
	ds, err := s.reg.Get(id)
	if err != nil {
		return
	}
	attempts := ds.Stage(stage).Attempts

	transient := domain.IsTransient(runErr) || errors.Is(runErr, context.DeadlineExceeded)
	retry := transient && attempts < s.policy.MaxAttempts

	var retryAt *time.Time
	var delay time.Duration
	if retry {
		delay = Backoff(attempts, s.policy.Base, s.policy.Ceiling)
		at := time.Now().Add(delay)
		retryAt = &at
	}

	err = s.reg.TransitionStage(ctx, id, stage, domain.StageFailed, func(st *domain.StageState) {
		now := time.Now()
		st.CompletedAt = &now
		st.LastError = runErr.Error()
		st.RetryAt = retryAt
	})
	if err != nil {
		s.logger.Error("failed to mark stage failed",
			zap.String("dataset", id), zap.String("stage", string(stage)), zap.Error(err))
		return
	}

	s.metrics.RecordStageOutcome(string(stage), string(domain.StageFailed), duration)

	if retry {
		s.metrics.RecordStageRetry(string(stage))
		s.publish(ctx, domain.TopicStageEvents, domain.Event{
			Type:    domain.EventStageRetrying,
			Dataset: id,
			Stage:   stage,
			Data: map[string]any{
				"attempt":      attempts,
				"max_attempts": s.policy.MaxAttempts,
				"retry_in":     delay.String(),
				"error":        runErr.Error(),
			},
		})
		s.logger.Warn("stage failed, retry scheduled",
			zap.String("dataset", id),
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(runErr))

		time.AfterFunc(delay, func() {
			s.events <- schedEvent{kind: evRetryDue, id: id, stage: stage}
		})
		return
	}

	s.publish(ctx, domain.TopicStageEvents, domain.Event{
		Type:    domain.EventStageFailed,
		Dataset: id,
		Stage:   stage,
		Data:    map[string]any{"error": runErr.Error(), "attempts": attempts},
	})
	s.logger.Error("stage failed permanently",
		zap.String("dataset", id),
		zap.String("stage", string(stage)),
		zap.Int("attempts", attempts),
		zap.Error(runErr))

	s.failDependents(ctx, id, stage)
}

// failDependents marks the transitive dependents of a permanently failed
// stage Failed so the dataset reaches a terminal status instead of hanging
// on dependencies that can never be satisfied.
func (s *Scheduler) failDependents(ctx context.Context, id string, failed domain.Stage) {
	queue := append([]domain.Stage(nil), s.graph.Dependents(failed)...)
	seen := map[domain.Stage]bool{failed: true}

	for len(queue) > 0 {
		stage := queue[0]
		queue = queue[1:]
		if seen[stage] {
			continue
		}
		seen[stage] = true

		err := s.reg.TransitionStage(ctx, id, stage, domain.StageFailed, func(st *domain.StageState) {
			st.LastError = "upstream stage " + string(failed) + " failed"
			st.RetryAt = nil
		})
		if err != nil {
			// Already terminal or skipped; nothing to propagate through it.
			continue
		}
		s.publish(ctx, domain.TopicStageEvents, domain.Event{
			Type:    domain.EventStageFailed,
			Dataset: id,
			Stage:   stage,
			Data:    map[string]any{"error": "upstream stage " + string(failed) + " failed"},
		})
		queue = append(queue, s.graph.Dependents(stage)...)
	}
}

func (s *Scheduler) onRetryDue(ctx context.Context, id string, stage domain.Stage) {
	ds, err := s.reg.Get(id)
	if err != nil {
		return
	}
	st := ds.Stage(stage)
	if st == nil || st.Status != domain.StageFailed || st.RetryAt == nil {
		// Cancelled or otherwise resolved while the timer ran.
		return
	}

	err = s.reg.TransitionStage(ctx, id, stage, domain.StageReady, func(st *domain.StageState) {
		st.RetryAt = nil
	})
	if err != nil {
		s.logger.Error("failed to requeue stage",
			zap.String("dataset", id), zap.String("stage", string(stage)), zap.Error(err))
		return
	}
	s.publish(ctx, domain.TopicStageEvents, domain.Event{
		Type:    domain.EventStageReady,
		Dataset: id,
		Stage:   stage,
	})
	s.dispatch(ctx, id, stage)
}

func (s *Scheduler) onCancel(ctx context.Context, id string) {
	ds, err := s.reg.Get(id)
	if err != nil || ds.Status == domain.DatasetCancelled {
		return
	}

	s.cancelRequested[id] = struct{}{}
	s.disp.CancelDataset(id)

	// Non-running stages cancel immediately. Running stages transition when
	// their aborted outcome arrives.
	for _, stage := range s.graph.Stages() {
		st := ds.Stage(stage)
		if st == nil {
			continue
		}
		switch st.Status {
		case domain.StagePending, domain.StageReady, domain.StageFailed:
			if st.Status == domain.StageFailed && st.RetryAt == nil {
				continue
			}
			err := s.reg.TransitionStage(ctx, id, stage, domain.StageCancelled, func(st *domain.StageState) {
				st.RetryAt = nil
			})
			if err != nil {
				continue
			}
			s.publish(ctx, domain.TopicStageEvents, domain.Event{
				Type:    domain.EventStageCancelled,
				Dataset: id,
				Stage:   stage,
			})
		}
	}

	s.logger.Info("dataset cancellation requested", zap.String("dataset", id))
	s.finishIfTerminal(ctx, id)
	s.reportCounts()
}

func (s *Scheduler) cancelStage(ctx context.Context, id string, stage domain.Stage) {
	err := s.reg.TransitionStage(ctx, id, stage, domain.StageCancelled, func(st *domain.StageState) {
		now := time.Now()
		st.CompletedAt = &now
		st.RetryAt = nil
	})
	if err != nil {
		return
	}
	s.publish(ctx, domain.TopicStageEvents, domain.Event{
		Type:    domain.EventStageCancelled,
		Dataset: id,
		Stage:   stage,
	})
}

// redispatchStarved resubmits stages that stayed Ready because the dispatch
// queue was full when they were promoted.
func (s *Scheduler) redispatchStarved(ctx context.Context) {
	if len(s.starved) == 0 {
		return
	}
	starved := s.starved
	s.starved = make(map[string][]domain.Stage)
	for id, stageList := range starved {
		ds, err := s.reg.Get(id)
		if err != nil {
			continue
		}
		for _, stage := range stageList {
			st := ds.Stage(stage)
			if st != nil && st.Status == domain.StageReady {
				s.dispatch(ctx, id, stage)
			}
		}
	}
}

func (s *Scheduler) finishIfTerminal(ctx context.Context, id string) {
	ds, err := s.reg.Get(id)
	if err != nil || !ds.Terminal() {
		return
	}

	var evType domain.EventType
	switch ds.Status {
	case domain.DatasetSucceeded:
		evType = domain.EventDatasetSucceeded
	case domain.DatasetFailed:
		evType = domain.EventDatasetFailed
	case domain.DatasetCancelled:
		evType = domain.EventDatasetCancelled
	default:
		return
	}

	delete(s.cancelRequested, id)
	s.metrics.RecordDatasetFinished(string(ds.Status))
	s.publish(ctx, domain.TopicDatasetEvents, domain.Event{
		Type:    evType,
		Dataset: id,
	})
	s.logger.Info("dataset finished",
		zap.String("dataset", id),
		zap.String("status", string(ds.Status)))
}

func (s *Scheduler) reportCounts() {
	s.metrics.SetDatasetCounts(s.reg.Counts())
}

func (s *Scheduler) publish(ctx context.Context, topic string, ev domain.Event) {
	ev.ID = uuid.New().String()
	ev.Timestamp = time.Now()
	if err := s.bus.Publish(ctx, topic, ev); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("topic", topic),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}
