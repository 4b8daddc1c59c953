package domain

import "fmt"

// StageToggles captures which optional stages the pipeline configuration
// enables for every dataset of a session.
type StageToggles struct {
	MotionCorrection bool
	CTF              bool
	DoseWeighting    bool
	PostProcess      bool
	Denoising        bool
	Tracking         TrackMethod
}

// Graph is the fixed stage topology of the pipeline. The set of edges never
// changes; configuration only decides which stages resolve to Skipped at
// dataset registration.
type Graph struct {
	order      []Stage
	deps       map[Stage][]Stage
	dependents map[Stage][]Stage
	resource   map[Stage]ResourceNeed
	enabled    map[Stage]bool
}

// NewGraph builds the pipeline stage graph for the given toggles.
func NewGraph(t StageToggles) *Graph {
	g := &Graph{
		deps:       make(map[Stage][]Stage),
		dependents: make(map[Stage][]Stage),
		resource:   make(map[Stage]ResourceNeed),
		enabled:    make(map[Stage]bool),
	}

	g.add(StageMotionCorrection, ResourceNeed{GPU: true, CPU: true})
	g.add(StageCTFEstimation, ResourceNeed{CPU: true}, StageMotionCorrection)
	g.add(StageTrackingFiducial, ResourceNeed{CPU: true}, StageMotionCorrection)
	g.add(StageTrackingPatch, ResourceNeed{CPU: true}, StageMotionCorrection)
	g.add(StageFinalAlignment, ResourceNeed{GPU: true},
		t.Tracking.ActiveStage(), StageCTFEstimation)
	g.add(StageDoseWeighting, ResourceNeed{CPU: true},
		StageFinalAlignment, StageCTFEstimation)
	g.add(StageReconstruction, ResourceNeed{GPU: true, CPU: true},
		StageFinalAlignment, StageDoseWeighting)
	g.add(StagePostProcess, ResourceNeed{CPU: true}, StageReconstruction)
	g.add(StageDenoising, ResourceNeed{GPU: true},
		StageReconstruction, StagePostProcess)

	g.enabled[StageMotionCorrection] = t.MotionCorrection
	g.enabled[StageCTFEstimation] = t.CTF
	g.enabled[t.Tracking.ActiveStage()] = true
	g.enabled[t.Tracking.InactiveStage()] = false
	g.enabled[StageFinalAlignment] = true
	g.enabled[StageDoseWeighting] = t.DoseWeighting
	g.enabled[StageReconstruction] = true
	g.enabled[StagePostProcess] = t.PostProcess
	g.enabled[StageDenoising] = t.Denoising

	return g
}

func (g *Graph) add(s Stage, need ResourceNeed, deps ...Stage) {
	g.order = append(g.order, s)
	g.resource[s] = need
	g.deps[s] = deps
	for _, d := range deps {
		g.dependents[d] = append(g.dependents[d], s)
	}
}

// Stages returns every stage in dependency order.
func (g *Graph) Stages() []Stage {
	out := make([]Stage, len(g.order))
	copy(out, g.order)
	return out
}

// Deps returns the direct upstream dependencies of a stage.
func (g *Graph) Deps(s Stage) []Stage { return g.deps[s] }

// Dependents returns the direct downstream dependents of a stage.
func (g *Graph) Dependents(s Stage) []Stage { return g.dependents[s] }

// Resource returns the Dispatcher resource need of a stage.
func (g *Graph) Resource(s Stage) ResourceNeed { return g.resource[s] }

// Enabled reports whether the configuration keeps this stage active; a
// disabled stage is registered as Skipped.
func (g *Graph) Enabled(s Stage) bool { return g.enabled[s] }

// Validate checks the topology for missing nodes and cycles. It exists to
// guard refactorings of the edge table, not configuration input.
func (g *Graph) Validate() error {
	for _, s := range g.order {
		for _, d := range g.deps[s] {
			if _, ok := g.resource[d]; !ok {
				return fmt.Errorf("stage %s depends on unknown stage %s", s, d)
			}
		}
	}

	// Depth-first search with a temporary mark detects cycles.
	permanent := make(map[Stage]bool)
	temporary := make(map[Stage]bool)

	var visit func(s Stage) error
	visit = func(s Stage) error {
		if permanent[s] {
			return nil
		}
		if temporary[s] {
			return fmt.Errorf("cycle detected involving stage %s", s)
		}
		temporary[s] = true
		for _, d := range g.dependents[s] {
			if err := visit(d); err != nil {
				return err
			}
		}
		delete(temporary, s)
		permanent[s] = true
		return nil
	}

	for _, s := range g.order {
		if !permanent[s] {
			if err := visit(s); err != nil {
				return err
			}
		}
	}
	return nil
}
