package domain

// Stage identifies one processing step of the tilt-series pipeline.
type Stage string

const (
	StageMotionCorrection Stage = "motion_correction"
	StageCTFEstimation    Stage = "ctf_estimation"
	StageTrackingFiducial Stage = "tracking_fiducial"
	StageTrackingPatch    Stage = "tracking_patch"
	StageFinalAlignment   Stage = "final_alignment"
	StageDoseWeighting    Stage = "dose_weighting"
	StageReconstruction   Stage = "reconstruction"
	StagePostProcess      Stage = "postprocess"
	StageDenoising        Stage = "denoising"
)

// StageStatus is the lifecycle state of a dataset's stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageReady     StageStatus = "ready"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

// IsTerminal reports whether the status is final for this stage.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageSkipped, StageCancelled:
		return true
	default:
		return false
	}
}

// Satisfies reports whether the status satisfies a downstream dependency.
func (s StageStatus) Satisfies() bool {
	return s == StageSucceeded || s == StageSkipped
}

// AllowedTransition reports whether from -> to is a legal stage transition.
//
// The caller supplies the expected prior state so that races surface as
// transition errors instead of silent overwrites.
func AllowedTransition(from, to StageStatus) bool {
	switch from {
	case StagePending:
		return to == StageReady || to == StageSkipped || to == StageFailed || to == StageCancelled
	case StageReady:
		return to == StageRunning || to == StageFailed || to == StageCancelled
	case StageRunning:
		return to == StageSucceeded || to == StageFailed || to == StageCancelled
	case StageFailed:
		// Non-terminal failure awaiting a retry slot.
		return to == StageReady || to == StageCancelled
	default:
		return false
	}
}

// ResourceNeed declares the Dispatcher slots a stage task must hold while
// running.
type ResourceNeed struct {
	GPU bool `json:"gpu"`
	// CPU is set for CPU-only stages and for GPU stages whose tool does
	// host-side pre/post work.
	CPU bool `json:"cpu"`
}

// TrackMethod selects the tilt-series alignment tracking variant.
// The numeric values follow the acquisition schema: 0 is fiducial (gold
// bead) tracking, 1 is patch tracking.
type TrackMethod int

const (
	TrackFiducial TrackMethod = 0
	TrackPatch    TrackMethod = 1
)

// ActiveStage returns the tracking stage selected by the method.
func (m TrackMethod) ActiveStage() Stage {
	if m == TrackPatch {
		return StageTrackingPatch
	}
	return StageTrackingFiducial
}

// InactiveStage returns the tracking stage excluded by the method.
func (m TrackMethod) InactiveStage() Stage {
	if m == TrackPatch {
		return StageTrackingFiducial
	}
	return StageTrackingPatch
}
