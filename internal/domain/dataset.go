package domain

import "time"

// DatasetStatus is the aggregate lifecycle state of a dataset.
type DatasetStatus string

const (
	DatasetProcessing DatasetStatus = "processing"
	DatasetSucceeded  DatasetStatus = "succeeded"
	DatasetFailed     DatasetStatus = "failed"
	DatasetCancelled  DatasetStatus = "cancelled"
)

// AcquisitionMeta holds the per-dataset acquisition parameters required by
// downstream stages, read from the mdoc when READ_MDOC is set and from the
// [data] configuration section otherwise.
type AcquisitionMeta struct {
	PixelSizeNm   float64   `json:"pixel_size_nm"`
	ExposureDose  float64   `json:"exposure_dose"`
	TiltAxisDeg   float64   `json:"tilt_axis_deg"`
	TiltMinDeg    float64   `json:"tilt_min_deg,omitempty"`
	TiltMaxDeg    float64   `json:"tilt_max_deg,omitempty"`
	TiltStepDeg   float64   `json:"tilt_step_deg,omitempty"`
	DefocusAvg    float64   `json:"defocus_avg,omitempty"`
	Magnification string    `json:"magnification,omitempty"`
	ImageCount    int       `json:"image_count"`
	Frames        []string  `json:"frames,omitempty"`
	MdocPath      string    `json:"mdoc_path,omitempty"`
	AcquiredAt    time.Time `json:"acquired_at,omitempty"`
}

// StageState is the per-dataset record of one stage.
type StageState struct {
	Status      StageStatus `json:"status"`
	Attempts    int         `json:"attempts,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	Artifact    string      `json:"artifact,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	// RetryAt marks a transiently failed stage that is waiting out its
	// backoff window. A Failed stage with RetryAt set is not terminal.
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

// Terminal reports whether the stage has reached a final state. Failed counts
// as terminal only once no retry is pending.
func (st *StageState) Terminal() bool {
	if st.Status == StageFailed && st.RetryAt != nil {
		return false
	}
	return st.Status.IsTerminal()
}

// Dataset is one discovered tilt-series acquisition and its progress through
// the stage graph. The DatasetRegistry exclusively owns records of this type;
// every mutation is mirrored to the StateStore.
type Dataset struct {
	ID           string                `json:"id"`
	RawDir       string                `json:"raw_dir"`
	DiscoveredAt time.Time             `json:"discovered_at"`
	Meta         AcquisitionMeta       `json:"meta"`
	Status       DatasetStatus         `json:"status"`
	Stages       map[Stage]*StageState `json:"stages"`
}

// NewDataset creates a dataset with every graph stage initialised: disabled
// stages are Skipped immediately, the rest start Pending.
func NewDataset(id, rawDir string, discoveredAt time.Time, meta AcquisitionMeta, g *Graph) *Dataset {
	ds := &Dataset{
		ID:           id,
		RawDir:       rawDir,
		DiscoveredAt: discoveredAt,
		Meta:         meta,
		Status:       DatasetProcessing,
		Stages:       make(map[Stage]*StageState, len(g.Stages())),
	}
	for _, s := range g.Stages() {
		st := &StageState{Status: StagePending}
		if !g.Enabled(s) {
			st.Status = StageSkipped
		}
		ds.Stages[s] = st
	}
	return ds
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	cp := *d
	cp.Stages = make(map[Stage]*StageState, len(d.Stages))
	for s, st := range d.Stages {
		stc := *st
		cp.Stages[s] = &stc
	}
	if d.Meta.Frames != nil {
		cp.Meta.Frames = append([]string(nil), d.Meta.Frames...)
	}
	return &cp
}

// Stage returns the state record for a stage, or nil if the stage is unknown.
func (d *Dataset) Stage(s Stage) *StageState { return d.Stages[s] }

// Terminal reports whether every stage of the dataset is in a terminal state.
func (d *Dataset) Terminal() bool {
	for _, st := range d.Stages {
		if !st.Terminal() {
			return false
		}
	}
	return true
}

// Recompute derives the aggregate status from the stage states. Cancellation
// wins over failure; the aggregate otherwise moves away from Processing only
// once every stage is terminal.
func (d *Dataset) Recompute() DatasetStatus {
	cancelled, failed := false, false
	for _, st := range d.Stages {
		switch {
		case st.Status == StageCancelled:
			cancelled = true
		case st.Status == StageFailed && st.Terminal():
			failed = true
		}
	}
	switch {
	case cancelled:
		d.Status = DatasetCancelled
	case failed && d.Terminal():
		d.Status = DatasetFailed
	case d.Terminal():
		d.Status = DatasetSucceeded
	default:
		d.Status = DatasetProcessing
	}
	return d.Status
}
