// Package schema loads and validates the pipeline configuration document.
//
// The configuration is a TOML file whose sections parameterize each stage of
// the preprocessing pipeline. It is decoded once at startup into a fixed
// typed structure; every component reads through typed fields and accessors,
// never by key lookup. The loaded value is treated as immutable.
package schema

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

// Acquisition software codes for SOFTWARE.
const (
	SoftwareSerialEM = 1
	SoftwareTomo5    = 2
)

// Reconstruction method codes for RECONSTRUCT_METHOD.
const (
	ReconstructBackProjection = 1
	ReconstructSIRT           = 2
)

// Tomogram reorientation codes for REORIENT.
const (
	ReorientNone   = 0
	ReorientRotate = 1
	ReorientFlip   = 2
)

// Pipeline is the root of the configuration document.
type Pipeline struct {
	Setup     Setup      `toml:"setup"`
	Data      Data       `toml:"data"`
	MC        MotionCorr `toml:"mc"`
	IMOD      IMOD       `toml:"imod"`
	Denoising Denoising  `toml:"denoising"`
}

// Setup holds session-wide parameters.
type Setup struct {
	CPUs     int       `toml:"CPUS"`
	GPUs     int       `toml:"GPUS"`
	PipeCLI  int       `toml:"PIPE_CLI"`
	Software int       `toml:"SOFTWARE"`
	TiltAxis float64   `toml:"TILTAXIS"`
	UserDBID int       `toml:"USER_DB_ID"`
	Data     SetupData `toml:"data"`
}

// SetupData holds raw-data source parameters.
type SetupData struct {
	FramesName      string `toml:"FRAMES_NAME"`
	GainPath        string `toml:"GAIN_PATH"`
	MdocDuplicate   string `toml:"MDOC_DUPLICATE"`
	RawDataDir      string `toml:"RAW_DATA_DIR"`
	ReadMdoc        int    `toml:"READ_MDOC"`
	TransferRawData int    `toml:"TRANSFER_RAW_DATA"`
}

// Data holds acquisition metadata used when READ_MDOC is disabled.
type Data struct {
	Exposure  float64 `toml:"EXPOSURE"`
	Extension string  `toml:"EXTENSION"`
	PixelSize float64 `toml:"PIXEL_SIZE"`
}

// MotionCorr holds motion-correction parameters.
type MotionCorr struct {
	DoseFractions   int     `toml:"DOSE_FRACTIONS"`
	DoDoseWeight    int     `toml:"DO_MC_DOSEWEIGHT"`
	DropMean        float64 `toml:"DROP_MEAN"`
	RunFramewatcher int     `toml:"RUN_FRAMEWATCHER"`
}

// IMOD holds all parameters consumed by the IMOD-backed stages.
type IMOD struct {
	PrealignBin int `toml:"PREALIGN_BIN"`
	RemoveXrays int `toml:"REMOVE_XRAYS"`

	Tracking       Tracking       `toml:"tracking"`
	FinalAlignment FinalAlignment `toml:"final_alignment"`
	CTF            CTF            `toml:"ctf"`
	DoseWeight     DoseWeight     `toml:"dose_weight"`
	Reconstruction Reconstruction `toml:"reconstruction"`
	PostProcess    PostProcess    `toml:"postprocess"`
}

// Tracking selects and parameterizes the alignment tracking method.
type Tracking struct {
	SizeGold    float64  `toml:"SIZE_GOLD"`
	TrackMethod int      `toml:"TRACK_METHOD"`
	Fiducial    Fiducial `toml:"fiducial"`
	Patch       Patch    `toml:"patch"`
}

// Fiducial holds gold-bead tracking parameters.
type Fiducial struct {
	NumBeads   int     `toml:"NUM_BEADS"`
	SobelSigma float64 `toml:"SOBEL_SIGMA"`
	UseSobel   int     `toml:"USE_SOBEL"`
}

// Patch holds patch-tracking parameters.
type Patch struct {
	PatchOverlapX float64 `toml:"PATCH_OVERLAP_X"`
	PatchOverlapY float64 `toml:"PATCH_OVERLAP_Y"`
	PatchSizeX    int     `toml:"PATCH_SIZE_X"`
	PatchSizeY    int     `toml:"PATCH_SIZE_Y"`
}

// FinalAlignment holds aligned-stack generation parameters.
type FinalAlignment struct {
	DoCTF           int `toml:"DO_CTF"`
	DoDoseWeighting int `toml:"DO_DOSE_WEIGHTING"`
	FinalBin        int `toml:"FINAL_BIN"`
}

// CTF holds defocus estimation parameters.
type CTF struct {
	AutofitRange        float64 `toml:"AUTOFIT_RANGE"`
	AutofitStep         float64 `toml:"AUTOFIT_STEP"`
	Cs                  float64 `toml:"CS"`
	DefocusRangeHigh    float64 `toml:"DEFOCUS_RANGE_HIGH"`
	DefocusRangeLow     float64 `toml:"DEFOCUS_RANGE_LOW"`
	TuneFittingSampling int     `toml:"TUNE_FITTING_SAMPLING"`
	Voltage             float64 `toml:"VOLTAGE"`
}

// DoseWeight holds dose-weighting parameters.
type DoseWeight struct {
	DoseSym int `toml:"DOSE_SYM"`
}

// Reconstruction holds tomogram generation parameters.
type Reconstruction struct {
	FakeSirtIters     int `toml:"FAKE_SIRT_ITERS"`
	ReconstructMethod int `toml:"RECONSTRUCT_METHOD"`
	SirtIters         int `toml:"SIRT_ITERS"`
	ThicknessBinned   int `toml:"THICKNESS_BINNED"`
	ThicknessUnbinned int `toml:"THICKNESS_UNBINNED"`
}

// PostProcess holds trim/reorient parameters.
type PostProcess struct {
	DoTrimvol int `toml:"DO_TRIMVOL"`
	Reorient  int `toml:"REORIENT"`
}

// Denoising holds the denoising toggle.
type Denoising struct {
	DoDenoising int `toml:"DO_DENOISING"`
}

// Load reads, decodes and validates a pipeline configuration file. It returns
// a *domain.ConfigError for any invalid or missing entry; a failed Load
// aborts orchestrator startup.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a pipeline configuration document.
func Parse(data []byte) (*Pipeline, error) {
	p := defaults()
	if err := toml.Unmarshal(data, p); err != nil {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("decode TOML: %v", err)}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.derive()
	return p, nil
}

// defaults returns a Pipeline pre-filled with the documented defaults for
// optional keys. Decoding overwrites any key present in the document.
func defaults() *Pipeline {
	return &Pipeline{
		Setup: Setup{
			Software: SoftwareSerialEM,
			Data:     SetupData{ReadMdoc: 1},
		},
		Data: Data{Extension: ".mrc"},
		MC:   MotionCorr{RunFramewatcher: 1},
		IMOD: IMOD{
			PrealignBin: 4,
			RemoveXrays: 1,
			Tracking: Tracking{
				Fiducial: Fiducial{NumBeads: 25, SobelSigma: 1.5},
			},
			FinalAlignment: FinalAlignment{FinalBin: 6},
			Reconstruction: Reconstruction{
				ReconstructMethod: ReconstructBackProjection,
				FakeSirtIters:     8,
			},
		},
	}
}

// derive fills in values the original pipeline computed from other keys.
func (p *Pipeline) derive() {
	// Tomography 5 reports the tilt axis in a different frame than IMOD
	// expects; serialEM values pass through unchanged.
	if p.Setup.Software == SoftwareTomo5 {
		p.Setup.TiltAxis = -90 - p.Setup.TiltAxis
	}
	r := &p.IMOD.Reconstruction
	if r.ThicknessUnbinned == 0 && r.ThicknessBinned > 0 {
		r.ThicknessUnbinned = r.ThicknessBinned * p.IMOD.FinalAlignment.FinalBin
	}
}

// TrackMethod returns the configured tracking variant.
func (p *Pipeline) TrackMethod() domain.TrackMethod {
	return domain.TrackMethod(p.IMOD.Tracking.TrackMethod)
}

// UseSIRT reports whether reconstruction runs SIRT iterations.
func (p *Pipeline) UseSIRT() bool {
	return p.IMOD.Reconstruction.ReconstructMethod == ReconstructSIRT
}

// ReadMdoc reports whether acquisition metadata is read from mdoc files.
func (p *Pipeline) ReadMdoc() bool { return p.Setup.Data.ReadMdoc == 1 }

// Toggles maps the configuration onto the stage graph's optional-stage
// switches.
func (p *Pipeline) Toggles() domain.StageToggles {
	return domain.StageToggles{
		MotionCorrection: p.MC.DoseFractions == 1 && p.MC.RunFramewatcher == 1,
		CTF:              p.IMOD.FinalAlignment.DoCTF == 1,
		DoseWeighting:    p.IMOD.FinalAlignment.DoDoseWeighting == 1,
		PostProcess:      p.IMOD.PostProcess.DoTrimvol == 1,
		Denoising:        p.Denoising.DoDenoising == 1,
		Tracking:         p.TrackMethod(),
	}
}
