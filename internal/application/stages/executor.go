package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/cryoetlab/tomopipe/internal/domain"
	"github.com/cryoetlab/tomopipe/internal/schema"
)

// batchruntomo processing step bounds per stage. Steps are contiguous, so a
// stage is a [start, end] slice of the chain.
const (
	stepSetup       = 0
	stepFineAlign   = 5
	stepPositioning = 6
	stepCTFCorrect  = 10
	stepDoseWeight  = 11
	stepReconstruct = 12
)

// Executor runs the external tool behind each stage and classifies the
// result. It implements the scheduler's StageRunner.
type Executor struct {
	cfg      *schema.Pipeline
	runner   CommandRunner
	workRoot string
	logger   *zap.Logger
}

// NewExecutor creates an executor writing per-dataset work directories
// under workRoot.
func NewExecutor(cfg *schema.Pipeline, runner CommandRunner, workRoot string, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		runner:   runner,
		workRoot: workRoot,
		logger:   logger,
	}
}

// Run executes one stage for one dataset and returns the primary artifact
// path.
func (e *Executor) Run(ctx context.Context, ds *domain.Dataset, stage domain.Stage) (string, error) {
	dir, err := e.workDir(ds)
	if err != nil {
		return "", domain.NewTransientStageError(stage, "prepare work directory", err)
	}

	switch stage {
	case domain.StageMotionCorrection:
		return e.motionCorrection(ctx, ds, dir)
	case domain.StageCTFEstimation:
		return e.ctfEstimation(ctx, ds, dir)
	case domain.StageTrackingFiducial, domain.StageTrackingPatch:
		return e.batchruntomo(ctx, ds, dir, stage, stepSetup, stepFineAlign, "tracking.log")
	case domain.StageFinalAlignment:
		return e.batchruntomo(ctx, ds, dir, stage, stepPositioning, stepCTFCorrect, "align.log")
	case domain.StageDoseWeighting:
		return e.batchruntomo(ctx, ds, dir, stage, stepDoseWeight, stepDoseWeight, "dosewt.log")
	case domain.StageReconstruction:
		return e.batchruntomo(ctx, ds, dir, stage, stepReconstruct, stepReconstruct, "recon.log")
	case domain.StagePostProcess:
		return e.postProcess(ctx, ds, dir)
	case domain.StageDenoising:
		return e.denoise(ctx, ds, dir)
	default:
		return "", domain.NewDeterministicStageError(stage, "unknown stage", nil)
	}
}

func (e *Executor) workDir(ds *domain.Dataset) (string, error) {
	dir := filepath.Join(e.workRoot, ds.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// motionCorrection runs framewatcher over the dataset's frame stacks.
func (e *Executor) motionCorrection(ctx context.Context, ds *domain.Dataset, dir string) (string, error) {
	stage := domain.StageMotionCorrection
	outDir := filepath.Join(dir, "mc")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", domain.NewTransientStageError(stage, "prepare output directory", err)
	}

	args := []string{
		"-w", ds.RawDir,
		"-o", outDir,
		"-gpu", "0",
		"-volt", strconv.FormatFloat(e.cfg.IMOD.CTF.Voltage, 'f', -1, 64),
	}
	if e.cfg.MC.DoDoseWeight == 1 {
		args = append(args, "-dtotal", strconv.FormatFloat(ds.Meta.ExposureDose, 'f', -1, 64))
	}
	if e.cfg.MC.DropMean > 0 {
		args = append(args, "-thresh", strconv.FormatFloat(e.cfg.MC.DropMean, 'f', -1, 64))
	}

	out, err := e.runner.Run(ctx, dir, "framewatcher", args...)
	if cerr := e.classify(ctx, stage, "framewatcher", out, err); cerr != nil {
		return "", cerr
	}
	return filepath.Join(outDir, ds.ID+"_ali.mrc"), nil
}

// ctfEstimation runs ctfplotter on the motion-corrected stack.
func (e *Executor) ctfEstimation(ctx context.Context, ds *domain.Dataset, dir string) (string, error) {
	stage := domain.StageCTFEstimation
	c := e.cfg.IMOD.CTF
	defocusFile := filepath.Join(dir, ds.ID+".defocus")

	args := []string{
		"-InputStack", filepath.Join(dir, "mc", ds.ID+"_ali.mrc"),
		"-AngleFile", filepath.Join(dir, ds.ID+".rawtlt"),
		"-DefocusFile", defocusFile,
		"-PixelSize", strconv.FormatFloat(ds.Meta.PixelSizeNm, 'f', -1, 64),
		"-Voltage", strconv.FormatFloat(c.Voltage, 'f', -1, 64),
		"-SphericalAberration", strconv.FormatFloat(c.Cs, 'f', -1, 64),
		"-ScanDefocusRange", fmt.Sprintf("%g,%g", c.DefocusRangeLow, c.DefocusRangeHigh),
		"-AutoFitRangeAndStep", fmt.Sprintf("%g,%g", c.AutofitRange, c.AutofitStep),
		"-SaveAndExit",
	}
	if ds.Meta.DefocusAvg != 0 {
		args = append(args, "-ExpectedDefocus", strconv.FormatFloat(-ds.Meta.DefocusAvg*1000, 'f', -1, 64))
	}

	out, err := e.runner.Run(ctx, dir, "ctfplotter", args...)
	if cerr := e.classify(ctx, stage, "ctfplotter", out, err); cerr != nil {
		return "", cerr
	}
	return defocusFile, nil
}

// batchruntomo runs one contiguous slice of the IMOD chain against the
// dataset's directive file, writing the directive file on first use.
func (e *Executor) batchruntomo(ctx context.Context, ds *domain.Dataset, dir string, stage domain.Stage, startStep, endStep int, logName string) (string, error) {
	adoc := filepath.Join(dir, "brt.adoc")
	if _, err := os.Stat(adoc); os.IsNotExist(err) {
		content := BuildDirectives(e.cfg, ds.Meta)
		if err := os.WriteFile(adoc, []byte(content), 0o644); err != nil {
			return "", domain.NewTransientStageError(stage, "write directive file", err)
		}
	}

	args := []string{
		"-DirectiveFile", adoc,
		"-RootName", ds.ID,
		"-CurrentLocation", dir,
		"-NamingStyle", "1",
		"-CPUMachineList", fmt.Sprintf("localhost:%d", e.cfg.Setup.CPUs),
		"-GPUMachineList", strconv.Itoa(e.cfg.Setup.GPUs),
		"-NiceValue", "15",
		"-StartingStep", strconv.Itoa(startStep),
		"-EndingStep", strconv.Itoa(endStep),
		"-MakeSubDirectory",
		"-BypassEtomo",
	}

	out, err := e.runner.Run(ctx, dir, "batchruntomo", args...)
	if werr := os.WriteFile(filepath.Join(dir, logName), out, 0o644); werr != nil {
		e.logger.Warn("failed to write stage log",
			zap.String("dataset", ds.ID),
			zap.String("stage", string(stage)),
			zap.Error(werr))
	}
	if cerr := e.classify(ctx, stage, "batchruntomo", out, err); cerr != nil {
		return "", cerr
	}

	switch stage {
	case domain.StageReconstruction:
		return filepath.Join(dir, ds.ID, ds.ID+"_full_rec.mrc"), nil
	case domain.StageFinalAlignment:
		return filepath.Join(dir, ds.ID, ds.ID+"_ali.mrc"), nil
	default:
		return filepath.Join(dir, logName), nil
	}
}

// postProcess trims and reorients the tomogram with trimvol.
func (e *Executor) postProcess(ctx context.Context, ds *domain.Dataset, dir string) (string, error) {
	stage := domain.StagePostProcess
	in := filepath.Join(dir, ds.ID, ds.ID+"_full_rec.mrc")
	outFile := filepath.Join(dir, ds.ID, ds.ID+"_rec.mrc")

	args := []string{}
	switch e.cfg.IMOD.PostProcess.Reorient {
	case schema.ReorientRotate:
		args = append(args, "-rx")
	case schema.ReorientFlip:
		args = append(args, "-yz")
	}
	args = append(args, in, outFile)

	out, err := e.runner.Run(ctx, dir, "trimvol", args...)
	if cerr := e.classify(ctx, stage, "trimvol", out, err); cerr != nil {
		return "", cerr
	}
	return outFile, nil
}

// denoise runs nonlinear anisotropic diffusion over the final tomogram.
func (e *Executor) denoise(ctx context.Context, ds *domain.Dataset, dir string) (string, error) {
	stage := domain.StageDenoising
	in := filepath.Join(dir, ds.ID, ds.ID+"_rec.mrc")
	if e.cfg.IMOD.PostProcess.DoTrimvol != 1 {
		in = filepath.Join(dir, ds.ID, ds.ID+"_full_rec.mrc")
	}
	outFile := filepath.Join(dir, ds.ID, ds.ID+"_nad.mrc")

	args := []string{"-n", "10", in, outFile}
	out, err := e.runner.Run(ctx, dir, "nad_eed_3d", args...)
	if cerr := e.classify(ctx, stage, "nad_eed_3d", out, err); cerr != nil {
		return "", cerr
	}
	return outFile, nil
}

// classify converts a tool result into a stage error, or nil on success.
// Timeouts and missing output are transient; tool-reported errors are
// deterministic because rerunning the same inputs reproduces them.
func (e *Executor) classify(ctx context.Context, stage domain.Stage, tool string, out []byte, runErr error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return domain.NewTransientStageError(stage, tool+" timed out", ctx.Err())
	}
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}

	outcome := ClassifyOutput(out)

	if runErr != nil {
		if missingTool(runErr) {
			return domain.NewDeterministicStageError(stage, tool+" is not installed", runErr)
		}
		if outcome == OutcomeError {
			return domain.NewDeterministicStageError(stage, tool+" reported a processing error", runErr)
		}
		// Nonzero exit without a hard marker in the log: could be an I/O
		// hiccup or a killed process, worth retrying.
		return domain.NewTransientStageError(stage, tool+" exited abnormally", runErr)
	}

	if outcome == OutcomeError {
		return domain.NewDeterministicStageError(stage, tool+" reported a processing error", nil)
	}
	return nil
}
