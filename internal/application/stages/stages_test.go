package stages

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cryoetlab/tomopipe/internal/domain"
	"github.com/cryoetlab/tomopipe/internal/schema"
)

const testConfig = `
[setup]
CPUS = 8
GPUS = 2
TILTAXIS = 85.3

[setup.data]
RAW_DATA_DIR = "/data/raw"

[data]
EXTENSION = ".mrc"

[mc]
DOSE_FRACTIONS = 1
DO_MC_DOSEWEIGHT = 1
DROP_MEAN = 0.1

[imod.tracking]
TRACK_METHOD = 0
SIZE_GOLD = 10.0

[imod.tracking.fiducial]
USE_SOBEL = 1
SOBEL_SIGMA = 1.5

[imod.final_alignment]
DO_CTF = 1
DO_DOSE_WEIGHTING = 1

[imod.ctf]
VOLTAGE = 300.0
CS = 2.7
DEFOCUS_RANGE_LOW = -8.0
DEFOCUS_RANGE_HIGH = -2.0
AUTOFIT_RANGE = 10.0
AUTOFIT_STEP = 2.0

[imod.reconstruction]
THICKNESS_BINNED = 250

[imod.postprocess]
DO_TRIMVOL = 1
REORIENT = 1

[denoising]
DO_DENOISING = 1
`

func testPipeline(t *testing.T) *schema.Pipeline {
	t.Helper()
	cfg, err := schema.Parse([]byte(testConfig))
	require.NoError(t, err)
	return cfg
}

func testDataset() *domain.Dataset {
	g := domain.NewGraph(domain.StageToggles{
		MotionCorrection: true,
		CTF:              true,
		DoseWeighting:    true,
		PostProcess:      true,
		Denoising:        true,
		Tracking:         domain.TrackFiducial,
	})
	return domain.NewDataset("Position_01", "/data/raw/Position_01", time.Now(),
		domain.AcquisitionMeta{PixelSizeNm: 0.1825, TiltAxisDeg: 85.3, ExposureDose: 3.1, DefocusAvg: -4.4, ImageCount: 41}, g)
}

func TestBuildDirectives(t *testing.T) {
	cfg := testPipeline(t)
	adoc := BuildDirectives(cfg, testDataset().Meta)

	assert.Contains(t, adoc, "setupset.systemTemplate = "+systemTemplate)
	assert.Contains(t, adoc, "setupset.copyarg.pixel = 0.1825")
	assert.Contains(t, adoc, "setupset.copyarg.rotation = 85.3")
	assert.Contains(t, adoc, "setupset.copyarg.gold = 10")
	assert.Contains(t, adoc, "runtime.AlignedStack.any.binByFactor = 6")
	assert.Contains(t, adoc, "comparam.tilt.tilt.THICKNESS = 1500")
	assert.Contains(t, adoc, "runtime.Fiducials.any.trackingMethod = 0")
	assert.Contains(t, adoc, "comparam.autofidseed.autofidseed.TargetNumberOfBeads = 25")
	assert.Contains(t, adoc, "comparam.track.beadtrack.KernelSigmaForSobel = 1.5")
	assert.Contains(t, adoc, "comparam.ctfplotter.ctfplotter.ScanDefocusRange = -8,-2")
	assert.Contains(t, adoc, "runtime.Reconstruction.any.useSirt = 0")
	assert.Contains(t, adoc, "comparam.tilt.tilt.FakeSIRTiterations = 8")
	assert.NotContains(t, adoc, "SizeOfPatchesXandY")
}

func TestBuildDirectivesPatchTracking(t *testing.T) {
	cfg := testPipeline(t)
	cfg.IMOD.Tracking.TrackMethod = 1
	cfg.IMOD.Tracking.Patch.PatchSizeX = 680
	cfg.IMOD.Tracking.Patch.PatchSizeY = 680
	cfg.IMOD.Tracking.Patch.PatchOverlapX = 0.33
	cfg.IMOD.Tracking.Patch.PatchOverlapY = 0.33

	adoc := BuildDirectives(cfg, testDataset().Meta)
	assert.Contains(t, adoc, "comparam.xcorr_pt.tiltxcorr.SizeOfPatchesXandY = 680,680")
	assert.Contains(t, adoc, "comparam.xcorr_pt.tiltxcorr.OverlapOfPatchesXandY = 0.33,0.33")
	assert.NotContains(t, adoc, "TargetNumberOfBeads")
}

func TestClassifyOutput(t *testing.T) {
	cases := []struct {
		name string
		log  string
		want Outcome
	}{
		{"success", "some output\nSUCCESSFULLY COMPLETED\n", OutcomeSuccess},
		{"error line", "running\nERROR: tiltalign failed\n", OutcomeError},
		{"single abort is not fatal", "ABORT SET: restarting\nSUCCESSFULLY COMPLETED\n", OutcomeSuccess},
		{"double abort is fatal", "ABORT SET: one\nABORT SET: two\n", OutcomeError},
		{"no markers", "still running step 5\n", OutcomeOngoing},
		{"error beats success", "ERROR: boom\nSUCCESSFULLY COMPLETED\n", OutcomeError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyOutput([]byte(tc.log)))
		})
	}
}

// fakeRunner records invocations and returns scripted output per tool.
type fakeRunner struct {
	calls  []call
	output map[string][]byte
	errs   map[string]error
}

type call struct {
	dir  string
	name string
	args []string
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	return f.output[name], f.errs[name]
}

func (f *fakeRunner) argsFor(name string) []string {
	for _, c := range f.calls {
		if c.name == name {
			return c.args
		}
	}
	return nil
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		output: make(map[string][]byte),
		errs:   make(map[string]error),
	}
}

func TestMotionCorrectionCommand(t *testing.T) {
	runner := newFakeRunner()
	runner.output["framewatcher"] = []byte("SUCCESSFULLY COMPLETED\n")

	ex := NewExecutor(testPipeline(t), runner, t.TempDir(), zap.NewNop())
	ds := testDataset()

	artifact, err := ex.Run(context.Background(), ds, domain.StageMotionCorrection)
	require.NoError(t, err)
	assert.Contains(t, artifact, "Position_01_ali.mrc")

	args := strings.Join(runner.argsFor("framewatcher"), " ")
	assert.Contains(t, args, "-w /data/raw/Position_01")
	assert.Contains(t, args, "-dtotal 3.1")
	assert.Contains(t, args, "-thresh 0.1")
}

func TestBatchruntomoStepBounds(t *testing.T) {
	runner := newFakeRunner()
	runner.output["batchruntomo"] = []byte("SUCCESSFULLY COMPLETED\n")

	ex := NewExecutor(testPipeline(t), runner, t.TempDir(), zap.NewNop())
	ds := testDataset()

	_, err := ex.Run(context.Background(), ds, domain.StageTrackingFiducial)
	require.NoError(t, err)

	args := strings.Join(runner.argsFor("batchruntomo"), " ")
	assert.Contains(t, args, "-StartingStep 0")
	assert.Contains(t, args, "-EndingStep 5")
	assert.Contains(t, args, "-RootName Position_01")

	runner.calls = nil
	_, err = ex.Run(context.Background(), ds, domain.StageReconstruction)
	require.NoError(t, err)
	args = strings.Join(runner.argsFor("batchruntomo"), " ")
	assert.Contains(t, args, "-StartingStep 12")
	assert.Contains(t, args, "-EndingStep 12")
}

func TestDirectiveFileWrittenOnce(t *testing.T) {
	runner := newFakeRunner()
	runner.output["batchruntomo"] = []byte("SUCCESSFULLY COMPLETED\n")

	workRoot := t.TempDir()
	ex := NewExecutor(testPipeline(t), runner, workRoot, zap.NewNop())
	ds := testDataset()

	_, err := ex.Run(context.Background(), ds, domain.StageTrackingFiducial)
	require.NoError(t, err)
	_, err = ex.Run(context.Background(), ds, domain.StageFinalAlignment)
	require.NoError(t, err)

	// Both runs point at the same directive file.
	first := runner.calls[0].args
	second := runner.calls[1].args
	assert.Equal(t, first[1], second[1], "-DirectiveFile path is stable")
}

func TestToolErrorClassification(t *testing.T) {
	ds := testDataset()

	t.Run("log error is deterministic", func(t *testing.T) {
		runner := newFakeRunner()
		runner.output["batchruntomo"] = []byte("ERROR: tiltalign did not converge\n")
		runner.errs["batchruntomo"] = errors.New("exit status 1")

		ex := NewExecutor(testPipeline(t), runner, t.TempDir(), zap.NewNop())
		_, err := ex.Run(context.Background(), ds, domain.StageTrackingFiducial)
		require.Error(t, err)
		assert.False(t, domain.IsTransient(err))
	})

	t.Run("abnormal exit without marker is transient", func(t *testing.T) {
		runner := newFakeRunner()
		runner.output["batchruntomo"] = []byte("partial output")
		runner.errs["batchruntomo"] = errors.New("exit status 1")

		ex := NewExecutor(testPipeline(t), runner, t.TempDir(), zap.NewNop())
		_, err := ex.Run(context.Background(), ds, domain.StageTrackingFiducial)
		require.Error(t, err)
		assert.True(t, domain.IsTransient(err))
	})

	t.Run("missing tool is deterministic", func(t *testing.T) {
		runner := newFakeRunner()
		runner.errs["trimvol"] = exec.ErrNotFound

		ex := NewExecutor(testPipeline(t), runner, t.TempDir(), zap.NewNop())
		_, err := ex.Run(context.Background(), ds, domain.StagePostProcess)
		require.Error(t, err)
		assert.False(t, domain.IsTransient(err))
	})

	t.Run("timeout is transient", func(t *testing.T) {
		runner := newFakeRunner()
		ex := NewExecutor(testPipeline(t), runner, t.TempDir(), zap.NewNop())

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		_, err := ex.Run(ctx, ds, domain.StageReconstruction)
		require.Error(t, err)
		assert.True(t, domain.IsTransient(err))
	})
}

func TestDenoiseInputFollowsTrimvol(t *testing.T) {
	runner := newFakeRunner()
	runner.output["nad_eed_3d"] = []byte("SUCCESSFULLY COMPLETED\n")

	cfg := testPipeline(t)
	ex := NewExecutor(cfg, runner, t.TempDir(), zap.NewNop())
	ds := testDataset()

	_, err := ex.Run(context.Background(), ds, domain.StageDenoising)
	require.NoError(t, err)
	args := strings.Join(runner.argsFor("nad_eed_3d"), " ")
	assert.Contains(t, args, "Position_01_rec.mrc", "trimmed volume feeds denoising when trimvol runs")

	cfg.IMOD.PostProcess.DoTrimvol = 0
	runner.calls = nil
	_, err = ex.Run(context.Background(), ds, domain.StageDenoising)
	require.NoError(t, err)
	args = strings.Join(runner.argsFor("nad_eed_3d"), " ")
	assert.Contains(t, args, "Position_01_full_rec.mrc")
}

func TestTrimvolReorientFlags(t *testing.T) {
	cases := []struct {
		name     string
		reorient int
		flag     string
	}{
		{"rotate around x", schema.ReorientRotate, "-rx"},
		{"flip y and z", schema.ReorientFlip, "-yz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.output["trimvol"] = []byte("SUCCESSFULLY COMPLETED\n")

			cfg := testPipeline(t)
			cfg.IMOD.PostProcess.Reorient = tc.reorient
			ex := NewExecutor(cfg, runner, t.TempDir(), zap.NewNop())

			_, err := ex.Run(context.Background(), testDataset(), domain.StagePostProcess)
			require.NoError(t, err)
			assert.Contains(t, runner.argsFor("trimvol"), tc.flag)
		})
	}

	t.Run("no reorientation", func(t *testing.T) {
		runner := newFakeRunner()
		runner.output["trimvol"] = []byte("SUCCESSFULLY COMPLETED\n")

		cfg := testPipeline(t)
		cfg.IMOD.PostProcess.Reorient = schema.ReorientNone
		ex := NewExecutor(cfg, runner, t.TempDir(), zap.NewNop())

		_, err := ex.Run(context.Background(), testDataset(), domain.StagePostProcess)
		require.NoError(t, err)
		args := runner.argsFor("trimvol")
		assert.NotContains(t, args, "-rx")
		assert.NotContains(t, args, "-yz")
	})
}
