package stages

import (
	"fmt"
	"strings"

	"github.com/cryoetlab/tomopipe/internal/domain"
	"github.com/cryoetlab/tomopipe/internal/schema"
)

const systemTemplate = "/usr/local/IMOD/SystemTemplate/cryoSample.adoc"

// BuildDirectives renders the batchruntomo directive file for one dataset.
// Session-wide parameters come from the pipeline configuration; pixel size
// and tilt axis come from the dataset's acquisition metadata so a session
// can mix magnifications.
func BuildDirectives(cfg *schema.Pipeline, meta domain.AcquisitionMeta) string {
	var b strings.Builder

	pixelSize := meta.PixelSizeNm
	if pixelSize == 0 {
		pixelSize = cfg.Data.PixelSize
	}
	tiltAxis := meta.TiltAxisDeg
	if tiltAxis == 0 {
		tiltAxis = cfg.Setup.TiltAxis
	}

	doSirt := 0
	if cfg.UseSIRT() {
		doSirt = 1
	}

	fmt.Fprintf(&b, "setupset.systemTemplate = %s\n", systemTemplate)
	fmt.Fprintf(&b, "runtime.Preprocessing.any.removeXrays = %d\n", cfg.IMOD.RemoveXrays)
	fmt.Fprintf(&b, "comparam.prenewst.newstack.BinByFactor = %d\n", cfg.IMOD.PrealignBin)
	fmt.Fprintf(&b, "runtime.Fiducials.any.trackingMethod = %d\n", cfg.IMOD.Tracking.TrackMethod)
	fmt.Fprintf(&b, "setupset.copyarg.gold = %g\n", cfg.IMOD.Tracking.SizeGold)
	fmt.Fprintf(&b, "runtime.AlignedStack.any.binByFactor = %d\n", cfg.IMOD.FinalAlignment.FinalBin)
	fmt.Fprintf(&b, "runtime.Reconstruction.any.useSirt = %d\n", doSirt)
	b.WriteString("runtime.Trimvol.any.scaleFromZ = \n")
	fmt.Fprintf(&b, "runtime.Postprocess.any.doTrimvol = %d\n", cfg.IMOD.PostProcess.DoTrimvol)
	fmt.Fprintf(&b, "setupset.copyarg.pixel = %g\n", pixelSize)
	fmt.Fprintf(&b, "setupset.copyarg.rotation = %g\n", tiltAxis)
	fmt.Fprintf(&b, "setupset.copyarg.dosesym = %d\n", cfg.IMOD.DoseWeight.DoseSym)
	fmt.Fprintf(&b, "setupset.copyarg.voltage = %g\n", cfg.IMOD.CTF.Voltage)
	fmt.Fprintf(&b, "setupset.copyarg.Cs = %g\n", cfg.IMOD.CTF.Cs)
	b.WriteString("comparam.prenewst.newstack.AntialiasFilter = 4\n")
	b.WriteString("comparam.newst.newstack.AntialiasFilter = 4\n")
	fmt.Fprintf(&b, "runtime.Trimvol.any.reorient = %d\n", cfg.IMOD.PostProcess.Reorient)
	fmt.Fprintf(&b, "comparam.tilt.tilt.THICKNESS = %d\n", cfg.IMOD.Reconstruction.ThicknessUnbinned)

	switch cfg.TrackMethod() {
	case domain.TrackFiducial:
		b.WriteString("runtime.Fiducials.any.seedingMethod = 1\n")
		fmt.Fprintf(&b, "comparam.track.beadtrack.SobelFilterCentering = %d\n", cfg.IMOD.Tracking.Fiducial.UseSobel)
		fmt.Fprintf(&b, "comparam.autofidseed.autofidseed.TargetNumberOfBeads = %d\n", cfg.IMOD.Tracking.Fiducial.NumBeads)
		if cfg.IMOD.Tracking.Fiducial.UseSobel == 1 {
			fmt.Fprintf(&b, "comparam.track.beadtrack.KernelSigmaForSobel = %g\n", cfg.IMOD.Tracking.Fiducial.SobelSigma)
		}
	case domain.TrackPatch:
		fmt.Fprintf(&b, "comparam.xcorr_pt.tiltxcorr.SizeOfPatchesXandY = %d,%d\n",
			cfg.IMOD.Tracking.Patch.PatchSizeX, cfg.IMOD.Tracking.Patch.PatchSizeY)
		fmt.Fprintf(&b, "comparam.xcorr_pt.tiltxcorr.OverlapOfPatchesXandY = %g,%g\n",
			cfg.IMOD.Tracking.Patch.PatchOverlapX, cfg.IMOD.Tracking.Patch.PatchOverlapY)
	}

	if cfg.IMOD.FinalAlignment.DoCTF == 1 {
		b.WriteString("runtime.AlignedStack.any.correctCTF = 1\n")
		fmt.Fprintf(&b, "comparam.ctfplotter.ctfplotter.ScanDefocusRange = %g,%g\n",
			cfg.IMOD.CTF.DefocusRangeLow, cfg.IMOD.CTF.DefocusRangeHigh)
		fmt.Fprintf(&b, "runtime.CTFplotting.any.autoFitRangeAndStep = %g,%g\n",
			cfg.IMOD.CTF.AutofitRange, cfg.IMOD.CTF.AutofitStep)
		b.WriteString("comparam.ctfplotter.ctfplotter.BaselineFittingOrder = 4\n")
		b.WriteString("comparam.ctfplotter.ctfplotter.SearchAstigmatism = 1\n")
	}

	if doSirt == 0 {
		fmt.Fprintf(&b, "comparam.tilt.tilt.FakeSIRTiterations = %d\n", cfg.IMOD.Reconstruction.FakeSirtIters)
	} else {
		fmt.Fprintf(&b, "comparam.sirtsetup.sirtsetup.NumberOfIterations = %d\n", cfg.IMOD.Reconstruction.SirtIters)
	}

	return b.String()
}
