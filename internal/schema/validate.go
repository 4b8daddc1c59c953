package schema

import (
	"fmt"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

func cfgErr(section, format string, args ...any) *domain.ConfigError {
	return &domain.ConfigError{Section: section, Reason: fmt.Sprintf(format, args...)}
}

func isFlag(v int) bool { return v == 0 || v == 1 }

// validate checks every section for missing required keys, out-of-range
// values and invalid enum codes. The first violation is returned.
func (p *Pipeline) validate() error {
	if err := p.validateSetup(); err != nil {
		return err
	}
	if err := p.validateData(); err != nil {
		return err
	}
	if err := p.validateMC(); err != nil {
		return err
	}
	if err := p.validateIMOD(); err != nil {
		return err
	}
	if !isFlag(p.Denoising.DoDenoising) {
		return cfgErr("denoising", "DO_DENOISING must be 0 or 1, got %d", p.Denoising.DoDenoising)
	}
	return nil
}

func (p *Pipeline) validateSetup() error {
	s := p.Setup
	if s.CPUs <= 0 {
		return cfgErr("setup", "CPUS must be a positive integer, got %d", s.CPUs)
	}
	if s.GPUs < 0 {
		return cfgErr("setup", "GPUS must not be negative, got %d", s.GPUs)
	}
	if s.Software != SoftwareSerialEM && s.Software != SoftwareTomo5 {
		return cfgErr("setup", "SOFTWARE must be 1 (serialEM) or 2 (Tomography 5), got %d", s.Software)
	}
	if s.Data.RawDataDir == "" {
		return cfgErr("setup.data", "RAW_DATA_DIR is required")
	}
	if !isFlag(s.Data.ReadMdoc) {
		return cfgErr("setup.data", "READ_MDOC must be 0 or 1, got %d", s.Data.ReadMdoc)
	}
	return nil
}

func (p *Pipeline) validateData() error {
	if p.Data.Extension == "" {
		return cfgErr("data", "EXTENSION is required")
	}
	// Without mdoc files the per-image metadata must come from the
	// configuration itself.
	if !p.ReadMdoc() {
		if p.Data.PixelSize <= 0 {
			return cfgErr("data", "PIXEL_SIZE must be positive when READ_MDOC=0, got %g", p.Data.PixelSize)
		}
		if p.Data.Exposure <= 0 {
			return cfgErr("data", "EXPOSURE must be positive when READ_MDOC=0, got %g", p.Data.Exposure)
		}
	}
	return nil
}

func (p *Pipeline) validateMC() error {
	if !isFlag(p.MC.DoseFractions) {
		return cfgErr("mc", "DOSE_FRACTIONS must be 0 or 1, got %d", p.MC.DoseFractions)
	}
	if !isFlag(p.MC.RunFramewatcher) {
		return cfgErr("mc", "RUN_FRAMEWATCHER must be 0 or 1, got %d", p.MC.RunFramewatcher)
	}
	if !isFlag(p.MC.DoDoseWeight) {
		return cfgErr("mc", "DO_MC_DOSEWEIGHT must be 0 or 1, got %d", p.MC.DoDoseWeight)
	}
	if p.MC.DoseFractions == 1 && p.MC.RunFramewatcher == 1 && p.Setup.GPUs == 0 {
		return cfgErr("mc", "motion correction requires at least one GPU (GPUS=0)")
	}
	return nil
}

func (p *Pipeline) validateIMOD() error {
	im := p.IMOD
	if im.PrealignBin <= 0 {
		return cfgErr("imod", "PREALIGN_BIN must be positive, got %d", im.PrealignBin)
	}

	t := im.Tracking
	switch domain.TrackMethod(t.TrackMethod) {
	case domain.TrackFiducial:
		if t.SizeGold <= 0 {
			return cfgErr("imod.tracking", "SIZE_GOLD must be positive for fiducial tracking, got %g", t.SizeGold)
		}
		if t.Fiducial.NumBeads <= 0 {
			return cfgErr("imod.tracking.fiducial", "NUM_BEADS must be positive, got %d", t.Fiducial.NumBeads)
		}
	case domain.TrackPatch:
		if t.Patch.PatchSizeX <= 0 || t.Patch.PatchSizeY <= 0 {
			return cfgErr("imod.tracking.patch", "PATCH_SIZE_X and PATCH_SIZE_Y must be positive, got %dx%d",
				t.Patch.PatchSizeX, t.Patch.PatchSizeY)
		}
	default:
		return cfgErr("imod.tracking", "TRACK_METHOD must be 0 (fiducial) or 1 (patch), got %d", t.TrackMethod)
	}

	fa := im.FinalAlignment
	if !isFlag(fa.DoCTF) {
		return cfgErr("imod.final_alignment", "DO_CTF must be 0 or 1, got %d", fa.DoCTF)
	}
	if !isFlag(fa.DoDoseWeighting) {
		return cfgErr("imod.final_alignment", "DO_DOSE_WEIGHTING must be 0 or 1, got %d", fa.DoDoseWeighting)
	}
	if fa.FinalBin <= 0 {
		return cfgErr("imod.final_alignment", "FINAL_BIN must be positive, got %d", fa.FinalBin)
	}

	if fa.DoCTF == 1 {
		c := im.CTF
		if c.Voltage <= 0 {
			return cfgErr("imod.ctf", "VOLTAGE must be positive, got %g", c.Voltage)
		}
		if c.DefocusRangeLow >= c.DefocusRangeHigh {
			return cfgErr("imod.ctf", "DEFOCUS_RANGE_LOW (%g) must be below DEFOCUS_RANGE_HIGH (%g)",
				c.DefocusRangeLow, c.DefocusRangeHigh)
		}
	}

	r := im.Reconstruction
	if r.ReconstructMethod != ReconstructBackProjection && r.ReconstructMethod != ReconstructSIRT {
		return cfgErr("imod.reconstruction", "RECONSTRUCT_METHOD must be 1 (back projection) or 2 (SIRT), got %d", r.ReconstructMethod)
	}
	if r.ThicknessBinned <= 0 && r.ThicknessUnbinned <= 0 {
		return cfgErr("imod.reconstruction", "one of THICKNESS_BINNED or THICKNESS_UNBINNED must be positive")
	}
	if r.ReconstructMethod == ReconstructSIRT && r.SirtIters <= 0 {
		return cfgErr("imod.reconstruction", "SIRT_ITERS must be positive when RECONSTRUCT_METHOD=2, got %d", r.SirtIters)
	}

	if !isFlag(im.PostProcess.DoTrimvol) {
		return cfgErr("imod.postprocess", "DO_TRIMVOL must be 0 or 1, got %d", im.PostProcess.DoTrimvol)
	}
	if re := im.PostProcess.Reorient; re < ReorientNone || re > ReorientFlip {
		return cfgErr("imod.postprocess", "REORIENT must be 0 (none), 1 (rotate) or 2 (flip), got %d", re)
	}
	return nil
}
