package watcher

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

// ParseMdoc reads the acquisition metadata the pipeline needs out of a
// SerialEM-style mdoc sidecar: tilt angles, measured defocus, magnification
// and pixel spacing, plus the per-tilt frame file names.
//
// PixelSpacing is recorded in Angstrom and converted to nanometres. Defocus
// lines are the measured values; TargetDefocus is ignored.
func ParseMdoc(path string) (domain.AcquisitionMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.AcquisitionMeta{}, fmt.Errorf("open mdoc: %w", err)
	}
	defer f.Close()

	meta := domain.AcquisitionMeta{MdocPath: path}
	var tilts, defoci []float64

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := splitMdocLine(scanner.Text())
		if !ok {
			continue
		}
		switch key {
		case "TiltAngle":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			tilts = append(tilts, math.Round(v))
		case "Defocus":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			defoci = append(defoci, v)
		case "Magnification":
			meta.Magnification = value
		case "PixelSpacing":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			meta.PixelSizeNm = round2(v) / 10
		case "ExposureDose":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			meta.ExposureDose = v
		case "SubFramePath":
			meta.Frames = append(meta.Frames, baseName(value))
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.AcquisitionMeta{}, fmt.Errorf("read mdoc: %w", err)
	}

	if len(tilts) == 0 {
		return domain.AcquisitionMeta{}, fmt.Errorf("mdoc %s has no tilt sections", path)
	}

	meta.ImageCount = len(tilts)
	meta.TiltMinDeg, meta.TiltMaxDeg = minMax(tilts)
	meta.TiltStepDeg = math.Round(math.Abs((meta.TiltMaxDeg - meta.TiltMinDeg) / float64(len(tilts))))

	if len(defoci) > 0 {
		var sum float64
		for _, d := range defoci {
			sum += d
		}
		meta.DefocusAvg = round2(sum / float64(len(defoci)))
	}

	return meta, nil
}

// splitMdocLine parses "Key = value" lines. Section headers and comments
// report ok=false.
func splitMdocLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "[") {
		return "", "", false
	}
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// baseName strips the Windows-style directory prefix SerialEM writes into
// SubFramePath.
func baseName(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

func minMax(vs []float64) (lo, hi float64) {
	lo, hi = vs[0], vs[0]
	for _, v := range vs[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
