// Package watcher discovers datasets arriving in the raw data directory.
// Each immediate subdirectory is a candidate tilt series; it is ingested
// once its mdoc sidecar is present and its image count has been stable for
// a configured number of polls, so half-transferred acquisitions are never
// handed to the pipeline.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

// Ingestor receives fully arrived datasets. The scheduler implements it.
type Ingestor interface {
	Discovered(ds *domain.Dataset)
}

// Options configure what counts as a dataset and when it is complete.
type Options struct {
	RawDir        string
	Extension     string
	FramesName    string
	MdocDuplicate string
	ReadMdoc      bool
	PollInterval  time.Duration
	StablePolls   int

	// Static is the metadata fallback applied when mdoc reading is
	// disabled: pixel size, exposure and tilt axis from the configuration.
	Static domain.AcquisitionMeta
}

// Watcher polls the raw data directory.
type Watcher struct {
	opts   Options
	graph  *domain.Graph
	sink   Ingestor
	known  func(id string) bool
	logger *zap.Logger

	// candidates tracks directories whose contents are still growing.
	candidates map[string]*candidate
}

type candidate struct {
	images int
	stable int
}

// New creates a watcher. known reports identities the registry already
// holds; they are skipped without re-ingestion.
func New(opts Options, graph *domain.Graph, sink Ingestor, known func(string) bool, logger *zap.Logger) *Watcher {
	return &Watcher{
		opts:       opts,
		graph:      graph,
		sink:       sink,
		known:      known,
		logger:     logger,
		candidates: make(map[string]*candidate),
	}
}

// Run polls until ctx is cancelled. The first scan happens immediately.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// scan examines every subdirectory of the raw data dir and ingests the ones
// that have fully arrived.
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.opts.RawDir)
	if err != nil {
		w.logger.Error("failed to read raw data dir",
			zap.String("dir", w.opts.RawDir), zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		seen[name] = true
		if w.known(name) {
			continue
		}
		w.examine(ctx, name)
	}

	// Forget candidates whose directories disappeared mid-transfer.
	for name := range w.candidates {
		if !seen[name] {
			delete(w.candidates, name)
		}
	}
}

func (w *Watcher) examine(ctx context.Context, name string) {
	dir := filepath.Join(w.opts.RawDir, name)
	images, mdoc, err := w.inventory(dir)
	if err != nil {
		w.logger.Warn("failed to inventory candidate",
			zap.String("dataset", name), zap.Error(err))
		return
	}
	if images == 0 {
		return
	}

	cand, ok := w.candidates[name]
	if !ok {
		cand = &candidate{}
		w.candidates[name] = cand
		w.logger.Info("candidate dataset observed",
			zap.String("dataset", name),
			zap.Int("images", images))
	}

	if images != cand.images {
		cand.images = images
		cand.stable = 0
		return
	}
	cand.stable++

	if cand.stable < w.opts.StablePolls {
		return
	}
	if w.opts.ReadMdoc && mdoc == "" {
		// Images stopped growing but the sidecar has not arrived yet.
		return
	}

	meta, err := w.resolveMeta(mdoc)
	if err != nil {
		w.logger.Warn("failed to read mdoc, dataset held back",
			zap.String("dataset", name),
			zap.String("mdoc", mdoc),
			zap.Error(err))
		return
	}
	if meta.ImageCount == 0 {
		meta.ImageCount = images
	}

	delete(w.candidates, name)
	w.sink.Discovered(domain.NewDataset(name, dir, time.Now(), meta, w.graph))
}

// inventory counts image files and locates the mdoc sidecar, skipping the
// duplicate copies some acquisition setups write alongside the original.
func (w *Watcher) inventory(dir string) (images int, mdoc string, err error) {
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		switch {
		case strings.HasSuffix(name, ".mdoc"):
			if w.opts.MdocDuplicate != "" && strings.Contains(name, w.opts.MdocDuplicate) {
				return nil
			}
			if mdoc == "" {
				mdoc = path
			}
		case strings.HasSuffix(name, w.opts.Extension):
			// Frame stacks share the extension with tilt images; the
			// frames name marker tells them apart.
			if w.opts.FramesName != "" && strings.Contains(name, w.opts.FramesName) {
				return nil
			}
			images++
		}
		return nil
	})
	return images, mdoc, err
}

func (w *Watcher) resolveMeta(mdoc string) (domain.AcquisitionMeta, error) {
	if !w.opts.ReadMdoc {
		return w.opts.Static, nil
	}
	meta, err := ParseMdoc(mdoc)
	if err != nil {
		return domain.AcquisitionMeta{}, err
	}
	meta.TiltAxisDeg = w.opts.Static.TiltAxisDeg
	if meta.ExposureDose == 0 {
		meta.ExposureDose = w.opts.Static.ExposureDose
	}
	if meta.PixelSizeNm == 0 {
		meta.PixelSizeNm = w.opts.Static.PixelSizeNm
	}
	return meta, nil
}
