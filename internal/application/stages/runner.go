// Package stages executes the external processing tools behind each pipeline
// stage: framewatcher for motion correction, batchruntomo for the IMOD
// alignment and reconstruction chain, ctfplotter for defocus estimation,
// trimvol for post-processing and nad_eed_3d for denoising.
package stages

import (
	"context"
	"errors"
	"os/exec"

	"go.uber.org/zap"
)

// CommandRunner runs one external tool and returns its combined output.
// The interface exists so executor tests can script tool behavior.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner is the production CommandRunner.
type ExecRunner struct {
	logger *zap.Logger
}

// NewExecRunner creates a runner that executes tools via the OS.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes the tool with dir as its working directory. The process is
// killed when ctx expires; partial output is still returned for log
// classification.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		r.logger.Debug("tool exited with error",
			zap.String("tool", name),
			zap.String("dir", dir),
			zap.Error(err))
	}
	return out, err
}

// missingTool reports whether the error means the binary is not installed.
func missingTool(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}
