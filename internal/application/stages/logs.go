package stages

import (
	"bufio"
	"bytes"
	"strings"
)

// Outcome classifies a tool run from its log output.
type Outcome int

const (
	// OutcomeOngoing means no terminal marker was seen.
	OutcomeOngoing Outcome = iota
	// OutcomeSuccess means the run reported successful completion.
	OutcomeSuccess
	// OutcomeError means the run reported a hard failure.
	OutcomeError
)

// ClassifyOutput scans tool output for the IMOD completion markers. Any
// ERROR line, or more than one ABORT line, is a hard failure; exactly one
// "SUCCESSFULLY COMPLETED" line is success. A single ABORT without an ERROR
// is a restart notice, not a failure.
func ClassifyOutput(out []byte) Outcome {
	var numError, numAbort, numSuccess int

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if strings.Contains(line, "ERROR") {
			numError++
		}
		if strings.Contains(line, "ABORT") {
			numAbort++
		}
		if strings.Contains(line, "SUCCESSFULLY COMPLETED") {
			numSuccess++
		}
	}

	switch {
	case numAbort > 1 || numError > 0:
		return OutcomeError
	case numSuccess == 1:
		return OutcomeSuccess
	default:
		return OutcomeOngoing
	}
}
