package pipeline

import (
	"fmt"
	"strings"

	"github.com/imazen/copter/internal/diagnostics"
	"github.com/imazen/copter/internal/logger"
)

// ConflictAnalysis is the result of scanning a failed fetch for a
// multiple-versions dependency-graph conflict.
type ConflictAnalysis struct {
	// HasConflict is set when a multiple-versions error was detected
	HasConflict bool
	// ConflictingCrates names the crates resolved to several versions
	ConflictingCrates []string
	// BlockingCrates names transitive holders preventing unification
	BlockingCrates []string
}

// AnalyzeConflict scans stdout and stderr jointly for a multiple-versions
// conflict over any crate, names the conflicting crates, and extracts the
// holders blocking unification of baseCrate.
func AnalyzeConflict(stdout, stderr, baseCrate string) ConflictAnalysis {
	combined := stdout + "\n" + stderr

	if !diagnostics.HasMultiVersionConflict(combined) {
		return ConflictAnalysis{}
	}

	var conflicting []string
	for _, c := range diagnostics.DetectConflicts(combined) {
		conflicting = append(conflicting, c.CrateName)
	}
	if len(conflicting) == 0 {
		conflicting = []string{baseCrate}
	}

	blocking := diagnostics.BlockingCrates(combined, baseCrate)
	logger.Debug("multi-version conflict detected", "crates", conflicting, "blocking", blocking)

	return ConflictAnalysis{
		HasConflict:       true,
		ConflictingCrates: conflicting,
		BlockingCrates:    blocking,
	}
}

// ShouldRetryWithPatch decides whether to escalate to a patch.crates-io
// override and re-run fetch. Escalation happens exactly once: a cell that
// already patched does not retry again.
func ShouldRetryWithPatch(analysis ConflictAnalysis, alreadyPatched bool) bool {
	return analysis.HasConflict && !alreadyPatched
}

// FormatBlockingAdvice renders the hint shown when patching alone cannot
// unify the graph.
func FormatBlockingAdvice(blockingCrates []string, baseCrate string) string {
	if len(blockingCrates) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\nThese crates are pulling in different versions of %s:\n", baseCrate)
	for _, name := range blockingCrates {
		fmt.Fprintf(&b, "   - %s\n", name)
	}
	fmt.Fprintf(&b, "\nTo test despite this, these crates may need to be patched\nto use a compatible version of %s.\n", baseCrate)
	return b.String()
}
