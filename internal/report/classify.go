package report

import (
	"strings"

	"github.com/imazen/copter/internal/matrix"
)

// Status classifies one row against its baseline.
type Status int

const (
	// StatusPassed means every executed phase succeeded and the baseline
	// also passed (or the row is a passing baseline)
	StatusPassed Status = iota
	// StatusRegressed means the baseline passed but this row failed
	StatusRegressed
	// StatusBroken means this row failed while its baseline also failed,
	// or is itself a failing baseline
	StatusBroken
	// StatusSkipped means the offered version was not adopted by cargo
	StatusSkipped
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPassed:
		return "passed"
	case StatusRegressed:
		return "regressed"
	case StatusBroken:
		return "broken"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Classify buckets a row for summary statistics and exit-code decisions.
func Classify(r *Row) Status {
	if r.NotUsed() {
		return StatusSkipped
	}
	if r.OverallPassed() {
		return StatusPassed
	}
	if r.BaselinePassed != nil && !*r.BaselinePassed {
		return StatusBroken
	}
	if r.BaselinePassed != nil && *r.BaselinePassed {
		return StatusRegressed
	}
	// A failing baseline row
	return StatusBroken
}

// ResultLabel renders the human status cell: "passed", the failed phase
// ("fetch failed", "build failed", "test failed"), the baseline-broken
// variants with "broken", or "not used".
func ResultLabel(r *Row) string {
	if r.NotUsed() {
		return "not used"
	}

	failedStep := ""
	if phase, ok := r.Execution.FirstFailure(); ok {
		switch phase {
		case matrix.PhaseFetch:
			failedStep = "fetch failed"
		case matrix.PhaseCheck:
			failedStep = "build failed"
		case matrix.PhaseTest:
			failedStep = "test failed"
		}
	}

	if r.IsBaseline() {
		if r.OverallPassed() {
			return "passed"
		}
		if failedStep != "" {
			return strings.Replace(failedStep, "failed", "broken", 1)
		}
		return "broken"
	}

	switch {
	case r.OverallPassed():
		return "passed"
	case r.BaselinePassed != nil && !*r.BaselinePassed:
		// Failure under a broken baseline is breakage, not regression
		if failedStep != "" {
			return strings.Replace(failedStep, "failed", "broken", 1)
		}
		return "broken"
	case failedStep != "":
		return failedStep
	default:
		return "regressed"
	}
}

// IsBuildRegression reports a step-level regression: the baseline's fetch
// and check passed but this row failed before its tests could run.
func IsBuildRegression(r *Row) bool {
	if !r.IsRegression() {
		return false
	}
	phase, ok := r.Execution.FirstFailure()
	return ok && phase != matrix.PhaseTest
}
