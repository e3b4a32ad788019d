// Package report turns classified test results into reporting rows and
// renders them: terminal table, summary statistics, Markdown and JSON
// export.
package report

import (
	"fmt"

	"github.com/imazen/copter/internal/matrix"
)

// Offered describes the base-crate version a non-baseline row tested.
type Offered struct {
	Version    string              `json:"version"`
	Forced     bool                `json:"forced"`
	PatchDepth matrix.OverrideMode `json:"patch_depth"`
}

// Row is one invariant-checked reporting row.
type Row struct {
	// BaselinePassed is nil when this row IS the baseline
	BaselinePassed *bool `json:"baseline_passed"`

	DependentName    string `json:"dependent_name"`
	DependentVersion string `json:"dependent_version"`

	// Spec is the dependent's declared requirement string, "?" when unknown
	Spec string `json:"spec"`
	// Resolved is the base-crate version cargo actually chose
	Resolved string `json:"resolved"`
	// ResolvedSource is where the resolved version came from
	ResolvedSource matrix.SourceKind `json:"resolved_source"`
	// UsedOffered reports whether cargo adopted the offered version
	UsedOffered bool `json:"used_offered"`

	// Offered is nil for baseline rows
	Offered *Offered `json:"offered"`

	Execution matrix.ThreeStepResult `json:"execution"`

	// BlockingCrates carries the unresolvable-conflict holder list
	BlockingCrates []string `json:"blocking_crates,omitempty"`
}

// NewRow builds a reporting row from a test result, enforcing the row
// invariants: the execution must satisfy the cumulative-pipeline rules, and
// a row has an offered version exactly when it has a baseline comparison.
func NewRow(res matrix.TestResult) (Row, error) {
	if err := res.Execution.Consistent(); err != nil {
		return Row{}, err
	}

	row := Row{
		DependentName:    res.Dependent.Name,
		DependentVersion: res.Dependent.Version.Semver,
		Spec:             res.Execution.OriginalRequirement,
		Resolved:         res.Execution.ActualVersion,
		ResolvedSource:   matrix.SourceRegistry,
		Execution:        res.Execution,
		BlockingCrates:   res.Execution.BlockingCrates,
	}

	if row.Spec == "" {
		row.Spec = "?"
	}
	if row.Resolved == "" {
		row.Resolved = "?"
	}

	if res.Baseline != nil {
		passed := res.Baseline.BaselinePassed
		row.BaselinePassed = &passed

		row.Offered = &Offered{
			Version:    res.BaseVersion.Version.Display(),
			Forced:     res.Execution.ForcedVersion,
			PatchDepth: res.Execution.PatchDepth,
		}
		row.UsedOffered = res.Execution.ActualVersion != "" &&
			res.Execution.ActualVersion == res.Execution.ExpectedVersion
		if row.UsedOffered {
			row.ResolvedSource = res.BaseVersion.Source.Kind
		}
	}

	// A row carries an offered version exactly when it carries a baseline
	// comparison
	if (row.Offered == nil) != (row.BaselinePassed == nil) {
		return Row{}, fmt.Errorf("inconsistent row: offered and baseline comparison must be present together")
	}

	return row, nil
}

// IsBaseline reports whether this row is its dependent's baseline.
func (r *Row) IsBaseline() bool {
	return r.Offered == nil
}

// OverallPassed reports whether every executed phase succeeded.
func (r *Row) OverallPassed() bool {
	return r.Execution.IsSuccess()
}

// NotUsed reports whether cargo declined to adopt a non-forced offered
// version because of range incompatibility. Not a failure.
func (r *Row) NotUsed() bool {
	return r.Offered != nil && !r.Offered.Forced && !r.UsedOffered
}

// IsRegression reports whether the baseline passed while this row failed.
func (r *Row) IsRegression() bool {
	if r.NotUsed() || r.BaselinePassed == nil {
		return false
	}
	return *r.BaselinePassed && !r.OverallPassed()
}
