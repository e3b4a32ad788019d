// Package matrix defines the data model for a downstream test run: versions,
// crate sources, override modes, the test matrix itself, and the per-cell
// results produced by executing it.
package matrix

import (
	"errors"
	"fmt"
	"time"

	"github.com/imazen/copter/internal/diagnostics"
)

// Version is either the unresolved Latest marker or a concrete semver string.
// Resolution replaces the Latest marker in place before use; no other
// mutation is permitted.
type Version struct {
	// Semver is the resolved version string; empty while Latest is set
	Semver string
	// Latest marks a version that has not been resolved yet
	Latest bool
	// GitHash is the short commit hash of a local work-in-progress crate
	GitHash string
	// GitDirty marks a local crate with uncommitted changes
	GitDirty bool
}

// LatestVersion returns the unresolved Latest marker.
func LatestVersion() Version {
	return Version{Latest: true}
}

// SemverVersion returns a resolved version.
func SemverVersion(v string) Version {
	return Version{Semver: v}
}

// Resolve replaces the Latest marker with a concrete version.
func (v *Version) Resolve(semver string) {
	v.Semver = semver
	v.Latest = false
}

// Display returns the human-readable version string, with the git hash and a
// dirty marker appended when known: "1.0.0 abc123f*", "1.0.0 abc123f",
// "1.0.0*", or "1.0.0".
func (v Version) Display() string {
	if v.Latest {
		return "latest"
	}
	switch {
	case v.GitHash != "" && v.GitDirty:
		return fmt.Sprintf("%s %s*", v.Semver, v.GitHash)
	case v.GitHash != "":
		return fmt.Sprintf("%s %s", v.Semver, v.GitHash)
	case v.GitDirty:
		return v.Semver + "*"
	default:
		return v.Semver
	}
}

// Equal reports whether two versions resolve to the same value.
func (v Version) Equal(other Version) bool {
	return v.Latest == other.Latest && v.Semver == other.Semver
}

// SourceKind discriminates where a crate's source comes from.
type SourceKind int

const (
	// SourceRegistry is a published crate fetched from the registry
	SourceRegistry SourceKind = iota
	// SourceLocal is a crate on the local filesystem
	SourceLocal
	// SourceGit is reserved and not implemented
	SourceGit
)

// String returns the display name for the source kind.
func (k SourceKind) String() string {
	switch k {
	case SourceRegistry:
		return "crates.io"
	case SourceLocal:
		return "local"
	case SourceGit:
		return "git"
	default:
		return "unknown"
	}
}

// CrateSource is a closed tagged variant: Registry, Local{Path}, or Git.
type CrateSource struct {
	Kind SourceKind
	// Path is the crate directory or Cargo.toml path when Kind is SourceLocal
	Path string
}

// RegistrySource returns a registry crate source.
func RegistrySource() CrateSource {
	return CrateSource{Kind: SourceRegistry}
}

// LocalSource returns a local crate source rooted at path.
func LocalSource(path string) CrateSource {
	return CrateSource{Kind: SourceLocal, Path: path}
}

// VersionedCrate names one crate at one version from one source.
type VersionedCrate struct {
	Name    string
	Version Version
	Source  CrateSource
}

// FromRegistry constructs a registry crate at a concrete version.
func FromRegistry(name, version string) VersionedCrate {
	return VersionedCrate{
		Name:    name,
		Version: SemverVersion(version),
		Source:  RegistrySource(),
	}
}

// LatestFromRegistry constructs a registry crate whose version is resolved
// lazily at execution time.
func LatestFromRegistry(name string) VersionedCrate {
	return VersionedCrate{
		Name:    name,
		Version: LatestVersion(),
		Source:  RegistrySource(),
	}
}

// FromLocal constructs a local crate rooted at path (a directory or the
// Cargo.toml itself).
func FromLocal(name, version, path string) VersionedCrate {
	return VersionedCrate{
		Name:    name,
		Version: SemverVersion(version),
		Source:  LocalSource(path),
	}
}

// Display returns "name version" for logging.
func (c VersionedCrate) Display() string {
	return fmt.Sprintf("%s %s", c.Name, c.Version.Display())
}

// OverrideMode selects how the base crate is substituted into a dependent.
type OverrideMode int

const (
	// OverrideNone lets cargo resolve naturally (baseline testing)
	OverrideNone OverrideMode = iota
	// OverrideForce rewrites the direct dependency spec to a local path,
	// bypassing the dependent's stated version range
	OverrideForce
	// OverridePatch appends a patch.crates-io entry, respecting semver
	// ranges and unifying transitive uses
	OverridePatch
	// OverrideDeepPatch records that patching alone could not unify the
	// graph; used only for reporting
	OverrideDeepPatch
)

// String returns the mode name.
func (m OverrideMode) String() string {
	switch m {
	case OverrideNone:
		return "none"
	case OverrideForce:
		return "force"
	case OverridePatch:
		return "patch"
	case OverrideDeepPatch:
		return "deep-patch"
	default:
		return "unknown"
	}
}

// Marker returns the display marker: "", "!", "!!", or "!!!".
func (m OverrideMode) Marker() string {
	switch m {
	case OverrideForce:
		return "!"
	case OverridePatch:
		return "!!"
	case OverrideDeepPatch:
		return "!!!"
	default:
		return ""
	}
}

// IsOverride reports whether any form of override is in effect.
func (m OverrideMode) IsOverride() bool {
	return m != OverrideNone
}

// VersionSpec pairs a crate reference with how it participates in the matrix.
type VersionSpec struct {
	CrateRef     VersionedCrate
	OverrideMode OverrideMode
	IsBaseline   bool
}

// WithPatch wraps a crate reference as a non-baseline Patch entry.
func WithPatch(ref VersionedCrate) VersionSpec {
	return VersionSpec{CrateRef: ref, OverrideMode: OverridePatch}
}

// TestMatrix is the immutable cross-product of base versions and dependents.
type TestMatrix struct {
	BaseCrate    string
	BaseVersions []VersionSpec
	Dependents   []VersionSpec
	StagingDir   string
	SkipCheck    bool
	SkipTest     bool
	ErrorLines   int
}

// TestCount returns the number of cells in the matrix.
func (m *TestMatrix) TestCount() int {
	return len(m.BaseVersions) * len(m.Dependents)
}

// Baseline returns the baseline base-version entry.
func (m *TestMatrix) Baseline() (*VersionSpec, error) {
	for i := range m.BaseVersions {
		if m.BaseVersions[i].IsBaseline {
			return &m.BaseVersions[i], nil
		}
	}
	return nil, errors.New("no baseline version found")
}

// Validate enforces the matrix invariants: exactly one baseline base version
// and it must be first in iteration order.
func (m *TestMatrix) Validate() error {
	if len(m.BaseVersions) == 0 {
		return errors.New("matrix has no base versions")
	}
	if len(m.Dependents) == 0 {
		return errors.New("matrix has no dependents")
	}

	baselines := 0
	for _, v := range m.BaseVersions {
		if v.IsBaseline {
			baselines++
		}
	}
	if baselines != 1 {
		return fmt.Errorf("matrix must have exactly one baseline base version, found %d", baselines)
	}
	if !m.BaseVersions[0].IsBaseline {
		return errors.New("baseline base version must be first in iteration order")
	}
	return nil
}

// Phase is one step of the Install/Check/Test pipeline.
type Phase int

const (
	PhaseFetch Phase = iota
	PhaseCheck
	PhaseTest
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseFetch:
		return "fetch"
	case PhaseCheck:
		return "check"
	case PhaseTest:
		return "test"
	default:
		return "unknown"
	}
}

// Subcommand returns the cargo subcommand driving this phase.
func (p Phase) Subcommand() string {
	return p.String()
}

// CompileResult is the outcome of one phase.
type CompileResult struct {
	Phase       Phase
	Success     bool
	Stdout      string
	Stderr      string
	Duration    time.Duration
	Diagnostics []diagnostics.Diagnostic
}

// Failed reports whether the phase failed.
func (r CompileResult) Failed() bool {
	return !r.Success
}

// CrateVersionUse records one occurrence of the base crate in the resolved
// dependency graph: the requirement string, the version cargo chose, and the
// holder that declared the requirement.
type CrateVersionUse struct {
	Spec     string
	Resolved string
	Holder   string
}

// ThreeStepResult captures one cell's full pipeline outcome.
type ThreeStepResult struct {
	// Fetch always runs
	Fetch CompileResult
	// Check is nil when skipped or when fetch failed
	Check *CompileResult
	// Test is nil when skipped or when an earlier phase failed
	Test *CompileResult

	// ActualVersion is the base-crate version cargo actually resolved
	ActualVersion string
	// ExpectedVersion is the version that was offered for this cell
	ExpectedVersion string
	// OriginalRequirement is the dependent's declared requirement string
	OriginalRequirement string
	// ForcedVersion marks a cell that bypassed the dependent's range
	ForcedVersion bool
	// PatchDepth records how deeply the override escalated
	PatchDepth OverrideMode
	// AllCrateVersions lists every occurrence of the base crate in the graph
	AllCrateVersions []CrateVersionUse
	// BlockingCrates lists holders that prevented unification
	BlockingCrates []string
}

// IsSuccess reports whether every executed phase succeeded.
func (r *ThreeStepResult) IsSuccess() bool {
	if !r.Fetch.Success {
		return false
	}
	if r.Check != nil && !r.Check.Success {
		return false
	}
	if r.Test != nil && !r.Test.Success {
		return false
	}
	return true
}

// FirstFailure returns the first phase that failed, if any.
func (r *ThreeStepResult) FirstFailure() (Phase, bool) {
	if !r.Fetch.Success {
		return PhaseFetch, true
	}
	if r.Check != nil && !r.Check.Success {
		return PhaseCheck, true
	}
	if r.Test != nil && !r.Test.Success {
		return PhaseTest, true
	}
	return 0, false
}

// TotalDuration sums the durations of every executed phase.
func (r *ThreeStepResult) TotalDuration() time.Duration {
	total := r.Fetch.Duration
	if r.Check != nil {
		total += r.Check.Duration
	}
	if r.Test != nil {
		total += r.Test.Duration
	}
	return total
}

// ICTMarks renders the cumulative pipeline state, e.g. "✓✓✓", "✓✗-", "✗--".
func (r *ThreeStepResult) ICTMarks() string {
	if !r.Fetch.Success {
		return "✗--"
	}

	checkMark := "-"
	if r.Check != nil {
		if r.Check.Success {
			checkMark = "✓"
		} else {
			return "✓✗-"
		}
	}

	testMark := "-"
	if r.Test != nil {
		if r.Test.Success {
			testMark = "✓"
		} else {
			testMark = "✗"
		}
	}

	return "✓" + checkMark + testMark
}

// Consistent verifies the cumulative-pipeline invariants: a failed fetch
// leaves check and test absent, and a failed check leaves test absent.
func (r *ThreeStepResult) Consistent() error {
	if !r.Fetch.Success && (r.Check != nil || r.Test != nil) {
		return errors.New("inconsistent result: fetch failed but later phases present")
	}
	if r.Check != nil && !r.Check.Success && r.Test != nil {
		return errors.New("inconsistent result: check failed but test present")
	}
	return nil
}

// BaselineComparison carries the matching baseline cell's outcome into a
// non-baseline cell's classification.
type BaselineComparison struct {
	BaselinePassed      bool
	BaselineVersion     string
	BaselineFetchPassed bool
	BaselineCheckPassed bool
	BaselineTestPassed  bool
}

// TestResult is one classified cell: a base version run against a dependent.
// Baseline is nil exactly when this cell IS the baseline.
type TestResult struct {
	BaseVersion VersionedCrate
	Dependent   VersionedCrate
	Execution   ThreeStepResult
	Baseline    *BaselineComparison
}

// IsBaseline reports whether this result is the baseline for its dependent.
func (t *TestResult) IsBaseline() bool {
	return t.Baseline == nil
}

// IsRegression reports whether the baseline passed while this cell failed.
func (t *TestResult) IsRegression() bool {
	return t.Baseline != nil && t.Baseline.BaselinePassed && !t.Execution.IsSuccess()
}
