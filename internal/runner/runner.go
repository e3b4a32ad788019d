// Package runner iterates the test matrix: it materialises each cell's
// staging directory, drives the pipeline, compares outcomes against the
// dependent's baseline, and streams classified results.
//
// Iteration order is outer-dependent, inner-base-version so each dependent's
// baseline cell runs before its non-baseline cells; classification of a
// non-baseline result depends on the baseline's outcome for the same
// dependent. Execution is strictly serial: every cell mutates the
// dependent's manifest, lockfile, and build directory.
package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	copterrors "github.com/imazen/copter/internal/errors"
	"github.com/imazen/copter/internal/logger"
	"github.com/imazen/copter/internal/manifest"
	"github.com/imazen/copter/internal/matrix"
	"github.com/imazen/copter/internal/pipeline"
)

// Materializer ensures a registry crate's sources exist on disk.
type Materializer interface {
	EnsureUnpacked(name, version string) (string, error)
}

// CellRunner executes one cell's pipeline. Production wires
// (*pipeline.Pipeline).Execute; tests substitute a fake.
type CellRunner func(pipeline.TestConfig) (matrix.ThreeStepResult, error)

// Executor runs a planned matrix.
type Executor struct {
	Matrix   *matrix.TestMatrix
	Cache    Materializer
	Resolver matrix.Resolver
	RunCell  CellRunner
}

// Run executes every cell and returns the classified results in emission
// order. onResult streams each result as soon as its cell completes; it may
// be nil.
func (e *Executor) Run(onResult func(matrix.TestResult)) ([]matrix.TestResult, error) {
	if err := e.Matrix.Validate(); err != nil {
		return nil, err
	}

	// Base versions are few; resolve their Latest markers upfront
	for i := range e.Matrix.BaseVersions {
		if err := e.resolveLatest(&e.Matrix.BaseVersions[i].CrateRef); err != nil {
			return nil, err
		}
	}

	baselineSpec, err := e.Matrix.Baseline()
	if err != nil {
		return nil, err
	}

	emit := func(results *[]matrix.TestResult, r matrix.TestResult) {
		if onResult != nil {
			onResult(r)
		}
		*results = append(*results, r)
	}

	var results []matrix.TestResult

	for idx := range e.Matrix.Dependents {
		// Dependent versions resolve lazily, just before their first cell
		if err := e.resolveLatest(&e.Matrix.Dependents[idx].CrateRef); err != nil {
			return nil, err
		}

		dependentSpec := &e.Matrix.Dependents[idx]
		dependent := dependentSpec.CrateRef

		logger.Info("testing dependent", "dependent", dependent.Display())

		// Baseline cell first
		baselineExec, err := e.runSingleTest(baselineSpec, dependentSpec, "")
		if err != nil {
			// Materialisation failed: the dependent itself could not be
			// staged, so every cell for it would fail the same way
			logger.Error("failed to stage dependent", "dependent", dependent.Display(), "error", err)
			emit(&results, matrix.TestResult{
				BaseVersion: baselineSpec.CrateRef,
				Dependent:   dependent,
				Execution:   syntheticFailure(err),
			})
			continue
		}

		baselineResult := matrix.TestResult{
			BaseVersion: baselineSpec.CrateRef,
			Dependent:   dependent,
			Execution:   baselineExec,
		}
		emit(&results, baselineResult)

		comparison := matrix.BaselineComparison{
			BaselinePassed:      baselineExec.IsSuccess(),
			BaselineVersion:     baselineSpec.CrateRef.Version.Display(),
			BaselineFetchPassed: baselineExec.Fetch.Success,
			BaselineCheckPassed: baselineExec.Check != nil && baselineExec.Check.Success,
			BaselineTestPassed:  baselineExec.Test != nil && baselineExec.Test.Success,
		}

		// The baseline's requirement string is threaded through to every
		// non-baseline cell for the same dependent
		baselineRequirement := baselineExec.OriginalRequirement

		for i := range e.Matrix.BaseVersions {
			baseSpec := &e.Matrix.BaseVersions[i]
			if baseSpec.IsBaseline {
				continue
			}

			exec, err := e.runSingleTest(baseSpec, dependentSpec, baselineRequirement)
			if err != nil {
				logger.Error("failed to stage cell", "base", baseSpec.CrateRef.Display(), "dependent", dependent.Display(), "error", err)
				exec = syntheticFailure(err)
			}

			cellComparison := comparison
			emit(&results, matrix.TestResult{
				BaseVersion: baseSpec.CrateRef,
				Dependent:   dependent,
				Execution:   exec,
				Baseline:    &cellComparison,
			})
		}
	}

	return results, nil
}

// resolveLatest replaces a Latest marker in place using the registry.
func (e *Executor) resolveLatest(ref *matrix.VersionedCrate) error {
	if !ref.Version.Latest {
		return nil
	}
	latest, err := e.Resolver.LatestVersion(ref.Name, false)
	if err != nil {
		return copterrors.NewPlanError(fmt.Sprintf("failed to resolve latest version for %s", ref.Name), err)
	}
	ref.Version.Resolve(latest)
	return nil
}

// runSingleTest materialises and executes one (base version, dependent)
// cell. The returned error covers staging problems only; phase failures are
// values inside the result.
func (e *Executor) runSingleTest(baseSpec *matrix.VersionSpec, dependentSpec *matrix.VersionSpec, originalRequirement string) (matrix.ThreeStepResult, error) {
	dependent := dependentSpec.CrateRef

	if dependent.Version.Latest {
		return matrix.ThreeStepResult{}, errors.New("dependent version not resolved")
	}
	if baseSpec.CrateRef.Version.Latest {
		return matrix.ThreeStepResult{}, errors.New("base version not resolved")
	}

	dependentPath, err := e.materialize(dependent)
	if err != nil {
		return matrix.ThreeStepResult{}, copterrors.NewStagingError(dependent.Name, dependent.Version.Semver, err)
	}

	// Pre-run cleanup: recover the manifest from any interrupted run's
	// backup, and force fresh dependency resolution
	manifestPath := filepath.Join(dependentPath, manifest.ManifestName)
	if err := manifest.EnsurePristine(manifestPath); err != nil {
		return matrix.ThreeStepResult{}, copterrors.NewStagingError(dependent.Name, dependent.Version.Semver, err)
	}
	lockPath := filepath.Join(dependentPath, "Cargo.lock")
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return matrix.ThreeStepResult{}, copterrors.NewStagingError(dependent.Name, dependent.Version.Semver, err)
	}

	cfg := pipeline.NewTestConfig(dependentPath, e.Matrix.BaseCrate).
		WithSkipFlags(e.Matrix.SkipCheck, e.Matrix.SkipTest).
		WithVersionInfo(baseSpec.CrateRef.Version.Semver, baseSpec.OverrideMode == matrix.OverrideForce, originalRequirement).
		WithLogContext(dependent.Name, dependent.Version.Semver, testLabel(baseSpec))

	if baseSpec.OverrideMode.IsOverride() {
		overridePath, err := e.materialize(baseSpec.CrateRef)
		if err != nil {
			return matrix.ThreeStepResult{}, copterrors.NewStagingError(baseSpec.CrateRef.Name, baseSpec.CrateRef.Version.Semver, err)
		}
		cfg = cfg.WithOverridePath(overridePath)
	}

	result, err := e.RunCell(cfg)
	if err != nil {
		return matrix.ThreeStepResult{}, err
	}

	// Cell-level cleanup: the pipeline's guard already rolled back any
	// edit; this sweeps up a backup left by a crash inside the pipeline
	if err := manifest.Restore(manifestPath); err != nil {
		logger.Error("failed to restore manifest after cell", "manifest", manifestPath, "error", err)
	}

	return result, nil
}

// materialize returns a crate's on-disk directory, unpacking registry
// sources into the staging cache as needed.
func (e *Executor) materialize(ref matrix.VersionedCrate) (string, error) {
	switch ref.Source.Kind {
	case matrix.SourceLocal:
		return manifest.CrateDir(ref.Source.Path), nil
	case matrix.SourceRegistry:
		return e.Cache.EnsureUnpacked(ref.Name, ref.Version.Semver)
	case matrix.SourceGit:
		return "", errors.New("git sources not yet implemented")
	default:
		return "", fmt.Errorf("unknown crate source %v", ref.Source.Kind)
	}
}

// testLabel names the cell in failure logs: "baseline", "this" for the
// local work-in-progress, or the version string.
func testLabel(spec *matrix.VersionSpec) string {
	switch {
	case spec.IsBaseline:
		return "baseline"
	case spec.CrateRef.Source.Kind == matrix.SourceLocal:
		return "this"
	default:
		return spec.CrateRef.Version.Display()
	}
}

// syntheticFailure turns a staging error into a failed-fetch result so the
// cell still yields a classified row.
func syntheticFailure(err error) matrix.ThreeStepResult {
	return matrix.ThreeStepResult{
		Fetch: matrix.CompileResult{
			Phase:   matrix.PhaseFetch,
			Success: false,
			Stderr:  err.Error(),
		},
	}
}
