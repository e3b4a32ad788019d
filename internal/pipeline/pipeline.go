// Package pipeline drives the three-phase Install/Check/Test pipeline for
// one cell: apply the version override, run cargo fetch/check/test with
// cumulative early stopping, escalate the override on a multi-version
// conflict, and extract the resolved version from cargo metadata.
package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/imazen/copter/internal/faillog"
	"github.com/imazen/copter/internal/logger"
	"github.com/imazen/copter/internal/manifest"
	"github.com/imazen/copter/internal/matrix"
	"github.com/imazen/copter/internal/metadata"
)

// Pipeline executes cells against a cargo runner and failure log.
type Pipeline struct {
	run     Runner
	failLog *faillog.Log
}

// New creates a pipeline. A nil failLog discards failure records.
func New(run Runner, failLog *faillog.Log) *Pipeline {
	if run == nil {
		run = CargoRunner
	}
	return &Pipeline{run: run, failLog: failLog}
}

// patchStrategy decides the initial override depth and whether the manifest
// file itself is edited. Plain Patch mode is realised through cargo's
// --config flag and needs no file write.
func patchStrategy(cfg TestConfig) (depth matrix.OverrideMode, modifyManifest bool) {
	if cfg.OverridePath == "" {
		return matrix.OverrideNone, false
	}
	if cfg.PatchTransitive {
		return matrix.OverridePatch, true
	}
	if cfg.ForceVersion {
		return matrix.OverrideForce, true
	}
	return matrix.OverridePatch, false
}

// Execute runs the full pipeline for one cell. Phase failures are values in
// the result; the returned error covers only staging-level problems such as
// an uneditable manifest.
func (p *Pipeline) Execute(cfg TestConfig) (matrix.ThreeStepResult, error) {
	logger.Debug("starting three-step pipeline", "cell", cfg.Display())

	depth, modifyManifest := patchStrategy(cfg)
	manifestPath := filepath.Join(cfg.DependentPath, manifest.ManifestName)

	var guard *manifest.BackupGuard
	ensureGuard := func() error {
		if guard != nil {
			return nil
		}
		g, err := manifest.NewBackupGuard(manifestPath)
		if err != nil {
			return fmt.Errorf("failed to back up manifest: %w", err)
		}
		guard = g
		return nil
	}
	defer func() {
		if guard != nil {
			if err := guard.Restore(); err != nil {
				// Rollback is best effort; the next run's pre-edit
				// detection handles residual state
				logger.Error("failed to restore manifest", "manifest", manifestPath, "error", err)
			}
		}
	}()

	configOverride := ""
	if modifyManifest {
		if err := ensureGuard(); err != nil {
			return matrix.ThreeStepResult{}, err
		}
		if cfg.ForceVersion {
			if err := manifest.ApplyForce(manifestPath, cfg.BaseCrate, cfg.OverridePath); err != nil {
				return matrix.ThreeStepResult{}, err
			}
		}
		if cfg.PatchTransitive {
			if err := manifest.ApplyPatch(manifestPath, cfg.BaseCrate, cfg.OverridePath); err != nil {
				return matrix.ThreeStepResult{}, err
			}
		}
	} else if cfg.OverridePath != "" {
		configOverride = configOverrideFlag(cfg.BaseCrate, cfg.OverridePath)
	}

	// Phase 1: fetch
	fetch := runPhase(p.run, cfg.DependentPath, matrix.PhaseFetch, cfg.Features, cfg.Env, configOverride)

	var blockingCrates []string
	if !fetch.Success {
		analysis := AnalyzeConflict(fetch.Stdout, fetch.Stderr, cfg.BaseCrate)
		alreadyPatched := depth == matrix.OverridePatch

		switch {
		case cfg.OverridePath != "" && ShouldRetryWithPatch(analysis, alreadyPatched):
			logger.Info("multi-version conflict detected, retrying with patch.crates-io", "crate", cfg.BaseCrate)

			if err := ensureGuard(); err != nil {
				return matrix.ThreeStepResult{}, err
			}
			// Preserve any force rewrite already in place, then unify
			// transitive instances against the one local source
			if cfg.ForceVersion {
				if err := manifest.ApplyForce(manifestPath, cfg.BaseCrate, cfg.OverridePath); err != nil {
					return matrix.ThreeStepResult{}, err
				}
			}
			if err := manifest.ApplyPatch(manifestPath, cfg.BaseCrate, cfg.OverridePath); err != nil {
				return matrix.ThreeStepResult{}, err
			}

			fetch = runPhase(p.run, cfg.DependentPath, matrix.PhaseFetch, cfg.Features, cfg.Env, "")
			depth = matrix.OverridePatch

			if !fetch.Success {
				retryAnalysis := AnalyzeConflict(fetch.Stdout, fetch.Stderr, cfg.BaseCrate)
				if retryAnalysis.HasConflict {
					// Patching could not unify the graph: the blocking
					// holders carry incompatible declared ranges
					depth = matrix.OverrideDeepPatch
					blockingCrates = retryAnalysis.BlockingCrates
				}
			}
		case analysis.HasConflict && alreadyPatched:
			depth = matrix.OverrideDeepPatch
			blockingCrates = analysis.BlockingCrates
		}
	}

	result := matrix.ThreeStepResult{
		Fetch:           fetch,
		ExpectedVersion: cfg.OfferedVersion,
		ForcedVersion:   cfg.ForceVersion,
		PatchDepth:      depth,
		BlockingCrates:  blockingCrates,
	}

	// Post-fetch version extraction
	if fetch.Success {
		actual, spec, allVersions := p.extractVersionInfo(cfg.DependentPath, cfg.BaseCrate)
		result.ActualVersion = actual
		result.AllCrateVersions = allVersions
		result.OriginalRequirement = cfg.OriginalRequirement
		if result.OriginalRequirement == "" {
			result.OriginalRequirement = spec
		}
	} else {
		result.OriginalRequirement = cfg.OriginalRequirement
		p.logFailure(cfg, fetch)
		assertConsistent(&result)
		return result, nil
	}

	// Phase 2: check
	if !cfg.SkipCheck {
		check := runPhase(p.run, cfg.DependentPath, matrix.PhaseCheck, cfg.Features, cfg.Env, configOverride)
		result.Check = &check

		if !check.Success {
			p.logFailure(cfg, check)
			assertConsistent(&result)
			return result, nil
		}
	}

	// Phase 3: test
	if !cfg.SkipTest {
		test := runPhase(p.run, cfg.DependentPath, matrix.PhaseTest, cfg.Features, cfg.Env, configOverride)
		result.Test = &test

		if !test.Success {
			p.logFailure(cfg, test)
		}
	}

	assertConsistent(&result)
	return result, nil
}

// extractVersionInfo runs cargo metadata and locates every occurrence of the
// base crate in the resolved graph. Metadata failures degrade to absent
// version info rather than failing the cell.
func (p *Pipeline) extractVersionInfo(dir, baseCrate string) (actual, spec string, all []matrix.CrateVersionUse) {
	raw, err := runMetadata(p.run, dir)
	if err != nil {
		logger.Debug("failed to run cargo metadata", "error", err)
		return "", "", nil
	}

	meta, err := metadata.Parse(raw)
	if err != nil {
		logger.Debug("failed to parse cargo metadata", "error", err)
		return "", "", nil
	}

	versions := meta.FindAllVersions(baseCrate)
	if len(versions) == 0 {
		return "", "", nil
	}

	actual = versions[0].Version
	spec = versions[0].Spec

	for _, v := range versions {
		holder, _, ok := metadata.ParseNodeID(v.NodeID)
		if !ok {
			continue
		}
		all = append(all, matrix.CrateVersionUse{
			Spec:     v.Spec,
			Resolved: v.Version,
			Holder:   holder,
		})
	}

	return actual, spec, all
}

// logFailure appends a failed phase's streams to the failure log.
func (p *Pipeline) logFailure(cfg TestConfig, res matrix.CompileResult) {
	if cfg.DependentName == "" {
		return
	}
	p.failLog.Append(faillog.Entry{
		Dependent:        cfg.DependentName,
		DependentVersion: cfg.DependentVersion,
		BaseCrate:        cfg.BaseCrate,
		TestLabel:        cfg.TestLabel,
		Command:          "cargo " + res.Phase.Subcommand(),
		Stdout:           res.Stdout,
		Stderr:           res.Stderr,
	})
}

// assertConsistent enforces the cumulative-pipeline invariants on every
// constructed result.
func assertConsistent(r *matrix.ThreeStepResult) {
	if err := r.Consistent(); err != nil {
		logger.Error("pipeline produced inconsistent result", "error", err)
	}
}
