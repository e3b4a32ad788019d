package matrix

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	copterrors "github.com/imazen/copter/internal/errors"
	"github.com/imazen/copter/internal/gitinfo"
	"github.com/imazen/copter/internal/logger"
	"github.com/imazen/copter/internal/manifest"
)

// Resolver supplies the registry lookups the planner needs. The production
// implementation wraps the crates.io client; tests substitute a stub.
type Resolver interface {
	// LatestVersion resolves the newest published version of a crate
	LatestVersion(crateName string, includePrerelease bool) (string, error)
	// TopDependents returns the n most-downloaded dependents of a crate
	TopDependents(crateName string, n int) ([]string, error)
}

// PlanConfig is the enumerated run configuration the planner consumes.
type PlanConfig struct {
	// CrateName is the published base crate name (used when no local path)
	CrateName string
	// CratePath is the local manifest identifying the in-development library
	CratePath string
	// TopDependents picks the top-N most-downloaded dependents
	TopDependents int
	// Dependents are explicit "name[:version]" specifications
	Dependents []string
	// DependentPaths are local dependent crates
	DependentPaths []string
	// TestVersions are base-crate versions to try as Patch
	TestVersions []string
	// ForceVersions are base-crate versions to try as Force
	ForceVersions []string
	// SkipNormalTesting suppresses Patch auto-insertion for Force entries
	SkipNormalTesting bool
	SkipCheck         bool
	SkipTest          bool
	StagingDir        string
	ErrorLines        int
}

// BuildMatrix resolves a complete, validated TestMatrix from the run
// configuration. The matrix is immutable after this point except for lazy
// Latest resolution during execution.
func BuildMatrix(cfg PlanConfig, resolver Resolver) (*TestMatrix, error) {
	baseCrate, baseVersion, localManifest, err := resolveBaseCrateInfo(cfg, resolver)
	if err != nil {
		return nil, err
	}

	logger.Debug("resolved base crate", "crate", baseCrate, "version", baseVersion, "local", localManifest)

	baseVersions, err := resolveBaseVersions(cfg, resolver, baseCrate, baseVersion, localManifest)
	if err != nil {
		return nil, err
	}

	dependents, err := resolveDependents(cfg, resolver, baseCrate)
	if err != nil {
		return nil, err
	}

	m := &TestMatrix{
		BaseCrate:    baseCrate,
		BaseVersions: baseVersions,
		Dependents:   dependents,
		StagingDir:   cfg.StagingDir,
		SkipCheck:    cfg.SkipCheck,
		SkipTest:     cfg.SkipTest,
		ErrorLines:   cfg.ErrorLines,
	}

	if err := m.Validate(); err != nil {
		return nil, copterrors.NewPlanError("invalid test matrix", err)
	}

	logger.Info("planned test matrix",
		"base", baseCrate, "versions", len(baseVersions), "dependents", len(dependents), "cells", m.TestCount())

	return m, nil
}

// resolveBaseCrateInfo determines the base crate's name and version, and the
// local manifest path when a work-in-progress source is available.
func resolveBaseCrateInfo(cfg PlanConfig, resolver Resolver) (name, version, localManifest string, err error) {
	if cfg.CrateName != "" {
		if cfg.CratePath != "" {
			manifestPath := manifest.ResolvePath(cfg.CratePath)
			mName, mVersion, err := manifest.CrateInfo(manifestPath)
			if err != nil {
				return "", "", "", copterrors.NewPlanError("failed to read base manifest", err)
			}
			if mName != cfg.CrateName {
				return "", "", "", copterrors.NewConfigError(
					fmt.Sprintf("crate name mismatch: --crate specifies %q but %s contains %q",
						cfg.CrateName, manifestPath, mName), nil)
			}
			return cfg.CrateName, mVersion, manifestPath, nil
		}

		// No local path: the latest published version stands in for display
		latest, err := resolver.LatestVersion(cfg.CrateName, false)
		if err != nil {
			logger.Debug("failed to resolve latest version", "crate", cfg.CrateName, "error", err)
			latest = "0.0.0"
		}
		return cfg.CrateName, latest, "", nil
	}

	manifestPath := cfg.CratePath
	if manifestPath == "" {
		manifestPath = os.Getenv("COPTER_MANIFEST")
	}
	if manifestPath == "" {
		manifestPath = "./" + manifest.ManifestName
	}
	manifestPath = manifest.ResolvePath(manifestPath)

	mName, mVersion, err := manifest.CrateInfo(manifestPath)
	if err != nil {
		return "", "", "", copterrors.NewPlanError("failed to read base manifest", err)
	}
	return mName, mVersion, manifestPath, nil
}

// resolveVersionKeyword resolves one test-version argument: the keywords
// this, latest, and latest-preview, or a concrete semver literal. A nil
// result with nil error means the keyword could not be resolved and was
// skipped with a warning.
func resolveVersionKeyword(verStr, crateName, localManifest, localVersion string, resolver Resolver) (*VersionedCrate, error) {
	switch verStr {
	case "this":
		if localManifest == "" {
			logger.Warn("'this' specified but no local source available (--path or --crate)")
			return nil, nil
		}
		ref := localWIP(crateName, localVersion, localManifest)
		return &ref, nil

	case "latest":
		ver, err := resolver.LatestVersion(crateName, false)
		if err != nil {
			logger.Warn("failed to resolve 'latest'", "error", err)
			return nil, nil
		}
		ref := FromRegistry(crateName, ver)
		return &ref, nil

	case "latest-preview", "latest-prerelease":
		ver, err := resolver.LatestVersion(crateName, true)
		if err != nil {
			logger.Warn("failed to resolve latest prerelease", "error", err)
			return nil, nil
		}
		ref := FromRegistry(crateName, ver)
		return &ref, nil

	default:
		if strings.HasPrefix(verStr, "^") || strings.HasPrefix(verStr, "~") || strings.HasPrefix(verStr, "=") {
			return nil, copterrors.NewConfigError(
				fmt.Sprintf("version requirement %q not allowed; use concrete versions like '0.8.52'", verStr), nil)
		}
		if _, err := semver.NewVersion(verStr); err != nil {
			return nil, copterrors.NewConfigError(fmt.Sprintf("invalid version %q", verStr), err)
		}
		ref := FromRegistry(crateName, verStr)
		return &ref, nil
	}
}

// resolveBaseVersions builds the base-version schedule with the baseline
// entry first.
func resolveBaseVersions(cfg PlanConfig, resolver Resolver, crateName, localVersion, localManifest string) ([]VersionSpec, error) {
	var versions []VersionSpec

	multiVersion := len(cfg.TestVersions) > 0 || len(cfg.ForceVersions) > 0

	if !multiVersion {
		// Default plan: latest published as baseline, local WIP forced
		if latest, err := resolver.LatestVersion(crateName, false); err == nil {
			versions = append(versions, VersionSpec{
				CrateRef:     FromRegistry(crateName, latest),
				OverrideMode: OverrideNone,
				IsBaseline:   true,
			})
		} else {
			logger.Warn("failed to resolve latest version for baseline", "error", err)
		}

		if localManifest != "" {
			versions = append(versions, VersionSpec{
				CrateRef:     localWIP(crateName, localVersion, localManifest),
				OverrideMode: OverrideForce,
			})
		}

		if len(versions) == 0 {
			return nil, copterrors.NewPlanError("no versions to test", nil)
		}
		return versions, nil
	}

	for _, verStr := range cfg.TestVersions {
		ref, err := resolveVersionKeyword(verStr, crateName, localManifest, localVersion, resolver)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			versions = append(versions, VersionSpec{CrateRef: *ref, OverrideMode: OverridePatch})
		}
	}

	for _, verStr := range cfg.ForceVersions {
		ref, err := resolveVersionKeyword(verStr, crateName, localManifest, localVersion, resolver)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			versions = append(versions, VersionSpec{CrateRef: *ref, OverrideMode: OverrideForce})
		}
	}

	if !cfg.SkipNormalTesting {
		// Every forced entry gets a non-forced variant for a clean A/B
		// comparison, unless one is already scheduled
		var forced []VersionSpec
		for _, v := range versions {
			if v.OverrideMode == OverrideForce {
				forced = append(forced, v)
			}
		}
		for _, fv := range forced {
			exists := false
			for _, v := range versions {
				if v.CrateRef.Version.Equal(fv.CrateRef.Version) &&
					v.CrateRef.Source == fv.CrateRef.Source &&
					v.OverrideMode != OverrideForce {
					exists = true
					break
				}
			}
			if !exists {
				logger.Debug("auto-inserting non-forced test", "version", fv.CrateRef.Version.Display())
				nonForced := fv
				nonForced.OverrideMode = OverridePatch
				versions = append(versions, nonForced)
			}
		}
	}

	// Non-forced before forced of the same version; lexicographic on
	// the version string within equal categories
	sort.SliceStable(versions, func(i, j int) bool {
		vi, vj := versions[i].CrateRef.Version.Display(), versions[j].CrateRef.Version.Display()
		if vi != vj {
			return vi < vj
		}
		return versions[i].OverrideMode != OverrideForce && versions[j].OverrideMode == OverrideForce
	})

	if localManifest != "" {
		hasLocal := false
		for _, v := range versions {
			if v.CrateRef.Source.Kind == SourceLocal {
				hasLocal = true
				break
			}
		}
		if !hasLocal {
			logger.Debug("auto-adding work-in-progress version", "manifest", localManifest)
			versions = append(versions, VersionSpec{
				CrateRef:     localWIP(crateName, localVersion, localManifest),
				OverrideMode: OverrideForce,
			})
		}
	} else {
		if latest, err := resolver.LatestVersion(crateName, false); err == nil {
			present := false
			for _, v := range versions {
				if !v.CrateRef.Version.Latest && v.CrateRef.Version.Semver == latest {
					present = true
					break
				}
			}
			if !present {
				logger.Debug("no local version, adding latest", "version", latest)
				versions = append(versions, WithPatch(FromRegistry(crateName, latest)))
			}
		} else {
			logger.Debug("failed to resolve latest version", "error", err)
		}
	}

	if len(versions) == 0 {
		return nil, copterrors.NewPlanError("no versions to test", nil)
	}

	// Exactly one baseline, first in iteration order
	baselines := 0
	for _, v := range versions {
		if v.IsBaseline {
			baselines++
		}
	}
	if baselines == 0 {
		versions[0].IsBaseline = true
	}

	return versions, nil
}

// localWIP builds the work-in-progress crate reference, decorated with the
// git hash and dirty marker when the source sits in a repository.
func localWIP(crateName, version, manifestPath string) VersionedCrate {
	ref := FromLocal(crateName, version, manifestPath)
	if info, ok := gitinfo.Describe(manifest.CrateDir(manifestPath)); ok {
		ref.Version.GitHash = info.Hash
		ref.Version.GitDirty = info.Dirty
	}
	return ref
}

// resolveDependents builds the dependent list from exactly one of: local
// paths, explicit specifications, or the registry's top-N by downloads.
func resolveDependents(cfg PlanConfig, resolver Resolver, baseCrate string) ([]VersionSpec, error) {
	var dependents []VersionSpec

	switch {
	case len(cfg.DependentPaths) > 0:
		for _, path := range cfg.DependentPaths {
			name, version, err := manifest.CrateInfo(path)
			if err != nil {
				return nil, copterrors.NewPlanError(fmt.Sprintf("failed to read dependent at %s", path), err)
			}
			dependents = append(dependents, VersionSpec{
				CrateRef:   FromLocal(name, version, manifest.CrateDir(path)),
				IsBaseline: len(dependents) == 0,
			})
		}

	case len(cfg.Dependents) > 0:
		for _, spec := range cfg.Dependents {
			name, version := manifest.ParseDependentSpec(spec)
			var ref VersionedCrate
			if version != "" {
				if _, err := semver.NewVersion(version); err != nil {
					return nil, copterrors.NewConfigError(fmt.Sprintf("invalid dependent version %q", spec), err)
				}
				ref = FromRegistry(name, version)
			} else {
				ref = LatestFromRegistry(name)
			}
			dependents = append(dependents, VersionSpec{
				CrateRef:   ref,
				IsBaseline: len(dependents) == 0,
			})
		}

	default:
		n := cfg.TopDependents
		if n <= 0 {
			n = 10
		}
		names, err := resolver.TopDependents(baseCrate, n)
		if err != nil {
			return nil, copterrors.NewPlanError("failed to fetch top dependents", err)
		}
		for _, name := range names {
			dependents = append(dependents, VersionSpec{
				CrateRef:   LatestFromRegistry(name),
				IsBaseline: len(dependents) == 0,
			})
		}
	}

	if len(dependents) == 0 {
		return nil, copterrors.NewPlanError("no dependents to test", nil)
	}

	return dependents, nil
}
