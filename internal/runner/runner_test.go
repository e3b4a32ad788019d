package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imazen/copter/internal/matrix"
	"github.com/imazen/copter/internal/pipeline"
)

// fakeCache materialises registry crates as bare temp directories.
type fakeCache struct {
	root   string
	calls  []string
	failOn string
}

func (c *fakeCache) EnsureUnpacked(name, version string) (string, error) {
	key := fmt.Sprintf("%s-%s", name, version)
	c.calls = append(c.calls, key)
	if key == c.failOn {
		return "", errors.New("download failed")
	}
	dir := filepath.Join(c.root, key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	manifest := filepath.Join(dir, "Cargo.toml")
	if _, err := os.Stat(manifest); os.IsNotExist(err) {
		content := fmt.Sprintf("[package]\nname = %q\nversion = %q\n", name, version)
		if err := os.WriteFile(manifest, []byte(content), 0644); err != nil {
			return "", err
		}
	}
	return dir, nil
}

type fakeResolver struct {
	latest map[string]string
}

func (r *fakeResolver) LatestVersion(crateName string, includePrerelease bool) (string, error) {
	if v, ok := r.latest[crateName]; ok {
		return v, nil
	}
	return "", errors.New("unknown crate")
}

func (r *fakeResolver) TopDependents(crateName string, n int) ([]string, error) {
	return nil, errors.New("not used")
}

// scriptedCell fabricates pipeline results keyed by "<label>/<dependent>".
type scriptedCell struct {
	configs []pipeline.TestConfig
	results map[string]matrix.ThreeStepResult
}

func cellKey(cfg pipeline.TestConfig) string {
	return cfg.TestLabel + "/" + cfg.DependentName
}

func (s *scriptedCell) run(cfg pipeline.TestConfig) (matrix.ThreeStepResult, error) {
	s.configs = append(s.configs, cfg)
	if r, ok := s.results[cellKey(cfg)]; ok {
		return r, nil
	}
	return passingExecution("0.8.52", "^0.8"), nil
}

func passingExecution(actual, spec string) matrix.ThreeStepResult {
	check := matrix.CompileResult{Phase: matrix.PhaseCheck, Success: true}
	test := matrix.CompileResult{Phase: matrix.PhaseTest, Success: true}
	return matrix.ThreeStepResult{
		Fetch:               matrix.CompileResult{Phase: matrix.PhaseFetch, Success: true},
		Check:               &check,
		Test:                &test,
		ActualVersion:       actual,
		OriginalRequirement: spec,
	}
}

func failingExecution() matrix.ThreeStepResult {
	check := matrix.CompileResult{Phase: matrix.PhaseCheck, Success: false, Stderr: "error[E0425]: gone"}
	return matrix.ThreeStepResult{
		Fetch: matrix.CompileResult{Phase: matrix.PhaseFetch, Success: true},
		Check: &check,
	}
}

func twoVersionMatrix(staging string) *matrix.TestMatrix {
	return &matrix.TestMatrix{
		BaseCrate: "rgb",
		BaseVersions: []matrix.VersionSpec{
			{CrateRef: matrix.FromRegistry("rgb", "0.8.52"), OverrideMode: matrix.OverrideNone, IsBaseline: true},
			{CrateRef: matrix.FromRegistry("rgb", "0.8.91"), OverrideMode: matrix.OverrideForce},
		},
		Dependents: []matrix.VersionSpec{
			{CrateRef: matrix.FromRegistry("image", "0.25.8"), IsBaseline: true},
			{CrateRef: matrix.LatestFromRegistry("ravif")},
		},
		StagingDir: staging,
	}
}

func TestRunBaselineFirstPerDependent(t *testing.T) {
	staging := t.TempDir()
	cells := &scriptedCell{}
	exec := &Executor{
		Matrix:   twoVersionMatrix(staging),
		Cache:    &fakeCache{root: staging},
		Resolver: &fakeResolver{latest: map[string]string{"ravif": "0.11.5"}},
		RunCell:  cells.run,
	}

	var order []string
	results, err := exec.Run(func(r matrix.TestResult) {
		label := "offered"
		if r.IsBaseline() {
			label = "baseline"
		}
		order = append(order, r.Dependent.Name+"/"+label)
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	// Outer dependents, inner base versions; baseline before offered
	assert.Equal(t, []string{
		"image/baseline", "image/offered",
		"ravif/baseline", "ravif/offered",
	}, order)

	// The emission order matches the returned slice
	assert.True(t, results[0].IsBaseline())
	assert.False(t, results[1].IsBaseline())
	assert.True(t, results[2].IsBaseline())
}

func TestRunThreadsBaselineRequirement(t *testing.T) {
	staging := t.TempDir()
	cells := &scriptedCell{
		results: map[string]matrix.ThreeStepResult{
			"baseline/image": passingExecution("0.8.52", "^0.8.52"),
		},
	}
	exec := &Executor{
		Matrix:   twoVersionMatrix(staging),
		Cache:    &fakeCache{root: staging},
		Resolver: &fakeResolver{latest: map[string]string{"ravif": "0.11.5"}},
		RunCell:  cells.run,
	}

	_, err := exec.Run(nil)
	require.NoError(t, err)

	// The non-baseline cell for image carries the baseline's requirement
	var offered *pipeline.TestConfig
	for i := range cells.configs {
		cfg := cells.configs[i]
		if cfg.DependentName == "image" && cfg.TestLabel != "baseline" {
			offered = &cfg
		}
	}
	require.NotNil(t, offered)
	assert.Equal(t, "^0.8.52", offered.OriginalRequirement)
	assert.True(t, offered.ForceVersion)
	assert.Equal(t, "0.8.91", offered.OfferedVersion)
}

func TestRunBaselineComparisonFields(t *testing.T) {
	staging := t.TempDir()
	cells := &scriptedCell{
		results: map[string]matrix.ThreeStepResult{
			"baseline/image": failingExecution(),
		},
	}
	exec := &Executor{
		Matrix:   twoVersionMatrix(staging),
		Cache:    &fakeCache{root: staging},
		Resolver: &fakeResolver{latest: map[string]string{"ravif": "0.11.5"}},
		RunCell:  cells.run,
	}

	results, err := exec.Run(nil)
	require.NoError(t, err)

	offered := results[1]
	require.NotNil(t, offered.Baseline)
	assert.False(t, offered.Baseline.BaselinePassed)
	assert.True(t, offered.Baseline.BaselineFetchPassed)
	assert.False(t, offered.Baseline.BaselineCheckPassed)
	assert.False(t, offered.Baseline.BaselineTestPassed)
	assert.Equal(t, "0.8.52", offered.Baseline.BaselineVersion)
}

func TestRunLazyLatestResolution(t *testing.T) {
	staging := t.TempDir()
	cells := &scriptedCell{}
	exec := &Executor{
		Matrix:   twoVersionMatrix(staging),
		Cache:    &fakeCache{root: staging},
		Resolver: &fakeResolver{latest: map[string]string{"ravif": "0.11.5"}},
		RunCell:  cells.run,
	}

	results, err := exec.Run(nil)
	require.NoError(t, err)

	// ravif's Latest marker was resolved before its cells ran
	assert.Equal(t, "0.11.5", results[2].Dependent.Version.Semver)
	assert.False(t, results[2].Dependent.Version.Latest)
}

func TestRunStagingFailureSkipsDependent(t *testing.T) {
	staging := t.TempDir()
	cells := &scriptedCell{}
	exec := &Executor{
		Matrix:   twoVersionMatrix(staging),
		Cache:    &fakeCache{root: staging, failOn: "image-0.25.8"},
		Resolver: &fakeResolver{latest: map[string]string{"ravif": "0.11.5"}},
		RunCell:  cells.run,
	}

	results, err := exec.Run(nil)
	require.NoError(t, err)

	// image yields one synthetic failed row; ravif still runs fully
	require.Len(t, results, 3)
	assert.Equal(t, "image", results[0].Dependent.Name)
	assert.False(t, results[0].Execution.Fetch.Success)
	assert.Contains(t, results[0].Execution.Fetch.Stderr, "download failed")

	assert.Equal(t, "ravif", results[1].Dependent.Name)
	assert.Equal(t, "ravif", results[2].Dependent.Name)
}

func TestRunLocalDependentUsesPathDirectly(t *testing.T) {
	staging := t.TempDir()
	depDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(depDir, "Cargo.toml"),
		[]byte("[package]\nname = \"my-app\"\nversion = \"1.0.0\"\n"), 0644))

	m := &matrix.TestMatrix{
		BaseCrate: "rgb",
		BaseVersions: []matrix.VersionSpec{
			{CrateRef: matrix.FromRegistry("rgb", "0.8.52"), OverrideMode: matrix.OverrideNone, IsBaseline: true},
		},
		Dependents: []matrix.VersionSpec{
			{CrateRef: matrix.FromLocal("my-app", "1.0.0", depDir), IsBaseline: true},
		},
		StagingDir: staging,
	}

	cache := &fakeCache{root: staging}
	cells := &scriptedCell{}
	exec := &Executor{
		Matrix:   m,
		Cache:    cache,
		Resolver: &fakeResolver{},
		RunCell:  cells.run,
	}

	_, err := exec.Run(nil)
	require.NoError(t, err)

	require.Len(t, cells.configs, 1)
	assert.Equal(t, depDir, cells.configs[0].DependentPath)
	// Local dependents are never downloaded
	assert.Empty(t, cache.calls)
}

func TestRunDeletesLockfile(t *testing.T) {
	staging := t.TempDir()
	depDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(depDir, "Cargo.toml"),
		[]byte("[package]\nname = \"my-app\"\nversion = \"1.0.0\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(depDir, "Cargo.lock"), []byte("stale"), 0644))

	m := &matrix.TestMatrix{
		BaseCrate: "rgb",
		BaseVersions: []matrix.VersionSpec{
			{CrateRef: matrix.FromRegistry("rgb", "0.8.52"), OverrideMode: matrix.OverrideNone, IsBaseline: true},
		},
		Dependents: []matrix.VersionSpec{
			{CrateRef: matrix.FromLocal("my-app", "1.0.0", depDir), IsBaseline: true},
		},
		StagingDir: staging,
	}

	var lockExistedDuringCell bool
	exec := &Executor{
		Matrix:   m,
		Cache:    &fakeCache{root: staging},
		Resolver: &fakeResolver{},
		RunCell: func(cfg pipeline.TestConfig) (matrix.ThreeStepResult, error) {
			_, err := os.Stat(filepath.Join(depDir, "Cargo.lock"))
			lockExistedDuringCell = err == nil
			return passingExecution("0.8.52", "^0.8"), nil
		},
	}

	_, err := exec.Run(nil)
	require.NoError(t, err)
	assert.False(t, lockExistedDuringCell, "stale lockfile must be deleted before the cell runs")
}

func TestRunTestLabels(t *testing.T) {
	staging := t.TempDir()
	localDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "Cargo.toml"),
		[]byte("[package]\nname = \"rgb\"\nversion = \"0.9.0\"\n"), 0644))

	m := &matrix.TestMatrix{
		BaseCrate: "rgb",
		BaseVersions: []matrix.VersionSpec{
			{CrateRef: matrix.FromRegistry("rgb", "0.8.52"), OverrideMode: matrix.OverrideNone, IsBaseline: true},
			{CrateRef: matrix.FromRegistry("rgb", "0.8.91"), OverrideMode: matrix.OverridePatch},
			{CrateRef: matrix.FromLocal("rgb", "0.9.0", localDir), OverrideMode: matrix.OverrideForce},
		},
		Dependents: []matrix.VersionSpec{
			{CrateRef: matrix.FromRegistry("image", "0.25.8"), IsBaseline: true},
		},
		StagingDir: staging,
	}

	cells := &scriptedCell{}
	exec := &Executor{
		Matrix:   m,
		Cache:    &fakeCache{root: staging},
		Resolver: &fakeResolver{},
		RunCell:  cells.run,
	}

	_, err := exec.Run(nil)
	require.NoError(t, err)

	var labels []string
	for _, cfg := range cells.configs {
		labels = append(labels, cfg.TestLabel)
	}
	assert.Equal(t, []string{"baseline", "0.8.91", "this"}, labels)
}
