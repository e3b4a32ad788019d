package pipeline

// TestConfig describes one cell's pipeline run: which dependent to build,
// which base-crate version to substitute, and how.
type TestConfig struct {
	// DependentPath is the dependent crate's directory
	DependentPath string
	// BaseCrate is the crate whose change is under test
	BaseCrate string
	// OverridePath points at the base-crate source to substitute; empty
	// for a baseline cell
	OverridePath string
	// OfferedVersion is the version being offered, for reporting
	OfferedVersion string
	// ForceVersion rewrites the direct dependency spec, bypassing semver
	ForceVersion bool
	// OriginalRequirement is the dependent's declared requirement, when
	// already known from the baseline cell
	OriginalRequirement string
	// SkipCheck truncates the pipeline after fetch
	SkipCheck bool
	// SkipTest truncates the pipeline after check
	SkipTest bool
	// PatchTransitive applies a patch.crates-io entry up front
	PatchTransitive bool
	// Features to enable on every cargo invocation
	Features []string
	// Env entries ("KEY=VALUE") appended to cargo's environment
	Env []string
	// Labels for the failure log
	DependentName    string
	DependentVersion string
	TestLabel        string
}

// NewTestConfig creates a baseline configuration for a dependent.
func NewTestConfig(dependentPath, baseCrate string) TestConfig {
	return TestConfig{
		DependentPath: dependentPath,
		BaseCrate:     baseCrate,
	}
}

// WithSkipFlags sets the check/test skip flags.
func (c TestConfig) WithSkipFlags(skipCheck, skipTest bool) TestConfig {
	c.SkipCheck = skipCheck
	c.SkipTest = skipTest
	return c
}

// WithVersionInfo sets the offered version, force flag, and any requirement
// string carried over from the baseline cell.
func (c TestConfig) WithVersionInfo(version string, forced bool, originalRequirement string) TestConfig {
	c.OfferedVersion = version
	c.ForceVersion = forced
	c.OriginalRequirement = originalRequirement
	return c
}

// WithOverridePath points the cell at a base-crate source to substitute.
func (c TestConfig) WithOverridePath(path string) TestConfig {
	c.OverridePath = path
	return c
}

// WithPatchTransitive requests an up-front patch.crates-io entry.
func (c TestConfig) WithPatchTransitive(enabled bool) TestConfig {
	c.PatchTransitive = enabled
	return c
}

// WithFeatures enables cargo features for every phase.
func (c TestConfig) WithFeatures(features []string) TestConfig {
	c.Features = features
	return c
}

// WithEnv appends environment entries to every cargo invocation.
func (c TestConfig) WithEnv(env []string) TestConfig {
	c.Env = env
	return c
}

// WithLogContext sets the identifiers written into failure-log records.
func (c TestConfig) WithLogContext(dependentName, dependentVersion, testLabel string) TestConfig {
	c.DependentName = dependentName
	c.DependentVersion = dependentVersion
	c.TestLabel = testLabel
	return c
}

// IsBaseline reports whether this cell has neither an override path nor an
// offered version.
func (c TestConfig) IsBaseline() bool {
	return c.OverridePath == "" && c.OfferedVersion == ""
}

// Display describes the cell for logging.
func (c TestConfig) Display() string {
	switch {
	case c.IsBaseline():
		return c.BaseCrate + " (baseline)"
	case c.OfferedVersion != "" && c.ForceVersion:
		return c.BaseCrate + " " + c.OfferedVersion + " [forced]"
	case c.OfferedVersion != "":
		return c.BaseCrate + " " + c.OfferedVersion
	default:
		return c.BaseCrate + " (local: " + c.OverridePath + ")"
	}
}
