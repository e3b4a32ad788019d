package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	copterrors "github.com/imazen/copter/internal/errors"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Cargo.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readManifest(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestApplyForceStringSpec(t *testing.T) {
	path := writeManifest(t, `[package]
name = "test"
version = "0.1.0"

[dependencies]
rgb = "0.8"
serde = "1.0"
`)

	require.NoError(t, ApplyForce(path, "rgb", "/path/to/rgb"))

	content := readManifest(t, path)
	assert.Contains(t, content, `rgb = { path = "/path/to/rgb" }`)
	// Unrelated content stays byte-identical
	assert.Contains(t, content, `serde = "1.0"`)
	assert.Contains(t, content, `name = "test"`)
	assert.NotContains(t, content, "[patch.crates-io]")
}

func TestApplyForcePreservesWhitelistFields(t *testing.T) {
	path := writeManifest(t, `[package]
name = "test"
version = "0.1.0"

[dependencies]
rgb = { version = "0.8", optional = true, default-features = false, features = ["serde"] }
`)

	require.NoError(t, ApplyForce(path, "rgb", "/path/to/rgb"))

	content := readManifest(t, path)
	assert.Contains(t, content, `path = "/path/to/rgb"`)
	assert.Contains(t, content, "optional = true")
	assert.Contains(t, content, "default-features = false")
	assert.Contains(t, content, `features = ["serde"]`)
	assert.NotContains(t, content, `version = "0.8"`)
}

func TestApplyForceAllDependencySections(t *testing.T) {
	path := writeManifest(t, `[dependencies]
rgb = "0.8"

[dev-dependencies]
rgb = { version = "0.8", features = ["as-bytes"] }

[build-dependencies]
rgb = "0.8"
`)

	require.NoError(t, ApplyForce(path, "rgb", "/path/to/rgb"))

	content := readManifest(t, path)
	assert.Equal(t, 3, strings.Count(content, `path = "/path/to/rgb"`))
	// Each rewritten entry preserves its own whitelist fields
	assert.Contains(t, content, `features = ["as-bytes"]`)
}

func TestApplyForceRenamedDependency(t *testing.T) {
	path := writeManifest(t, `[dependencies]
pixels = { version = "0.8", package = "rgb" }
`)

	require.NoError(t, ApplyForce(path, "rgb", "/path/to/rgb"))

	content := readManifest(t, path)
	// The rewrite keeps the alias key and the package field
	assert.Contains(t, content, "pixels = {")
	assert.Contains(t, content, `path = "/path/to/rgb"`)
	assert.Contains(t, content, `package = "rgb"`)
}

func TestApplyForceSubTableDependency(t *testing.T) {
	path := writeManifest(t, `[package]
name = "test"

[dependencies.rgb]
version = "0.8"
optional = true

[dependencies]
serde = "1.0"
`)

	require.NoError(t, ApplyForce(path, "rgb", "/path/to/rgb"))

	content := readManifest(t, path)
	assert.Contains(t, content, "[dependencies.rgb]")
	assert.Contains(t, content, `path = "/path/to/rgb"`)
	assert.Contains(t, content, "optional = true")
	assert.NotContains(t, content, `version = "0.8"`)
	assert.Contains(t, content, `serde = "1.0"`)
}

func TestApplyForceLeavesOtherSectionsAlone(t *testing.T) {
	original := `[package]
name = "test"

# A comment about rgb
[features]
rgb = ["dep:other"]
`
	path := writeManifest(t, original)

	require.NoError(t, ApplyForce(path, "rgb", "/path/to/rgb"))

	// No dependency entry for rgb exists; nothing changes
	assert.Equal(t, original, readManifest(t, path))
}

func TestApplyPatchCreatesSection(t *testing.T) {
	path := writeManifest(t, `[package]
name = "test"
version = "0.1.0"

[dependencies]
rgb = "0.8"
`)

	require.NoError(t, ApplyPatch(path, "rgb", "/path/to/rgb"))

	content := readManifest(t, path)
	assert.Contains(t, content, "[patch.crates-io]")
	assert.Contains(t, content, `rgb = { path = "/path/to/rgb" }`)
	// Direct dependency spec stays intact
	assert.Contains(t, content, `rgb = "0.8"`)
}

func TestApplyPatchExtendsExistingSection(t *testing.T) {
	path := writeManifest(t, `[dependencies]
rgb = "0.8"

[patch.crates-io]
other = { path = "/somewhere/else" }
`)

	require.NoError(t, ApplyPatch(path, "rgb", "/path/to/rgb"))

	content := readManifest(t, path)
	assert.Contains(t, content, `rgb = { path = "/path/to/rgb" }`)
	assert.Contains(t, content, `other = { path = "/somewhere/else" }`)
	assert.Equal(t, 1, strings.Count(content, "[patch.crates-io]"))
}

func TestApplyPatchIdempotent(t *testing.T) {
	path := writeManifest(t, `[dependencies]
rgb = "0.8"
`)

	require.NoError(t, ApplyPatch(path, "rgb", "/path/to/rgb"))
	after := readManifest(t, path)

	require.NoError(t, ApplyPatch(path, "rgb", "/path/to/rgb"))
	assert.Equal(t, after, readManifest(t, path))
}

func TestApplyPatchRefusesForeignEntry(t *testing.T) {
	path := writeManifest(t, `[dependencies]
rgb = "0.8"

[patch.crates-io]
rgb = { path = "/the/dependents/own/patch" }
`)

	err := ApplyPatch(path, "rgb", "/path/to/rgb")
	require.Error(t, err)

	var conflict *copterrors.PatchConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestForceAndPatchCoexist(t *testing.T) {
	path := writeManifest(t, `[dependencies]
rgb = "0.8"
`)

	require.NoError(t, ApplyForce(path, "rgb", "/path/to/rgb"))
	require.NoError(t, ApplyPatch(path, "rgb", "/path/to/rgb"))

	content := readManifest(t, path)
	assert.Contains(t, content, `rgb = { path = "/path/to/rgb" }`)
	assert.Contains(t, content, "[patch.crates-io]")
}

func TestHasPatchSection(t *testing.T) {
	withSection := writeManifest(t, "[patch.crates-io]\nrgb = { path = \"/x\" }\n")
	has, err := HasPatchSection(withSection)
	require.NoError(t, err)
	assert.True(t, has)

	without := writeManifest(t, "[dependencies]\nrgb = \"0.8\"\n")
	has, err = HasPatchSection(without)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPatchRollbackRoundTrip(t *testing.T) {
	original := `[package]
name = "test"
version = "0.1.0"

# keep this comment
[dependencies]
rgb = "0.8"   # trailing comment
`
	path := writeManifest(t, original)

	for i := 0; i < 2; i++ {
		guard, err := NewBackupGuard(path)
		require.NoError(t, err)
		require.NoError(t, ApplyPatch(path, "rgb", "/path/to/rgb"))
		require.NoError(t, guard.Restore())

		// Byte-identical after every patch-then-rollback cycle
		assert.Equal(t, original, readManifest(t, path))
	}
}

func TestForceRollbackRoundTrip(t *testing.T) {
	original := `[dependencies]
rgb = { version = "0.8", optional = true }
`
	path := writeManifest(t, original)

	for i := 0; i < 2; i++ {
		guard, err := NewBackupGuard(path)
		require.NoError(t, err)
		require.NoError(t, ApplyForce(path, "rgb", "/path/to/rgb"))
		require.NoError(t, guard.Restore())

		assert.Equal(t, original, readManifest(t, path))
	}
}
