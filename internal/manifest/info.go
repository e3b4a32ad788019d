// Package manifest reads and edits Cargo.toml files. Reads go through a
// TOML decoder; edits are format-preserving line rewrites scoped to the
// dependency sections and the patch.crates-io override section, so every
// unrelated byte of the manifest survives untouched.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/imazen/copter/internal/fileutil"
)

// ManifestName is the file cargo reads for a crate.
const ManifestName = "Cargo.toml"

// cargoPackage represents the [package] section of Cargo.toml
type cargoPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// cargoManifest represents the parts of Cargo.toml copter reads
type cargoManifest struct {
	Package           cargoPackage           `toml:"package"`
	Dependencies      map[string]interface{} `toml:"dependencies"`
	DevDependencies   map[string]interface{} `toml:"dev-dependencies"`
	BuildDependencies map[string]interface{} `toml:"build-dependencies"`
}

// ResolvePath accepts either a crate directory or a manifest file path and
// returns the manifest file path.
func ResolvePath(path string) string {
	if fileutil.IsDir(path) {
		return filepath.Join(path, ManifestName)
	}
	return path
}

// CrateDir accepts either a crate directory or a manifest file path and
// returns the crate directory.
func CrateDir(path string) string {
	if strings.HasSuffix(path, ManifestName) {
		return filepath.Dir(path)
	}
	return path
}

// CrateInfo extracts the crate name and version from a manifest. A missing
// version defaults to "0.0.0".
func CrateInfo(path string) (name, version string, err error) {
	manifestPath := ResolvePath(path)

	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s: %w", manifestPath, err)
	}

	var m cargoManifest
	if err := toml.Unmarshal(content, &m); err != nil {
		return "", "", fmt.Errorf("failed to parse %s: %w", manifestPath, err)
	}

	if m.Package.Name == "" {
		return "", "", fmt.Errorf("missing package name in %s", manifestPath)
	}

	version = m.Package.Version
	if version == "" {
		version = "0.0.0"
	}

	return m.Package.Name, version, nil
}

// FindRequirement searches [dependencies], [dev-dependencies], and
// [build-dependencies] for depName and returns its requirement string.
func FindRequirement(path, depName string) (string, bool, error) {
	manifestPath := ResolvePath(path)

	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", manifestPath, err)
	}

	var m cargoManifest
	if err := toml.Unmarshal(content, &m); err != nil {
		return "", false, fmt.Errorf("failed to parse %s: %w", manifestPath, err)
	}

	for _, section := range []map[string]interface{}{m.Dependencies, m.DevDependencies, m.BuildDependencies} {
		if entry, ok := section[depName]; ok {
			return requirementString(entry), true, nil
		}
	}

	return "", false, nil
}

// requirementString extracts the version requirement from a dependency
// entry, which is either a bare string or a table with a version key.
func requirementString(entry interface{}) string {
	switch v := entry.(type) {
	case string:
		return v
	case map[string]interface{}:
		if ver, ok := v["version"].(string); ok {
			return ver
		}
		return "*"
	default:
		return "*"
	}
}

// ParseDependentSpec splits a "name:version" dependent specification.
// The version is empty when not given.
func ParseDependentSpec(spec string) (name, version string) {
	if i := strings.Index(spec, ":"); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return spec, ""
}
