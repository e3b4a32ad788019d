package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/imazen/copter/internal/errors"
	"github.com/imazen/copter/internal/logger"
)

// dependencySections are the manifest tables a Force rewrite targets.
var dependencySections = []string{"dependencies", "dev-dependencies", "build-dependencies"}

// preservedKeys are carried over from the original dependency entry when its
// spec is rewritten to a path override.
var preservedKeys = []string{"optional", "default-features", "features", "package"}

var (
	sectionHeaderRe = regexp.MustCompile(`^\s*\[([^\]]+)\]\s*(?:#.*)?$`)
	aliasEntryRe    = regexp.MustCompile(`^(\s*)("[^"]+"|[A-Za-z0-9_-]+)\s*=\s*(\{.*\})\s*$`)
)

// ApplyForce rewrites every direct dependency entry for crateName across the
// dependency sections to an inline table pointing at overridePath, bypassing
// the dependent's declared version range. The whitelist keys optional,
// default-features, features, and package are preserved from each original
// entry independently; all other bytes of the manifest are untouched.
func ApplyForce(manifestPath, crateName, overridePath string) error {
	absPath, err := filepath.Abs(overridePath)
	if err != nil {
		return fmt.Errorf("failed to resolve override path: %w", err)
	}

	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", manifestPath, err)
	}

	entryRe := regexp.MustCompile(`^(\s*)(?:"` + regexp.QuoteMeta(crateName) + `"|` + regexp.QuoteMeta(crateName) + `)\s*=\s*(.*?)\s*$`)

	lines := strings.Split(string(content), "\n")
	var out []string
	section := ""
	inTargetSubTable := false

	for _, line := range lines {
		if m := sectionHeaderRe.FindStringSubmatch(line); m != nil {
			header := strings.TrimSpace(m[1])
			section = header
			inTargetSubTable = false

			// [dependencies.<crate>] style entries are rewritten to hold
			// only the path plus the preserved keys
			if parent, ok := dependencySubTable(header, crateName); ok {
				logger.Debug("force-replacing sub-table dependency", "crate", crateName, "section", parent)
				inTargetSubTable = true
				out = append(out, line)
				out = append(out, fmt.Sprintf("path = %q", absPath))
				continue
			}

			out = append(out, line)
			continue
		}

		if inTargetSubTable {
			// Keep only the whitelist keys of the replaced sub-table
			if key := lineKey(line); key != "" && !isPreservedKey(key) {
				continue
			}
			out = append(out, line)
			continue
		}

		if isDependencySection(section) {
			if m := entryRe.FindStringSubmatch(line); m != nil {
				logger.Debug("force-replacing dependency entry", "crate", crateName, "section", section)
				out = append(out, m[1]+crateName+" = "+buildOverrideTable(absPath, m[2]))
				continue
			}
			// A renamed dependency lives under its alias key with a
			// package key naming the real crate; the rewrite keeps the
			// alias and preserves each entry's own whitelist fields
			if m := aliasEntryRe.FindStringSubmatch(line); m != nil {
				if pkg, ok := inlineTableValue(m[3], "package"); ok && pkg == fmt.Sprintf("%q", crateName) {
					logger.Debug("force-replacing renamed dependency entry", "alias", m[2], "crate", crateName, "section", section)
					out = append(out, m[1]+m[2]+" = "+buildOverrideTable(absPath, m[3]))
					continue
				}
			}
		}

		out = append(out, line)
	}

	if err := os.WriteFile(manifestPath, []byte(strings.Join(out, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", manifestPath, err)
	}
	return nil
}

// ApplyPatch appends (or extends) a [patch.crates-io] section with a
// local-path entry for crateName. Re-applying the same patch is a no-op. A
// pre-existing entry for the crate that points elsewhere belongs to the
// dependent itself and is refused rather than overwritten.
func ApplyPatch(manifestPath, crateName, overridePath string) error {
	absPath, err := filepath.Abs(overridePath)
	if err != nil {
		return fmt.Errorf("failed to resolve override path: %w", err)
	}

	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", manifestPath, err)
	}

	entry := fmt.Sprintf("%s = { path = %q }", crateName, absPath)
	lines := strings.Split(string(content), "\n")
	entryRe := regexp.MustCompile(`^\s*(?:"` + regexp.QuoteMeta(crateName) + `"|` + regexp.QuoteMeta(crateName) + `)\s*=`)

	headerIdx := -1
	section := ""
	for i, line := range lines {
		if m := sectionHeaderRe.FindStringSubmatch(line); m != nil {
			section = strings.TrimSpace(m[1])
			if section == "patch.crates-io" {
				headerIdx = i
			}
			continue
		}
		if section == "patch.crates-io" && entryRe.MatchString(line) {
			if strings.Contains(line, fmt.Sprintf("%q", absPath)) {
				// Already patched to the same path; idempotent
				return nil
			}
			return errors.NewPatchConflictError(crateName, manifestPath)
		}
	}

	if headerIdx >= 0 {
		// Extend the existing section right below its header
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:headerIdx+1]...)
		out = append(out, entry)
		out = append(out, lines[headerIdx+1:]...)
		lines = out
	} else {
		// No section yet; append one
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		lines = append(lines, "", "[patch.crates-io]", entry, "")
	}

	logger.Debug("applied patch.crates-io entry", "crate", crateName, "path", absPath)

	if err := os.WriteFile(manifestPath, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", manifestPath, err)
	}
	return nil
}

// HasPatchSection reports whether the manifest declares [patch.crates-io].
func HasPatchSection(manifestPath string) (bool, error) {
	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", manifestPath, err)
	}
	for _, line := range strings.Split(string(content), "\n") {
		if m := sectionHeaderRe.FindStringSubmatch(line); m != nil && strings.TrimSpace(m[1]) == "patch.crates-io" {
			return true, nil
		}
	}
	return false, nil
}

// buildOverrideTable produces the replacement inline table for a dependency
// entry: the override path first, then any whitelist keys preserved verbatim
// from the original value.
func buildOverrideTable(absPath, oldValue string) string {
	parts := []string{fmt.Sprintf("path = %q", absPath)}

	for _, key := range preservedKeys {
		if raw, ok := inlineTableValue(oldValue, key); ok {
			parts = append(parts, key+" = "+raw)
		}
	}

	return "{ " + strings.Join(parts, ", ") + " }"
}

// inlineTableValue extracts the raw value of a key from an inline-table
// dependency spec. A bare-string spec has no keys to preserve.
func inlineTableValue(value, key string) (string, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "{") {
		return "", false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(value, "{"), "}")

	for _, part := range splitTopLevel(inner) {
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		if strings.TrimSpace(strings.Trim(strings.TrimSpace(k), `"`)) == key {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// splitTopLevel splits an inline-table body on commas that are not nested
// inside quotes, arrays, or inner tables.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	inString := false
	start := 0

	for i, r := range s {
		switch {
		case inString:
			if r == '"' && (i == 0 || s[i-1] != '\\') {
				inString = false
			}
		case r == '"':
			inString = true
		case r == '[' || r == '{':
			depth++
		case r == ']' || r == '}':
			depth--
		case r == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if strings.TrimSpace(s[start:]) != "" {
		parts = append(parts, s[start:])
	}
	return parts
}

// dependencySubTable matches headers like [dependencies.serde] or
// [dev-dependencies."my-crate"], returning the parent section name.
func dependencySubTable(header, crateName string) (string, bool) {
	for _, sect := range dependencySections {
		if header == sect+"."+crateName || header == sect+`."`+crateName+`"` {
			return sect, true
		}
	}
	return "", false
}

func isDependencySection(section string) bool {
	for _, s := range dependencySections {
		if section == s {
			return true
		}
	}
	return false
}

// lineKey returns the key of a "key = value" line, or "" for anything else.
func lineKey(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
		return ""
	}
	key, _, found := strings.Cut(trimmed, "=")
	if !found {
		return ""
	}
	return strings.Trim(strings.TrimSpace(key), `"`)
}

func isPreservedKey(key string) bool {
	for _, k := range preservedKeys {
		if key == k {
			return true
		}
	}
	return false
}
