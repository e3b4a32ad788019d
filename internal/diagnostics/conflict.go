package diagnostics

import (
	"regexp"
	"strings"
)

// Conflict describes one "multiple different versions of crate X" error
// section in cargo's output.
type Conflict struct {
	// CrateName is the crate resolved to several coexisting versions
	CrateName string
	// Blocking lists the holder crates pulling in the other versions
	Blocking []string
}

var (
	multiVersionRe = regexp.MustCompile("there are (?:multiple|two) different versions of crate `([^`]+)`")
	oneVersionRe   = regexp.MustCompile("one version of crate `([^`]+)` used here, as a (dependency of crate `([^`]+)`|direct dependency)")
)

// HasMultiVersionConflict reports whether cargo's output contains a
// multiple-versions diagnostic, in either the "multiple" or "two" phrasing.
func HasMultiVersionConflict(output string) bool {
	return multiVersionRe.MatchString(output)
}

// DetectConflicts finds every multiple-versions error in the output. The
// output is split on "error[" so each conflict's blocking holders are
// collected from its own section only. Conflicts are deduplicated by crate
// name.
func DetectConflicts(output string) []Conflict {
	var conflicts []Conflict
	seen := make(map[string]bool)

	for _, section := range strings.Split(output, "error[") {
		m := multiVersionRe.FindStringSubmatch(section)
		if m == nil {
			continue
		}
		crateName := m[1]
		if seen[crateName] {
			continue
		}
		seen[crateName] = true

		var blocking []string
		blockSeen := make(map[string]bool)
		for _, dep := range oneVersionRe.FindAllStringSubmatch(section, -1) {
			// dep[3] is the holder crate; empty for "direct dependency"
			holder := dep[3]
			if holder == "" || blockSeen[holder] {
				continue
			}
			blockSeen[holder] = true
			blocking = append(blocking, holder)
		}

		conflicts = append(conflicts, Conflict{CrateName: crateName, Blocking: blocking})
	}

	return conflicts
}

// BlockingCrates extracts the holders preventing unification of baseCrate.
// Holders of conflicts over other crates are not reported.
func BlockingCrates(output, baseCrate string) []string {
	for _, c := range DetectConflicts(output) {
		if c.CrateName == baseCrate {
			return c.Blocking
		}
	}
	return nil
}
