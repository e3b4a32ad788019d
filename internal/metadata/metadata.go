// Package metadata reads cargo's JSON dependency dump and locates every
// occurrence of a crate in the resolved graph.
//
// The resolve.nodes array is authoritative: each node carries a package
// identifier of the form SOURCE#name@version and the resolved dependency
// edges, which is the only place multiple coexisting versions of the same
// crate can be told apart. The packages array is consulted only as a
// fallback when the resolve graph yields no hit.
package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Metadata is a parsed cargo-metadata document.
type Metadata struct {
	packages map[string]pkg
	// ordered preserves the document's package order so lookups that walk
	// the packages array stay deterministic
	ordered []pkg
	resolve *resolve
}

type document struct {
	Packages []pkg    `json:"packages"`
	Resolve  *resolve `json:"resolve"`
}

type pkg struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Dependencies []pkgDep `json:"dependencies"`
}

type pkgDep struct {
	// Name is the resolved package name, not the local alias a renamed
	// dependency (package = "x") is imported under
	Name string `json:"name"`
	Req  string `json:"req"`
}

type resolve struct {
	Nodes []node `json:"nodes"`
}

type node struct {
	ID   string    `json:"id"`
	Deps []nodeDep `json:"deps"`
}

type nodeDep struct {
	Name string `json:"name"`
	Pkg  string `json:"pkg"`
}

// VersionInfo is one resolved occurrence of a crate in the graph.
type VersionInfo struct {
	// Version cargo resolved for this occurrence
	Version string
	// Spec is the requirement string the holder declared, or "?" when the
	// holder does not name the crate directly
	Spec string
	// NodeID identifies the holder package
	NodeID string
}

// Parse decodes a cargo-metadata JSON document.
func Parse(data []byte) (*Metadata, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata JSON: %w", err)
	}

	m := &Metadata{
		packages: make(map[string]pkg, len(doc.Packages)),
		ordered:  doc.Packages,
		resolve:  doc.Resolve,
	}
	for _, p := range doc.Packages {
		m.packages[p.ID] = p
	}
	return m, nil
}

// VersionSpec returns the requirement string the holder package declares for
// crateName. It returns "?" when the holder does not depend on the crate
// directly (expected for transitive holders) and an error when the holder
// itself is unknown.
func (m *Metadata) VersionSpec(nodeID, crateName string) (string, error) {
	p, ok := m.packages[nodeID]
	if !ok {
		return "", fmt.Errorf("package not found in metadata for node id: %s", nodeID)
	}

	for _, dep := range p.Dependencies {
		if dep.Name == crateName {
			if dep.Req == "" {
				return "?", nil
			}
			return dep.Req, nil
		}
	}

	// No matching dependency; expected for transitive holders
	return "?", nil
}

// FindAllVersions returns every distinct resolved instance of crateName in
// the graph, with the requirement string that produced it. Matching is by
// the resolved package name embedded in the package id, so renamed
// dependencies are found regardless of their local alias. The result is
// deterministic and order-stable for identical input.
func (m *Metadata) FindAllVersions(crateName string) []VersionInfo {
	var versions []VersionInfo

	if m.resolve != nil {
		for _, n := range m.resolve.Nodes {
			for _, dep := range n.Deps {
				name, version, ok := ParseNodeID(dep.Pkg)
				if !ok || name != crateName {
					continue
				}

				spec, err := m.VersionSpec(n.ID, crateName)
				if err != nil {
					spec = "?"
				}

				versions = append(versions, VersionInfo{
					Version: version,
					Spec:    spec,
					NodeID:  n.ID,
				})
			}
		}
	}

	if len(versions) > 0 {
		return versions
	}

	// Fallback: the packages array cannot distinguish coexisting versions,
	// but it still answers "which single version was resolved"
	for _, p := range m.ordered {
		if p.Name == crateName {
			versions = append(versions, VersionInfo{
				Version: p.Version,
				Spec:    "?",
				NodeID:  p.ID,
			})
		}
	}

	return versions
}

// ParseNodeID splits a package identifier of the form SOURCE#name@version on
// its last '#' and '@' separators.
func ParseNodeID(id string) (name, version string, ok bool) {
	hash := strings.LastIndex(id, "#")
	if hash < 0 {
		return "", "", false
	}
	rest := id[hash+1:]

	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return "", "", false
	}

	name = rest[:at]
	version = rest[at+1:]
	if name == "" || version == "" {
		return "", "", false
	}
	return name, version, true
}
