// Package registry is the crates.io HTTP client used during matrix planning
// and archive fetch. It is process-global and stateless aside from its
// connection pool, which is safe under the serial execution model.
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/imazen/copter/internal/logger"
)

const (
	defaultBaseURL = "https://crates.io"
	userAgent      = "copter/0.1 (https://github.com/imazen/copter)"
	perPage        = 100
)

// Client talks to the crates.io API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

var (
	defaultClient *Client
	defaultOnce   sync.Once
)

// Default returns the shared process-global client.
func Default() *Client {
	defaultOnce.Do(func() {
		defaultClient = NewClient(defaultBaseURL)
	})
	return defaultClient
}

// NewClient creates a client against the given API base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Crate is the registry's view of one published crate.
type Crate struct {
	Name     string
	Versions []CrateVersion
}

// CrateVersion is one published version of a crate.
type CrateVersion struct {
	Num    string `json:"num"`
	Yanked bool   `json:"yanked"`
}

// ReverseDependency is a crate that depends on the queried crate.
type ReverseDependency struct {
	Name      string
	Downloads uint64
}

type crateResponse struct {
	Crate struct {
		Name string `json:"name"`
	} `json:"crate"`
	Versions []CrateVersion `json:"versions"`
}

type reverseDepsResponse struct {
	Dependencies []struct {
		VersionID int64 `json:"version_id"`
	} `json:"dependencies"`
	Versions []struct {
		ID        int64  `json:"id"`
		Crate     string `json:"crate"`
		Downloads uint64 `json:"downloads"`
	} `json:"versions"`
	Meta struct {
		Total int `json:"total"`
	} `json:"meta"`
}

func (c *Client) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("registry returned %d for %s: %s", resp.StatusCode, path, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// Crate fetches a crate's metadata including its published versions.
func (c *Client) Crate(name string) (*Crate, error) {
	logger.Debug("fetching crate info", "crate", name)

	var resp crateResponse
	if err := c.get("/api/v1/crates/"+name, &resp); err != nil {
		return nil, err
	}

	return &Crate{Name: resp.Crate.Name, Versions: resp.Versions}, nil
}

// LatestVersion resolves the newest published version of a crate. Yanked
// versions are always skipped; prereleases are skipped unless requested.
func (c *Client) LatestVersion(name string, includePrerelease bool) (string, error) {
	krate, err := c.Crate(name)
	if err != nil {
		return "", err
	}

	var versions []*semver.Version
	for _, v := range krate.Versions {
		if v.Yanked {
			continue
		}
		parsed, err := semver.NewVersion(v.Num)
		if err != nil {
			continue
		}
		if !includePrerelease && parsed.Prerelease() != "" {
			continue
		}
		versions = append(versions, parsed)
	}

	if len(versions) == 0 {
		return "", fmt.Errorf("no versions found for %s", name)
	}

	sort.Sort(semver.Collection(versions))
	return versions[len(versions)-1].Original(), nil
}

// TopDependents returns the n most-downloaded crates that depend on name.
func (c *Client) TopDependents(name string, n int) ([]ReverseDependency, error) {
	logger.Debug("fetching reverse dependencies", "crate", name, "limit", n)

	var all []ReverseDependency
	maxPages := (n + perPage - 1) / perPage

	for page := 1; page <= maxPages; page++ {
		var resp reverseDepsResponse
		path := fmt.Sprintf("/api/v1/crates/%s/reverse_dependencies?per_page=%d&page=%d", name, perPage, page)
		if err := c.get(path, &resp); err != nil {
			return nil, err
		}

		versionsByID := make(map[int64]struct {
			name      string
			downloads uint64
		}, len(resp.Versions))
		for _, v := range resp.Versions {
			versionsByID[v.ID] = struct {
				name      string
				downloads uint64
			}{v.Crate, v.Downloads}
		}

		for _, dep := range resp.Dependencies {
			if v, ok := versionsByID[dep.VersionID]; ok {
				all = append(all, ReverseDependency{Name: v.name, Downloads: v.downloads})
			}
		}

		if len(resp.Dependencies) < perPage || len(all) >= n {
			break
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Downloads > all[j].Downloads
	})
	if len(all) > n {
		all = all[:n]
	}

	logger.Debug("resolved top dependents", "crate", name, "count", len(all))
	return all, nil
}
