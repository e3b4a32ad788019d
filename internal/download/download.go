// Package download fetches published crate archives and unpacks them into
// the staging cache. The presence of <staging>/<name>-<version> is the cache
// marker: extraction never runs twice for the same cell.
package download

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/imazen/copter/internal/fileutil"
	"github.com/imazen/copter/internal/logger"
	"github.com/imazen/copter/internal/registry"
)

// archiveCacheDir holds downloaded .crate files below the staging root.
const archiveCacheDir = ".archives"

// Cache materialises crate sources under a staging directory.
type Cache struct {
	StagingDir string
	Client     *registry.Client
}

// NewCache creates a cache rooted at stagingDir, downloading through client.
func NewCache(stagingDir string, client *registry.Client) *Cache {
	return &Cache{StagingDir: stagingDir, Client: client}
}

// UnpackDir returns the staging path for one crate version.
func (c *Cache) UnpackDir(name, version string) string {
	return filepath.Join(c.StagingDir, fmt.Sprintf("%s-%s", name, version))
}

// EnsureUnpacked downloads and extracts a crate unless its staging directory
// already exists, and returns that directory.
func (c *Cache) EnsureUnpacked(name, version string) (string, error) {
	dest := c.UnpackDir(name, version)
	if fileutil.PathExists(dest) {
		logger.Debug("using cached crate source", "crate", name, "version", version, "path", dest)
		return dest, nil
	}

	archive, err := c.fetchArchive(name, version)
	if err != nil {
		return "", err
	}

	if err := extractCrate(archive, dest); err != nil {
		// A partial extraction must not become a cache hit
		os.RemoveAll(dest)
		return "", fmt.Errorf("failed to extract %s-%s: %w", name, version, err)
	}

	logger.Debug("unpacked crate source", "crate", name, "version", version, "path", dest)
	return dest, nil
}

// fetchArchive downloads the .crate file, caching it beside the unpacked
// sources.
func (c *Cache) fetchArchive(name, version string) (string, error) {
	cacheDir := filepath.Join(c.StagingDir, archiveCacheDir)
	if err := fileutil.EnsureDir(cacheDir); err != nil {
		return "", err
	}

	archivePath := filepath.Join(cacheDir, fmt.Sprintf("%s-%s.crate", name, version))
	if fileutil.PathExists(archivePath) {
		return archivePath, nil
	}

	url := fmt.Sprintf("%s/api/v1/crates/%s/%s/download", c.Client.BaseURL, name, version)
	logger.Debug("downloading crate archive", "crate", name, "version", version)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("User-Agent", "copter/0.1 (https://github.com/imazen/copter)")

	resp, err := c.Client.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s-%s: %w", name, version, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download of %s-%s returned %d", name, version, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read archive body: %w", err)
	}

	if err := fileutil.AtomicWrite(archivePath, data, 0644); err != nil {
		return "", err
	}
	return archivePath, nil
}

// extractCrate unpacks a gzipped crate tarball into dest, stripping the
// leading <name>-<version>/ path component every crate archive carries.
func extractCrate(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer gz.Close()

	if err := fileutil.EnsureDir(dest); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		rel := stripLeadingComponent(hdr.Name)
		if rel == "" {
			continue
		}
		// Reject entries that would escape the destination
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fileutil.EnsureDir(target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := fileutil.EnsureDir(filepath.Dir(target)); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to close %s: %w", target, err)
			}
		default:
			// Crate archives only carry regular files and directories
			continue
		}
	}
}

// stripLeadingComponent drops the first path component of a tar entry name.
func stripLeadingComponent(name string) string {
	name = strings.TrimPrefix(name, "./")
	if i := strings.Index(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return ""
}
