package manifest

import (
	"fmt"
	"os"

	"github.com/imazen/copter/internal/fileutil"
	"github.com/imazen/copter/internal/logger"
)

// BackupSuffix is appended to a manifest path to form its backup path. A
// backup present at run start marks a prior interrupted run.
const BackupSuffix = ".copter-backup"

// BackupPath returns the backup location for a manifest.
func BackupPath(manifestPath string) string {
	return manifestPath + BackupSuffix
}

// Backup captures the pre-edit manifest. If a backup already exists it is
// the snapshot of a prior interrupted run: the manifest is restored from it
// and the backup is left in place, never overwritten.
func Backup(manifestPath string) error {
	backup := BackupPath(manifestPath)

	if fileutil.PathExists(backup) {
		logger.Debug("restoring manifest from interrupted-run backup", "manifest", manifestPath)
		return fileutil.CopyFile(backup, manifestPath)
	}

	if fileutil.PathExists(manifestPath) {
		if err := fileutil.CopyFile(manifestPath, backup); err != nil {
			return fmt.Errorf("failed to back up %s: %w", manifestPath, err)
		}
	}
	return nil
}

// Restore copies the backup over the manifest and deletes the backup.
// It is a no-op when no backup exists.
func Restore(manifestPath string) error {
	backup := BackupPath(manifestPath)
	if !fileutil.PathExists(backup) {
		return nil
	}

	if err := fileutil.CopyFile(backup, manifestPath); err != nil {
		return fmt.Errorf("failed to restore %s: %w", manifestPath, err)
	}
	if err := os.Remove(backup); err != nil {
		return fmt.Errorf("failed to remove backup %s: %w", backup, err)
	}

	logger.Debug("restored manifest from backup", "manifest", manifestPath)
	return nil
}

// EnsurePristine restores the manifest from a leftover backup without
// consuming it. Used by the executor's pre-run cleanup so a crashed previous
// run cannot contaminate this cell; the backup survives until the cell's own
// rollback completes.
func EnsurePristine(manifestPath string) error {
	backup := BackupPath(manifestPath)
	if !fileutil.PathExists(backup) {
		return nil
	}
	return fileutil.CopyFile(backup, manifestPath)
}

// BackupGuard restores a manifest from its backup on every exit path.
// Create it before editing and defer Restore; Restore is idempotent so an
// early explicit call is safe.
type BackupGuard struct {
	path     string
	restored bool
}

// NewBackupGuard snapshots the manifest and returns a guard over it.
func NewBackupGuard(manifestPath string) (*BackupGuard, error) {
	if err := Backup(manifestPath); err != nil {
		return nil, err
	}
	return &BackupGuard{path: manifestPath}, nil
}

// Restore rolls the manifest back to the snapshot and deletes the backup.
func (g *BackupGuard) Restore() error {
	if g.restored {
		return nil
	}
	g.restored = true
	return Restore(g.path)
}
