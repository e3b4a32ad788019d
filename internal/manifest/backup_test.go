package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imazen/copter/internal/fileutil"
)

func TestBackupAndRestore(t *testing.T) {
	original := "[package]\nname = \"test\"\n"
	path := writeManifest(t, original)

	require.NoError(t, Backup(path))
	assert.True(t, fileutil.PathExists(BackupPath(path)))

	require.NoError(t, os.WriteFile(path, []byte("[package]\nname = \"modified\"\n"), 0644))

	require.NoError(t, Restore(path))
	assert.Equal(t, original, readManifest(t, path))
	assert.False(t, fileutil.PathExists(BackupPath(path)))
}

func TestBackupNeverOverwritesExisting(t *testing.T) {
	// A pre-existing backup is the snapshot of an interrupted run; a new
	// backup call must restore from it, not replace it
	original := "[package]\nname = \"pristine\"\n"
	path := writeManifest(t, "[package]\nname = \"contaminated\"\n")
	require.NoError(t, os.WriteFile(BackupPath(path), []byte(original), 0644))

	require.NoError(t, Backup(path))

	assert.Equal(t, original, readManifest(t, path))
	backup, err := os.ReadFile(BackupPath(path))
	require.NoError(t, err)
	assert.Equal(t, original, string(backup))
}

func TestRestoreWithoutBackupIsNoop(t *testing.T) {
	original := "[package]\nname = \"test\"\n"
	path := writeManifest(t, original)

	require.NoError(t, Restore(path))
	assert.Equal(t, original, readManifest(t, path))
}

func TestEnsurePristineKeepsBackup(t *testing.T) {
	// Interrupted-run recovery: pre-run cleanup restores the manifest and
	// the backup survives until the cell completes
	original := "[package]\nname = \"pristine\"\n"
	path := writeManifest(t, "[package]\nname = \"contaminated\"\n")
	require.NoError(t, os.WriteFile(BackupPath(path), []byte(original), 0644))

	require.NoError(t, EnsurePristine(path))

	assert.Equal(t, original, readManifest(t, path))
	assert.True(t, fileutil.PathExists(BackupPath(path)))
}

func TestEnsurePristineWithoutBackup(t *testing.T) {
	original := "[package]\nname = \"test\"\n"
	path := writeManifest(t, original)

	require.NoError(t, EnsurePristine(path))
	assert.Equal(t, original, readManifest(t, path))
	assert.False(t, fileutil.PathExists(BackupPath(path)))
}

func TestBackupGuardRestoresOnDefer(t *testing.T) {
	original := "[package]\nname = \"test\"\n"
	path := writeManifest(t, original)

	func() {
		guard, err := NewBackupGuard(path)
		require.NoError(t, err)
		defer guard.Restore()

		require.NoError(t, os.WriteFile(path, []byte("modified"), 0644))
	}()

	assert.Equal(t, original, readManifest(t, path))
	assert.False(t, fileutil.PathExists(BackupPath(path)))
}

func TestBackupGuardRestoreIsIdempotent(t *testing.T) {
	original := "[package]\nname = \"test\"\n"
	path := writeManifest(t, original)

	guard, err := NewBackupGuard(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("modified"), 0644))
	require.NoError(t, guard.Restore())

	// A second restore must not fail or resurrect anything
	require.NoError(t, guard.Restore())
	assert.Equal(t, original, readManifest(t, path))
}

func TestBackupPathSuffix(t *testing.T) {
	path := filepath.Join("some", "dir", "Cargo.toml")
	assert.Equal(t, path+".copter-backup", BackupPath(path))
}
