package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "test.txt")

	content := []byte("test content")
	err := AtomicWrite(filePath, content, 0644)
	require.NoError(t, err)

	// Verify file exists and has correct content
	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// Verify file permissions
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestAtomicWriteOverwrite(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "test.txt")

	// Write initial content
	err := AtomicWrite(filePath, []byte("initial"), 0644)
	require.NoError(t, err)

	// Overwrite with new content
	newContent := []byte("updated content")
	err = AtomicWrite(filePath, newContent, 0644)
	require.NoError(t, err)

	// Verify new content
	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, newContent, data)
}

func TestAtomicWriteCreatesParentDirs(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "nested", "deep", "test.txt")

	err := AtomicWrite(filePath, []byte("content"), 0644)
	require.NoError(t, err)
	assert.True(t, PathExists(filePath))
}

func TestEnsureDir(t *testing.T) {
	tmpDir := t.TempDir()

	path := filepath.Join(tmpDir, "a", "b", "c")
	require.NoError(t, EnsureDir(path))
	assert.True(t, IsDir(path))

	// Idempotent
	require.NoError(t, EnsureDir(path))
}

func TestPathExists(t *testing.T) {
	tmpDir := t.TempDir()

	assert.True(t, PathExists(tmpDir))
	assert.False(t, PathExists(filepath.Join(tmpDir, "missing")))
}

func TestIsDir(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "file.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0644))

	assert.True(t, IsDir(tmpDir))
	assert.False(t, IsDir(filePath))
	assert.False(t, IsDir(filepath.Join(tmpDir, "missing")))
}

func TestCopyFile(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "src.txt")
	dst := filepath.Join(tmpDir, "dst.txt")

	require.NoError(t, os.WriteFile(src, []byte("payload"), 0600))
	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCopyFileOverwrites(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "src.txt")
	dst := filepath.Join(tmpDir, "dst.txt")

	require.NoError(t, os.WriteFile(src, []byte("new"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("old content"), 0644))
	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestCopyFileMissingSource(t *testing.T) {
	tmpDir := t.TempDir()
	err := CopyFile(filepath.Join(tmpDir, "missing"), filepath.Join(tmpDir, "dst"))
	assert.Error(t, err)
}
