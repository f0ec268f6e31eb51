package write

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dest := filepath.Join(dir, "nested", "Level.upk")
	content := []byte("package bytes")

	res, err := Atomic(dest, bytes.NewReader(content), 0o640)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), res.Size)
	assert.Equal(t, digest.FromBytes(content), res.Digest)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	// Replacing keeps only the new content and leaves no temp files.
	_, err = Atomic(dest, bytes.NewReader([]byte("v2")), 0o644)
	require.NoError(t, err)
	got, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicRefusesDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := Atomic(dir, bytes.NewReader(nil), 0o644)
	require.Error(t, err)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "Level.ubulk")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, Remove(path))
	assert.NoFileExists(t, path)
	require.NoError(t, Remove(path), "missing files are not an error")
}
