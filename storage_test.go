package assetcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.css")
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	s := NewDiskStorage()
	require.NoError(t, s.WriteAtomic(p, []byte("one"), stamp))

	data, err := s.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	info, err := s.Stat(p)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(stamp))

	// overwrite replaces content
	require.NoError(t, s.WriteAtomic(p, []byte("two"), time.Time{}))
	data, err = s.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := s.ListDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, isTempFile(entries[0].Name()))
}

func TestWriteAtomicCreatesMissingDirectory(t *testing.T) {
	p := filepath.Join(t.TempDir(), "css", "nested", "a.css")

	require.NoError(t, NewDiskStorage().WriteAtomic(p, []byte("x"), time.Now()))
	assert.FileExists(t, p)
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	s := NewDiskStorage()

	p := writeFile(t, filepath.Join(dir, "a.css"), []byte("a"), time.Time{})
	require.NoError(t, s.Delete(p))
	assert.False(t, s.Exists(p))

	// already gone
	require.NoError(t, s.Delete(p))

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	writeFile(t, filepath.Join(sub, "b.css"), []byte("b"), time.Time{})
	assert.Error(t, s.Delete(sub))
}

func TestIsTempFile(t *testing.T) {
	assert.True(t, isTempFile(tempFilePrefix+"abc"))
	assert.False(t, isTempFile("a.css"))
	assert.False(t, isTempFile(".htaccess"))
}
