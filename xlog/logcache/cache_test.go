package logcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openerFor(t *testing.T, dir string) FileOpener {
	t.Helper()
	return func(logID uint32) (*os.File, error) {
		return os.Open(filepath.Join(dir, "log.dat"))
	}
}

func writeFile(t *testing.T, dir string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log.dat"), content, 0644))
}

func TestCacheReadThroughMiss(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, BlockSize+100)
	for i := range content {
		content[i] = byte(i)
	}
	writeFile(t, dir, content)

	c := New(4, 1, openerFor(t, dir))
	dst := make([]byte, 50)
	n, err := c.Read(1, BlockSize-10, dst)
	require.NoError(t, err)
	require.Equal(t, 50, n)
	require.Equal(t, content[BlockSize-10:BlockSize-10+50], dst)
}

func TestCacheShortReadAtEOF(t *testing.T) {
	dir := t.TempDir()
	content := []byte("short file contents")
	writeFile(t, dir, content)

	c := New(4, 1, openerFor(t, dir))
	dst := make([]byte, 100)
	n, err := c.Read(1, 0, dst)
	require.NoError(t, err)
	require.Equal(t, len(content), n)
	require.Equal(t, content, dst[:n])
}

func TestCacheWriteThroughUpdatesCleanBlock(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, make([]byte, BlockSize))

	c := New(4, 1, openerFor(t, dir))
	dst := make([]byte, 16)
	_, err := c.Read(1, 0, dst) // warm the block
	require.NoError(t, err)

	c.WriteThrough(1, 4, []byte("hello"))

	got := make([]byte, 16)
	_, err = c.Read(1, 0, got)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got[4:9])
}

func TestCacheEvictRespectsMinFree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, make([]byte, BlockSize*3))

	c := New(1, 2, openerFor(t, dir))
	for i := 0; i < 3; i++ {
		dst := make([]byte, 1)
		_, err := c.Read(1, uint64(i)*BlockSize, dst)
		require.NoError(t, err)
	}
	c.Evict(0)
	// minFree=2 means eviction stops once at most 2 blocks remain.
	require.Len(t, c.segments[0].blocks, 2)
}
