package fio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileIO_WriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	f, err := NewFileIO(path)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = f.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestFileIO_SyncAndSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	f, err := NewFileIO(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	require.NoError(t, f.Close())
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}
