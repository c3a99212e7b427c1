package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func putKV(t *testing.T, e *Engine, key, value string) {
	t.Helper()
	b := e.NewWriteBatch()
	b.Put([]byte(key), []byte(value))
	require.NoError(t, b.Commit())
}

func TestEngine_PutGetDelete(t *testing.T) {
	e := openTestEngine(t)

	putKV(t, e, "a", "1")
	val, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(val))

	b := e.NewWriteBatch()
	b.Delete([]byte("a"))
	require.NoError(t, b.Commit())

	_, ok, err = e.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_OrderedPrefixIteration(t *testing.T) {
	e := openTestEngine(t)

	putKV(t, e, "p\x00\x00\x00\x00\x00\x00\x00\x03", "three")
	putKV(t, e, "p\x00\x00\x00\x00\x00\x00\x00\x01", "one")
	putKV(t, e, "p\x00\x00\x00\x00\x00\x00\x00\x02", "two")
	putKV(t, e, "q\x00\x00\x00\x00\x00\x00\x00\x01", "other prefix")

	it := e.NewIterator([]byte("p"), false)
	defer it.Close()

	var values []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		values = append(values, string(it.Value()))
	}
	assert.Equal(t, []string{"one", "two", "three"}, values)
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	e := openTestEngine(t)
	putKV(t, e, "k", "v1")

	snap := e.NewSnapshot()

	putKV(t, e, "k", "v2")

	val, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(val))

	it := e.NewSnapshotIterator([]byte("k"), snap, false)
	defer it.Close()
	it.SeekToFirst()
	require.True(t, it.Valid())
	assert.Equal(t, "v1", string(it.Value()))
}

func TestEngine_ReplayAfterReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir())
	e, err := Open(dir)
	require.NoError(t, err)
	putKV(t, e, "x", "persisted")
	require.NoError(t, e.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	val, ok, err := reopened.Get([]byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(val))
}

func TestEngine_SecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(dir)
	assert.Error(t, err)
}

func TestEngine_CompactRangeDropsSupersededAndDeleted(t *testing.T) {
	e := openTestEngine(t)
	putKV(t, e, "a", "old")
	putKV(t, e, "a", "new")
	putKV(t, e, "b", "gone")

	b := e.NewWriteBatch()
	b.Delete([]byte("b"))
	require.NoError(t, b.Commit())

	before := e.log.offset
	require.NoError(t, e.CompactRange(nil, nil))
	assert.Less(t, e.log.offset, before, "compaction must drop superseded and deleted log entries")

	val, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(val))

	_, ok, err = e.Get([]byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)
}
