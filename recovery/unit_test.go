package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqkv/recordstore/engine"
)

func openTestKV(t *testing.T) engine.KV {
	t.Helper()
	e, err := engine.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestUnit_CommitAppliesWritesAndFiresHooksOnce(t *testing.T) {
	kv := openTestKV(t)
	u := New(kv)

	u.WriteBatch().Put([]byte("k"), []byte("v"))

	fired := 0
	u.RegisterChange(Hook{Kind: HookCommit, Fn: func() { fired++ }})
	u.RegisterChange(Hook{Kind: HookRollback, Fn: func() { fired += 100 }})

	require.NoError(t, u.Commit())
	require.NoError(t, u.Commit()) // second call is a no-op
	assert.Equal(t, 1, fired)

	val, ok, err := kv.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(val))
}

func TestUnit_RollbackFiresOnlyRollbackHooks(t *testing.T) {
	kv := openTestKV(t)
	u := New(kv)

	committed := false
	rolledBack := false
	u.RegisterChange(Hook{Kind: HookCommit, Fn: func() { committed = true }})
	u.RegisterChange(Hook{Kind: HookRollback, Fn: func() { rolledBack = true }})

	u.Rollback()
	assert.False(t, committed)
	assert.True(t, rolledBack)
}

func TestUnit_RegisterWriteDetectsConflict(t *testing.T) {
	kv := openTestKV(t)
	u := New(kv)

	assert.True(t, u.RegisterWrite([]byte("a")))
	assert.False(t, u.RegisterWrite([]byte("a")))
	assert.True(t, u.RegisterWrite([]byte("b")))
}

func TestUnit_DeltaCountersAccumulateAndResetSeparately(t *testing.T) {
	kv := openTestKV(t)
	u := New(kv)

	var numRecords int64
	u.IncrementCounter("numRecords", &numRecords, 1)
	u.IncrementCounter("numRecords", &numRecords, 1)
	assert.Equal(t, int64(2), u.GetDeltaCounter("numRecords"))

	require.NoError(t, u.Commit())
	assert.Equal(t, int64(2), numRecords)
}

func TestUnit_ResetDeltaCountersDiscardsWithoutApplying(t *testing.T) {
	kv := openTestKV(t)
	u := New(kv)

	var dataSize int64
	u.IncrementCounter("dataSize", &dataSize, 42)
	u.ResetDeltaCounters()
	assert.Equal(t, int64(0), u.GetDeltaCounter("dataSize"))

	require.NoError(t, u.Commit())
	assert.Equal(t, int64(0), dataSize)
}

func TestUnit_SnapshotIsolatedReadsAndOplogReadTill(t *testing.T) {
	kv := openTestKV(t)

	seed := kv.NewWriteBatch()
	seed.Put([]byte("k"), []byte("v1"))
	require.NoError(t, seed.Commit())

	u := New(kv)
	assert.False(t, u.HasSnapshot())
	_ = u.Snapshot()
	assert.True(t, u.HasSnapshot())

	later := kv.NewWriteBatch()
	later.Put([]byte("k"), []byte("v2"))
	require.NoError(t, later.Commit())

	val, ok, err := u.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(val))

	u.SetOplogReadTill(7)
	assert.Equal(t, int64(7), u.GetOplogReadTill())
}

func TestUnit_AbandonSnapshotPicksUpLaterCommits(t *testing.T) {
	kv := openTestKV(t)

	seed := kv.NewWriteBatch()
	seed.Put([]byte("k"), []byte("v1"))
	require.NoError(t, seed.Commit())

	u := New(kv)
	seq1 := u.Snapshot().Seq()

	later := kv.NewWriteBatch()
	later.Put([]byte("k"), []byte("v2"))
	require.NoError(t, later.Commit())

	val, _, err := u.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(val), "pinned snapshot must not see the later commit")

	u.AbandonSnapshot()
	assert.False(t, u.HasSnapshot())

	seq2 := u.Snapshot().Seq()
	assert.Greater(t, seq2, seq1)

	val, _, err = u.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(val), "fresh snapshot must see the later commit")
}

func TestUnit_NewRocksRecoveryUnitIsIndependent(t *testing.T) {
	kv := openTestKV(t)
	u := New(kv)
	u.IncrementCounter("x", nil, 5)

	sub := u.NewRocksRecoveryUnit()
	assert.Equal(t, int64(0), sub.GetDeltaCounter("x"))
	assert.NotSame(t, u, sub)
}
