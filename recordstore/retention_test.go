package recordstore

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqkv/recordstore/model"
)

func TestRetention_ExactDocCapDeletesOldestOnceCountExceeded(t *testing.T) {
	s := openTestStore(t, WithCapped(1<<30, 3)) // doc cap binds, size cap effectively unlimited

	var ids []model.RecordId
	for i := 0; i < 5; i++ {
		ru := s.NewRecoveryUnit()
		id, err := s.InsertRecord(ru, []byte("x"))
		require.NoError(t, err)
		require.NoError(t, ru.Commit())
		ids = append(ids, id)
	}

	assert.LessOrEqual(t, s.numRecords, int64(3))

	ru := s.NewRecoveryUnit()
	_, ok, err := s.FindRecord(ru, ids[0])
	require.NoError(t, err)
	assert.False(t, ok, "oldest record must be gone once the document cap binds")

	ru2 := s.NewRecoveryUnit()
	_, ok, err = s.FindRecord(ru2, ids[len(ids)-1])
	require.NoError(t, err)
	assert.True(t, ok)
}

// extractOplogKeyFromFixedWidthBigEndian mirrors an oplog entry whose id
// is the first 8 bytes of the payload, big-endian.
func extractOplogKeyFromFixedWidthBigEndian(data []byte) (int64, error) {
	return int64(binary.BigEndian.Uint64(data[:8])), nil
}

func oplogPayload(id int64, rest string) []byte {
	buf := make([]byte, 8+len(rest))
	binary.BigEndian.PutUint64(buf[:8], uint64(id))
	copy(buf[8:], rest)
	return buf
}

// TestRetention_OplogDeferredVisibilityAcrossTwoWriters grounds the
// "oplog deferred visibility" scenario at the Store level: writer A
// commits first, writer B commits before the durability manager's next
// flush, and a reader blocked on WaitForAllEarlierOplogWritesToBeVisible
// only unblocks once a flush actually happens.
func TestRetention_OplogDeferredVisibilityAcrossTwoWriters(t *testing.T) {
	s := openTestStore(t, WithOplog(1<<20, extractOplogKeyFromFixedWidthBigEndian),
		WithDurabilityInterval(10*time.Hour)) // never fires on its own within the test

	// Both writers are in flight before either commits, so A (id 100)
	// commits while B (id 200) is already the highest id seen.
	ruA := s.NewRecoveryUnit()
	_, err := s.InsertRecord(ruA, oplogPayload(100, "a"))
	require.NoError(t, err)

	ruB := s.NewRecoveryUnit()
	_, err = s.InsertRecord(ruB, oplogPayload(200, "b"))
	require.NoError(t, err)

	require.NoError(t, ruA.Commit())
	require.NoError(t, ruB.Commit())

	done := make(chan struct{})
	go func() {
		s.vis.WaitForAllEarlierOplogWritesToBeVisible()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("reader must not observe the writes before durability confirms them")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.durability.WaitUntilDurable(true))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader should unblock once durability is confirmed")
	}

	ru := s.NewRecoveryUnit()
	_, ok, err := s.FindRecord(ru, model.RecordId(100))
	require.NoError(t, err)
	assert.True(t, ok)
	ru2 := s.NewRecoveryUnit()
	_, ok, err = s.FindRecord(ru2, model.RecordId(200))
	require.NoError(t, err)
	assert.True(t, ok)
}
