package visibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqkv/recordstore/engine"
	"github.com/cqkv/recordstore/model"
	"github.com/cqkv/recordstore/recovery"
)

type fakeDurability struct {
	delay time.Duration
}

func (f *fakeDurability) WaitUntilDurable(forceFlush bool) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return nil
}

type fakeCallback struct {
	notified chan struct{}
}

func newFakeCallback() *fakeCallback { return &fakeCallback{notified: make(chan struct{}, 16)} }

func (f *fakeCallback) NotifyCappedWaitersIfNeeded() {
	select {
	case f.notified <- struct{}{}:
	default:
	}
}

func openTestKV(t *testing.T) engine.KV {
	t.Helper()
	e, err := engine.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestManager_NonOplogCommitClearsImmediately(t *testing.T) {
	kv := openTestKV(t)
	m := New(false, &fakeDurability{}, nil)

	ru := recovery.New(kv)
	m.AddUncommitted(ru, model.RecordId(1))
	assert.True(t, m.IsCappedHidden(1))

	require.NoError(t, ru.Commit())
	assert.False(t, m.IsCappedHidden(1))
	assert.Equal(t, model.RecordId(1), m.OplogStartHack())
}

func TestManager_RollbackClearsAndNotifiesCallback(t *testing.T) {
	kv := openTestKV(t)
	cb := newFakeCallback()
	m := New(false, &fakeDurability{}, cb)

	ru := recovery.New(kv)
	m.AddUncommitted(ru, model.RecordId(1))
	ru.Rollback()

	assert.False(t, m.IsCappedHidden(1))
	select {
	case <-cb.notified:
	case <-time.After(time.Second):
		t.Fatal("expected capped-waiters callback on rollback")
	}
}

func TestManager_OplogDefersVisibilityUntilDurable(t *testing.T) {
	kv := openTestKV(t)
	dur := &fakeDurability{delay: 50 * time.Millisecond}
	m := New(true, dur, nil)
	m.Start()
	defer m.Join()

	ru1 := recovery.New(kv)
	m.AddUncommitted(ru1, model.RecordId(1))
	ru2 := recovery.New(kv)
	m.AddUncommitted(ru2, model.RecordId(2))

	require.NoError(t, ru1.Commit()) // id 1 != highestSeen(2) -> deferred to journal
	assert.True(t, m.IsCappedHidden(1), "id 1 should stay hidden until the journal loop clears it")

	require.NoError(t, ru2.Commit()) // id 2 == highestSeen -> cleared immediately
	// id 1 is still hidden (journal loop hasn't run yet), but the front is
	// now 1, not 2, since 2 cleared immediately.
	assert.True(t, m.IsCappedHidden(1))

	require.Eventually(t, func() bool {
		return !m.IsCappedHidden(1)
	}, time.Second, 5*time.Millisecond)
}

func TestManager_WaitForAllEarlierOplogWritesToBeVisible(t *testing.T) {
	kv := openTestKV(t)
	m := New(true, &fakeDurability{delay: 20 * time.Millisecond}, nil)
	m.Start()
	defer m.Join()

	ru := recovery.New(kv)
	m.AddUncommitted(ru, model.RecordId(1))
	require.NoError(t, ru.Commit())

	done := make(chan struct{})
	go func() {
		m.WaitForAllEarlierOplogWritesToBeVisible()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForAllEarlierOplogWritesToBeVisible did not return once the write became visible")
	}
}

func TestManager_SetHighestSeenForcesValue(t *testing.T) {
	m := New(false, &fakeDurability{}, nil)
	m.UpdateHighestSeen(10)
	m.UpdateHighestSeen(5) // monotonic: no-op
	assert.Equal(t, model.RecordId(10), m.OplogStartHack())

	m.SetHighestSeen(3) // forced, non-monotonic
	assert.Equal(t, model.RecordId(3), m.OplogStartHack())
}

func TestManager_LowestCappedHiddenRecordIsNullWhenEmpty(t *testing.T) {
	m := New(false, &fakeDurability{}, nil)
	assert.True(t, m.LowestCappedHiddenRecord().IsNull())
}

func TestManager_JoinIsSafeWithoutStart(t *testing.T) {
	m := New(true, &fakeDurability{}, nil)
	m.Join() // never Start()ed; must not hang
}
