package recordstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimedMutex_TryLockFailsWhenHeld(t *testing.T) {
	m := newTimedMutex()
	require := assert.New(t)
	require.True(m.TryLock())
	require.False(m.TryLock())
	m.Unlock()
	require.True(m.TryLock())
	m.Unlock()
}

func TestTimedMutex_TryLockForTimesOut(t *testing.T) {
	m := newTimedMutex()
	m.Lock()
	defer m.Unlock()

	start := time.Now()
	ok := m.TryLockFor(30 * time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
}

func TestTimedMutex_TryLockForSucceedsOnceReleased(t *testing.T) {
	m := newTimedMutex()
	m.Lock()

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Unlock()
	}()

	ok := m.TryLockFor(time.Second)
	assert.True(t, ok)
	m.Unlock()
}

func TestTimedMutex_UnlockWithoutLockPanics(t *testing.T) {
	m := newTimedMutex()
	assert.Panics(t, func() { m.Unlock() })
}
