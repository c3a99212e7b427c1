// Package visibility implements the capped/oplog visibility manager:
// it tracks which just-written record ids are not yet safe for a
// forward reader to see, and for oplog stores defers that visibility
// until the write is durable rather than merely committed.
//
// Grounded primarily on the original CappedVisibilityManager
// (_examples/original_source's rocks_record_store.cpp); the dedicated
// journal goroutine's shutdown handshake is grounded on the teacher's
// merge.go background-goroutine pattern, generalized from "wake on a
// done channel" to "wake on a condition variable guarded by the same
// mutex as the state it inspects."
package visibility

import (
	"container/list"
	"log"
	"sync"

	"github.com/cqkv/recordstore/model"
	"github.com/cqkv/recordstore/recovery"
)

// DurabilityWaiter is the subset of *durability.Manager the journal
// loop needs; kept as an interface here so visibility doesn't import
// durability and create a cycle (durability has no reason to import
// visibility, but recordstore wires both together).
type DurabilityWaiter interface {
	WaitUntilDurable(forceFlush bool) error
}

// CappedCallback is notified whenever a capped waiter might be able to
// make progress: a commit clearing an id, or a rollback.
type CappedCallback interface {
	NotifyCappedWaitersIfNeeded()
}

// Manager is the CappedVisibilityManager: owns the uncommitted-id
// sequence and the bookkeeping needed to decide what a forward reader
// may currently see.
type Manager struct {
	mu sync.Mutex

	uncommitted          *list.List // of model.RecordId
	opsWaitingForJournal []*list.Element

	highestSeen  model.RecordId
	shuttingDown bool

	journalCV *sync.Cond
	visibleCV *sync.Cond

	isOplog    bool
	durability DurabilityWaiter
	callback   CappedCallback

	journalWG sync.WaitGroup
	started   bool
}

// New creates a visibility manager. durability and callback may be nil
// for non-oplog, non-capped stores (no journal loop is started in
// that case; see Start).
func New(isOplog bool, durability DurabilityWaiter, callback CappedCallback) *Manager {
	m := &Manager{
		uncommitted: list.New(),
		highestSeen: model.MinRecordID,
		isOplog:     isOplog,
		durability:  durability,
		callback:    callback,
	}
	m.journalCV = sync.NewCond(&m.mu)
	m.visibleCV = sync.NewCond(&m.mu)
	return m
}

// Start launches the dedicated journal goroutine for oplog stores. It
// is a no-op for non-oplog stores: there is never anything to defer.
func (m *Manager) Start() {
	if !m.isOplog {
		return
	}
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	m.journalWG.Add(1)
	go m.oplogJournalLoop()
}

// AddUncommitted registers id as uncommitted under M, asserting the
// strictly-increasing invariant, and arranges for ru to report back
// through dealtWith on commit or rollback.
func (m *Manager) AddUncommitted(ru *recovery.Unit, id model.RecordId) {
	m.mu.Lock()
	if back := m.uncommitted.Back(); back != nil {
		if back.Value.(model.RecordId) >= id {
			m.mu.Unlock()
			panic("visibility: uncommitted ids must be strictly increasing")
		}
	}
	elem := m.uncommitted.PushBack(id)
	if id > m.highestSeen {
		m.highestSeen = id
	}
	m.mu.Unlock()

	ru.RegisterChange(recovery.Hook{Kind: recovery.HookCommit, Fn: func() {
		m.dealtWith(elem, true)
	}})
	ru.RegisterChange(recovery.Hook{Kind: recovery.HookRollback, Fn: func() {
		m.dealtWith(elem, false)
	}})
}

// GetNextAndAddUncommitted calls nextID (typically bumping the store's
// atomic id counter) and registers the result, all while holding M, so
// no other AddUncommitted can interleave between allocation and
// registration.
func (m *Manager) GetNextAndAddUncommitted(ru *recovery.Unit, nextID func() model.RecordId) model.RecordId {
	m.mu.Lock()
	id := nextID()
	if back := m.uncommitted.Back(); back != nil && back.Value.(model.RecordId) >= id {
		m.mu.Unlock()
		panic("visibility: uncommitted ids must be strictly increasing")
	}
	elem := m.uncommitted.PushBack(id)
	if id > m.highestSeen {
		m.highestSeen = id
	}
	m.mu.Unlock()

	ru.RegisterChange(recovery.Hook{Kind: recovery.HookCommit, Fn: func() {
		m.dealtWith(elem, true)
	}})
	ru.RegisterChange(recovery.Hook{Kind: recovery.HookRollback, Fn: func() {
		m.dealtWith(elem, false)
	}})
	return id
}

// dealtWith is invoked by the commit/rollback hook exactly once for
// the handle it closes over. The *handle != highestSeen check is
// preserved exactly as written even though it races against a
// concurrent AddUncommitted updating highestSeen between this read and
// the decision it drives: that race is inherent to the design being
// reproduced here, not an oversight.
func (m *Manager) dealtWith(handle *list.Element, didCommit bool) {
	m.mu.Lock()
	id := handle.Value.(model.RecordId)
	if didCommit && m.isOplog && id != m.highestSeen {
		m.opsWaitingForJournal = append(m.opsWaitingForJournal, handle)
		if len(m.opsWaitingForJournal) == 1 {
			m.journalCV.Signal()
		}
		m.mu.Unlock()
		return
	}

	m.uncommitted.Remove(handle)
	m.visibleCV.Broadcast()
	m.mu.Unlock()

	if !didCommit && m.callback != nil {
		m.callback.NotifyCappedWaitersIfNeeded()
	}
}

// oplogJournalLoop drains opsWaitingForJournal once the durability
// manager confirms everything up to this point is flushed, then clears
// the handles still sitting on uncommitted. A panic anywhere in here
// is left to propagate and crash the process, the same way an
// uncaught exception in the original's journal thread terminates it;
// catching and swallowing it would let the store silently stop
// clearing uncommitted ids.
func (m *Manager) oplogJournalLoop() {
	defer m.journalWG.Done()
	for {
		m.mu.Lock()
		for !m.shuttingDown && len(m.opsWaitingForJournal) == 0 {
			m.journalCV.Wait()
		}
		if m.shuttingDown {
			m.mu.Unlock()
			return
		}
		pending := m.opsWaitingForJournal
		m.opsWaitingForJournal = nil
		m.mu.Unlock()

		if err := m.durability.WaitUntilDurable(false); err != nil {
			log.Panicf("visibility: oplog journal loop: wait until durable: %v", err)
		}

		m.mu.Lock()
		for _, h := range pending {
			m.uncommitted.Remove(h)
		}
		m.visibleCV.Broadcast()
		m.mu.Unlock()

		if m.callback != nil {
			m.callback.NotifyCappedWaitersIfNeeded()
		}
	}
}

// WaitForAllEarlierOplogWritesToBeVisible blocks until every id
// registered at or before this call's snapshot of highestSeen has
// become visible (removed from uncommitted). Callers must hold no
// write unit of work: this can block on journal flushes that would
// otherwise deadlock against an open write transaction.
func (m *Manager) WaitForAllEarlierOplogWritesToBeVisible() {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.highestSeen
	for {
		front := m.uncommitted.Front()
		if front == nil || front.Value.(model.RecordId) > w {
			return
		}
		m.visibleCV.Wait()
	}
}

// IsCappedHidden reports whether id is at or beyond the earliest
// not-yet-visible id: anything that high could be followed by a hole
// and must be hidden from forward consumers.
func (m *Manager) IsCappedHidden(id model.RecordId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	front := m.uncommitted.Front()
	if front == nil {
		return false
	}
	return front.Value.(model.RecordId) <= id
}

// UpdateHighestSeen advances highestSeen monotonically.
func (m *Manager) UpdateHighestSeen(id model.RecordId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.highestSeen {
		m.highestSeen = id
	}
}

// SetHighestSeen forces highestSeen to id regardless of direction,
// used after cappedTruncateAfter rewinds the id space.
func (m *Manager) SetHighestSeen(id model.RecordId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highestSeen = id
}

// OplogStartHack returns the upper bound a reader may currently see:
// the lowest not-yet-visible id if any writes are outstanding,
// otherwise highestSeen.
func (m *Manager) OplogStartHack() model.RecordId {
	m.mu.Lock()
	defer m.mu.Unlock()
	if front := m.uncommitted.Front(); front != nil {
		return front.Value.(model.RecordId)
	}
	return m.highestSeen
}

// LowestCappedHiddenRecord returns the lowest hidden id, or the null
// sentinel if nothing is currently hidden.
func (m *Manager) LowestCappedHiddenRecord() model.RecordId {
	m.mu.Lock()
	defer m.mu.Unlock()
	if front := m.uncommitted.Front(); front != nil {
		return front.Value.(model.RecordId)
	}
	return model.NullRecordID
}

// Join signals the journal goroutine to stop and waits for it to exit.
// Safe to call on a manager whose loop was never started.
func (m *Manager) Join() {
	m.mu.Lock()
	m.shuttingDown = true
	started := m.started
	m.journalCV.Signal()
	m.mu.Unlock()

	if started {
		m.journalWG.Wait()
	}
}
