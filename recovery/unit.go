// Package recovery implements the per-operation recovery unit: a write
// batch, a snapshot, a write-conflict set, registered commit/rollback
// hooks, and delta counters accumulated until commit.
//
// It is grounded on the teacher's batch.go (pendingWrites map, commit
// sequencing) generalized from "the whole write path" to "one
// operation's write path", plus the read/write-set conflict check used
// by bunbase/docdb's commit_history.go, adapted from multi-record
// transactions to the single registerWrite-per-key check spec.md asks
// for.
package recovery

import (
	"sync"
	"sync/atomic"

	"github.com/cqkv/recordstore/engine"
)

// HookKind distinguishes a commit hook from a rollback hook. Modeled as
// a tagged variant rather than an interface: the recovery unit already
// owns the heterogeneous list of registered changes, so there is no
// need for per-hook virtual dispatch.
type HookKind int

const (
	HookCommit HookKind = iota
	HookRollback
)

// Hook is a single registered change, invoked exactly once when the
// owning Unit commits or rolls back.
type Hook struct {
	Kind HookKind
	Fn   func()
}

// Unit is a recovery unit: the per-operation object owning a KV write
// batch, a snapshot, a write-conflict set, and registered hooks.
type Unit struct {
	mu sync.Mutex

	kv    engine.KV
	batch *engine.WriteBatch
	snap  engine.Snapshot

	writes  map[string]bool // keys registered by registerWrite, for conflict detection
	hooks   []Hook
	deltas  map[string]int64
	done    bool
	readTil int64 // oplog read-till watermark, see setOplogReadTill
}

// New creates a fresh recovery unit bound to kv, with its own snapshot
// and write batch.
func New(kv engine.KV) *Unit {
	return &Unit{
		kv:     kv,
		batch:  kv.NewWriteBatch(),
		writes: make(map[string]bool),
		deltas: make(map[string]int64),
	}
}

// WriteBatch returns the unit's write batch, borrowed for the duration
// of the caller's operation.
func (u *Unit) WriteBatch() *engine.WriteBatch {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.batch
}

// Get reads through the unit's snapshot if one has been taken,
// otherwise through the live engine.
func (u *Unit) Get(key []byte) ([]byte, bool, error) {
	u.mu.Lock()
	snap := u.snap
	u.mu.Unlock()
	if snap == nil {
		return u.kv.Get(key)
	}
	it := u.kv.NewSnapshotIterator(key, snap, false)
	defer it.Close()
	it.Seek(key)
	if !it.Valid() || string(it.Key()) != string(key) {
		return nil, false, nil
	}
	return it.Value(), true, nil
}

// NewIterator opens an iterator bound to the unit's snapshot if it has
// one, otherwise to the live engine.
func (u *Unit) NewIterator(prefix []byte, oplog bool) engine.Iterator {
	u.mu.Lock()
	snap := u.snap
	u.mu.Unlock()
	if snap == nil {
		return u.kv.NewIterator(prefix, oplog)
	}
	return u.kv.NewSnapshotIterator(prefix, snap, oplog)
}

// Snapshot lazily takes (and caches) a snapshot of the engine as seen
// by this unit's first read.
func (u *Unit) Snapshot() engine.Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.snap == nil {
		u.snap = u.kv.NewSnapshot()
	}
	return u.snap
}

func (u *Unit) HasSnapshot() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snap != nil
}

// AbandonSnapshot drops the unit's cached snapshot, so the next call to
// Snapshot, Get, or NewIterator takes a fresh one reflecting whatever
// has committed since. Mirrors a WiredTiger-style recovery unit
// releasing its read transaction between operations.
func (u *Unit) AbandonSnapshot() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.snap = nil
}

// Transaction exposes write-conflict tracking. It is the same Unit
// under a narrower name, matching spec.md's `transaction().registerWrite(key)`
// call shape without introducing a second allocated object.
func (u *Unit) Transaction() *Unit { return u }

// RegisterWrite records that this unit intends to write key, returning
// false if this same unit has already registered it. The check covers
// only this unit's own write set: a key registered by another open
// unit is not detected as a conflict.
func (u *Unit) RegisterWrite(key []byte) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	k := string(key)
	if u.writes[k] {
		return false
	}
	u.writes[k] = true
	return true
}

// RegisterChange appends a hook to be dispatched on Commit or Rollback.
func (u *Unit) RegisterChange(h Hook) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hooks = append(u.hooks, h)
}

// GetDeltaCounter returns the unit's pending delta for key, 0 if none.
func (u *Unit) GetDeltaCounter(key string) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.deltas[key]
}

// IncrementCounter adds delta to the unit's pending change for key.
// The atomic parameter names the backing *int64 this delta will
// eventually be applied to, mirroring the teacher's approach of
// passing the live counter alongside the RU-local delta so callers
// don't have to look it up twice; recovery itself never touches it
// until Commit.
func (u *Unit) IncrementCounter(key string, counter *int64, delta int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.deltas[key] += delta
	if counter != nil {
		// The hook applies whatever is still pending for key at commit
		// time and consumes it, so ResetDeltaCounters really discards
		// earlier increments and repeated hooks never double-apply.
		u.hooks = append(u.hooks, Hook{Kind: HookCommit, Fn: func() {
			u.mu.Lock()
			pending := u.deltas[key]
			u.deltas[key] = 0
			u.mu.Unlock()
			atomic.AddInt64(counter, pending)
		}})
	}
}

// ResetDeltaCounters discards every pending delta without applying it,
// used by updateStatsAfterRepair, which overwrites the atomics
// directly instead of accumulating against their prior values.
func (u *Unit) ResetDeltaCounters() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.deltas = make(map[string]int64)
}

// SetOplogReadTill records the oplog visibility ceiling this unit's
// cursor should respect.
func (u *Unit) SetOplogReadTill(id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.readTil = id
}

func (u *Unit) GetOplogReadTill() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.readTil
}

// NewRocksRecoveryUnit is the sub-unit factory: it produces a fresh
// Unit over the same engine, independent of this one's batch,
// snapshot, and hooks. Named to match spec.md's recovery-unit contract
// verbatim; retention's withSubUnit helper is what actually swaps it
// into a context.
func (u *Unit) NewRocksRecoveryUnit() *Unit {
	return New(u.kv)
}

// Commit flushes the write batch, dispatches every registered commit
// hook exactly once, in registration order, and marks the unit done.
// Calling Commit or Rollback more than once is a programmer error; the
// unit no-ops rather than double-firing hooks.
func (u *Unit) Commit() error {
	u.mu.Lock()
	if u.done {
		u.mu.Unlock()
		return nil
	}
	u.done = true
	batch := u.batch
	hooks := u.hooks
	u.mu.Unlock()

	if err := batch.Commit(); err != nil {
		return err
	}
	for _, h := range hooks {
		if h.Kind == HookCommit {
			h.Fn()
		}
	}
	return nil
}

// Rollback discards the write batch (it was never committed, so
// dropping the reference is enough) and dispatches rollback hooks.
func (u *Unit) Rollback() {
	u.mu.Lock()
	if u.done {
		u.mu.Unlock()
		return
	}
	u.done = true
	hooks := u.hooks
	u.mu.Unlock()

	for _, h := range hooks {
		if h.Kind == HookRollback {
			h.Fn()
		}
	}
}
