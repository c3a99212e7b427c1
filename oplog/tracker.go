// Package oplog implements the shadow key tracker that lets capped
// oplog-mode stores run retention scans over id->length pairs instead
// of reading full record values back out of the main collection.
//
// Grounded on spec.md's RocksOplogKeyTracker and, for the mechanism of
// "a second narrow index living under a derived prefix", the teacher's
// keydir.BTree used as a position index rather than a value store.
package oplog

import (
	"sync/atomic"

	"github.com/cqkv/recordstore/codec"
	"github.com/cqkv/recordstore/engine"
	"github.com/cqkv/recordstore/model"
	"github.com/cqkv/recordstore/recovery"
)

// Tracker maintains the shadow prefix nextPrefix(mainPrefix) -> little
// endian uint32 length, for one store.
type Tracker struct {
	shadowPrefix           []byte
	deletedSinceCompaction int64 // atomic
}

// New derives the shadow prefix from the store's main key prefix.
func New(mainPrefix []byte) *Tracker {
	return &Tracker{shadowPrefix: codec.NextPrefix(mainPrefix)}
}

// ShadowPrefix returns the derived prefix this tracker's keys live
// under, for callers that need to decode ids out of tracker keys
// themselves (e.g. oplogStartHack).
func (t *Tracker) ShadowPrefix() []byte { return t.shadowPrefix }

// InsertKey records that id now maps to a value of length size, put
// into ru's batch alongside the main record write so both land (or
// neither does) on commit.
func (t *Tracker) InsertKey(ru *recovery.Unit, id model.RecordId, size uint32) {
	key := codec.EncodeKey(t.shadowPrefix, id)
	ru.WriteBatch().Put(key, codec.EncodeLength(size))
}

// DeleteKey removes id from the shadow index and bumps the
// deleted-since-compaction counter, used by compaction-scheduling
// heuristics to decide when a sweep is worth running.
func (t *Tracker) DeleteKey(ru *recovery.Unit, id model.RecordId) {
	key := codec.EncodeKey(t.shadowPrefix, id)
	ru.WriteBatch().Delete(key)
	atomic.AddInt64(&t.deletedSinceCompaction, 1)
}

// NewIterator opens a snapshot-aware, oplog-mode iterator over the
// shadow prefix, bound to ru's snapshot if it has one.
func (t *Tracker) NewIterator(ru *recovery.Unit) engine.Iterator {
	return ru.NewIterator(t.shadowPrefix, true)
}

// DecodeSize decodes a little-endian uint32 length previously stored
// by InsertKey.
func (t *Tracker) DecodeSize(value []byte) (uint32, error) {
	return codec.DecodeLength(value)
}

// GetDeletedSinceCompaction returns the running delete count since the
// last ResetDeletedSinceCompaction.
func (t *Tracker) GetDeletedSinceCompaction() int64 {
	return atomic.LoadInt64(&t.deletedSinceCompaction)
}

// ResetDeletedSinceCompaction zeroes the counter, called once a
// compaction pass has actually run.
func (t *Tracker) ResetDeletedSinceCompaction() {
	atomic.StoreInt64(&t.deletedSinceCompaction, 0)
}
