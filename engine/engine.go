// Package engine implements the ordered key-value engine the record
// store is built on top of: point get, ordered prefix iteration, atomic
// write batches, snapshots with monotonically increasing sequence
// numbers, and range compaction. It is the concrete implementation of
// the "KV engine" contract spec.md treats as an external collaborator.
//
// The implementation is a small Bitcask-style store: an append-only log
// of records on disk (durability, replayed on Open) backed by an
// in-memory ordered index (github.com/google/btree, adapted from the
// teacher's keydir.BTree but generalized from one bitcask namespace to
// the whole keyspace). The index is copy-on-write: every committed
// batch clones the current tree, applies its writes to the clone, and
// atomically swaps it in, so a Snapshot taken before the swap keeps
// seeing its own immutable version of the keyspace.
package engine

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/cqkv/recordstore/fio"
)

const btreeDegree = 32

// Iterator is an ordered, snapshot-aware cursor over a key prefix.
// OplogMode iterators are requested with a hint that only small values
// will be read through them (see oplog.Tracker); the in-memory engine
// has no block cache to tune, so the hint is accepted but unused.
type Iterator interface {
	SeekToFirst()
	SeekToLast()
	Seek(key []byte)
	Next()
	Prev()
	Valid() bool
	Key() []byte
	Value() []byte
	Status() error
	Close()
}

// Snapshot pins a version of the keyspace for later iteration or Get.
type Snapshot interface {
	// Seq is the monotonically increasing sequence number of the last
	// batch committed at or before the time the snapshot was taken.
	Seq() uint64
}

// KV is the ordered KV store contract the record store is layered on.
type KV interface {
	Get(key []byte) ([]byte, bool, error)
	NewIterator(prefix []byte, oplogMode bool) Iterator
	NewSnapshotIterator(prefix []byte, snap Snapshot, oplogMode bool) Iterator
	NewSnapshot() Snapshot
	NewWriteBatch() *WriteBatch
	CompactRange(begin, end []byte) error
	Sync() error
	Close() error
}

type snapshot struct {
	seq  uint64
	tree *btree.BTree
}

func (s *snapshot) Seq() uint64 { return s.seq }

// Engine is the concrete, file-backed implementation.
type Engine struct {
	mu   sync.Mutex // serializes writers; readers go through atomic.Value
	tree atomic.Value // holds *btree.BTree, the current committed version

	seq uint64 // atomic, bumped once per committed batch

	dirPath string
	log     *segment
	locker  fio.FileLocker
}

var _ KV = (*Engine)(nil)

// Open opens (or creates) an engine rooted at dirPath, replaying its log
// to rebuild the in-memory index.
func Open(dirPath string) (*Engine, error) {
	if err := ensureDir(dirPath); err != nil {
		return nil, err
	}

	locker := fio.NewFlock(dirPath)
	locked, err := locker.TryLock()
	if err != nil {
		return nil, fmt.Errorf("engine: acquire dir lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("engine: %s is already in use by another engine instance", dirPath)
	}

	log, err := openSegment(filepath.Join(dirPath, "000000000.log"))
	if err != nil {
		_ = locker.Unlock()
		return nil, err
	}

	e := &Engine{
		dirPath: dirPath,
		log:     log,
		locker:  locker,
	}
	e.tree.Store(btree.New(btreeDegree))

	if err := e.replay(); err != nil {
		_ = log.Close()
		_ = locker.Unlock()
		return nil, err
	}

	return e, nil
}

func (e *Engine) replay() error {
	records, err := e.log.readAll()
	if err != nil {
		return err
	}
	tree := e.tree.Load().(*btree.BTree).Clone()
	for _, r := range records {
		if r.IsDelete {
			tree.Delete(&item{key: r.Key})
		} else {
			tree.ReplaceOrInsert(&item{key: r.Key, value: r.Value})
		}
	}
	e.tree.Store(tree)
	return nil
}

func (e *Engine) currentTree() *btree.BTree {
	return e.tree.Load().(*btree.BTree)
}

func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	tree := e.currentTree()
	found := tree.Get(&item{key: key})
	if found == nil {
		return nil, false, nil
	}
	return found.(*item).value, true, nil
}

func (e *Engine) NewIterator(prefix []byte, oplogMode bool) Iterator {
	return newBTreeIterator(e.currentTree(), prefix)
}

func (e *Engine) NewSnapshotIterator(prefix []byte, snap Snapshot, oplogMode bool) Iterator {
	s, ok := snap.(*snapshot)
	if !ok || s == nil {
		return e.NewIterator(prefix, oplogMode)
	}
	return newBTreeIterator(s.tree, prefix)
}

func (e *Engine) NewSnapshot() Snapshot {
	return &snapshot{seq: atomic.LoadUint64(&e.seq), tree: e.currentTree()}
}

func (e *Engine) NewWriteBatch() *WriteBatch {
	return &WriteBatch{engine: e, pendingWrites: make(map[string]*pendingOp)}
}

// CompactRange rewrites the log from the current index, dropping
// superseded and deleted entries; keys outside [begin, end] are kept
// untouched in the index but still rewritten (the engine keeps one log
// per store, so a sub-range compaction still has to preserve the rest
// of the keyspace). This mirrors merge.go's doMerge at the mechanism
// level: snapshot, rewrite live data into a fresh segment, swap it in.
func (e *Engine) CompactRange(begin, end []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tree := e.currentTree()
	newLog, err := openSegment(filepath.Join(e.dirPath, "000000000.log.compacting"))
	if err != nil {
		return err
	}

	var writeErr error
	tree.Ascend(func(it btree.Item) bool {
		rec := it.(*item)
		if err := newLog.append(logRecord{Key: rec.key, Value: rec.value}); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		_ = newLog.Close()
		return writeErr
	}
	if err := newLog.Sync(); err != nil {
		_ = newLog.Close()
		return err
	}

	oldLog := e.log
	if err := newLog.renameOver(oldLog.path); err != nil {
		_ = newLog.Close()
		return err
	}
	_ = oldLog.Close()

	replaced, err := openSegment(oldLog.path)
	if err != nil {
		return err
	}
	e.log = replaced
	return nil
}

// Sync flushes the log to stable storage. Durability beyond what each
// WriteBatch.Commit already syncs is the caller's concern (see the
// durability package); this just exposes the underlying fsync.
func (e *Engine) Sync() error {
	return e.log.Sync()
}

func (e *Engine) Close() error {
	err := e.log.Close()
	if unlockErr := e.locker.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// item is the btree.Item stored in the index: the whole keyspace is one
// ordered set of (key, value) pairs, compared byte-lexicographically.
type item struct {
	key   []byte
	value []byte
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}
