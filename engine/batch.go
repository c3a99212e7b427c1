package engine

import (
	"sync"
	"sync/atomic"
)

// pendingOp is one write buffered in a WriteBatch before Commit.
type pendingOp struct {
	key      []byte
	value    []byte
	isDelete bool
}

// WriteBatch batches a set of puts and deletes into one atomic commit,
// adapted from the teacher's batch.go: the same pendingWrites map keyed
// by the string form of the key, the same lock-protected mutation, the
// same "last write for a key wins" semantics. Unlike the teacher's
// batch, Commit here is durable on return: every op is appended to the
// log before the in-memory index is swapped in.
type WriteBatch struct {
	mu            sync.Mutex
	engine        *Engine
	pendingWrites map[string]*pendingOp
	committed     bool
}

func (b *WriteBatch) Put(key, value []byte) {
	if len(key) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingWrites[string(key)] = &pendingOp{key: key, value: value}
}

func (b *WriteBatch) Delete(key []byte) {
	if len(key) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingWrites[string(key)] = &pendingOp{key: key, isDelete: true}
}

// Commit writes every pending op to the log in one pass, then clones
// the current index, applies the ops to the clone, and atomically
// swaps it in. The engine-wide lock is held for the whole sequence so
// commits serialize and the sequence number they bump stays in step
// with the version of the tree they produce.
func (b *WriteBatch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return nil
	}
	if len(b.pendingWrites) == 0 {
		b.committed = true
		return nil
	}

	e := b.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, op := range b.pendingWrites {
		if err := e.log.append(logRecord{Key: op.key, Value: op.value, IsDelete: op.isDelete}); err != nil {
			return err
		}
	}
	if err := e.log.Sync(); err != nil {
		return err
	}

	tree := e.currentTree().Clone()
	for _, op := range b.pendingWrites {
		if op.isDelete {
			tree.Delete(&item{key: op.key})
		} else {
			tree.ReplaceOrInsert(&item{key: op.key, value: op.value})
		}
	}
	e.tree.Store(tree)
	atomic.AddUint64(&e.seq, 1)

	b.committed = true
	b.pendingWrites = nil
	return nil
}
