package engine

import (
	"bytes"

	"github.com/google/btree"
)

// btreeIterator is an ordered, prefix-bounded cursor over a snapshot of
// the index. It buffers the matching keys up front rather than walking
// the tree lazily: the teacher's keydir.BTree iterator does the same
// (collects into a slice via Ascend, then indexes through it), which
// also sidesteps btree.BTree's lack of a bidirectional live cursor.
type btreeIterator struct {
	items []*item
	pos   int
	err   error
}

func newBTreeIterator(tree *btree.BTree, prefix []byte) *btreeIterator {
	it := &btreeIterator{}
	if tree == nil {
		return it
	}

	collect := func(bi btree.Item) bool {
		rec := bi.(*item)
		if len(prefix) > 0 && !bytes.HasPrefix(rec.key, prefix) {
			return false
		}
		it.items = append(it.items, rec)
		return true
	}

	if len(prefix) == 0 {
		tree.Ascend(collect)
	} else {
		tree.AscendGreaterOrEqual(&item{key: prefix}, collect)
	}
	return it
}

func (it *btreeIterator) SeekToFirst() { it.pos = 0 }

func (it *btreeIterator) SeekToLast() { it.pos = len(it.items) - 1 }

func (it *btreeIterator) Seek(key []byte) {
	lo, hi := 0, len(it.items)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(it.items[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.pos = lo
}

func (it *btreeIterator) Next() { it.pos++ }

func (it *btreeIterator) Prev() { it.pos-- }

func (it *btreeIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.items)
}

func (it *btreeIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.items[it.pos].key
}

func (it *btreeIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.items[it.pos].value
}

func (it *btreeIterator) Status() error { return it.err }

func (it *btreeIterator) Close() {}
