package recordstore

import (
	"github.com/cqkv/recordstore/codec"
	"github.com/cqkv/recordstore/engine"
	"github.com/cqkv/recordstore/model"
	"github.com/cqkv/recordstore/recovery"
)

// Cursor is a snapshot-consistent iterator over a Store, filtering out
// any record currently capped-hidden from a forward reader.
type Cursor struct {
	store   *Store
	ru      *recovery.Unit
	forward bool

	snapSeq uint64
	it      engine.Iterator

	lastLoc model.RecordId
	eof     bool

	needFirstSeek   bool
	skipNextAdvance bool

	readUntilForOplog model.RecordId // 0 (null) when not an oplog fast path
}

// NewCursor opens a cursor over store bound to ru's snapshot, in the
// given direction. If startID is non-null and the store is in oplog
// mode, the fast path primes the cursor at startID instead of
// beginning a full forward scan.
func NewCursor(store *Store, ru *recovery.Unit, forward bool, startID model.RecordId) *Cursor {
	c := &Cursor{
		store:   store,
		ru:      ru,
		forward: forward,
	}
	c.snapSeq = ru.Snapshot().Seq()

	if store.isOplog {
		c.readUntilForOplog = store.vis.OplogStartHack()
	}

	if !startID.IsNull() && !c.readUntilForOplog.IsNull() {
		c.lastLoc = startID
		c.openIterator()
		c.positionIterator()
		c.skipNextAdvance = true
	} else {
		c.needFirstSeek = true
	}
	return c
}

func (c *Cursor) openIterator() {
	if c.it != nil {
		c.it.Close()
	}
	c.it = c.store.kv.NewSnapshotIterator(c.store.prefix, c.ru.Snapshot(), c.store.isOplog)
}

// Next advances the cursor and returns the record now under it, or
// ok=false at end of stream.
func (c *Cursor) Next() (id model.RecordId, data []byte, ok bool) {
	if c.eof {
		return 0, nil, false
	}
	if c.it == nil {
		c.openIterator()
	}

	if c.needFirstSeek {
		c.needFirstSeek = false
		if c.forward {
			c.it.SeekToFirst()
		} else {
			c.it.SeekToLast()
		}
	} else if !c.skipNextAdvance {
		if c.forward {
			c.it.Next()
		} else {
			c.it.Prev()
		}
	}
	c.skipNextAdvance = false

	return c.curr()
}

func (c *Cursor) curr() (id model.RecordId, data []byte, ok bool) {
	if !c.it.Valid() {
		c.eof = true
		return 0, nil, false
	}

	decoded, err := codec.DecodeID(c.it.Key(), len(c.store.prefix))
	if err != nil {
		c.eof = true
		return 0, nil, false
	}
	c.lastLoc = decoded

	// Forward capped filter: a reverse cursor walks strictly older
	// records and never needs to stop at a hidden/not-yet-visible id.
	if c.store.isOplog && c.forward {
		if c.lastLoc > c.readUntilForOplog ||
			(c.lastLoc == c.readUntilForOplog && c.store.vis.IsCappedHidden(c.lastLoc)) {
			c.eof = true
			return 0, nil, false
		}
	} else if c.store.isCapped && c.forward {
		if c.store.vis.IsCappedHidden(c.lastLoc) {
			c.eof = true
			return 0, nil, false
		}
	}

	return c.lastLoc, c.it.Value(), true
}

// SeekExact repositions the cursor directly at id via a point lookup,
// bypassing the iterator entirely.
func (c *Cursor) SeekExact(id model.RecordId) (data []byte, ok bool) {
	if c.it != nil {
		c.it.Close()
		c.it = nil
	}
	c.needFirstSeek = false
	c.skipNextAdvance = false

	val, found, err := c.ru.Get(c.store.key(id))
	if err != nil || !found {
		c.eof = true
		return nil, false
	}
	c.lastLoc = id
	c.eof = false
	return val, true
}

// Save is a no-op: the cursor's snapshot lives on the recovery unit,
// not on the cursor itself.
func (c *Cursor) Save() {}

// SaveUnpositioned drops the underlying iterator without recording a
// position to restore.
func (c *Cursor) SaveUnpositioned() {
	if c.it != nil {
		c.it.Close()
		c.it = nil
	}
}

// Restore re-opens the iterator if the recovery unit's snapshot has
// advanced since construction, then re-seeks to lastLoc. It returns
// false only when the store is capped and the previously observed
// record has since been removed (eof after repositioning).
func (c *Cursor) Restore() bool {
	currentSeq := c.ru.Snapshot().Seq()
	if currentSeq != c.snapSeq {
		c.snapSeq = currentSeq
		c.openIterator()
	} else if c.it == nil {
		c.openIterator()
	}

	c.positionIterator()
	return !(c.store.isCapped && c.eof)
}

// positionIterator re-seeks to lastLoc, matching the direction- and
// mode-aware landing rules a cursor needs after any rebuild.
func (c *Cursor) positionIterator() {
	target := c.store.key(c.lastLoc)
	c.it.Seek(target)

	if c.forward {
		if !c.it.Valid() {
			c.eof = true
			return
		}
		// landed exactly on target, or strictly after it (Seek finds
		// the first key >= target): either way the next call to Next
		// should return what we just landed on, not advance past it.
		c.skipNextAdvance = true
	} else {
		if !c.it.Valid() {
			c.it.SeekToLast()
			c.skipNextAdvance = true
		} else {
			landedID, err := codec.DecodeID(c.it.Key(), len(c.store.prefix))
			if err == nil && landedID > c.lastLoc {
				c.it.Prev()
			}
			c.skipNextAdvance = true
		}
	}

	if !c.it.Valid() {
		c.eof = true
		return
	}
	decoded, err := codec.DecodeID(c.it.Key(), len(c.store.prefix))
	c.eof = err != nil || (c.store.isCapped && decoded != c.lastLoc)
}

// Detach drops the underlying iterator; it is rebuilt lazily on the
// next call that needs one.
func (c *Cursor) Detach() {
	if c.it != nil {
		c.it.Close()
		c.it = nil
	}
}

// Reattach is a no-op marker: detach already leaves the cursor in a
// state where the next Next/Restore call rebuilds the iterator.
func (c *Cursor) Reattach() {}
