// Package recordstore implements a capped/oplog-aware record store
// layered on the ordered engine package: id allocation, visibility
// tracking for capped and oplog collections, retention (capped
// deletion), and snapshot-consistent cursors.
//
// Grounded primarily on _examples/original_source's
// rocks_record_store.cpp, with the ambient construction and error
// style carried from the teacher (cqkv-cqkv's functional options and
// addPrefix-wrapped sentinel errors).
package recordstore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cqkv/recordstore/codec"
	"github.com/cqkv/recordstore/counter"
	"github.com/cqkv/recordstore/engine"
	"github.com/cqkv/recordstore/model"
	"github.com/cqkv/recordstore/oplog"
	"github.com/cqkv/recordstore/recovery"
	"github.com/cqkv/recordstore/visibility"
)

// Oplog compaction triggers: tunable constants inherited from the
// system this store's retention policy is modeled on. Kept as named
// constants so a caller can see at a glance
// what drives a compaction request, even though nothing currently
// overrides them.
const (
	kOplogCompactEveryMins           = 30
	kOplogCompactEveryDeletedRecords = 10000

	// maxDocsPerRetentionSweep bounds a single cappedDeleteAsNeeded call.
	maxDocsPerRetentionSweep = 20000

	// backPressureWait is the try_lock_for window used by the
	// non-exact-cap back-pressure rules in cappedDeleteAsNeeded.
	backPressureWait = 200 * time.Millisecond
)

// Store is the RecordStore facade.
type Store struct {
	kv     engine.KV
	prefix []byte
	ident  string

	isCapped bool
	isOplog  bool

	cappedMaxSize      int64
	cappedMaxDocs      int64 // -1 means uncapped doc count
	cappedMaxSizeSlack int64

	nextIdNum  int64 // atomic
	numRecords int64 // atomic
	dataSize   int64 // atomic

	retentionMu         sync.Mutex
	cappedOldestKeyHint model.RecordId
	lastCompactionTime  time.Time

	hasBackgroundThread bool
	cappedDeleterMutex  *timedMutex

	cappedCallbackMu sync.Mutex
	cappedCallback   CappedCallback

	shuttingDown atomic.Bool

	extractOplogKey func([]byte) (model.RecordId, error)
	scheduler       CompactionScheduler

	tracker    *oplog.Tracker
	vis        *visibility.Manager
	counters   *counter.Manager
	durability *durabilityManager
}

// Open constructs a Store over kv, replaying its id high-water mark
// from the existing keyspace and loading its persisted counters.
func Open(kv engine.KV, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(o)
	}
	if len(o.prefix) == 0 {
		return nil, addPrefix("WithPrefix is required")
	}

	s := &Store{
		kv:                  kv,
		prefix:              o.prefix,
		ident:               o.resolveIdent(),
		isCapped:            o.isCapped,
		isOplog:             o.isOplog,
		cappedMaxSize:       o.cappedMaxSize,
		cappedMaxDocs:       o.cappedMaxDocs,
		hasBackgroundThread: o.hasBackgroundThread,
		cappedDeleterMutex:  newTimedMutex(),
		extractOplogKey:     wrapExtractOplogKey(o.extractOplogKey),
		scheduler:           o.scheduler,
		cappedCallback:      o.callback,
	}
	if s.isCapped {
		s.cappedMaxSizeSlack = cappedMaxSizeSlack(s.cappedMaxSize)
	}

	lastID, err := s.scanMaxID()
	if err != nil {
		return nil, wrapErr("open: scan max id", err)
	}
	if lastID.IsNull() {
		atomic.StoreInt64(&s.nextIdNum, 1)
	} else {
		atomic.StoreInt64(&s.nextIdNum, int64(lastID)+1)
	}

	s.counters = counter.New(kv, s.ident)
	numRecords, err := s.counters.LoadNumRecords()
	if err != nil {
		return nil, wrapErr("open: load numRecords", err)
	}
	dataSize, err := s.counters.LoadDataSize()
	if err != nil {
		return nil, wrapErr("open: load dataSize", err)
	}
	atomic.StoreInt64(&s.numRecords, numRecords)
	atomic.StoreInt64(&s.dataSize, dataSize)

	if s.isOplog {
		s.tracker = oplog.New(s.prefix)
	}
	if s.isCapped {
		s.durability = newDurabilityManager(kv, o.durabilityInterval)
		s.durability.Start()

		var cb visibility.CappedCallback
		if s.cappedCallback != nil {
			cb = s.cappedCallback
		}
		s.vis = visibility.New(s.isOplog, s.durability, cb)
		s.vis.Start()
		if !lastID.IsNull() {
			s.vis.SetHighestSeen(lastID)
		}
	}

	return s, nil
}

func wrapExtractOplogKey(fn func([]byte) (int64, error)) func([]byte) (model.RecordId, error) {
	if fn == nil {
		return nil
	}
	return func(b []byte) (model.RecordId, error) {
		id, err := fn(b)
		return model.RecordId(id), err
	}
}

// scanMaxID finds the largest id currently stored under this store's
// prefix, used at construction to seed nextIdNum and highestSeen.
func (s *Store) scanMaxID() (model.RecordId, error) {
	it := s.kv.NewIterator(s.prefix, false)
	defer it.Close()
	it.SeekToLast()
	if !it.Valid() {
		return model.NullRecordID, it.Status()
	}
	return codec.DecodeID(it.Key(), len(s.prefix))
}

// Close joins the oplog journal goroutine (if any) and stops the
// durability manager, and must be called exactly once.
func (s *Store) Close() {
	s.shuttingDown.Store(true)
	if s.vis != nil {
		s.vis.Join()
	}
	if s.durability != nil {
		s.durability.Stop()
	}
}

// NewRecoveryUnit opens a fresh per-operation recovery unit over this
// store's engine.
func (s *Store) NewRecoveryUnit() *recovery.Unit {
	return recovery.New(s.kv)
}

func (s *Store) key(id model.RecordId) []byte {
	return codec.EncodeKey(s.prefix, id)
}

func (s *Store) nextID() model.RecordId {
	return model.RecordId(atomic.AddInt64(&s.nextIdNum, 1) - 1)
}

// InsertRecord inserts data, allocating or extracting its id according
// to the store's mode, and triggers retention afterward.
func (s *Store) InsertRecord(ru *recovery.Unit, data []byte) (model.RecordId, error) {
	if s.isCapped && int64(len(data)) > s.cappedMaxSize {
		return 0, ErrBadValue
	}

	var id model.RecordId
	var err error
	switch {
	case s.isOplog:
		id, err = s.extractOplogKey(data)
		if err != nil {
			return 0, wrapErr("insertRecord: extract oplog key", err)
		}
		s.vis.UpdateHighestSeen(id)
		s.vis.AddUncommitted(ru, id)
	case s.isCapped:
		id = s.vis.GetNextAndAddUncommitted(ru, s.nextID)
	default:
		id = s.nextID()
	}

	ru.WriteBatch().Put(s.key(id), data)
	if s.isOplog {
		s.tracker.InsertKey(ru, id, uint32(len(data)))
	}

	s.accountInsert(ru, int64(len(data)))

	if _, err := s.cappedDeleteAsNeeded(ru, id); err != nil {
		return 0, err
	}
	return id, nil
}

// InsertRecords is a batch convenience wrapper: every record is
// inserted against the same recovery unit, so either all of them
// become visible together on commit or none do.
func (s *Store) InsertRecords(ru *recovery.Unit, datas [][]byte) ([]model.RecordId, error) {
	ids := make([]model.RecordId, 0, len(datas))
	for _, data := range datas {
		id, err := s.InsertRecord(ru, data)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// OplogDiskLocRegister pre-reserves visibility bookkeeping for an
// oplog id derived externally (e.g. by the replication-apply path)
// rather than extracted from a payload by InsertRecord.
func (s *Store) OplogDiskLocRegister(ru *recovery.Unit, id model.RecordId) {
	s.vis.UpdateHighestSeen(id)
	s.vis.AddUncommitted(ru, id)
}

// UpdateRecord overwrites the value stored at id.
func (s *Store) UpdateRecord(ru *recovery.Unit, id model.RecordId, data []byte) error {
	key := s.key(id)
	if !ru.RegisterWrite(key) {
		return ErrWriteConflict
	}
	old, ok, err := ru.Get(key)
	if err != nil {
		return wrapErr("updateRecord: get", err)
	}
	if !ok {
		return ErrNotFound
	}

	ru.WriteBatch().Put(key, data)
	if s.isOplog {
		s.tracker.InsertKey(ru, id, uint32(len(data)))
	}
	s.accountDelta(ru, int64(len(data))-int64(len(old)))

	_, err = s.cappedDeleteAsNeeded(ru, id)
	return err
}

// DeleteRecord removes the record at id.
func (s *Store) DeleteRecord(ru *recovery.Unit, id model.RecordId) error {
	key := s.key(id)
	if !ru.RegisterWrite(key) {
		return ErrWriteConflict
	}
	old, ok, err := ru.Get(key)
	if err != nil {
		return wrapErr("deleteRecord: get", err)
	}
	if !ok {
		return ErrNotFound
	}

	ru.WriteBatch().Delete(key)
	if s.isOplog {
		s.tracker.DeleteKey(ru, id)
	}
	s.accountDataSize(ru, -int64(len(old)))
	s.accountRecordCount(ru, -1)
	return nil
}

// Truncate deletes every record under this store's prefix,
// visibility-ignoring (it is meant for whole-collection resets, not a
// path any cursor observes mid-flight).
func (s *Store) Truncate(ru *recovery.Unit) error {
	it := s.kv.NewIterator(s.prefix, s.isOplog)
	defer it.Close()

	for it.SeekToFirst(); it.Valid(); it.Next() {
		id, err := codec.DecodeID(it.Key(), len(s.prefix))
		if err != nil {
			return wrapErr("truncate: decode id", err)
		}
		if err := s.DeleteRecord(ru, id); err != nil && err != ErrWriteConflict {
			return err
		}
	}
	return it.Status()
}

// Compact issues a full-range compaction over this store's prefix.
func (s *Store) Compact() error {
	return s.kv.CompactRange(s.key(model.MinRecordID), s.key(model.MaxRecordID))
}

// CappedTruncateAfter removes every record with id beyond end (or at
// end too, if inclusive), invoking the capped callback's pre-delete
// hook for each, and rewinds highestSeen to the last kept id.
func (s *Store) CappedTruncateAfter(ru *recovery.Unit, end model.RecordId, inclusive bool) error {
	lastKept := end
	if inclusive {
		rev := s.kv.NewIterator(s.prefix, s.isOplog)
		defer rev.Close()
		rev.Seek(s.key(end))
		rev.Prev()
		if rev.Valid() {
			id, err := codec.DecodeID(rev.Key(), len(s.prefix))
			if err != nil {
				return wrapErr("cappedTruncateAfter: decode id", err)
			}
			lastKept = id
		} else {
			lastKept = model.NullRecordID
		}
	}

	it := s.kv.NewIterator(s.prefix, s.isOplog)
	defer it.Close()
	it.Seek(s.key(end))

	removed := false
	for it.Valid() {
		id, err := codec.DecodeID(it.Key(), len(s.prefix))
		if err != nil {
			return wrapErr("cappedTruncateAfter: decode id", err)
		}
		if id < end || (id == end && !inclusive) {
			it.Next()
			continue
		}

		if s.cappedCallback != nil {
			s.cappedCallbackMu.Lock()
			cbErr := s.cappedCallback.AboutToDeleteCapped(id, it.Value())
			s.cappedCallbackMu.Unlock()
			if cbErr != nil {
				return wrapErr("cappedTruncateAfter: about to delete", cbErr)
			}
		}
		if err := s.DeleteRecord(ru, id); err != nil && err != ErrWriteConflict {
			return err
		}
		removed = true
		it.Next()
	}

	if removed && s.vis != nil {
		s.vis.SetHighestSeen(lastKept)
	}
	return ru.Commit()
}

// FindRecord returns the record at id, or ok=false if absent.
func (s *Store) FindRecord(ru *recovery.Unit, id model.RecordId) (data []byte, ok bool, err error) {
	return ru.Get(s.key(id))
}

// DataFor returns the record at id and asserts it is present.
func (s *Store) DataFor(ru *recovery.Unit, id model.RecordId) ([]byte, error) {
	data, ok, err := s.FindRecord(ru, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// OplogStartHack seeks the tracker to startingPosition and returns the
// id a reader may safely start from.
func (s *Store) OplogStartHack(startingPosition model.RecordId) model.RecordId {
	ru := s.NewRecoveryUnit()
	it := s.tracker.NewIterator(ru)
	defer it.Close()

	it.Seek(codec.EncodeKey(s.tracker.ShadowPrefix(), startingPosition))
	if !it.Valid() {
		it.SeekToLast()
		if !it.Valid() {
			return model.NullRecordID
		}
		id, err := codec.DecodeID(it.Key(), len(s.tracker.ShadowPrefix()))
		if err != nil {
			return model.NullRecordID
		}
		return id
	}

	id, err := codec.DecodeID(it.Key(), len(s.tracker.ShadowPrefix()))
	if err != nil {
		return model.NullRecordID
	}
	if id > startingPosition {
		it.Prev()
		if !it.Valid() {
			return model.NullRecordID
		}
		id, err = codec.DecodeID(it.Key(), len(s.tracker.ShadowPrefix()))
		if err != nil {
			return model.NullRecordID
		}
	}
	return id
}

// UpdateStatsAfterRepair discards any pending per-operation deltas on
// ru, overwrites the live atomics directly, and persists the new
// totals durably. Counter-write failures after a repair are treated
// as fatal: there is no sensible way to continue serving a store whose
// on-disk counters we just tried and failed to fix.
func (s *Store) UpdateStatsAfterRepair(ru *recovery.Unit, numRecords, dataSize int64) error {
	ru.ResetDeltaCounters()
	atomic.StoreInt64(&s.numRecords, numRecords)
	atomic.StoreInt64(&s.dataSize, dataSize)

	batch := ru.WriteBatch()
	s.counters.UpdateNumRecords(batch, numRecords)
	s.counters.UpdateDataSize(batch, dataSize)
	if err := ru.Commit(); err != nil {
		panic(wrapErr("updateStatsAfterRepair: persist counters", err))
	}
	return nil
}

func (s *Store) accountInsert(ru *recovery.Unit, deltaSize int64) {
	s.accountRecordCount(ru, 1)
	s.accountDataSize(ru, deltaSize)
}

func (s *Store) accountDelta(ru *recovery.Unit, deltaSize int64) {
	s.accountDataSize(ru, deltaSize)
}

func (s *Store) accountRecordCount(ru *recovery.Unit, delta int64) {
	ru.IncrementCounter("numRecords", &s.numRecords, delta)
}

func (s *Store) accountDataSize(ru *recovery.Unit, delta int64) {
	ru.IncrementCounter("dataSize", &s.dataSize, delta)
}
