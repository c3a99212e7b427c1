package recordstore

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/cqkv/recordstore/codec"
	"github.com/cqkv/recordstore/model"
	"github.com/cqkv/recordstore/recovery"
)

// cappedAndNeedDelete reports whether dataSize or numRecords, after
// applying the given deltas, would exceed this store's caps.
func (s *Store) cappedAndNeedDelete(deltaDataSize, deltaNumRecords int64) bool {
	if !s.isCapped {
		return false
	}
	if atomic.LoadInt64(&s.dataSize)+deltaDataSize > s.cappedMaxSize {
		return true
	}
	if s.cappedMaxDocs != -1 && atomic.LoadInt64(&s.numRecords)+deltaNumRecords > s.cappedMaxDocs {
		return true
	}
	return false
}

// withSubUnit runs fn against a freshly created sub-recovery-unit,
// restoring the caller's unit unconditionally on every exit path — the
// Go analogue of the original's "swap the context's RU aside, restore
// via RAII" pattern, done here with a plain defer.
func withSubUnit(ctxRU **recovery.Unit, fn func(sub *recovery.Unit) error) error {
	original := *ctxRU
	sub := original.NewRocksRecoveryUnit()
	*ctxRU = sub
	defer func() { *ctxRU = original }()
	return fn(sub)
}

// cappedDeleteAsNeeded implements the retention contention policy from
// SPEC_FULL.md §4.5: it decides, possibly after waiting on
// cappedDeleterMutex, whether this call is the one that actually runs
// the inner sweep, and returns however many documents that sweep
// removed (0 if none ran).
func (s *Store) cappedDeleteAsNeeded(ru *recovery.Unit, justInserted model.RecordId) (int, error) {
	if !s.isCapped {
		return 0, nil
	}

	deltaSize := ru.GetDeltaCounter("dataSize")
	deltaDocs := ru.GetDeltaCounter("numRecords")
	if !s.cappedAndNeedDelete(deltaSize, deltaDocs) {
		return 0, nil
	}

	over := atomic.LoadInt64(&s.dataSize) + deltaSize - s.cappedMaxSize
	slack := s.cappedMaxSizeSlack

	switch {
	case s.cappedMaxDocs != -1:
		s.cappedDeleterMutex.Lock()
	case s.hasBackgroundThread:
		if over < slack {
			return 0, nil
		}
		// A background deleter owns this store: the foreground caller
		// never runs the sweep itself, win or lose the try-lock. It
		// only ever waits here to exert back-pressure, so release
		// immediately if the wait happens to land the lock.
		if s.cappedDeleterMutex.TryLockFor(backPressureWait) {
			s.cappedDeleterMutex.Unlock()
		}
		return 0, nil
	default:
		if !s.cappedDeleterMutex.TryLock() {
			if over < slack {
				return 0, nil
			}
			// Wait up to backPressureWait trying to land the lock, then
			// re-read over: the original gives up entirely rather than
			// blocking indefinitely if still contended afterward.
			locked := s.cappedDeleterMutex.TryLockFor(backPressureWait)
			over = atomic.LoadInt64(&s.dataSize) + deltaSize - s.cappedMaxSize
			if over < 2*slack {
				if locked {
					s.cappedDeleterMutex.Unlock()
				}
				return 0, nil
			}
			if !locked {
				return 0, nil
			}
		}
	}
	defer s.cappedDeleterMutex.Unlock()

	return s.cappedRetentionSweep(ru, justInserted, deltaSize, deltaDocs)
}

// cappedRetentionSweep is the inner sweep (`_inlock` in the original):
// it runs in its own recovery unit, deletes at most
// maxDocsPerRetentionSweep documents, and never deletes a record the
// visibility manager still considers hidden.
// baselineSize and baselineDocs are the triggering caller's own
// not-yet-committed deltas (e.g. the record it just inserted): the
// sweep must count them toward "still over cap" even though they
// haven't reached s.dataSize/s.numRecords yet.
func (s *Store) cappedRetentionSweep(ru *recovery.Unit, justInserted model.RecordId, baselineSize, baselineDocs int64) (removedCount int, err error) {
	ruPtr := &ru
	err = withSubUnit(ruPtr, func(sub *recovery.Unit) error {
		var it interface {
			SeekToFirst()
			Valid() bool
			Key() []byte
			Value() []byte
			Next()
			Status() error
			Close()
		}
		if s.isOplog {
			it = s.tracker.NewIterator(sub)
		} else {
			it = sub.NewIterator(s.prefix, false)
		}
		defer it.Close()

		s.retentionMu.Lock()
		hint := s.cappedOldestKeyHint
		s.retentionMu.Unlock()

		sweepPrefix := s.prefix
		if s.isOplog {
			sweepPrefix = s.tracker.ShadowPrefix()
		}

		if hint.IsNull() {
			it.SeekToFirst()
		} else {
			it.(seeker).Seek(codec.EncodeKey(sweepPrefix, hint))
		}

		removed := 0
		var lastKey []byte
		for it.Valid() && removed < maxDocsPerRetentionSweep {
			if !s.cappedAndNeedDelete(baselineSize+sub.GetDeltaCounter("dataSize"), baselineDocs+sub.GetDeltaCounter("numRecords")) {
				break
			}

			id, decErr := codec.DecodeID(it.Key(), len(sweepPrefix))
			if decErr != nil {
				return wrapErr("cappedRetentionSweep: decode id", decErr)
			}

			if s.vis != nil && s.vis.IsCappedHidden(id) {
				break
			}
			if id >= justInserted {
				break
			}
			if s.shuttingDown.Load() {
				break
			}

			mainKey := s.key(id)
			if !sub.RegisterWrite(mainKey) {
				log.Printf("recordstore: retention sweep write conflict at id %d, stopping sweep", id)
				break
			}

			var size int64
			if s.isOplog {
				sz, sizeErr := s.tracker.DecodeSize(it.Value())
				if sizeErr != nil {
					return wrapErr("cappedRetentionSweep: decode size", sizeErr)
				}
				size = int64(sz)
			} else {
				size = int64(len(it.Value()))
			}

			if s.cappedCallback != nil {
				var payload []byte
				if !s.isOplog {
					payload = it.Value()
				}
				s.cappedCallbackMu.Lock()
				cbErr := s.cappedCallback.AboutToDeleteCapped(id, payload)
				s.cappedCallbackMu.Unlock()
				if cbErr != nil {
					return wrapErr("cappedRetentionSweep: about to delete", cbErr)
				}
			}

			sub.WriteBatch().Delete(mainKey)
			if s.isOplog {
				s.tracker.DeleteKey(sub, id)
			}
			s.accountDataSize(sub, -size)
			s.accountRecordCount(sub, -1)

			removed++
			lastKey = append([]byte(nil), it.Key()...)
			it.Next()
		}

		if removed > 0 {
			if err := sub.Commit(); err != nil {
				return err
			}
			removedCount = removed
		}

		if lastKey != nil {
			if id, decErr := codec.DecodeID(lastKey, len(sweepPrefix)); decErr == nil {
				if s.vis == nil || !s.vis.IsCappedHidden(id) {
					s.retentionMu.Lock()
					s.cappedOldestKeyHint = id
					s.retentionMu.Unlock()
				}
			}
		}

		if s.isOplog && removed > 0 {
			s.maybeTriggerOplogCompaction()
		}
		return nil
	})
	return removedCount, err
}

// seeker is satisfied by every engine.Iterator and oplog tracker
// iterator this sweep runs over.
type seeker interface {
	Seek(key []byte)
}

// maybeTriggerOplogCompaction asks the scheduler to compact both the
// main and tracker ranges once the sweep has made the store worth
// compacting, either by elapsed time or by accumulated deletes.
func (s *Store) maybeTriggerOplogCompaction() {
	if s.scheduler == nil {
		return
	}

	s.retentionMu.Lock()
	elapsed := time.Since(s.lastCompactionTime)
	s.retentionMu.Unlock()

	deleted := s.tracker.GetDeletedSinceCompaction()
	if elapsed < kOplogCompactEveryMins*time.Minute && deleted < kOplogCompactEveryDeletedRecords {
		return
	}

	s.retentionMu.Lock()
	oldestAlive := s.cappedOldestKeyHint
	s.retentionMu.Unlock()
	if oldestAlive.IsNull() {
		return
	}

	s.scheduler.RequestCompactRange(s.key(model.MinRecordID), s.key(oldestAlive))
	s.scheduler.RequestCompactRange(
		codec.EncodeKey(s.tracker.ShadowPrefix(), model.MinRecordID),
		codec.EncodeKey(s.tracker.ShadowPrefix(), oldestAlive),
	)

	s.retentionMu.Lock()
	s.lastCompactionTime = time.Now()
	s.retentionMu.Unlock()
	s.tracker.ResetDeletedSinceCompaction()
}
