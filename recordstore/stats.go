package recordstore

import (
	"log"
	"sync/atomic"

	"github.com/cqkv/recordstore/model"
	"github.com/cqkv/recordstore/recovery"
)

// ValidateAdaptor is the caller-supplied per-record checker Validate
// invokes for every record it walks. dataSize is the size the caller
// wants counted toward the repaired total — usually len(data), but a
// BSON-aware caller (out of scope here) might report a different
// on-disk width.
type ValidateAdaptor interface {
	Validate(id model.RecordId, data []byte) (dataSize int, err error)
}

// ValidateResults summarizes a Validate scan: Valid is false as soon as
// the first invalid record is seen, but the scan keeps going so Invalid
// ends up with the total count rather than stopping at the first one.
type ValidateResults struct {
	Valid      bool
	Invalid    int64
	NumRecords int64
	Errors     []string
}

// Validate walks every record in id order, invoking adaptor.Validate on
// each, and repairs the persisted counters if the scan's own totals
// disagree with them and every record validated cleanly. Grounded on
// rocks_record_store.cpp::validate; the only caller of
// UpdateStatsAfterRepair that spec.md itself never wires up.
func (s *Store) Validate(ru *recovery.Unit, adaptor ValidateAdaptor) (*ValidateResults, error) {
	results := &ValidateResults{Valid: true}

	var nrecords, dataSizeTotal int64
	cur := NewCursor(s, ru, true, model.NullRecordID)
	defer cur.Detach()
	for {
		id, data, ok := cur.Next()
		if !ok {
			break
		}
		nrecords++
		size, err := adaptor.Validate(id, data)
		if err != nil {
			if results.Valid {
				results.Errors = append(results.Errors, "detected one or more invalid documents (see logs)")
			}
			results.Invalid++
			results.Valid = false
			log.Printf("recordstore: document at id %d is corrupted: %v", id, err)
		}
		dataSizeTotal += int64(size)
	}
	results.NumRecords = nrecords

	if results.Valid {
		storedNumRecords := atomic.LoadInt64(&s.numRecords)
		storedDataSize := atomic.LoadInt64(&s.dataSize)
		if nrecords != storedNumRecords || dataSizeTotal != storedDataSize {
			if err := s.UpdateStatsAfterRepair(ru, nrecords, dataSizeTotal); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// StorageSize reports dataSize rounded down to a 256-byte multiple,
// floored at 256 — grounded on storageSize's "make it a multiple of
// 256" comment, preserved verbatim for compatibility with callers that
// expect that rounding.
func (s *Store) StorageSize() int64 {
	size := atomic.LoadInt64(&s.dataSize) &^ 255
	if size < 256 {
		return 256
	}
	return size
}

// CustomStats is the plain-Go-struct stand-in for appendCustomStats'
// BSON builder: BSON output is out of scope (SPEC_FULL.md §1), but the
// underlying capped/max/maxSize reporting is not.
type CustomStats struct {
	Capped  bool
	Max     int64
	MaxSize int64
}

// AppendCustomStats reports this store's capped configuration, scaling
// MaxSize the same way appendCustomStats scales maxSize by its caller's
// unit divisor (e.g. 1024 for KB).
func (s *Store) AppendCustomStats(scale int64) CustomStats {
	if scale <= 0 {
		scale = 1
	}
	stats := CustomStats{Capped: s.isCapped}
	if s.isCapped {
		stats.Max = s.cappedMaxDocs
		stats.MaxSize = s.cappedMaxSize / scale
	}
	return stats
}

// UpdateCappedSize resizes this store's cap and recomputes its slack, a
// capped-collection admin operation grounded on updateCappedSize. It is
// a no-op if cappedSize already matches. Like the original, this
// assumes the caller holds whatever exclusive lock serializes
// collection-level admin commands against concurrent writers; it does
// not itself synchronize against cappedDeleteAsNeeded's unguarded reads
// of cappedMaxSize/cappedMaxSizeSlack.
func (s *Store) UpdateCappedSize(cappedSize int64) error {
	if !s.isCapped {
		return addPrefix("updateCappedSize: store is not capped")
	}
	if s.cappedMaxSize == cappedSize {
		return nil
	}
	s.cappedMaxSize = cappedSize
	s.cappedMaxSizeSlack = cappedMaxSizeSlack(cappedSize)
	return nil
}
