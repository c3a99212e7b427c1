// Package model holds the data types shared across the record store:
// record identifiers and the records they address.
package model

import "math"

// RecordId is a signed 64-bit identifier of a record. Live records are
// strictly positive. The zero value is the "null" id used as a sentinel
// for "no record" (mirroring the default-constructed RecordId() upstream).
type RecordId int64

// NullRecordID is the sentinel for "no record."
const NullRecordID RecordId = 0

// MinRecordID and MaxRecordID compare below/above all live ids.
const (
	MinRecordID RecordId = math.MinInt64
	MaxRecordID RecordId = math.MaxInt64
)

// IsNull reports whether id is the null sentinel.
func (id RecordId) IsNull() bool {
	return id == NullRecordID
}

// Record is a variable-length opaque payload addressed by id.
type Record struct {
	ID   RecordId
	Data []byte
}

// RecordData is a read-side view of a record's payload. Valid is false
// when the key was not found. Store.FindRecord and Store.DataFor return
// the payload and a found flag directly rather than this type.
type RecordData struct {
	Data  []byte
	Valid bool
}
