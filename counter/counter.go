// Package counter persists the two running totals every record store
// keeps: number of records and total data size. Both live as plain
// int64 values under fixed keys in the same keyspace as record data,
// the same way the teacher's keydir.Keydir treats a position record as
// just another key/value pair rather than carving out separate
// metadata storage.
package counter

import (
	"encoding/binary"

	"github.com/cqkv/recordstore/engine"
)

const (
	dataSizeKeyPrefix   = "\x00\x00\x00\x00datasize-"
	numRecordsKeyPrefix = "\x00\x00\x00\x00numrecords-"
)

// DataSizeKey and NumRecordsKey return the persisted counter keys for
// a given store ident.
func DataSizeKey(ident string) []byte   { return []byte(dataSizeKeyPrefix + ident) }
func NumRecordsKey(ident string) []byte { return []byte(numRecordsKeyPrefix + ident) }

// Manager loads and persists the numRecords/dataSize pair for one
// store ident.
type Manager struct {
	kv    engine.KV
	ident string
}

func New(kv engine.KV, ident string) *Manager {
	return &Manager{kv: kv, ident: ident}
}

// LoadCounter reads a single counter key, returning 0 if absent and
// clamping any persisted negative value to 0 — a negative counter can
// only be evidence of a prior bug or crash mid-decrement, never a
// legitimate count.
func (m *Manager) LoadCounter(key []byte) (int64, error) {
	val, ok, err := m.kv.Get(key)
	if err != nil {
		return 0, err
	}
	if !ok || len(val) < 8 {
		return 0, nil
	}
	n := int64(binary.BigEndian.Uint64(val))
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// LoadNumRecords and LoadDataSize are convenience wrappers around
// LoadCounter for this manager's ident.
func (m *Manager) LoadNumRecords() (int64, error) { return m.LoadCounter(NumRecordsKey(m.ident)) }
func (m *Manager) LoadDataSize() (int64, error)   { return m.LoadCounter(DataSizeKey(m.ident)) }

// UpdateCounter writes value into the given write batch under key; it
// is persisted when that batch commits, together with whatever else
// the batch holds.
func (m *Manager) UpdateCounter(batch *engine.WriteBatch, key []byte, value int64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	batch.Put(key, buf)
}

// UpdateNumRecords and UpdateDataSize are convenience wrappers around
// UpdateCounter for this manager's ident.
func (m *Manager) UpdateNumRecords(batch *engine.WriteBatch, value int64) {
	m.UpdateCounter(batch, NumRecordsKey(m.ident), value)
}

func (m *Manager) UpdateDataSize(batch *engine.WriteBatch, value int64) {
	m.UpdateCounter(batch, DataSizeKey(m.ident), value)
}
