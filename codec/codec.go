// Package codec encodes and decodes the record store's keyspace layout:
// (prefix, RecordId) <-> bytes, and the little-endian lengths stored by
// the oplog key tracker.
//
// Layout:
//
//	main key:    prefix || big_endian_i64(id)
//	tracker key: nextPrefix(prefix) || big_endian_i64(id) -> little_endian_u32(len)
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/cqkv/recordstore/model"
)

const idSize = 8

// EncodeKey returns prefix || bigendian64(id).
func EncodeKey(prefix []byte, id model.RecordId) []byte {
	key := make([]byte, len(prefix)+idSize)
	n := copy(key, prefix)
	binary.BigEndian.PutUint64(key[n:], uint64(id))
	return key
}

// DecodeID strips the first prefixLen bytes of key and decodes the
// remaining 8 bytes as a big-endian signed id.
func DecodeID(key []byte, prefixLen int) (model.RecordId, error) {
	idBytes := key[prefixLen:]
	if len(idBytes) != idSize {
		return 0, fmt.Errorf("codec: key has %d id bytes, want %d", len(idBytes), idSize)
	}
	return model.RecordId(binary.BigEndian.Uint64(idBytes)), nil
}

// NextPrefix returns the smallest byte string strictly greater than p
// under lexicographic order: increment the last byte, carrying into
// preceding bytes; if every byte is already 0xFF, append a 0x00.
func NextPrefix(p []byte) []byte {
	next := make([]byte, len(p))
	copy(next, p)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] != 0xFF {
			next[i]++
			for j := i + 1; j < len(next); j++ {
				next[j] = 0x00
			}
			return next
		}
	}
	// every byte was 0xFF: append a zero byte (pppp\x00 > pppp but
	// smaller than any pppp-prefixed key that has a nonzero next byte).
	return append(next, 0x00)
}

// EncodeLength returns the little-endian encoding of n, as stored by the
// oplog key tracker's shadow values.
func EncodeLength(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

// DecodeLength decodes a little-endian uint32 previously produced by EncodeLength.
func DecodeLength(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("codec: length value has %d bytes, want 4", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}
