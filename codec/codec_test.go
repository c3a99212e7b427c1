package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqkv/recordstore/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	prefix := []byte("coll.")
	ids := []model.RecordId{model.MinRecordID, -1, 0, 1, 42, 1 << 40, model.MaxRecordID}
	for _, id := range ids {
		key := EncodeKey(prefix, id)
		got, err := DecodeID(key, len(prefix))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestEncodedOrderMatchesNumericOrder(t *testing.T) {
	prefix := []byte("p")
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		a := model.RecordId(r.Int63())
		b := model.RecordId(r.Int63())
		ka, kb := EncodeKey(prefix, a), EncodeKey(prefix, b)
		switch {
		case a < b:
			assert.Equal(t, -1, bytes.Compare(ka, kb))
		case a > b:
			assert.Equal(t, 1, bytes.Compare(ka, kb))
		default:
			assert.Equal(t, 0, bytes.Compare(ka, kb))
		}
	}
}

func TestNextPrefix(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x01}, NextPrefix([]byte{0x01, 0x00}))
	assert.Equal(t, []byte{0x02}, NextPrefix([]byte{0x01}))
	assert.Equal(t, []byte{0xFF, 0x00}, NextPrefix([]byte{0xFE, 0xFF}))
	assert.Equal(t, []byte{0xFF, 0xFF, 0x00}, NextPrefix([]byte{0xFF, 0xFF}))

	// nextPrefix(p) must be strictly greater than p and than keys that
	// extend p, such as p||0x00.
	p := []byte("coll.")
	np := NextPrefix(p)
	assert.Equal(t, 1, bytes.Compare(np, p))
	assert.Equal(t, -1, bytes.Compare(append(append([]byte{}, p...), 0x00), np))
}

func TestLengthRoundTrip(t *testing.T) {
	for _, n := range []uint32{0, 1, 255, 1 << 20, ^uint32(0)} {
		got, err := DecodeLength(EncodeLength(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}
