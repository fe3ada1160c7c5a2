package jp2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderBounds(t *testing.T) {
	r := newReader(bytes.NewReader([]byte{1, 2, 3, 4, 5}), 0, 5)

	v, err := r.u16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), v)
	assert.Equal(t, int64(2), r.offset())
	assert.Equal(t, int64(3), r.remaining())

	_, err = r.u32()
	assert.ErrorIs(t, err, ErrTruncated)
	// A failed read does not advance the cursor.
	assert.Equal(t, int64(2), r.offset())

	require.NoError(t, r.skip(3))
	assert.ErrorIs(t, r.skip(1), ErrTruncated)
}

func TestSubReaderClampsToParent(t *testing.T) {
	r := newReader(bytes.NewReader(make([]byte, 10)), 0, 10)
	sub := r.sub(4, 100)
	assert.Equal(t, int64(6), sub.remaining())

	_, err := sub.readFull(7)
	assert.ErrorIs(t, err, ErrTruncated)
	got, err := sub.readFull(6)
	require.NoError(t, err)
	assert.Len(t, got, 6)
}

func TestReaderPartialWindow(t *testing.T) {
	src := bytes.NewReader([]byte{0, 0, 0xAB, 0xCD, 0, 0})
	r := newReader(src, 2, 2)
	v, err := r.u16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xABCD), v)
	assert.Equal(t, int64(0), r.remaining())
}

func TestVarLengthEncoding(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 642, 1 << 20, 1<<50 + 3} {
		enc := appendVarLength(nil, v)
		got := readVarLengths(enc)
		require.Len(t, got, 1)
		assert.Equal(t, v, got[0])
	}
}
