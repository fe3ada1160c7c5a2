package jp2

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeOneBox(t *testing.T, data []byte) (Box, *diag) {
	t.Helper()
	d := &diag{}
	r := newReader(bytes.NewReader(data), 0, int64(len(data)))
	b, err := parseBox(r, d)
	require.NoError(t, err)
	return b, d
}

func rreqPayload(ml byte) []byte {
	buf := []byte{ml}
	buf = append(buf, make([]byte, int(ml))...) // FUAM
	buf = append(buf, make([]byte, int(ml))...) // DCM
	buf = appendU16(buf, 1)                     // one standard feature
	buf = appendU16(buf, 5)                     // feature 5: codestream is fragmented
	buf = append(buf, make([]byte, int(ml))...)
	buf = appendU16(buf, 0) // no vendor features
	return buf
}

func TestReaderRequirementsBox(t *testing.T) {
	b, d := decodeOneBox(t, appendBox(nil, BoxReaderReq, rreqPayload(2)))
	assert.Empty(t, d.warnings)
	rreq, ok := b.(*ReaderRequirementsBox)
	require.True(t, ok)
	assert.Equal(t, uint8(2), rreq.MaskLength)
	require.Len(t, rreq.StandardFlags, 1)
	assert.Equal(t, uint16(5), rreq.StandardFlags[0])
	assert.Empty(t, rreq.VendorFeatures)
}

func TestReaderRequirementsOddMaskLength(t *testing.T) {
	// Some writers emit a 3-byte mask length; the payload is still read.
	b, d := decodeOneBox(t, appendBox(nil, BoxReaderReq, rreqPayload(3)))
	require.NotEmpty(t, d.warnings)
	assert.Contains(t, d.warnings[0].Message, "mask length 3")
	rreq, ok := b.(*ReaderRequirementsBox)
	require.True(t, ok)
	require.Len(t, rreq.StandardFlags, 1)
	assert.Equal(t, uint16(5), rreq.StandardFlags[0])
}

func TestReaderRequirementsRoundTrip(t *testing.T) {
	rreq := &ReaderRequirementsBox{
		boxHeader:         boxHeader{typ: BoxReaderReq},
		MaskLength:        1,
		FullyUnderstands:  0x03,
		DisplayCompletely: 0x01,
		StandardFlags:     []uint16{5, 12},
		StandardMasks:     []uint64{1, 2},
		VendorFeatures:    []uuid.UUID{UUIDGeoTIFF},
		VendorMasks:       []uint64{2},
	}
	raw, err := marshalBox(rreq, &writeContext{})
	require.NoError(t, err)

	b, d := decodeOneBox(t, raw)
	assert.Empty(t, d.warnings)
	got := b.(*ReaderRequirementsBox)
	assert.Equal(t, rreq.FullyUnderstands, got.FullyUnderstands)
	assert.Equal(t, rreq.StandardFlags, got.StandardFlags)
	assert.Equal(t, rreq.VendorFeatures, got.VendorFeatures)
	assert.Equal(t, rreq.VendorMasks, got.VendorMasks)
}

func TestFragmentListBox(t *testing.T) {
	payload := appendU16(nil, 2)
	payload = appendU64(payload, 1000)
	payload = appendU32(payload, 64)
	payload = appendU16(payload, 0)
	payload = appendU64(payload, 2000)
	payload = appendU32(payload, 128)
	payload = appendU16(payload, 3)

	b, d := decodeOneBox(t, appendBox(nil, BoxFragmentList, payload))
	assert.Empty(t, d.warnings)
	fl := b.(*FragmentListBox)
	require.Len(t, fl.Fragments, 2)
	assert.Equal(t, Fragment{Offset: 1000, Length: 64, DataReference: 0}, fl.Fragments[0])
	assert.Equal(t, Fragment{Offset: 2000, Length: 128, DataReference: 3}, fl.Fragments[1])
}

func TestFragmentListTruncatedWarns(t *testing.T) {
	payload := appendU16(nil, 3)
	payload = appendU64(payload, 1000)
	payload = appendU32(payload, 64)
	payload = appendU16(payload, 0)
	// Two declared entries never materialize.
	b, d := decodeOneBox(t, appendBox(nil, BoxFragmentList, payload))
	require.NotEmpty(t, d.warnings)
	fl := b.(*FragmentListBox)
	assert.Len(t, fl.Fragments, 1)
}

func TestDataReferenceBox(t *testing.T) {
	urlBox, err := marshalBox(NewDataEntryURLBox("http://example.com/a.jp2"), &writeContext{})
	require.NoError(t, err)
	payload := appendU16(nil, 1)
	payload = append(payload, urlBox...)

	b, d := decodeOneBox(t, appendBox(nil, BoxDataReference, payload))
	assert.Empty(t, d.warnings)
	dr := b.(*DataReferenceBox)
	require.Len(t, dr.DataEntries, 1)
	u, ok := dr.DataEntries[0].(*DataEntryURLBox)
	require.True(t, ok)
	assert.Equal(t, "http://example.com/a.jp2", u.URL())
}

func TestJPXSuperboxes(t *testing.T) {
	colr, err := marshalBox(NewColourSpecificationBox(CSSRGB), &writeContext{})
	require.NoError(t, err)
	buf := appendBox(nil, BoxColourGroup, colr)

	b, d := decodeOneBox(t, buf)
	assert.Empty(t, d.warnings)
	cg := b.(*ColourGroupBox)
	require.Len(t, cg.Children(), 1)
	assert.Equal(t, BoxColourSpec, cg.Children()[0].Type())
}
