package jp2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseBoxesBytes(t *testing.T, data []byte) ([]Box, *diag) {
	t.Helper()
	d := &diag{}
	r := newReader(bytes.NewReader(data), 0, int64(len(data)))
	return parseBoxSequence(r, d), d
}

func TestParseMinimalJP2(t *testing.T) {
	boxes, d := parseBoxesBytes(t, buildMinimalJP2(nil))
	assert.Empty(t, d.warnings)
	require.Len(t, boxes, 4)

	assert.IsType(t, &SignatureBox{}, boxes[0])

	ft, ok := boxes[1].(*FileTypeBox)
	require.True(t, ok)
	assert.Equal(t, BrandJP2, ft.Brand)
	assert.Equal(t, []string{BrandJP2}, ft.Compatibility)

	jp2h, ok := boxes[2].(*JP2HeaderBox)
	require.True(t, ok)
	require.Len(t, jp2h.Children(), 1)
	ihdr, ok := jp2h.Children()[0].(*ImageHeaderBox)
	require.True(t, ok)
	assert.Equal(t, uint32(10), ihdr.Height)
	assert.Equal(t, uint32(20), ihdr.Width)
	assert.Equal(t, uint16(1), ihdr.NumComponents)
	assert.Equal(t, 8, ihdr.BitDepth())
	assert.False(t, ihdr.Signed())

	assert.IsType(t, &ContiguousCodestreamBox{}, boxes[3])
}

func TestBoxOffsetsAreContiguous(t *testing.T) {
	boxes, _ := parseBoxesBytes(t, buildMinimalJP2([]byte{1, 2, 3}))
	var pos int64
	for _, b := range boxes {
		off, length := b.Bounds()
		assert.Equal(t, pos, off)
		pos = off + length
	}
}

func TestZeroLengthLastBox(t *testing.T) {
	buf := signatureBox()
	buf = appendBox(buf, BoxFileType, ftypPayload(BrandJP2, BrandJP2))
	// An xml box whose length field is the zero sentinel: it runs to EOF.
	payload := []byte("<note/>")
	start := len(buf)
	buf = appendU32(buf, 0)
	buf = appendU32(buf, uint32(BoxXML))
	buf = append(buf, payload...)

	boxes, d := parseBoxesBytes(t, buf)
	assert.Empty(t, d.warnings)
	require.Len(t, boxes, 3)

	xb, ok := boxes[2].(*XMLBox)
	require.True(t, ok)
	assert.Equal(t, payload, xb.Raw)
	off, length := xb.Bounds()
	assert.Equal(t, int64(start), off)
	assert.Equal(t, int64(8+len(payload)), length)
}

func TestExtendedLengthHeader(t *testing.T) {
	// The XL form is exercised without a >4GiB payload: the header encoder
	// switches representation on the payload size alone.
	hdr := encodeBoxHeader(BoxCodestream, int64(1)<<32)
	require.Len(t, hdr, 16)
	assert.Equal(t, uint32(1), beU32(hdr[0:4]))
	assert.Equal(t, uint32(BoxCodestream), beU32(hdr[4:8]))
	assert.Equal(t, uint64(1)<<32+16, beU64(hdr[8:16]))

	// And the parser reads it back: a small box written in XL form.
	payload := []byte("abcdef")
	buf := appendU32(nil, 1)
	buf = appendU32(buf, uint32(BoxXML))
	buf = appendU64(buf, uint64(16+len(payload)))
	buf = append(buf, payload...)

	boxes, d := parseBoxesBytes(t, buf)
	assert.Empty(t, d.warnings)
	require.Len(t, boxes, 1)
	xb, ok := boxes[0].(*XMLBox)
	require.True(t, ok)
	assert.Equal(t, payload, xb.Raw)
	_, length := xb.Bounds()
	assert.Equal(t, int64(16+len(payload)), length)
}

func TestUnknownBoxPreserved(t *testing.T) {
	raw := []byte{0xCA, 0xFE, 0xBA, 0xBE}
	tag := BoxType(0x61626364) // "abcd"
	buf := signatureBox()
	buf = appendBox(buf, tag, raw)

	boxes, d := parseBoxesBytes(t, buf)
	assert.Empty(t, d.warnings)
	require.Len(t, boxes, 2)
	ub, ok := boxes[1].(*UnknownBox)
	require.True(t, ok)
	assert.Equal(t, tag, ub.Type())
	assert.Equal(t, "abcd", ub.Type().String())
	assert.Equal(t, raw, ub.Data)
}

func TestBoxLengthOverrunClamped(t *testing.T) {
	buf := signatureBox()
	// A box claiming 100 bytes in a stream with far fewer.
	buf = appendU32(buf, 100)
	buf = appendU32(buf, uint32(BoxXML))
	buf = append(buf, []byte("<a/>")...)

	boxes, d := parseBoxesBytes(t, buf)
	require.Len(t, boxes, 2)
	require.NotEmpty(t, d.warnings)
	assert.Contains(t, d.warnings[0].Message, "overruns")
}

func TestBadPayloadBecomesUnknownBox(t *testing.T) {
	buf := signatureBox()
	// An ihdr box with a 3-byte payload cannot be decoded.
	buf = appendBox(buf, BoxImageHeader, []byte{1, 2, 3})

	boxes, d := parseBoxesBytes(t, buf)
	require.Len(t, boxes, 2)
	require.NotEmpty(t, d.warnings)
	ub, ok := boxes[1].(*UnknownBox)
	require.True(t, ok)
	assert.Equal(t, BoxImageHeader, ub.Type())
	assert.Equal(t, []byte{1, 2, 3}, ub.Data)
}

func TestCorruptSignatureContentWarns(t *testing.T) {
	buf := appendBox(nil, BoxSignature, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	boxes, d := parseBoxesBytes(t, buf)
	require.Len(t, boxes, 1)
	require.NotEmpty(t, d.warnings)
	assert.IsType(t, &SignatureBox{}, boxes[0])
}

func TestFindBoxDepthFirst(t *testing.T) {
	boxes, _ := parseBoxesBytes(t, buildMinimalJP2(nil))
	ihdr := FindBox(boxes, BoxImageHeader)
	require.NotNil(t, ihdr)
	assert.Equal(t, BoxImageHeader, ihdr.Type())
	assert.Nil(t, FindBox(boxes, BoxPalette))
}

func TestPaletteSignExtension(t *testing.T) {
	// Two columns: 8-bit unsigned and 10-bit signed, two rows.
	payload := appendU16(nil, 2) // NE
	payload = append(payload, 2) // NPC
	payload = append(payload, 0x07, 0x89)
	payload = append(payload,
		0x10, 0x03, 0xFF, // row 0: 16, 1023 -> signed -1
		0x20, 0x02, 0x00, // row 1: 32, 512 -> signed -512
	)
	buf := appendBox(nil, BoxPalette, payload)

	boxes, d := parseBoxesBytes(t, buf)
	assert.Empty(t, d.warnings)
	pclr, ok := boxes[0].(*PaletteBox)
	require.True(t, ok)
	require.Equal(t, 2, pclr.NumEntries())
	assert.Equal(t, []int32{16, -1}, pclr.Entries[0])
	assert.Equal(t, []int32{32, -512}, pclr.Entries[1])
}
