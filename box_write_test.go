package jp2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBoxesRoundTrip(t *testing.T) {
	data := buildMinimalJP2([]byte{9, 8, 7})
	boxes, d := parseBoxesBytes(t, data)
	require.Empty(t, d.warnings)

	var out bytes.Buffer
	n, err := WriteBoxes(&out, boxes)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())
}

func TestWriteNormalizesZeroLength(t *testing.T) {
	// A parsed zero-sentinel length is written back as an explicit length.
	buf := signatureBox()
	xmlStart := len(buf)
	buf = appendU32(buf, 0)
	buf = appendU32(buf, uint32(BoxXML))
	buf = append(buf, []byte("<a/>")...)

	boxes, _ := parseBoxesBytes(t, buf)
	require.Len(t, boxes, 2)

	var out bytes.Buffer
	_, err := WriteBoxes(&out, boxes)
	require.NoError(t, err)

	got := out.Bytes()[xmlStart:]
	assert.Equal(t, uint32(8+4), beU32(got[0:4]))
	// Everything but the length field is unchanged.
	assert.Equal(t, buf[xmlStart+4:], got[4:])
}

func TestSuperboxLengthsRecomputed(t *testing.T) {
	boxes, _ := parseBoxesBytes(t, buildMinimalJP2(nil))
	jp2h := boxes[2].(*JP2HeaderBox)

	// Grow the jp2h superbox by a child and check the rewritten header.
	jp2h.Boxes = append(jp2h.Boxes, NewColourSpecificationBox(CSGreyscale))

	raw, err := marshalBox(jp2h, &writeContext{})
	require.NoError(t, err)

	_, origLen := jp2h.Bounds()
	colrLen := int64(8 + 3 + 4)
	assert.Equal(t, origLen+colrLen, int64(beU32(raw[0:4])))

	reparsed, d := parseBoxesBytes(t, raw)
	require.Empty(t, d.warnings)
	require.Len(t, reparsed, 1)
	children := reparsed[0].(*JP2HeaderBox).Children()
	require.Len(t, children, 2)
	assert.Equal(t, BoxColourSpec, children[1].Type())
}

func TestMarshalBuiltBoxes(t *testing.T) {
	tests := []struct {
		name string
		box  Box
	}{
		{"ihdr", NewImageHeaderBox(480, 640, 3, 8, false)},
		{"colr", NewColourSpecificationBox(CSSRGB)},
		{"xml", NewXMLBox([]byte("<meta/>"))},
		{"lbl", NewLabelBox("layer-0")},
		{"uuid", NewXMPUUIDBox([]byte("<x:xmpmeta/>"))},
		{"url", NewDataEntryURLBox("file:///data.jp2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := marshalBox(tt.box, &writeContext{})
			require.NoError(t, err)

			boxes, d := parseBoxesBytes(t, raw)
			assert.Empty(t, d.warnings)
			require.Len(t, boxes, 1)
			assert.Equal(t, tt.box.Type(), boxes[0].Type())
		})
	}
}

func TestFragmentOffsetsRemapped(t *testing.T) {
	fl := &FragmentListBox{
		boxHeader: boxHeader{typ: BoxFragmentList},
		Fragments: []Fragment{
			{Offset: 100, Length: 64, DataReference: 0},
			{Offset: 500, Length: 32, DataReference: 1}, // external, untouched
		},
	}
	ctx := &writeContext{remapOffset: func(off uint64) uint64 { return off + 1000 }}
	raw, err := fl.marshalPayload(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(1100), beU64(raw[2:10]))
	assert.Equal(t, uint64(500), beU64(raw[16:24]))
}
