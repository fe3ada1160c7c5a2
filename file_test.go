package jp2

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.jp2")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenBoxFile(t *testing.T) {
	f, err := Open(writeTempFile(t, buildMinimalJP2(nil)))
	require.NoError(t, err)
	defer f.Close()

	assert.True(t, f.HasBoxes())
	assert.Len(t, f.Boxes, 4)
	assert.Empty(t, f.Warnings())

	ihdr := f.ImageHeader()
	require.NotNil(t, ihdr)
	assert.Equal(t, uint32(20), ihdr.Width)
}

func TestOpenRawCodestream(t *testing.T) {
	f, err := Open(writeTempFile(t, buildCodestream(5, []byte{1, 2})))
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, f.HasBoxes())
	cs, err := f.Codestream()
	require.NoError(t, err)
	assert.True(t, cs.Complete)
	require.NotNil(t, cs.SIZ())
}

func TestOpenInvalidInput(t *testing.T) {
	_, err := Open(writeTempFile(t, []byte("not a jpeg2000 file at all")))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Open(writeTempFile(t, []byte{0xFF}))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCodestreamLazyAndCached(t *testing.T) {
	f, err := Open(writeTempFile(t, buildMinimalJP2(nil)))
	require.NoError(t, err)
	defer f.Close()

	cs1, err := f.Codestream()
	require.NoError(t, err)
	cs2, err := f.Codestream()
	require.NoError(t, err)
	assert.Same(t, cs1, cs2)
}

func TestHeaderOnlyUpgrade(t *testing.T) {
	data := buildCodestream(5, []byte{1, 2, 3})
	cb := NewContiguousCodestreamBox(data)

	cs, warns, err := cb.Codestream(true)
	require.NoError(t, err)
	assert.Empty(t, warns)
	assert.False(t, cs.Complete)

	// Requesting the full list upgrades the cached header-only parse.
	full, _, err := cb.Codestream(false)
	require.NoError(t, err)
	assert.True(t, full.Complete)
}

func TestImageParams(t *testing.T) {
	f, err := Open(writeTempFile(t, buildMinimalJP2(nil)))
	require.NoError(t, err)
	defer f.Close()

	cs, err := f.Codestream()
	require.NoError(t, err)
	p, err := cs.ImageParams()
	require.NoError(t, err)
	assert.Equal(t, uint32(20), p.Width)
	assert.Equal(t, uint32(10), p.Height)
	assert.Equal(t, 1, p.NumTilesX)
	assert.Equal(t, 1, p.NumTilesY)
	require.Len(t, p.Components, 1)
	assert.Equal(t, 8, p.Components[0].BitDepth)
}

func TestAppendXMLBox(t *testing.T) {
	// The final jp2c uses the zero-length sentinel on disk.
	cut := signatureBox()
	cut = appendBox(cut, BoxFileType, ftypPayload(BrandJP2, BrandJP2))
	jp2h := appendBox(nil, BoxImageHeader, ihdrPayload(10, 20, 1, 7))
	cut = appendBox(cut, BoxJP2Header, jp2h)
	jp2cStart := len(cut)
	cs := buildCodestream(5, nil)
	cut = appendU32(cut, 0) // zero sentinel
	cut = appendU32(cut, uint32(BoxCodestream))
	cut = append(cut, cs...)

	path := writeTempFile(t, cut)
	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	doc := []byte("<meta><title>hello</title></meta>")
	require.NoError(t, f.Append(NewXMLBox(doc)))

	// The predecessor's length field was patched in place and the xml box
	// is last; earlier bytes are untouched.
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(8+len(cs)), beU32(onDisk[jp2cStart:jp2cStart+4]))
	assert.Equal(t, cut[:jp2cStart], onDisk[:jp2cStart])
	assert.Equal(t, cut[jp2cStart+4:len(cut)], onDisk[jp2cStart+4:len(cut)])

	require.Len(t, f.Boxes, 5)
	xb, ok := f.Boxes[4].(*XMLBox)
	require.True(t, ok)
	assert.Equal(t, doc, xb.Raw)
}

func TestAppendRejectsDisallowed(t *testing.T) {
	f, err := Open(writeTempFile(t, buildMinimalJP2(nil)))
	require.NoError(t, err)
	defer f.Close()

	err = f.Append(NewLabelBox("nope"))
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	err = f.Append(NewUUIDBox(UUIDExif, []byte("II*\x00")))
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	// XMP uuid boxes are allowed.
	err = f.Append(NewXMPUUIDBox([]byte("<x:xmpmeta/>")))
	assert.NoError(t, err)
}

func TestAppendRejectsRawCodestream(t *testing.T) {
	f, err := Open(writeTempFile(t, buildCodestream(1, nil)))
	require.NoError(t, err)
	defer f.Close()

	err = f.Append(NewXMLBox([]byte("<a/>")))
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}

func TestWrapRoundTrip(t *testing.T) {
	src, err := Open(writeTempFile(t, buildMinimalJP2([]byte{5, 6})))
	require.NoError(t, err)
	defer src.Close()

	dst := filepath.Join(t.TempDir(), "out.jp2")
	require.NoError(t, Wrap(dst, src.Boxes))

	out, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, buildMinimalJP2([]byte{5, 6}), out)
}

func TestWrapValidatesBeforeWriting(t *testing.T) {
	src, err := Open(writeTempFile(t, buildMinimalJP2(nil)))
	require.NoError(t, err)
	defer src.Close()

	// jp2h after jp2c violates the ordering rule.
	bad := []Box{src.Boxes[0], src.Boxes[1], src.Boxes[3], src.Boxes[2]}

	dst := filepath.Join(t.TempDir(), "out.jp2")
	err = Wrap(dst, bad)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "precede")

	// The destination was never created.
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWrapValidationRules(t *testing.T) {
	base, err := Open(writeTempFile(t, buildMinimalJP2(nil)))
	require.NoError(t, err)
	defer base.Close()
	sig, ftyp, jp2h, jp2c := base.Boxes[0], base.Boxes[1], base.Boxes[2], base.Boxes[3]

	jpxFtyp := &FileTypeBox{
		boxHeader:     boxHeader{typ: BoxFileType},
		Brand:         BrandJPX,
		Compatibility: []string{BrandJPX, BrandJP2},
	}

	tests := []struct {
		name  string
		boxes []Box
		want  string
	}{
		{"missing signature", []Box{ftyp, jp2h, jp2c}, "signature"},
		{"missing ftyp", []Box{sig, jp2h, jp2c}, "file type"},
		{"missing jp2h", []Box{sig, ftyp, jp2c}, "jp2 header"},
		{"no codestream", []Box{sig, ftyp, jp2h}, "codestream"},
		{
			"jpx box under jp2 brand",
			[]Box{sig, ftyp, jp2h, jp2c, NewAssociationBox(NewLabelBox("x"))},
			"not permitted under the jp2 brand",
		},
		{
			"jpx brand missing compat",
			[]Box{sig, &FileTypeBox{
				boxHeader:     boxHeader{typ: BoxFileType},
				Brand:         BrandJPX,
				Compatibility: []string{BrandJP2},
			}, jp2h, jp2c},
			"jpx or jpxb",
		},
		{
			"stray label",
			[]Box{sig, jpxFtyp, jp2h, jp2c, NewLabelBox("stray")},
			"association",
		},
		{
			"nested dtbl",
			[]Box{sig, jpxFtyp, jp2h, jp2c,
				NewAssociationBox(&DataReferenceBox{boxHeader: boxHeader{typ: BoxDataReference}})},
			"outermost",
		},
		{
			"colour group with non-colr child",
			[]Box{sig, jpxFtyp, jp2h, jp2c,
				&ColourGroupBox{boxHeader: boxHeader{typ: BoxColourGroup},
					Boxes: []Box{NewXMLBox([]byte("<a/>"))}}},
			"colour specification",
		},
		{
			"external fragment without dtbl",
			[]Box{sig, jpxFtyp, jp2h, jp2c,
				&FragmentTableBox{boxHeader: boxHeader{typ: BoxFragmentTable},
					Boxes: []Box{&FragmentListBox{
						boxHeader: boxHeader{typ: BoxFragmentList},
						Fragments: []Fragment{{Offset: 0, Length: 10, DataReference: 1}},
					}}}},
			"data reference",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := filepath.Join(t.TempDir(), "out.jpx")
			err := Wrap(dst, tt.boxes)
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.want)
			_, statErr := os.Stat(dst)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestWrapRemapsFragmentOffsets(t *testing.T) {
	// A source file whose jp2c sits at a known offset; rewrapping with an
	// extra leading box shifts the codestream and the flst entry with it.
	srcData := buildMinimalJP2(nil)
	src, err := Open(writeTempFile(t, srcData))
	require.NoError(t, err)
	defer src.Close()

	cb := src.Boxes[3].(*ContiguousCodestreamBox)
	oldContent, _ := cb.ContentBounds()

	fl := &FragmentListBox{
		boxHeader: boxHeader{typ: BoxFragmentList},
		Fragments: []Fragment{{Offset: uint64(oldContent), Length: 16, DataReference: 0}},
	}
	ftbl := &FragmentTableBox{boxHeader: boxHeader{typ: BoxFragmentTable}, Boxes: []Box{fl}}
	jpxFtyp := &FileTypeBox{
		boxHeader:     boxHeader{typ: BoxFileType},
		Brand:         BrandJPX,
		Compatibility: []string{BrandJPX, BrandJP2},
	}
	xml := NewXMLBox([]byte("<shift/>"))
	boxes := []Box{src.Boxes[0], jpxFtyp, src.Boxes[2], xml, cb, ftbl}

	dst := filepath.Join(t.TempDir(), "out.jpx")
	require.NoError(t, Wrap(dst, boxes))

	out, err := Open(dst)
	require.NoError(t, err)
	defer out.Close()

	outCb := out.Find(BoxCodestream).(*ContiguousCodestreamBox)
	newContent, _ := outCb.ContentBounds()
	outFl := out.Find(BoxFragmentList).(*FragmentListBox)
	require.Len(t, outFl.Fragments, 1)
	assert.Equal(t, uint64(newContent), outFl.Fragments[0].Offset)
	assert.NotEqual(t, uint64(oldContent), outFl.Fragments[0].Offset)
}
