package jp2

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type options struct {
	logger          *logrus.Logger
	eagerCodestream bool
	headerOnly      bool
}

// Option configures Open and Parse.
type Option func(*options)

// WithLogger routes recovered-anomaly warnings to a logger as they are
// collected, in addition to the Warnings list.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEagerCodestream materializes every contiguous codestream box's
// segment list during Open instead of on first access.
func WithEagerCodestream() Option {
	return func(o *options) { o.eagerCodestream = true }
}

// WithHeaderOnlyCodestream stops eager or first-access codestream parses at
// the first tile-part's SOD marker.
func WithHeaderOnlyCodestream() Option {
	return func(o *options) { o.headerOnly = true }
}

// File is an open JPEG 2000 container: either a box-structured JP2/JPX file
// or a bare codestream. One File owns its underlying stream exclusively;
// concurrent readers must each open their own.
type File struct {
	path   string
	src    io.ReaderAt
	closer io.Closer
	size   int64

	// Boxes is the top-level box list, nil for a bare codestream.
	Boxes []Box

	raw  *ContiguousCodestreamBox // set for a bare codestream
	d    *diag
	opts options
}

// Open opens and parses the container structure of the file at path.
// Codestream segment parsing inside any jp2c box is deferred until first
// access unless WithEagerCodestream is given.
func Open(path string, opts ...Option) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	st, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, errors.Wrap(err, "stat")
	}
	f, err := Parse(fh, st.Size(), opts...)
	if err != nil {
		fh.Close()
		return nil, err
	}
	f.path = path
	f.closer = fh
	return f, nil
}

// Parse parses the container structure of a stream of the given size.
func Parse(src io.ReaderAt, size int64, opts ...Option) (*File, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	f := &File{src: src, size: size, d: &diag{log: o.logger}, opts: o}

	head := make([]byte, 8)
	if n, err := src.ReadAt(head, 0); n < len(head) {
		if err == nil || err == io.EOF {
			return nil, fmt.Errorf("%w: %d bytes is too short for a signature box or SOC marker", ErrInvalidInput, n)
		}
		return nil, errors.Wrap(err, "read file head")
	}

	switch {
	case beU32(head[0:4]) == 12 && BoxType(beU32(head[4:8])) == BoxSignature:
		r := newReader(src, 0, size)
		f.Boxes = parseBoxSequence(r, f.d)
	case Marker(beU16(head[0:2])) == MarkerSOC:
		f.raw = &ContiguousCodestreamBox{
			boxHeader:  boxHeader{typ: BoxCodestream, length: size},
			src:        src,
			contentLen: size,
		}
	default:
		return nil, fmt.Errorf("%w: neither a JPEG 2000 signature box nor an SOC marker at offset 0", ErrInvalidInput)
	}

	if o.eagerCodestream {
		if _, err := f.Codestream(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Close releases the underlying stream if Open created it.
func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// HasBoxes reports whether the file has box structure, as opposed to being
// a bare codestream.
func (f *File) HasBoxes() bool { return f.raw == nil }

// Find returns the first box of the given type in a depth-first walk of the
// top-level list, or nil.
func (f *File) Find(t BoxType) Box { return FindBox(f.Boxes, t) }

// FileType returns the file type box, or nil for a bare codestream.
func (f *File) FileType() *FileTypeBox {
	b, _ := f.Find(BoxFileType).(*FileTypeBox)
	return b
}

// ImageHeader returns the image header box, or nil.
func (f *File) ImageHeader() *ImageHeaderBox {
	b, _ := f.Find(BoxImageHeader).(*ImageHeaderBox)
	return b
}

// codestreamBox returns the box whose codestream Codestream will
// materialize: the synthetic box for a bare codestream, otherwise the first
// jp2c in the tree.
func (f *File) codestreamBox() *ContiguousCodestreamBox {
	if f.raw != nil {
		return f.raw
	}
	b, _ := f.Find(BoxCodestream).(*ContiguousCodestreamBox)
	return b
}

// Codestream materializes and returns the first codestream's segment list,
// parsing it on first call and caching the result. The parse honors
// WithHeaderOnlyCodestream.
func (f *File) Codestream() (*Codestream, error) {
	cb := f.codestreamBox()
	if cb == nil {
		return nil, fmt.Errorf("%w: file has no contiguous codestream box", ErrInvalidInput)
	}
	return cb.codestream(f.opts.headerOnly, f.d)
}

// Warnings returns every recovered-anomaly warning collected so far, in
// the order encountered. Lazy codestream parses triggered through this File
// contribute to the same list.
func (f *File) Warnings() []Warning { return f.d.warnings }

// appendable reports whether Append accepts the box type: XML boxes and
// XMP-identified UUID boxes.
func appendable(b Box) bool {
	switch b := b.(type) {
	case *XMLBox:
		return true
	case *UUIDBox:
		return b.UUID == UUIDXMP
	}
	return false
}

// Append adds a metadata box after the current last box of a JP2 file,
// rewriting the file in place. Only XML boxes and XMP UUID boxes may be
// appended, and only to a box-structured file with the jp2 brand. If the
// current last box's on-disk length field is the zero "to end of file"
// sentinel it is first patched to its true byte count, since it can no
// longer claim to extend to EOF.
func (f *File) Append(b Box) error {
	if f.raw != nil {
		return fmt.Errorf("%w: cannot append a box to a bare codestream", ErrUnsupportedOperation)
	}
	if f.path == "" {
		return fmt.Errorf("%w: append requires a file opened by path", ErrUnsupportedOperation)
	}
	if !appendable(b) {
		return fmt.Errorf("%w: %s boxes cannot be appended, only xml and XMP uuid boxes", ErrUnsupportedOperation, b.Type())
	}
	ft := f.FileType()
	if ft == nil || ft.Brand != BrandJP2 {
		return fmt.Errorf("%w: append requires the jp2 brand", ErrUnsupportedOperation)
	}
	if len(f.Boxes) == 0 {
		return fmt.Errorf("%w: file has no boxes", ErrUnsupportedOperation)
	}

	last := f.Boxes[len(f.Boxes)-1]
	raw, err := marshalBox(b, &writeContext{})
	if err != nil {
		return err
	}

	out, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "open for append")
	}
	defer out.Close()

	if lh := lastHeader(last); lh != nil && lh.zeroLength {
		if lh.length > math.MaxUint32 {
			return fmt.Errorf("%w: predecessor's %d-byte length does not fit its 4-byte length field", ErrUnsupportedOperation, lh.length)
		}
		if err := patchUint32(out, lh.offset, uint32(lh.length)); err != nil {
			return errors.Wrap(err, "patch predecessor length")
		}
		lh.zeroLength = false
	}
	if _, err := out.WriteAt(raw, f.size); err != nil {
		return errors.Wrap(err, "append box")
	}
	f.size += int64(len(raw))

	r := newReader(f.src, 0, f.size)
	f.Boxes = parseBoxSequence(r, f.d)
	return nil
}

func lastHeader(b Box) *boxHeader {
	type headered interface{ header() *boxHeader }
	if h, ok := b.(headered); ok {
		return h.header()
	}
	return nil
}

// jpxOnly lists the box types legal only under the jpx brand.
var jpxOnly = map[BoxType]bool{
	BoxReaderReq:        true,
	BoxAssociation:      true,
	BoxNumberList:       true,
	BoxLabel:            true,
	BoxFragmentTable:    true,
	BoxFragmentList:     true,
	BoxDataReference:    true,
	BoxCodestreamHeader: true,
	BoxCompLayerHeader:  true,
	BoxColourGroup:      true,
}

// validateWrap checks the structural rules a box list must satisfy before
// a single output byte is written. Each violation names the rule broken.
func validateWrap(boxes []Box) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
	}

	if len(boxes) < 2 {
		return fail("wrap needs at least a signature box and a file type box")
	}
	if boxes[0].Type() != BoxSignature {
		return fail("the first box must be the signature box, not %s", boxes[0].Type())
	}
	if boxes[1].Type() != BoxFileType {
		return fail("the second box must be the file type box, not %s", boxes[1].Type())
	}
	ft, ok := boxes[1].(*FileTypeBox)
	if !ok {
		return fail("the file type box payload was not decoded")
	}

	jp2hIdx, jp2cIdx := -1, -1
	haveStream := false
	dtblCount := 0
	for i, b := range boxes {
		switch b.Type() {
		case BoxJP2Header:
			if jp2hIdx < 0 {
				jp2hIdx = i
			}
		case BoxCodestream:
			if jp2cIdx < 0 {
				jp2cIdx = i
			}
			haveStream = true
		case BoxFragmentTable:
			haveStream = true
		case BoxDataReference:
			dtblCount++
		}
	}
	if jp2hIdx < 0 {
		return fail("a jp2 header superbox is required")
	}
	if jp2cIdx >= 0 && jp2hIdx > jp2cIdx {
		return fail("the jp2 header superbox must precede the first contiguous codestream box")
	}
	if !haveStream {
		return fail("at least one contiguous codestream or fragment table box is required in the outermost list")
	}
	if dtblCount > 1 {
		return fail("at most one data reference box is permitted")
	}

	jp2h, ok := boxes[jp2hIdx].(superbox)
	if !ok || len(jp2h.Children()) == 0 {
		return fail("the jp2 header superbox has no children")
	}
	if jp2h.Children()[0].Type() != BoxImageHeader {
		return fail("the jp2 header superbox's first child must be the image header box, not %s", jp2h.Children()[0].Type())
	}

	switch ft.Brand {
	case BrandJP2:
		var bad BoxType
		walkBoxes(boxes, func(b Box) {
			if bad == 0 && jpxOnly[b.Type()] {
				bad = b.Type()
			}
		})
		if bad != 0 {
			return fail("%s boxes are not permitted under the jp2 brand", bad)
		}
	case BrandJPX:
		if !ft.CompatibleWith(BrandJPX) && !ft.CompatibleWith(CompatJPXBaseline) {
			return fail("the jpx brand requires jpx or jpxb in the compatibility list")
		}
		if !ft.CompatibleWith(BrandJP2) {
			return fail("the jpx brand requires jp2 in the compatibility list when jp2 header semantics are used")
		}
	}

	// Placement rules that need parent context.
	var nestedDtbl, strayLabel bool
	var badCgrpChild BoxType
	externalFrag := false
	var walk func(parent BoxType, bs []Box)
	walk = func(parent BoxType, bs []Box) {
		for _, b := range bs {
			switch b.Type() {
			case BoxDataReference:
				if parent != 0 {
					nestedDtbl = true
				}
			case BoxLabel:
				if parent != BoxAssociation {
					strayLabel = true
				}
			case BoxFragmentList:
				if fl, ok := b.(*FragmentListBox); ok {
					for _, fr := range fl.Fragments {
						if fr.DataReference != 0 {
							externalFrag = true
						}
					}
				}
			case BoxColourGroup:
				if cg, ok := b.(superbox); ok {
					for _, c := range cg.Children() {
						if c.Type() != BoxColourSpec && badCgrpChild == 0 {
							badCgrpChild = c.Type()
						}
					}
				}
			}
			if sb, ok := b.(superbox); ok {
				walk(b.Type(), sb.Children())
			}
		}
	}
	walk(0, boxes)

	if nestedDtbl {
		return fail("a data reference box is only legal in the outermost box list")
	}
	if strayLabel {
		return fail("label boxes are only legal as children of an association box")
	}
	if badCgrpChild != 0 {
		return fail("a colour group box may only hold colour specification boxes, found %s", badCgrpChild)
	}
	if externalFrag && dtblCount == 0 {
		return fail("fragments referencing external data require a data reference box")
	}
	return nil
}

// Wrap writes a brand-new file at path from a caller-supplied box list,
// typically a modified copy of an existing file's boxes or a fresh list
// around a raw codestream. The list is validated in full before the
// destination is created or touched, so a failed wrap never leaves a
// partial file behind. Fragment list offsets pointing into this file are
// recomputed against the output layout.
func Wrap(path string, boxes []Box) error {
	if err := validateWrap(boxes); err != nil {
		return err
	}

	remap, err := fragmentRemap(boxes)
	if err != nil {
		return err
	}
	ctx := &writeContext{remapOffset: remap}

	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create")
	}
	if _, err := writeBoxList(out, boxes, ctx); err != nil {
		out.Close()
		os.Remove(path)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return errors.Wrap(err, "close")
	}
	return nil
}

// fragmentRemap builds the offset translation applied to in-file fragment
// list entries: the delta between the first source-backed codestream box's
// content position in its source file and its position in the output being
// laid out.
func fragmentRemap(boxes []Box) (func(uint64) uint64, error) {
	var pos int64
	for _, b := range boxes {
		if cb, ok := b.(*ContiguousCodestreamBox); ok && cb.src != nil {
			newContent := pos + int64(len(encodeBoxHeader(cb.typ, cb.contentLen)))
			delta := newContent - cb.contentOff
			return func(off uint64) uint64 {
				return uint64(int64(off) + delta)
			}, nil
		}
		n, err := wireSize(b, &writeContext{})
		if err != nil {
			return nil, err
		}
		pos += n
	}
	return nil, nil
}
