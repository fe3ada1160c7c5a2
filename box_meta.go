package jp2

import (
	"bytes"
	"encoding/xml"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Well-known UUID box identifiers that trigger secondary payload decoding.
var (
	// UUIDXMP identifies an XMP packet (ISO 16684-1).
	UUIDXMP = uuid.MustParse("be7acfcb-97a9-42e8-9c71-999491e3afac")

	// UUIDExif identifies Exif metadata in a TIFF-shaped payload; the
	// identifier bytes spell "JpgTiffExif->JP2".
	UUIDExif = uuid.UUID{0x4A, 0x70, 0x67, 0x54, 0x69, 0x66, 0x66, 0x45, 0x78, 0x69, 0x66, 0x2D, 0x3E, 0x4A, 0x50, 0x32}

	// UUIDGeoTIFF identifies GeoJP2 georeferencing data, again TIFF-shaped.
	UUIDGeoTIFF = uuid.MustParse("b14bf8bd-083d-4b43-a5ae-8cd7d5a6ce03")
)

// UUIDPayloadDecoder decodes the payload of a UUID box with a registered
// identifier into a typed value. TIFF-shaped payloads (Exif, GeoTIFF) are
// handed to the external metadata collaborator this way; this package does
// not implement TIFF tag tables itself.
type UUIDPayloadDecoder func(payload []byte) (any, error)

var uuidDecoders = struct {
	sync.RWMutex
	m map[uuid.UUID]UUIDPayloadDecoder
}{m: map[uuid.UUID]UUIDPayloadDecoder{
	UUIDXMP: decodeXMPPayload,
}}

// RegisterUUIDDecoder installs a secondary decoder for UUID boxes carrying
// the given identifier. Registering nil removes a decoder.
func RegisterUUIDDecoder(id uuid.UUID, fn UUIDPayloadDecoder) {
	uuidDecoders.Lock()
	defer uuidDecoders.Unlock()
	if fn == nil {
		delete(uuidDecoders.m, id)
		return
	}
	uuidDecoders.m[id] = fn
}

func lookupUUIDDecoder(id uuid.UUID) UUIDPayloadDecoder {
	uuidDecoders.RLock()
	defer uuidDecoders.RUnlock()
	return uuidDecoders.m[id]
}

// decodeXMPPayload checks the packet is well-formed XML and returns it as
// a string.
func decodeXMPPayload(payload []byte) (any, error) {
	if err := checkWellFormedXML(payload); err != nil {
		return nil, err
	}
	return string(payload), nil
}

func checkWellFormedXML(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// UUIDBox is the UUID box ("uuid"): a 16-byte identifier followed by an
// opaque payload. The raw payload is always preserved; Data additionally
// holds the secondary decoding for registered identifiers, or nil if the
// identifier is unknown or the secondary decode failed.
type UUIDBox struct {
	boxHeader
	UUID    uuid.UUID
	Payload []byte
	Data    any
}

// NewUUIDBox returns a UUID box ready for writing.
func NewUUIDBox(id uuid.UUID, payload []byte) *UUIDBox {
	return &UUIDBox{boxHeader: boxHeader{typ: BoxUUID}, UUID: id, Payload: payload}
}

// NewXMPUUIDBox returns a UUID box carrying an XMP packet.
func NewXMPUUIDBox(packet []byte) *UUIDBox {
	return NewUUIDBox(UUIDXMP, packet)
}

func decodeUUIDBox(r *reader, h boxHeader, d *diag) (Box, error) {
	raw, err := r.readFull(16)
	if err != nil {
		return nil, err
	}
	b := &UUIDBox{boxHeader: h}
	copy(b.UUID[:], raw)
	b.Payload, _ = r.rest()
	if fn := lookupUUIDDecoder(b.UUID); fn != nil {
		data, err := fn(b.Payload)
		if err != nil {
			d.warnf(h.offset, h.typ.String(), "payload for UUID %s not decoded: %v", b.UUID, err)
		} else {
			b.Data = data
		}
	}
	return b, nil
}

func (b *UUIDBox) marshalPayload(*writeContext) ([]byte, error) {
	buf := append([]byte(nil), b.UUID[:]...)
	return append(buf, b.Payload...), nil
}

// UUIDInfoBox is the UUID info superbox ("uinf") grouping a UUID list box
// with a data entry URL box.
type UUIDInfoBox struct {
	boxHeader
	Boxes []Box
}

func (b *UUIDInfoBox) Children() []Box { return b.Boxes }

func decodeUUIDInfoBox(r *reader, h boxHeader, d *diag) (Box, error) {
	return &UUIDInfoBox{boxHeader: h, Boxes: parseBoxSequence(r, d)}, nil
}

func (b *UUIDInfoBox) marshalPayload(ctx *writeContext) ([]byte, error) {
	return marshalChildren(b.Boxes, ctx)
}

// UUIDListBox is the UUID list box ("ulst").
type UUIDListBox struct {
	boxHeader
	UUIDs []uuid.UUID
}

func decodeUUIDListBox(r *reader, h boxHeader, d *diag) (Box, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	b := &UUIDListBox{boxHeader: h}
	for i := 0; i < int(n); i++ {
		raw, err := r.readFull(16)
		if err != nil {
			d.warnf(h.offset, h.typ.String(), "payload holds %d of %d declared UUIDs", i, n)
			return b, nil
		}
		var id uuid.UUID
		copy(id[:], raw)
		b.UUIDs = append(b.UUIDs, id)
	}
	return b, nil
}

func (b *UUIDListBox) marshalPayload(*writeContext) ([]byte, error) {
	buf := appendU16(nil, uint16(len(b.UUIDs)))
	for _, id := range b.UUIDs {
		buf = append(buf, id[:]...)
	}
	return buf, nil
}

// DataEntryURLBox is the data entry URL box ("url "). Location keeps the
// raw URL bytes, normally null-terminated, so parsed boxes round-trip
// bit-exactly.
type DataEntryURLBox struct {
	boxHeader
	Version  uint8
	Flags    [3]byte
	Location []byte
}

// NewDataEntryURLBox returns a url box for the given URL.
func NewDataEntryURLBox(url string) *DataEntryURLBox {
	return &DataEntryURLBox{
		boxHeader: boxHeader{typ: BoxDataEntryURL},
		Location:  append([]byte(url), 0),
	}
}

// URL returns the location with any trailing null terminator removed.
func (b *DataEntryURLBox) URL() string {
	return string(bytes.TrimRight(b.Location, "\x00"))
}

func decodeDataEntryURLBox(r *reader, h boxHeader, d *diag) (Box, error) {
	raw, err := r.readFull(4)
	if err != nil {
		return nil, err
	}
	b := &DataEntryURLBox{boxHeader: h, Version: raw[0]}
	copy(b.Flags[:], raw[1:4])
	b.Location, _ = r.rest()
	return b, nil
}

func (b *DataEntryURLBox) marshalPayload(*writeContext) ([]byte, error) {
	buf := []byte{b.Version, b.Flags[0], b.Flags[1], b.Flags[2]}
	return append(buf, b.Location...), nil
}

// XMLBox is the XML box ("xml "). The raw document is preserved even when
// it is not well-formed; malformed XML only raises a warning.
type XMLBox struct {
	boxHeader
	Raw []byte
}

// NewXMLBox returns an XML box carrying the given document.
func NewXMLBox(doc []byte) *XMLBox {
	return &XMLBox{boxHeader: boxHeader{typ: BoxXML}, Raw: doc}
}

func decodeXMLBox(r *reader, h boxHeader, d *diag) (Box, error) {
	raw, err := r.rest()
	if err != nil {
		return nil, err
	}
	if err := checkWellFormedXML(raw); err != nil {
		d.warnf(h.offset, h.typ.String(), "document is not well-formed XML: %v", err)
	}
	return &XMLBox{boxHeader: h, Raw: raw}, nil
}

func (b *XMLBox) marshalPayload(*writeContext) ([]byte, error) {
	return append([]byte(nil), b.Raw...), nil
}

// LabelBox is the label box ("lbl "). Labels are only legal as children of
// an association box; Wrap enforces that placement.
type LabelBox struct {
	boxHeader
	Label string
}

// NewLabelBox returns a label box.
func NewLabelBox(label string) *LabelBox {
	return &LabelBox{boxHeader: boxHeader{typ: BoxLabel}, Label: label}
}

func decodeLabelBox(r *reader, h boxHeader, d *diag) (Box, error) {
	raw, err := r.rest()
	if err != nil {
		return nil, err
	}
	return &LabelBox{boxHeader: h, Label: string(raw)}, nil
}

func (b *LabelBox) marshalPayload(*writeContext) ([]byte, error) {
	return []byte(b.Label), nil
}

// AssociationBox is the association superbox ("asoc") grouping boxes that
// belong together, typically a label or number list with the boxes it
// describes.
type AssociationBox struct {
	boxHeader
	Boxes []Box
}

// NewAssociationBox returns an association superbox with the given
// children.
func NewAssociationBox(children ...Box) *AssociationBox {
	return &AssociationBox{boxHeader: boxHeader{typ: BoxAssociation}, Boxes: children}
}

func (b *AssociationBox) Children() []Box { return b.Boxes }

func decodeAssociationBox(r *reader, h boxHeader, d *diag) (Box, error) {
	return &AssociationBox{boxHeader: h, Boxes: parseBoxSequence(r, d)}, nil
}

func (b *AssociationBox) marshalPayload(ctx *writeContext) ([]byte, error) {
	return marshalChildren(b.Boxes, ctx)
}

// NumberListBox is the number list box ("nlst"): an array of association
// values, each a 1-byte kind (0x00 rendered result, 0x01 codestream,
// 0x02 compositing layer) packed with a 3-byte index.
type NumberListBox struct {
	boxHeader
	Associations []uint32
}

func decodeNumberListBox(r *reader, h boxHeader, d *diag) (Box, error) {
	b := &NumberListBox{boxHeader: h}
	if r.remaining()%4 != 0 {
		d.warnf(h.offset, h.typ.String(), "payload length %d is not a multiple of 4", r.remaining())
	}
	for r.remaining() >= 4 {
		v, err := r.u32()
		if err != nil {
			break
		}
		b.Associations = append(b.Associations, v)
	}
	return b, nil
}

func (b *NumberListBox) marshalPayload(*writeContext) ([]byte, error) {
	var buf []byte
	for _, v := range b.Associations {
		buf = appendU32(buf, v)
	}
	return buf, nil
}

// FreeBox is the free box ("free"). The contents carry no meaning; only
// the payload size is retained and writing emits that many zero bytes.
type FreeBox struct {
	boxHeader
	PayloadLen int64
}

func decodeFreeBox(r *reader, h boxHeader, d *diag) (Box, error) {
	n := r.remaining()
	return &FreeBox{boxHeader: h, PayloadLen: n}, nil
}

func (b *FreeBox) marshalPayload(*writeContext) ([]byte, error) {
	return make([]byte, b.PayloadLen), nil
}

// UnknownBox preserves a box with an unrecognized type tag, or a
// recognized box whose payload could not be decoded, so unknown boxes
// round-trip losslessly through a read-modify-append cycle.
type UnknownBox struct {
	boxHeader
	Data []byte
}

func (b *UnknownBox) marshalPayload(*writeContext) ([]byte, error) {
	return append([]byte(nil), b.Data...), nil
}

// ContiguousCodestreamBox is the contiguous codestream box ("jp2c"). The
// embedded codestream is an explicit two-state value: parsing the box only
// records where its payload lives, and the segment tree is materialized on
// first use through Codestream and cached. Codestream segment parsing is
// comparatively expensive for large tile counts and most callers only want
// box structure or pixel data.
type ContiguousCodestreamBox struct {
	boxHeader

	// Backing source when the box was parsed from a stream.
	src        io.ReaderAt
	contentOff int64
	contentLen int64

	// Data holds the codestream bytes for a programmatically built box.
	Data []byte

	cs           *Codestream
	csHeaderOnly bool
}

// NewContiguousCodestreamBox returns a jp2c box wrapping raw codestream
// bytes.
func NewContiguousCodestreamBox(data []byte) *ContiguousCodestreamBox {
	return &ContiguousCodestreamBox{boxHeader: boxHeader{typ: BoxCodestream}, Data: data}
}

// ContentBounds returns the absolute offset and length of the codestream
// bytes inside the source stream. For a programmatic box the offset is 0
// and the length is len(Data).
func (b *ContiguousCodestreamBox) ContentBounds() (offset, length int64) {
	if b.src != nil {
		return b.contentOff, b.contentLen
	}
	return 0, int64(len(b.Data))
}

func decodeContiguousCodestreamBox(r *reader, h boxHeader, d *diag) (Box, error) {
	return &ContiguousCodestreamBox{
		boxHeader:  h,
		src:        r.src,
		contentOff: r.offset(),
		contentLen: r.remaining(),
	}, nil
}

// Codestream materializes the embedded codestream's segment tree. With
// headerOnly set, parsing stops at the first tile-part's SOD marker. The
// result is cached; a header-only parse is upgraded in place if the full
// segment list is requested later. Warnings recovered during the parse are
// returned alongside the tree.
func (b *ContiguousCodestreamBox) Codestream(headerOnly bool) (*Codestream, []Warning, error) {
	d := &diag{}
	cs, err := b.codestream(headerOnly, d)
	return cs, d.warnings, err
}

func (b *ContiguousCodestreamBox) codestream(headerOnly bool, d *diag) (*Codestream, error) {
	if b.cs != nil && (!b.csHeaderOnly || headerOnly) {
		return b.cs, nil
	}
	var r *reader
	if b.src != nil {
		r = newReader(b.src, b.contentOff, b.contentLen)
	} else {
		r = newReader(bytes.NewReader(b.Data), 0, int64(len(b.Data)))
	}
	cs, err := parseCodestream(r, headerOnly, d)
	if err != nil {
		return nil, err
	}
	b.cs = cs
	b.csHeaderOnly = headerOnly
	return cs, nil
}

func (b *ContiguousCodestreamBox) marshalPayload(*writeContext) ([]byte, error) {
	if b.src == nil {
		return b.Data, nil
	}
	buf := make([]byte, b.contentLen)
	if _, err := b.src.ReadAt(buf, b.contentOff); err != nil {
		return nil, err
	}
	return buf, nil
}
