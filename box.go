package jp2

import (
	"encoding/binary"
	"fmt"
)

// BoxType is the 4-byte box type tag from the box header.
type BoxType uint32

// Box type tags per ITU-T T.800 Annex I and ISO/IEC 15444-2 Annex M.
const (
	BoxSignature        BoxType = 0x6A502020 // "jP  " - JPEG 2000 signature
	BoxFileType         BoxType = 0x66747970 // "ftyp" - File type
	BoxJP2Header        BoxType = 0x6A703268 // "jp2h" - JP2 header (superbox)
	BoxCodestream       BoxType = 0x6A703263 // "jp2c" - Contiguous codestream
	BoxImageHeader      BoxType = 0x69686472 // "ihdr" - Image header
	BoxBitsPerComponent BoxType = 0x62706363 // "bpcc" - Bits per component
	BoxColourSpec       BoxType = 0x636F6C72 // "colr" - Colour specification
	BoxPalette          BoxType = 0x70636C72 // "pclr" - Palette
	BoxComponentMapping BoxType = 0x636D6170 // "cmap" - Component mapping
	BoxChannelDef       BoxType = 0x63646566 // "cdef" - Channel definition
	BoxResolution       BoxType = 0x72657320 // "res " - Resolution (superbox)
	BoxCaptureRes       BoxType = 0x72657363 // "resc" - Capture resolution
	BoxDisplayRes       BoxType = 0x72657364 // "resd" - Display resolution
	BoxUUID             BoxType = 0x75756964 // "uuid" - UUID
	BoxUUIDInfo         BoxType = 0x75696E66 // "uinf" - UUID info (superbox)
	BoxUUIDList         BoxType = 0x756C7374 // "ulst" - UUID list
	BoxDataEntryURL     BoxType = 0x75726C20 // "url " - Data entry URL
	BoxXML              BoxType = 0x786D6C20 // "xml " - XML
	BoxLabel            BoxType = 0x6C626C20 // "lbl " - Label
	BoxAssociation      BoxType = 0x61736F63 // "asoc" - Association (superbox)
	BoxNumberList       BoxType = 0x6E6C7374 // "nlst" - Number list
	BoxReaderReq        BoxType = 0x72726571 // "rreq" - Reader requirements
	BoxFree             BoxType = 0x66726565 // "free" - Free space
	BoxFragmentTable    BoxType = 0x6674626C // "ftbl" - Fragment table (superbox)
	BoxFragmentList     BoxType = 0x666C7374 // "flst" - Fragment list
	BoxDataReference    BoxType = 0x6474626C // "dtbl" - Data reference
	BoxCodestreamHeader BoxType = 0x6A706368 // "jpch" - Codestream header (superbox)
	BoxCompLayerHeader  BoxType = 0x6A706C68 // "jplh" - Compositing layer header (superbox)
	BoxColourGroup      BoxType = 0x63677270 // "cgrp" - Colour group (superbox)
)

// String renders the tag as its 4-character form, or as 0x<hex> when the
// tag bytes are not printable.
func (t BoxType) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	for _, c := range b {
		if c < 0x20 || c >= 0x7F {
			return fmt.Sprintf("0x%08X", uint32(t))
		}
	}
	return string(b[:])
}

// Box is a node in the container tree. Every variant carries the 4-byte
// type tag plus the absolute offset and total length (header included) it
// occupied in the source stream. Programmatically constructed boxes have
// zero offset and length until written.
type Box interface {
	Type() BoxType
	Bounds() (offset, length int64)
	marshalPayload(ctx *writeContext) ([]byte, error)
}

// superbox is implemented by box variants whose payload is an ordered list
// of child boxes.
type superbox interface {
	Children() []Box
}

type boxHeader struct {
	typ        BoxType
	offset     int64
	length     int64
	headerSize int64
	zeroLength bool // on-disk length field was the 0 ("to end of scope") sentinel
}

func (h *boxHeader) Type() BoxType          { return h.typ }
func (h *boxHeader) Bounds() (int64, int64) { return h.offset, h.length }
func (h *boxHeader) header() *boxHeader     { return h }

type boxDecoder func(r *reader, h boxHeader, d *diag) (Box, error)

// boxDecoderFor dispatches on the 4-byte type tag. A nil return means the
// tag is unrecognized and the payload is preserved raw in an UnknownBox.
func boxDecoderFor(t BoxType) boxDecoder {
	switch t {
	case BoxSignature:
		return decodeSignatureBox
	case BoxFileType:
		return decodeFileTypeBox
	case BoxJP2Header:
		return decodeJP2HeaderBox
	case BoxCodestream:
		return decodeContiguousCodestreamBox
	case BoxImageHeader:
		return decodeImageHeaderBox
	case BoxBitsPerComponent:
		return decodeBitsPerComponentBox
	case BoxColourSpec:
		return decodeColourSpecificationBox
	case BoxPalette:
		return decodePaletteBox
	case BoxComponentMapping:
		return decodeComponentMappingBox
	case BoxChannelDef:
		return decodeChannelDefinitionBox
	case BoxResolution:
		return decodeResolutionBox
	case BoxCaptureRes:
		return decodeCaptureResolutionBox
	case BoxDisplayRes:
		return decodeDisplayResolutionBox
	case BoxUUID:
		return decodeUUIDBox
	case BoxUUIDInfo:
		return decodeUUIDInfoBox
	case BoxUUIDList:
		return decodeUUIDListBox
	case BoxDataEntryURL:
		return decodeDataEntryURLBox
	case BoxXML:
		return decodeXMLBox
	case BoxLabel:
		return decodeLabelBox
	case BoxAssociation:
		return decodeAssociationBox
	case BoxNumberList:
		return decodeNumberListBox
	case BoxReaderReq:
		return decodeReaderRequirementsBox
	case BoxFree:
		return decodeFreeBox
	case BoxFragmentTable:
		return decodeFragmentTableBox
	case BoxFragmentList:
		return decodeFragmentListBox
	case BoxDataReference:
		return decodeDataReferenceBox
	case BoxCodestreamHeader:
		return decodeCodestreamHeaderBox
	case BoxCompLayerHeader:
		return decodeCompLayerHeaderBox
	case BoxColourGroup:
		return decodeColourGroupBox
	default:
		return nil
	}
}

// parseBox reads one box starting at the cursor position. The cursor is
// left at the first byte past the box regardless of how much of the payload
// the variant decoder consumed.
//
// Per ITU-T T.800 I.4: a length field of 1 means an 8-byte extended length
// follows the type tag; a length field of 0 means the box extends to the
// end of the enclosing scope and is only legal for the last box in it.
func parseBox(r *reader, d *diag) (Box, error) {
	off := r.offset()
	l32, err := r.u32()
	if err != nil {
		return nil, err
	}
	tag, err := r.u32()
	if err != nil {
		return nil, err
	}

	h := boxHeader{typ: BoxType(tag), offset: off, headerSize: 8}
	switch l32 {
	case 0:
		h.length = r.end - off
		h.zeroLength = true
	case 1:
		l64, err := r.u64()
		if err != nil {
			return nil, err
		}
		h.headerSize = 16
		h.length = int64(l64)
	default:
		h.length = int64(l32)
	}

	if h.length < h.headerSize {
		return nil, fmt.Errorf("%w: box %s at offset %d declares length %d, smaller than its own header",
			ErrInvalidBox, h.typ, off, h.length)
	}
	if off+h.length > r.end {
		d.warnf(off, h.typ.String(), "declared length %d overruns enclosing scope by %d bytes",
			h.length, off+h.length-r.end)
		h.length = r.end - off
	}

	payload := r.sub(off+h.headerSize, h.length-h.headerSize)

	var box Box
	if fn := boxDecoderFor(h.typ); fn != nil {
		b, err := fn(payload, h, d)
		if err != nil {
			// A recognized box whose payload could not be decoded stays in
			// the tree with its raw bytes so it still round-trips.
			d.warnf(off, h.typ.String(), "payload could not be decoded: %v", err)
			raw := r.sub(off+h.headerSize, h.length-h.headerSize)
			data, rerr := raw.rest()
			if rerr != nil {
				data = nil
			}
			box = &UnknownBox{boxHeader: h, Data: data}
		} else {
			box = b
		}
	} else {
		data, rerr := payload.rest()
		if rerr != nil {
			data = nil
		}
		box = &UnknownBox{boxHeader: h, Data: data}
	}

	r.pos = off + h.length
	return box, nil
}

// parseBoxSequence walks boxes until the cursor's bound is exhausted. A
// truncated or unusable trailing box terminates the list with a warning
// instead of an error so that corrupt trailing data still yields a
// navigable tree.
func parseBoxSequence(r *reader, d *diag) []Box {
	var boxes []Box
	for r.remaining() > 0 {
		if r.remaining() < 8 {
			d.warnf(r.offset(), "", "%d trailing bytes are too short for a box header", r.remaining())
			break
		}
		b, err := parseBox(r, d)
		if err != nil {
			d.warnf(r.offset(), "", "box sequence terminated: %v", err)
			break
		}
		boxes = append(boxes, b)
	}
	return boxes
}

// FindBox returns the first box with the given type tag in a depth-first
// walk of the list, or nil.
func FindBox(boxes []Box, t BoxType) Box {
	for _, b := range boxes {
		if b.Type() == t {
			return b
		}
		if sb, ok := b.(superbox); ok {
			if found := FindBox(sb.Children(), t); found != nil {
				return found
			}
		}
	}
	return nil
}

// walkBoxes calls fn for every box in a depth-first walk, including the
// members of the list itself.
func walkBoxes(boxes []Box, fn func(b Box)) {
	for _, b := range boxes {
		fn(b)
		if sb, ok := b.(superbox); ok {
			walkBoxes(sb.Children(), fn)
		}
	}
}
