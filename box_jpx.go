package jp2

import (
	"github.com/google/uuid"
)

// ReaderRequirementsBox is the reader requirements box ("rreq") per
// ISO/IEC 15444-2 M.11.1: fully-understands and display-completely masks
// whose byte width is selected by a mask length field, a count-prefixed
// array of standard feature/mask pairs, and a count-prefixed array of
// vendor UUID/mask pairs.
type ReaderRequirementsBox struct {
	boxHeader
	MaskLength        uint8
	FullyUnderstands  uint64
	DisplayCompletely uint64
	StandardFlags     []uint16
	StandardMasks     []uint64
	VendorFeatures    []uuid.UUID
	VendorMasks       []uint64
}

func readMask(r *reader, width int) (uint64, error) {
	raw, err := r.readFull(width)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

func appendMask(buf []byte, v uint64, width int) []byte {
	for k := width - 1; k >= 0; k-- {
		buf = append(buf, byte(v>>(8*k)))
	}
	return buf
}

func decodeReaderRequirementsBox(r *reader, h boxHeader, d *diag) (Box, error) {
	ml, err := r.u8()
	if err != nil {
		return nil, err
	}
	b := &ReaderRequirementsBox{boxHeader: h, MaskLength: ml}
	switch ml {
	case 1, 2, 4, 8:
	default:
		// Some writers emit widths outside the standard's {1,2,4,8}. Keep
		// parsing with the declared width rather than discarding the box.
		d.warnf(h.offset, h.typ.String(), "mask length %d is outside the standard's {1,2,4,8}", ml)
		if ml == 0 || ml > 8 {
			return b, nil
		}
	}
	width := int(ml)
	if b.FullyUnderstands, err = readMask(r, width); err != nil {
		return nil, err
	}
	if b.DisplayCompletely, err = readMask(r, width); err != nil {
		return nil, err
	}

	nsf, err := r.u16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nsf); i++ {
		sf, err := r.u16()
		if err != nil {
			d.warnf(h.offset, h.typ.String(), "payload holds %d of %d declared standard features", i, nsf)
			return b, nil
		}
		sm, err := readMask(r, width)
		if err != nil {
			d.warnf(h.offset, h.typ.String(), "payload holds %d of %d declared standard features", i, nsf)
			return b, nil
		}
		b.StandardFlags = append(b.StandardFlags, sf)
		b.StandardMasks = append(b.StandardMasks, sm)
	}

	nvf, err := r.u16()
	if err != nil {
		d.warnf(h.offset, h.typ.String(), "vendor feature count missing")
		return b, nil
	}
	for i := 0; i < int(nvf); i++ {
		raw, err := r.readFull(16)
		if err != nil {
			d.warnf(h.offset, h.typ.String(), "payload holds %d of %d declared vendor features", i, nvf)
			return b, nil
		}
		var id uuid.UUID
		copy(id[:], raw)
		vm, err := readMask(r, width)
		if err != nil {
			d.warnf(h.offset, h.typ.String(), "payload holds %d of %d declared vendor features", i, nvf)
			return b, nil
		}
		b.VendorFeatures = append(b.VendorFeatures, id)
		b.VendorMasks = append(b.VendorMasks, vm)
	}
	return b, nil
}

func (b *ReaderRequirementsBox) marshalPayload(*writeContext) ([]byte, error) {
	width := int(b.MaskLength)
	buf := appendU8(nil, b.MaskLength)
	buf = appendMask(buf, b.FullyUnderstands, width)
	buf = appendMask(buf, b.DisplayCompletely, width)
	buf = appendU16(buf, uint16(len(b.StandardFlags)))
	for i, sf := range b.StandardFlags {
		buf = appendU16(buf, sf)
		buf = appendMask(buf, b.StandardMasks[i], width)
	}
	buf = appendU16(buf, uint16(len(b.VendorFeatures)))
	for i, vf := range b.VendorFeatures {
		buf = append(buf, vf[:]...)
		buf = appendMask(buf, b.VendorMasks[i], width)
	}
	return buf, nil
}

// Fragment is one entry of a fragment list box: a byte range of codestream
// data, in this file when DataReference is 0, otherwise in the stream
// named by that index of the data reference box.
type Fragment struct {
	Offset        uint64
	Length        uint32
	DataReference uint16
}

// FragmentListBox is the fragment list box ("flst"). When a box tree is
// rewritten by Wrap, offsets of fragments pointing into this file are
// recomputed against the output layout, never copied verbatim.
type FragmentListBox struct {
	boxHeader
	Fragments []Fragment
}

func decodeFragmentListBox(r *reader, h boxHeader, d *diag) (Box, error) {
	nf, err := r.u16()
	if err != nil {
		return nil, err
	}
	b := &FragmentListBox{boxHeader: h}
	for i := 0; i < int(nf); i++ {
		raw, err := r.readFull(14)
		if err != nil {
			d.warnf(h.offset, h.typ.String(), "payload holds %d of %d declared fragments", i, nf)
			return b, nil
		}
		b.Fragments = append(b.Fragments, Fragment{
			Offset:        beU64(raw[0:8]),
			Length:        beU32(raw[8:12]),
			DataReference: beU16(raw[12:14]),
		})
	}
	return b, nil
}

func (b *FragmentListBox) marshalPayload(ctx *writeContext) ([]byte, error) {
	buf := appendU16(nil, uint16(len(b.Fragments)))
	for _, f := range b.Fragments {
		off := f.Offset
		if f.DataReference == 0 && ctx != nil && ctx.remapOffset != nil {
			off = ctx.remapOffset(off)
		}
		buf = appendU64(buf, off)
		buf = appendU32(buf, f.Length)
		buf = appendU16(buf, f.DataReference)
	}
	return buf, nil
}

// FragmentTableBox is the fragment table superbox ("ftbl") holding a
// fragment list box.
type FragmentTableBox struct {
	boxHeader
	Boxes []Box
}

func (b *FragmentTableBox) Children() []Box { return b.Boxes }

func decodeFragmentTableBox(r *reader, h boxHeader, d *diag) (Box, error) {
	return &FragmentTableBox{boxHeader: h, Boxes: parseBoxSequence(r, d)}, nil
}

func (b *FragmentTableBox) marshalPayload(ctx *writeContext) ([]byte, error) {
	return marshalChildren(b.Boxes, ctx)
}

// DataReferenceBox is the data reference box ("dtbl"): a count-prefixed
// list of data entry URL boxes naming external streams that fragment list
// entries may point into. It is only legal in the outermost box list.
type DataReferenceBox struct {
	boxHeader
	DataEntries []Box
}

func (b *DataReferenceBox) Children() []Box { return b.DataEntries }

func decodeDataReferenceBox(r *reader, h boxHeader, d *diag) (Box, error) {
	ndr, err := r.u16()
	if err != nil {
		return nil, err
	}
	b := &DataReferenceBox{boxHeader: h}
	b.DataEntries = parseBoxSequence(r, d)
	if len(b.DataEntries) != int(ndr) {
		d.warnf(h.offset, h.typ.String(), "payload holds %d of %d declared data entries", len(b.DataEntries), ndr)
	}
	return b, nil
}

func (b *DataReferenceBox) marshalPayload(ctx *writeContext) ([]byte, error) {
	buf := appendU16(nil, uint16(len(b.DataEntries)))
	children, err := marshalChildren(b.DataEntries, ctx)
	if err != nil {
		return nil, err
	}
	return append(buf, children...), nil
}

// CodestreamHeaderBox is the JPX codestream header superbox ("jpch").
type CodestreamHeaderBox struct {
	boxHeader
	Boxes []Box
}

func (b *CodestreamHeaderBox) Children() []Box { return b.Boxes }

func decodeCodestreamHeaderBox(r *reader, h boxHeader, d *diag) (Box, error) {
	return &CodestreamHeaderBox{boxHeader: h, Boxes: parseBoxSequence(r, d)}, nil
}

func (b *CodestreamHeaderBox) marshalPayload(ctx *writeContext) ([]byte, error) {
	return marshalChildren(b.Boxes, ctx)
}

// CompositingLayerHeaderBox is the JPX compositing layer header superbox
// ("jplh").
type CompositingLayerHeaderBox struct {
	boxHeader
	Boxes []Box
}

func (b *CompositingLayerHeaderBox) Children() []Box { return b.Boxes }

func decodeCompLayerHeaderBox(r *reader, h boxHeader, d *diag) (Box, error) {
	return &CompositingLayerHeaderBox{boxHeader: h, Boxes: parseBoxSequence(r, d)}, nil
}

func (b *CompositingLayerHeaderBox) marshalPayload(ctx *writeContext) ([]byte, error) {
	return marshalChildren(b.Boxes, ctx)
}

// ColourGroupBox is the JPX colour group superbox ("cgrp"); its children
// must all be colour specification boxes, enforced at write time.
type ColourGroupBox struct {
	boxHeader
	Boxes []Box
}

func (b *ColourGroupBox) Children() []Box { return b.Boxes }

func decodeColourGroupBox(r *reader, h boxHeader, d *diag) (Box, error) {
	return &ColourGroupBox{boxHeader: h, Boxes: parseBoxSequence(r, d)}, nil
}

func (b *ColourGroupBox) marshalPayload(ctx *writeContext) ([]byte, error) {
	return marshalChildren(b.Boxes, ctx)
}
