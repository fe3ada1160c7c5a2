package jp2

import (
	"fmt"
	"math"
	"time"
)

// File type brands and compatibility entries.
const (
	BrandJP2          = "jp2 "
	BrandJPX          = "jpx "
	CompatJPXBaseline = "jpxb"
)

const signatureContent = 0x0D0A870A

// SignatureBox is the JPEG 2000 signature box ("jP  "). Per ITU-T T.800
// I.5.1 it is always exactly 12 bytes with a fixed 4-byte payload.
type SignatureBox struct {
	boxHeader
	Signature uint32
}

// NewSignatureBox returns a signature box ready for writing.
func NewSignatureBox() *SignatureBox {
	return &SignatureBox{boxHeader: boxHeader{typ: BoxSignature}, Signature: signatureContent}
}

func decodeSignatureBox(r *reader, h boxHeader, d *diag) (Box, error) {
	sig, err := r.u32()
	if err != nil {
		return nil, err
	}
	if sig != signatureContent {
		d.warnf(h.offset, h.typ.String(), "signature content 0x%08X, expected 0x%08X", sig, uint32(signatureContent))
	}
	return &SignatureBox{boxHeader: h, Signature: sig}, nil
}

func (b *SignatureBox) marshalPayload(*writeContext) ([]byte, error) {
	return appendU32(nil, b.Signature), nil
}

// FileTypeBox is the file type box ("ftyp") per ITU-T T.800 I.5.2: a 4-byte
// brand, a minor version, and a compatibility list of 4-byte entries.
type FileTypeBox struct {
	boxHeader
	Brand         string
	MinorVersion  uint32
	Compatibility []string
}

// NewFileTypeBox returns a file type box for the given brand. A nil
// compatibility list defaults to the brand itself.
func NewFileTypeBox(brand string, minorVersion uint32, compatibility []string) *FileTypeBox {
	if compatibility == nil {
		compatibility = []string{brand}
	}
	return &FileTypeBox{
		boxHeader:     boxHeader{typ: BoxFileType},
		Brand:         brand,
		MinorVersion:  minorVersion,
		Compatibility: compatibility,
	}
}

// CompatibleWith reports whether the compatibility list includes the given
// entry.
func (b *FileTypeBox) CompatibleWith(entry string) bool {
	for _, c := range b.Compatibility {
		if c == entry {
			return true
		}
	}
	return false
}

func decodeFileTypeBox(r *reader, h boxHeader, d *diag) (Box, error) {
	brand, err := r.readFull(4)
	if err != nil {
		return nil, err
	}
	minor, err := r.u32()
	if err != nil {
		return nil, err
	}
	b := &FileTypeBox{boxHeader: h, Brand: string(brand), MinorVersion: minor}
	if rem := r.remaining(); rem%4 != 0 {
		d.warnf(h.offset, h.typ.String(), "compatibility list length %d is not a multiple of 4", rem)
	}
	for r.remaining() >= 4 {
		entry, err := r.readFull(4)
		if err != nil {
			break
		}
		b.Compatibility = append(b.Compatibility, string(entry))
	}
	return b, nil
}

func (b *FileTypeBox) marshalPayload(*writeContext) ([]byte, error) {
	if len(b.Brand) != 4 {
		return nil, fmt.Errorf("%w: ftyp brand %q is not 4 characters", ErrInvalidBox, b.Brand)
	}
	buf := append([]byte(nil), b.Brand...)
	buf = appendU32(buf, b.MinorVersion)
	for _, c := range b.Compatibility {
		if len(c) != 4 {
			return nil, fmt.Errorf("%w: ftyp compatibility entry %q is not 4 characters", ErrInvalidBox, c)
		}
		buf = append(buf, c...)
	}
	return buf, nil
}

// JP2HeaderBox is the JP2 header superbox ("jp2h") per ITU-T T.800 I.5.3.
type JP2HeaderBox struct {
	boxHeader
	Boxes []Box
}

// NewJP2HeaderBox returns a JP2 header superbox with the given children.
func NewJP2HeaderBox(children ...Box) *JP2HeaderBox {
	return &JP2HeaderBox{boxHeader: boxHeader{typ: BoxJP2Header}, Boxes: children}
}

func (b *JP2HeaderBox) Children() []Box { return b.Boxes }

func decodeJP2HeaderBox(r *reader, h boxHeader, d *diag) (Box, error) {
	return &JP2HeaderBox{boxHeader: h, Boxes: parseBoxSequence(r, d)}, nil
}

func (b *JP2HeaderBox) marshalPayload(ctx *writeContext) ([]byte, error) {
	return marshalChildren(b.Boxes, ctx)
}

// ImageHeaderBox is the image header box ("ihdr") per ITU-T T.800 I.5.3.1.
type ImageHeaderBox struct {
	boxHeader
	Height        uint32
	Width         uint32
	NumComponents uint16
	// BPC holds bits-per-component: bit 7 is the sign flag, bits 0-6 hold
	// bit depth minus one. 0xFF means depths vary and a bpcc box applies.
	BPC                uint8
	Compression        uint8 // 7 for JPEG 2000
	UnknownColourspace bool
	IPR                bool
}

// NewImageHeaderBox returns an image header box for an image whose
// components share one bit depth and signedness.
func NewImageHeaderBox(height, width uint32, numComponents uint16, bitDepth int, signed bool) *ImageHeaderBox {
	bpc := uint8(bitDepth - 1)
	if signed {
		bpc |= 0x80
	}
	return &ImageHeaderBox{
		boxHeader:     boxHeader{typ: BoxImageHeader},
		Height:        height,
		Width:         width,
		NumComponents: numComponents,
		BPC:           bpc,
		Compression:   7,
	}
}

// BitDepth returns the common component bit depth, or -1 when depths vary
// (BPC == 0xFF) and the bpcc box must be consulted.
func (b *ImageHeaderBox) BitDepth() int {
	if b.BPC == 0xFF {
		return -1
	}
	return int(b.BPC&0x7F) + 1
}

// Signed reports whether component samples are signed.
func (b *ImageHeaderBox) Signed() bool { return b.BPC&0x80 != 0 }

func decodeImageHeaderBox(r *reader, h boxHeader, d *diag) (Box, error) {
	buf, err := r.readFull(14)
	if err != nil {
		return nil, err
	}
	b := &ImageHeaderBox{
		boxHeader:          h,
		Height:             beU32(buf[0:4]),
		Width:              beU32(buf[4:8]),
		NumComponents:      beU16(buf[8:10]),
		BPC:                buf[10],
		Compression:        buf[11],
		UnknownColourspace: buf[12] != 0,
		IPR:                buf[13] != 0,
	}
	if b.Compression != 7 {
		d.warnf(h.offset, h.typ.String(), "compression type %d, expected 7", b.Compression)
	}
	return b, nil
}

func (b *ImageHeaderBox) marshalPayload(*writeContext) ([]byte, error) {
	buf := appendU32(nil, b.Height)
	buf = appendU32(buf, b.Width)
	buf = appendU16(buf, b.NumComponents)
	buf = append(buf, b.BPC, b.Compression, boolByte(b.UnknownColourspace), boolByte(b.IPR))
	return buf, nil
}

// BitsPerComponentBox is the bits-per-component box ("bpcc") used when the
// ihdr BPC field is 0xFF. Each byte follows the BPC encoding.
type BitsPerComponentBox struct {
	boxHeader
	BPC []uint8
}

// BitDepth returns the bit depth of component i.
func (b *BitsPerComponentBox) BitDepth(i int) int { return int(b.BPC[i]&0x7F) + 1 }

// Signed reports whether component i is signed.
func (b *BitsPerComponentBox) Signed(i int) bool { return b.BPC[i]&0x80 != 0 }

func decodeBitsPerComponentBox(r *reader, h boxHeader, d *diag) (Box, error) {
	bpc, err := r.rest()
	if err != nil {
		return nil, err
	}
	return &BitsPerComponentBox{boxHeader: h, BPC: bpc}, nil
}

func (b *BitsPerComponentBox) marshalPayload(*writeContext) ([]byte, error) {
	return append([]byte(nil), b.BPC...), nil
}

// ColourMethod selects how a colour specification box defines its
// colourspace.
type ColourMethod uint8

const (
	MethodEnumerated    ColourMethod = 1 // enumerated colourspace
	MethodRestrictedICC ColourMethod = 2 // restricted ICC profile
	MethodAnyICC        ColourMethod = 3 // any ICC profile (JPX)
)

// ColourSpace holds an enumerated colourspace value per ITU-T T.800
// Table I.1 and ISO/IEC 15444-2.
type ColourSpace uint32

const (
	CSBiLevel1  ColourSpace = 1  // bi-level (1 = black)
	CSYCbCr1    ColourSpace = 3  // YCbCr (ITU-R BT.601-5)
	CSYCbCr2    ColourSpace = 4  // YCbCr (Rec.601)
	CSYCbCr3    ColourSpace = 5  // YCbCr (ITU-R BT.709)
	CSPhotoYCC  ColourSpace = 9  // PhotoYCC
	CSCMY       ColourSpace = 11 // CMY
	CSCMYK      ColourSpace = 12 // CMYK
	CSYCCK      ColourSpace = 13 // YCCK
	CSCIELab    ColourSpace = 14 // CIELab
	CSBiLevel2  ColourSpace = 15 // bi-level (1 = white)
	CSSRGB      ColourSpace = 16 // sRGB
	CSGreyscale ColourSpace = 17 // greyscale
	CSSYCC      ColourSpace = 18 // sYCC
	CSCIEJab    ColourSpace = 19 // CIEJab
	CSESRGB     ColourSpace = 20 // e-sRGB
	CSROMMRGB   ColourSpace = 21 // ROMM-RGB
	CSYPbPr60   ColourSpace = 22 // YPbPr (1125/60)
	CSYPbPr50   ColourSpace = 23 // YPbPr (1250/50)
	CSESYCC     ColourSpace = 24 // e-sYCC
)

// ColourSpecificationBox is the colour specification box ("colr") per
// ITU-T T.800 I.5.3.3. Depending on Method the payload holds either an
// enumerated colourspace value or an embedded ICC profile.
type ColourSpecificationBox struct {
	boxHeader
	Method        ColourMethod
	Precedence    uint8
	Approximation uint8

	// Colourspace is valid when Method == MethodEnumerated.
	Colourspace ColourSpace

	// ICCProfile holds the raw embedded profile for the ICC methods, with
	// its fixed 128-byte header decoded into ICCHeader when possible.
	ICCProfile []byte
	ICCHeader  *ICCProfileHeader
}

// NewColourSpecificationBox returns an enumerated-colourspace colr box.
func NewColourSpecificationBox(cs ColourSpace) *ColourSpecificationBox {
	return &ColourSpecificationBox{
		boxHeader:   boxHeader{typ: BoxColourSpec},
		Method:      MethodEnumerated,
		Colourspace: cs,
	}
}

// NewICCColourSpecificationBox returns a colr box embedding a restricted
// ICC profile.
func NewICCColourSpecificationBox(profile []byte) *ColourSpecificationBox {
	return &ColourSpecificationBox{
		boxHeader:  boxHeader{typ: BoxColourSpec},
		Method:     MethodRestrictedICC,
		ICCProfile: profile,
	}
}

func decodeColourSpecificationBox(r *reader, h boxHeader, d *diag) (Box, error) {
	head, err := r.readFull(3)
	if err != nil {
		return nil, err
	}
	b := &ColourSpecificationBox{
		boxHeader:     h,
		Method:        ColourMethod(head[0]),
		Precedence:    head[1],
		Approximation: head[2],
	}
	switch b.Method {
	case MethodEnumerated:
		cs, err := r.u32()
		if err != nil {
			d.warnf(h.offset, h.typ.String(), "enumerated colourspace value missing")
			return b, nil
		}
		b.Colourspace = ColourSpace(cs)
	case MethodRestrictedICC, MethodAnyICC:
		profile, err := r.rest()
		if err != nil {
			return b, nil
		}
		b.ICCProfile = profile
		hdr, err := parseICCProfileHeader(profile)
		if err != nil {
			d.warnf(h.offset, h.typ.String(), "ICC profile header not decoded: %v", err)
		} else {
			b.ICCHeader = hdr
		}
	default:
		d.warnf(h.offset, h.typ.String(), "unrecognized colour method %d", b.Method)
		b.ICCProfile, _ = r.rest()
	}
	return b, nil
}

func (b *ColourSpecificationBox) marshalPayload(*writeContext) ([]byte, error) {
	buf := []byte{byte(b.Method), b.Precedence, b.Approximation}
	if b.Method == MethodEnumerated {
		return appendU32(buf, uint32(b.Colourspace)), nil
	}
	return append(buf, b.ICCProfile...), nil
}

// ICCProfileHeader is the fixed 128-byte header of an embedded ICC profile
// (ICC.1 clause 7.2). Signature fields are kept as their 4-character forms.
type ICCProfileHeader struct {
	Size            uint32
	PreferredCMM    string
	Version         string
	DeviceClass     string
	ColourSpace     string
	ConnectionSpace string
	Date            time.Time
	Signature       string // "acsp"
	Platform        string
	Flags           uint32
	Manufacturer    string
	Model           string
	Attributes      uint64
	RenderingIntent uint32
	Illuminant      [3]float64 // XYZ, from s15Fixed16 values
	Creator         string
}

func parseICCProfileHeader(profile []byte) (*ICCProfileHeader, error) {
	if len(profile) < 128 {
		return nil, fmt.Errorf("%w: %d bytes, ICC header needs 128", ErrTruncated, len(profile))
	}
	hdr := &ICCProfileHeader{
		Size:            beU32(profile[0:4]),
		PreferredCMM:    string(profile[4:8]),
		Version:         fmt.Sprintf("%d.%d.%d", profile[8], profile[9]>>4, profile[9]&0x0F),
		DeviceClass:     string(profile[12:16]),
		ColourSpace:     string(profile[16:20]),
		ConnectionSpace: string(profile[20:24]),
		Signature:       string(profile[36:40]),
		Platform:        string(profile[40:44]),
		Flags:           beU32(profile[44:48]),
		Manufacturer:    string(profile[48:52]),
		Model:           string(profile[52:56]),
		Attributes:      beU64(profile[56:64]),
		RenderingIntent: beU32(profile[64:68]),
		Creator:         string(profile[80:84]),
	}
	hdr.Date = time.Date(
		int(beU16(profile[24:26])), time.Month(beU16(profile[26:28])), int(beU16(profile[28:30])),
		int(beU16(profile[30:32])), int(beU16(profile[32:34])), int(beU16(profile[34:36])),
		0, time.UTC)
	for i := 0; i < 3; i++ {
		hdr.Illuminant[i] = s15Fixed16(beU32(profile[68+4*i : 72+4*i]))
	}
	if hdr.Signature != "acsp" {
		return nil, fmt.Errorf("%w: profile signature %q, expected \"acsp\"", ErrInvalidBox, hdr.Signature)
	}
	return hdr, nil
}

// s15Fixed16 converts an ICC s15Fixed16Number to float64.
func s15Fixed16(v uint32) float64 {
	return float64(int32(v)) / 65536.0
}

// PaletteBox is the palette box ("pclr") per ITU-T T.800 I.5.3.4: NE
// palette rows of NPC columns, each column with its own bit depth and
// signedness.
type PaletteBox struct {
	boxHeader
	// BPC holds one byte per column in the BPC encoding (bit 7 sign,
	// bits 0-6 depth minus one).
	BPC []uint8
	// Entries is indexed [row][column]; signed columns are sign-extended.
	Entries [][]int32
}

// NumEntries returns the number of palette rows.
func (b *PaletteBox) NumEntries() int { return len(b.Entries) }

// NumColumns returns the number of palette columns.
func (b *PaletteBox) NumColumns() int { return len(b.BPC) }

// ColumnDepth returns the bit depth of column j.
func (b *PaletteBox) ColumnDepth(j int) int { return int(b.BPC[j]&0x7F) + 1 }

// ColumnSigned reports whether column j holds signed values.
func (b *PaletteBox) ColumnSigned(j int) bool { return b.BPC[j]&0x80 != 0 }

func decodePaletteBox(r *reader, h boxHeader, d *diag) (Box, error) {
	ne16, err := r.u16()
	if err != nil {
		return nil, err
	}
	npc, err := r.u8()
	if err != nil {
		return nil, err
	}
	b := &PaletteBox{boxHeader: h}
	if npc == 0 {
		d.warnf(h.offset, h.typ.String(), "palette declares zero columns")
		return b, nil
	}
	bpc, err := r.readFull(int(npc))
	if err != nil {
		d.warnf(h.offset, h.typ.String(), "column depths truncated")
		return b, nil
	}
	b.BPC = bpc

	ne := int(ne16)
	for i := 0; i < ne; i++ {
		row := make([]int32, npc)
		for j := range row {
			depth := b.ColumnDepth(j)
			width := (depth + 7) / 8
			raw, err := r.readFull(width)
			if err != nil {
				d.warnf(h.offset, h.typ.String(),
					"palette data holds %d of %d declared entries", i, ne)
				return b, nil
			}
			var v int64
			for _, c := range raw {
				v = v<<8 | int64(c)
			}
			if b.ColumnSigned(j) && v >= 1<<(depth-1) {
				v -= 1 << depth
			}
			row[j] = int32(v)
		}
		b.Entries = append(b.Entries, row)
	}
	if r.remaining() > 0 {
		d.warnf(h.offset, h.typ.String(), "%d bytes of palette data beyond declared entries", r.remaining())
	}
	return b, nil
}

func (b *PaletteBox) marshalPayload(*writeContext) ([]byte, error) {
	buf := appendU16(nil, uint16(len(b.Entries)))
	buf = appendU8(buf, uint8(len(b.BPC)))
	buf = append(buf, b.BPC...)
	for _, row := range b.Entries {
		if len(row) != len(b.BPC) {
			return nil, fmt.Errorf("%w: palette row has %d columns, header declares %d",
				ErrInvalidBox, len(row), len(b.BPC))
		}
		for j, v := range row {
			depth := b.ColumnDepth(j)
			width := (depth + 7) / 8
			u := uint64(v) & (1<<(8*width) - 1)
			for k := width - 1; k >= 0; k-- {
				buf = append(buf, byte(u>>(8*k)))
			}
		}
	}
	return buf, nil
}

// ComponentMapping maps one palette or codestream component to an output
// channel per ITU-T T.800 I.5.3.5.
type ComponentMapping struct {
	Component     uint16 // codestream component index (CMP)
	MappingType   uint8  // 0 = direct use, 1 = palette mapping (MTYP)
	PaletteColumn uint8  // palette column (PCOL), used when MappingType is 1
}

// ComponentMappingBox is the component mapping box ("cmap").
type ComponentMappingBox struct {
	boxHeader
	Mappings []ComponentMapping
}

func decodeComponentMappingBox(r *reader, h boxHeader, d *diag) (Box, error) {
	b := &ComponentMappingBox{boxHeader: h}
	if r.remaining()%4 != 0 {
		d.warnf(h.offset, h.typ.String(), "payload length %d is not a multiple of 4", r.remaining())
	}
	for r.remaining() >= 4 {
		raw, err := r.readFull(4)
		if err != nil {
			break
		}
		b.Mappings = append(b.Mappings, ComponentMapping{
			Component:     beU16(raw[0:2]),
			MappingType:   raw[2],
			PaletteColumn: raw[3],
		})
	}
	return b, nil
}

func (b *ComponentMappingBox) marshalPayload(*writeContext) ([]byte, error) {
	var buf []byte
	for _, m := range b.Mappings {
		buf = appendU16(buf, m.Component)
		buf = append(buf, m.MappingType, m.PaletteColumn)
	}
	return buf, nil
}

// ChannelDef describes one channel per ITU-T T.800 I.5.3.6.
type ChannelDef struct {
	Channel     uint16 // channel index (Cn)
	ChannelType uint16 // 0 = colour, 1 = opacity, 2 = premultiplied opacity, 0xFFFF = unspecified
	Association uint16 // colour association, 0 = whole image, 0xFFFF = none
}

// ChannelDefinitionBox is the channel definition box ("cdef").
type ChannelDefinitionBox struct {
	boxHeader
	Channels []ChannelDef
}

func decodeChannelDefinitionBox(r *reader, h boxHeader, d *diag) (Box, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	b := &ChannelDefinitionBox{boxHeader: h}
	for i := 0; i < int(n); i++ {
		raw, err := r.readFull(6)
		if err != nil {
			d.warnf(h.offset, h.typ.String(), "payload holds %d of %d declared channel definitions", i, n)
			return b, nil
		}
		b.Channels = append(b.Channels, ChannelDef{
			Channel:     beU16(raw[0:2]),
			ChannelType: beU16(raw[2:4]),
			Association: beU16(raw[4:6]),
		})
	}
	return b, nil
}

func (b *ChannelDefinitionBox) marshalPayload(*writeContext) ([]byte, error) {
	buf := appendU16(nil, uint16(len(b.Channels)))
	for _, c := range b.Channels {
		buf = appendU16(buf, c.Channel)
		buf = appendU16(buf, c.ChannelType)
		buf = appendU16(buf, c.Association)
	}
	return buf, nil
}

// ResolutionBox is the resolution superbox ("res ") holding capture and/or
// display resolution boxes.
type ResolutionBox struct {
	boxHeader
	Boxes []Box
}

func (b *ResolutionBox) Children() []Box { return b.Boxes }

func decodeResolutionBox(r *reader, h boxHeader, d *diag) (Box, error) {
	return &ResolutionBox{boxHeader: h, Boxes: parseBoxSequence(r, d)}, nil
}

func (b *ResolutionBox) marshalPayload(ctx *writeContext) ([]byte, error) {
	return marshalChildren(b.Boxes, ctx)
}

// resolution holds the shared resc/resd payload: vertical and horizontal
// grid resolution as numerator/denominator pairs with base-10 exponents.
// Raw fields are preserved so a parsed box round-trips bit-exactly.
type resolution struct {
	VNum, VDen uint16
	HNum, HDen uint16
	VExp, HExp int8
}

// Vertical returns the vertical resolution in grid points per meter.
func (res *resolution) Vertical() float64 {
	if res.VDen == 0 {
		return 0
	}
	return float64(res.VNum) / float64(res.VDen) * math.Pow10(int(res.VExp))
}

// Horizontal returns the horizontal resolution in grid points per meter.
func (res *resolution) Horizontal() float64 {
	if res.HDen == 0 {
		return 0
	}
	return float64(res.HNum) / float64(res.HDen) * math.Pow10(int(res.HExp))
}

func decodeResolution(r *reader) (resolution, error) {
	raw, err := r.readFull(10)
	if err != nil {
		return resolution{}, err
	}
	return resolution{
		VNum: beU16(raw[0:2]), VDen: beU16(raw[2:4]),
		HNum: beU16(raw[4:6]), HDen: beU16(raw[6:8]),
		VExp: int8(raw[8]), HExp: int8(raw[9]),
	}, nil
}

func (res *resolution) marshal() []byte {
	buf := appendU16(nil, res.VNum)
	buf = appendU16(buf, res.VDen)
	buf = appendU16(buf, res.HNum)
	buf = appendU16(buf, res.HDen)
	return append(buf, byte(res.VExp), byte(res.HExp))
}

// CaptureResolutionBox is the capture resolution box ("resc").
type CaptureResolutionBox struct {
	boxHeader
	resolution
}

func decodeCaptureResolutionBox(r *reader, h boxHeader, d *diag) (Box, error) {
	res, err := decodeResolution(r)
	if err != nil {
		return nil, err
	}
	return &CaptureResolutionBox{boxHeader: h, resolution: res}, nil
}

func (b *CaptureResolutionBox) marshalPayload(*writeContext) ([]byte, error) {
	return b.resolution.marshal(), nil
}

// DisplayResolutionBox is the default display resolution box ("resd").
type DisplayResolutionBox struct {
	boxHeader
	resolution
}

func decodeDisplayResolutionBox(r *reader, h boxHeader, d *diag) (Box, error) {
	res, err := decodeResolution(r)
	if err != nil {
		return nil, err
	}
	return &DisplayResolutionBox{boxHeader: h, resolution: res}, nil
}

func (b *DisplayResolutionBox) marshalPayload(*writeContext) ([]byte, error) {
	return b.resolution.marshal(), nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
