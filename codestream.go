package jp2

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding/charmap"
)

// Marker is a 2-byte codestream marker code per ITU-T T.800 Annex A.
type Marker uint16

const (
	MarkerSOC Marker = 0xFF4F // Start of codestream
	MarkerSIZ Marker = 0xFF51 // Image and tile size
	MarkerCOD Marker = 0xFF52 // Coding style default
	MarkerCOC Marker = 0xFF53 // Coding style component
	MarkerTLM Marker = 0xFF55 // Tile-part lengths
	MarkerPLM Marker = 0xFF57 // Packet length, main header
	MarkerPLT Marker = 0xFF58 // Packet length, tile-part header
	MarkerQCD Marker = 0xFF5C // Quantization default
	MarkerQCC Marker = 0xFF5D // Quantization component
	MarkerRGN Marker = 0xFF5E // Region of interest
	MarkerPOC Marker = 0xFF5F // Progression order change
	MarkerPPM Marker = 0xFF60 // Packed packet headers, main header
	MarkerPPT Marker = 0xFF61 // Packed packet headers, tile-part header
	MarkerCRG Marker = 0xFF63 // Component registration
	MarkerCOM Marker = 0xFF64 // Comment
	MarkerSOT Marker = 0xFF90 // Start of tile-part
	MarkerSOD Marker = 0xFF93 // Start of data
	MarkerEOC Marker = 0xFFD9 // End of codestream
)

var markerNames = map[Marker]string{
	MarkerSOC: "SOC",
	MarkerSIZ: "SIZ",
	MarkerCOD: "COD",
	MarkerCOC: "COC",
	MarkerTLM: "TLM",
	MarkerPLM: "PLM",
	MarkerPLT: "PLT",
	MarkerQCD: "QCD",
	MarkerQCC: "QCC",
	MarkerRGN: "RGN",
	MarkerPOC: "POC",
	MarkerPPM: "PPM",
	MarkerPPT: "PPT",
	MarkerCRG: "CRG",
	MarkerCOM: "COM",
	MarkerSOT: "SOT",
	MarkerSOD: "SOD",
	MarkerEOC: "EOC",
}

// String renders a known marker by its standard abbreviation, and any other
// code as 0x<hex>.
func (m Marker) String() string {
	if name, ok := markerNames[m]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", uint16(m))
}

// delimiter reports whether the marker has no length field.
func (m Marker) delimiter() bool {
	if m == MarkerSOC || m == MarkerSOD || m == MarkerEOC {
		return true
	}
	// 0xFF30-0xFF3F are reserved length-less markers.
	return m >= 0xFF30 && m <= 0xFF3F
}

// Segment is one marker segment of a codestream. Every variant records the
// absolute offset of its 2-byte marker in the source stream.
type Segment interface {
	Marker() Marker
	Offset() int64
	marshalPayload() ([]byte, error)
}

type segmentHeader struct {
	marker Marker
	offset int64
}

func (h *segmentHeader) Marker() Marker { return h.marker }
func (h *segmentHeader) Offset() int64  { return h.offset }

// DelimiterSegment is a marker with no length field: SOC, SOD, EOC, and the
// reserved 0xFF30-0xFF3F range.
type DelimiterSegment struct {
	segmentHeader
}

func (s *DelimiterSegment) marshalPayload() ([]byte, error) { return nil, nil }

// UnknownSegment preserves an unrecognized marker segment, or a recognized
// one whose payload could not be decoded, as raw bytes.
type UnknownSegment struct {
	segmentHeader
	Raw []byte
}

func (s *UnknownSegment) marshalPayload() ([]byte, error) { return s.Raw, nil }

// SIZComponent is one component record of a SIZ segment. Ssiz keeps the raw
// byte: bit 7 is the signed flag, bits 0-6 hold bit depth minus one.
type SIZComponent struct {
	Ssiz  uint8
	XRsiz uint8
	YRsiz uint8
}

// BitDepth returns the component's sample precision in bits.
func (c SIZComponent) BitDepth() int { return int(c.Ssiz&0x7F) + 1 }

// Signed reports whether the component's samples are signed.
func (c SIZComponent) Signed() bool { return c.Ssiz&0x80 != 0 }

// SIZSegment is the image and tile size segment, the canonical source of
// image geometry and per-component precision.
type SIZSegment struct {
	segmentHeader
	Rsiz       uint16
	XSiz, YSiz uint32
	XOSiz      uint32
	YOSiz      uint32
	XTSiz      uint32
	YTSiz      uint32
	XTOSiz     uint32
	YTOSiz     uint32
	Components []SIZComponent
}

// NumTilesX returns the tile grid width.
func (s *SIZSegment) NumTilesX() int {
	return int(ceilDiv(int64(s.XSiz)-int64(s.XTOSiz), int64(s.XTSiz)))
}

// NumTilesY returns the tile grid height.
func (s *SIZSegment) NumTilesY() int {
	return int(ceilDiv(int64(s.YSiz)-int64(s.YTOSiz), int64(s.YTSiz)))
}

func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func decodeSIZ(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	raw, err := r.readFull(36)
	if err != nil {
		return nil, err
	}
	s := &SIZSegment{
		segmentHeader: h,
		Rsiz:          beU16(raw[0:2]),
		XSiz:          beU32(raw[2:6]),
		YSiz:          beU32(raw[6:10]),
		XOSiz:         beU32(raw[10:14]),
		YOSiz:         beU32(raw[14:18]),
		XTSiz:         beU32(raw[18:22]),
		YTSiz:         beU32(raw[22:26]),
		XTOSiz:        beU32(raw[26:30]),
		YTOSiz:        beU32(raw[30:34]),
	}
	csiz := int(beU16(raw[34:36]))
	if int64(csiz)*3 != r.remaining() {
		d.warnf(h.offset, "SIZ", "component count %d disagrees with %d remaining payload bytes", csiz, r.remaining())
	}
	for i := 0; i < csiz && r.remaining() >= 3; i++ {
		c, err := r.readFull(3)
		if err != nil {
			break
		}
		s.Components = append(s.Components, SIZComponent{Ssiz: c[0], XRsiz: c[1], YRsiz: c[2]})
	}
	ctx.csiz = len(s.Components)
	return s, nil
}

func (s *SIZSegment) marshalPayload() ([]byte, error) {
	buf := appendU16(nil, s.Rsiz)
	buf = appendU32(buf, s.XSiz)
	buf = appendU32(buf, s.YSiz)
	buf = appendU32(buf, s.XOSiz)
	buf = appendU32(buf, s.YOSiz)
	buf = appendU32(buf, s.XTSiz)
	buf = appendU32(buf, s.YTSiz)
	buf = appendU32(buf, s.XTOSiz)
	buf = appendU32(buf, s.YTOSiz)
	buf = appendU16(buf, uint16(len(s.Components)))
	for _, c := range s.Components {
		buf = append(buf, c.Ssiz, c.XRsiz, c.YRsiz)
	}
	return buf, nil
}

// Progression orders (SGcod/SPcoc and POC Ppoc values).
const (
	ProgressionLRCP = 0 // layer-resolution-component-position
	ProgressionRLCP = 1
	ProgressionRPCL = 2
	ProgressionPCRL = 3
	ProgressionCPRL = 4
)

// Wavelet filter selectors.
const (
	Wavelet97 = 0 // 9-7 irreversible
	Wavelet53 = 1 // 5-3 reversible
)

// CODSegment is the coding style default segment. PrecinctSizes holds the
// raw packed (PPx, PPy) nibble bytes, one per resolution level, and is empty
// when Scod declares the default 2^15 x 2^15 precincts.
type CODSegment struct {
	segmentHeader
	Scod               uint8
	ProgressionOrder   uint8
	NumLayers          uint16
	MultiCompTransform uint8
	DecompLevels       uint8
	CodeBlockExpX      uint8 // stored as log2(width) - 2
	CodeBlockExpY      uint8
	CodeBlockStyle     uint8
	WaveletFilter      uint8
	PrecinctSizes      []uint8
}

// UsesPrecincts reports whether Scod declares explicit precinct sizes.
func (s *CODSegment) UsesPrecincts() bool { return s.Scod&0x01 != 0 }

// SOPMarkers reports whether SOP markers may be present in the bitstream.
func (s *CODSegment) SOPMarkers() bool { return s.Scod&0x02 != 0 }

// EPHMarkers reports whether EPH markers are present in packet headers.
func (s *CODSegment) EPHMarkers() bool { return s.Scod&0x04 != 0 }

// CodeBlockSize returns the code-block dimensions in samples.
func (s *CODSegment) CodeBlockSize() (w, h int) {
	return 1 << (s.CodeBlockExpX + 2), 1 << (s.CodeBlockExpY + 2)
}

// PrecinctSize returns the precinct dimensions for a resolution level.
func (s *CODSegment) PrecinctSize(res int) (w, h int) {
	if !s.UsesPrecincts() || res >= len(s.PrecinctSizes) {
		return 1 << 15, 1 << 15
	}
	p := s.PrecinctSizes[res]
	return 1 << (p & 0x0F), 1 << (p >> 4)
}

func decodeCOD(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	raw, err := r.readFull(10)
	if err != nil {
		return nil, err
	}
	s := &CODSegment{
		segmentHeader:      h,
		Scod:               raw[0],
		ProgressionOrder:   raw[1],
		NumLayers:          beU16(raw[2:4]),
		MultiCompTransform: raw[4],
		DecompLevels:       raw[5],
		CodeBlockExpX:      raw[6],
		CodeBlockExpY:      raw[7],
		CodeBlockStyle:     raw[8],
		WaveletFilter:      raw[9],
	}
	if s.UsesPrecincts() {
		want := int(s.DecompLevels) + 1
		if int64(want) > r.remaining() {
			d.warnf(h.offset, "COD", "payload holds %d of %d expected precinct size bytes", r.remaining(), want)
			want = int(r.remaining())
		}
		s.PrecinctSizes, _ = r.readFull(want)
	}
	ctx.decompLevels = int(s.DecompLevels)
	ctx.haveCOD = true
	return s, nil
}

func (s *CODSegment) marshalPayload() ([]byte, error) {
	buf := []byte{s.Scod, s.ProgressionOrder}
	buf = appendU16(buf, s.NumLayers)
	buf = append(buf, s.MultiCompTransform, s.DecompLevels,
		s.CodeBlockExpX, s.CodeBlockExpY, s.CodeBlockStyle, s.WaveletFilter)
	return append(buf, s.PrecinctSizes...), nil
}

// COCSegment is the coding style component segment: a per-component
// override of the COD defaults.
type COCSegment struct {
	segmentHeader
	Component      uint16
	Scoc           uint8
	DecompLevels   uint8
	CodeBlockExpX  uint8
	CodeBlockExpY  uint8
	CodeBlockStyle uint8
	WaveletFilter  uint8
	PrecinctSizes  []uint8
	csizHint       int
}

// UsesPrecincts reports whether Scoc declares explicit precinct sizes.
func (s *COCSegment) UsesPrecincts() bool { return s.Scoc&0x01 != 0 }

// readComponentIndex reads a component index: 1 byte when the image has
// fewer than 257 components, 2 bytes otherwise (T.800 A.6.2).
func readComponentIndex(r *reader, ctx *csContext) (uint16, error) {
	if ctx.csiz < 257 {
		v, err := r.u8()
		return uint16(v), err
	}
	return r.u16()
}

func appendComponentIndex(buf []byte, comp uint16, csiz int) []byte {
	if csiz < 257 {
		return append(buf, byte(comp))
	}
	return appendU16(buf, comp)
}

func decodeCOC(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	comp, err := readComponentIndex(r, ctx)
	if err != nil {
		return nil, err
	}
	raw, err := r.readFull(6)
	if err != nil {
		return nil, err
	}
	s := &COCSegment{
		segmentHeader:  h,
		csizHint:       ctx.csiz,
		Component:      comp,
		Scoc:           raw[0],
		DecompLevels:   raw[1],
		CodeBlockExpX:  raw[2],
		CodeBlockExpY:  raw[3],
		CodeBlockStyle: raw[4],
		WaveletFilter:  raw[5],
	}
	if s.UsesPrecincts() {
		want := int(s.DecompLevels) + 1
		if int64(want) > r.remaining() {
			d.warnf(h.offset, "COC", "payload holds %d of %d expected precinct size bytes", r.remaining(), want)
			want = int(r.remaining())
		}
		s.PrecinctSizes, _ = r.readFull(want)
	}
	if ctx.cocDecomp == nil {
		ctx.cocDecomp = make(map[uint16]int)
	}
	ctx.cocDecomp[comp] = int(s.DecompLevels)
	return s, nil
}

func (s *COCSegment) marshalPayload() ([]byte, error) {
	buf := appendComponentIndex(nil, s.Component, s.csizHint)
	buf = append(buf, s.Scoc, s.DecompLevels,
		s.CodeBlockExpX, s.CodeBlockExpY, s.CodeBlockStyle, s.WaveletFilter)
	return append(buf, s.PrecinctSizes...), nil
}

// Quantization styles (low 5 bits of Sqcd/Sqcc).
const (
	QuantNone            = 0 // no quantization, exponents only
	QuantScalarDerived   = 1
	QuantScalarExpounded = 2
)

// QCDSegment is the quantization default segment. StepSizes holds raw
// element values: single exponent bytes for QuantNone, 2-byte
// exponent/mantissa words otherwise.
type QCDSegment struct {
	segmentHeader
	Sqcd      uint8
	StepSizes []uint16
}

// QuantStyle returns the quantization style from Sqcd's low 5 bits.
func (s *QCDSegment) QuantStyle() int { return int(s.Sqcd & 0x1F) }

// GuardBits returns the guard bit count from Sqcd's high 3 bits.
func (s *QCDSegment) GuardBits() int { return int(s.Sqcd >> 5) }

// quantElemWidth returns the byte width of one step-size element for a
// quantization style.
func quantElemWidth(style int) int {
	if style == QuantNone {
		return 1
	}
	return 2
}

// quantElemCount returns the subband count implied by a quantization style
// and a decomposition-level count: one per subband (3N+1) except for the
// scalar-derived style, which carries a single value.
func quantElemCount(style, decompLevels int) int {
	if style == QuantScalarDerived {
		return 1
	}
	return 3*decompLevels + 1
}

// readStepSizes decodes a step-size array sized from the decomposition
// level count recorded by the corresponding COD/COC. A mismatch between the
// expected element count and the bytes actually present is reported as a
// warning and as many whole elements as exist are kept.
func readStepSizes(r *reader, h segmentHeader, name string, style, decompLevels int, haveDecomp bool, d *diag) []uint16 {
	width := quantElemWidth(style)
	avail := int(r.remaining()) / width
	n := avail
	if haveDecomp {
		want := quantElemCount(style, decompLevels)
		if want != avail {
			d.warnf(h.offset, name, "style %d with %d decomposition levels implies %d step sizes, payload holds %d",
				style, decompLevels, want, avail)
		}
		if want < avail {
			n = want
		}
	}
	var out []uint16
	for i := 0; i < n; i++ {
		var v uint16
		if width == 1 {
			b, err := r.u8()
			if err != nil {
				break
			}
			v = uint16(b)
		} else {
			w, err := r.u16()
			if err != nil {
				break
			}
			v = w
		}
		out = append(out, v)
	}
	return out
}

func appendStepSizes(buf []byte, style int, steps []uint16) []byte {
	if quantElemWidth(style) == 1 {
		for _, v := range steps {
			buf = append(buf, byte(v))
		}
		return buf
	}
	for _, v := range steps {
		buf = appendU16(buf, v)
	}
	return buf
}

func decodeQCD(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	sqcd, err := r.u8()
	if err != nil {
		return nil, err
	}
	s := &QCDSegment{segmentHeader: h, Sqcd: sqcd}
	s.StepSizes = readStepSizes(r, h, "QCD", s.QuantStyle(), ctx.decompLevels, ctx.haveCOD, d)
	return s, nil
}

func (s *QCDSegment) marshalPayload() ([]byte, error) {
	return appendStepSizes([]byte{s.Sqcd}, s.QuantStyle(), s.StepSizes), nil
}

// QCCSegment is the quantization component segment. Step-size sizing uses
// the component's COC decomposition levels when one was seen, falling back
// to the COD default.
type QCCSegment struct {
	segmentHeader
	Component uint16
	Sqcc      uint8
	StepSizes []uint16
	csizHint  int
}

// QuantStyle returns the quantization style from Sqcc's low 5 bits.
func (s *QCCSegment) QuantStyle() int { return int(s.Sqcc & 0x1F) }

// GuardBits returns the guard bit count from Sqcc's high 3 bits.
func (s *QCCSegment) GuardBits() int { return int(s.Sqcc >> 5) }

func decodeQCC(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	comp, err := readComponentIndex(r, ctx)
	if err != nil {
		return nil, err
	}
	sqcc, err := r.u8()
	if err != nil {
		return nil, err
	}
	s := &QCCSegment{segmentHeader: h, Component: comp, Sqcc: sqcc, csizHint: ctx.csiz}
	decomp, have := ctx.decompLevelsFor(comp)
	s.StepSizes = readStepSizes(r, h, "QCC", s.QuantStyle(), decomp, have, d)
	return s, nil
}

func (s *QCCSegment) marshalPayload() ([]byte, error) {
	buf := appendComponentIndex(nil, s.Component, s.csizHint)
	buf = append(buf, s.Sqcc)
	return appendStepSizes(buf, s.QuantStyle(), s.StepSizes), nil
}

// RGNSegment is the region of interest segment.
type RGNSegment struct {
	segmentHeader
	Component uint16
	Srgn      uint8
	SPrgn     uint8
	csizHint  int
}

func decodeRGN(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	comp, err := readComponentIndex(r, ctx)
	if err != nil {
		return nil, err
	}
	raw, err := r.readFull(2)
	if err != nil {
		return nil, err
	}
	return &RGNSegment{segmentHeader: h, Component: comp, Srgn: raw[0], SPrgn: raw[1], csizHint: ctx.csiz}, nil
}

func (s *RGNSegment) marshalPayload() ([]byte, error) {
	buf := appendComponentIndex(nil, s.Component, s.csizHint)
	return append(buf, s.Srgn, s.SPrgn), nil
}

// POCEntry is one progression-order-change record.
type POCEntry struct {
	RSpoc  uint8
	CSpoc  uint16
	LYEpoc uint16
	REpoc  uint8
	CEpoc  uint16
	Ppoc   uint8
}

// POCSegment is the progression order change segment.
type POCSegment struct {
	segmentHeader
	Entries  []POCEntry
	csizHint int
}

func decodePOC(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	s := &POCSegment{segmentHeader: h, csizHint: ctx.csiz}
	compWidth := 1
	if ctx.csiz >= 257 {
		compWidth = 2
	}
	entrySize := int64(5 + 2*compWidth)
	if r.remaining()%entrySize != 0 {
		d.warnf(h.offset, "POC", "payload length %d is not a multiple of the %d-byte entry size", r.remaining(), entrySize)
	}
	for r.remaining() >= entrySize {
		var e POCEntry
		var err error
		if e.RSpoc, err = r.u8(); err != nil {
			break
		}
		if e.CSpoc, err = readComponentIndex(r, ctx); err != nil {
			break
		}
		if e.LYEpoc, err = r.u16(); err != nil {
			break
		}
		if e.REpoc, err = r.u8(); err != nil {
			break
		}
		if e.CEpoc, err = readComponentIndex(r, ctx); err != nil {
			break
		}
		if e.Ppoc, err = r.u8(); err != nil {
			break
		}
		s.Entries = append(s.Entries, e)
	}
	return s, nil
}

func (s *POCSegment) marshalPayload() ([]byte, error) {
	var buf []byte
	for _, e := range s.Entries {
		buf = append(buf, e.RSpoc)
		buf = appendComponentIndex(buf, e.CSpoc, s.csizHint)
		buf = appendU16(buf, e.LYEpoc)
		buf = append(buf, e.REpoc)
		buf = appendComponentIndex(buf, e.CEpoc, s.csizHint)
		buf = append(buf, e.Ppoc)
	}
	return buf, nil
}

// TLMEntry is one tile-part length record.
type TLMEntry struct {
	TileIndex  uint16
	PartLength uint32
}

// TLMSegment is the tile-part lengths segment. Stlm's ST bits (4-5) select
// a 0-, 1-, or 2-byte tile index; the SP bit (6) selects 16- or 32-bit
// lengths.
type TLMSegment struct {
	segmentHeader
	Ztlm    uint8
	Stlm    uint8
	Entries []TLMEntry
}

func (s *TLMSegment) tileIndexWidth() int { return int(s.Stlm>>4) & 0x03 }

func (s *TLMSegment) lengthWidth() int {
	if s.Stlm&0x40 != 0 {
		return 4
	}
	return 2
}

func decodeTLM(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	raw, err := r.readFull(2)
	if err != nil {
		return nil, err
	}
	s := &TLMSegment{segmentHeader: h, Ztlm: raw[0], Stlm: raw[1]}
	tw, lw := s.tileIndexWidth(), s.lengthWidth()
	if tw == 3 {
		d.warnf(h.offset, "TLM", "reserved tile index width in Stlm 0x%02X", s.Stlm)
		return s, nil
	}
	entrySize := int64(tw + lw)
	if r.remaining()%entrySize != 0 {
		d.warnf(h.offset, "TLM", "payload length %d is not a multiple of the %d-byte entry size", r.remaining(), entrySize)
	}
	var nextImplicit uint16
	for r.remaining() >= entrySize {
		var e TLMEntry
		switch tw {
		case 0:
			e.TileIndex = nextImplicit
			nextImplicit++
		case 1:
			v, err := r.u8()
			if err != nil {
				return s, nil
			}
			e.TileIndex = uint16(v)
		case 2:
			v, err := r.u16()
			if err != nil {
				return s, nil
			}
			e.TileIndex = v
		}
		if lw == 2 {
			v, err := r.u16()
			if err != nil {
				return s, nil
			}
			e.PartLength = uint32(v)
		} else {
			v, err := r.u32()
			if err != nil {
				return s, nil
			}
			e.PartLength = v
		}
		s.Entries = append(s.Entries, e)
	}
	return s, nil
}

func (s *TLMSegment) marshalPayload() ([]byte, error) {
	buf := []byte{s.Ztlm, s.Stlm}
	tw, lw := s.tileIndexWidth(), s.lengthWidth()
	for _, e := range s.Entries {
		switch tw {
		case 1:
			buf = append(buf, byte(e.TileIndex))
		case 2:
			buf = appendU16(buf, e.TileIndex)
		}
		if lw == 2 {
			buf = appendU16(buf, uint16(e.PartLength))
		} else {
			buf = appendU32(buf, e.PartLength)
		}
	}
	return buf, nil
}

// readVarLengths decodes the continuation-bit encoding used by PLT and PLM
// packet lengths: 7 value bits per byte, high bit set on all but the final
// byte of each value.
func readVarLengths(data []byte) []uint64 {
	var out []uint64
	var v uint64
	for _, b := range data {
		v = v<<7 | uint64(b&0x7F)
		if b&0x80 == 0 {
			out = append(out, v)
			v = 0
		}
	}
	return out
}

func appendVarLength(buf []byte, v uint64) []byte {
	var tmp [10]byte
	i := len(tmp)
	i--
	tmp[i] = byte(v & 0x7F)
	v >>= 7
	for v > 0 {
		i--
		tmp[i] = byte(v&0x7F) | 0x80
		v >>= 7
	}
	return append(buf, tmp[i:]...)
}

// PLTSegment is the packet length (tile-part header) segment.
type PLTSegment struct {
	segmentHeader
	Zplt          uint8
	PacketLengths []uint64
}

func decodePLT(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	z, err := r.u8()
	if err != nil {
		return nil, err
	}
	raw, err := r.rest()
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 && raw[len(raw)-1]&0x80 != 0 {
		d.warnf(h.offset, "PLT", "final packet length is missing its terminating byte")
	}
	return &PLTSegment{segmentHeader: h, Zplt: z, PacketLengths: readVarLengths(raw)}, nil
}

func (s *PLTSegment) marshalPayload() ([]byte, error) {
	buf := []byte{s.Zplt}
	for _, v := range s.PacketLengths {
		buf = appendVarLength(buf, v)
	}
	return buf, nil
}

// PLMSegment is the packet length (main header) segment: per tile-part, a
// byte count followed by that many bytes of continuation-bit packet
// lengths.
type PLMSegment struct {
	segmentHeader
	Zplm      uint8
	TileParts [][]uint64
}

func decodePLM(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	z, err := r.u8()
	if err != nil {
		return nil, err
	}
	s := &PLMSegment{segmentHeader: h, Zplm: z}
	for r.remaining() > 0 {
		n, err := r.u8()
		if err != nil {
			break
		}
		raw, err := r.readFull(int(n))
		if err != nil {
			d.warnf(h.offset, "PLM", "tile-part record declares %d length bytes, %d remain", n, r.remaining())
			break
		}
		s.TileParts = append(s.TileParts, readVarLengths(raw))
	}
	return s, nil
}

func (s *PLMSegment) marshalPayload() ([]byte, error) {
	buf := []byte{s.Zplm}
	for _, part := range s.TileParts {
		var enc []byte
		for _, v := range part {
			enc = appendVarLength(enc, v)
		}
		buf = append(buf, byte(len(enc)))
		buf = append(buf, enc...)
	}
	return buf, nil
}

// PPMSegment is the packed packet headers (main header) segment. The
// packet-header bytes are kept raw; assembling split Zppm chunks is the
// entropy decoder's concern.
type PPMSegment struct {
	segmentHeader
	Zppm uint8
	Data []byte
}

func decodePPM(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	z, err := r.u8()
	if err != nil {
		return nil, err
	}
	data, err := r.rest()
	if err != nil {
		return nil, err
	}
	return &PPMSegment{segmentHeader: h, Zppm: z, Data: data}, nil
}

func (s *PPMSegment) marshalPayload() ([]byte, error) {
	return append([]byte{s.Zppm}, s.Data...), nil
}

// PPTSegment is the packed packet headers (tile-part header) segment.
type PPTSegment struct {
	segmentHeader
	Zppt uint8
	Data []byte
}

func decodePPT(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	z, err := r.u8()
	if err != nil {
		return nil, err
	}
	data, err := r.rest()
	if err != nil {
		return nil, err
	}
	return &PPTSegment{segmentHeader: h, Zppt: z, Data: data}, nil
}

func (s *PPTSegment) marshalPayload() ([]byte, error) {
	return append([]byte{s.Zppt}, s.Data...), nil
}

// CRGSegment is the component registration segment: per-component
// horizontal and vertical offsets in units of 1/65536 of the sample grid.
type CRGSegment struct {
	segmentHeader
	XCrg []uint16
	YCrg []uint16
}

func decodeCRG(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	s := &CRGSegment{segmentHeader: h}
	if r.remaining()%4 != 0 {
		d.warnf(h.offset, "CRG", "payload length %d is not a multiple of 4", r.remaining())
	}
	for r.remaining() >= 4 {
		x, err := r.u16()
		if err != nil {
			break
		}
		y, err := r.u16()
		if err != nil {
			break
		}
		s.XCrg = append(s.XCrg, x)
		s.YCrg = append(s.YCrg, y)
	}
	return s, nil
}

func (s *CRGSegment) marshalPayload() ([]byte, error) {
	var buf []byte
	for i := range s.XCrg {
		buf = appendU16(buf, s.XCrg[i])
		buf = appendU16(buf, s.YCrg[i])
	}
	return buf, nil
}

// Comment registration values.
const (
	CommentBinary = 0
	CommentLatin1 = 1
)

// COMSegment is the comment segment. Data keeps the raw payload bytes;
// Text decodes them for Latin-1 registered comments.
type COMSegment struct {
	segmentHeader
	Registration uint16
	Data         []byte
}

// Text returns the comment decoded per its registration: Latin-1 comments
// are transcoded to UTF-8, anything else is returned byte-for-byte.
func (s *COMSegment) Text() string {
	if s.Registration == CommentLatin1 {
		if out, err := charmap.ISO8859_1.NewDecoder().Bytes(s.Data); err == nil {
			return string(out)
		}
	}
	return string(s.Data)
}

func decodeCOM(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	reg, err := r.u16()
	if err != nil {
		return nil, err
	}
	data, err := r.rest()
	if err != nil {
		return nil, err
	}
	if reg > CommentLatin1 {
		d.warnf(h.offset, "COM", "registration value %d is reserved", reg)
	}
	return &COMSegment{segmentHeader: h, Registration: reg, Data: data}, nil
}

func (s *COMSegment) marshalPayload() ([]byte, error) {
	return append(appendU16(nil, s.Registration), s.Data...), nil
}

// SOTSegment is the start of tile-part segment. PartLength (Psot) counts
// from the first byte of the SOT marker through the end of the tile-part's
// data; 0 means the tile-part extends to the end of the codestream and is
// only legal in the last tile-part.
type SOTSegment struct {
	segmentHeader
	TileIndex  uint16
	PartLength uint32
	PartIndex  uint8
	NumParts   uint8
}

func decodeSOT(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error) {
	raw, err := r.readFull(8)
	if err != nil {
		return nil, err
	}
	return &SOTSegment{
		segmentHeader: h,
		TileIndex:     beU16(raw[0:2]),
		PartLength:    beU32(raw[2:6]),
		PartIndex:     raw[6],
		NumParts:      raw[7],
	}, nil
}

func (s *SOTSegment) marshalPayload() ([]byte, error) {
	buf := appendU16(nil, s.TileIndex)
	buf = appendU32(buf, s.PartLength)
	return append(buf, s.PartIndex, s.NumParts), nil
}

// csContext carries the cross-segment state the walker must thread forward:
// the component count from SIZ selects component-index field widths, and
// COD/COC decomposition levels size later QCD/QCC step-size arrays.
type csContext struct {
	csiz         int
	haveCOD      bool
	decompLevels int
	cocDecomp    map[uint16]int
}

func (ctx *csContext) decompLevelsFor(comp uint16) (levels int, known bool) {
	if n, ok := ctx.cocDecomp[comp]; ok {
		return n, true
	}
	return ctx.decompLevels, ctx.haveCOD
}

type segmentDecoder func(r *reader, h segmentHeader, ctx *csContext, d *diag) (Segment, error)

// segmentDecoderFor dispatches on the marker code. A nil return means the
// marker is unrecognized and the payload is preserved raw.
func segmentDecoderFor(m Marker) segmentDecoder {
	switch m {
	case MarkerSIZ:
		return decodeSIZ
	case MarkerCOD:
		return decodeCOD
	case MarkerCOC:
		return decodeCOC
	case MarkerQCD:
		return decodeQCD
	case MarkerQCC:
		return decodeQCC
	case MarkerRGN:
		return decodeRGN
	case MarkerPOC:
		return decodePOC
	case MarkerTLM:
		return decodeTLM
	case MarkerPLM:
		return decodePLM
	case MarkerPLT:
		return decodePLT
	case MarkerPPM:
		return decodePPM
	case MarkerPPT:
		return decodePPT
	case MarkerCRG:
		return decodeCRG
	case MarkerCOM:
		return decodeCOM
	case MarkerSOT:
		return decodeSOT
	default:
		return nil
	}
}

// Codestream is the parsed marker-segment list of one codestream.
type Codestream struct {
	// Offset is the absolute position of the SOC marker in the source.
	Offset int64

	// Segments holds every parsed segment in stream order. With a
	// header-only parse the list stops at the first tile-part's SOD.
	Segments []Segment

	// Complete reports whether the parse reached an EOC marker. A
	// truncated stream leaves it false alongside a truncation warning.
	Complete bool
}

// Segment returns the first segment with the given marker, or nil.
func (cs *Codestream) Segment(m Marker) Segment {
	for _, s := range cs.Segments {
		if s.Marker() == m {
			return s
		}
	}
	return nil
}

// MainHeader returns the segments before the first tile-part.
func (cs *Codestream) MainHeader() []Segment {
	for i, s := range cs.Segments {
		if s.Marker() == MarkerSOT {
			return cs.Segments[:i]
		}
	}
	return cs.Segments
}

// SIZ returns the image and tile size segment, or nil.
func (cs *Codestream) SIZ() *SIZSegment {
	s, _ := cs.Segment(MarkerSIZ).(*SIZSegment)
	return s
}

// COD returns the main-header coding style default segment, or nil.
func (cs *Codestream) COD() *CODSegment {
	for _, s := range cs.MainHeader() {
		if cod, ok := s.(*CODSegment); ok {
			return cod
		}
	}
	return nil
}

// QCD returns the main-header quantization default segment, or nil.
func (cs *Codestream) QCD() *QCDSegment {
	for _, s := range cs.MainHeader() {
		if qcd, ok := s.(*QCDSegment); ok {
			return qcd
		}
	}
	return nil
}

// TileParts returns the SOT segments in stream order.
func (cs *Codestream) TileParts() []*SOTSegment {
	var out []*SOTSegment
	for _, s := range cs.Segments {
		if sot, ok := s.(*SOTSegment); ok {
			out = append(out, sot)
		}
	}
	return out
}

// parseCodestream walks marker segments from the cursor position to its
// bound. The stream must begin with SOC. With headerOnly set the walk stops
// at the first tile-part's SOD marker; otherwise tile-part data is skipped
// using the length declared by the most recent SOT, never scanned for
// markers, since entropy-coded bytes may contain any value.
func parseCodestream(r *reader, headerOnly bool, d *diag) (*Codestream, error) {
	start := r.offset()
	first, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("%w: stream too short for an SOC marker", ErrInvalidInput)
	}
	if Marker(first) != MarkerSOC {
		return nil, fmt.Errorf("%w: expected SOC marker at offset %d, found 0x%04X", ErrInvalidInput, start, first)
	}

	cs := &Codestream{Offset: start}
	cs.Segments = append(cs.Segments, &DelimiterSegment{segmentHeader{MarkerSOC, start}})

	ctx := &csContext{}
	var lastSOT *SOTSegment

	for {
		segOff := r.offset()
		if r.remaining() == 0 {
			d.warnf(segOff, "", "codestream ended without an EOC marker")
			return cs, nil
		}
		raw, err := r.readFull(2)
		if err != nil {
			d.warnf(segOff, "", "codestream truncated inside a marker code")
			return cs, nil
		}
		m := Marker(beU16(raw))
		if uint16(m)>>8 != 0xFF {
			d.warnf(segOff, "", "expected a marker at offset %d, found 0x%04X", segOff, uint16(m))
			return cs, nil
		}

		if m == MarkerEOC {
			cs.Segments = append(cs.Segments, &DelimiterSegment{segmentHeader{m, segOff}})
			cs.Complete = true
			return cs, nil
		}
		if m == MarkerSOD {
			cs.Segments = append(cs.Segments, &DelimiterSegment{segmentHeader{m, segOff}})
			if headerOnly {
				return cs, nil
			}
			if lastSOT == nil {
				d.warnf(segOff, "SOD", "tile-part data without a preceding SOT, cannot locate the next marker")
				return cs, nil
			}
			if lastSOT.PartLength == 0 {
				// Psot 0 means the tile-part runs to the end of the
				// codestream; all that can follow is a trailing EOC.
				if r.remaining() >= 2 {
					if err := r.seek(r.end - 2); err != nil {
						return cs, nil
					}
					probe, err := r.readFull(2)
					if err == nil && Marker(beU16(probe)) == MarkerEOC {
						cs.Segments = append(cs.Segments, &DelimiterSegment{segmentHeader{MarkerEOC, r.end - 2}})
						cs.Complete = true
						return cs, nil
					}
				}
				d.warnf(segOff, "SOD", "open-ended tile-part is not terminated by EOC")
				return cs, nil
			}
			next := lastSOT.Offset() + int64(lastSOT.PartLength)
			if next > r.end {
				d.warnf(lastSOT.Offset(), "SOT", "declared tile-part length %d overruns the codestream by %d bytes",
					lastSOT.PartLength, next-r.end)
				return cs, nil
			}
			if err := r.seek(next); err != nil {
				return cs, nil
			}
			lastSOT = nil
			continue
		}
		if m.delimiter() {
			if m != MarkerSOC {
				d.warnf(segOff, m.String(), "reserved delimiter marker 0x%04X", uint16(m))
			}
			cs.Segments = append(cs.Segments, &DelimiterSegment{segmentHeader{m, segOff}})
			continue
		}

		l, err := r.u16()
		if err != nil {
			d.warnf(segOff, m.String(), "codestream truncated inside the segment length field")
			return cs, nil
		}
		if l < 2 {
			d.warnf(segOff, m.String(), "segment length %d cannot cover its own length field", l)
			return cs, nil
		}
		payload, err := r.readFull(int(l) - 2)
		if err != nil {
			d.warnf(segOff, m.String(), "segment declares %d payload bytes, stream holds %d", l-2, r.remaining())
			return cs, nil
		}

		h := segmentHeader{marker: m, offset: segOff}
		pr := newReader(bytes.NewReader(payload), 0, int64(len(payload)))
		var seg Segment
		if fn := segmentDecoderFor(m); fn != nil {
			s, err := fn(pr, h, ctx, d)
			if err != nil {
				d.warnf(segOff, m.String(), "payload could not be decoded: %v", err)
				seg = &UnknownSegment{segmentHeader: h, Raw: payload}
			} else {
				seg = s
			}
		} else {
			d.warnf(segOff, m.String(), "unrecognized marker 0x%04X", uint16(m))
			seg = &UnknownSegment{segmentHeader: h, Raw: payload}
		}
		cs.Segments = append(cs.Segments, seg)

		if sot, ok := seg.(*SOTSegment); ok {
			lastSOT = sot
		}
	}
}
