package jp2

// Hand-built byte fixtures shared across the parser and writer tests.

func appendMarkerSegment(buf []byte, m Marker, payload []byte) []byte {
	buf = appendU16(buf, uint16(m))
	buf = appendU16(buf, uint16(len(payload)+2))
	return append(buf, payload...)
}

// sizPayload builds a SIZ payload for an untiled 20x10 image with the given
// component set.
func sizPayload(width, height uint32, comps []SIZComponent) []byte {
	buf := appendU16(nil, 0) // Rsiz
	buf = appendU32(buf, width)
	buf = appendU32(buf, height)
	buf = appendU32(buf, 0) // XOsiz
	buf = appendU32(buf, 0) // YOsiz
	buf = appendU32(buf, width)
	buf = appendU32(buf, height)
	buf = appendU32(buf, 0) // XTOsiz
	buf = appendU32(buf, 0) // YTOsiz
	buf = appendU16(buf, uint16(len(comps)))
	for _, c := range comps {
		buf = append(buf, c.Ssiz, c.XRsiz, c.YRsiz)
	}
	return buf
}

func codPayload(decompLevels uint8) []byte {
	buf := []byte{0x00}          // Scod: no precincts, no SOP/EPH
	buf = append(buf, 0x00)      // progression order LRCP
	buf = appendU16(buf, 1)      // layers
	buf = append(buf, 0x00)      // no multi-component transform
	buf = append(buf, decompLevels)
	buf = append(buf, 0x04, 0x04) // 64x64 code blocks
	buf = append(buf, 0x00)       // code-block style
	buf = append(buf, Wavelet53)
	return buf
}

// qcdPayload builds a no-quantization QCD with one exponent byte per
// subband for the given decomposition level count.
func qcdPayload(decompLevels int) []byte {
	buf := []byte{0x40} // 2 guard bits, style 0
	for i := 0; i < 3*decompLevels+1; i++ {
		buf = append(buf, byte(0x48+i))
	}
	return buf
}

func sotPayload(tileIndex uint16, partLength uint32) []byte {
	buf := appendU16(nil, tileIndex)
	buf = appendU32(buf, partLength)
	return append(buf, 0, 1) // TPsot 0 of 1
}

// buildCodestream assembles SOC, main header, one tile-part whose data is
// tileData, and EOC. tileData may contain marker-lookalike bytes; the
// declared tile-part length is what carries the parser across them.
func buildCodestream(decompLevels uint8, tileData []byte) []byte {
	buf := appendU16(nil, uint16(MarkerSOC))
	buf = appendMarkerSegment(buf, MarkerSIZ, sizPayload(20, 10, []SIZComponent{{Ssiz: 7, XRsiz: 1, YRsiz: 1}}))
	buf = appendMarkerSegment(buf, MarkerCOD, codPayload(decompLevels))
	buf = appendMarkerSegment(buf, MarkerQCD, qcdPayload(int(decompLevels)))
	// Psot: SOT segment (12) + SOD marker (2) + data.
	buf = appendMarkerSegment(buf, MarkerSOT, sotPayload(0, uint32(12+2+len(tileData))))
	buf = appendU16(buf, uint16(MarkerSOD))
	buf = append(buf, tileData...)
	return appendU16(buf, uint16(MarkerEOC))
}

func appendBox(buf []byte, t BoxType, payload []byte) []byte {
	buf = appendU32(buf, uint32(len(payload)+8))
	buf = appendU32(buf, uint32(t))
	return append(buf, payload...)
}

func signatureBox() []byte {
	return appendBox(nil, BoxSignature, []byte{0x0D, 0x0A, 0x87, 0x0A})
}

func ftypPayload(brand string, compat ...string) []byte {
	buf := append([]byte(nil), brand...)
	buf = appendU32(buf, 0)
	for _, c := range compat {
		buf = append(buf, c...)
	}
	return buf
}

func ihdrPayload(height, width uint32, comps uint16, bpc byte) []byte {
	buf := appendU32(nil, height)
	buf = appendU32(buf, width)
	buf = appendU16(buf, comps)
	return append(buf, bpc, 7, 0, 0) // jpeg2000 compression, known colourspace, no IPR
}

// buildMinimalJP2 assembles the smallest well-formed JP2 file: signature,
// ftyp, jp2h holding a lone ihdr, and a jp2c with a one-tile codestream.
func buildMinimalJP2(tileData []byte) []byte {
	buf := signatureBox()
	buf = appendBox(buf, BoxFileType, ftypPayload(BrandJP2, BrandJP2))
	jp2h := appendBox(nil, BoxImageHeader, ihdrPayload(10, 20, 1, 7))
	buf = appendBox(buf, BoxJP2Header, jp2h)
	return appendBox(buf, BoxCodestream, buildCodestream(5, tileData))
}
