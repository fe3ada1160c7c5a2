package jp2

import (
	"fmt"
	"io"
	"strings"
)

// DumpBoxes renders a box tree one line per box, children indented under
// their superbox. Each line carries the type tag, source offset and length,
// and a short per-type summary.
func DumpBoxes(w io.Writer, boxes []Box) error {
	return dumpBoxes(w, boxes, 0)
}

func dumpBoxes(w io.Writer, boxes []Box, depth int) error {
	indent := strings.Repeat("    ", depth)
	for _, b := range boxes {
		off, length := b.Bounds()
		if _, err := fmt.Fprintf(w, "%s%s @%d+%d %s\n", indent, b.Type(), off, length, boxSummary(b)); err != nil {
			return err
		}
		if sb, ok := b.(superbox); ok {
			if err := dumpBoxes(w, sb.Children(), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func boxSummary(b Box) string {
	switch b := b.(type) {
	case *FileTypeBox:
		return fmt.Sprintf("brand=%q compat=%q", b.Brand, b.Compatibility)
	case *ImageHeaderBox:
		return fmt.Sprintf("%dx%d, %d components, %d bits", b.Width, b.Height, b.NumComponents, b.BitDepth())
	case *ColourSpecificationBox:
		if b.Method == MethodEnumerated {
			return fmt.Sprintf("method=enumerated colourspace=%d", b.Colourspace)
		}
		return fmt.Sprintf("method=%d, %d-byte ICC profile", b.Method, len(b.ICCProfile))
	case *PaletteBox:
		return fmt.Sprintf("%d entries, %d columns", len(b.Entries), len(b.BPC))
	case *ContiguousCodestreamBox:
		_, n := b.ContentBounds()
		return fmt.Sprintf("%d codestream bytes", n)
	case *UUIDBox:
		return fmt.Sprintf("uuid=%s, %d payload bytes", b.UUID, len(b.Payload))
	case *LabelBox:
		return fmt.Sprintf("%q", b.Label)
	case *XMLBox:
		return fmt.Sprintf("%d bytes", len(b.Raw))
	case *ReaderRequirementsBox:
		return fmt.Sprintf("%d standard features, %d vendor features", len(b.StandardFlags), len(b.VendorFeatures))
	case *FragmentListBox:
		return fmt.Sprintf("%d fragments", len(b.Fragments))
	case *UnknownBox:
		return fmt.Sprintf("%d raw bytes", len(b.Data))
	default:
		return ""
	}
}

// DumpCodestream renders a codestream's segment list one line per segment.
func DumpCodestream(w io.Writer, cs *Codestream) error {
	for _, s := range cs.Segments {
		if _, err := fmt.Fprintf(w, "%s @%d %s\n", s.Marker(), s.Offset(), segmentSummary(s)); err != nil {
			return err
		}
	}
	return nil
}

func segmentSummary(s Segment) string {
	switch s := s.(type) {
	case *SIZSegment:
		return fmt.Sprintf("%dx%d, tiles %dx%d, %d components",
			s.XSiz, s.YSiz, s.XTSiz, s.YTSiz, len(s.Components))
	case *CODSegment:
		w, h := s.CodeBlockSize()
		return fmt.Sprintf("prog=%d layers=%d levels=%d cblk=%dx%d",
			s.ProgressionOrder, s.NumLayers, s.DecompLevels, w, h)
	case *QCDSegment:
		return fmt.Sprintf("style=%d guard=%d, %d step sizes", s.QuantStyle(), s.GuardBits(), len(s.StepSizes))
	case *QCCSegment:
		return fmt.Sprintf("component=%d style=%d, %d step sizes", s.Component, s.QuantStyle(), len(s.StepSizes))
	case *SOTSegment:
		return fmt.Sprintf("tile=%d part=%d/%d length=%d", s.TileIndex, s.PartIndex, s.NumParts, s.PartLength)
	case *COMSegment:
		if s.Registration == CommentLatin1 {
			return fmt.Sprintf("%q", s.Text())
		}
		return fmt.Sprintf("%d binary bytes", len(s.Data))
	case *PLTSegment:
		return fmt.Sprintf("%d packet lengths", len(s.PacketLengths))
	case *UnknownSegment:
		return fmt.Sprintf("%d raw bytes", len(s.Raw))
	default:
		return ""
	}
}

// Dump renders the file's structure: the box tree, or the codestream
// segments for a bare codestream. With full set, the segment list of every
// contiguous codestream box is rendered beneath the tree as well.
func (f *File) Dump(w io.Writer, full bool) error {
	if f.raw != nil {
		cs, err := f.Codestream()
		if err != nil {
			return err
		}
		return DumpCodestream(w, cs)
	}
	if err := DumpBoxes(w, f.Boxes); err != nil {
		return err
	}
	if !full {
		return nil
	}
	cs, err := f.Codestream()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return DumpCodestream(w, cs)
}
