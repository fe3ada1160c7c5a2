package jp2

import (
	"io"
	"math"

	"github.com/pkg/errors"
)

// writeContext carries state shared across a single serialization pass.
// remapOffset, when set, translates pre-write file offsets of in-file
// fragment list entries into offsets valid for the output layout.
type writeContext struct {
	remapOffset func(uint64) uint64
}

// encodeBoxHeader renders the wire header for a box with the given payload
// size. When the total box size does not fit the 4-byte length field the
// extended form is used: length field 1 followed by an 8-byte length that
// counts the 16-byte header as well.
func encodeBoxHeader(t BoxType, payloadLen int64) []byte {
	if payloadLen+8 > math.MaxUint32 {
		buf := appendU32(nil, 1)
		buf = appendU32(buf, uint32(t))
		return appendU64(buf, uint64(payloadLen)+16)
	}
	buf := appendU32(nil, uint32(payloadLen)+8)
	return appendU32(buf, uint32(t))
}

// marshalBox renders a box, header included, into a byte slice. Lengths are
// always written explicitly; the zero "to end of scope" sentinel is never
// emitted even if the box was parsed from one.
func marshalBox(b Box, ctx *writeContext) ([]byte, error) {
	payload, err := b.marshalPayload(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s box", b.Type())
	}
	return append(encodeBoxHeader(b.Type(), int64(len(payload))), payload...), nil
}

// marshalChildren renders a superbox's child list in order.
func marshalChildren(boxes []Box, ctx *writeContext) ([]byte, error) {
	var buf []byte
	for _, b := range boxes {
		raw, err := marshalBox(b, ctx)
		if err != nil {
			return nil, err
		}
		buf = append(buf, raw...)
	}
	return buf, nil
}

// writeBox writes one box to w and reports the number of bytes written. A
// codestream box backed by a source stream is streamed through a section
// reader rather than buffered, since jp2c payloads dominate file size.
func writeBox(w io.Writer, b Box, ctx *writeContext) (int64, error) {
	if cb, ok := b.(*ContiguousCodestreamBox); ok && cb.src != nil {
		header := encodeBoxHeader(cb.typ, cb.contentLen)
		if _, err := w.Write(header); err != nil {
			return 0, errors.Wrap(err, "write jp2c header")
		}
		n, err := io.Copy(w, io.NewSectionReader(cb.src, cb.contentOff, cb.contentLen))
		if err != nil {
			return int64(len(header)) + n, errors.Wrap(err, "copy jp2c content")
		}
		return int64(len(header)) + n, nil
	}
	raw, err := marshalBox(b, ctx)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(raw)
	return int64(n), errors.Wrapf(err, "write %s box", b.Type())
}

// WriteBoxes serializes a box list to w in order, returning the total byte
// count. All length fields are recomputed from the in-memory tree; source
// offsets recorded at parse time are ignored.
func WriteBoxes(w io.Writer, boxes []Box) (int64, error) {
	return writeBoxList(w, boxes, &writeContext{})
}

func writeBoxList(w io.Writer, boxes []Box, ctx *writeContext) (int64, error) {
	var total int64
	for _, b := range boxes {
		n, err := writeBox(w, b, ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// wireSize reports the number of bytes writeBox will produce for b,
// without buffering the payload of a stream-backed codestream box.
func wireSize(b Box, ctx *writeContext) (int64, error) {
	if cb, ok := b.(*ContiguousCodestreamBox); ok && cb.src != nil {
		return int64(len(encodeBoxHeader(cb.typ, cb.contentLen))) + cb.contentLen, nil
	}
	payload, err := b.marshalPayload(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(encodeBoxHeader(b.Type(), int64(len(payload))))) + int64(len(payload)), nil
}
