package jp2

import (
	"io"
	"math"

	"github.com/pkg/errors"
)

// marshalSegment renders one marker segment to wire form: the 2-byte marker,
// then for non-delimiter markers a 2-byte length counting itself followed by
// the payload.
func marshalSegment(s Segment) ([]byte, error) {
	buf := appendU16(nil, uint16(s.Marker()))
	if s.Marker().delimiter() {
		return buf, nil
	}
	payload, err := s.marshalPayload()
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s segment", s.Marker())
	}
	if len(payload)+2 > math.MaxUint16 {
		return nil, errors.Errorf("marshal %s segment: %d-byte payload exceeds the 16-bit length field", s.Marker(), len(payload))
	}
	buf = appendU16(buf, uint16(len(payload)+2))
	return append(buf, payload...), nil
}

// WriteSegment writes one marker segment to w.
func WriteSegment(w io.Writer, s Segment) (int, error) {
	raw, err := marshalSegment(s)
	if err != nil {
		return 0, err
	}
	return w.Write(raw)
}

// WriteCodestream serializes a segment list to w in order. Only the listed
// segments are written; tile-part data bytes skipped during a parse are not
// part of the segment model and must be carried separately, so this is
// intended for freshly built codestreams and header rewrites, not for
// re-emitting a parsed file.
func WriteCodestream(w io.Writer, cs *Codestream) (int64, error) {
	var total int64
	for _, s := range cs.Segments {
		n, err := WriteSegment(w, s)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
