package jp2

import (
	"encoding/binary"
	"io"
)

// reader is a sequential big-endian cursor over an io.ReaderAt, bounded to
// [pos, end). Reads past the bound fail with ErrTruncated. Bounding a cursor
// to a box payload or marker segment keeps a variant decoder from straying
// into a sibling's bytes.
type reader struct {
	src io.ReaderAt
	pos int64
	end int64
}

func newReader(src io.ReaderAt, start, length int64) *reader {
	return &reader{src: src, pos: start, end: start + length}
}

// sub returns a cursor over the same source bounded to [start, start+length),
// clamped to the parent's bound.
func (r *reader) sub(start, length int64) *reader {
	end := start + length
	if end > r.end {
		end = r.end
	}
	return &reader{src: r.src, pos: start, end: end}
}

func (r *reader) offset() int64    { return r.pos }
func (r *reader) remaining() int64 { return r.end - r.pos }

func (r *reader) skip(n int64) error {
	if n < 0 || n > r.remaining() {
		return ErrTruncated
	}
	r.pos += n
	return nil
}

// seek moves the cursor to an absolute offset within the bound.
func (r *reader) seek(off int64) error {
	if off < 0 || off > r.end {
		return ErrTruncated
	}
	r.pos = off
	return nil
}

// readFull reads exactly n bytes and advances the cursor.
func (r *reader) readFull(n int) ([]byte, error) {
	if int64(n) > r.remaining() {
		return nil, ErrTruncated
	}
	buf := make([]byte, n)
	got, err := r.src.ReadAt(buf, r.pos)
	if got < n {
		if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	r.pos += int64(n)
	return buf, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.readFull(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.readFull(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.readFull(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.readFull(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// rest reads all bytes up to the bound.
func (r *reader) rest() ([]byte, error) {
	return r.readFull(int(r.remaining()))
}

// Shorthands for decoding already-sliced big-endian fields.

func beU16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func beU32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func beU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// Append helpers used to build payloads bottom-up before the enclosing
// length field is known.

func appendU8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

func appendU16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// writeUint16 writes a big-endian uint16 to w.
func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// writeUint32 writes a big-endian uint32 to w.
func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// writeUint64 writes a big-endian uint64 to w.
func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// patchUint32 rewrites a 4-byte big-endian field in place. This is the one
// mutation the box model permits: correcting a predecessor's length field
// on disk when it can no longer claim to extend to end of file.
func patchUint32(w io.WriterAt, off int64, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.WriteAt(buf[:], off)
	return err
}
