package group

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when a decoder runs past the end of its input.
var ErrTruncated = errors.New("group: truncated encoding")

// Writer accumulates a big-endian, length-prefixed encoding. All on-wire
// structures of the delivery service are produced through it.
type Writer struct {
	buf []byte
}

// U8 appends a single byte.
func (w *Writer) U8(v uint8) {
	w.buf = append(w.buf, v)
}

// U16 appends a big-endian uint16.
func (w *Writer) U16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// U32 appends a big-endian uint32.
func (w *Writer) U32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// U64 appends a big-endian uint64.
func (w *Writer) U64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// Bytes appends a u32 length followed by the raw bytes.
func (w *Writer) Bytes(b []byte) {
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Raw appends bytes without a length prefix.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Data returns the accumulated encoding.
func (w *Writer) Data() []byte {
	return w.buf
}

// Reader decodes the encodings produced by Writer. Errors are sticky: after
// the first failure every subsequent read returns zero values, and Err
// reports the failure.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrTruncated
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

// U8 reads a single byte.
func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// U16 reads a big-endian uint16.
func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// U32 reads a big-endian uint32.
func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// U64 reads a big-endian uint64.
func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Bytes reads a u32 length prefix followed by that many bytes. The returned
// slice is a copy.
func (r *Reader) Bytes() []byte {
	n := r.U32()
	if r.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(r.buf)-r.off) {
		r.err = ErrTruncated
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Raw reads exactly n bytes without a length prefix.
func (r *Reader) Raw(n int) []byte {
	return r.take(n)
}

// Count reads a u32 list count, bounding it by the remaining input so a
// corrupt count cannot drive allocations.
func (r *Reader) Count() int {
	n := r.U32()
	if r.err != nil {
		return 0
	}
	if uint64(n) > uint64(len(r.buf)-r.off) {
		r.err = ErrTruncated
		return 0
	}
	return int(n)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.off
}

// Err returns the first decoding failure, if any.
func (r *Reader) Err() error {
	return r.err
}

// Done fails unless the whole input was consumed without error.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return errors.New("group: trailing bytes in encoding")
	}
	return nil
}
