// Package wire holds the tiny set of byte-level helpers every message
// codec in evs/pc/gmcast needs: a big-endian Writer/Reader pair, a
// u32-length-prefixed byte-string encoding, and CRC16. This is the one corner of the module deliberately built on the
// standard library's encoding/binary and bytes packages instead of a
// third-party codec (protobuf, msgpack, ...): spec.md explicitly places
// "the byte-level wire serialization helpers" in the external-collaborator
// out-of-scope list, and every message type here needs exact control over
// field order and size for the fixed 4-byte prolog and the round-trip
// byte-for-byte size invariant (serial_size(m) == len(serialize(m))) that
// spec.md's testable properties require — a generic framework would add a
// layer we'd then have to fight to keep exact control over.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Writer accumulates a big-endian encoded message body.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity pre-reserved, matching the
// caller's SerialSize estimate so encoding never reallocates.
func NewWriter(capacityHint int) *Writer {
	return &Writer{buf: make([]byte, 0, capacityHint)}
}

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) U16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *Writer) U32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *Writer) U64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *Writer) Bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// LenPrefixedBytes writes a uint32 length prefix followed by b; EVS uses it
// for the USER/DELEGATE payload.
func (w *Writer) LenPrefixedBytes(b []byte) {
	w.U32(uint32(len(b)))
	w.Bytes(b)
}

// Buf returns the accumulated buffer.
func (w *Writer) Buf() []byte {
	return w.buf
}

// Reader consumes a big-endian encoded message body, accumulating the
// first error so callers can check it once at the end instead of after
// every field (the idiom the teacher's JSON-based (de)serialization
// avoided needing; here it keeps binary decoding equally terse).
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("wire: short buffer: need %d bytes at offset %d, have %d", n, r.off, len(r.buf))
		return false
	}
	return true
}

func (r *Reader) U8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *Reader) U16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *Reader) U32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *Reader) U64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *Reader) Bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *Reader) LenPrefixedBytes() []byte {
	n := r.U32()
	return r.Bytes(int(n))
}

// Remaining returns the unread tail of the buffer.
func (r *Reader) Remaining() []byte {
	if r.err != nil {
		return nil
	}
	return r.buf[r.off:]
}

// Err returns the first decode error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}

// Offset reports how many bytes have been consumed so far.
func (r *Reader) Offset() int {
	return r.off
}

// Buffer is a reference-counted immutable payload, modelled on spec.md's
// ownership model ("Messages are immutable once serialized; buffers are
// shared by reference-count ... until safely delivered"). No package uses
// it: evs's retransmission history and input map hold Message values
// directly.
type Buffer struct {
	data []byte
	refs *int32
}

// NewBuffer wraps an immutable byte slice with a refcount of 1.
func NewBuffer(data []byte) *Buffer {
	r := int32(1)
	return &Buffer{data: data, refs: &r}
}

// Retain increments the refcount and returns the same Buffer for chaining.
func (b *Buffer) Retain() *Buffer {
	*b.refs++
	return b
}

// Release decrements the refcount and returns the new count. Nothing is
// freed or logged when it reaches zero; Go's GC reclaims the data.
func (b *Buffer) Release() int32 {
	*b.refs--
	return *b.refs
}

// Data returns the immutable payload.
func (b *Buffer) Data() []byte {
	return b.data
}
