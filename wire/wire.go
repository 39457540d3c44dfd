// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
)

// MaxPayload is the maximum payload any protocol accepts in a single
// request. 16 MB comfortably covers a full-screen 32-bit image push
// while bounding what a broken client can make the server allocate.
const MaxPayload = 16 * 1024 * 1024

// Writer builds a little-endian message in an append-only buffer.
// The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity preallocated for a message
// of roughly n bytes.
func NewWriter(n int) *Writer {
	return &Writer{buf: make([]byte, 0, n)}
}

// Bytes returns the accumulated message. The slice aliases the
// Writer's internal buffer; the caller must not append further.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// PutU8 appends a single byte.
func (w *Writer) PutU8(v uint8) { w.buf = append(w.buf, v) }

// PutU16 appends a little-endian uint16.
func (w *Writer) PutU16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// PutU32 appends a little-endian uint32.
func (w *Writer) PutU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// PutI16 appends a little-endian int16.
func (w *Writer) PutI16(v int16) { w.PutU16(uint16(v)) }

// PutBytes appends a raw byte block.
func (w *Writer) PutBytes(p []byte) { w.buf = append(w.buf, p...) }

// Pad4 appends zero bytes until the message length is a multiple of 4.
func (w *Writer) Pad4() {
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

// PadTo appends zero bytes until the message is exactly n bytes long.
// Messages already at or past n are left unchanged.
func (w *Writer) PadTo(n int) {
	for len(w.buf) < n {
		w.buf = append(w.buf, 0)
	}
}

// Reader consumes a little-endian message from a byte slice. Reads
// past the end set a sticky short-read flag instead of panicking;
// callers check Ok once after parsing a fixed-size body.
type Reader struct {
	buf   []byte
	off   int
	short bool
}

// NewReader returns a Reader over p. The Reader does not copy p.
func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

// Ok reports whether every read so far was in bounds.
func (r *Reader) Ok() bool { return !r.short }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// U8 consumes one byte.
func (r *Reader) U8() uint8 {
	if r.off+1 > len(r.buf) {
		r.short = true
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

// U16 consumes a little-endian uint16.
func (r *Reader) U16() uint16 {
	if r.off+2 > len(r.buf) {
		r.short = true
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

// U32 consumes a little-endian uint32.
func (r *Reader) U32() uint32 {
	if r.off+4 > len(r.buf) {
		r.short = true
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

// I16 consumes a little-endian int16.
func (r *Reader) I16() int16 { return int16(r.U16()) }

// Bytes consumes n raw bytes. The returned slice aliases the input.
func (r *Reader) Bytes(n int) []byte {
	if n < 0 || r.off+n > len(r.buf) {
		r.short = true
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

// Skip consumes and discards n bytes.
func (r *Reader) Skip(n int) {
	if n < 0 || r.off+n > len(r.buf) {
		r.short = true
		return
	}
	r.off += n
}

// Rest consumes and returns all unread bytes.
func (r *Reader) Rest() []byte {
	v := r.buf[r.off:]
	r.off = len(r.buf)
	return v
}
