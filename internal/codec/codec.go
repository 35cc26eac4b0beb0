// Package codec implements the length-prefixed byte framing used inside
// every wire message: a uint32 big-endian length followed by that many
// bytes, for both UTF-8 strings and opaque byte arrays (spec.md §4.1, §6).
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/wirebus/wirebus/internal/busserr"
)

// Writer accumulates length-prefixed fields into a contiguous buffer.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) WriteString(s string) {
	w.WriteByteArray([]byte(s))
}

func (w *Writer) WriteByteArray(b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, b...)
}

// Finish returns the accumulated bytes. The Writer must not be reused.
func (w *Writer) Finish() []byte { return w.buf }

// Reader consumes length-prefixed fields from a fixed byte slice.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// ReadByteArray reads one length-prefixed byte array, failing with a
// busserr.Protocol ("short read") error if the buffer is exhausted first.
func (r *Reader) ReadByteArray() ([]byte, error) {
	if r.pos+4 > len(r.buf) {
		return nil, busserr.Protocol(fmt.Sprintf("short read: need 4 length bytes at offset %d, have %d total", r.pos, len(r.buf)))
	}
	n := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	end := r.pos + int(n)
	if end > len(r.buf) || end < r.pos {
		return nil, busserr.Protocol(fmt.Sprintf("short read: need %d bytes at offset %d, have %d total", n, r.pos, len(r.buf)))
	}
	out := r.buf[r.pos:end]
	r.pos = end
	return out, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadByteArray()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }
