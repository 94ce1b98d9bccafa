// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"encoding/binary"
	"io"
	"math"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// wbuf accumulates the encoded form of a frame.
type wbuf struct {
	p []byte
}

func (w *wbuf) len() int { return len(w.p) }

func (w *wbuf) write(p []byte) {
	w.p = append(w.p, p...)
}

func (w *wbuf) zeros(n int) {
	for i := 0; i < n; i++ {
		w.p = append(w.p, 0)
	}
}

func (w *wbuf) u8(v uint8) {
	w.p = append(w.p, v)
}

func (w *wbuf) u16(v uint16) {
	w.p = append(w.p, byte(v>>8), byte(v))
}

func (w *wbuf) u32(v uint32) {
	w.p = append(w.p, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (w *wbuf) u64(v uint64) {
	w.u32(uint32(v >> 32))
	w.u32(uint32(v))
}

func (w *wbuf) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *wbuf) putU32(pos int, v uint32) {
	binary.BigEndian.PutUint32(w.p[pos:pos+4], v)
}

// str writes s as a fixed-width, null-padded field of n bytes.
func (w *wbuf) str(s string, n int) {
	if len(s) > n {
		s = s[:n]
	}
	w.p = append(w.p, s...)
	w.zeros(n - len(s))
}

// padded writes p followed by null bytes up to the next 4-byte boundary.
func (w *wbuf) padded(p []byte) {
	w.write(p)
	w.zeros(padding(len(p)))
}

func (w *wbuf) jd(t time.Time) {
	w.p = append(w.p, FormatJD(t)...)
}

// rbuf decodes fields from a byte slice.
// The first error encountered is latched, together with its offset,
// and all subsequent reads are no-ops returning zero values.
type rbuf struct {
	p   []byte
	c   int
	err error
	off int
}

func (r *rbuf) len() int { return len(r.p) - r.c }

func (r *rbuf) fail(err error) {
	if r.err != nil {
		return
	}
	r.err = err
	r.off = r.c
}

func (r *rbuf) need(n uint32) bool {
	if r.err != nil {
		return false
	}
	if uint64(n) > uint64(r.len()) {
		r.fail(io.ErrUnexpectedEOF)
		return false
	}
	return true
}

func (r *rbuf) skip(n uint32) {
	if !r.need(n) {
		return
	}
	r.c += int(n)
}

func (r *rbuf) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.p[r.c]
	r.c++
	return v
}

func (r *rbuf) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.p[r.c:])
	r.c += 2
	return v
}

func (r *rbuf) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.p[r.c:])
	r.c += 4
	return v
}

func (r *rbuf) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.p[r.c:])
	r.c += 8
	return v
}

func (r *rbuf) f32() float32 {
	return math.Float32frombits(r.u32())
}

// bytes returns the next n bytes, aliasing the underlying buffer.
func (r *rbuf) bytes(n uint32) []byte {
	if !r.need(n) || n == 0 {
		return nil
	}
	beg := r.c
	r.c += int(n)
	return r.p[beg:r.c:r.c]
}

// padded returns the next n bytes and skips the alignment padding.
func (r *rbuf) padded(n uint32) []byte {
	p := r.bytes(n)
	r.skip(uint32(padding(int(n))))
	return p
}

// str reads a fixed-width, null-padded field of n bytes.
func (r *rbuf) str(n int) string {
	return strings.TrimRight(string(r.bytes(uint32(n))), "\x00")
}

func (r *rbuf) jd() time.Time {
	if !r.need(jdLen) {
		return time.Time{}
	}
	pos := r.c
	s := string(r.bytes(jdLen))
	t, err := ParseJD(s)
	if err != nil {
		r.err = err
		r.off = pos
	}
	return t
}

// isZero reports whether the next n bytes exist and are all zero.
func (r *rbuf) isZero(n int) bool {
	if r.err != nil || n > r.len() {
		return false
	}
	for _, b := range r.p[r.c : r.c+n] {
		if b != 0 {
			return false
		}
	}
	return true
}

// sub returns a reader limited to the next n bytes.
func (r *rbuf) sub(n uint32) *rbuf {
	if !r.need(n) {
		return &rbuf{err: r.err, off: r.off}
	}
	return &rbuf{p: r.p[:r.c+int(n)], c: r.c}
}

// done flags the bytes left unread in a sub-reader.
func (r *rbuf) done(what string) {
	if r.err != nil || r.c == len(r.p) {
		return
	}
	r.fail(xerrors.Errorf("frame: %s length mismatch: %d unread bytes", what, r.len()))
}

// join resumes reading after the region of a sub-reader.
func (r *rbuf) join(sub *rbuf) {
	if sub.err != nil {
		if r.err == nil {
			r.err = sub.err
			r.off = sub.off
		}
		return
	}
	r.c = len(sub.p)
}
