// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/xerrors"
)

var (
	// ErrFrameTooLarge is reported when a frame declares a size
	// larger than MaxFrameSize or an auth value larger than MaxAuthSize.
	ErrFrameTooLarge = errors.New("frame: frame too large")

	errTrailerOffset = errors.New("frame: invalid trailer offset")
	errUnknownType   = errors.New("frame: unknown frame type")
)

// Marshal returns the CD1.1 encoding of f.
// The trailer offset and the comm verification fields are computed
// from the content of the frame.
func Marshal(f *Frame) []byte {
	w := wbuf{p: make([]byte, HeaderSize, 256)}
	if f.Payload != nil {
		f.Payload.marshal(&w)
	}
	off := w.len()

	w.u32(f.Trailer.AuthKeyID)
	w.u32(uint32(len(f.Trailer.AuthValue)))
	w.padded(f.Trailer.AuthValue)
	w.u64(0) // comm verification, patched below.

	hdr := wbuf{p: w.p[:0]}
	hdr.u32(uint32(f.Type()))
	hdr.u32(uint32(off))
	hdr.str(f.Header.Creator, 8)
	hdr.str(f.Header.Destination, 8)
	hdr.u64(f.Header.Sequence)
	hdr.u32(f.Header.Series)

	raw := w.p
	binary.BigEndian.PutUint64(raw[len(raw)-8:], checksum(raw))
	return raw
}

// Unmarshal decodes a single frame from raw.
// Unmarshal never panics: any failure is reported as a *MalformedFrame.
//
// The returned frame may alias raw.
func Unmarshal(raw []byte) (*Frame, error) {
	var (
		f Frame
		r = &rbuf{p: raw}
	)

	f.Header.unmarshal(r)
	if r.err != nil {
		return nil, malformed(raw, r.off, &f, false, xerrors.Errorf("frame: could not read header: %w", r.err))
	}

	off := f.Header.TrailerOffset
	if off < HeaderSize || uint64(off) > uint64(len(raw)) {
		return nil, malformed(raw, 4, &f, true, errTrailerOffset)
	}

	f.Payload = newPayload(f.Header.Type)
	if f.Payload == nil {
		return nil, malformed(raw, 0, &f, true, errUnknownType)
	}

	body := r.sub(off - HeaderSize)
	f.Payload.unmarshal(body)
	body.done("payload")
	r.join(body)
	if r.err != nil {
		return nil, malformed(raw, r.off, &f, true,
			xerrors.Errorf("frame: could not read %v payload: %w", f.Header.Type, r.err),
		)
	}

	f.Trailer.AuthKeyID = r.u32()
	f.Trailer.AuthValue = r.padded(r.u32())
	f.Trailer.CommVerification = r.u64()
	r.done("frame")
	if r.err != nil {
		return nil, malformed(raw, r.off, &f, true, xerrors.Errorf("frame: could not read trailer: %w", r.err))
	}

	return &f, nil
}

func (hdr *Header) unmarshal(r *rbuf) {
	hdr.Type = Type(r.u32())
	hdr.TrailerOffset = r.u32()
	hdr.Creator = r.str(8)
	hdr.Destination = r.str(8)
	hdr.Sequence = r.u64()
	hdr.Series = r.u32()
}

func malformed(raw []byte, off int, f *Frame, ok bool, err error) *MalformedFrame {
	mf := &MalformedFrame{
		Raw:      raw,
		Offset:   off,
		Header:   f.Header,
		HeaderOK: ok,
		Err:      err,
	}
	if ok {
		mf.Station = f.Header.Creator
	}
	return mf
}

// Encoder writes CD1.1 frames to an output stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the encoding of f to the stream.
func (enc *Encoder) Encode(f *Frame) error {
	if f == nil {
		return nil
	}
	_, err := enc.w.Write(Marshal(f))
	if err != nil {
		return xerrors.Errorf("frame: could not write %v frame: %w", f.Type(), err)
	}
	return nil
}

// Decoder reads CD1.1 frames from an input stream.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a new Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadRaw reads the bytes of the next frame from the stream.
// Frame boundaries are derived from the trailer offset of the header
// and from the auth size of the trailer; the frame content is not
// otherwise validated.
//
// ReadRaw returns io.EOF when the stream ends on a frame boundary and
// io.ErrUnexpectedEOF when it ends within a frame.
// A header declaring an unusable size yields a *MalformedFrame holding
// the header bytes; the stream may then be read further.
func (dec *Decoder) ReadRaw() ([]byte, error) {
	raw := make([]byte, HeaderSize)
	_, err := io.ReadFull(dec.r, raw)
	if err != nil {
		return nil, err
	}

	off := binary.BigEndian.Uint32(raw[4:8])
	switch {
	case off < HeaderSize:
		return raw, dec.malformed(raw, 4, errTrailerOffset)
	case off > MaxFrameSize:
		return raw, dec.malformed(raw, 4, ErrFrameTooLarge)
	}

	raw = grow(raw, int(off)+8) // payload, auth key id and auth size.
	_, err = io.ReadFull(dec.r, raw[HeaderSize:])
	if err != nil {
		return nil, unexpected(err)
	}

	size := binary.BigEndian.Uint32(raw[off+4:])
	if size > MaxAuthSize {
		return raw, dec.malformed(raw, int(off)+4, ErrFrameTooLarge)
	}

	beg := len(raw)
	raw = grow(raw, beg+int(size)+padding(int(size))+8)
	_, err = io.ReadFull(dec.r, raw[beg:])
	if err != nil {
		return nil, unexpected(err)
	}

	return raw, nil
}

// Decode reads the next frame from the stream into f and returns the
// raw bytes it was decoded from.
// Errors that leave the stream usable are reported as *MalformedFrame.
func (dec *Decoder) Decode(f *Frame) ([]byte, error) {
	raw, err := dec.ReadRaw()
	if err != nil {
		return raw, err
	}

	v, err := Unmarshal(raw)
	if err != nil {
		return raw, err
	}
	*f = *v
	return raw, nil
}

func (dec *Decoder) malformed(raw []byte, off int, err error) *MalformedFrame {
	var f Frame
	r := &rbuf{p: raw}
	f.Header.unmarshal(r)
	return malformed(raw, off, &f, r.err == nil, err)
}

func grow(p []byte, n int) []byte {
	if n <= cap(p) {
		return p[:n]
	}
	o := make([]byte, n)
	copy(o, p)
	return o
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
