// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestUnmarshalTruncated(t *testing.T) {
	for _, tc := range testFrames() {
		t.Run(tc.name, func(t *testing.T) {
			raw := Marshal(tc.frame)
			for i := 0; i < len(raw); i++ {
				f, err := Unmarshal(raw[:i])
				if f != nil {
					t.Fatalf("prefix %d: decoded a truncated frame", i)
				}
				var mf *MalformedFrame
				if !errors.As(err, &mf) {
					t.Fatalf("prefix %d: invalid error type %T: %+v", i, err, err)
				}
				if mf.Offset < 0 || mf.Offset > i {
					t.Fatalf("prefix %d: invalid malformed offset %d", i, mf.Offset)
				}
				if got, want := mf.HeaderOK, i >= HeaderSize; got != want {
					t.Fatalf("prefix %d: invalid header flag: got=%v, want=%v", i, got, want)
				}
			}
		})
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	alert := Marshal(fac.Wrap(&Alert{Message: "abcd"}))
	data := Marshal(fac.WrapSequenced(&Data{
		Header: ChannelSubframeHeader{FrameTimeLength: 10, NominalTime: t0},
	}, 1))

	for _, tc := range []struct {
		name    string
		raw     []byte
		mutate  func(p []byte) []byte
		station string
	}{
		{
			name: "unknown-type",
			raw:  alert,
			mutate: func(p []byte) []byte {
				binary.BigEndian.PutUint32(p, 99)
				return p
			},
			station: "AB",
		},
		{
			name: "small-trailer-offset",
			raw:  alert,
			mutate: func(p []byte) []byte {
				binary.BigEndian.PutUint32(p[4:], 12)
				return p
			},
			station: "AB",
		},
		{
			name: "payload-length-mismatch",
			raw:  alert,
			mutate: func(p []byte) []byte {
				binary.BigEndian.PutUint32(p[HeaderSize:], 0)
				return p
			},
			station: "AB",
		},
		{
			name: "trailing-bytes",
			raw:  alert,
			mutate: func(p []byte) []byte {
				return append(p, 0, 0, 0, 0)
			},
			station: "AB",
		},
		{
			name: "invalid-julian-date",
			raw:  data,
			mutate: func(p []byte) []byte {
				p[HeaderSize+8] = 'X'
				return p
			},
			station: "AB",
		},
		{
			name: "short-header",
			raw:  alert,
			mutate: func(p []byte) []byte {
				return p[:10]
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw := tc.mutate(append([]byte(nil), tc.raw...))
			_, err := Unmarshal(raw)
			var mf *MalformedFrame
			if !errors.As(err, &mf) {
				t.Fatalf("invalid error type %T: %+v", err, err)
			}
			if got, want := mf.Station, tc.station; got != want {
				t.Fatalf("invalid station: got=%q, want=%q", got, want)
			}
			if !bytes.Equal(mf.Raw, raw) {
				t.Fatalf("malformed frame does not hold the raw bytes")
			}
		})
	}
}

func TestDecoderStream(t *testing.T) {
	var (
		f1 = Marshal(fac.WrapSequenced(&Alert{Message: "first"}, 1))
		f2 = Marshal(fac.WrapSequenced(&Data{
			Header: ChannelSubframeHeader{FrameTimeLength: 10, NominalTime: t0},
		}, 2))
		f3 = Marshal(fac.WrapSequenced(&Alert{Message: "third"}, 3))
	)
	f2[HeaderSize+8] = 'X' // corrupt the nominal time.

	bad := make([]byte, HeaderSize) // header with an invalid trailer offset.
	binary.BigEndian.PutUint32(bad, uint32(AlertType))
	binary.BigEndian.PutUint32(bad[4:], 2)

	buf := new(bytes.Buffer)
	buf.Write(f1)
	buf.Write(f2)
	buf.Write(bad)
	buf.Write(f3)

	dec := NewDecoder(buf)
	for i, want := range []struct {
		seq       uint64
		malformed bool
	}{
		{seq: 1},
		{seq: 2, malformed: true},
		{malformed: true},
		{seq: 3},
	} {
		var f Frame
		raw, err := dec.Decode(&f)
		if want.malformed {
			var mf *MalformedFrame
			if !errors.As(err, &mf) {
				t.Fatalf("frame %d: expected a malformed frame, got %+v", i, err)
			}
			if len(raw) == 0 {
				t.Fatalf("frame %d: malformed frame without raw bytes", i)
			}
			continue
		}
		if err != nil {
			t.Fatalf("frame %d: could not decode frame: %+v", i, err)
		}
		if got, want := f.Header.Sequence, want.seq; got != want {
			t.Fatalf("frame %d: invalid sequence: got=%d, want=%d", i, got, want)
		}
		if !IsValidCRC(raw, &f) {
			t.Fatalf("frame %d: invalid CRC", i)
		}
	}

	var f Frame
	_, err := dec.Decode(&f)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("invalid end of stream: got=%+v, want=%+v", err, io.EOF)
	}
}

func TestDecoderTruncatedStream(t *testing.T) {
	raw := Marshal(fac.Wrap(&Alert{Message: "truncated"}))
	for _, tc := range []struct {
		name string
		n    int
		want error
	}{
		{name: "empty", n: 0, want: io.EOF},
		{name: "in-header", n: 10, want: io.ErrUnexpectedEOF},
		{name: "in-payload", n: HeaderSize + 2, want: io.ErrUnexpectedEOF},
		{name: "in-trailer", n: len(raw) - 1, want: io.ErrUnexpectedEOF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dec := NewDecoder(bytes.NewReader(raw[:tc.n]))
			_, err := dec.ReadRaw()
			if !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.want)
			}
		})
	}
}

func TestDecoderTooLarge(t *testing.T) {
	raw := Marshal(fac.Wrap(&Alert{Message: "big"}))
	binary.BigEndian.PutUint32(raw[4:], MaxFrameSize+1)

	dec := NewDecoder(bytes.NewReader(raw))
	got, err := dec.ReadRaw()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrFrameTooLarge)
	}
	if got, want := len(got), HeaderSize; got != want {
		t.Fatalf("invalid number of consumed bytes: got=%d, want=%d", got, want)
	}
}
