// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

// Factory wraps payloads into frames stamped with a fixed creator,
// destination and authentication key.
type Factory struct {
	Creator     string
	Destination string
	Series      uint32
	AuthKeyID   uint32
}

// Wrap returns a frame holding p, with a zero sequence number.
func (fac Factory) Wrap(p Payload) *Frame {
	return fac.WrapSequenced(p, 0)
}

// WrapSequenced returns a frame holding p with sequence number seq.
func (fac Factory) WrapSequenced(p Payload, seq uint64) *Frame {
	return &Frame{
		Header: Header{
			Type:        p.FrameType(),
			Creator:     fac.Creator,
			Destination: fac.Destination,
			Sequence:    seq,
			Series:      fac.Series,
		},
		Payload: p,
		Trailer: Trailer{
			AuthKeyID: fac.AuthKeyID,
		},
	}
}
