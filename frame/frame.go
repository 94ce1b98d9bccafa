// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frame implements encoding and decoding of CD1.1 frames.
//
// A CD1.1 frame is made of a fixed-size header, a typed payload and
// a trailer holding authentication data and a CRC-64 checksum.
// All integers are stored in big-endian order.
package frame // import "github.com/go-lpc/cd11/frame"

import (
	"fmt"
)

const (
	// HeaderSize is the size in bytes of an encoded frame header.
	HeaderSize = 36

	// MaxFrameSize is the largest trailer offset accepted by Decoder.
	MaxFrameSize = 16 << 20

	// MaxAuthSize is the largest authentication value accepted by Decoder.
	MaxAuthSize = 1 << 16

	trailerFixedSize = 4 + 4 + 8 // auth key id, auth size, comm verification
)

// Type identifies the kind of payload carried by a frame.
type Type uint32

// Frame types, as written in the frame header.
const (
	ConnectionRequestType  Type = 1  // station asks the connection manager for its consumer
	ConnectionResponseType Type = 2  // connection manager redirects a station
	OptionRequestType      Type = 3  // option negotiation request
	OptionResponseType     Type = 4  // option negotiation answer
	DataType               Type = 5  // channel subframes
	AcknackType            Type = 6  // heartbeat with the receiver's gaps
	AlertType              Type = 7  // peer is closing the connection
	CommandRequestType     Type = 8  // command sent to a station
	CommandResponseType    Type = 9  // station answer to a command
	CD1EncapsulationType   Type = 13 // CD-1 data in a CD1.1 data layout
	CustomResetType        Type = 26 // peer asks to clear the gap state
)

func (t Type) String() string {
	switch t {
	case ConnectionRequestType:
		return "ConnectionRequest"
	case ConnectionResponseType:
		return "ConnectionResponse"
	case OptionRequestType:
		return "OptionRequest"
	case OptionResponseType:
		return "OptionResponse"
	case DataType:
		return "Data"
	case AcknackType:
		return "Acknack"
	case AlertType:
		return "Alert"
	case CommandRequestType:
		return "CommandRequest"
	case CommandResponseType:
		return "CommandResponse"
	case CD1EncapsulationType:
		return "CD1Encapsulation"
	case CustomResetType:
		return "CustomReset"
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

// Header is the fixed-size header of a CD1.1 frame.
type Header struct {
	Type          Type
	TrailerOffset uint32 // offset of the trailer from the first byte of the frame
	Creator       string // 8 bytes
	Destination   string // 8 bytes
	Sequence      uint64
	Series        uint32
}

// Trailer holds the authentication and verification data of a frame.
type Trailer struct {
	AuthKeyID        uint32
	AuthValue        []byte
	CommVerification uint64 // CRC-64 of the whole frame, with this field zeroed
}

// Frame is a decoded CD1.1 frame.
type Frame struct {
	Header  Header
	Payload Payload
	Trailer Trailer
}

// Type returns the type of the frame.
// The type of the payload, if any, takes precedence over the header.
func (f *Frame) Type() Type {
	if f.Payload != nil {
		return f.Payload.FrameType()
	}
	return f.Header.Type
}

// Payload is the typed body of a frame.
//
// The set of payloads is closed: it is one of *ConnectionRequest,
// *ConnectionResponse, *OptionRequest, *OptionResponse, *Data,
// *CD1Encapsulation, *Acknack, *Alert, *CommandRequest,
// *CommandResponse or *CustomReset.
type Payload interface {
	FrameType() Type

	marshal(w *wbuf)
	unmarshal(r *rbuf)
}

func newPayload(t Type) Payload {
	switch t {
	case ConnectionRequestType:
		return new(ConnectionRequest)
	case ConnectionResponseType:
		return new(ConnectionResponse)
	case OptionRequestType:
		return new(OptionRequest)
	case OptionResponseType:
		return new(OptionResponse)
	case DataType:
		return new(Data)
	case AcknackType:
		return new(Acknack)
	case AlertType:
		return new(Alert)
	case CommandRequestType:
		return new(CommandRequest)
	case CommandResponseType:
		return new(CommandResponse)
	case CD1EncapsulationType:
		return new(CD1Encapsulation)
	case CustomResetType:
		return new(CustomReset)
	}
	return nil
}

// padding returns the number of null bytes needed to align n on 4 bytes.
func padding(n int) int {
	return (4 - n%4) % 4
}
