// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"hash/crc64"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// checksum computes the CRC-64 of an encoded frame, treating its last
// 8 bytes (the comm verification field) as zero.
func checksum(raw []byte) uint64 {
	var zero [8]byte
	crc := crc64.Update(0, crcTable, raw[:len(raw)-8])
	return crc64.Update(crc, crcTable, zero[:])
}

// IsValidCRC reports whether the comm verification value of f matches
// the CRC-64 of raw, the encoded form of f.
func IsValidCRC(raw []byte, f *Frame) bool {
	if f == nil || len(raw) < HeaderSize+trailerFixedSize {
		return false
	}
	return checksum(raw) == f.Trailer.CommVerification
}
