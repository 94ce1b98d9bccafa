// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"fmt"
	"time"
)

// MalformedFrame describes bytes that could not be decoded as a frame.
// It is returned as an error by Unmarshal and Decoder.
type MalformedFrame struct {
	Raw      []byte    // bytes of the offending frame
	Offset   int       // offset at which decoding failed
	Header   Header    // partially decoded header
	HeaderOK bool      // whether Header was fully decoded
	Station  string    // originating station, if known
	Received time.Time // reception time, set by the receiver
	Err      error
}

func (mf *MalformedFrame) Error() string {
	var typ string
	if mf.HeaderOK {
		typ = " " + mf.Header.Type.String()
	}
	return fmt.Sprintf("frame: malformed%s frame (%d bytes) at offset %d: %v", typ, len(mf.Raw), mf.Offset, mf.Err)
}

func (mf *MalformedFrame) Unwrap() error { return mf.Err }
