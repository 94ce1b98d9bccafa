// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rsdf holds the raw station data frame records handed over
// to downstream consumers, and the sinks delivering them.
package rsdf // import "github.com/go-lpc/cd11/rsdf"

import (
	"context"
	"fmt"
	"time"

	"github.com/go-lpc/cd11/frame"
)

// PayloadFormat identifies the encoding of Record.Raw.
const PayloadFormat = "CD11"

// Record is a raw station data frame: the bytes of a CD1.1 data frame
// together with the metadata needed to route and index it.
type Record struct {
	Station       string    `json:"station"`
	FrameType     string    `json:"frame_type"`
	Sequence      uint64    `json:"sequence"`
	Channels      []string  `json:"channels"`
	PayloadFormat string    `json:"payload_format"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Received      time.Time `json:"received"`
	Raw           []byte    `json:"raw"`
}

// New builds the record of a data frame received from station at time recv.
func New(station string, f *frame.Frame, raw []byte, recv time.Time) (Record, error) {
	var data *frame.Data
	switch p := f.Payload.(type) {
	case *frame.Data:
		data = p
	case *frame.CD1Encapsulation:
		data = &p.Data
	default:
		return Record{}, fmt.Errorf("rsdf: invalid %v frame from station %q", f.Type(), station)
	}

	chans := make([]string, 0, len(data.Subframes))
	for i := range data.Subframes {
		chans = append(chans, data.Subframes[i].Description.Name())
	}
	if len(chans) == 0 {
		chans = data.Header.Channels()
	}

	start := data.Header.NominalTime
	return Record{
		Station:       station,
		FrameType:     f.Type().String(),
		Sequence:      f.Header.Sequence,
		Channels:      chans,
		PayloadFormat: PayloadFormat,
		Start:         start,
		End:           start.Add(time.Duration(data.Header.FrameTimeLength) * time.Millisecond),
		Received:      recv,
		Raw:           raw,
	}, nil
}

// MalformedRecord describes bytes received from a station that could
// not be decoded.
type MalformedRecord struct {
	Station   string    `json:"station"`
	FrameType string    `json:"frame_type,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Offset    int       `json:"offset"`
	Reason    string    `json:"reason"`
	Received  time.Time `json:"received"`
	Raw       []byte    `json:"raw"`
}

// NewMalformed builds the record of a malformed frame.
// station is used when the frame does not carry its creator.
func NewMalformed(station string, mf *frame.MalformedFrame) MalformedRecord {
	rec := MalformedRecord{
		Station:  station,
		Offset:   mf.Offset,
		Received: mf.Received,
		Raw:      mf.Raw,
	}
	if mf.Station != "" {
		rec.Station = mf.Station
	}
	if mf.HeaderOK {
		rec.FrameType = mf.Header.Type.String()
		rec.Sequence = mf.Header.Sequence
	}
	if mf.Err != nil {
		rec.Reason = mf.Err.Error()
	}
	return rec
}

// Sink receives the records produced by station sessions.
type Sink interface {
	Data(ctx context.Context, rec Record) error
	Malformed(ctx context.Context, rec MalformedRecord) error
}

// Discard is a Sink dropping all records.
var Discard Sink = discard{}

type discard struct{}

func (discard) Data(context.Context, Record) error               { return nil }
func (discard) Malformed(context.Context, MalformedRecord) error { return nil }

// ChanSink delivers records over channels.
type ChanSink struct {
	DataC      chan Record
	MalformedC chan MalformedRecord
}

// NewChanSink returns a ChanSink with channels of capacity n.
func NewChanSink(n int) *ChanSink {
	return &ChanSink{
		DataC:      make(chan Record, n),
		MalformedC: make(chan MalformedRecord, n),
	}
}

func (s *ChanSink) Data(ctx context.Context, rec Record) error {
	select {
	case s.DataC <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChanSink) Malformed(ctx context.Context, rec MalformedRecord) error {
	select {
	case s.MalformedC <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ Sink = (*ChanSink)(nil)
	_ Sink = (*NATSSink)(nil)
)
