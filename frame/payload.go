// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"net/netip"
	"strings"
	"time"
)

// ConnectionExchange is the body of connection request and
// connection response frames.
type ConnectionExchange struct {
	MajorVersion uint16
	MinorVersion uint16
	Name         string // station or responder name, 8 bytes
	Kind         string // station or responder type, 4 bytes
	ServiceType  string // 4 bytes, e.g. "TCP"
	IP           uint32
	Port         uint16
	SecondIP     uint32
	SecondPort   uint16
}

// Addr returns the primary endpoint as a netip.AddrPort.
func (c *ConnectionExchange) Addr() netip.AddrPort {
	return netip.AddrPortFrom(IPv4Addr(c.IP), c.Port)
}

func (c *ConnectionExchange) marshal(w *wbuf) {
	w.u16(c.MajorVersion)
	w.u16(c.MinorVersion)
	w.str(c.Name, 8)
	w.str(c.Kind, 4)
	w.str(c.ServiceType, 4)
	w.u32(c.IP)
	w.u16(c.Port)
	w.u32(c.SecondIP)
	w.u16(c.SecondPort)
}

func (c *ConnectionExchange) unmarshal(r *rbuf) {
	c.MajorVersion = r.u16()
	c.MinorVersion = r.u16()
	c.Name = r.str(8)
	c.Kind = r.str(4)
	c.ServiceType = r.str(4)
	c.IP = r.u32()
	c.Port = r.u16()
	c.SecondIP = r.u32()
	c.SecondPort = r.u16()
}

// ConnectionRequest is sent by a station to the connection manager.
type ConnectionRequest struct {
	ConnectionExchange
}

func (*ConnectionRequest) FrameType() Type { return ConnectionRequestType }

// ConnectionResponse redirects a station to its data consumer.
type ConnectionResponse struct {
	ConnectionExchange
}

func (*ConnectionResponse) FrameType() Type { return ConnectionResponseType }

// IPv4 converts an IPv4 address to its CD1.1 integer representation.
// Non-IPv4 addresses are mapped to 0.
func IPv4(addr netip.Addr) uint32 {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// IPv4Addr converts a CD1.1 integer address to a netip.Addr.
func IPv4Addr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// Option is a single option negotiated through option frames.
type Option struct {
	Type  uint32
	Value []byte
}

// OptionExchange is the body of option request and option response frames.
type OptionExchange struct {
	Options []Option
}

func (o *OptionExchange) marshal(w *wbuf) {
	w.u32(uint32(len(o.Options)))
	for _, opt := range o.Options {
		w.u32(opt.Type)
		w.u32(uint32(len(opt.Value)))
		w.padded(opt.Value)
	}
}

func (o *OptionExchange) unmarshal(r *rbuf) {
	n := r.u32()
	o.Options = nil
	for i := uint32(0); i < n && r.err == nil; i++ {
		var opt Option
		opt.Type = r.u32()
		opt.Value = r.padded(r.u32())
		o.Options = append(o.Options, opt)
	}
}

type OptionRequest struct {
	OptionExchange
}

func (*OptionRequest) FrameType() Type { return OptionRequestType }

type OptionResponse struct {
	OptionExchange
}

func (*OptionResponse) FrameType() Type { return OptionResponseType }

// Range is a half-open range [Start, End) of sequence numbers.
type Range struct {
	Start uint64
	End   uint64
}

// Acknack reports the sequence numbers seen by one end of a session.
type Acknack struct {
	FrameSet string // 20 bytes
	Lowest   uint64
	Highest  uint64
	Gaps     []Range
}

func (*Acknack) FrameType() Type { return AcknackType }

func (a *Acknack) marshal(w *wbuf) {
	w.str(a.FrameSet, 20)
	w.u64(a.Lowest)
	w.u64(a.Highest)
	w.u32(uint32(len(a.Gaps)))
	for _, g := range a.Gaps {
		w.u64(g.Start)
		w.u64(g.End)
	}
}

func (a *Acknack) unmarshal(r *rbuf) {
	a.FrameSet = r.str(20)
	a.Lowest = r.u64()
	a.Highest = r.u64()
	n := r.u32()
	a.Gaps = nil
	for i := uint32(0); i < n && r.err == nil; i++ {
		var g Range
		g.Start = r.u64()
		g.End = r.u64()
		a.Gaps = append(a.Gaps, g)
	}
}

// Alert notifies the peer that the session is being terminated.
type Alert struct {
	Message string
}

func (*Alert) FrameType() Type { return AlertType }

func (a *Alert) marshal(w *wbuf) {
	w.u32(uint32(len(a.Message)))
	w.padded([]byte(a.Message))
}

func (a *Alert) unmarshal(r *rbuf) {
	a.Message = string(r.padded(r.u32()))
}

// CommandRequest carries a command for a station.
type CommandRequest struct {
	Station   string // 8 bytes
	Site      string // 5 bytes
	Channel   string // 3 bytes
	Location  string // 2 bytes
	Timestamp time.Time
	Message   string
}

func (*CommandRequest) FrameType() Type { return CommandRequestType }

func (c *CommandRequest) marshal(w *wbuf) {
	w.str(c.Station, 8)
	w.str(c.Site, 5)
	w.str(c.Channel, 3)
	w.str(c.Location, 2)
	w.zeros(2)
	w.jd(c.Timestamp)
	w.u32(uint32(len(c.Message)))
	w.padded([]byte(c.Message))
}

func (c *CommandRequest) unmarshal(r *rbuf) {
	c.Station = r.str(8)
	c.Site = r.str(5)
	c.Channel = r.str(3)
	c.Location = r.str(2)
	r.skip(2)
	c.Timestamp = r.jd()
	c.Message = string(r.padded(r.u32()))
}

// CommandResponse carries the answer of a station to a command.
type CommandResponse struct {
	Responder string // 8 bytes
	Site      string // 5 bytes
	Channel   string // 3 bytes
	Location  string // 2 bytes
	Timestamp time.Time
	Request   string
	Response  string
}

func (*CommandResponse) FrameType() Type { return CommandResponseType }

func (c *CommandResponse) marshal(w *wbuf) {
	w.str(c.Responder, 8)
	w.str(c.Site, 5)
	w.str(c.Channel, 3)
	w.str(c.Location, 2)
	w.zeros(2)
	w.jd(c.Timestamp)
	w.u32(uint32(len(c.Request)))
	w.padded([]byte(c.Request))
	w.u32(uint32(len(c.Response)))
	w.padded([]byte(c.Response))
}

func (c *CommandResponse) unmarshal(r *rbuf) {
	c.Responder = r.str(8)
	c.Site = r.str(5)
	c.Channel = r.str(3)
	c.Location = r.str(2)
	r.skip(2)
	c.Timestamp = r.jd()
	c.Request = string(r.padded(r.u32()))
	c.Response = string(r.padded(r.u32()))
}

// CustomReset asks the peer to drop its frame set state.
type CustomReset struct {
	Raw []byte
}

func (*CustomReset) FrameType() Type { return CustomResetType }

func (c *CustomReset) marshal(w *wbuf) {
	w.write(c.Raw)
}

func (c *CustomReset) unmarshal(r *rbuf) {
	c.Raw = r.bytes(uint32(r.len()))
}

// ChannelSubframeHeader describes the channels carried by a data frame.
type ChannelSubframeHeader struct {
	FrameTimeLength uint32 // in milliseconds
	NominalTime     time.Time
	ChannelString   string // 10 bytes per channel: site (5), channel (3), location (2)

	// Unpadded is set when the channel string was received without
	// its 4-byte alignment padding.
	// It only matters when the channel string length is not a multiple
	// of 4: aligned channel strings always decode with Unpadded unset.
	Unpadded bool
}

// Channels returns the SITE.CHAN.LOC names listed in the channel string.
func (h *ChannelSubframeHeader) Channels() []string {
	var (
		n   = len(h.ChannelString) / 10
		out = make([]string, 0, n)
	)
	for i := 0; i < n; i++ {
		s := h.ChannelString[10*i : 10*(i+1)]
		out = append(out, channelName(s[0:5], s[5:8], s[8:10]))
	}
	return out
}

// ChannelDescription is the 24-byte description of a channel subframe.
type ChannelDescription struct {
	Authentication uint8
	Transformation uint8
	SensorType     uint8
	OptionFlag     uint8
	Site           string // 5 bytes
	Channel        string // 3 bytes
	Location       string // 2 bytes
	DataFormat     string // 2 bytes, e.g. "s4"
	CalibFactor    float32
	CalibPeriod    float32
}

// Name returns the SITE.CHAN.LOC name of the channel.
func (d *ChannelDescription) Name() string {
	return channelName(d.Site, d.Channel, d.Location)
}

func channelName(site, chn, loc string) string {
	trim := func(s string) string {
		return strings.TrimRight(s, "\x00 ")
	}
	return trim(site) + "." + trim(chn) + "." + trim(loc)
}

// ChannelSubframe holds the samples of one channel.
type ChannelSubframe struct {
	AuthOffset    uint32
	Description   ChannelDescription
	Timestamp     time.Time
	TimeLength    uint32 // in milliseconds
	Samples       uint32
	Status        []byte
	Data          []byte
	SubframeCount uint32
	AuthKeyID     uint32
	AuthValue     []byte
}

func (sf *ChannelSubframe) marshal(w *wbuf) {
	w.u32(sf.AuthOffset)

	d := &sf.Description
	w.u8(d.Authentication)
	w.u8(d.Transformation)
	w.u8(d.SensorType)
	w.u8(d.OptionFlag)
	w.str(d.Site, 5)
	w.str(d.Channel, 3)
	w.str(d.Location, 2)
	w.str(d.DataFormat, 2)
	w.f32(d.CalibFactor)
	w.f32(d.CalibPeriod)

	w.jd(sf.Timestamp)
	w.u32(sf.TimeLength)
	w.u32(sf.Samples)
	w.u32(uint32(len(sf.Status)))
	w.padded(sf.Status)
	w.u32(uint32(len(sf.Data)))
	w.padded(sf.Data)
	w.u32(sf.SubframeCount)
	w.u32(sf.AuthKeyID)
	w.u32(uint32(len(sf.AuthValue)))
	w.padded(sf.AuthValue)
}

func (sf *ChannelSubframe) unmarshal(r *rbuf) {
	sf.AuthOffset = r.u32()

	d := &sf.Description
	d.Authentication = r.u8()
	d.Transformation = r.u8()
	d.SensorType = r.u8()
	d.OptionFlag = r.u8()
	d.Site = r.str(5)
	d.Channel = r.str(3)
	d.Location = r.str(2)
	d.DataFormat = r.str(2)
	d.CalibFactor = r.f32()
	d.CalibPeriod = r.f32()

	sf.Timestamp = r.jd()
	sf.TimeLength = r.u32()
	sf.Samples = r.u32()
	sf.Status = r.padded(r.u32())
	sf.Data = r.padded(r.u32())
	sf.SubframeCount = r.u32()
	sf.AuthKeyID = r.u32()
	sf.AuthValue = r.padded(r.u32())
}

// Data carries channel subframes of waveform and state-of-health data.
type Data struct {
	Header    ChannelSubframeHeader
	Subframes []ChannelSubframe
}

func (*Data) FrameType() Type { return DataType }

func (d *Data) marshal(w *wbuf) {
	h := &d.Header
	w.u32(uint32(len(d.Subframes)))
	w.u32(h.FrameTimeLength)
	w.jd(h.NominalTime)
	w.u32(uint32(len(h.ChannelString)))
	w.write([]byte(h.ChannelString))
	if !h.Unpadded {
		w.zeros(padding(len(h.ChannelString)))
	}

	for i := range d.Subframes {
		pos := w.len()
		w.u32(0) // channel length, patched below.
		d.Subframes[i].marshal(w)
		w.putU32(pos, uint32(w.len()-pos-4))
	}
}

func (d *Data) unmarshal(r *rbuf) {
	h := &d.Header
	n := r.u32()
	h.FrameTimeLength = r.u32()
	h.NominalTime = r.jd()
	size := r.u32()
	h.ChannelString = string(r.bytes(size))
	h.Unpadded = false
	if pad := padding(int(size)); pad > 0 && r.err == nil {
		// some stations do not pad the channel string.
		// padding is assumed present when the pad bytes and the
		// upper bytes of the next length field are all zero.
		if r.isZero(4) || (r.len() < 4 && r.isZero(pad)) {
			r.skip(uint32(pad))
		} else {
			h.Unpadded = true
		}
	}

	d.Subframes = nil
	for i := uint32(0); i < n && r.err == nil; i++ {
		size := r.u32()
		sub := r.sub(size)
		var sf ChannelSubframe
		sf.unmarshal(sub)
		sub.done("channel subframe")
		r.join(sub)
		d.Subframes = append(d.Subframes, sf)
	}
}

// CD1Encapsulation carries CD-1 data wrapped in a CD1.1 data layout.
type CD1Encapsulation struct {
	Data
}

func (*CD1Encapsulation) FrameType() Type { return CD1EncapsulationType }

var (
	_ Payload = (*ConnectionRequest)(nil)
	_ Payload = (*ConnectionResponse)(nil)
	_ Payload = (*OptionRequest)(nil)
	_ Payload = (*OptionResponse)(nil)
	_ Payload = (*Data)(nil)
	_ Payload = (*CD1Encapsulation)(nil)
	_ Payload = (*Acknack)(nil)
	_ Payload = (*Alert)(nil)
	_ Payload = (*CommandRequest)(nil)
	_ Payload = (*CommandResponse)(nil)
	_ Payload = (*CustomReset)(nil)
)
