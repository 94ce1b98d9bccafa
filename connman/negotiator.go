// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connman

import (
	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11/frame"
)

const (
	defaultName = "connman"
	defaultKind = "IDC"
	serviceType = "TCP"
)

type config struct {
	name  string
	kind  string
	major uint16
	minor uint16
}

// Option configures a Negotiator or a Server.
type Option func(*config)

// WithResponder sets the responder name and type written in
// connection responses.
func WithResponder(name, kind string) Option {
	return func(cfg *config) {
		cfg.name = name
		cfg.kind = kind
	}
}

// WithVersion sets the protocol version written in connection responses.
func WithVersion(major, minor uint16) Option {
	return func(cfg *config) {
		cfg.major = major
		cfg.minor = minor
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		name:  defaultName,
		kind:  defaultKind,
		major: 1,
		minor: 1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Negotiator answers connection requests from stations.
type Negotiator struct {
	tbl *Table
	msg log.MsgStream
	cfg config
}

// NewNegotiator returns a negotiator redirecting stations according to tbl.
func NewNegotiator(tbl *Table, msg log.MsgStream, opts ...Option) *Negotiator {
	return &Negotiator{
		tbl: tbl,
		msg: msg,
		cfg: newConfig(opts),
	}
}

// Handle returns the connection response for a connection request,
// or false when the frame should be left unanswered: frames other than
// connection requests, requests from unknown stations and requests
// from ignored stations.
func (n *Negotiator) Handle(f *frame.Frame) (*frame.Frame, bool) {
	req, ok := f.Payload.(*frame.ConnectionRequest)
	if !ok {
		n.msg.Debugf("ignoring %v frame from %q", f.Type(), f.Header.Creator)
		return nil, false
	}

	station := req.Name
	if station == "" {
		station = f.Header.Creator
	}

	ep, ok := n.tbl.Lookup(station)
	switch {
	case !ok:
		n.msg.Warnf("connection request from unknown station %q", station)
		return nil, false
	case ep.Ignored:
		n.msg.Debugf("ignoring connection request from station %q", station)
		return nil, false
	}

	n.msg.Infof(
		"redirecting station %q (v%d.%d) to %v:%d",
		station, req.MajorVersion, req.MinorVersion,
		ep.ConsumerIP, ep.ConsumerPort,
	)

	fac := frame.Factory{
		Creator:     n.cfg.name,
		Destination: station,
		Series:      f.Header.Series,
	}
	return fac.Wrap(&frame.ConnectionResponse{
		ConnectionExchange: frame.ConnectionExchange{
			MajorVersion: n.cfg.major,
			MinorVersion: n.cfg.minor,
			Name:         n.cfg.name,
			Kind:         n.cfg.kind,
			ServiceType:  serviceType,
			IP:           frame.IPv4(ep.ConsumerIP),
			Port:         ep.ConsumerPort,
		},
	}), true
}
